package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicAlias(t *testing.T) {
	t.Run("create topic alias", func(t *testing.T) {
		ta := NewTopicAlias(100)
		assert.NotNil(t, ta)
		assert.Equal(t, uint16(100), ta.maxAlias)
	})

	t.Run("set and get alias", func(t *testing.T) {
		ta := NewTopicAlias(100)

		ok := ta.Set(1, "home/temperature")
		require.True(t, ok)

		topic, ok := ta.Get(1)
		require.True(t, ok)
		assert.Equal(t, "home/temperature", topic)
	})

	t.Run("set multiple aliases", func(t *testing.T) {
		ta := NewTopicAlias(100)

		assert.True(t, ta.Set(1, "home/temperature"))
		assert.True(t, ta.Set(2, "home/humidity"))
		assert.True(t, ta.Set(3, "home/pressure"))

		topic, ok := ta.Get(1)
		require.True(t, ok)
		assert.Equal(t, "home/temperature", topic)

		topic, ok = ta.Get(2)
		require.True(t, ok)
		assert.Equal(t, "home/humidity", topic)

		topic, ok = ta.Get(3)
		require.True(t, ok)
		assert.Equal(t, "home/pressure", topic)
	})

	t.Run("overwrite alias", func(t *testing.T) {
		ta := NewTopicAlias(100)

		ta.Set(1, "home/temperature")
		ta.Set(1, "home/humidity")

		topic, ok := ta.Get(1)
		require.True(t, ok)
		assert.Equal(t, "home/humidity", topic)
	})

	t.Run("get non-existent alias", func(t *testing.T) {
		ta := NewTopicAlias(100)

		topic, ok := ta.Get(99)
		assert.False(t, ok)
		assert.Empty(t, topic)
	})

	t.Run("alias zero is invalid", func(t *testing.T) {
		ta := NewTopicAlias(100)

		ok := ta.Set(0, "home/temperature")
		assert.False(t, ok)
	})

	t.Run("alias exceeds max", func(t *testing.T) {
		ta := NewTopicAlias(10)

		ok := ta.Set(11, "home/temperature")
		assert.False(t, ok)
	})

	t.Run("alias at max is valid", func(t *testing.T) {
		ta := NewTopicAlias(10)

		ok := ta.Set(10, "home/temperature")
		assert.True(t, ok)
	})

	t.Run("clear aliases", func(t *testing.T) {
		ta := NewTopicAlias(100)

		ta.Set(1, "home/temperature")
		ta.Set(2, "home/humidity")

		ta.Clear()

		_, ok := ta.Get(1)
		assert.False(t, ok)
		_, ok = ta.Get(2)
		assert.False(t, ok)
	})
}

func BenchmarkTopicAliasSet(b *testing.B) {
	ta := NewTopicAlias(100)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ta.Set(uint16((i%100)+1), "home/temperature")
	}
}

func BenchmarkTopicAliasGet(b *testing.B) {
	ta := NewTopicAlias(100)
	for i := 1; i <= 100; i++ {
		ta.Set(uint16(i), "home/temperature")
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ta.Get(uint16((i % 100) + 1))
	}
}
