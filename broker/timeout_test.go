package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeoutSetPopExpiredOrdersByDeadline(t *testing.T) {
	s := newTimeoutSet()
	base := time.Now()

	s.insert(timeoutKey{clientID: "c", deadline: base.Add(3 * time.Second)})
	s.insert(timeoutKey{clientID: "a", deadline: base.Add(1 * time.Second)})
	s.insert(timeoutKey{clientID: "b", deadline: base.Add(2 * time.Second)})

	expired := s.popExpired(base.Add(10 * time.Second))
	wantOrder := []string{"a", "b", "c"}
	for i, k := range expired {
		assert.Equal(t, wantOrder[i], k.clientID)
	}
}

func TestTimeoutSetPopExpiredOnlyReturnsDue(t *testing.T) {
	s := newTimeoutSet()
	base := time.Now()

	s.insert(timeoutKey{clientID: "soon", deadline: base.Add(1 * time.Millisecond)})
	s.insert(timeoutKey{clientID: "later", deadline: base.Add(time.Hour)})

	expired := s.popExpired(base.Add(time.Second))
	assert.Len(t, expired, 1)
	assert.Equal(t, "soon", expired[0].clientID)

	none := s.popExpired(base.Add(time.Second))
	assert.Empty(t, none)
}

func TestTimeoutSetRemoveCancelsBeforeFiring(t *testing.T) {
	s := newTimeoutSet()
	base := time.Now()

	key := timeoutKey{clientID: "c", deadline: base.Add(time.Millisecond)}
	s.insert(key)
	s.remove(key)

	expired := s.popExpired(base.Add(time.Second))
	assert.Empty(t, expired)
}

func TestTimeoutSetTieBreaksByClientID(t *testing.T) {
	s := newTimeoutSet()
	deadline := time.Now()

	s.insert(timeoutKey{clientID: "z", deadline: deadline})
	s.insert(timeoutKey{clientID: "a", deadline: deadline})

	expired := s.popExpired(deadline.Add(time.Second))
	wantOrder := []string{"a", "z"}
	for i, k := range expired {
		assert.Equal(t, wantOrder[i], k.clientID)
	}
}
