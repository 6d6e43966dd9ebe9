package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewZapLogger(t *testing.T) {
	t.Run("stdout only when no filename", func(t *testing.T) {
		l := NewZapLogger(ZapLoggerConfig{Level: zapcore.InfoLevel})
		require.NotNil(t, l)
		l.Info("hello", "k", "v")
		require.NoError(t, l.Sync())
	})

	t.Run("rotated file backend", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "broker.log")
		l := NewZapLogger(ZapLoggerConfig{
			Filename: path,
			Level:    zapcore.DebugLevel,
		})
		l.Debug("starting", "listener", ":1883")
		l.Error("boom", "err", "disk full")
		require.NoError(t, l.Sync())

		_, err := os.Stat(path)
		require.NoError(t, err)
	})

	t.Run("satisfies Logger interface", func(t *testing.T) {
		var _ Logger = NewZapLogger(ZapLoggerConfig{})
	})
}
