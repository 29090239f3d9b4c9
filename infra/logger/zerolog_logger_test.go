package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestZerologLoggerMethods(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	l := NewZerologLogger("test")
	require.NotNil(t, l)
	l.Debugf("debug %d", 1)
	l.Debugw("debug", map[string]any{"k": 1})
	l.Infof("info %s", "test")
	l.Warnf("warn")
	l.Errorf("error")
}

func TestNewWithEnv(t *testing.T) {
	for _, env := range []string{"dev", "prod", ""} {
		l := NewWithEnv("test", env)
		require.NotNil(t, l)
		l.Infof("hello from %q", env)
	}
}
