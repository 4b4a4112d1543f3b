package logger

import (
	"testing"

	"wallet-stream/internal/infrastructure/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		env      string
		level    string
		expected zapcore.Level
	}{
		{"development", "debug", zapcore.DebugLevel},
		{"production", "warn", zapcore.WarnLevel},
		{"development", "not-a-level", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.env+"/"+tt.level, func(t *testing.T) {
			l, err := NewLogger(&config.Config{
				App: config.AppConfig{Env: tt.env, LogLevel: tt.level},
			})
			require.NoError(t, err)
			assert.True(t, l.Core().Enabled(tt.expected))
			assert.False(t, l.Core().Enabled(tt.expected-1))
		})
	}
}

func TestLogger_SetLevelReachesScopedLoggers(t *testing.T) {
	l, err := NewLogger(&config.Config{App: config.AppConfig{Env: "development", LogLevel: "info"}})
	require.NoError(t, err)

	scoped := l.WithEndpoint("tezos")
	assert.False(t, scoped.Core().Enabled(zapcore.DebugLevel))

	l.SetLevel(zapcore.DebugLevel)
	assert.True(t, scoped.Core().Enabled(zapcore.DebugLevel))
}

func TestLogger_ScopedFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := &Logger{Logger: zap.New(core), level: zap.NewAtomicLevel()}

	l.WithComponent("listener-registry").
		WithEndpoint("tezos").
		WithEvent("evt-1", "tz1abc").
		Warn("Listener failed")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "listener-registry", fields["component"])
	assert.Equal(t, "tezos", fields["endpoint"])
	assert.Equal(t, "evt-1", fields["event_id"])
	assert.Equal(t, "tz1abc", fields["subject"])
}

func TestNewNop(t *testing.T) {
	l := NewNop()
	scoped := l.WithSubject("tz1abc")

	assert.NotSame(t, l, scoped)
	assert.False(t, scoped.Core().Enabled(zapcore.ErrorLevel))
	scoped.Info("discarded")
}
