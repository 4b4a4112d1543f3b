package logger

import (
	"wallet-stream/internal/infrastructure/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName tags every entry so streamer logs can be told apart in a
// shared sink
const ServiceName = "wallet-stream"

// Logger is a zap logger scoped with stream fields (component, endpoint,
// subject, event). Scoping returns a new Logger and never mutates the parent.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// NewLogger builds the process logger from the app config. Production emits
// JSON with ISO8601 timestamps; anything else gets the console encoder.
func NewLogger(cfg *config.Config) (*Logger, error) {
	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if cfg.App.Env == "production" {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	level, err := zap.ParseAtomicLevel(cfg.App.LogLevel)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zapConfig.Level = level

	zapLogger, err := zapConfig.Build(
		zap.AddStacktrace(zap.ErrorLevel),
		zap.Fields(
			zap.String("service", ServiceName),
			zap.String("env", cfg.App.Env),
		),
	)
	if err != nil {
		return nil, err
	}

	return &Logger{Logger: zapLogger, level: level}, nil
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop(), level: zap.NewAtomicLevelAt(zap.FatalLevel)}
}

// SetLevel changes the level of this logger and every logger scoped from it
func (l *Logger) SetLevel(level zapcore.Level) {
	l.level.SetLevel(level)
}

// With adds fields to logger
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...), level: l.level}
}

func (l *Logger) WithComponent(name string) *Logger {
	return l.With(zap.String("component", name))
}

func (l *Logger) WithEndpoint(endpointKey string) *Logger {
	return l.With(zap.String("endpoint", endpointKey))
}

func (l *Logger) WithSubject(subject string) *Logger {
	return l.With(zap.String("subject", subject))
}

// WithEvent scopes the logger to one dispatched event
func (l *Logger) WithEvent(eventID, subject string) *Logger {
	return l.With(zap.String("event_id", eventID), zap.String("subject", subject))
}
