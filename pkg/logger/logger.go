// Package logger defines the logging interface used across the engine.
// The concrete implementation is a zap sugared logger; a no-op variant
// exists so optional logger parameters never need nil checks.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Debugf(format string, args ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Infof(format string, args ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Warnf(format string, args ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Errorf(format string, args ...interface{})
	With(keysAndValues ...interface{}) Logger
	Sync() error
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger creates a production zap logger at the given level.
// Pass zapcore.DebugLevel for development verbosity.
func NewZapLogger(level zapcore.Level) (Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &zapLogger{sugar: l.Sugar()}, nil
}

func (z *zapLogger) Debug(msg string, keysAndValues ...interface{}) {
	z.sugar.Debugw(msg, keysAndValues...)
}
func (z *zapLogger) Debugf(format string, args ...interface{}) { z.sugar.Debugf(format, args...) }
func (z *zapLogger) Info(msg string, keysAndValues ...interface{}) {
	z.sugar.Infow(msg, keysAndValues...)
}
func (z *zapLogger) Infof(format string, args ...interface{}) { z.sugar.Infof(format, args...) }
func (z *zapLogger) Warn(msg string, keysAndValues ...interface{}) {
	z.sugar.Warnw(msg, keysAndValues...)
}
func (z *zapLogger) Warnf(format string, args ...interface{}) { z.sugar.Warnf(format, args...) }
func (z *zapLogger) Error(msg string, keysAndValues ...interface{}) {
	z.sugar.Errorw(msg, keysAndValues...)
}
func (z *zapLogger) Errorf(format string, args ...interface{}) { z.sugar.Errorf(format, args...) }

func (z *zapLogger) With(keysAndValues ...interface{}) Logger {
	return &zapLogger{sugar: z.sugar.With(keysAndValues...)}
}

func (z *zapLogger) Sync() error { return z.sugar.Sync() }
