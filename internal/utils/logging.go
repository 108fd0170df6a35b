package utils

import (
	"go.uber.org/zap"
)

// Logger keeps the key-value call style used across the service on top of zap.
type Logger struct {
	z *zap.Logger
	s *zap.SugaredLogger
}

func NewLogger() *Logger {
	z, err := zap.NewProduction()
	if err != nil {
		z = zap.NewNop()
	}
	return NewLoggerFrom(z)
}

func NewDevelopmentLogger() *Logger {
	z, err := zap.NewDevelopment()
	if err != nil {
		z = zap.NewNop()
	}
	return NewLoggerFrom(z)
}

func NewNopLogger() *Logger { return NewLoggerFrom(zap.NewNop()) }

func NewLoggerFrom(z *zap.Logger) *Logger {
	return &Logger{z: z, s: z.Sugar()}
}

func (lg *Logger) Debug(msg string, kv ...any) { lg.s.Debugw(msg, kv...) }
func (lg *Logger) Info(msg string, kv ...any)  { lg.s.Infow(msg, kv...) }
func (lg *Logger) Warn(msg string, kv ...any)  { lg.s.Warnw(msg, kv...) }
func (lg *Logger) Error(msg string, kv ...any) { lg.s.Errorw(msg, kv...) }

// With returns a child logger carrying the given fields.
func (lg *Logger) With(kv ...any) *Logger {
	s := lg.s.With(kv...)
	return &Logger{z: s.Desugar(), s: s}
}

func (lg *Logger) Zap() *zap.Logger { return lg.z }

func (lg *Logger) Sync() { _ = lg.z.Sync() }
