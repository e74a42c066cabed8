package xlog

import "go.uber.org/zap"

// Logger defines the interface for structured logging across subcore.
// Every component holds a Logger rather than calling fmt/log directly, so
// an embedding application controls where and how diagnostics land. The
// variadic key-value form is compatible with slog, zap, and logrus alike.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

// zapLogger adapts a *zap.Logger (the teacher's structured logging choice)
// to the Logger interface.
type zapLogger struct {
	l *zap.SugaredLogger
}

// NewZapLogger wraps a *zap.Logger for use as a Logger.
func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{l: l.Sugar()}
}

func (z *zapLogger) Info(msg string, args ...any)  { z.l.Infow(msg, args...) }
func (z *zapLogger) Error(msg string, args ...any) { z.l.Errorw(msg, args...) }
func (z *zapLogger) Warn(msg string, args ...any)  { z.l.Warnw(msg, args...) }
func (z *zapLogger) Debug(msg string, args ...any) { z.l.Debugw(msg, args...) }

// NopLogger discards everything; used as a safe default when no logger is
// configured.
type NopLogger struct{}

func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Debug(string, ...any) {}
