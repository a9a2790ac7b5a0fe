// Package log provides structured logging with instance context.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for hot paths (delivery workers,
//     dispatcher, coordination client)
//   - SugaredLogger: Printf-style logging for CLI and admin surfaces
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides structured logging. Every entry carries the instance id
// so interleaved logs from multiple instances behind a load balancer stay
// attributable.
type Logger struct {
	zap *zap.Logger
}

// SugaredLogger provides printf-style logging for CLI and admin surfaces.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a logger bound to the given instance id.
// Output defaults to os.Stderr.
func NewLogger(instanceID string) *Logger {
	return newLoggerWithWriter(instanceID, os.Stderr)
}

// WithOutput returns a new logger with a different output writer.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)
	return &Logger{zap: l.zap.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core { return core }))}
}

// Named returns a logger with a component name appended, e.g. "webhook" or
// "election".
func (l *Logger) Named(name string) *Logger {
	return &Logger{zap: l.zap.Named(name)}
}

// With returns a logger with additional structural fields attached.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		NameKey:     "component",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
		EncodeName:  zapcore.FullNameEncoder,
	}
}

// newLoggerWithWriter creates a logger writing to the specified writer.
func newLoggerWithWriter(instanceID string, w io.Writer) *Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)

	zapLogger := zap.New(core).With(zap.String("instance_id", instanceID))
	return &Logger{zap: zapLogger}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields ...zap.Field) {
	l.zap.Debug(message, fields...)
}

// Info logs an info message.
func (l *Logger) Info(message string, fields ...zap.Field) {
	l.zap.Info(message, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields ...zap.Field) {
	l.zap.Warn(message, fields...)
}

// Error logs an error message.
func (l *Logger) Error(message string, fields ...zap.Field) {
	l.zap.Error(message, fields...)
}

// Sync flushes buffered entries. Call before process exit.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// Sugar returns a SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Debugf logs a debug message with printf-style formatting.
func (s *SugaredLogger) Debugf(template string, args ...any) {
	s.sugar.Debugf(template, args...)
}

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) {
	s.sugar.Infof(template, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) {
	s.sugar.Warnf(template, args...)
}

// Errorf logs an error message with printf-style formatting.
func (s *SugaredLogger) Errorf(template string, args ...any) {
	s.sugar.Errorf(template, args...)
}

// With returns a SugaredLogger with additional context fields.
func (s *SugaredLogger) With(args ...any) *SugaredLogger {
	return &SugaredLogger{sugar: s.sugar.With(args...)}
}

// Nop returns a logger that discards everything. Intended for tests.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}
