// Package logging builds the bridge's zap logger. Output goes to stderr;
// stdout belongs to the stdio tool protocol.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a zap logger whose level can be flipped between info and debug
// at runtime.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// New returns a console logger on stderr.
func New(debug bool) *Logger {
	return NewWithSink(zapcore.Lock(os.Stderr), debug)
}

// NewWithSink returns a console logger writing to sink.
func NewWithSink(sink zapcore.WriteSyncer, debug bool) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	level := zap.NewAtomicLevel()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), sink, level)

	l := &Logger{
		Logger: zap.New(core).Named("vaultbridge"),
		level:  level,
	}
	l.SetDebug(debug)
	return l
}

// SetDebug switches between debug and info level.
func (l *Logger) SetDebug(enabled bool) {
	if enabled {
		l.level.SetLevel(zapcore.DebugLevel)
	} else {
		l.level.SetLevel(zapcore.InfoLevel)
	}
}

// IsDebug reports whether debug logging is enabled.
func (l *Logger) IsDebug() bool {
	return l.level.Enabled(zapcore.DebugLevel)
}

// Flush writes any buffered entries.
func (l *Logger) Flush() {
	_ = l.Logger.Sync()
}
