package logging

import (
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger atomic.Pointer[zap.SugaredLogger]
)

func init() {
	// Console output with date, time and caller, warnings and errors to stderr.
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	low := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return level.Enabled(l) && l < zapcore.WarnLevel
	})
	high := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return level.Enabled(l) && l >= zapcore.WarnLevel
	})
	core := zapcore.NewTee(
		zapcore.NewCore(enc, zapcore.Lock(os.Stdout), low),
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), high),
	)
	Use(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)))
}

// Use replaces the underlying logger. Tests use it with zaptest or zap.NewNop.
func Use(l *zap.Logger) {
	logger.Store(l.Sugar())
}

// SetLevel sets the minimum level from a name such as "debug" or "warn".
// Unknown names leave the level unchanged and return false.
func SetLevel(name string) bool {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(name)))); err != nil {
		return false
	}
	level.SetLevel(l)
	return true
}

// Sync flushes buffered log entries.
func Sync() {
	_ = logger.Load().Sync()
}

// Debug logs diagnostic messages.
func Debug(format string, v ...interface{}) {
	logger.Load().Debugf(format, v...)
}

// Info logs informational messages.
func Info(format string, v ...interface{}) {
	logger.Load().Infof(format, v...)
}

// Warn logs warning messages.
func Warn(format string, v ...interface{}) {
	logger.Load().Warnf(format, v...)
}

// Error logs error messages.
func Error(format string, v ...interface{}) {
	logger.Load().Errorf(format, v...)
}

// Fatal logs error messages and exits the program with status 1.
func Fatal(format string, v ...interface{}) {
	logger.Load().Fatalf(format, v...)
}
