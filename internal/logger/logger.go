package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	sugar atomic.Pointer[zap.SugaredLogger]
)

func init() {
	Setup(os.Stderr)
}

// Setup replaces the log sinks. Every line is written to all of the given writers.
func Setup(writers ...io.Writer) {
	syncers := make([]zapcore.WriteSyncer, 0, len(writers))
	for _, w := range writers {
		if w == nil {
			continue
		}
		syncers = append(syncers, zapcore.AddSync(w))
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.ConsoleSeparator = " "

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(syncers...),
		level,
	)
	sugar.Store(zap.New(core).Sugar())
}

// SetLevelFromString sets the minimum level. Accepts DEBUG, INFO, WARN and ERROR.
func SetLevelFromString(s string) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		level.SetLevel(zapcore.DebugLevel)
	case "INFO":
		level.SetLevel(zapcore.InfoLevel)
	case "WARN", "WARNING":
		level.SetLevel(zapcore.WarnLevel)
	case "ERROR":
		level.SetLevel(zapcore.ErrorLevel)
	default:
		Warn("Unknown log level '%s', keeping %s.", s, level.Level().CapitalString())
		return
	}
	Info("Log level set to %s", level.Level().CapitalString())
}

// Level returns the current minimum level as an upper-case string.
func Level() string {
	return level.Level().CapitalString()
}

func Debug(format string, v ...interface{}) { sugar.Load().Debugf(format, v...) }
func Info(format string, v ...interface{})  { sugar.Load().Infof(format, v...) }
func Warn(format string, v ...interface{})  { sugar.Load().Warnf(format, v...) }
func Error(format string, v ...interface{}) { sugar.Load().Errorf(format, v...) }

// Sync flushes any buffered output.
func Sync() {
	_ = sugar.Load().Sync()
}

// OpenFile opens path for appending after moving a previous session's file to
// path.old. The caller owns the returned file.
func OpenFile(path string) (*os.File, error) {
	oldPath := path + ".old"
	if _, err := os.Stat(oldPath); err == nil {
		os.Remove(oldPath)
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, oldPath); err != nil {
			Warn("Failed to rotate log file: %v", err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open log file: %w", err)
	}
	fmt.Fprintf(f, "---\n--- Log session started at %s ---\n", time.Now().Format(time.RFC3339))
	return f, nil
}
