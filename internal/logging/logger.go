// Package logging builds the zap loggers used for the shipper's own
// diagnostics. These never go to the collector.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultDebugFile is the file used by debug mode when no path is given
// and stdout is not wanted.
const DefaultDebugFile = "logshipper.sdk.log"

const (
	maxFileBytes   = 10 * 1024 * 1024
	maxFileBackups = 5
)

// ParseLevel maps debug, info, warn and error to a zap level. Anything else
// yields info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewLogger creates a zap.Logger with the specified level, format, and
// optional file output. format can be json or console. If filePath is
// empty, logs are written to stdout; otherwise the file is rotated by size.
func NewLogger(level, format, filePath string) (*zap.Logger, error) {
	ws := zapcore.AddSync(os.Stdout)
	if filePath != "" {
		rw, err := newRotateWriter(filePath, maxFileBytes, maxFileBackups)
		if err != nil {
			return nil, err
		}
		ws = rw
	}
	core := zapcore.NewCore(newEncoder(format), ws, ParseLevel(level))
	return zap.New(core), nil
}

// NewDebugLogger returns the internal diagnostics logger. When enabled is
// false every message is discarded; otherwise all levels are written.
func NewDebugLogger(enabled bool, format, filePath string) (*zap.Logger, error) {
	if !enabled {
		return zap.NewNop(), nil
	}
	logger, err := NewLogger("debug", format, filePath)
	if err != nil {
		return nil, err
	}
	return logger.Named("logshipper"), nil
}

func newEncoder(format string) zapcore.Encoder {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
	}
	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewJSONEncoder(encCfg)
}
