// Package logging builds the process logger: console output, plus an
// optional rotating JSON file.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger
type Options struct {
	Level       string
	Development bool
	// FilePath enables a rotating JSON log file
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultOptions returns info-level production logging without a file
func DefaultOptions() Options {
	return Options{
		Level:      "info",
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// New builds a logger writing to stderr and, if configured, a log file
func New(opts Options) *zap.Logger {
	return NewWithWriter(opts, zapcore.Lock(os.Stderr))
}

// NewWithWriter is New with an explicit console writer
func NewWithWriter(opts Options, console zapcore.WriteSyncer) *zap.Logger {
	def := DefaultOptions()
	level := ParseLevel(opts.Level, zapcore.InfoLevel)
	if opts.Development && opts.Level == "" {
		level = zapcore.DebugLevel
	}

	var consoleEncoder zapcore.Encoder
	if opts.Development {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		consoleEncoder = zapcore.NewConsoleEncoder(cfg)
	} else {
		consoleEncoder = zapcore.NewJSONEncoder(encoderConfig())
	}
	cores := []zapcore.Core{zapcore.NewCore(consoleEncoder, console, level)}

	if opts.FilePath != "" {
		file := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    orDefault(opts.MaxSizeMB, def.MaxSizeMB),
			MaxBackups: orDefault(opts.MaxBackups, def.MaxBackups),
			MaxAge:     orDefault(opts.MaxAgeDays, def.MaxAgeDays),
			Compress:   opts.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(file), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

// ParseLevel maps a level name to a zap level, or returns def
func ParseLevel(s string, def zapcore.Level) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return def
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
