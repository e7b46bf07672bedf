package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"dexchart/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New creates a zap.Logger configured based on the given options.
func New(opts config.LogConfig) (*zap.Logger, error) {
	return build(opts, zapcore.Lock(os.Stdout))
}

func build(opts config.LogConfig, stdout zapcore.WriteSyncer) (*zap.Logger, error) {
	// Parse log level; empty means info
	lvl := zapcore.InfoLevel
	if opts.Level != "" {
		if err := lvl.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	// Determine encoding format
	encoding := "json"
	if opts.Environment == "dev" || opts.Format == "console" {
		encoding = "console"
	}

	var cores []zapcore.Core

	// Console (stdout) output
	cores = append(cores, zapcore.NewCore(newEncoder(encoding), stdout, lvl))

	// Optional file output with rotation via lumberjack, always JSON
	if opts.OutputFile != "" {
		dir := filepath.Dir(opts.OutputFile)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.OutputFile,
			MaxSize:    10,   // max file size (MB) before rotation
			MaxBackups: 5,    // max number of old log files to keep
			MaxAge:     7,    // max age (days) to retain a log file
			Compress:   true, // compress rotated files
		})
		cores = append(cores, zapcore.NewCore(newEncoder("json"), fileWriter, lvl))
	}

	core := zapcore.NewTee(cores...)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if opts.Environment != "" {
		logger = logger.With(zap.String("env", opts.Environment))
	}
	return logger, nil
}

func newEncoder(format string) zapcore.Encoder {
	if format == "console" {
		return zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(cfg)
}
