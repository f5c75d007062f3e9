// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the zap loggers used by the client and the daemon.
//
// The daemon logs structured JSON to a rotated file plus the console. The
// TUI client logs to the file only: its stdout belongs to the terminal UI,
// and a stray log line would corrupt the screen.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction. Zero values get sane defaults.
type Options struct {
	// FilePath is the log file location. Parent directories are created.
	FilePath string

	// Level is the minimum level written to the file ("debug", "info",
	// "warn", "error"). Defaults to info.
	Level string

	// Console also writes human-readable output to stdout. The TUI client
	// must leave this off.
	Console bool

	// MaxSizeMB, MaxBackups, MaxAgeDays tune rotation. Zero means the
	// defaults: 10 MB, 3 backups, 30 days.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds a logger per opts. Errors only come from directory creation;
// lumberjack defers file open until the first write.
func New(opts Options) (*zap.Logger, error) {
	if opts.FilePath == "" {
		if opts.Console {
			return consoleOnly(), nil
		}
		return zap.NewNop(), nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o755); err != nil {
		return nil, err
	}

	if opts.MaxSizeMB == 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups == 0 {
		opts.MaxBackups = 3
	}
	if opts.MaxAgeDays == 0 {
		opts.MaxAgeDays = 30
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.FilePath,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "message"
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		parseLevel(opts.Level),
	)

	core := fileCore
	if opts.Console {
		consoleCore := zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.Lock(os.Stdout),
			parseLevel(opts.Level),
		)
		core = zapcore.NewTee(fileCore, consoleCore)
	}

	return zap.New(core, zap.AddCaller()), nil
}

func consoleOnly() *zap.Logger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(os.Stdout),
		zap.InfoLevel,
	)
	return zap.New(core)
}

func parseLevel(s string) zapcore.Level {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return zap.InfoLevel
	}
	return level
}
