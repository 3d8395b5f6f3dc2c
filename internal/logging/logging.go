// Package logging builds the zap logger shared by every command.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dusk-indust/kgschema/internal/config"
)

// New returns a logger writing to stderr and, when cfg.File is set, to a
// size-rotated file. The file always gets JSON. The returned close function
// flushes the logger and closes the log file; call it once on shutdown.
func New(cfg config.LogConfig) (*zap.Logger, func() error, error) {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter is New with the console sink replaced by w.
func NewWithWriter(cfg config.LogConfig, w io.Writer) (*zap.Logger, func() error, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var consoleEnc zapcore.Encoder
	switch cfg.Format {
	case "json":
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	case "", "console":
		devCfg := encCfg
		devCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(devCfg)
	default:
		return nil, nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	cores := []zapcore.Core{zapcore.NewCore(consoleEnc, zapcore.AddSync(w), level)}
	var rotator *lumberjack.Logger
	if cfg.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level))
	}
	logger := zap.New(zapcore.NewTee(cores...))

	closeFn := func() error {
		// Console sync errors are ignored.
		_ = logger.Sync()
		if rotator == nil {
			return nil
		}
		if err := rotator.Close(); err != nil {
			return fmt.Errorf("logging: close %s: %w", cfg.File, err)
		}
		return nil
	}
	return logger, closeFn, nil
}
