// Package logging собирает zap-логгер сервиса.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options описывает вывод логов.
type Options struct {
	Level string
	// File включает дополнительную запись в файл с ротацией. Пустое значение
	// означает вывод только в stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New создаёт JSON-логгер уровня opts.Level. При заданном opts.File записи
// дублируются в файл, который ротируется по размеру.
func New(opts Options) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), lvl),
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(newRotator(opts)), lvl))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func newRotator(opts Options) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
}
