// Package logger builds the zap logger shared by the master and its workers
// and installs it as the gnet default logger.
package logger

import (
	"os"

	"github.com/panjf2000/gnet/v2/pkg/logging"
	"github.com/vektra/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a console logger at level. Output goes to stdout unless path
// is set, in which case it goes to a size-rotated file.
func New(level, path string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Context(err, "parse log level")
	}

	var ws zapcore.WriteSyncer
	if path == "" {
		ws = zapcore.Lock(os.Stdout)
	} else {
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 2,
			MaxAge:     15, // days
			Compress:   false,
		})
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), ws, lvl)

	return zap.New(core, zap.AddCaller()), nil
}

// Setup builds a logger with New and makes it the default for
// github.com/panjf2000/gnet/v2/pkg/logging. The returned flush must be
// called before the process exits.
func Setup(level, path string) (logging.Logger, func() error, error) {
	l, err := New(level, path)
	if err != nil {
		return nil, nil, err
	}
	sugar := l.Sugar()
	logging.SetDefaultLoggerAndFlusher(sugar, l.Sync)
	return sugar, l.Sync, nil
}
