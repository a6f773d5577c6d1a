// Package logging provides per-component zap loggers for the runtime.
// Each component writes to its own rotating file under the configured log
// directory; warnings and errors are additionally teed to a shared
// errors.log so operational problems surface in one place.
package logging

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu        sync.Mutex
	loggers   = make(map[string]*zap.Logger)
	dir       string
	level     = zapcore.InfoLevel
	dev       bool
	errorsOut zapcore.WriteSyncer
)

// Init configures the package. Must be called before Get; Get falls back
// to a console logger when Init was skipped (tests).
func Init(logDir, logLevel string, devMode bool) error {
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	dir = logDir
	dev = devMode
	if err := level.Set(logLevel); err != nil {
		level = zapcore.InfoLevel
	}
	errorsOut = zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(logDir, "errors.log"),
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     30, // days
	})
	return nil
}

// Get returns the named component logger, creating it on first use.
func Get(component string) *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if l, ok := loggers[component]; ok {
		return l
	}
	l := build(component)
	loggers[component] = l
	return l
}

func build(component string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core

	if dir != "" {
		fileOut := zapcore.AddSync(&lumberjack.Logger{
			Filename:   filepath.Join(dir, component+".log"),
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
		})
		cores = append(cores,
			zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), fileOut, level),
			zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), errorsOut, zapcore.WarnLevel),
		)
	}

	if dev || dir == "" {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(consoleCfg),
			zapcore.AddSync(os.Stderr),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...)).Named(component)
}

// Sync flushes all component loggers. Called on shutdown.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		_ = l.Sync()
	}
}
