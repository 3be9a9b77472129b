// Package logger wraps zap for structured logging.
package logger

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.Mutex
	log     *zap.Logger
	file    *os.File
	once    sync.Once
	logFile = "resync.log" // Default log file
	level   = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// SetLogPath sets the JSON log file. It must be called before the logger is initialized.
func SetLogPath(path string) {
	mu.Lock()
	defer mu.Unlock()
	logFile = path
}

// SetLevel changes the level of both outputs. It may be called at any time.
func SetLevel(name string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	level.SetLevel(l)
	return nil
}

// InitLogger initializes the Zap logger with structured logging: a console encoder on stdout
// and a JSON encoder on the log file.
func InitLogger() {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()

		consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		consoleCore := zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stdout), level)

		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			// Console only; the failure itself is the first thing logged.
			log = zap.New(consoleCore, zap.AddCaller())
			log.Warn("Cannot open log file", zap.String("path", logFile), zap.Error(err))
			return
		}
		file = f

		fileEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		fileCore := zapcore.NewCore(fileEncoder, zapcore.AddSync(f), level)

		log = zap.New(zapcore.NewTee(consoleCore, fileCore), zap.AddCaller())
	})
}

// GetLogger provides access to the initialized logger.
func GetLogger() *zap.Logger {
	InitLogger()
	return log
}

// Sync ensures buffered logs are written before the application exits.
func Sync() {
	if log != nil {
		_ = log.Sync()
	}
}

// ResetLogger closes the log file and allows InitLogger to run again.
func ResetLogger() {
	mu.Lock()
	defer mu.Unlock()
	if log != nil {
		_ = log.Sync()
	}
	if file != nil {
		_ = file.Close()
	}
	log, file = nil, nil
	once = sync.Once{}
	level.SetLevel(zap.InfoLevel)
}
