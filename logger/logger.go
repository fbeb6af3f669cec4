package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents logging level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var levelFromString = map[string]Level{
	"debug": DEBUG,
	"info":  INFO,
	"warn":  WARN,
	"error": ERROR,
}

// Logger is a leveled logger
type Logger struct {
	mu          sync.RWMutex
	level       Level
	logger      *log.Logger
	useUnixTime bool

	// sink receives every emitted line; the metrics registry hooks in
	// here to keep its recent-log ring for /status.
	sink func(level, msg string)
}

var defaultLogger = &Logger{
	level:  INFO,
	logger: log.New(os.Stdout, "", log.LstdFlags),
}

// SetLevel sets the global log level
func SetLevel(level Level) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.level = level
}

// SetLevelFromString sets log level from string (debug, info, warn, error)
func SetLevelFromString(levelStr string) {
	if level, ok := levelFromString[strings.ToLower(levelStr)]; ok {
		SetLevel(level)
		defaultLogger.logger.Printf("[LOGGER] Log level set to %s", levelNames[level])
	}
}

// SetTimestampFormat sets timestamp format ("time" or "unix")
func SetTimestampFormat(format string) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()

	if strings.ToLower(format) == "unix" {
		defaultLogger.useUnixTime = true
		defaultLogger.logger.SetFlags(0)
	} else {
		defaultLogger.useUnixTime = false
		defaultLogger.logger.SetFlags(log.LstdFlags)
	}
}

// SetSink installs a callback invoked for every emitted line.
func SetSink(sink func(level, msg string)) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.sink = sink
}

// GetLevel returns current log level
func GetLevel() Level {
	defaultLogger.mu.RLock()
	defer defaultLogger.mu.RUnlock()
	return defaultLogger.level
}

// GetLevelString returns current log level as string
func GetLevelString() string {
	return levelNames[GetLevel()]
}

func shouldLog(level Level) bool {
	defaultLogger.mu.RLock()
	defer defaultLogger.mu.RUnlock()
	return level >= defaultLogger.level
}

// formatMessage adds timestamp prefix if using Unix time
func formatMessage(prefix, format string, v ...interface{}) string {
	defaultLogger.mu.RLock()
	useUnix := defaultLogger.useUnixTime
	defaultLogger.mu.RUnlock()

	if useUnix {
		return fmt.Sprintf("[%d] %s%s", time.Now().Unix(), prefix, fmt.Sprintf(format, v...))
	}
	return fmt.Sprintf("%s%s", prefix, fmt.Sprintf(format, v...))
}

func emit(level Level, format string, v ...interface{}) {
	defaultLogger.logger.Print(formatMessage("["+levelNames[level]+"] ", format, v...))

	defaultLogger.mu.RLock()
	sink := defaultLogger.sink
	defaultLogger.mu.RUnlock()
	if sink != nil {
		sink(levelNames[level], fmt.Sprintf(format, v...))
	}
}

// Debug logs at DEBUG level
func Debug(format string, v ...interface{}) {
	if shouldLog(DEBUG) {
		emit(DEBUG, format, v...)
	}
}

// Info logs at INFO level
func Info(format string, v ...interface{}) {
	if shouldLog(INFO) {
		emit(INFO, format, v...)
	}
}

// Warn logs at WARN level
func Warn(format string, v ...interface{}) {
	if shouldLog(WARN) {
		emit(WARN, format, v...)
	}
}

// Error logs at ERROR level
func Error(format string, v ...interface{}) {
	if shouldLog(ERROR) {
		emit(ERROR, format, v...)
	}
}

// Fatal logs at ERROR level and exits
func Fatal(format string, v ...interface{}) {
	defaultLogger.logger.Print(formatMessage("[FATAL] ", format, v...))
	os.Exit(1)
}
