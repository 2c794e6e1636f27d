package logger

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

var defaultLogger atomic.Pointer[Logger]

func init() {
	l, err := New(DefaultConfig())
	if err != nil {
		log.Printf("Failed to initialize default logger: %v, using standard log", err)
		return
	}
	defaultLogger.Store(l)
}

// InitFromConfig replaces the default logger
func InitFromConfig(level, filePath string, maxSize, maxBackups int, console bool) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	l, err := New(LoggerConfig{
		Level:      logLevel,
		FilePath:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Console:    console,
	})
	if err != nil {
		return err
	}

	SetDefault(l)
	return nil
}

// SetDefault installs l as the default logger and closes the previous one
func SetDefault(l *Logger) {
	if old := defaultLogger.Swap(l); old != nil && old != l {
		old.Close()
	}
}

// SetLevel changes the level of the default logger
func SetLevel(level string) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	if l := defaultLogger.Load(); l != nil {
		l.SetLevel(logLevel)
	}
	return nil
}

// ParseLogLevel parses log level string
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO", "":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s", level)
	}
}

func logDefault(level LogLevel, prefix, format string, args ...interface{}) {
	if l := defaultLogger.Load(); l != nil {
		l.log(3, level, prefix, format, args...)
		return
	}
	if prefix != "" {
		format = "[" + prefix + "] " + format
	}
	log.Printf("["+level.String()+"] "+format, args...)
}

// Debug logs debug level messages
func Debug(format string, args ...interface{}) {
	logDefault(DEBUG, "", format, args...)
}

// Info logs info level messages
func Info(format string, args ...interface{}) {
	logDefault(INFO, "", format, args...)
}

// Warn logs warning level messages
func Warn(format string, args ...interface{}) {
	logDefault(WARN, "", format, args...)
}

// Error logs error level messages
func Error(format string, args ...interface{}) {
	logDefault(ERROR, "", format, args...)
}

// Close closes the default logger
func Close() error {
	if l := defaultLogger.Load(); l != nil {
		return l.Close()
	}
	return nil
}

// Component is a named view of the default logger; every line is prefixed with the name.
type Component struct {
	name string
}

// For returns the logger for the named component
func For(name string) *Component {
	return &Component{name: name}
}

// Debug logs debug level messages
func (c *Component) Debug(format string, args ...interface{}) {
	logDefault(DEBUG, c.name, format, args...)
}

// Info logs info level messages
func (c *Component) Info(format string, args ...interface{}) {
	logDefault(INFO, c.name, format, args...)
}

// Warn logs warning level messages
func (c *Component) Warn(format string, args ...interface{}) {
	logDefault(WARN, c.name, format, args...)
}

// Error logs error level messages
func (c *Component) Error(format string, args ...interface{}) {
	logDefault(ERROR, c.name, format, args...)
}
