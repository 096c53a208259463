package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// Logger defines a minimal, printf-style logging contract. Components depend
// on this interface so they can be exercised in tests with Nop().
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

var (
	rootInstance *fileLogger
	rootOnce     sync.Once
)

// fileLogger writes leveled, component-tagged lines to jura-debug.log and
// mirrors them to stdout.
type fileLogger struct {
	file      *os.File
	out       *log.Logger
	level     LogLevel
	mu        sync.Mutex
	component string
}

func root() *fileLogger {
	rootOnce.Do(func() {
		rootInstance = newFileLogger(DEBUG)
	})
	return rootInstance
}

func newFileLogger(level LogLevel) *fileLogger {
	l := &fileLogger{level: level}

	home, err := os.UserHomeDir()
	if err != nil {
		return l
	}
	path := filepath.Join(home, "jura-debug.log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return l
	}
	l.file = file
	l.out = log.New(file, "", 0)
	return l
}

// NewComponentLogger returns the default application logger scoped to a
// component name.
func NewComponentLogger(component string) Logger {
	base := root()
	return &fileLogger{
		file:      base.file,
		out:       base.out,
		level:     base.level,
		component: component,
	}
}

// SetLevel adjusts the minimum level of the process-wide logger.
func SetLevel(level LogLevel) {
	base := root()
	base.mu.Lock()
	defer base.mu.Unlock()
	base.level = level
}

// ParseLevel maps a config string to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch s {
	case "debug":
		return DEBUG
	case "warn":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func (l *fileLogger) log(level LogLevel, format string, args ...any) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := l.component
	if component == "" {
		component = "JURA"
	}

	// Format: 2025-09-30 12:34:56 [INFO] [Component] file.go:123 - Message
	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		time.Now().Format("2006-01-02 15:04:05"), levelToString(level), component, file, line, message)

	if l.out != nil {
		l.out.Print(logLine)
	}
	fmt.Print(logLine)
}

func (l *fileLogger) Debug(format string, args ...any) { l.log(DEBUG, format, args...) }
func (l *fileLogger) Info(format string, args ...any)  { l.log(INFO, format, args...) }
func (l *fileLogger) Warn(format string, args ...any)  { l.log(WARN, format, args...) }
func (l *fileLogger) Error(format string, args ...any) { l.log(ERROR, format, args...) }

func levelToString(level LogLevel) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
