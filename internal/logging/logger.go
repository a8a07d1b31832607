// Package logging provides the minimal printf-style logging contract used
// across the execution core. Components depend on the interface, never on a
// concrete backend, so tests can swap in Nop() and the CLI can colorize.
package logging

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Logger defines a minimal, printf-style logging contract.
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

// Level controls the minimum severity a component logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	defaultLevel = LevelInfo
	levelMu      sync.RWMutex
)

// SetLevel sets the process-wide minimum level for component loggers.
func SetLevel(l Level) {
	levelMu.Lock()
	defaultLevel = l
	levelMu.Unlock()
}

func minLevel() Level {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return defaultLevel
}

var (
	debugTag = color.New(color.FgHiBlack).Sprint("DBG")
	infoTag  = color.New(color.FgCyan).Sprint("INF")
	warnTag  = color.New(color.FgYellow).Sprint("WRN")
	errorTag = color.New(color.FgRed).Sprint("ERR")
)

type componentLogger struct {
	component string
	out       io.Writer
	mu        sync.Mutex
}

// NewComponentLogger returns a logger scoped to a component, writing
// level-tagged lines to stderr.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component, out: os.Stderr}
}

// NewComponentLoggerTo is NewComponentLogger with an explicit sink; used by
// tests to capture output.
func NewComponentLoggerTo(component string, out io.Writer) Logger {
	return &componentLogger{component: component, out: out}
}

func (l *componentLogger) emit(level Level, tag, format string, args ...any) {
	if level < minLevel() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s %s [%s] %s\n",
		time.Now().Format("15:04:05.000"), tag, l.component, fmt.Sprintf(format, args...))
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.emit(LevelDebug, debugTag, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.emit(LevelInfo, infoTag, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.emit(LevelWarn, warnTag, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.emit(LevelError, errorTag, format, args...)
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	switch len(flattened) {
	case 0:
		return Nop()
	case 1:
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (m *multiLogger) Debug(format string, args ...any) {
	for _, l := range m.loggers {
		l.Debug(format, args...)
	}
}

func (m *multiLogger) Info(format string, args ...any) {
	for _, l := range m.loggers {
		l.Info(format, args...)
	}
}

func (m *multiLogger) Warn(format string, args ...any) {
	for _, l := range m.loggers {
		l.Warn(format, args...)
	}
}

func (m *multiLogger) Error(format string, args ...any) {
	for _, l := range m.loggers {
		l.Error(format, args...)
	}
}
