// Package logger provides component-scoped structured logging for tinysip.
//
// All packages log through the C/CF helpers so every line carries the
// emitting component and, optionally, a set of fields.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = map[LogLevel]string{
	DEBUG: "debug",
	INFO:  "info",
	WARN:  "warn",
	ERROR: "error",
	FATAL: "fatal",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseLevel maps a level name to a LogLevel. Unknown names map to INFO.
func ParseLevel(name string) LogLevel {
	for lvl, n := range levelNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return lvl
		}
	}
	return INFO
}

var (
	mu     sync.RWMutex
	level  = INFO
	zlog   = zerolog.New(os.Stderr).With().Timestamp().Logger()
	levels = map[LogLevel]zerolog.Level{
		DEBUG: zerolog.DebugLevel,
		INFO:  zerolog.InfoLevel,
		WARN:  zerolog.WarnLevel,
		ERROR: zerolog.ErrorLevel,
		FATAL: zerolog.FatalLevel,
	}
)

func SetLevel(l LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// SetOutput redirects log output. Tests use it to capture lines.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	zlog = zerolog.New(w).With().Timestamp().Logger()
}

// UseConsole switches to human-readable output on stdout.
func UseConsole() {
	mu.Lock()
	defer mu.Unlock()
	zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()
}

func logMessage(l LogLevel, component, message string, fields map[string]any) {
	mu.RLock()
	if l < level {
		mu.RUnlock()
		return
	}
	z := zlog
	mu.RUnlock()

	ev := z.WithLevel(levels[l])
	if component != "" {
		ev = ev.Str("component", component)
	}
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(message)

	if l == FATAL {
		os.Exit(1)
	}
}

func Debug(message string) { logMessage(DEBUG, "", message, nil) }

func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }

func DebugCF(component, message string, fields map[string]any) {
	logMessage(DEBUG, component, message, fields)
}

func Info(message string) { logMessage(INFO, "", message, nil) }

func InfoC(component, message string) { logMessage(INFO, component, message, nil) }

func InfoCF(component, message string, fields map[string]any) {
	logMessage(INFO, component, message, fields)
}

func Warn(message string) { logMessage(WARN, "", message, nil) }

func WarnC(component, message string) { logMessage(WARN, component, message, nil) }

func WarnCF(component, message string, fields map[string]any) {
	logMessage(WARN, component, message, fields)
}

func Error(message string) { logMessage(ERROR, "", message, nil) }

func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }

func ErrorCF(component, message string, fields map[string]any) {
	logMessage(ERROR, component, message, fields)
}

func FatalCF(component, message string, fields map[string]any) {
	logMessage(FATAL, component, message, fields)
}
