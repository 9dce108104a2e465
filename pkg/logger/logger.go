// Package logger provides component-tagged leveled logging for the
// vibestation gateway and its services.
package logger

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
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

// ParseLevel maps a config string to a Level. Unknown values default to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

var (
	mu       sync.Mutex
	minLevel = INFO
	logFile  *os.File
)

// SetLevel sets the global minimum log level.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

// SetLogFile mirrors log output to the given file path in addition to stderr.
func SetLogFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	return nil
}

func write(level Level, component, msg string, fields map[string]any) {
	mu.Lock()
	defer mu.Unlock()
	if level < minLevel {
		return
	}

	line := fmt.Sprintf("%s [%s] [%s] %s",
		time.Now().Format("2006-01-02 15:04:05"), level, component, msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
		}
		line += " " + strings.Join(parts, " ")
	}

	fmt.Fprintln(os.Stderr, line)
	if logFile != nil {
		fmt.Fprintln(logFile, line)
	}
}

func DebugC(component, msg string)                         { write(DEBUG, component, msg, nil) }
func DebugCF(component, msg string, fields map[string]any) { write(DEBUG, component, msg, fields) }
func InfoC(component, msg string)                          { write(INFO, component, msg, nil) }
func InfoCF(component, msg string, fields map[string]any)  { write(INFO, component, msg, fields) }
func WarnC(component, msg string)                          { write(WARN, component, msg, nil) }
func WarnCF(component, msg string, fields map[string]any)  { write(WARN, component, msg, fields) }
func ErrorC(component, msg string)                         { write(ERROR, component, msg, nil) }
func ErrorCF(component, msg string, fields map[string]any) { write(ERROR, component, msg, fields) }
