// Package logger is a small leveled logger with per-message module tags.
// Messages below the configured level are discarded; everything else is
// written to a single writer with a timestamp and a level tag.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level filters which messages are emitted.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelSilent
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelSilent:
		return "SILENT"
	default:
		return fmt.Sprintf("Level(%d)", int32(l))
	}
}

func (l Level) color() string {
	switch l {
	case LevelDebug:
		return "\033[36m"
	case LevelInfo:
		return "\033[32m"
	case LevelWarn:
		return "\033[33m"
	case LevelError:
		return "\033[31m"
	default:
		return ""
	}
}

const colorReset = "\033[0m"

// ParseLevel maps a config string to a Level. "warning" and "none" are
// accepted aliases.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "silent", "none":
		return LevelSilent, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level: %q", s)
	}
}

var std = struct {
	mu       sync.Mutex
	level    Level
	out      io.Writer
	useColor bool
}{level: LevelInfo, out: os.Stderr}

// Init configures the process-wide logger. Later calls override earlier
// ones, which keeps tests simple.
func Init(level Level, out io.Writer, useColor bool) {
	if out == nil {
		out = os.Stderr
	}
	std.mu.Lock()
	std.level = level
	std.out = out
	std.useColor = useColor
	std.mu.Unlock()
}

// SetLevel changes the emission threshold without touching the writer.
func SetLevel(level Level) {
	std.mu.Lock()
	std.level = level
	std.mu.Unlock()
}

func emit(level Level, module, format string, args ...any) {
	std.mu.Lock()
	defer std.mu.Unlock()
	if level < std.level || level >= LevelSilent {
		return
	}
	tag := "[" + level.String() + "]"
	if std.useColor {
		tag = level.color() + tag + colorReset
	}
	fmt.Fprintf(std.out, "%s %s [%s] %s\n",
		time.Now().Format("2006/01/02 15:04:05.000000"),
		tag, module, fmt.Sprintf(format, args...))
}

func Debug(module, format string, args ...any) { emit(LevelDebug, module, format, args...) }
func Info(module, format string, args ...any)  { emit(LevelInfo, module, format, args...) }
func Warn(module, format string, args ...any)  { emit(LevelWarn, module, format, args...) }
func Error(module, format string, args ...any) { emit(LevelError, module, format, args...) }
