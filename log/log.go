// Package log is a process-wide structured logger on top of zerolog. Messages
// take alternating key/value pairs as fields.
package log

import (
	"cmp"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"

	timeFormat = "2006-01-02T15:04:05.000Z07:00"
)

var levels = map[string]zerolog.Level{
	LogLevelDebug: zerolog.DebugLevel,
	LogLevelInfo:  zerolog.InfoLevel,
	LogLevelWarn:  zerolog.WarnLevel,
	LogLevelError: zerolog.ErrorLevel,
}

var (
	mu     sync.RWMutex
	logger zerolog.Logger
)

func init() {
	// tests pick the level from $LOG_LEVEL
	Init(cmp.Or(os.Getenv("LOG_LEVEL"), LogLevelError), "stderr")
}

func current() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := logger
	return &l
}

func swap(l zerolog.Logger) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	prev := logger
	logger = l
	return prev
}

// Init sets the level and output of the global logger. Output is "stdout",
// "stderr" or a file path. Files ending in ".json" get raw JSON lines, any
// other destination gets the human readable console format.
func Init(level, output string) {
	lvl, ok := levels[level]
	if !ok {
		panic(fmt.Sprintf("invalid log level: %q", level))
	}

	var out io.Writer
	switch output {
	case "stdout":
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
	case "stderr":
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: timeFormat}
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			panic(fmt.Sprintf("cannot open log output: %v", err))
		}
		out = f
		if !strings.HasSuffix(output, ".json") {
			out = zerolog.ConsoleWriter{Out: f, TimeFormat: timeFormat, NoColor: true}
		}
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	// report the caller of the helpers below, as dir/file.go:line
	zerolog.CallerSkipFrameCount = 3
	zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
		return fmt.Sprintf("%s/%s:%d", path.Base(path.Dir(file)), path.Base(file), line)
	}
	swap(zerolog.New(out).Level(lvl).With().Timestamp().Caller().Logger())
	Debugw("logger ready", "level", level, "output", output)
}

// ValidLevel reports whether level is accepted by Init.
func ValidLevel(level string) bool {
	_, ok := levels[level]
	return ok
}

// Level returns the name of the current level.
func Level() string {
	lvl := current().GetLevel()
	for name, l := range levels {
		if l == lvl {
			return name
		}
	}
	return lvl.String()
}

// SetTestOutput sends JSON lines to w at level until the returned function
// is called.
func SetTestOutput(w io.Writer, level string) func() {
	lvl, ok := levels[level]
	if !ok {
		panic(fmt.Sprintf("invalid log level: %q", level))
	}
	prev := swap(zerolog.New(w).Level(lvl).With().Timestamp().Logger())
	return func() { swap(prev) }
}

func Debugw(msg string, keyvalues ...any) {
	current().Debug().Fields(keyvalues).Msg(msg)
}

func Infow(msg string, keyvalues ...any) {
	current().Info().Fields(keyvalues).Msg(msg)
}

func Warnw(msg string, keyvalues ...any) {
	current().Warn().Fields(keyvalues).Msg(msg)
}

// Errorw logs err under the "error" field.
func Errorw(err error, msg string) {
	current().Error().Err(err).Msg(msg)
}

func Info(args ...any) {
	current().Info().Msg(fmt.Sprint(args...))
}

func Warn(args ...any) {
	current().Warn().Msg(fmt.Sprint(args...))
}

// Fatalf logs at fatal level and exits the process.
func Fatalf(template string, args ...any) {
	current().Fatal().Msgf(template, args...)
}
