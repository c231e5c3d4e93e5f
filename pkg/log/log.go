package log

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		return filepath.Base(file) + ":" + strconv.Itoa(line)
	}

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log
}

var output io.Writer = os.Stdout

// SetOutput changes the writer used by loggers created after the call.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	output = w
	defaultLogger = New("default")
}

// SetLevel parses level and applies it globally. Unknown levels fall back to info.
func SetLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return lvl
}

// New returns a named logger with caller information.
func New(name string) zerolog.Logger {
	return zerolog.New(output).
		With().
		Timestamp().
		Str("logger", name).
		Caller().
		Logger()
}

var defaultLogger = New("default")

func Debug() *zerolog.Event { return defaultLogger.Debug() }
func Info() *zerolog.Event  { return defaultLogger.Info() }
func Warn() *zerolog.Event  { return defaultLogger.Warn() }
func Error() *zerolog.Event { return defaultLogger.Error() }

func Debugf(format string, args ...any) {
	withCaller(defaultLogger.Debug()).Msgf(format, args...)
}

func Infof(format string, args ...any) {
	withCaller(defaultLogger.Info()).Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	withCaller(defaultLogger.Warn()).Msgf(format, args...)
}

func Errorf(format string, args ...any) {
	withCaller(defaultLogger.Error()).Msgf(format, args...)
}

func Fatalf(format string, args ...any) {
	// zerolog calls os.Exit(1) once the event is written
	withCaller(defaultLogger.Fatal()).Msgf(format, args...)
}

func withCaller(event *zerolog.Event) *zerolog.Event {
	_, file, line, ok := runtime.Caller(2)
	if ok {
		event = event.Str("caller", filepath.Base(file)+":"+strconv.Itoa(line))
	}
	return event
}
