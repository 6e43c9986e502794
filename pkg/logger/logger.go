// Package logger wraps a process-global zerolog logger. Every
// subsystem logs through the package functions so the whole daemon
// shares one sink and one level.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

var log zerolog.Logger

// Init configures the global logger. Accepted levels are debug, info,
// warn, error and fatal; debug switches to a human-friendly console
// format for development.
func Init(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var writer io.Writer
	if lvl == zerolog.DebugLevel {
		writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	} else {
		writer = os.Stdout
	}

	log = zerolog.New(writer).
		Level(lvl).
		With().
		Timestamp().
		Caller().
		Logger()
}

func init() {
	// Default logger before Init() is called
	Init("info")
}

// Event accessors for structured logging.

func Debug() *zerolog.Event { return log.Debug() }
func Info() *zerolog.Event  { return log.Info() }
func Warn() *zerolog.Event  { return log.Warn() }
func Error() *zerolog.Event { return log.Error() }

// Printf-style helpers, used by the background loops.

func Debugf(format string, v ...any) { log.Debug().Msgf(format, v...) }
func Infof(format string, v ...any)  { log.Info().Msgf(format, v...) }
func Warnf(format string, v ...any)  { log.Warn().Msgf(format, v...) }
func Errorf(format string, v ...any) { log.Error().Msgf(format, v...) }

// Fatalf logs at fatal level and exits the process.
func Fatalf(format string, v ...any) { log.Fatal().Msgf(format, v...) }
