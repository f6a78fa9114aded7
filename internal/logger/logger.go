package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

var Logger = zerolog.Nop()

func Init(serviceName string, level string, pretty bool) {
	InitWithWriter(os.Stdout, serviceName, level, pretty)
}

// InitWithWriter is Init with an explicit sink.
func InitWithWriter(out io.Writer, serviceName string, level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)

	if pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}
	Logger = zerolog.New(out).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

func Debug() *zerolog.Event {
	return Logger.Debug()
}

func Info() *zerolog.Event {
	return Logger.Info()
}

func Warn() *zerolog.Event {
	return Logger.Warn()
}

func Error() *zerolog.Event {
	return Logger.Error()
}

func Fatal() *zerolog.Event {
	return Logger.Fatal()
}
