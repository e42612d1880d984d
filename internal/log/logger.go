package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. level overrides the environment default
// when set: debug everywhere except production, which logs at info.
func New(environment, level string) zerolog.Logger {
	return newLogger(os.Stdout, environment, level)
}

func newLogger(out io.Writer, environment, level string) zerolog.Logger {
	production := environment == "production"
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    production,
	}

	ctx := zerolog.New(output).With().Timestamp()
	if environment != "" {
		ctx = ctx.Str("env", environment)
	}

	fallback := zerolog.DebugLevel
	if production {
		fallback = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parseLevel(level, fallback))

	return ctx.Logger()
}
