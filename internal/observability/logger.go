package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger builds the process logger for app and installs it as the
// zerolog global. A nil out selects a console writer on stderr.
func InitLogger(app string, out io.Writer, level zerolog.Level, timestamp bool) zerolog.Logger {
	if out == nil {
		out = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
	}
	ctx := zerolog.New(out).Level(level).With().Str("app", app)
	if timestamp {
		ctx = ctx.Timestamp()
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger
}
