package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/whatsapp-automation/dispatcher/internal/config"
)

// New builds the root logger. Format "console" gives human-readable
// output, anything else JSON lines.
func New(cfg config.Log, workerID string) zerolog.Logger {
	return build(os.Stderr, cfg, workerID)
}

func build(out io.Writer, cfg config.Log, workerID string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	}
	return zerolog.New(out).
		Level(cfg.ZerologLevel()).
		With().
		Timestamp().
		Str("worker", workerID).
		Logger()
}

// Component tags a sub-logger.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
