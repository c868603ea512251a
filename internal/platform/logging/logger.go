package logging

import (
	"io"
	"os"
	"time"

	"github.com/pscheid92/collabpulse/internal/platform/correlation"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New builds a structured logger writing to w.
// level: "debug", "info", "warn", "error" (defaults to "info")
// format: "json" or "text" (defaults to "text")
func New(w io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: !isTerminal(w)}
	}

	return zerolog.New(w).
		Level(lvl).
		Hook(correlation.Hook{}).
		With().
		Timestamp().
		Str("service", "collabpulse").
		Logger()
}

// isTerminal reports whether w is a character device. Log collectors and buffers get no ANSI colours.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// InitLogger builds the stdout logger and installs it as the package-level zerolog logger.
func InitLogger(level, format string) zerolog.Logger {
	logger := New(os.Stdout, level, format)
	log.Logger = logger
	zerolog.DefaultContextLogger = &logger
	return logger
}
