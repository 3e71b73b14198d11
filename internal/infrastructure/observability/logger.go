package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// InitLogger builds the process logger. format "console" writes
// human-readable lines for local runs; anything else writes JSON.
func InitLogger(level, format string, output io.Writer) zerolog.Logger {
	if output == nil {
		output = os.Stdout
	}
	if strings.EqualFold(format, "console") {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		Level(parseLogLevel(level)).
		With().
		Timestamp().
		Caller().
		Logger()
}

func parseLogLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return zerolog.WarnLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	switch {
	case err != nil, lvl == zerolog.NoLevel, lvl == zerolog.Disabled, lvl == zerolog.PanicLevel:
		return zerolog.InfoLevel
	}
	return lvl
}

// WithContext attaches fields to a child logger.
func WithContext(logger zerolog.Logger, fields map[string]any) zerolog.Logger {
	l := logger.With()
	for k, v := range fields {
		l = l.Interface(k, v)
	}
	return l.Logger()
}
