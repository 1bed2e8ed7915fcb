// Package logging builds the structured logger shared by both roles.
//
// Records are emitted through log/slog using zerolog's field names, so JSON
// output lines up with the rest of our tooling and the pretty console mode
// can hand them straight to zerolog.ConsoleWriter.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Pretty bool
	// Output defaults to os.Stderr.
	Output io.Writer
}

// ParseLevel maps a zerolog level name onto slog. Unknown names are an error;
// an empty name is info.
func ParseLevel(name string) (slog.Level, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return slog.LevelInfo, nil
	}
	// zerolog only knows "warn".
	if normalized == "warning" {
		normalized = "warn"
	}
	level, err := zerolog.ParseLevel(normalized)
	if err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	switch level {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return slog.LevelDebug, nil
	case zerolog.WarnLevel:
		return slog.LevelWarn, nil
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, nil
	}
}

// NewLogger returns a logger writing JSON records, or colourised console
// lines when cfg.Pretty is set.
func NewLogger(cfg Config) *slog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: zerologFields,
	})
	return slog.New(handler)
}

// SetupLogger builds the logger and installs it as the slog default.
func SetupLogger(cfg Config) *slog.Logger {
	logger := NewLogger(cfg)
	slog.SetDefault(logger)
	return logger
}

func zerologFields(groups []string, attr slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return attr
	}
	switch attr.Key {
	case slog.MessageKey:
		attr.Key = zerolog.MessageFieldName
	case slog.TimeKey:
		attr.Key = zerolog.TimestampFieldName
	case slog.LevelKey:
		attr.Key = zerolog.LevelFieldName
		if level, ok := attr.Value.Any().(slog.Level); ok {
			attr.Value = slog.StringValue(levelName(level))
		}
	}
	return attr
}

func levelName(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return zerolog.DebugLevel.String()
	case level < slog.LevelWarn:
		return zerolog.InfoLevel.String()
	case level < slog.LevelError:
		return zerolog.WarnLevel.String()
	default:
		return zerolog.ErrorLevel.String()
	}
}
