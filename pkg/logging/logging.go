// Package logging configures the process-wide zerolog logger for xedtool.
package logging

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/eunmann/xed-reader/internal/logctx"
)

var (
	logger     *zerolog.Logger
	prettyMode bool
)

func init() {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	logger = &l
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Init configures the global logger. debug lowers the level to Debug;
// human switches from JSON to a console writer.
func Init(debug bool, human bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	prettyMode = human

	var output zerolog.LevelWriter
	if human {
		output = zerolog.LevelWriterAdapter{Writer: zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}}
	} else {
		output = zerolog.LevelWriterAdapter{Writer: os.Stderr}
	}

	l := zerolog.New(output).With().Timestamp().Logger()
	logger = &l
}

// L returns the base logger.
func L() *zerolog.Logger {
	return logger
}

// IsPrettyMode reports whether human-readable companions should be logged.
func IsPrettyMode() bool {
	return prettyMode
}

// WithPhase returns a context whose logger carries the phase field.
// Derive each phase from a context that has no phase yet.
func WithPhase(ctx context.Context, phase string) context.Context {
	return logctx.WithLogger(ctx, logctx.FromContext(ctx).With().Str("phase", phase).Logger())
}
