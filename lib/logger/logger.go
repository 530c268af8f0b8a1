// Package logger builds the zerolog loggers used by every service.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/fanengagement/chainadp/lib/config"
)

// New creates a logger writing to stdout. Any format other than "json" writes human readable console lines.
func New(c config.LogConfig) zerolog.Logger {
	return NewWithWriter(c, os.Stdout)
}

// NewWithWriter is New with an explicit output.
func NewWithWriter(c config.LogConfig, out io.Writer) zerolog.Logger {
	var writer = out
	if c.Format != "json" {
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	l := zerolog.New(writer).
		Level(zerolog.Level(c.Level)).
		With().
		Timestamp().
		Logger()

	if c.Sampler {
		l = l.Sample(&zerolog.BasicSampler{N: 5}) //nolint:gomnd
	}

	return l
}
