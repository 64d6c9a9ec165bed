// Package logger provides a configured zerolog logger.
package logger

import (
	"io"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	zpkgerrors "github.com/rs/zerolog/pkgerrors"
)

// New returns a zerolog.Logger for the named service writing JSON to stdout.
// Call sites should use .Stack() on error events to include stacks.
func New(serviceName string, verbose bool) zerolog.Logger {
	return NewWithWriter(os.Stdout, serviceName, verbose)
}

// NewWithWriter is New with an explicit sink.
func NewWithWriter(w io.Writer, serviceName string, verbose bool) zerolog.Logger {
	zerolog.ErrorStackMarshaler = func(err error) interface{} {
		type stackTracer interface{ StackTrace() pkgerrors.StackTrace }
		if _, ok := err.(stackTracer); !ok {
			err = pkgerrors.WithStack(err)
		}
		return zpkgerrors.MarshalStack(err)
	}

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	return zerolog.New(w).
		Level(level).
		With().
		Str("service", serviceName).
		Timestamp().
		Logger()
}
