// Package logctx carries a zerolog logger, and the sync run it belongs to,
// through context.Context.
//
// Usage:
//
//	ctx, runID := logctx.WithRunID(ctx)
//	ctx = logctx.WithRequest(ctx, "device", 2020)
//	log := logctx.FromContext(ctx)
//	log.Info().Msg("importing")
package logctx

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eunmann/maude-sync/pkg/logging"
)

type loggerKey struct{}

type runIDKey struct{}

// WithLogger returns a new context with the given logger attached.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext extracts the logger from the context. Without one it falls
// back to the process logger from pkg/logging.
//
// This function never returns a zero-value logger or panics.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
			return logger
		}
	}
	return *logging.L()
}

// WithStr returns a new context with a logger that has the specified string field added.
func WithStr(ctx context.Context, key, value string) context.Context {
	logger := FromContext(ctx).With().Str(key, value).Logger()
	return WithLogger(ctx, logger)
}

// WithInt returns a new context with a logger that has the specified int field added.
func WithInt(ctx context.Context, key string, value int) context.Context {
	logger := FromContext(ctx).With().Int(key, value).Logger()
	return WithLogger(ctx, logger)
}

// WithRunID tags the context with a fresh run identifier, unless it already
// carries one, and returns the identifier.
func WithRunID(ctx context.Context) (context.Context, string) {
	if id := RunID(ctx); id != "" {
		return ctx, id
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id := uuid.NewString()
	ctx = context.WithValue(ctx, runIDKey{}, id)
	return WithStr(ctx, "run_id", id), id
}

// RunID returns the run identifier stored by WithRunID, or "".
func RunID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// WithRequest adds the table and year of a sync request to the logger.
func WithRequest(ctx context.Context, table string, year int) context.Context {
	logger := FromContext(ctx).With().Str("table", table).Int("year", year).Logger()
	return WithLogger(ctx, logger)
}

// WithFile adds the archive filename to the logger.
func WithFile(ctx context.Context, filename string) context.Context {
	return WithStr(ctx, "filename", filename)
}
