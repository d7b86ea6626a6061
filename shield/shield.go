// Package shield provides HTTP security middleware for the conversion
// service: security headers, request body limits, request tracing,
// SQLite-backed rate limiting, and HEAD method handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.HeadToGet)
//	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
//	r.Use(shield.TraceID)
//	r.Use(shield.NewRateLimiter(db).Middleware)
//
// Or apply the default stack in one call:
//
//	for _, mw := range shield.DefaultStack(db, "/v1/health") {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// DefaultMaxBodyBytes caps non-multipart request bodies in the default
// stack. Archive uploads are multipart and carry their own, much larger,
// ceiling in the upload handler.
const DefaultMaxBodyBytes = 64 * 1024

// DefaultStack returns the standard middleware stack for the conversion API.
// Ordered: HeadToGet, SecurityHeaders, MaxBody, TraceID, RateLimiter. The
// exclude prefixes bypass rate limiting (health probes, typically). Call
// StartReloader on the returned limiter to enable periodic rule refresh.
func DefaultStack(db *sql.DB, excludePrefixes ...string) ([]func(http.Handler) http.Handler, *RateLimiter) {
	rl := NewRateLimiter(db, excludePrefixes...)
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(DefaultMaxBodyBytes),
		TraceID,
		rl.Middleware,
	}, rl
}
