package logging

import (
	"context"
	"log/slog"
)

type contextKey struct{}

// WithAttrs returns a context carrying attrs that WithContext later applies to
// a logger. Used to thread job identity through pipeline stages.
func WithAttrs(ctx context.Context, attrs ...Attr) context.Context {
	existing, _ := ctx.Value(contextKey{}).([]Attr)
	merged := make([]Attr, 0, len(existing)+len(attrs))
	merged = append(merged, existing...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, contextKey{}, merged)
}

// WithContext applies any attrs carried by ctx to the logger.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	attrs, _ := ctx.Value(contextKey{}).([]Attr)
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(Args(attrs...)...)
}
