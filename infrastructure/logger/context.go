package logger

import (
	"context"
	"fmt"
	"os"
	"sync"
)

type ctxKey struct{}

// WithContext stores l in ctx.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// Scoped derives a child of base carrying fields and stores it in ctx. Work running
// under the returned context (a job handler, an HTTP request) logs with those fields
// through FromContext without being handed the logger.
func Scoped(ctx context.Context, base Logger, fields ...Field) (context.Context, Logger) {
	l := base.With(fields...)
	return WithContext(ctx, l), l
}

// FromContext returns the logger stored in ctx. Without one it returns the shared
// warn-level stderr logger, so errors logged from job code are never dropped.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	return stderrFallback()
}

var stderrFallback = sync.OnceValue(func() Logger {
	l, err := New(Config{Level: "warn", OutputPaths: []string{"stderr"}})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: stderr fallback unavailable: %v\n", err)
		return NewNop()
	}
	return l
})
