package logger_test

import (
	"context"
	"testing"

	"github.com/jonesrussell/north-cloud/harvester/infrastructure/logger"
)

func TestFromContext_ReturnsStoredLogger(t *testing.T) {
	t.Parallel()

	stored := mustTestLogger(t).With(logger.JobID("job-1"))
	ctx := logger.WithContext(context.Background(), stored)

	if got := logger.FromContext(ctx); got != stored {
		t.Errorf("FromContext() = %v, want the stored logger", got)
	}
}

func TestScoped_StoresChildCarryingJobFields(t *testing.T) {
	t.Parallel()

	base := mustTestLogger(t)
	ctx, scoped := logger.Scoped(context.Background(), base, logger.JobID("job-9"), logger.RunID("run-3"))

	if scoped == base {
		t.Error("Scoped() returned the base logger, want a derived child")
	}
	if got := logger.FromContext(ctx); got != scoped {
		t.Errorf("FromContext() = %v, want the scoped logger", got)
	}
	scoped.Warn("scoped logger usable")
}

func TestFromContext_EmptyContextUsesSharedFallback(t *testing.T) {
	t.Parallel()

	a := logger.FromContext(context.Background())
	b := logger.FromContext(context.Background())
	if a == nil || b == nil {
		t.Fatal("FromContext() returned nil on empty context")
	}
	if a != b {
		t.Error("FromContext() returned distinct fallback loggers, want one shared instance")
	}

	// Warn-level fallback filters these but must not panic.
	a.Debug("debug")
	a.Warn("warn", logger.SourceID("src-1"), logger.RunID("run-1"))
}

func TestNew_AttachesServiceField(t *testing.T) {
	t.Parallel()

	l, err := logger.New(logger.Config{Level: "debug", OutputPaths: []string{"stderr"}, Service: "harvester"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	child := l.With(logger.Component("ledger"), logger.UserID("u-1"))
	if child == l {
		t.Error("With() returned the parent logger, want a new instance")
	}
	child.Debug("ledger ready")
}

func TestNewNop_WithReturnsUsableLogger(t *testing.T) {
	t.Parallel()

	nop := logger.NewNop()
	nop.With(logger.ItemID("item-1")).Info("ignored")
	if err := nop.Sync(); err != nil {
		t.Errorf("Sync() error = %v", err)
	}
}

func mustTestLogger(t *testing.T) logger.Logger {
	t.Helper()

	l, err := logger.New(logger.Config{Level: "warn", OutputPaths: []string{"stderr"}})
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	return l
}
