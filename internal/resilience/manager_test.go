package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/wisbric/mailbox/internal/breaker"
	"github.com/wisbric/mailbox/internal/fallback"
	"github.com/wisbric/mailbox/internal/models"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	b, err := breaker.New("kv", breaker.Config{
		FailureThreshold: 2,
		RecoveryTimeout:  20 * time.Millisecond,
		SuccessThreshold: 1,
		CallTimeout:      time.Second,
	})
	if err != nil {
		t.Fatalf("breaker.New: %v", err)
	}
	q := fallback.New(fallback.DefaultConfig())
	return New("test", b, q, silentLogger(), DefaultConfig())
}

func TestExecuteFallsBackOnPrimaryFailure(t *testing.T) {
	m := newTestManager(t)
	fallbackCalled := false

	err := m.Execute(context.Background(), "store_message",
		func(context.Context) error { return errors.New("kv down") },
		func(context.Context) error { fallbackCalled = true; return nil },
	)
	if err != nil {
		t.Fatalf("expected fallback success to suppress error, got %v", err)
	}
	if !fallbackCalled {
		t.Fatal("expected fallback to be invoked")
	}
	if m.State() != models.ServiceDegraded {
		t.Fatalf("expected DEGRADED state, got %v", m.State())
	}
}

func TestExecuteUnavailableWhenNoFallback(t *testing.T) {
	m := newTestManager(t)
	err := m.Execute(context.Background(), "store_message",
		func(context.Context) error { return errors.New("kv down") },
		nil,
	)
	if err == nil {
		t.Fatal("expected error when no fallback registered")
	}
	if m.State() != models.ServiceUnavailable {
		t.Fatalf("expected UNAVAILABLE state, got %v", m.State())
	}
}

func TestQueueLocallyAndProcessQueuedDrainsWhenClosed(t *testing.T) {
	m := newTestManager(t)
	m.QueueLocally(json.RawMessage(`{"id":"1"}`))

	drained, err := m.ProcessQueued(context.Background(), func(ctx context.Context, payload json.RawMessage) error {
		return nil
	})
	if err != nil {
		t.Fatalf("ProcessQueued: %v", err)
	}
	if drained != 1 {
		t.Fatalf("expected 1 drained, got %d", drained)
	}
}

func TestProcessQueuedSkipsWhenBreakerOpen(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_ = m.Execute(ctx, "op", func(context.Context) error { return errors.New("down") }, func(context.Context) error { return nil })
	}
	_ = m.breaker.Call(ctx, func(context.Context) error { return errors.New("down") })

	m.QueueLocally(json.RawMessage(`{"id":"1"}`))
	drained, err := m.ProcessQueued(ctx, func(ctx context.Context, payload json.RawMessage) error { return nil })
	if err != nil {
		t.Fatalf("ProcessQueued: %v", err)
	}
	if drained != 0 {
		t.Fatalf("expected drain to be skipped while breaker open, got %d", drained)
	}
}
