package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wisbric/mailbox/internal/models"
)

var errBoom = errors.New("boom")

func fastConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  20 * time.Millisecond,
		SuccessThreshold: 2,
		CallTimeout:      time.Second,
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b, err := New("kv", fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Call(ctx, func(context.Context) error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected errBoom, got %v", i, err)
		}
	}

	if b.State() != models.CircuitOpen {
		t.Fatalf("expected OPEN after threshold, got %v", b.State())
	}

	err = b.Call(ctx, func(context.Context) error {
		t.Fatal("wrapped function must not be invoked while circuit is open")
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b, err := New("kv", fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, func(context.Context) error { return errBoom })
	}
	if b.State() != models.CircuitOpen {
		t.Fatalf("expected OPEN, got %v", b.State())
	}

	time.Sleep(30 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := b.Call(ctx, func(context.Context) error { return nil }); err != nil {
			t.Fatalf("call %d: unexpected error %v", i, err)
		}
	}

	if b.State() != models.CircuitClosed {
		t.Fatalf("expected CLOSED after success_threshold successes, got %v", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, err := New("kv", fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, func(context.Context) error { return errBoom })
	}
	time.Sleep(30 * time.Millisecond)

	_ = b.Call(ctx, func(context.Context) error { return errBoom })
	if b.State() != models.CircuitOpen {
		t.Fatalf("expected re-opened breaker, got %v", b.State())
	}
}

func TestBreakerCallTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.CallTimeout = 10 * time.Millisecond
	b, err := New("kv", cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = b.Call(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestRegistryGetCreatesOnce(t *testing.T) {
	r := NewRegistry(fastConfig())
	a, err := r.Get("messages")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := r.Get("messages")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a != b {
		t.Fatal("expected same breaker instance for repeated Get with same name")
	}
}
