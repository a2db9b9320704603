package fallback

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 2
	q := New(cfg)

	q.Enqueue(json.RawMessage(`"a"`))
	q.Enqueue(json.RawMessage(`"b"`))
	q.Enqueue(json.RawMessage(`"c"`))

	if q.Len() != 2 {
		t.Fatalf("expected bounded depth 2, got %d", q.Len())
	}
	batch := q.DequeueBatch(2)
	if string(batch[0].Payload) != `"b"` || string(batch[1].Payload) != `"c"` {
		t.Fatalf("expected oldest dropped, got %v", batch)
	}
}

func TestDequeueBatchFIFOOrder(t *testing.T) {
	q := New(DefaultConfig())
	q.Enqueue(json.RawMessage(`"a"`))
	q.Enqueue(json.RawMessage(`"b"`))

	batch := q.DequeueBatch(10)
	if len(batch) != 2 || string(batch[0].Payload) != `"a"` {
		t.Fatalf("expected FIFO order, got %v", batch)
	}
}

func TestRequeuePrependsAndIncrementsRetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	q := New(cfg)
	q.Enqueue(json.RawMessage(`"a"`))
	batch := q.DequeueBatch(1)
	q.Requeue(batch[0])

	if q.Len() != 1 {
		t.Fatalf("expected item back in queue, got depth %d", q.Len())
	}
	again := q.DequeueBatch(1)
	if again[0].RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", again[0].RetryCount)
	}
}

func TestRequeueExhaustedCountsAsFailed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	q := New(cfg)
	q.Enqueue(json.RawMessage(`"a"`))
	item := q.DequeueBatch(1)[0]
	item.RetryCount = 1 // already at limit before this Requeue call
	q.Requeue(item)

	if q.Len() != 0 {
		t.Fatalf("expected exhausted item dropped, got depth %d", q.Len())
	}
	if q.Stats().TotalFailed != 1 {
		t.Fatalf("expected 1 total failed, got %d", q.Stats().TotalFailed)
	}
}

func TestCleanupExpiredDropsFromHead(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageAge = 10 * time.Millisecond
	q := New(cfg)
	q.Enqueue(json.RawMessage(`"old"`))
	time.Sleep(20 * time.Millisecond)
	q.Enqueue(json.RawMessage(`"new"`))
	// "new" is also older than 10ms by the time we check below only if we sleep again;
	// cleanup only removes the genuinely expired head entries that exist now.
	dropped := q.CleanupExpired()
	if dropped < 1 {
		t.Fatalf("expected at least 1 expired entry dropped, got %d", dropped)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "fallback.json")

	cfg := DefaultConfig()
	cfg.PersistenceFile = file
	q := New(cfg)
	if err := q.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	q.Enqueue(json.RawMessage(`"persisted"`))
	if err := q.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	q2 := New(cfg)
	if err := q2.Start(); err != nil {
		t.Fatalf("Start (reload): %v", err)
	}
	if q2.Len() != 1 {
		t.Fatalf("expected reloaded queue depth 1, got %d", q2.Len())
	}
}
