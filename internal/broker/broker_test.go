package broker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/AryanVBW/OPTIC-SHIELD/internal/breaker"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/clock"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/log"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/store"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	logger := log.NewLogger(true)
	st, err := store.Open(dbPath, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cb := breaker.New(breaker.Options{FailureThreshold: 3})
	b := New(st, cb, clock.Real{}, logger, Options{
		MaxQueueSize: 100,
		MaxInFlight:  100,
		MaxAttempts:  2,
		BackoffBase:  5 * time.Millisecond,
		BackoffMax:   20 * time.Millisecond,
	})
	if err := b.Initialize(context.Background(), time.Minute); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return b
}

func TestPublishRejectsDuplicateChecksum(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()
	b.opts.DedupEnabled = true
	b.opts.DedupWindow = time.Minute

	id1, err := b.Publish(ctx, PublishInput{Topic: "t", Payload: map[string]any{"x": 1}})
	if err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	if id1 == "" {
		t.Fatal("expected first publish to succeed with a non-empty id")
	}

	id2, err := b.Publish(ctx, PublishInput{Topic: "t", Payload: map[string]any{"x": 1}})
	if err != nil {
		t.Fatalf("publish 2: %v", err)
	}
	if id2 != "" {
		t.Errorf("expected a checksum-duplicate publish to be rejected with an empty id, got %q", id2)
	}
	if b.Stats(ctx).DuplicatesRejected == 0 {
		t.Error("expected a duplicate to be counted")
	}
}

func TestAckRequiresMatchingToken(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.Publish(ctx, PublishInput{Topic: "t", Payload: map[string]any{"x": 1}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs, err := b.Consume(ctx, "t", 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("consume: %v", err)
	}

	ok, err := b.Ack(ctx, msgs[0].ID, "wrong-token", "{}")
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if ok {
		t.Error("ack with wrong token should not succeed")
	}

	ok, err = b.Ack(ctx, msgs[0].ID, msgs[0].AckToken, "{}")
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if !ok {
		t.Error("ack with correct token should succeed")
	}
}

func TestNackExhaustsIntoDeadLetter(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	if _, err := b.Publish(ctx, PublishInput{Topic: "t", Payload: map[string]any{"x": 1}}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i := 0; i < 2; i++ {
		msgs, err := b.Consume(ctx, "t", 1)
		if err != nil || len(msgs) != 1 {
			t.Fatalf("consume attempt %d: %v (got %d)", i, err, len(msgs))
		}
		if _, err := b.Nack(ctx, msgs[0].ID, msgs[0].AckToken, "boom", true); err != nil {
			t.Fatalf("nack: %v", err)
		}
		time.Sleep(30 * time.Millisecond)
	}

	snap := b.Stats(ctx)
	if snap.DeadLettered != 1 {
		t.Errorf("expected message to be dead-lettered after exhausting attempts, got %d dead-lettered", snap.DeadLettered)
	}

	dlq, err := b.ListDeadLetters(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(dlq) != 1 {
		t.Fatalf("expected 1 dead letter record, got %d", len(dlq))
	}

	newID, err := b.ReplayDeadLetter(ctx, dlq[0].ID)
	if err != nil {
		t.Fatalf("replay dead letter: %v", err)
	}
	if newID == "" {
		t.Error("replay should return a new message id")
	}

	remaining, err := b.ListDeadLetters(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list dead letters after replay: %v", err)
	}
	if len(remaining) != 0 {
		t.Error("replayed dead letter should be removed from the queue")
	}
}

func TestEvictionUnderBackpressure(t *testing.T) {
	b := newTestBroker(t)
	b.opts.MaxQueueSize = 2
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := b.Publish(ctx, PublishInput{Topic: "evict", Payload: map[string]any{"i": i}, Priority: store.PriorityLow}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	if b.Stats(ctx).Evicted == 0 {
		t.Error("expected publishing past MaxQueueSize to evict an older low-priority message")
	}
}
