// Package broker implements the guaranteed-delivery message broker:
// Publish/Consume/Ack/Nack/ReplayDeadLetter, checksum dedup, and eviction,
// grounded on the storage-layer semantics of the original message broker
// and adapted onto the sqlite-backed internal/store package.
package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AryanVBW/OPTIC-SHIELD/internal/breaker"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/clock"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/dedup"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/log"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/store"
)

type Options struct {
	MaxQueueSize  int
	MaxInFlight   int
	MaxAttempts   int
	DefaultTTL    time.Duration
	DedupEnabled  bool
	DedupWindow   time.Duration
	DedupCacheCap int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// Metrics is the narrow interface the broker reports outcomes through,
// kept separate from the concrete metrics package the same way the
// delivery worker's Metrics interface is (internal/delivery/worker.go) so
// this package never imports prometheus types directly.
type Metrics interface {
	ObservePublish()
	ObserveConsume(n int)
	ObserveAck()
	ObserveNack()
	ObserveDeadLetter()
	ObserveEvicted(n int64)
	ObserveDuplicateRejected()
}

// Broker owns in-memory dedup state, guarded by mu, and statistics
// counters, which are atomics (see Stats) and need no lock. The durable
// store owns persistent rows exclusively; the broker never
// touches SQL directly outside of store method calls.
type Broker struct {
	mu sync.Mutex

	store   *store.Store
	breaker *breaker.Breaker
	clock   clock.Clock
	logger  *log.Logger
	opts    Options
	dedup   *dedup.LRU
	stats   Stats
	metrics Metrics
}

// SetMetrics attaches a metrics sink. Optional — a nil metrics leaves the
// broker's own in-memory Stats counters as the only source of truth,
// matching how the delivery worker's metrics dependency is also optional.
func (b *Broker) SetMetrics(m Metrics) {
	b.metrics = m
}

func New(st *store.Store, cb *breaker.Breaker, clk clock.Clock, logger *log.Logger, opts Options) *Broker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 30 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 3600 * time.Second
	}
	return &Broker{
		store:   st,
		breaker: cb,
		clock:   clk,
		logger:  logger,
		opts:    opts,
		dedup:   dedup.New(opts.DedupCacheCap),
	}
}

// Initialize runs the one-shot crash-recovery reclaim pass.
func (b *Broker) Initialize(ctx context.Context, visibilityTimeout time.Duration) error {
	n, err := b.store.ReclaimStaleInFlight(ctx, visibilityTimeout, b.clock.Now())
	if err != nil {
		return fmt.Errorf("reclaim stale in-flight on init: %w", err)
	}
	if n > 0 {
		b.logger.Infow("reclaimed stale in-flight messages on startup", "count", n)
	}
	return nil
}

// Reclaim reruns the same reclaim query as Initialize; the delivery
// worker's reclaim loop calls this periodically so a stalled-but-not-
// crashed process still releases stale rows without a restart.
func (b *Broker) Reclaim(ctx context.Context, visibilityTimeout time.Duration) (int64, error) {
	return b.store.ReclaimStaleInFlight(ctx, visibilityTimeout, b.clock.Now())
}

// PublishInput carries everything a caller may supply to Publish.
type PublishInput struct {
	Topic          string
	Payload        map[string]any
	Priority       store.Priority
	Delay          time.Duration
	TTL            time.Duration
	Metadata       map[string]any
	IdempotencyKey string
}

// Publish stores a new message, returning its id, or "" if it was rejected
// as a duplicate. Store write failures are returned as an error; the
// caller's retry is its own responsibility.
func (b *Broker) Publish(ctx context.Context, in PublishInput) (string, error) {
	sum, canonical, err := checksum(in.Payload)
	if err != nil {
		return "", fmt.Errorf("checksum payload: %w", err)
	}

	b.mu.Lock()
	now := b.clock.Now()
	dedupEnabled := b.opts.DedupEnabled
	since := now.Add(-b.opts.DedupWindow)
	seen := dedupEnabled && b.dedup.SeenSince(sum, since.UnixNano())
	b.mu.Unlock()

	if dedupEnabled && !seen {
		// The LRU is process-local and empty right after a restart; fall
		// back to the durable store so a duplicate published just before
		// a crash is still caught once the process comes back up.
		var err error
		seen, err = b.store.FindByChecksumSince(ctx, sum, since)
		if err != nil {
			return "", fmt.Errorf("durable dedup lookup: %w", err)
		}
	}
	if dedupEnabled && seen {
		b.mu.Lock()
		b.stats.incDuplicatesRejected()
		b.mu.Unlock()
		if b.metrics != nil {
			b.metrics.ObserveDuplicateRejected()
		}
		return "", nil
	}

	id := in.IdempotencyKey
	if id == "" {
		id = uuid.NewString()
	}

	live, err := b.store.CountLive(ctx)
	if err != nil {
		return "", fmt.Errorf("count live messages: %w", err)
	}
	if b.opts.MaxQueueSize > 0 && live >= b.opts.MaxQueueSize {
		evicted, err := b.store.EvictOldestLowPriority(ctx, 100)
		if err != nil {
			return "", fmt.Errorf("evict under backpressure: %w", err)
		}
		if evicted > 0 {
			b.stats.incEvicted(evicted)
			b.logger.Warnw("evicted messages under queue-size backpressure", "count", evicted)
			if b.metrics != nil {
				b.metrics.ObserveEvicted(evicted)
			}
		}
	}

	ttl := in.TTL
	if ttl <= 0 {
		ttl = b.opts.DefaultTTL
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	maxAttempts := b.opts.MaxAttempts

	msg := &store.Message{
		ID:          id,
		Topic:       in.Topic,
		Payload:     canonical,
		Priority:    in.Priority,
		Status:      store.StatusPending,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
		ScheduledAt: now.Add(in.Delay),
		ExpiresAt:   expiresAt,
		Checksum:    sum,
		Metadata:    in.Metadata,
	}

	if err := b.store.InsertMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}

	b.mu.Lock()
	if b.opts.DedupEnabled {
		b.dedup.Record(sum, now.UnixNano())
	}
	b.stats.incPublished()
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.ObservePublish()
	}
	return id, nil
}

// Consume returns up to batchSize visible pending messages for topic,
// moving them to in_flight. Returns an empty slice (never an error) when
// the breaker is open or max_in_flight is already saturated.
func (b *Broker) Consume(ctx context.Context, topic string, batchSize int) ([]*store.Message, error) {
	if !b.breaker.IsAvailable() {
		return nil, nil
	}

	inFlight, err := b.store.CountInFlight(ctx)
	if err != nil {
		return nil, fmt.Errorf("count in-flight: %w", err)
	}
	if b.opts.MaxInFlight > 0 && inFlight >= b.opts.MaxInFlight {
		return nil, nil
	}
	if b.opts.MaxInFlight > 0 && inFlight+batchSize > b.opts.MaxInFlight {
		batchSize = b.opts.MaxInFlight - inFlight
	}
	if batchSize <= 0 {
		return nil, nil
	}

	msgs, err := b.store.SelectAndLease(ctx, topic, batchSize, b.clock.Now(), func() string {
		return uuid.NewString()
	})
	if err != nil {
		return nil, fmt.Errorf("select and lease: %w", err)
	}
	if len(msgs) > 0 {
		b.stats.incConsumed(int64(len(msgs)))
		if b.metrics != nil {
			b.metrics.ObserveConsume(len(msgs))
		}
	}
	return msgs, nil
}

// Ack acknowledges a successfully delivered message. Returns false
// (not an error) for a mismatched token or an already-gone row — those are
// expected races, not failures.
func (b *Broker) Ack(ctx context.Context, id, ackToken string, response string) (bool, error) {
	row, err := b.store.GetInFlight(ctx, id)
	if err != nil {
		return false, fmt.Errorf("lookup in-flight message: %w", err)
	}
	if row == nil || row.AckToken != ackToken {
		return false, nil
	}

	if err := b.store.DeleteMessage(ctx, id); err != nil {
		return false, fmt.Errorf("delete acked message: %w", err)
	}
	if err := b.store.InsertAckLog(ctx, &store.AckLogEntry{
		MessageID: id,
		AckToken:  ackToken,
		Outcome:   store.OutcomeAcknowledged,
		Response:  response,
		Timestamp: b.clock.Now(),
	}); err != nil {
		b.logger.Errorw("failed to write ack log entry", "id", id, "error", err)
	}

	b.breaker.RecordSuccess()
	b.stats.incAcknowledged()
	if b.metrics != nil {
		b.metrics.ObserveAck()
	}
	return true, nil
}

// Nack reports a failed delivery attempt. If retry is false or the new
// attempt count reaches max_attempts, the message is dead-lettered;
// otherwise it is rescheduled with exponential backoff plus jitter.
func (b *Broker) Nack(ctx context.Context, id, ackToken, errText string, retry bool) (bool, error) {
	row, err := b.store.GetInFlight(ctx, id)
	if err != nil {
		return false, fmt.Errorf("lookup in-flight message: %w", err)
	}
	if row == nil || row.AckToken != ackToken {
		return false, nil
	}

	now := b.clock.Now()
	attempts := row.Attempts + 1

	if !retry || attempts >= row.MaxAttempts {
		if err := b.moveToDeadLetter(ctx, row, attempts, errText, now); err != nil {
			return false, err
		}
		b.breaker.RecordFailure()
		b.stats.incNacked()
		b.stats.incDeadLettered()
		if b.metrics != nil {
			b.metrics.ObserveNack()
			b.metrics.ObserveDeadLetter()
		}
		return true, nil
	}

	backoff := computeBackoff(b.opts.BackoffBase, b.opts.BackoffMax, attempts)
	if err := b.store.RescheduleForRetry(ctx, id, attempts, now.Add(backoff), errText, now); err != nil {
		return false, fmt.Errorf("reschedule for retry: %w", err)
	}
	if err := b.store.InsertAckLog(ctx, &store.AckLogEntry{
		MessageID: id,
		AckToken:  ackToken,
		Outcome:   store.OutcomeNack,
		Response:  errText,
		Timestamp: now,
	}); err != nil {
		b.logger.Errorw("failed to write nack log entry", "id", id, "error", err)
	}

	b.breaker.RecordFailure()
	b.stats.incNacked()
	if b.metrics != nil {
		b.metrics.ObserveNack()
	}
	return true, nil
}

func (b *Broker) moveToDeadLetter(ctx context.Context, row *store.Message, attempts int, errText string, now time.Time) error {
	rec := &store.DeadLetterRecord{
		ID:             uuid.NewString(),
		OriginalID:     row.ID,
		Topic:          row.Topic,
		Payload:        row.Payload,
		Attempts:       attempts,
		LastError:      errText,
		CreatedAt:      row.CreatedAt,
		DeadLetteredAt: now,
		Metadata:       row.Metadata,
	}
	if err := b.store.MoveToDeadLetter(ctx, rec); err != nil {
		return fmt.Errorf("move to dead letter: %w", err)
	}
	if err := b.store.InsertAckLog(ctx, &store.AckLogEntry{
		MessageID: row.ID,
		AckToken:  row.AckToken,
		Outcome:   store.OutcomeNack,
		Response:  errText,
		Timestamp: now,
	}); err != nil {
		b.logger.Errorw("failed to write dead-letter ack log entry", "id", row.ID, "error", err)
	}
	return nil
}

// computeBackoff returns min(base*2^(attempts-1), max) plus additive
// jitter of uniform(0, 10% of that value), so a retry never fires
// earlier than the computed backoff, only later.
func computeBackoff(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts - 1
	if shift > 62 {
		shift = 62
	}
	backoff := base * time.Duration(1<<uint(shift))
	if backoff > max || backoff <= 0 {
		backoff = max
	}
	jitter := time.Duration(rand.Float64() * 0.1 * float64(backoff))
	return backoff + jitter
}

// ReplayDeadLetter republishes a dead-lettered payload as a fresh message
// (a new id, per the design-notes decision on the new-id variant) and
// deletes the dead-letter row once the republish succeeds.
func (b *Broker) ReplayDeadLetter(ctx context.Context, dlqID string) (string, error) {
	rec, err := b.store.GetDeadLetter(ctx, dlqID)
	if err != nil {
		return "", fmt.Errorf("lookup dead letter: %w", err)
	}
	if rec == nil {
		return "", nil
	}

	var payload map[string]any
	if err := decodeJSON(rec.Payload, &payload); err != nil {
		return "", fmt.Errorf("decode dead letter payload: %w", err)
	}

	meta := map[string]any{}
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	meta["replayed_from"] = dlqID
	meta["original_id"] = rec.OriginalID

	newID, err := b.Publish(ctx, PublishInput{
		Topic:    rec.Topic,
		Payload:  payload,
		Priority: store.PriorityNormal,
		Metadata: meta,
	})
	if err != nil {
		return "", err
	}
	if newID == "" {
		return "", nil
	}
	if err := b.store.DeleteDeadLetter(ctx, dlqID); err != nil {
		return "", fmt.Errorf("delete replayed dead letter: %w", err)
	}
	return newID, nil
}

// CleanupExpired and CleanupAckLogs are invoked by the delivery worker's
// hourly cleanup loop.
func (b *Broker) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := b.store.CleanupExpired(ctx, b.clock.Now())
	if err == nil && n > 0 {
		b.stats.incExpiredCleaned(n)
	}
	return n, err
}

func (b *Broker) CleanupAckLogs(ctx context.Context, retention time.Duration) (int64, error) {
	return b.store.CleanupAckLogs(ctx, retention, b.clock.Now())
}

// Stats returns a point-in-time snapshot of broker counters plus current
// queue depth, for the health monitor and diagnostics surface.
func (b *Broker) Stats(ctx context.Context) Snapshot {
	snap := b.stats.snapshot()
	if pending, err := b.store.CountLive(ctx); err == nil {
		snap.QueuePending = pending
	}
	if inFlight, err := b.store.CountInFlight(ctx); err == nil {
		snap.InFlight = inFlight
	}
	return snap
}

// ListDeadLetters and BreakerOpen are thin passthroughs used by the
// diagnostics surface and health checks respectively.
func (b *Broker) ListDeadLetters(ctx context.Context, limit, offset int) ([]*store.DeadLetterRecord, error) {
	return b.store.ListDeadLetters(ctx, limit, offset)
}

func (b *Broker) StoreBreakerOpen() bool {
	return b.store.BreakerOpen()
}

func (b *Broker) MaxQueueSize() int {
	return b.opts.MaxQueueSize
}
