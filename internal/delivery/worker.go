package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AryanVBW/OPTIC-SHIELD/internal/broker"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/clock"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/eventlog"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/log"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/store"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/transport"
)

type Options struct {
	Topic             string
	BatchSize         int
	Interval          time.Duration
	CleanupInterval   time.Duration
	AckLogRetention   time.Duration
	VisibilityTimeout time.Duration
	MaxImageSizeKB    int
	HeartbeatInterval time.Duration
}

// Metrics is the narrow interface the worker reports outcomes through;
// kept separate from the concrete metrics package so the worker doesn't
// need to import prometheus types directly (same capability-trait idea as
// Signer/Clock/ImageLoader).
type Metrics interface {
	ObserveDeliverySuccess(latency time.Duration)
	ObserveDeliveryFailure()
	SetQueueDepth(pending, inFlight int)
}

// Worker is the delivery worker: the dispatch loop, cleanup loop,
// and reclaim loop, cooperating via a shared cancellation signal.
type Worker struct {
	broker      *broker.Broker
	portal      *transport.Portal
	eventLog    *eventlog.Logger
	clock       clock.Clock
	logger      *log.Logger
	metrics     Metrics
	imageLoader ImageLoader
	opts        Options

	deviceID string

	mu         sync.RWMutex
	deviceInfoVal map[string]any
	locationVal   map[string]any

	// consecutiveFailures/totalAttempts/totalSuccesses feed the delivery health check
	// threshold formula and are read by the health monitor.
	consecutiveFailures int64
	totalAttempts       int64
	totalSuccesses      int64
	failMu              sync.Mutex
}

func NewWorker(b *broker.Broker, portal *transport.Portal, el *eventlog.Logger, clk clock.Clock, logger *log.Logger, metrics Metrics, imageLoader ImageLoader, deviceID string, opts Options) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Hour
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 300 * time.Second
	}
	return &Worker{
		broker:        b,
		portal:        portal,
		eventLog:      el,
		clock:         clk,
		logger:        logger,
		metrics:       metrics,
		imageLoader:   imageLoader,
		opts:          opts,
		deviceID:      deviceID,
		deviceInfoVal: map[string]any{},
		locationVal:   map[string]any{},
	}
}

func (w *Worker) SetDeviceInfo(info map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deviceInfoVal = info
}

func (w *Worker) SetLocation(loc map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.locationVal = loc
}

func (w *Worker) deviceInfo() map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.deviceInfoVal
}

func (w *Worker) location() map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.locationVal
}

// Run is the main dispatch loop: ticks at opts.Interval, consumes a batch,
// and dispatches each message, until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("delivery loop stopping")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	msgs, err := w.broker.Consume(ctx, w.opts.Topic, w.opts.BatchSize)
	if err != nil {
		w.logger.Errorw("consume failed", "error", err)
		return
	}
	if w.metrics != nil {
		snap := w.broker.Stats(ctx)
		w.metrics.SetQueueDepth(snap.QueuePending, snap.InFlight)
	}
	for _, msg := range msgs {
		w.dispatch(ctx, msg)
	}
}

func (w *Worker) dispatch(ctx context.Context, msg *store.Message) {
	start := w.clock.Now()
	if w.eventLog != nil {
		w.eventLog.LogUploadStarted(msg.ID, nil)
	}

	payload, err := w.buildDetectionPayload(msg, float64(start.UnixNano())/1e9)
	if err != nil {
		w.nack(ctx, msg, fmt.Sprintf("build payload: %v", err))
		return
	}

	res := w.portal.SendDetection(ctx, msg.ID, payload)
	latency := w.clock.Now().Sub(start)

	if res.Success {
		w.ack(ctx, msg, res, latency)
		return
	}

	errText := "delivery failed"
	if res.Err != nil {
		errText = res.Err.Error()
	} else if res.Body != nil {
		if e, ok := res.Body["error"].(string); ok {
			errText = e
		}
	}
	if w.eventLog != nil {
		w.eventLog.LogUploadFailed(msg.ID, errText, msg.Attempts+1)
	}
	w.nack(ctx, msg, errText)
}

func (w *Worker) ack(ctx context.Context, msg *store.Message, res transport.Result, latency time.Duration) {
	responseJSON := fmt.Sprintf("%v", res.Body)
	if _, err := w.broker.Ack(ctx, msg.ID, msg.AckToken, responseJSON); err != nil {
		w.logger.Errorw("ack failed", "message_id", msg.ID, "error", err)
		return
	}
	if w.metrics != nil {
		w.metrics.ObserveDeliverySuccess(latency)
	}
	w.failMu.Lock()
	w.consecutiveFailures = 0
	w.totalAttempts++
	w.totalSuccesses++
	w.failMu.Unlock()

	if w.eventLog != nil {
		w.eventLog.LogUploadSuccess(msg.ID, res.Body)
	}
}

func (w *Worker) nack(ctx context.Context, msg *store.Message, errText string) {
	if _, err := w.broker.Nack(ctx, msg.ID, msg.AckToken, errText, true); err != nil {
		w.logger.Errorw("nack failed", "message_id", msg.ID, "error", err)
	}
	if w.metrics != nil {
		w.metrics.ObserveDeliveryFailure()
	}
	w.failMu.Lock()
	w.consecutiveFailures++
	w.totalAttempts++
	w.failMu.Unlock()
}

// DeliveryStats is read by the health monitor's delivery health check.
type DeliveryStats struct {
	ConsecutiveFailures int64
	SuccessRate         float64 // 0-100
	Pending             int
}

func (w *Worker) Stats(ctx context.Context) DeliveryStats {
	w.failMu.Lock()
	cf := w.consecutiveFailures
	total := w.totalAttempts
	success := w.totalSuccesses
	w.failMu.Unlock()

	rate := 100.0
	if total > 0 {
		rate = (float64(success) / float64(total)) * 100.0
	}
	pending := 0
	if w.broker != nil {
		pending = w.broker.Stats(ctx).QueuePending
	}
	return DeliveryStats{ConsecutiveFailures: cf, SuccessRate: rate, Pending: pending}
}

// RunCleanupLoop ticks hourly (default), removing expired messages and
// trimming the ack audit log.
func (w *Worker) RunCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("cleanup loop stopping")
			return
		case <-ticker.C:
			n, err := w.broker.CleanupExpired(ctx)
			if err != nil {
				w.logger.Errorw("cleanup expired failed", "error", err)
			} else if n > 0 {
				w.logger.Infow("cleaned up expired messages", "count", n)
			}
			retention := w.opts.AckLogRetention
			if retention <= 0 {
				retention = 7 * 24 * time.Hour
			}
			if n, err := w.broker.CleanupAckLogs(ctx, retention); err != nil {
				w.logger.Errorw("cleanup ack logs failed", "error", err)
			} else if n > 0 {
				w.logger.Infow("cleaned up ack log entries", "count", n)
			}
			if n, err := w.eventLog.CleanupOldLogs(); err != nil {
				w.logger.Errorw("cleanup event logs failed", "error", err)
			} else if n > 0 {
				w.logger.Infow("cleaned up event log files", "count", n)
			}
		}
	}
}

// RunReclaimLoop periodically reruns the visibility-timeout reclaim query
// so a stalled (not crashed) worker still releases stale in-flight rows.
// Ticks at visibility_timeout/2.
func (w *Worker) RunReclaimLoop(ctx context.Context) {
	interval := w.opts.VisibilityTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reclaim loop stopping")
			return
		case <-ticker.C:
			n, err := w.broker.Reclaim(ctx, w.opts.VisibilityTimeout)
			if err != nil {
				w.logger.Errorw("periodic reclaim failed", "error", err)
			} else if n > 0 {
				w.logger.Warnw("reclaimed stale in-flight messages", "count", n)
			}
		}
	}
}

// RunHeartbeatLoop reports a status summary to the portal at HeartbeatInterval.
func (w *Worker) RunHeartbeatLoop(ctx context.Context) {
	interval := w.opts.HeartbeatInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("heartbeat loop stopping")
			return
		case <-ticker.C:
			snap := w.broker.Stats(ctx)
			res := w.portal.Heartbeat(ctx, map[string]any{
				"device_id":     w.deviceID,
				"queue_pending": snap.QueuePending,
				"in_flight":     snap.InFlight,
				"dead_lettered": snap.DeadLettered,
				"device_info":   w.deviceInfo(),
				"location":      w.location(),
			})
			if !res.Success {
				w.logger.Warnw("heartbeat failed", "error", res.Err)
			}
		}
	}
}
