package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/AryanVBW/OPTIC-SHIELD/internal/breaker"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/broker"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/clock"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/config"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/delivery"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/eventlog"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/health"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/log"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/metrics"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/server"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/signing"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/store"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.NewLogger(cfg.IsDevelopment())
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StorePath(), logger.Named("store"))
	if err != nil {
		logger.Fatalw("failed to open store", "error", err)
	}
	defer st.Close()

	cb := breaker.New(breaker.Options{
		FailureThreshold: cfg.Broker.BreakerFailureThreshold,
		OpenDuration:     cfg.Broker.BreakerOpenDuration,
		HalfOpenSuccess:  cfg.Broker.BreakerHalfOpenSuccess,
	})

	b := broker.New(st, cb, clock.Real{}, logger.Named("broker"), broker.Options{
		MaxQueueSize:  cfg.Broker.MaxQueueSize,
		MaxInFlight:   cfg.Broker.MaxInFlight,
		MaxAttempts:   cfg.Broker.MaxAttempts,
		DefaultTTL:    cfg.Broker.DefaultTTL,
		DedupEnabled:  cfg.Broker.DedupEnabled,
		DedupWindow:   cfg.Broker.DedupWindow,
		DedupCacheCap: cfg.Broker.DedupCacheCap,
		BackoffBase:   cfg.Broker.BackoffBase,
		BackoffMax:    cfg.Broker.BackoffMax,
	})

	if err := b.Initialize(ctx, cfg.Broker.VisibilityTimeout); err != nil {
		logger.Fatalw("failed to initialize broker", "error", err)
	}

	signer := signing.NewHMACSigner(cfg.DeviceSecret, func() int64 { return time.Now().Unix() })

	client := transport.NewClient(signer, logger.Named("transport"), transport.Options{
		BaseURL:         cfg.APIURL,
		APIKey:          cfg.APIKey,
		DeviceID:        cfg.DeviceID,
		RequestTimeout:  cfg.Delivery.RequestTimeout,
		RateLimitPerSec: cfg.Delivery.RateLimitPerSec,
		RateLimitBurst:  cfg.Delivery.RateLimitBurst,
	})
	portal := transport.NewPortal(client)

	elog, err := eventlog.New(cfg.EventLog.Dir, cfg.DeviceID, cfg.EventLog.MaxFileSizeMB, cfg.EventLog.RetentionDays, logger.Named("eventlog"))
	if err != nil {
		logger.Fatalw("failed to open event log", "error", err)
	}
	defer elog.Close()

	metricsRegistry := metrics.New(prometheus.DefaultRegisterer)
	b.SetMetrics(metricsRegistry)

	worker := delivery.NewWorker(b, portal, elog, clock.Real{}, logger.Named("delivery"), metricsRegistry, delivery.DiskImageLoader{}, cfg.DeviceID, delivery.Options{
		Topic:             cfg.Delivery.Topic,
		BatchSize:         cfg.Delivery.BatchSize,
		Interval:          cfg.Delivery.Interval,
		CleanupInterval:   cfg.Delivery.CleanupInterval,
		AckLogRetention:   cfg.Delivery.AckLogRetention,
		VisibilityTimeout: cfg.Broker.VisibilityTimeout,
		MaxImageSizeKB:    cfg.Delivery.MaxImageSizeKB,
		HeartbeatInterval: cfg.Delivery.HeartbeatInterval,
	})

	monitor := health.NewMonitor(logger.Named("health"), health.Options{
		AlertCooldown:  cfg.Health.AlertCooldown,
		AlertBufferCap: cfg.Health.AlertBufferCap,
	})
	monitor.RegisterHealthCheck("delivery", health.DeliveryCheck(worker))
	monitor.RegisterHealthCheck("broker", health.BrokerCheck(b))
	monitor.RegisterHealthCheck("resources", health.SystemResourceCheck(health.ResourceThresholds{
		DiskPath: cfg.DataDir,
	}))
	monitor.RegisterAlertCallback(func(a health.Alert) {
		elog.LogSystemError(a.Message, a.Check, map[string]any{"status": a.Status})
	})
	monitor.SetReporter(metricsRegistry)

	go worker.Run(ctx)
	go worker.RunCleanupLoop(ctx)
	go worker.RunReclaimLoop(ctx)
	go worker.RunHeartbeatLoop(ctx)
	go monitor.Run(ctx, cfg.Health.CheckInterval)
	go reportBreakerStates(ctx, cfg.Health.CheckInterval, metricsRegistry, cb, st, client)

	var diagServer *http.Server
	if cfg.DiagAddr != "" {
		handler := server.New(server.Deps{Broker: b, Monitor: monitor, Logger: logger.Named("diag"), Token: cfg.DiagToken})
		diagServer = &http.Server{Addr: cfg.DiagAddr, Handler: handler}
		go func() {
			logger.Infow("diagnostics server listening", "addr", cfg.DiagAddr)
			if err := diagServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorw("diagnostics server failed", "error", err)
			}
		}()
	}

	logger.Infow("optic-shield started", "device_id", cfg.DeviceID, "data_dir", cfg.DataDir)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if diagServer != nil {
		_ = diagServer.Shutdown(shutdownCtx)
	}

	logger.Info("optic-shield stopped")
}

// reportBreakerStates periodically records all three circuit breakers'
// states into the metrics registry: the consumption-gating breaker, the
// store-write breaker, and the outbound portal breaker.
func reportBreakerStates(ctx context.Context, interval time.Duration, m *metrics.Registry, cb *breaker.Breaker, st *store.Store, tc *transport.Client) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetBreakerState("consumption", consumptionBreakerState(cb.State()))
			m.SetBreakerState("store_write", gobreakerState(st.BreakerState()))
			m.SetBreakerState("portal_delivery", gobreakerState(tc.BreakerState()))
		}
	}
}

func consumptionBreakerState(s breaker.State) int {
	switch s {
	case breaker.Closed:
		return 0
	case breaker.HalfOpen:
		return 1
	default:
		return 2
	}
}

func gobreakerState(s gobreaker.State) int {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
