//go:build integration
// +build integration

package tests

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AryanVBW/OPTIC-SHIELD/internal/breaker"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/broker"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/clock"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/delivery"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/eventlog"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/health"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/log"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/server"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/signing"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/store"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/transport"
)

func generateTestToken(secret, sub string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tokenString, _ := token.SignedString([]byte(secret))
	return tokenString
}

// fakePortal is a stand-in for the wildlife-portal server: it accepts every
// detection except those with camera_id "dlq-camera", which it rejects with
// a 500 unconditionally, letting tests drive a message all the way to the
// dead letter queue.
func newFakePortal(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		if topic, _ := body["camera_id"].(string); topic == "dlq-camera" {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false})
			return
		}

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
}

func TestE2E_DeliveryAndDiagnostics(t *testing.T) {
	ctx := context.Background()

	portalSrv := newFakePortal(t)
	defer portalSrv.Close()

	logger := log.NewLogger(true)
	dbPath := filepath.Join(t.TempDir(), "message_broker.db")
	st, err := store.Open(dbPath, logger)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	cb := breaker.New(breaker.Options{FailureThreshold: 100})
	b := broker.New(st, cb, clock.Real{}, logger, broker.Options{MaxAttempts: 2, BackoffBase: 10 * time.Millisecond, BackoffMax: 50 * time.Millisecond})
	if err := b.Initialize(ctx, 30*time.Second); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	signer := signing.NewHMACSigner("test-secret", func() int64 { return time.Now().Unix() })
	client := transport.NewClient(signer, logger, transport.Options{
		BaseURL:         portalSrv.URL,
		DeviceID:        "device-e2e",
		RequestTimeout:  5 * time.Second,
		RateLimitPerSec: 1000,
		RateLimitBurst:  1000,
	})
	portal := transport.NewPortal(client)

	elog, err := eventlog.New(t.TempDir(), "device-e2e", 50, 30, logger)
	if err != nil {
		t.Fatalf("failed to open event log: %v", err)
	}
	defer elog.Close()

	worker := delivery.NewWorker(b, portal, elog, clock.Real{}, logger, nil, delivery.DiskImageLoader{}, "device-e2e", delivery.Options{
		Topic:     "detections",
		BatchSize: 10,
		Interval:  50 * time.Millisecond,
	})

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	go worker.Run(workerCtx)

	monitor := health.NewMonitor(logger, health.Options{})
	monitor.RegisterHealthCheck("delivery", health.DeliveryCheck(worker))
	monitor.RegisterHealthCheck("broker", health.BrokerCheck(b))

	token := "diag-secret"
	handler := server.New(server.Deps{Broker: b, Monitor: monitor, Logger: logger, Token: token})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	t.Run("HealthCheck", func(t *testing.T) {
		resp, err := ts.Client().Get(ts.URL + "/healthz")
		if err != nil {
			t.Fatalf("healthz request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected 200 OK, got %d", resp.StatusCode)
		}
	})

	t.Run("AuthMiddleware", func(t *testing.T) {
		resp, err := ts.Client().Get(ts.URL + "/stats")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("expected 401 with no token, got %d", resp.StatusCode)
		}

		req, _ := http.NewRequest("GET", ts.URL+"/stats", nil)
		req.Header.Set("Authorization", "Bearer "+generateTestToken(token, "tester"))
		resp2, err := ts.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp2.Body.Close()
		if resp2.StatusCode != http.StatusOK {
			t.Errorf("expected 200 with valid jwt, got %d", resp2.StatusCode)
		}
	})

	t.Run("DeliverySucceeds", func(t *testing.T) {
		if _, err := b.Publish(ctx, broker.PublishInput{
			Topic:   "detections",
			Payload: map[string]any{"class_name": "deer", "confidence": 0.92, "camera_id": "cam-1"},
		}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			snap := b.Stats(ctx)
			if snap.Acknowledged > 0 {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatal("detection was never acknowledged")
	})

	t.Run("DLQ_Flow", func(t *testing.T) {
		if _, err := b.Publish(ctx, broker.PublishInput{
			Topic:   "detections",
			Payload: map[string]any{"class_name": "fox", "camera_id": "dlq-camera"},
		}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			snap := b.Stats(ctx)
			if snap.DeadLettered > 0 {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}

		req, _ := http.NewRequest("GET", ts.URL+"/dlq", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		var records []map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
			t.Fatalf("failed to decode dlq response: %v", err)
		}
		if len(records) == 0 {
			t.Fatal("expected at least one dead-lettered message after max retries")
		}

		id, _ := records[0]["ID"].(string)
		if id == "" {
			t.Fatal("dead letter record missing id")
		}

		req2, _ := http.NewRequest("POST", fmt.Sprintf("%s/dlq/%s/replay", ts.URL, id), nil)
		req2.Header.Set("Authorization", "Bearer "+token)
		resp2, err := ts.Client().Do(req2)
		if err != nil {
			t.Fatal(err)
		}
		defer resp2.Body.Close()
		if resp2.StatusCode != http.StatusOK {
			t.Errorf("expected 200 replaying dead letter, got %d", resp2.StatusCode)
		}
	})
}
