package config

import (
	"os"
	"testing"
	"time"
)

func clearOpticEnv(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		if len(e) > 6 && e[:6] == "OPTIC_" {
			key := e[:indexOf(e, '=')]
			os.Unsetenv(key)
			t.Cleanup(func() { os.Unsetenv(key) })
		}
	}
}

func indexOf(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return len(s)
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearOpticEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Broker.MaxAttempts != 10 {
		t.Errorf("expected default max attempts 10, got %d", cfg.Broker.MaxAttempts)
	}
	if cfg.Broker.BackoffBase != 30*time.Second {
		t.Errorf("expected default backoff base 30s, got %s", cfg.Broker.BackoffBase)
	}
	if cfg.Broker.VisibilityTimeout != 300*time.Second {
		t.Errorf("expected default visibility timeout 300s, got %s", cfg.Broker.VisibilityTimeout)
	}
	if cfg.EventLog.Dir != cfg.DataDir+"/event_logs" {
		t.Errorf("expected event log dir to default under data dir, got %s", cfg.EventLog.Dir)
	}
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	clearOpticEnv(t)
	os.Setenv("OPTIC_MAX_ATTEMPTS", "3")
	t.Cleanup(func() { os.Unsetenv("OPTIC_MAX_ATTEMPTS") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Broker.MaxAttempts != 3 {
		t.Errorf("expected overridden max attempts 3, got %d", cfg.Broker.MaxAttempts)
	}
}

func TestStorePathAndIsDevelopment(t *testing.T) {
	cfg := &Config{DataDir: "/data", Debug: true}
	if cfg.StorePath() != "/data/message_broker.db" {
		t.Errorf("unexpected store path: %s", cfg.StorePath())
	}
	if !cfg.IsDevelopment() {
		t.Error("expected IsDevelopment true when Debug is set")
	}
}
