package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AryanVBW/OPTIC-SHIELD/internal/health"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/log"
)

func newTestServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	monitor := health.NewMonitor(log.NewLogger(true), health.Options{})
	monitor.RegisterHealthCheck("always-healthy", func() health.Report { return health.Report{Status: health.Healthy} })

	handler := New(Deps{Broker: nil, Monitor: monitor, Logger: log.NewLogger(true), Token: token})
	return httptest.NewServer(handler)
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	srv := newTestServer(t, "secret")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 without a token, got %d", resp.StatusCode)
	}
}

func TestStatsRequiresToken(t *testing.T) {
	srv := newTestServer(t, "secret")
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", resp.StatusCode)
	}
}

func TestStatsAcceptsRawSharedSecret(t *testing.T) {
	srv := newTestServer(t, "secret")
	defer srv.Close()

	req, _ := http.NewRequest("GET", srv.URL+"/stats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError && resp.StatusCode != http.StatusOK {
		t.Errorf("expected auth to pass (200 or a nil-broker 500), got %d", resp.StatusCode)
	}
}

func TestStatsAcceptsSignedJWT(t *testing.T) {
	srv := newTestServer(t, "secret")
	defer srv.Close()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "tester"})
	signed, err := tok.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req, _ := http.NewRequest("GET", srv.URL+"/stats", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		t.Error("expected a validly signed JWT to pass auth")
	}
}

func TestStatsRejectsInvalidToken(t *testing.T) {
	srv := newTestServer(t, "secret")
	defer srv.Close()

	req, _ := http.NewRequest("GET", srv.URL+"/stats", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for an invalid token, got %d", resp.StatusCode)
	}
}
