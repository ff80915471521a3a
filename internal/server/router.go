// Package server is the optional diagnostics/admin HTTP surface:
// health, metrics, dead-letter inspection and replay, and stats, gated
// behind a bearer token.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AryanVBW/OPTIC-SHIELD/internal/broker"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/health"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/log"
)

type Deps struct {
	Broker  *broker.Broker
	Monitor *health.Monitor
	Logger  *log.Logger
	Token   string
}

// New builds the chi router. Every route except /healthz requires a
// bearer token, either the raw shared secret Token or an HS256 JWT whose
// signature validates against Token — operators can issue either.
func New(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(20, time.Minute))

	r.Get("/healthz", healthzHandler(d))

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(d.Token))
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/stats", statsHandler(d))
		r.Get("/dlq", listDLQHandler(d))
		r.Post("/dlq/{id}/replay", replayDLQHandler(d))
	})

	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if token == "" {
				next.ServeHTTP(w, req)
				return
			}
			auth := req.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			if raw == token {
				next.ServeHTTP(w, req)
				return
			}
			if validJWT(raw, token) {
				next.ServeHTTP(w, req)
				return
			}
			http.Error(w, "invalid token", http.StatusUnauthorized)
		})
	}
}

func validJWT(raw, secret string) bool {
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && parsed.Valid
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func healthzHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overall, reports := d.Monitor.RunOnce()
		status := http.StatusOK
		if overall == health.Unhealthy || overall == health.Critical {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"status": overall, "checks": reports})
	}
}

func statsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Broker.Stats(r.Context()))
	}
}

func listDLQHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		offset := 0
		if v := r.URL.Query().Get("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		records, err := d.Broker.ListDeadLetters(ctx, limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func replayDLQHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		newID, err := d.Broker.ReplayDeadLetter(ctx, id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"replayed_as": newID})
	}
}
