// Package transport handles outbound calls to the remote portal: every
// call goes through Client.Do, which attaches the common signing
// headers, enforces a rate limit and a resilience breaker ahead of the
// network call, and funnels every outcome — 2xx decode, non-2xx,
// network error, JSON decode error — into a single tagged Result rather
// than a mix of typed exceptions. The delivery worker's single Nack
// decision site reads nothing but Result.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/AryanVBW/OPTIC-SHIELD/internal/log"
	"github.com/AryanVBW/OPTIC-SHIELD/internal/signing"
)

// Result is the uniform {success, error}-shaped outcome every call
// produces, per the exceptions-as-tagged-results redesign.
type Result struct {
	Success    bool
	HTTPStatus int
	Body       map[string]any
	Err        error
}

type Client struct {
	httpClient *http.Client
	signer     signing.Signer
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *log.Logger

	baseURL    string
	apiKey     string
	deviceID   string
}

type Options struct {
	BaseURL        string
	APIKey         string
	DeviceID       string
	RequestTimeout time.Duration
	RateLimitPerSec float64
	RateLimitBurst  int
}

func NewClient(signer signing.Signer, logger *log.Logger, opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.RateLimitPerSec <= 0 {
		opts.RateLimitPerSec = 5
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 10
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "portal-delivery",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("portal transport breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &Client{
		httpClient: &http.Client{Timeout: opts.RequestTimeout},
		signer:     signer,
		limiter:    rate.NewLimiter(rate.Limit(opts.RateLimitPerSec), opts.RateLimitBurst),
		breaker:    cb,
		logger:     logger,
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		deviceID:   opts.DeviceID,
	}
}

// BreakerState exposes the raw gobreaker state for metrics gauges.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Do POSTs or GETs body to path, attaching the common signing headers plus
// any extraHeaders, and returns a Result — never an error; transport and
// decode failures are folded into Result.Err for the caller to branch on.
func (c *Client) Do(ctx context.Context, method, path string, body map[string]any, extraHeaders map[string]string) Result {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{Err: fmt.Errorf("rate limiter wait: %w", err)}
	}

	var bodyBytes []byte
	var err error
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return Result{Err: fmt.Errorf("marshal request body: %w", err)}
		}
	}

	resAny, err := c.breaker.Execute(func() (any, error) {
		return c.doOnce(ctx, method, path, bodyBytes, extraHeaders)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return Result{Err: fmt.Errorf("portal transport breaker open: %w", err)}
		}
		// doOnce still returns a populated Result (HTTPStatus/Body) even
		// when it fails the breaker's Execute — carry it through instead
		// of discarding it, so a 5xx still reports its status and body.
		if res, ok := resAny.(Result); ok {
			res.Err = err
			return res
		}
		return Result{Err: err}
	}
	return resAny.(Result)
}

func (c *Client) doOnce(ctx context.Context, method, path string, bodyBytes []byte, extraHeaders map[string]string) (Result, error) {
	sig, ts := c.signer.Sign(bodyBytes)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return Result{Err: err}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Device-ID", c.deviceID)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Signature", sig)
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		res := Result{Err: fmt.Errorf("http request: %w", err)}
		return res, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		res := Result{HTTPStatus: resp.StatusCode, Err: fmt.Errorf("read response body: %w", err)}
		return res, err
	}

	var decoded map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			res := Result{HTTPStatus: resp.StatusCode, Err: fmt.Errorf("decode response json: %w", err)}
			// A 2xx or 5xx with an undecodable body is still a
			// transport-level failure for the breaker's purposes.
			if resp.StatusCode >= 200 && resp.StatusCode < 300 || resp.StatusCode >= 500 {
				return res, err
			}
			return res, nil
		}
	}

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	if success {
		if v, ok := decoded["success"]; ok {
			if b, ok := v.(bool); ok {
				success = b
			}
		}
	}

	res := Result{
		Success:    success,
		HTTPStatus: resp.StatusCode,
		Body:       decoded,
	}
	if !success {
		res.Err = fmt.Errorf("portal responded status=%d success=false", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == 0 {
			// 5xx counts as a breaker failure; 4xx (other than those the
			// caller treats specially) is left to the broker's own
			// attempts-cap policy rather than tripping the breaker.
			return res, res.Err
		}
		return res, nil
	}
	return res, nil
}
