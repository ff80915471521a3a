package transport

import (
	"context"
	"fmt"
)

// Portal wraps Client with the concrete endpoint set from the external
// interfaces table: register/heartbeat/detections/config/update-*. Every
// method shares the one signer and breaker/rate-limit wiring in Client.
type Portal struct {
	client *Client
}

func NewPortal(client *Client) *Portal {
	return &Portal{client: client}
}

func (p *Portal) Register(ctx context.Context, info map[string]any) Result {
	return p.client.Do(ctx, "POST", "/devices/register", info, nil)
}

func (p *Portal) Heartbeat(ctx context.Context, status map[string]any) Result {
	return p.client.Do(ctx, "POST", "/devices/heartbeat", status, nil)
}

// SendDetection delivers a single detection payload, additionally
// carrying X-Message-ID set to the message's id.
func (p *Portal) SendDetection(ctx context.Context, messageID string, payload map[string]any) Result {
	return p.client.Do(ctx, "POST", "/devices/detections", payload, map[string]string{
		"X-Message-ID": messageID,
	})
}

func (p *Portal) SendDetectionBatch(ctx context.Context, payloads []map[string]any) Result {
	return p.client.Do(ctx, "POST", "/devices/detections/batch", map[string]any{"detections": payloads}, nil)
}

func (p *Portal) Health(ctx context.Context) Result {
	return p.client.Do(ctx, "GET", "/api/health", nil, nil)
}

func (p *Portal) GetConfig(ctx context.Context, deviceID string) Result {
	return p.client.Do(ctx, "GET", fmt.Sprintf("/devices/%s/config", deviceID), nil, nil)
}

// UpdateStatus reports an update-check outcome; the server's response may
// carry a pending_command the caller should inspect in Result.Body.
func (p *Portal) UpdateStatus(ctx context.Context, report map[string]any) Result {
	return p.client.Do(ctx, "POST", "/devices/update-status", report, nil)
}

func (p *Portal) UpdateResult(ctx context.Context, report map[string]any) Result {
	return p.client.Do(ctx, "POST", "/devices/update-result", report, nil)
}
