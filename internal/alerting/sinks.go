package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// sinkTimeout bounds every outgoing alert call; a slow sink must not hold up
// the load path it is invoked from.
const sinkTimeout = 10 * time.Second

// EventsPager implements IncidentPager against an events-API style paging
// service: one POST per trigger/resolve carrying a routing key and a dedup
// key.
type EventsPager struct {
	EndpointURL string
	RoutingKey  string
	HTTPClient  *http.Client
}

var _ IncidentPager = (*EventsPager)(nil)

type eventsPayload struct {
	RoutingKey  string         `json:"routing_key"`
	EventAction string         `json:"event_action"`
	DedupKey    string         `json:"dedup_key"`
	Payload     *eventsDetails `json:"payload,omitempty"`
}

type eventsDetails struct {
	Summary  string `json:"summary"`
	Source   string `json:"source"`
	Severity string `json:"severity"`
	Details  string `json:"custom_details,omitempty"`
}

func (p *EventsPager) post(ctx context.Context, payload eventsPayload) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.EndpointURL, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("pager returned HTTP %d: %s", resp.StatusCode, body)
	}

	var ack struct {
		DedupKey string `json:"dedup_key"`
	}
	_ = json.Unmarshal(body, &ack)
	return ack.DedupKey, nil
}

// Trigger opens (or re-touches) the incident for the dedup key.
func (p *EventsPager) Trigger(ctx context.Context, title, body, dedupKey string) (string, error) {
	return p.post(ctx, eventsPayload{
		RoutingKey:  p.RoutingKey,
		EventAction: "trigger",
		DedupKey:    dedupKey,
		Payload: &eventsDetails{
			Summary:  title,
			Source:   "pipeline-core",
			Severity: "error",
			Details:  body,
		},
	})
}

// Resolve closes the incident for the dedup key.
func (p *EventsPager) Resolve(ctx context.Context, dedupKey string) error {
	_, err := p.post(ctx, eventsPayload{
		RoutingKey:  p.RoutingKey,
		EventAction: "resolve",
		DedupKey:    dedupKey,
	})
	return err
}

// WebhookChat implements ChatSender against a Discord-style webhook.
type WebhookChat struct {
	WebhookURL string
	HTTPClient *http.Client
}

var _ ChatSender = (*WebhookChat)(nil)

// Send posts one message to the webhook.
func (c *WebhookChat) Send(ctx context.Context, message string) error {
	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	raw, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.WebhookURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("chat webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
