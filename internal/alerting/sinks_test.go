package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEventsPager(t *testing.T) {
	var got eventsPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"dedup_key": got.DedupKey})
	}))
	t.Cleanup(srv.Close)

	p := &EventsPager{EndpointURL: srv.URL, RoutingKey: "rk-1"}

	t.Run("trigger posts the incident", func(t *testing.T) {
		id, err := p.Trigger(context.Background(), "title", "body", "p1")
		if err != nil {
			t.Fatal(err)
		}
		if id != "p1" {
			t.Errorf("expected echoed dedup key, got %q", id)
		}
		if got.RoutingKey != "rk-1" || got.EventAction != "trigger" || got.DedupKey != "p1" {
			t.Errorf("unexpected payload: %+v", got)
		}
		if got.Payload == nil || got.Payload.Summary != "title" {
			t.Errorf("unexpected details: %+v", got.Payload)
		}
	})

	t.Run("resolve posts the resolve action", func(t *testing.T) {
		if err := p.Resolve(context.Background(), "p1"); err != nil {
			t.Fatal(err)
		}
		if got.EventAction != "resolve" || got.DedupKey != "p1" {
			t.Errorf("unexpected payload: %+v", got)
		}
	})

	t.Run("non-2xx is an error", func(t *testing.T) {
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		t.Cleanup(bad.Close)
		q := &EventsPager{EndpointURL: bad.URL, RoutingKey: "rk-1"}
		if _, err := q.Trigger(context.Background(), "t", "b", "p1"); err == nil {
			t.Error("expected error for HTTP 502")
		}
	})
}

func TestWebhookChat(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	c := &WebhookChat{WebhookURL: srv.URL}
	if err := c.Send(context.Background(), "pipeline p1 recovered"); err != nil {
		t.Fatal(err)
	}
	if got["content"] != "pipeline p1 recovered" {
		t.Errorf("unexpected body: %v", got)
	}
}
