// Package pretix fetches events, orders and check-in lists from a Pretix-style
// REST backend. All requests go through the per-organizer fetch queue; pages
// are schema-validated before use so a malformed page aborts the whole fetch
// instead of silently yielding partial data.
package pretix

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/gatefeed/pipeline-core/internal/fetch"
)

// Config configures one Pretix organizer connection.
type Config struct {
	BaseURL      string
	APIToken     string
	OrganizerKey string
}

// validate checks fetched page elements against their declared tags.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Client is a Pretix API client bound to one organizer. Clients are cheap;
// callers construct one per fetch pass against a freshly resolved queue.
type Client struct {
	cfg   Config
	queue *fetch.Queue
}

// NewClient creates a client that issues requests through the given queue.
func NewClient(cfg Config, queue *fetch.Queue) *Client {
	return &Client{cfg: cfg, queue: queue}
}

// Event is one event under the organizer.
type Event struct {
	Slug string            `json:"slug" validate:"required"`
	Name map[string]string `json:"name"`
	Live bool              `json:"live"`
}

// Order is one placed order with its ticket positions.
type Order struct {
	Code      string     `json:"code" validate:"required"`
	Status    string     `json:"status" validate:"required,oneof=n p e c r"`
	Email     string     `json:"email"`
	Testmode  bool       `json:"testmode"`
	Positions []Position `json:"positions" validate:"dive"`
}

// Position is one ticket within an order.
type Position struct {
	ID             int64     `json:"id" validate:"required"`
	Item           int64     `json:"item" validate:"required"`
	AttendeeName   string    `json:"attendee_name"`
	AttendeeEmail  string    `json:"attendee_email"`
	Secret         string    `json:"secret" validate:"required"`
	SubEvent       int64     `json:"subevent"`
	CheckinEntries []Checkin `json:"checkins"`
}

// Checkin is one recorded check-in for a position.
type Checkin struct {
	List     int64  `json:"list" validate:"required"`
	Datetime string `json:"datetime" validate:"required"`
}

// page is the standard Pretix list envelope: a `next` URL plus results.
type page[T any] struct {
	Next    *string `json:"next"`
	Results []T     `json:"results"`
}

// FetchEvents lists all events for the organizer.
func (c *Client) FetchEvents(ctx context.Context) ([]Event, error) {
	url := fmt.Sprintf("%s/organizers/%s/events/", c.cfg.BaseURL, c.cfg.OrganizerKey)
	return fetchPaged[Event](ctx, c, url, "event")
}

// FetchOrders lists all orders for one event, including positions.
func (c *Client) FetchOrders(ctx context.Context, eventSlug string) ([]Order, error) {
	url := fmt.Sprintf("%s/organizers/%s/events/%s/orders/", c.cfg.BaseURL, c.cfg.OrganizerKey, eventSlug)
	return fetchPaged[Order](ctx, c, url, "order")
}

// fetchPaged follows the `next` cursor until exhausted, validating every
// element of every page. Any invalid element fails the whole fetch.
func fetchPaged[T any](ctx context.Context, c *Client, firstURL, kind string) ([]T, error) {
	var out []T
	next := firstURL
	for next != "" {
		resp, err := c.queue.Do(ctx, &fetch.Request{
			Method: http.MethodGet,
			URL:    next,
			Headers: map[string]string{
				"Authorization": "Token " + c.cfg.APIToken,
				"Accept":        "application/json",
			},
		})
		if err != nil {
			return nil, fmt.Errorf("fetch %s page: %w", kind, err)
		}

		var pg page[T]
		if err := resp.JSON(&pg); err != nil {
			return nil, fmt.Errorf("parse %s page: %w", kind, err)
		}
		for i := range pg.Results {
			if err := validate.Struct(&pg.Results[i]); err != nil {
				return nil, fmt.Errorf("invalid %s at index %d of page %s: %w", kind, i, next, err)
			}
		}
		out = append(out, pg.Results...)

		if pg.Next == nil {
			break
		}
		next = *pg.Next
	}
	return out, nil
}
