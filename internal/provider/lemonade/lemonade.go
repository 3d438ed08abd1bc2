// Package lemonade fetches tickets from a Lemonade-style GraphQL backend.
// Authentication is a bearer token obtained from the credential cache via the
// client-credentials grant; pagination is skip/limit, accumulating until a
// short page.
package lemonade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gatefeed/pipeline-core/internal/credential"
	"github.com/gatefeed/pipeline-core/internal/fetch"
)

// DefaultPageLimit is how many records one GraphQL page requests.
const DefaultPageLimit = 200

// Config configures one Lemonade backend connection.
type Config struct {
	BackendURL  string
	Credentials credential.Credentials
}

// Client is a Lemonade GraphQL client. Every query goes through the
// per-organizer fetch queue.
type Client struct {
	cfg    Config
	queue  *fetch.Queue
	tokens *credential.Cache
}

// NewClient creates a client that issues requests through the given queue and
// authenticates via the token cache.
func NewClient(cfg Config, queue *fetch.Queue, tokens *credential.Cache) *Client {
	return &Client{cfg: cfg, queue: queue, tokens: tokens}
}

// Ticket is one issued ticket as returned by the backend.
type Ticket struct {
	ID            string `json:"_id"`
	TypeID        string `json:"type"`
	TypeTitle     string `json:"type_title"`
	AssignedEmail string `json:"assigned_email"`
	AssignedID    string `json:"assigned_to"`
	AccentColor   string `json:"accent_color"`
	CheckedIn     bool   `json:"checkin_date_set"`
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

// query executes one GraphQL request and unmarshals the data payload.
func (c *Client) query(ctx context.Context, query string, vars map[string]any, out any) error {
	token, err := c.tokens.Token(ctx, c.cfg.Credentials)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}

	payload, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("marshal query: %w", err)
	}

	resp, err := c.queue.Do(ctx, &fetch.Request{
		Method: http.MethodPost,
		URL:    c.cfg.BackendURL,
		Body:   bytes.NewReader(payload),
		Headers: map[string]string{
			"Authorization": "Bearer " + token,
			"Content-Type":  "application/json",
		},
	})
	if err != nil {
		return fmt.Errorf("graphql request: %w", err)
	}

	var gql graphQLResponse
	if err := resp.JSON(&gql); err != nil {
		return fmt.Errorf("parse graphql response: %w", err)
	}
	if len(gql.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", gql.Errors[0].Message)
	}
	return json.Unmarshal(gql.Data, out)
}

// Paginate issues successive {skip, limit} queries until a page returns fewer
// than limit items.
func Paginate[T any](ctx context.Context, limit int, fn func(ctx context.Context, skip, limit int) ([]T, error)) ([]T, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	var out []T
	for skip := 0; ; skip += limit {
		pg, err := fn(ctx, skip, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, pg...)
		if len(pg) < limit {
			return out, nil
		}
	}
}

const ticketsQuery = `
query GetTickets($eventId: ID!, $skip: Int!, $limit: Int!) {
  getTickets(event: $eventId, skip: $skip, limit: $limit) {
    _id
    type
    type_title
    assigned_email
    assigned_to
    accent_color
    checkin_date_set
  }
}`

// Tickets fetches every ticket for one event.
func (c *Client) Tickets(ctx context.Context, eventID string) ([]Ticket, error) {
	return Paginate(ctx, DefaultPageLimit, func(ctx context.Context, skip, limit int) ([]Ticket, error) {
		var data struct {
			GetTickets []Ticket `json:"getTickets"`
		}
		err := c.query(ctx, ticketsQuery, map[string]any{
			"eventId": eventID,
			"skip":    skip,
			"limit":   limit,
		}, &data)
		if err != nil {
			return nil, fmt.Errorf("tickets for event %s: %w", eventID, err)
		}
		return data.GetTickets, nil
	})
}

const checkinMutation = `
mutation CheckinUser($eventId: ID!, $userId: ID!) {
  checkinUser(event: $eventId, user: $userId) {
    _id
    checkin_date_set
  }
}`

// CheckinUser marks a user checked in upstream. This is the one intentionally
// non-idempotent call; it is never part of the load path.
func (c *Client) CheckinUser(ctx context.Context, eventID, userID string) error {
	var data struct {
		CheckinUser *Ticket `json:"checkinUser"`
	}
	if err := c.query(ctx, checkinMutation, map[string]any{
		"eventId": eventID,
		"userId":  userID,
	}, &data); err != nil {
		return fmt.Errorf("checkin user %s: %w", userID, err)
	}
	return nil
}
