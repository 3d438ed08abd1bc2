package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gatefeed/pipeline-core/internal/credential"
	"github.com/gatefeed/pipeline-core/internal/fetch"
	"github.com/gatefeed/pipeline-core/internal/provider/lemonade"
)

// lemonadePipeline ingests tickets from the OAuth/GraphQL backend.
type lemonadePipeline struct {
	id      string
	opts    *LemonadeOptions
	queues  *fetch.QueueSet
	tokens  *credential.Cache
	atoms   AtomStore
	logger  *slog.Logger
	stopped atomic.Bool
}

func newLemonadePipeline(def *Definition, deps Deps) (*lemonadePipeline, error) {
	opts := def.Options.Lemonade
	if opts == nil {
		return nil, fmt.Errorf("pipeline %s: lemonade options missing", def.ID)
	}
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("pipeline %s: invalid lemonade options: %w", def.ID, err)
	}
	if deps.Queues == nil || deps.Tokens == nil {
		return nil, fmt.Errorf("pipeline %s: fetch queue set and token cache are required", def.ID)
	}

	return &lemonadePipeline{
		id:     def.ID,
		opts:   opts,
		queues: deps.Queues,
		tokens: deps.Tokens,
		atoms:  deps.Atoms,
		logger: deps.logger().With("pipeline", def.ID, "type", TypeLemonade),
	}, nil
}

// client resolves the backend queue fresh on every use, so a queue torn down
// for idleness is recreated rather than stuck aborted.
func (p *lemonadePipeline) client() *lemonade.Client {
	return lemonade.NewClient(lemonade.Config{
		BackendURL: p.opts.BackendURL,
		Credentials: credential.Credentials{
			Issuer:       p.opts.OAuthIssuer,
			ClientID:     p.opts.ClientID,
			ClientSecret: p.opts.ClientSecret,
		},
	}, p.queues.ForOrganizer(p.opts.BackendURL), p.tokens)
}

func (p *lemonadePipeline) ID() string { return p.id }

func (p *lemonadePipeline) Load(ctx context.Context) (*LoadResult, error) {
	if p.stopped.Load() {
		return nil, fmt.Errorf("pipeline %s: instance is stopped", p.id)
	}

	logs := NewLogCollector()
	logs.Info(fmt.Sprintf("loading tickets from %d events", len(p.opts.EventIDs)))

	var atoms []Atom
	expected := 0
	seen := make(map[string]struct{})
	for _, eventID := range p.opts.EventIDs {
		tickets, err := p.client().Tickets(ctx, eventID)
		if err != nil {
			logs.Error(fmt.Sprintf("event %s: %v", eventID, err))
			return &LoadResult{Logs: logs.Logs()}, fmt.Errorf("event %s: %w", eventID, err)
		}
		// Every fetched ticket is expected; tickets dropped during
		// normalization surface as an expected/loaded mismatch.
		expected += len(tickets)
		for _, t := range tickets {
			if t.ID == "" {
				logs.Warn(fmt.Sprintf("event %s: ticket with no id, skipping", eventID))
				continue
			}
			if _, dup := seen[t.ID]; dup {
				logs.Warn(fmt.Sprintf("event %s: duplicate ticket id %s, skipping", eventID, t.ID))
				continue
			}
			seen[t.ID] = struct{}{}
			atoms = append(atoms, Atom{
				ID:         t.ID,
				PipelineID: p.id,
				EventID:    eventID,
				Email:      t.AssignedEmail,
				Data: map[string]any{
					"ticketType":  t.TypeID,
					"ticketTitle": t.TypeTitle,
					"assignedTo":  t.AssignedID,
					"checkedIn":   t.CheckedIn,
				},
			})
		}
		logs.Info(fmt.Sprintf("event %s: %d tickets", eventID, len(tickets)))
	}

	if err := p.atoms.Save(ctx, p.id, atoms); err != nil {
		logs.Error(fmt.Sprintf("saving atoms: %v", err))
		return &LoadResult{Logs: logs.Logs()}, fmt.Errorf("save atoms: %w", err)
	}

	logs.Info(fmt.Sprintf("loaded %d atoms", len(atoms)))
	return &LoadResult{
		AtomsExpected: expected,
		AtomsLoaded:   len(atoms),
		Logs:          logs.Logs(),
	}, nil
}

func (p *lemonadePipeline) Stop() {
	p.stopped.Store(true)
}

func (p *lemonadePipeline) Capabilities() []Capability {
	return []Capability{
		&atomFeed{pipelineID: p.id, atoms: p.atoms},
		&lemonadeCheckin{p: p},
		&atomSemaphoreGroups{pipelineID: p.id, atoms: p.atoms, eventIDs: p.opts.EventIDs},
	}
}

// lemonadeCheckin performs upstream check-in through the GraphQL mutation.
type lemonadeCheckin struct {
	p *lemonadePipeline
}

func (c *lemonadeCheckin) Type() CapabilityType { return CapabilityCheckin }

func (c *lemonadeCheckin) CanHandleEvent(eventID string) bool {
	for _, id := range c.p.opts.EventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

func (c *lemonadeCheckin) PreCheck(ctx context.Context, req *CheckinRequest) (*CheckinResult, error) {
	atom, err := findAtom(ctx, c.p.atoms, c.p.id, req.AtomID)
	if err != nil {
		return nil, err
	}
	if atom == nil {
		return &CheckinResult{Allowed: false, Reason: "ticket not found"}, nil
	}
	if checkedIn, _ := atom.Data["checkedIn"].(bool); checkedIn {
		return &CheckinResult{Allowed: false, Reason: "already checked in"}, nil
	}
	return &CheckinResult{Allowed: true}, nil
}

func (c *lemonadeCheckin) Checkin(ctx context.Context, req *CheckinRequest) (*CheckinResult, error) {
	pre, err := c.PreCheck(ctx, req)
	if err != nil || !pre.Allowed {
		return pre, err
	}
	atom, err := findAtom(ctx, c.p.atoms, c.p.id, req.AtomID)
	if err != nil {
		return nil, err
	}
	userID, _ := atom.Data["assignedTo"].(string)
	if err := c.p.client().CheckinUser(ctx, req.EventID, userID); err != nil {
		return nil, err
	}
	return &CheckinResult{Allowed: true}, nil
}
