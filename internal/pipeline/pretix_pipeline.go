package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/gatefeed/pipeline-core/internal/fetch"
	"github.com/gatefeed/pipeline-core/internal/provider/pretix"
)

// pretixPipeline ingests paid order positions from the token/REST backend.
type pretixPipeline struct {
	id      string
	opts    *PretixOptions
	queues  *fetch.QueueSet
	atoms   AtomStore
	logger  *slog.Logger
	stopped atomic.Bool
}

func newPretixPipeline(def *Definition, deps Deps) (*pretixPipeline, error) {
	opts := def.Options.Pretix
	if opts == nil {
		return nil, fmt.Errorf("pipeline %s: pretix options missing", def.ID)
	}
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("pipeline %s: invalid pretix options: %w", def.ID, err)
	}
	if deps.Queues == nil {
		return nil, fmt.Errorf("pipeline %s: fetch queue set is required", def.ID)
	}

	return &pretixPipeline{
		id:     def.ID,
		opts:   opts,
		queues: deps.Queues,
		atoms:  deps.Atoms,
		logger: deps.logger().With("pipeline", def.ID, "type", TypePretix),
	}, nil
}

// client resolves the organizer queue fresh on every use, so a queue torn
// down for idleness is recreated rather than stuck aborted.
func (p *pretixPipeline) client() *pretix.Client {
	return pretix.NewClient(pretix.Config{
		BaseURL:      p.opts.BaseURL,
		APIToken:     p.opts.APIToken,
		OrganizerKey: p.opts.OrganizerKey,
	}, p.queues.ForOrganizer(p.opts.BaseURL+"/"+p.opts.OrganizerKey))
}

func (p *pretixPipeline) ID() string { return p.id }

func (p *pretixPipeline) Load(ctx context.Context) (*LoadResult, error) {
	if p.stopped.Load() {
		return nil, fmt.Errorf("pipeline %s: instance is stopped", p.id)
	}

	logs := NewLogCollector()
	logs.Info(fmt.Sprintf("loading orders from %d events", len(p.opts.EventSlugs)))

	var atoms []Atom
	expected := 0
	seen := make(map[string]struct{})
	for _, slug := range p.opts.EventSlugs {
		orders, err := p.client().FetchOrders(ctx, slug)
		if err != nil {
			logs.Error(fmt.Sprintf("event %s: %v", slug, err))
			return &LoadResult{Logs: logs.Logs()}, fmt.Errorf("event %s: %w", slug, err)
		}

		count := 0
		for _, order := range orders {
			if order.Testmode {
				logs.Warn(fmt.Sprintf("event %s: skipping test-mode order %s", slug, order.Code))
				continue
			}
			if order.Status != "p" {
				continue
			}
			// Every position of a paid order is expected; normalization skips
			// below show up as an expected/loaded mismatch.
			expected += len(order.Positions)
			for _, pos := range order.Positions {
				if _, dup := seen[pos.Secret]; dup {
					logs.Warn(fmt.Sprintf("event %s: duplicate ticket secret on order %s, skipping", slug, order.Code))
					continue
				}
				seen[pos.Secret] = struct{}{}
				email := pos.AttendeeEmail
				if email == "" {
					email = order.Email
				}
				atoms = append(atoms, Atom{
					ID:         pos.Secret,
					PipelineID: p.id,
					EventID:    slug,
					Email:      email,
					Data: map[string]any{
						"orderCode":    order.Code,
						"positionId":   strconv.FormatInt(pos.ID, 10),
						"product":      strconv.FormatInt(pos.Item, 10),
						"attendeeName": pos.AttendeeName,
						"checkedIn":    len(pos.CheckinEntries) > 0,
					},
				})
				count++
			}
		}
		logs.Info(fmt.Sprintf("event %s: %d positions from %d orders", slug, count, len(orders)))
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

func (p *pretixPipeline) Stop() {
	p.stopped.Store(true)
}

func (p *pretixPipeline) Capabilities() []Capability {
	return []Capability{
		&atomFeed{pipelineID: p.id, atoms: p.atoms},
		&pretixCheckin{p: p},
		&atomSemaphoreGroups{pipelineID: p.id, atoms: p.atoms, eventIDs: p.opts.EventSlugs},
	}
}

// pretixCheckin validates check-in against the locally loaded atoms. The
// consumed state reaches the upstream on the next load cycle; double check-in
// within one cycle is refused from atom data.
type pretixCheckin struct {
	p *pretixPipeline
}

func (c *pretixCheckin) Type() CapabilityType { return CapabilityCheckin }

func (c *pretixCheckin) CanHandleEvent(eventID string) bool {
	for _, slug := range c.p.opts.EventSlugs {
		if slug == eventID {
			return true
		}
	}
	return false
}

func (c *pretixCheckin) PreCheck(ctx context.Context, req *CheckinRequest) (*CheckinResult, error) {
	atom, err := findAtom(ctx, c.p.atoms, c.p.id, req.AtomID)
	if err != nil {
		return nil, err
	}
	if atom == nil {
		return &CheckinResult{Allowed: false, Reason: "ticket not found"}, nil
	}
	if atom.EventID != req.EventID {
		return &CheckinResult{Allowed: false, Reason: "ticket is for a different event"}, nil
	}
	if checkedIn, _ := atom.Data["checkedIn"].(bool); checkedIn {
		return &CheckinResult{Allowed: false, Reason: "already checked in"}, nil
	}
	return &CheckinResult{Allowed: true}, nil
}

func (c *pretixCheckin) Checkin(ctx context.Context, req *CheckinRequest) (*CheckinResult, error) {
	return c.PreCheck(ctx, req)
}
