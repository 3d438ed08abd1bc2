package alerting

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gatefeed/pipeline-core/internal/pipeline"
)

// fakePager records triggers and resolves per dedup key.
type fakePager struct {
	triggers []string
	resolves []string
}

func (p *fakePager) Trigger(ctx context.Context, title, body, dedupKey string) (string, error) {
	p.triggers = append(p.triggers, dedupKey)
	return "inc-" + dedupKey, nil
}

func (p *fakePager) Resolve(ctx context.Context, dedupKey string) error {
	p.resolves = append(p.resolves, dedupKey)
	return nil
}

// fakeChat records sent messages.
type fakeChat struct {
	messages []string
}

func (c *fakeChat) Send(ctx context.Context, message string) error {
	c.messages = append(c.messages, message)
	return nil
}

func failedSummary() *pipeline.LoadSummary {
	return &pipeline.LoadSummary{Success: false, Error: "backend unreachable"}
}

func cleanSummary() *pipeline.LoadSummary {
	return &pipeline.LoadSummary{Success: true, AtomsExpected: 5, AtomsLoaded: 5}
}

func fullPolicy() *pipeline.AlertPolicy {
	return &pipeline.AlertPolicy{PagerEnabled: true, ChatEnabled: true}
}

func TestShouldAlert(t *testing.T) {
	cases := []struct {
		name    string
		policy  *pipeline.AlertPolicy
		summary *pipeline.LoadSummary
		want    bool
	}{
		{"nil policy never alerts", nil, failedSummary(), false},
		{"failure always alerts", fullPolicy(), failedSummary(), true},
		{"clean success does not alert", fullPolicy(), cleanSummary(), false},
		{
			"error log alerts when enabled",
			&pipeline.AlertPolicy{AlertOnError: true},
			&pipeline.LoadSummary{Success: true, Logs: []pipeline.SummaryLog{
				{Level: pipeline.LogLevelError, Message: "boom"},
			}},
			true,
		},
		{
			"error log ignored when disabled",
			&pipeline.AlertPolicy{},
			&pipeline.LoadSummary{Success: true, Logs: []pipeline.SummaryLog{
				{Level: pipeline.LogLevelError, Message: "boom"},
			}},
			false,
		},
		{
			"warning log alerts when enabled",
			&pipeline.AlertPolicy{AlertOnWarning: true},
			&pipeline.LoadSummary{Success: true, Logs: []pipeline.SummaryLog{
				{Level: pipeline.LogLevelWarning, Message: "odd"},
			}},
			true,
		},
		{
			"atom mismatch alerts when enabled",
			&pipeline.AlertPolicy{AlertOnAtomMismatch: true},
			&pipeline.LoadSummary{Success: true, AtomsExpected: 10, AtomsLoaded: 8},
			true,
		},
		{
			"atom mismatch ignored when disabled",
			&pipeline.AlertPolicy{},
			&pipeline.LoadSummary{Success: true, AtomsExpected: 10, AtomsLoaded: 8},
			false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldAlert(tc.policy, tc.summary); got != tc.want {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestAlerterEvaluate(t *testing.T) {
	t.Run("failure pages and notifies once", func(t *testing.T) {
		pager := &fakePager{}
		chat := &fakeChat{}
		a := New(pager, chat, nil)
		var status Status

		a.Evaluate(context.Background(), "p1", fullPolicy(), failedSummary(), &status)

		if status.State != StateAlerting {
			t.Error("expected alerting state")
		}
		if len(pager.triggers) != 1 || pager.triggers[0] != "p1" {
			t.Errorf("expected one trigger for p1, got %v", pager.triggers)
		}
		if len(chat.messages) != 1 {
			t.Errorf("expected one chat message, got %d", len(chat.messages))
		}
	})

	t.Run("chat is cooled down, pager is not", func(t *testing.T) {
		pager := &fakePager{}
		chat := &fakeChat{}
		now := time.Now()
		a := New(pager, chat, nil).WithClock(func() time.Time { return now })
		var status Status

		for i := 0; i < 3; i++ {
			a.Evaluate(context.Background(), "p1", fullPolicy(), failedSummary(), &status)
			now = now.Add(time.Minute)
		}

		// Pager dedups by key upstream, so every failure re-triggers.
		if len(pager.triggers) != 3 {
			t.Errorf("expected 3 triggers, got %d", len(pager.triggers))
		}
		// Three failures within the 10 minute cooldown: one chat message.
		if len(chat.messages) != 1 {
			t.Errorf("expected 1 chat message within cooldown, got %d", len(chat.messages))
		}

		now = now.Add(DefaultCooldown)
		a.Evaluate(context.Background(), "p1", fullPolicy(), failedSummary(), &status)
		if len(chat.messages) != 2 {
			t.Errorf("expected a second message after cooldown, got %d", len(chat.messages))
		}
	})

	t.Run("recovery resolves exactly once", func(t *testing.T) {
		pager := &fakePager{}
		chat := &fakeChat{}
		a := New(pager, chat, nil)
		var status Status

		a.Evaluate(context.Background(), "p1", fullPolicy(), failedSummary(), &status)
		a.Evaluate(context.Background(), "p1", fullPolicy(), cleanSummary(), &status)
		a.Evaluate(context.Background(), "p1", fullPolicy(), cleanSummary(), &status)

		if status.State != StateHealthy {
			t.Error("expected healthy state after recovery")
		}
		if len(pager.resolves) != 1 {
			t.Errorf("expected exactly one resolve, got %d", len(pager.resolves))
		}
		recoveries := 0
		for _, m := range chat.messages {
			if strings.Contains(m, "recovered") {
				recoveries++
			}
		}
		if recoveries != 1 {
			t.Errorf("expected exactly one recovery notice, got %d", recoveries)
		}
	})

	t.Run("healthy pipeline staying healthy is silent", func(t *testing.T) {
		pager := &fakePager{}
		chat := &fakeChat{}
		a := New(pager, chat, nil)
		var status Status

		for i := 0; i < 3; i++ {
			a.Evaluate(context.Background(), "p1", fullPolicy(), cleanSummary(), &status)
		}
		if len(pager.triggers) != 0 || len(pager.resolves) != 0 || len(chat.messages) != 0 {
			t.Error("expected no sink activity for a healthy pipeline")
		}
	})

	t.Run("disabled channels stay quiet", func(t *testing.T) {
		pager := &fakePager{}
		chat := &fakeChat{}
		a := New(pager, chat, nil)
		var status Status

		policy := &pipeline.AlertPolicy{} // neither channel enabled
		a.Evaluate(context.Background(), "p1", policy, failedSummary(), &status)

		if status.State != StateAlerting {
			t.Error("state still tracks even with channels disabled")
		}
		if len(pager.triggers) != 0 || len(chat.messages) != 0 {
			t.Error("disabled channels must not fire")
		}
	})

	t.Run("nil sinks are tolerated", func(t *testing.T) {
		a := New(nil, nil, nil)
		var status Status
		a.Evaluate(context.Background(), "p1", fullPolicy(), failedSummary(), &status)
		a.Evaluate(context.Background(), "p1", fullPolicy(), cleanSummary(), &status)
		if status.State != StateHealthy {
			t.Error("state machine must run without sinks")
		}
	})
}
