// Package alerting turns load outcomes into incident pages and chat
// notifications. The design is edge-triggered: a pipeline transitions
// Healthy -> Alerting when a load warrants an alert and back on the next
// clean load, so a resolution notice fires exactly once per failure episode.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gatefeed/pipeline-core/internal/pipeline"
)

// DefaultCooldown is the minimum gap between chat notifications for one
// pipeline, preventing notification storms on repeated failures.
const DefaultCooldown = 10 * time.Minute

// State is the alert state of one pipeline.
type State int

const (
	StateHealthy State = iota
	StateAlerting
)

// Status is the per-pipeline alert state carried on the executor's slot.
type Status struct {
	State        State
	IncidentID   string
	LastNotified time.Time
}

// ShouldAlert computes whether a load outcome warrants alerting under the
// given policy. Pure function; nil policy never alerts.
func ShouldAlert(policy *pipeline.AlertPolicy, summary *pipeline.LoadSummary) bool {
	if policy == nil || summary == nil {
		return false
	}
	if !summary.Success {
		return true
	}
	if policy.AlertOnError && summary.ErrorLogCount() >= 1 {
		return true
	}
	if policy.AlertOnWarning && summary.WarningLogCount() >= 1 {
		return true
	}
	if policy.AlertOnAtomMismatch && summary.AtomsLoaded != summary.AtomsExpected {
		return true
	}
	return false
}

// IncidentPager opens and resolves paging incidents. Trigger is idempotent
// per dedup key: re-triggering an open key must not open a second incident.
type IncidentPager interface {
	Trigger(ctx context.Context, title, body, dedupKey string) (incidentID string, err error)
	Resolve(ctx context.Context, dedupKey string) error
}

// ChatSender posts a notification message to a chat channel.
type ChatSender interface {
	Send(ctx context.Context, message string) error
}

// Alerter evaluates summaries against policies and drives the sinks. Sink
// failures are logged and swallowed; alerting is best-effort and never fails
// a load.
type Alerter struct {
	pager    IncidentPager
	chat     ChatSender
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an alerter. Either sink may be nil, disabling that channel.
func New(pager IncidentPager, chat ChatSender, logger *slog.Logger) *Alerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerter{
		pager:    pager,
		chat:     chat,
		cooldown: DefaultCooldown,
		logger:   logger,
		now:      time.Now,
	}
}

// WithCooldown overrides the chat notification cooldown (tests).
func (a *Alerter) WithCooldown(d time.Duration) *Alerter {
	a.cooldown = d
	return a
}

// WithClock overrides the clock (tests).
func (a *Alerter) WithClock(now func() time.Time) *Alerter {
	a.now = now
	return a
}

// Evaluate applies the policy to one load outcome and advances the
// pipeline's alert status in place. The dedup key for paging is the pipeline
// id, so repeated failures fold into one open incident.
func (a *Alerter) Evaluate(ctx context.Context, pipelineID string, policy *pipeline.AlertPolicy, summary *pipeline.LoadSummary, status *Status) {
	if ShouldAlert(policy, summary) {
		a.raise(ctx, pipelineID, policy, summary, status)
		return
	}
	a.resolve(ctx, pipelineID, policy, status)
}

func (a *Alerter) raise(ctx context.Context, pipelineID string, policy *pipeline.AlertPolicy, summary *pipeline.LoadSummary, status *Status) {
	status.State = StateAlerting

	if policy.PagerEnabled && a.pager != nil {
		title := fmt.Sprintf("pipeline %s load needs attention", pipelineID)
		body := alertBody(summary)
		id, err := a.pager.Trigger(ctx, title, body, pipelineID)
		if err != nil {
			a.logger.Error("triggering incident", "pipeline", pipelineID, "error", err)
		} else if id != "" {
			status.IncidentID = id
		}
	}

	if policy.ChatEnabled && a.chat != nil {
		if a.now().Sub(status.LastNotified) < a.cooldown {
			return
		}
		msg := fmt.Sprintf("pipeline %s: %s", pipelineID, alertBody(summary))
		if err := a.chat.Send(ctx, msg); err != nil {
			a.logger.Error("sending chat alert", "pipeline", pipelineID, "error", err)
			return
		}
		status.LastNotified = a.now()
	}
}

func (a *Alerter) resolve(ctx context.Context, pipelineID string, policy *pipeline.AlertPolicy, status *Status) {
	if status.State != StateAlerting {
		return
	}
	status.State = StateHealthy
	status.IncidentID = ""
	status.LastNotified = time.Time{}

	if policy != nil && policy.PagerEnabled && a.pager != nil {
		if err := a.pager.Resolve(ctx, pipelineID); err != nil {
			a.logger.Error("resolving incident", "pipeline", pipelineID, "error", err)
		}
	}
	if policy != nil && policy.ChatEnabled && a.chat != nil {
		msg := fmt.Sprintf("pipeline %s recovered", pipelineID)
		if err := a.chat.Send(ctx, msg); err != nil {
			a.logger.Error("sending recovery notice", "pipeline", pipelineID, "error", err)
		}
	}
}

func alertBody(summary *pipeline.LoadSummary) string {
	if summary.Error != "" {
		return fmt.Sprintf("load failed: %s", summary.Error)
	}
	if !summary.Success {
		return "load failed"
	}
	return fmt.Sprintf("load finished with %d errors, %d warnings, %d/%d atoms",
		summary.ErrorLogCount(), summary.WarningLogCount(),
		summary.AtomsLoaded, summary.AtomsExpected)
}
