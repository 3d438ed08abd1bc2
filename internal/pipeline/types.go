// Package pipeline defines the core data model for ticketing pipelines:
// definitions, normalized atoms, load summaries, and the running-instance
// contract. Concrete instances for each provider live alongside in this
// package; the executor schedules them.
package pipeline

import (
	"context"
	"sync"
	"time"
)

// Type identifies which provider a pipeline ingests from.
type Type string

const (
	// TypeLemonade is the OAuth/GraphQL ticketing backend.
	TypeLemonade Type = "lemonade"
	// TypePretix is the token-authenticated REST ticketing backend.
	TypePretix Type = "pretix"
	// TypeCSV is user-uploaded tabular data; no upstream fetch.
	TypeCSV Type = "csv"
)

// Definition is the stored configuration for one pipeline. It is immutable
// between edits; the executor re-reads it from the definition store on every
// restart.
type Definition struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	OwnerUserID   string    `json:"ownerUserId"`
	EditorUserIDs []string  `json:"editorUserIds,omitempty"`
	Options       Options   `json:"options"`
	TimeCreated   time.Time `json:"timeCreated"`
	TimeUpdated   time.Time `json:"timeUpdated"`
}

// Editable reports whether the given user may edit this definition.
func (d *Definition) Editable(userID string) bool {
	if userID == d.OwnerUserID {
		return true
	}
	for _, id := range d.EditorUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Options carries the per-type configuration. Exactly one of the provider
// sections should be set, matching Type.
type Options struct {
	Paused   bool             `json:"paused,omitempty"`
	Alerts   *AlertPolicy     `json:"alerts,omitempty"`
	Lemonade *LemonadeOptions `json:"lemonade,omitempty"`
	Pretix   *PretixOptions   `json:"pretix,omitempty"`
	CSV      *CSVOptions      `json:"csv,omitempty"`
}

// LemonadeOptions configures the OAuth/GraphQL provider.
type LemonadeOptions struct {
	BackendURL   string   `json:"backendUrl" validate:"required,url"`
	OAuthIssuer  string   `json:"oauthIssuer" validate:"required,url"`
	ClientID     string   `json:"clientId" validate:"required"`
	ClientSecret string   `json:"clientSecret" validate:"required"`
	EventIDs     []string `json:"eventIds" validate:"min=1"`
}

// PretixOptions configures the token/REST provider.
type PretixOptions struct {
	BaseURL      string   `json:"baseUrl" validate:"required,url"`
	APIToken     string   `json:"apiToken" validate:"required"`
	OrganizerKey string   `json:"organizerKey" validate:"required"`
	EventSlugs   []string `json:"eventSlugs" validate:"min=1"`
}

// CSVOptions configures the tabular pipeline: the uploaded blob plus the
// per-output-column rules applied at issuance time.
type CSVOptions struct {
	CSV           string                  `json:"csv" validate:"required"`
	OutputColumns map[string]OutputColumn `json:"outputColumns,omitempty" validate:"omitempty,dive"`
}

// OutputColumn describes how one issued entry is produced from a row and the
// requesting user.
type OutputColumn struct {
	// Source is one of "configured", "input", "credentialEmail",
	// "credentialSemaphoreID".
	Source string `json:"source" validate:"required,oneof=configured input credentialEmail credentialSemaphoreID"`
	// Type is the value type: "string", "int", "boolean" or "cryptographic".
	Type string `json:"type" validate:"required,oneof=string int boolean cryptographic"`
	// Value is the literal for "configured" sources.
	Value string `json:"value,omitempty"`
	// InputColumn names the CSV column for "input" sources.
	InputColumn string `json:"inputColumn,omitempty"`
}

// AlertPolicy controls when a load outcome pages or notifies.
type AlertPolicy struct {
	PagerEnabled   bool `json:"pagerEnabled,omitempty"`
	ChatEnabled    bool `json:"chatEnabled,omitempty"`
	AlertOnError   bool `json:"alertOnError,omitempty"`
	AlertOnWarning bool `json:"alertOnWarning,omitempty"`
	// AlertOnAtomMismatch fires when atoms loaded != atoms expected.
	AlertOnAtomMismatch bool `json:"alertOnAtomMismatch,omitempty"`
}

// Atom is the normalized, issuable unit produced by a load. Atoms for a
// pipeline are replaced wholesale on every successful load.
type Atom struct {
	ID         string         `json:"id"`
	PipelineID string         `json:"pipelineId"`
	EventID    string         `json:"eventId,omitempty"`
	Email      string         `json:"email,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// LogLevel classifies a summary log line.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// SummaryLog is one operator-visible line captured during a load.
type SummaryLog struct {
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// LoadSummary records the outcome of one load attempt. Only the latest
// summary is retained per pipeline in the definition store.
type LoadSummary struct {
	StartedAt     time.Time    `json:"startedAt"`
	FinishedAt    time.Time    `json:"finishedAt"`
	Success       bool         `json:"success"`
	AtomsExpected int          `json:"atomsExpected"`
	AtomsLoaded   int          `json:"atomsLoaded"`
	Logs          []SummaryLog `json:"logs,omitempty"`
	Error         string       `json:"error,omitempty"`
	FromCache     bool         `json:"fromCache,omitempty"`
	Paused        bool         `json:"paused,omitempty"`
}

// ErrorLogCount returns the number of error-level log lines.
func (s *LoadSummary) ErrorLogCount() int { return s.countLevel(LogLevelError) }

// WarningLogCount returns the number of warning-level log lines.
func (s *LoadSummary) WarningLogCount() int { return s.countLevel(LogLevelWarning) }

func (s *LoadSummary) countLevel(level LogLevel) int {
	n := 0
	for _, l := range s.Logs {
		if l.Level == level {
			n++
		}
	}
	return n
}

// LogCollector accumulates ordered summary log lines during a load. Safe for
// concurrent use; adapters may log from per-event goroutines.
type LogCollector struct {
	mu   sync.Mutex
	logs []SummaryLog
	now  func() time.Time
}

// NewLogCollector creates an empty collector.
func NewLogCollector() *LogCollector {
	return &LogCollector{now: time.Now}
}

func (c *LogCollector) append(level LogLevel, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, SummaryLog{Level: level, Message: msg, Timestamp: c.now()})
}

// Info records an informational line.
func (c *LogCollector) Info(msg string) { c.append(LogLevelInfo, msg) }

// Warn records a warning line.
func (c *LogCollector) Warn(msg string) { c.append(LogLevelWarning, msg) }

// Error records an error line.
func (c *LogCollector) Error(msg string) { c.append(LogLevelError, msg) }

// Logs returns a copy of the collected lines in order.
func (c *LogCollector) Logs() []SummaryLog {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SummaryLog, len(c.logs))
	copy(out, c.logs)
	return out
}

// LoadResult is what an instance's Load produces: the atom counts plus the
// ordered log lines. Atoms themselves are written to the shared atom store by
// the instance before Load returns.
type LoadResult struct {
	AtomsExpected int
	AtomsLoaded   int
	Logs          []SummaryLog
}

// Instance is one running pipeline: an adapter plus normalizer bound to a
// definition. Load is not reentrant; the executor enforces single-flight per
// pipeline. Stop is terminal: a stopped instance is never restarted, a new
// one is created instead.
type Instance interface {
	ID() string
	Load(ctx context.Context) (*LoadResult, error)
	Stop()
	Capabilities() []Capability
}

// DefinitionStore is the source of truth for pipeline definitions and their
// latest load summaries. Implementations live in internal/store.
type DefinitionStore interface {
	Get(ctx context.Context, id string) (*Definition, error)
	LoadAll(ctx context.Context) ([]*Definition, error)
	Upsert(ctx context.Context, def *Definition, editorUserID string) error
	Delete(ctx context.Context, id string) error
	SaveLoadSummary(ctx context.Context, id string, summary *LoadSummary) error
	LastLoadSummary(ctx context.Context, id string) (*LoadSummary, error)
}

// AtomStore holds the last successfully loaded atoms per pipeline. It is
// shared across instance restarts; Save replaces a pipeline's atoms
// wholesale.
type AtomStore interface {
	Save(ctx context.Context, pipelineID string, atoms []Atom) error
	Load(ctx context.Context, pipelineID string) ([]Atom, error)
	Clear(ctx context.Context, pipelineID string) error
}
