package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gatefeed/pipeline-core/internal/alerting"
	"github.com/gatefeed/pipeline-core/internal/archive"
	"github.com/gatefeed/pipeline-core/internal/cache"
	"github.com/gatefeed/pipeline-core/internal/pipeline"
	"github.com/gatefeed/pipeline-core/internal/store"
)

// ErrLoadSuperseded marks a load cancelled because its pipeline is being
// replaced (definition edit, deletion, shutdown). It is an expected
// operational event: callers must not convert it into a failed summary, fire
// alerting, or report it to error tracking.
var ErrLoadSuperseded = errors.New("load superseded by pipeline restart")

// errLoadInFlight is returned when a scheduled load finds one already
// running for the same slot; the scheduler skips that cycle.
var errLoadInFlight = errors.New("load already in flight")

// Config holds the executor's timing knobs.
type Config struct {
	// ReloadInterval is the period of the scheduled reload loop.
	ReloadInterval time.Duration
	// LoadTimeout is the hard wall-clock budget for one pipeline load.
	LoadTimeout time.Duration
}

// DefaultConfig returns production timings.
func DefaultConfig() Config {
	return Config{
		ReloadInterval: 60 * time.Second,
		LoadTimeout:    10 * time.Minute,
	}
}

// Executor owns the slot registry and the reload loop. One executor runs per
// process; pipelines are isolated so no pipeline's failure can prevent
// another's scheduled run.
type Executor struct {
	cfg     Config
	defs    pipeline.DefinitionStore
	deps    pipeline.Deps
	cache   *cache.LoadCache
	archive *archive.SummaryArchive
	alerter *alerting.Alerter
	logger  *slog.Logger

	// newInstance is a hook for tests; defaults to pipeline.NewInstance.
	newInstance func(*pipeline.Definition, pipeline.Deps) (pipeline.Instance, error)

	mu    sync.RWMutex
	slots map[string]*Slot

	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}
}

// New creates an executor. The load cache and archive may be nil.
func New(cfg Config, defs pipeline.DefinitionStore, deps pipeline.Deps,
	loadCache *cache.LoadCache, summaryArchive *archive.SummaryArchive,
	alerter *alerting.Alerter) *Executor {

	if cfg.ReloadInterval <= 0 {
		cfg.ReloadInterval = DefaultConfig().ReloadInterval
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultConfig().LoadTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = alerting.New(nil, nil, logger)
	}
	return &Executor{
		cfg:         cfg,
		defs:        defs,
		deps:        deps,
		cache:       loadCache,
		archive:     summaryArchive,
		alerter:     alerter,
		logger:      logger,
		newInstance: pipeline.NewInstance,
		slots:       make(map[string]*Slot),
		stopCh:      make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
}

// Start loads all definitions, instantiates one slot per definition, runs an
// immediate load pass, and then begins the periodic reload loop.
func (e *Executor) Start(ctx context.Context) error {
	if err := e.syncSlots(ctx); err != nil {
		return fmt.Errorf("load pipeline definitions: %w", err)
	}
	e.runLoadPass(ctx)
	go e.runLoop(ctx)
	return nil
}

// Stop cancels the reload loop. In-flight loads are not force-killed; they
// simply are not rescheduled.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *Executor) runLoop(ctx context.Context) {
	defer close(e.loopDone)
	ticker := time.NewTicker(e.cfg.ReloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.syncSlots(ctx); err != nil {
				e.logger.Error("refreshing pipeline definitions", "error", err)
			}
			e.runLoadPass(ctx)
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// syncSlots reconciles the registry against the definition store: new
// definitions get slots and instances, edited ones are restarted, deleted
// ones are torn down. Definitions are never cached beyond one reload cycle.
func (e *Executor) syncSlots(ctx context.Context) error {
	defs, err := e.defs.LoadAll(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		seen[def.ID] = struct{}{}
		slot := e.slot(def.ID)
		if slot == nil {
			e.addSlot(ctx, def)
			continue
		}
		if !slot.definition().TimeUpdated.Equal(def.TimeUpdated) {
			e.replaceInstance(ctx, slot, def)
		}
	}

	// Tear down slots whose definitions were deleted.
	e.mu.Lock()
	var removed []*Slot
	for id, slot := range e.slots {
		if _, ok := seen[id]; !ok {
			removed = append(removed, slot)
			delete(e.slots, id)
		}
	}
	e.mu.Unlock()
	for _, slot := range removed {
		e.teardownSlot(slot)
	}
	return nil
}

func (e *Executor) addSlot(ctx context.Context, def *pipeline.Definition) *Slot {
	slot := newSlot(def)
	inst, err := e.newInstance(def, e.deps)
	if err != nil {
		e.logger.Error("instantiating pipeline", "pipeline", def.ID, "error", err)
	}
	slot.setInstance(inst, err)

	e.mu.Lock()
	e.slots[def.ID] = slot
	e.mu.Unlock()
	return slot
}

// replaceInstance supersedes any in-flight load, stops the old instance and
// builds a fresh one from the new definition.
func (e *Executor) replaceInstance(ctx context.Context, slot *Slot, def *pipeline.Definition) {
	if done := slot.supersede(ErrLoadSuperseded); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}

	if old, _ := slot.getInstance(); old != nil {
		old.Stop()
	}

	slot.mu.Lock()
	slot.def = def
	slot.mu.Unlock()

	inst, err := e.newInstance(def, e.deps)
	if err != nil {
		e.logger.Error("instantiating pipeline", "pipeline", def.ID, "error", err)
	}
	slot.setInstance(inst, err)
}

func (e *Executor) teardownSlot(slot *Slot) {
	def := slot.definition()
	if done := slot.supersede(ErrLoadSuperseded); done != nil {
		<-done
	}
	if inst, _ := slot.getInstance(); inst != nil {
		inst.Stop()
	}
	if e.cache != nil {
		e.cache.Clear(def.ID)
	}
	if err := e.deps.Atoms.Clear(context.Background(), def.ID); err != nil {
		e.logger.Error("clearing atoms for removed pipeline", "pipeline", def.ID, "error", err)
	}
	e.logger.Info("pipeline removed", "pipeline", def.ID)
}

// runLoadPass fans out one load per slot and waits for all of them to
// settle. Failures stay confined to their own pipeline.
func (e *Executor) runLoadPass(ctx context.Context) {
	slots := e.snapshotSlots()
	var wg sync.WaitGroup
	for _, slot := range slots {
		wg.Add(1)
		go func(slot *Slot) {
			defer wg.Done()
			_, err := e.PerformPipelineLoad(ctx, slot)
			switch {
			case err == nil:
			case errors.Is(err, errLoadInFlight):
				e.logger.Info("skipping scheduled load, one already running",
					"pipeline", slot.definition().ID)
			case errors.Is(err, ErrLoadSuperseded):
				e.logger.Info("scheduled load superseded",
					"pipeline", slot.definition().ID)
			case errors.Is(err, context.Canceled):
				e.logger.Info("scheduled load cancelled by shutdown",
					"pipeline", slot.definition().ID)
			default:
				e.logger.Error("pipeline load", "pipeline", slot.definition().ID, "error", err)
			}
		}(slot)
	}
	wg.Wait()
}

// RestartPipeline re-reads the definition, supersedes and stops any existing
// instance, instantiates a fresh one and performs one load. It is used both
// for startup discovery of new definitions and for user-initiated edits.
// After it returns there is exactly one live instance for the id, or none if
// the definition was deleted.
func (e *Executor) RestartPipeline(ctx context.Context, id string) (*pipeline.LoadSummary, error) {
	def, err := e.defs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrDefinitionNotFound) {
			if slot := e.takeSlot(id); slot != nil {
				e.teardownSlot(slot)
			}
			return nil, nil
		}
		return nil, err
	}

	slot := e.slot(id)
	if slot == nil {
		slot = e.addSlot(ctx, def)
	} else {
		e.replaceInstance(ctx, slot, def)
	}

	summary, err := e.PerformPipelineLoad(ctx, slot)
	if errors.Is(err, errLoadInFlight) {
		// The replace path waits out in-flight loads, so this only happens
		// when two restarts race; the other restart's load covers us.
		return nil, nil
	}
	return summary, err
}

// PerformPipelineLoad runs one load for the slot and returns its summary.
// Ordinary failures never surface as errors; they become a failed summary.
// The only error returns are ErrLoadSuperseded (deliberate cancellation) and
// errLoadInFlight (single-flight guard).
func (e *Executor) PerformPipelineLoad(ctx context.Context, slot *Slot) (*pipeline.LoadSummary, error) {
	def := slot.definition()
	start := time.Now().UTC()

	lctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !slot.beginLoad(cancel) {
		return nil, errLoadInFlight
	}
	defer slot.endLoad()

	// Paused pipelines skip the adapter entirely; this is not an error.
	if def.Options.Paused {
		summary := &pipeline.LoadSummary{
			StartedAt:  start,
			FinishedAt: time.Now().UTC(),
			Success:    true,
			Paused:     true,
			Logs: []pipeline.SummaryLog{{
				Level:     pipeline.LogLevelInfo,
				Message:   "pipeline is paused, skipping load",
				Timestamp: start,
			}},
		}
		e.finishLoad(ctx, slot, &def, summary, false)
		return summary, nil
	}

	inst, instErr := slot.getInstance()
	if inst == nil {
		msg := "pipeline has no running instance"
		if instErr != nil {
			msg = instErr.Error()
		}
		summary := &pipeline.LoadSummary{
			StartedAt:  start,
			FinishedAt: time.Now().UTC(),
			Success:    false,
			Error:      msg,
		}
		e.finishLoad(ctx, slot, &def, summary, false)
		return summary, nil
	}

	tctx, tcancel := context.WithTimeout(lctx, e.cfg.LoadTimeout)
	defer tcancel()

	res, loadErr := inst.Load(tctx)

	// A restart cancelled us on purpose: hand the signal up unchanged so the
	// caller can tell "replaced" apart from "broken".
	if cause := context.Cause(lctx); errors.Is(cause, ErrLoadSuperseded) {
		return nil, ErrLoadSuperseded
	}

	// Parent cancellation (process shutdown) is likewise deliberate: re-throw
	// it instead of recording a failed summary, so a SIGTERM mid-load never
	// pages anyone. Only the timeout below is a genuine failure.
	if lctx.Err() != nil {
		return nil, context.Cause(lctx)
	}

	summary := &pipeline.LoadSummary{
		StartedAt:  start,
		FinishedAt: time.Now().UTC(),
	}
	if res != nil {
		summary.AtomsExpected = res.AtomsExpected
		summary.AtomsLoaded = res.AtomsLoaded
		summary.Logs = res.Logs
	}
	switch {
	case loadErr == nil:
		summary.Success = true
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		// Named distinctly so operators can tell "too slow" from "down".
		summary.Error = fmt.Sprintf("timeout: load exceeded %s", e.cfg.LoadTimeout)
	default:
		summary.Error = loadErr.Error()
	}

	e.finishLoad(ctx, slot, &def, summary, summary.Success)
	return summary, nil
}

// finishLoad persists the summary, writes the disk cache on success,
// archives, and evaluates alerting. Persistence failures are logged, never
// returned: the summary itself is the load's result.
func (e *Executor) finishLoad(ctx context.Context, slot *Slot, def *pipeline.Definition, summary *pipeline.LoadSummary, cacheable bool) {
	if err := e.defs.SaveLoadSummary(ctx, def.ID, summary); err != nil {
		e.logger.Error("persisting load summary", "pipeline", def.ID, "error", err)
	}

	if cacheable && e.cache != nil {
		atoms, err := e.deps.Atoms.Load(ctx, def.ID)
		if err != nil {
			e.logger.Error("reading atoms for cache", "pipeline", def.ID, "error", err)
		} else if err := e.cache.Save(def.ID, summary, atoms); err != nil {
			e.logger.Error("writing load cache", "pipeline", def.ID, "error", err)
		}
	}

	e.archive.Append(ctx, def.ID, summary)

	slot.mu.Lock()
	status := slot.alert
	slot.mu.Unlock()
	e.alerter.Evaluate(ctx, def.ID, def.Options.Alerts, summary, &status)
	slot.mu.Lock()
	slot.alert = status
	slot.mu.Unlock()
}

// --- Accessors (read-only; must not block on the reload loop) ---

func (e *Executor) slot(id string) *Slot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.slots[id]
}

func (e *Executor) takeSlot(id string) *Slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	slot := e.slots[id]
	delete(e.slots, id)
	return slot
}

func (e *Executor) snapshotSlots() []*Slot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Slot, 0, len(e.slots))
	for _, slot := range e.slots {
		out = append(out, slot)
	}
	return out
}

// PipelineIDs returns the ids of all registered slots.
func (e *Executor) PipelineIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.slots))
	for id := range e.slots {
		ids = append(ids, id)
	}
	return ids
}

// Slot returns the slot for a pipeline id, or nil.
func (e *Executor) Slot(id string) *Slot {
	return e.slot(id)
}

// Capabilities lists the capabilities of the pipeline's running instance so
// the HTTP layer can dispatch feed, check-in and group requests.
func (e *Executor) Capabilities(id string) []pipeline.Capability {
	slot := e.slot(id)
	if slot == nil {
		return nil
	}
	inst, _ := slot.getInstance()
	if inst == nil {
		return nil
	}
	return inst.Capabilities()
}

// LastLoadSummary returns the most recent summary for a pipeline, falling
// back to the disk cache (annotated as stale) when the store has none, so
// history survives a crash/restart.
func (e *Executor) LastLoadSummary(ctx context.Context, id string) (*pipeline.LoadSummary, error) {
	summary, err := e.defs.LastLoadSummary(ctx, id)
	if err != nil && !errors.Is(err, store.ErrDefinitionNotFound) {
		return nil, err
	}
	if summary != nil {
		return summary, nil
	}
	if e.cache != nil {
		if entry := e.cache.Load(id); entry != nil {
			return entry.Summary, nil
		}
	}
	return nil, nil
}
