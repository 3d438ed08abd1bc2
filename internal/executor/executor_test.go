package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gatefeed/pipeline-core/internal/alerting"
	"github.com/gatefeed/pipeline-core/internal/cache"
	"github.com/gatefeed/pipeline-core/internal/pipeline"
	"github.com/gatefeed/pipeline-core/internal/store"
)

// fakeInstance is a scriptable pipeline.Instance.
type fakeInstance struct {
	id        string
	loads     atomic.Int64
	stopped   atomic.Bool
	loadDelay time.Duration
	loadErr   error
	result    *pipeline.LoadResult
	// onLoad, when set, runs inside Load before anything else.
	onLoad func(ctx context.Context)
}

func (f *fakeInstance) ID() string { return f.id }

func (f *fakeInstance) Load(ctx context.Context) (*pipeline.LoadResult, error) {
	f.loads.Add(1)
	if f.onLoad != nil {
		f.onLoad(ctx)
	}
	if f.loadDelay > 0 {
		select {
		case <-time.After(f.loadDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &pipeline.LoadResult{AtomsExpected: 1, AtomsLoaded: 1}, nil
}

func (f *fakeInstance) Stop() { f.stopped.Store(true) }

func (f *fakeInstance) Capabilities() []pipeline.Capability { return nil }

// testHarness wires an executor against in-memory stores and a registry of
// fake instances keyed by pipeline id.
type testHarness struct {
	exec  *Executor
	defs  *store.MemoryDefinitionStore
	atoms *store.MemoryAtomStore

	mu    sync.Mutex
	fakes map[string][]*fakeInstance // every instance ever built per id
	next  map[string]*fakeInstance   // template for the next build
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	h := &testHarness{
		defs:  store.NewMemoryDefinitionStore(),
		atoms: store.NewMemoryAtomStore(),
		fakes: make(map[string][]*fakeInstance),
		next:  make(map[string]*fakeInstance),
	}
	loadCache, err := cache.New(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	h.exec = New(cfg, h.defs, pipeline.Deps{Atoms: h.atoms}, loadCache, nil, alerting.New(nil, nil, nil))
	h.exec.newInstance = func(def *pipeline.Definition, deps pipeline.Deps) (pipeline.Instance, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		tmpl := h.next[def.ID]
		if tmpl == nil {
			tmpl = &fakeInstance{}
		}
		inst := &fakeInstance{
			id:        def.ID,
			loadDelay: tmpl.loadDelay,
			loadErr:   tmpl.loadErr,
			result:    tmpl.result,
			onLoad:    tmpl.onLoad,
		}
		h.fakes[def.ID] = append(h.fakes[def.ID], inst)
		return inst, nil
	}
	t.Cleanup(h.exec.Stop)
	return h
}

func (h *testHarness) script(id string, tmpl *fakeInstance) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next[id] = tmpl
}

func (h *testHarness) instances(id string) []*fakeInstance {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakeInstance(nil), h.fakes[id]...)
}

func (h *testHarness) addDef(t *testing.T, id string, opts pipeline.Options) *pipeline.Definition {
	t.Helper()
	def := &pipeline.Definition{ID: id, Type: pipeline.TypeCSV, OwnerUserID: "owner", Options: opts}
	if def.Options.CSV == nil {
		def.Options.CSV = &pipeline.CSVOptions{CSV: "email\na@example.com\n"}
	}
	if err := h.defs.Upsert(context.Background(), def, "owner"); err != nil {
		t.Fatal(err)
	}
	return def
}

func TestPerformPipelineLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("success persists the summary", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.addDef(t, "p1", pipeline.Options{})
		h.script("p1", &fakeInstance{result: &pipeline.LoadResult{AtomsExpected: 4, AtomsLoaded: 4}})
		if err := h.exec.syncSlots(ctx); err != nil {
			t.Fatal(err)
		}

		summary, err := h.exec.PerformPipelineLoad(ctx, h.exec.slot("p1"))
		if err != nil {
			t.Fatal(err)
		}
		if !summary.Success || summary.AtomsLoaded != 4 {
			t.Errorf("unexpected summary: %+v", summary)
		}
		stored, _ := h.defs.LastLoadSummary(ctx, "p1")
		if stored == nil || !stored.Success {
			t.Error("expected summary persisted to the definition store")
		}
	})

	t.Run("paused pipeline never calls the adapter", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.addDef(t, "p1", pipeline.Options{Paused: true})
		if err := h.exec.syncSlots(ctx); err != nil {
			t.Fatal(err)
		}

		summary, err := h.exec.PerformPipelineLoad(ctx, h.exec.slot("p1"))
		if err != nil {
			t.Fatal(err)
		}
		if !summary.Success || !summary.Paused {
			t.Errorf("expected successful paused summary, got %+v", summary)
		}
		if got := h.instances("p1")[0].loads.Load(); got != 0 {
			t.Errorf("adapter was called %d times for a paused pipeline", got)
		}
		if len(summary.Logs) == 0 || !strings.Contains(summary.Logs[0].Message, "paused") {
			t.Error("expected an informational paused log line")
		}
	})

	t.Run("load failure becomes a failed summary, not an error", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.addDef(t, "p1", pipeline.Options{})
		h.script("p1", &fakeInstance{loadErr: errors.New("backend down")})
		if err := h.exec.syncSlots(ctx); err != nil {
			t.Fatal(err)
		}

		summary, err := h.exec.PerformPipelineLoad(ctx, h.exec.slot("p1"))
		if err != nil {
			t.Fatal(err)
		}
		if summary.Success {
			t.Error("expected failed summary")
		}
		if !strings.Contains(summary.Error, "backend down") {
			t.Errorf("unexpected summary error: %q", summary.Error)
		}
	})

	t.Run("invalid definition yields a failed summary via the instance error", func(t *testing.T) {
		defs := store.NewMemoryDefinitionStore()
		def := &pipeline.Definition{
			ID:          "bad-creds",
			Type:        pipeline.TypeLemonade,
			OwnerUserID: "owner",
			Options: pipeline.Options{Lemonade: &pipeline.LemonadeOptions{
				BackendURL:   "https://backend.example.com/graphql",
				OAuthIssuer:  "https://issuer.example.com",
				ClientSecret: "s", // ClientID missing
				EventIDs:     []string{"ev-1"},
			}},
		}
		if err := defs.Upsert(ctx, def, "owner"); err != nil {
			t.Fatal(err)
		}

		// Real instance factory, so the validation failure lands on the slot.
		exec := New(Config{}, defs, pipeline.Deps{Atoms: store.NewMemoryAtomStore()}, nil, nil, nil)
		t.Cleanup(exec.Stop)
		if err := exec.syncSlots(ctx); err != nil {
			t.Fatal(err)
		}

		summary, err := exec.PerformPipelineLoad(ctx, exec.slot("bad-creds"))
		if err != nil {
			t.Fatal(err)
		}
		if summary.Success {
			t.Error("expected failed summary for an invalid definition")
		}
		if !strings.Contains(summary.Error, "ClientID") {
			t.Errorf("expected the missing field named, got %q", summary.Error)
		}
	})

	t.Run("timeout produces a distinct error text", func(t *testing.T) {
		h := newHarness(t, Config{LoadTimeout: 30 * time.Millisecond})
		h.addDef(t, "p1", pipeline.Options{})
		h.script("p1", &fakeInstance{loadDelay: time.Second})
		if err := h.exec.syncSlots(ctx); err != nil {
			t.Fatal(err)
		}

		summary, err := h.exec.PerformPipelineLoad(ctx, h.exec.slot("p1"))
		if err != nil {
			t.Fatal(err)
		}
		if summary.Success {
			t.Error("expected failure on timeout")
		}
		if !strings.HasPrefix(summary.Error, "timeout:") {
			t.Errorf("expected timeout-prefixed error, got %q", summary.Error)
		}
	})

	t.Run("single flight per slot", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.addDef(t, "p1", pipeline.Options{})
		started := make(chan struct{})
		release := make(chan struct{})
		h.script("p1", &fakeInstance{onLoad: func(ctx context.Context) {
			close(started)
			<-release
		}})
		if err := h.exec.syncSlots(ctx); err != nil {
			t.Fatal(err)
		}
		slot := h.exec.slot("p1")

		go h.exec.PerformPipelineLoad(ctx, slot)
		<-started

		if _, err := h.exec.PerformPipelineLoad(ctx, slot); !errors.Is(err, errLoadInFlight) {
			t.Errorf("expected errLoadInFlight, got %v", err)
		}
		close(release)
	})

	t.Run("shutdown cancellation is not converted to a summary", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.addDef(t, "p1", pipeline.Options{})
		started := make(chan struct{})
		h.script("p1", &fakeInstance{onLoad: func(ctx context.Context) {
			close(started)
			<-ctx.Done()
		}})
		if err := h.exec.syncSlots(ctx); err != nil {
			t.Fatal(err)
		}
		slot := h.exec.slot("p1")

		loadCtx, cancel := context.WithCancel(ctx)
		result := make(chan error, 1)
		go func() {
			_, err := h.exec.PerformPipelineLoad(loadCtx, slot)
			result <- err
		}()
		<-started
		cancel()

		select {
		case err := <-result:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("expected context.Canceled, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("cancelled load did not unwind")
		}
		if stored, _ := h.defs.LastLoadSummary(ctx, "p1"); stored != nil {
			t.Error("shutdown cancellation must not persist a summary")
		}
	})

	t.Run("superseded load is not converted to a summary", func(t *testing.T) {
		h := newHarness(t, Config{})
		def := h.addDef(t, "p1", pipeline.Options{})
		started := make(chan struct{})
		h.script("p1", &fakeInstance{onLoad: func(ctx context.Context) {
			close(started)
			<-ctx.Done()
		}})
		if err := h.exec.syncSlots(ctx); err != nil {
			t.Fatal(err)
		}
		slot := h.exec.slot("p1")

		result := make(chan error, 1)
		go func() {
			_, err := h.exec.PerformPipelineLoad(ctx, slot)
			result <- err
		}()
		<-started

		go h.exec.replaceInstance(ctx, slot, def)

		select {
		case err := <-result:
			if !errors.Is(err, ErrLoadSuperseded) {
				t.Errorf("expected ErrLoadSuperseded, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("superseded load did not unwind")
		}
		if stored, _ := h.defs.LastLoadSummary(ctx, "p1"); stored != nil {
			t.Error("superseded load must not persist a summary")
		}
	})
}

func TestRestartPipeline(t *testing.T) {
	ctx := context.Background()

	t.Run("leaves exactly one live instance", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.addDef(t, "p1", pipeline.Options{})
		if err := h.exec.syncSlots(ctx); err != nil {
			t.Fatal(err)
		}

		summary, err := h.exec.RestartPipeline(ctx, "p1")
		if err != nil {
			t.Fatal(err)
		}
		if summary == nil || !summary.Success {
			t.Errorf("expected successful restart load, got %+v", summary)
		}

		built := h.instances("p1")
		if len(built) != 2 {
			t.Fatalf("expected 2 instances ever built, got %d", len(built))
		}
		if !built[0].stopped.Load() {
			t.Error("old instance was not stopped")
		}
		if built[1].stopped.Load() {
			t.Error("new instance must be running")
		}
	})

	t.Run("deleted definition tears the slot down", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.addDef(t, "p1", pipeline.Options{})
		if err := h.exec.syncSlots(ctx); err != nil {
			t.Fatal(err)
		}
		h.atoms.Save(ctx, "p1", []pipeline.Atom{{ID: "a1", PipelineID: "p1"}})
		if err := h.defs.Delete(ctx, "p1"); err != nil {
			t.Fatal(err)
		}

		summary, err := h.exec.RestartPipeline(ctx, "p1")
		if err != nil {
			t.Fatal(err)
		}
		if summary != nil {
			t.Error("expected no summary for a deleted pipeline")
		}
		if h.exec.slot("p1") != nil {
			t.Error("expected slot removed")
		}
		if atoms, _ := h.atoms.Load(ctx, "p1"); len(atoms) != 0 {
			t.Error("expected atoms cleared for the deleted pipeline")
		}
	})

	t.Run("restart of an unseen definition creates the slot", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.addDef(t, "p-new", pipeline.Options{})

		summary, err := h.exec.RestartPipeline(ctx, "p-new")
		if err != nil {
			t.Fatal(err)
		}
		if summary == nil || !summary.Success {
			t.Errorf("expected a load for the new pipeline, got %+v", summary)
		}
		if h.exec.slot("p-new") == nil {
			t.Error("expected slot registered")
		}
	})
}

func TestRunLoadPass(t *testing.T) {
	ctx := context.Background()

	t.Run("one failing pipeline does not block the others", func(t *testing.T) {
		h := newHarness(t, Config{})
		for i := 0; i < 3; i++ {
			h.addDef(t, fmt.Sprintf("p%d", i), pipeline.Options{})
		}
		h.script("p1", &fakeInstance{loadErr: errors.New("broken")})
		if err := h.exec.syncSlots(ctx); err != nil {
			t.Fatal(err)
		}

		h.exec.runLoadPass(ctx)

		for _, id := range []string{"p0", "p2"} {
			summary, _ := h.defs.LastLoadSummary(ctx, id)
			if summary == nil || !summary.Success {
				t.Errorf("%s: expected successful load, got %+v", id, summary)
			}
		}
		failed, _ := h.defs.LastLoadSummary(ctx, "p1")
		if failed == nil || failed.Success {
			t.Errorf("p1: expected failed summary, got %+v", failed)
		}
	})

	t.Run("sync picks up edits and removals", func(t *testing.T) {
		h := newHarness(t, Config{})
		def := h.addDef(t, "p1", pipeline.Options{})
		h.addDef(t, "p2", pipeline.Options{})
		if err := h.exec.syncSlots(ctx); err != nil {
			t.Fatal(err)
		}

		// Edit p1, delete p2.
		time.Sleep(2 * time.Millisecond)
		update := *def
		if err := h.defs.Upsert(ctx, &update, "owner"); err != nil {
			t.Fatal(err)
		}
		if err := h.defs.Delete(ctx, "p2"); err != nil {
			t.Fatal(err)
		}
		if err := h.exec.syncSlots(ctx); err != nil {
			t.Fatal(err)
		}

		if got := len(h.instances("p1")); got != 2 {
			t.Errorf("expected edited pipeline reinstantiated, got %d instances", got)
		}
		if h.exec.slot("p2") != nil {
			t.Error("expected deleted pipeline's slot removed")
		}
	})
}

func TestLastLoadSummary(t *testing.T) {
	ctx := context.Background()

	t.Run("falls back to the disk cache", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.addDef(t, "p1", pipeline.Options{})

		// No summary in the store; seed the cache as a prior run would.
		h.exec.cache.Save("p1", &pipeline.LoadSummary{Success: true, AtomsLoaded: 9, AtomsExpected: 9}, nil)

		summary, err := h.exec.LastLoadSummary(ctx, "p1")
		if err != nil {
			t.Fatal(err)
		}
		if summary == nil || !summary.FromCache {
			t.Errorf("expected cache-annotated summary, got %+v", summary)
		}
		if summary.AtomsLoaded != 9 {
			t.Errorf("unexpected summary: %+v", summary)
		}
	})

	t.Run("prefers the store over the cache", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.addDef(t, "p1", pipeline.Options{})
		h.defs.SaveLoadSummary(ctx, "p1", &pipeline.LoadSummary{Success: true, AtomsLoaded: 3})
		h.exec.cache.Save("p1", &pipeline.LoadSummary{Success: true, AtomsLoaded: 9}, nil)

		summary, err := h.exec.LastLoadSummary(ctx, "p1")
		if err != nil {
			t.Fatal(err)
		}
		if summary.FromCache || summary.AtomsLoaded != 3 {
			t.Errorf("expected fresh store summary, got %+v", summary)
		}
	})
}

func TestStartAndStop(t *testing.T) {
	h := newHarness(t, Config{ReloadInterval: 20 * time.Millisecond})
	h.addDef(t, "p1", pipeline.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.exec.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// Startup pass plus at least one scheduled pass.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if h.instances("p1")[0].loads.Load() >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduled reload never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.exec.Stop()
	select {
	case <-h.exec.loopDone:
	case <-time.After(time.Second):
		t.Fatal("reload loop did not stop")
	}
}
