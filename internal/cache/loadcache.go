// Package cache persists each pipeline's last full load result to local disk
// so a restarted process can serve stale data until the first fresh load
// completes.
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gatefeed/pipeline-core/internal/pipeline"
)

// Entry is the cached result of one successful load.
type Entry struct {
	TimestampSaved time.Time             `json:"timestampSaved"`
	PipelineID     string                `json:"pipelineId"`
	Summary        *pipeline.LoadSummary `json:"summary"`
	Atoms          []pipeline.Atom       `json:"atoms"`
}

// LoadCache is a write-through cache: writes go to memory and a JSON file per
// pipeline id. A per-pipeline mutex guards both so concurrent writers cannot
// interleave and corrupt a cached load.
type LoadCache struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	entries map[string]*Entry
}

// New creates a load cache rooted at dir, creating it if needed.
func New(dir string, logger *slog.Logger) (*LoadCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LoadCache{
		dir:     dir,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
		entries: make(map[string]*Entry),
	}, nil
}

func (c *LoadCache) lockFor(pipelineID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[pipelineID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[pipelineID] = l
	}
	return l
}

func (c *LoadCache) path(pipelineID string) string {
	return filepath.Join(c.dir, pipelineID+".json")
}

// Save writes the load result through to disk. Errors are returned but
// callers treat them as non-fatal: a failed cache write never fails a load.
func (c *LoadCache) Save(pipelineID string, summary *pipeline.LoadSummary, atoms []pipeline.Atom) error {
	l := c.lockFor(pipelineID)
	l.Lock()
	defer l.Unlock()

	entry := &Entry{
		TimestampSaved: time.Now().UTC(),
		PipelineID:     pipelineID,
		Summary:        summary,
		Atoms:          atoms,
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	// Write to a temp file and rename so a crash mid-write cannot leave a
	// truncated entry behind.
	tmp := c.path(pipelineID) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := os.Rename(tmp, c.path(pipelineID)); err != nil {
		return fmt.Errorf("commit cache file: %w", err)
	}

	c.mu.Lock()
	c.entries[pipelineID] = entry
	c.mu.Unlock()
	return nil
}

// Load returns the cached entry for a pipeline, or nil on a miss. The
// returned summary carries fromCache=true with informational lines noting the
// save time prepended exactly once, however many times it is re-served.
func (c *LoadCache) Load(pipelineID string) *Entry {
	l := c.lockFor(pipelineID)
	l.Lock()
	defer l.Unlock()

	c.mu.Lock()
	entry := c.entries[pipelineID]
	c.mu.Unlock()

	if entry == nil {
		entry = c.readFile(pipelineID)
		if entry == nil {
			return nil
		}
	}

	annotated := annotate(entry)
	c.mu.Lock()
	c.entries[pipelineID] = annotated
	c.mu.Unlock()
	return annotated
}

// Clear removes a pipeline's cached load.
func (c *LoadCache) Clear(pipelineID string) {
	l := c.lockFor(pipelineID)
	l.Lock()
	defer l.Unlock()

	c.mu.Lock()
	delete(c.entries, pipelineID)
	c.mu.Unlock()
	if err := os.Remove(c.path(pipelineID)); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("removing cache file", "pipeline", pipelineID, "error", err)
	}
}

// readFile loads an entry from disk; any read or decode failure is a miss.
func (c *LoadCache) readFile(pipelineID string) *Entry {
	raw, err := os.ReadFile(c.path(pipelineID))
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("reading cache file", "pipeline", pipelineID, "error", err)
		}
		return nil
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("corrupt cache file treated as miss", "pipeline", pipelineID, "error", err)
		return nil
	}
	if entry.Summary == nil {
		return nil
	}
	return &entry
}

// annotate marks a summary as served-from-cache, prepending the save-time
// lines only if they are not already present.
func annotate(entry *Entry) *Entry {
	if entry.Summary.FromCache {
		return entry
	}

	summary := *entry.Summary
	saved := entry.TimestampSaved
	note := []pipeline.SummaryLog{
		{
			Level:     pipeline.LogLevelInfo,
			Message:   fmt.Sprintf("served from cache saved at %s (local)", saved.Local().Format(time.RFC1123)),
			Timestamp: saved,
		},
		{
			Level:     pipeline.LogLevelInfo,
			Message:   fmt.Sprintf("served from cache saved at %s (UTC)", saved.UTC().Format(time.RFC1123)),
			Timestamp: saved,
		},
	}
	summary.Logs = append(note, summary.Logs...)
	summary.FromCache = true

	return &Entry{
		TimestampSaved: entry.TimestampSaved,
		PipelineID:     entry.PipelineID,
		Summary:        &summary,
		Atoms:          entry.Atoms,
	}
}
