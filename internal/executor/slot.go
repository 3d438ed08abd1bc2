// Package executor owns the registry of running pipelines and the reload
// scheduler. It is the single writer of slot state; everything else reads
// through accessor methods.
package executor

import (
	"context"
	"sync"

	"github.com/gatefeed/pipeline-core/internal/alerting"
	"github.com/gatefeed/pipeline-core/internal/pipeline"
)

// Slot ties one pipeline definition to its live instance and transient run
// state. Slots are created when a definition is first seen and removed when
// the definition disappears from the backing store.
type Slot struct {
	mu sync.Mutex

	def      *pipeline.Definition
	instance pipeline.Instance
	// instantiateErr holds the configuration error that prevented an
	// instance from starting; the slot stays registered but non-functional
	// until the definition is corrected.
	instantiateErr error

	loading bool
	cancel  context.CancelCauseFunc
	done    chan struct{}

	alert alerting.Status
}

func newSlot(def *pipeline.Definition) *Slot {
	return &Slot{def: def}
}

// definition returns a copy of the slot's definition.
func (s *Slot) definition() pipeline.Definition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.def
}

func (s *Slot) setInstance(inst pipeline.Instance, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instance = inst
	s.instantiateErr = err
}

func (s *Slot) getInstance() (pipeline.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instance, s.instantiateErr
}

// beginLoad marks the slot loading and registers the load's cancel func.
// Returns false when a load is already in flight; the executor never runs two
// loads for one slot concurrently because atoms are replaced wholesale.
func (s *Slot) beginLoad(cancel context.CancelCauseFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loading {
		return false
	}
	s.loading = true
	s.cancel = cancel
	s.done = make(chan struct{})
	return true
}

// endLoad clears the loading state and wakes anyone waiting for the load.
func (s *Slot) endLoad() {
	s.mu.Lock()
	done := s.done
	s.loading = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
	if done != nil {
		close(done)
	}
}

// supersede cancels any in-flight load with the given cause and returns a
// channel that closes once that load has fully unwound, or nil if no load
// was in flight.
func (s *Slot) supersede(cause error) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loading {
		return nil
	}
	if s.cancel != nil {
		s.cancel(cause)
	}
	return s.done
}

// Loading reports whether a load is currently in flight.
func (s *Slot) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}
