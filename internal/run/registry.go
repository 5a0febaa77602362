// Package run drives the run producer pipeline: one serialized run
// per thread, every event persisted before publication, cancellation
// folded back into the agent checkpoint.
package run

import (
	"context"
	"sync"

	"github.com/sandmux/sandmux/internal/runlog"
)

// Agent monitor states.
const (
	StateIdle      = "idle"
	StateActive    = "active"
	StateSuspended = "suspended"
	StateError     = "error"
)

// Registry is the process-wide map of per-thread run state: the
// serialization mutex, the current run's buffer, and the cancel hook
// for the in-flight producer.
type Registry struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	buffers map[string]*runlog.Buffer
	runIDs  map[string]string
	cancels map[string]context.CancelFunc
	states  map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		locks:   make(map[string]*sync.Mutex),
		buffers: make(map[string]*runlog.Buffer),
		runIDs:  make(map[string]string),
		cancels: make(map[string]context.CancelFunc),
		states:  make(map[string]string),
	}
}

// threadLock returns the serialization mutex for a thread.
func (r *Registry) threadLock(threadID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	mu, ok := r.locks[threadID]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[threadID] = mu
	}
	return mu
}

// register publishes the thread's current run.
func (r *Registry) register(threadID, runID string, buf *runlog.Buffer, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers[threadID] = buf
	r.runIDs[threadID] = runID
	r.cancels[threadID] = cancel
}

// finish clears the cancel hook after the producer exits. The buffer
// stays published so late consumers can still drain the finished run.
func (r *Registry) finish(threadID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runIDs[threadID] == runID {
		delete(r.cancels, threadID)
	}
}

// Buffer returns the thread's current run buffer and run id.
func (r *Registry) Buffer(threadID string) (*runlog.Buffer, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[threadID]
	return buf, r.runIDs[threadID], ok
}

// Cancel cancels the thread's in-flight run. Returns false when no run
// is active.
func (r *Registry) Cancel(threadID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[threadID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// setState records the thread's agent monitor state.
func (r *Registry) setState(threadID, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[threadID] = state
}

// State returns the thread's agent monitor state.
func (r *Registry) State(threadID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[threadID]; ok {
		return s
	}
	return StateIdle
}

// forget drops every in-memory trace of a thread.
func (r *Registry) forget(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, threadID)
	delete(r.buffers, threadID)
	delete(r.runIDs, threadID)
	delete(r.cancels, threadID)
	delete(r.states, threadID)
}
