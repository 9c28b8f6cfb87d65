package queue

import (
	"sync"
	"time"
)

// Limits configures the admission-control behavior of one target's Queue.
type Limits struct {
	MaxInflight int
	MaxQueue    int
	Timeout     time.Duration
}

// Manager lazily creates and owns one Queue per target, all sharing the same
// Limits unless a target-specific override is registered.
type Manager struct {
	mu        sync.Mutex
	queues    map[string]*Queue
	defaults  Limits
	overrides map[string]Limits
}

// NewManager creates a Manager using defaults for any target without a
// registered override.
func NewManager(defaults Limits) *Manager {
	return &Manager{
		queues:    make(map[string]*Queue),
		defaults:  defaults,
		overrides: make(map[string]Limits),
	}
}

// SetLimits registers target-specific Limits, applied the next time that
// target's Queue is created by Get. It has no effect on a Queue already
// created for target.
func (m *Manager) SetLimits(target string, limits Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[target] = limits
}

// Get returns the Queue for target, creating it with the applicable Limits
// on first use.
func (m *Manager) Get(target string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[target]; ok {
		return q
	}

	limits := m.defaults
	if override, ok := m.overrides[target]; ok {
		limits = override
	}

	q := New(target, limits.MaxInflight, limits.MaxQueue, limits.Timeout)
	m.queues[target] = q
	return q
}

// Targets returns the names of every target with a created Queue.
func (m *Manager) Targets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	targets := make([]string, 0, len(m.queues))
	for t := range m.queues {
		targets = append(targets, t)
	}
	return targets
}

// snapshot returns every Queue created so far.
func (m *Manager) snapshot() []*Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	return queues
}

// Drain stops admission on every created Queue without blocking, so that
// requests arriving after Drain is called are refused with ErrShutdown
// instead of being queued behind a gateway that is already shutting down
// (spec §9). Call Wait afterward to block until in-flight work finishes.
func (m *Manager) Drain() {
	for _, q := range m.snapshot() {
		q.Drain()
	}
}

// Wait blocks until every created Queue's workers have exited. Call Drain
// first; Wait does not itself stop admission.
func (m *Manager) Wait() {
	for _, q := range m.snapshot() {
		q.Wait()
	}
}

// CloseAll closes every created Queue, waiting for in-flight jobs to finish.
// Equivalent to Drain followed by Wait.
func (m *Manager) CloseAll() {
	m.Drain()
	m.Wait()
}
