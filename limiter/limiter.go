// Package limiter caps the number of concurrently running agents.
package limiter

import (
	"fmt"
	"sync"
)

// DefaultMaxAgents is the ceiling applied when none is configured.
const DefaultMaxAgents = 5

// Verdict is the result of a launch admission check.
type Verdict struct {
	Reason    string
	CanLaunch bool
}

// Limiter tracks in-flight agents against a configured ceiling.
// RecordLaunch and RecordCompletion are the only mutators and both are
// idempotent.
type Limiter struct {
	inflight map[string]struct{}
	max      int
	mu       sync.Mutex
}

// New creates a limiter with the given ceiling (DefaultMaxAgents if
// max is not positive).
func New(max int) *Limiter {
	if max <= 0 {
		max = DefaultMaxAgents
	}
	return &Limiter{
		inflight: make(map[string]struct{}),
		max:      max,
	}
}

// ValidateLaunch checks whether one more agent fits under the ceiling.
// It does not reserve a slot; call RecordLaunch once the launch is
// committed.
func (l *Limiter) ValidateLaunch(id string) Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.inflight[id]; ok {
		return Verdict{CanLaunch: true}
	}
	if len(l.inflight) >= l.max {
		return Verdict{
			Reason: fmt.Sprintf("agent limit reached: %d of %d agents running", len(l.inflight), l.max),
		}
	}
	return Verdict{CanLaunch: true}
}

// RecordLaunch marks an agent as in flight.
func (l *Limiter) RecordLaunch(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inflight[id] = struct{}{}
}

// RecordCompletion releases an agent's slot. Completing an unknown id
// is a no-op, not an error.
func (l *Limiter) RecordCompletion(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, id)
}

// InFlight returns the current number of running agents.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}

// Max returns the configured ceiling.
func (l *Limiter) Max() int {
	return l.max
}
