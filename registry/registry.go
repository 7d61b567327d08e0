// Package registry holds the authoritative state of every running
// agent. All mutations are serialized through a single owner goroutine
// so concurrent event callbacks can never tear a record.
package registry

import (
	"time"

	"github.com/peterfei/ifai-sub004/events"
)

const (
	// DefaultLogLimit bounds an agent's log to the most recent entries.
	DefaultLogLimit = 100
	// StreamingLogLimit is the tighter bound applied during
	// high-frequency content streaming.
	StreamingLogLimit = 50
)

// Agent is one launched, independently streaming unit of automated work.
type Agent struct {
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
	ExploreProgress *events.ExploreProgress
	ExploreFindings *events.ExploreFindings
	ID              string
	ThreadID        string
	Task            string
	Content         string
	Type            AgentType
	Status          Status
	Logs            []string
	Progress        float64
}

// clone returns a deep enough copy for safe hand-out to readers.
func (a *Agent) clone() Agent {
	out := *a
	out.Logs = append([]string(nil), a.Logs...)
	if a.ExploreProgress != nil {
		ep := *a.ExploreProgress
		ep.ScannedFiles = append([]string(nil), a.ExploreProgress.ScannedFiles...)
		out.ExploreProgress = &ep
	}
	if a.ExploreFindings != nil {
		ef := *a.ExploreFindings
		ef.Directories = append([]events.DirectoryFinding(nil), a.ExploreFindings.Directories...)
		out.ExploreFindings = &ef
	}
	return out
}

// Registry is the single-owner store of agent records. Every public
// method routes through one command channel consumed by a dedicated
// goroutine, giving single-writer semantics without per-field locks.
type Registry struct {
	ops  chan func(map[string]*Agent)
	done chan struct{}
}

// New creates a registry and starts its owner goroutine.
func New() *Registry {
	r := &Registry{
		ops:  make(chan func(map[string]*Agent)),
		done: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	agents := make(map[string]*Agent)
	for {
		select {
		case op := <-r.ops:
			op(agents)
		case <-r.done:
			return
		}
	}
}

// Close stops the owner goroutine. Pending callers are not drained;
// close only after all users are done.
func (r *Registry) Close() {
	close(r.done)
}

// do runs fn on the owner goroutine and waits for it to finish.
func (r *Registry) do(fn func(map[string]*Agent)) {
	reply := make(chan struct{})
	select {
	case r.ops <- func(agents map[string]*Agent) {
		fn(agents)
		close(reply)
	}:
		<-reply
	case <-r.done:
	}
}

// Create registers a new agent record in the initializing state.
func (r *Registry) Create(id, threadID, task string, agentType AgentType) Agent {
	var out Agent
	r.do(func(agents map[string]*Agent) {
		now := time.Now()
		a := &Agent{
			ID:        id,
			ThreadID:  threadID,
			Task:      task,
			Type:      agentType,
			Status:    StatusInitializing,
			CreatedAt: now,
			UpdatedAt: now,
		}
		agents[id] = a
		out = a.clone()
	})
	return out
}

// Get returns a copy of the agent record, if present.
func (r *Registry) Get(id string) (Agent, bool) {
	var (
		out Agent
		ok  bool
	)
	r.do(func(agents map[string]*Agent) {
		if a, found := agents[id]; found {
			out = a.clone()
			ok = true
		}
	})
	return out, ok
}

// Exists reports whether the agent is still registered. Late events
// for removed agents must not mutate anything.
func (r *Registry) Exists(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// List returns copies of all agent records.
func (r *Registry) List() []Agent {
	var out []Agent
	r.do(func(agents map[string]*Agent) {
		for _, a := range agents {
			out = append(out, a.clone())
		}
	})
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	var n int
	r.do(func(agents map[string]*Agent) {
		n = len(agents)
	})
	return n
}

// Update applies fn to the agent record under single-writer discipline
// and returns the updated copy. Returns false if the agent is gone.
func (r *Registry) Update(id string, fn func(*Agent)) (Agent, bool) {
	var (
		out Agent
		ok  bool
	)
	r.do(func(agents map[string]*Agent) {
		a, found := agents[id]
		if !found {
			return
		}
		fn(a)
		a.UpdatedAt = time.Now()
		out = a.clone()
		ok = true
	})
	return out, ok
}

// Remove deletes the agent record. Used for explicit user dismissal
// and batch cleanup.
func (r *Registry) Remove(id string) bool {
	var ok bool
	r.do(func(agents map[string]*Agent) {
		if _, found := agents[id]; found {
			delete(agents, id)
			ok = true
		}
	})
	return ok
}

// CleanupFinished removes completed and failed agents whose expiry has
// passed and returns the removed ids. Agents without an expiry stamp
// (the task-breakdown exemption) are kept.
func (r *Registry) CleanupFinished(now time.Time) []string {
	var removed []string
	r.do(func(agents map[string]*Agent) {
		for id, a := range agents {
			if !a.Status.Terminal() {
				continue
			}
			if a.ExpiresAt.IsZero() || a.ExpiresAt.After(now) {
				continue
			}
			delete(agents, id)
			removed = append(removed, id)
		}
	})
	return removed
}
