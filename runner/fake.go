package runner

import (
	"context"
	"sync"

	"github.com/peterfei/ifai-sub004/events"
)

// Approval records one Approve call made against a FakeRunner.
type Approval struct {
	AgentID    string
	ToolCallID string
	Approved   bool
}

// FakeRunner is an in-memory Runner for tests. Launch replays the
// scripted events for the request's agent type (falling back to the
// default script) and returns the scripted error.
type FakeRunner struct {
	scripts   map[string][]events.Event
	errs      map[string]error
	approvals []Approval
	stopped   []string
	launched  []LaunchRequest
	mu        sync.Mutex
}

// NewFakeRunner creates an empty fake.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		scripts: make(map[string][]events.Event),
		errs:    make(map[string]error),
	}
}

// Script sets the events replayed for launches of the given agent
// type. An empty agentType sets the default script.
func (r *FakeRunner) Script(agentType string, evs ...events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[agentType] = evs
}

// Fail makes launches of the given agent type return err after the
// scripted events.
func (r *FakeRunner) Fail(agentType string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[agentType] = err
}

// Launch replays the scripted events to the sink.
func (r *FakeRunner) Launch(ctx context.Context, req LaunchRequest, sink EventSink) error {
	r.mu.Lock()
	r.launched = append(r.launched, req)
	evs, ok := r.scripts[req.AgentType]
	if !ok {
		evs = r.scripts[""]
	}
	err := r.errs[req.AgentType]
	r.mu.Unlock()

	for _, ev := range evs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		sink.Deliver(req.ID, ev)
	}
	return err
}

// Approve records the decision.
func (r *FakeRunner) Approve(ctx context.Context, agentID, toolCallID string, approved bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvals = append(r.approvals, Approval{AgentID: agentID, ToolCallID: toolCallID, Approved: approved})
	return nil
}

// Stop records the stop.
func (r *FakeRunner) Stop(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, agentID)
	return nil
}

// Approvals returns the recorded Approve calls.
func (r *FakeRunner) Approvals() []Approval {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Approval(nil), r.approvals...)
}

// Stopped returns the ids passed to Stop.
func (r *FakeRunner) Stopped() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stopped...)
}

// Launched returns the recorded launch requests.
func (r *FakeRunner) Launched() []LaunchRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LaunchRequest(nil), r.launched...)
}

var _ Runner = (*FakeRunner)(nil)
