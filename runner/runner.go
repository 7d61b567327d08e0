// Package runner defines the contract between the reconciliation
// engine and the external processes that actually execute agents. Two
// implementations ship: ProcessRunner spawns a sidecar binary and
// streams NDJSON from its stdout, WSRunner speaks the same event
// protocol over a websocket.
package runner

import (
	"context"
	"errors"

	"github.com/peterfei/ifai-sub004/events"
)

// ErrUnknownAgent is returned when an approval or stop targets an
// agent with no live execution.
var ErrUnknownAgent = errors.New("runner: unknown agent")

// LaunchRequest describes one agent to execute.
type LaunchRequest struct {
	// ID is the engine-assigned agent id.
	ID string `json:"id"`
	// AgentType selects the agent persona (explore, review, ...).
	AgentType string `json:"agentType"`
	// Task is the natural-language task description.
	Task string `json:"task"`
	// ProjectRoot is the workspace the agent operates in.
	ProjectRoot string `json:"projectRoot"`
}

// EventSink receives decoded events from a running agent.
type EventSink interface {
	Deliver(agentID string, ev events.Event)
}

// SinkFunc is a function adapter for EventSink.
type SinkFunc func(agentID string, ev events.Event)

// Deliver implements EventSink.
func (f SinkFunc) Deliver(agentID string, ev events.Event) { f(agentID, ev) }

// Runner executes agents and relays their event streams.
type Runner interface {
	// Launch starts the agent and blocks until its event stream ends.
	// Decoded events are delivered to the sink as they arrive. A nil
	// return means the stream ended cleanly; the terminal result event
	// still travels through the sink.
	Launch(ctx context.Context, req LaunchRequest, sink EventSink) error

	// Approve relays a tool-call approval decision to a running agent.
	Approve(ctx context.Context, agentID, toolCallID string, approved bool) error

	// Stop terminates a running agent. Stopping an unknown agent is a
	// no-op.
	Stop(agentID string) error
}
