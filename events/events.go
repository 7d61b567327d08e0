// Package events defines the payloads streamed by the external agent
// execution process and decodes them into typed events at the boundary.
package events

import "encoding/json"

// EventType discriminates between event kinds on an agent's channel.
type EventType string

const (
	EventTypeStatus          EventType = "status"
	EventTypeLog             EventType = "log"
	EventTypeThinking        EventType = "thinking"
	EventTypeContent         EventType = "content"
	EventTypeToolCall        EventType = "tool_call"
	EventTypeToolResult      EventType = "tool_result"
	EventTypeResult          EventType = "result"
	EventTypeExploreProgress EventType = "explore_progress"
	EventTypeExploreFindings EventType = "explore_findings"
	EventTypeError           EventType = "error"
)

// Event is the interface for all agent stream events.
type Event interface {
	EventType() EventType
}

// StatusEvent updates agent status and optionally progress.
type StatusEvent struct {
	Progress *float64 `json:"progress,omitempty"`
	Status   string   `json:"status"`
}

// EventType returns the event type.
func (e StatusEvent) EventType() EventType { return EventTypeStatus }

// LogEvent appends a log line to the agent.
type LogEvent struct {
	Message string `json:"message"`
}

// EventType returns the event type.
func (e LogEvent) EventType() EventType { return EventTypeLog }

// ContentEvent carries a streamed text chunk. Thinking marks chunks
// that arrived under the "thinking" tag; both feed the same buffer.
type ContentEvent struct {
	Content  string `json:"content"`
	Thinking bool   `json:"-"`
}

// EventType returns the event type.
func (e ContentEvent) EventType() EventType {
	if e.Thinking {
		return EventTypeThinking
	}
	return EventTypeContent
}

// ToolCallPayload is a raw tool-call fragment as reported upstream.
// IDs are not guaranteed unique across fragments; see toolcall.Reconciler.
type ToolCallPayload struct {
	Args      map[string]interface{} `json:"args"`
	ID        string                 `json:"id"`
	Tool      string                 `json:"tool"`
	IsPartial bool                   `json:"isPartial,omitempty"`
}

// ToolCallEvent announces or updates a tool invocation.
type ToolCallEvent struct {
	ToolCall ToolCallPayload `json:"toolCall"`
}

// EventType returns the event type.
func (e ToolCallEvent) EventType() EventType { return EventTypeToolCall }

// ToolResultEvent attaches an execution result to a tool call.
type ToolResultEvent struct {
	Result     interface{} `json:"result"`
	ToolCallID string      `json:"toolCallId"`
	Success    bool        `json:"success"`
}

// EventType returns the event type.
func (e ToolResultEvent) EventType() EventType { return EventTypeToolResult }

// ResultEvent finalizes the agent's conversation-facing output.
type ResultEvent struct {
	Result string `json:"result"`
}

// EventType returns the event type.
func (e ResultEvent) EventType() EventType { return EventTypeResult }

// ScanProgress counts scanned entries during directory exploration.
type ScanProgress struct {
	ByDirectory map[string]int `json:"byDirectory,omitempty"`
	Total       int            `json:"total"`
	Scanned     int            `json:"scanned"`
}

// ExploreProgress is the nested exploration state for explore agents.
// Upstream occasionally resends incomplete snapshots; merge rules live
// in the registry.
type ExploreProgress struct {
	Progress     *ScanProgress `json:"progress,omitempty"`
	Phase        string        `json:"phase"`
	CurrentFile  string        `json:"currentFile,omitempty"`
	ScannedFiles []string      `json:"scannedFiles,omitempty"`
}

// ExploreProgressEvent updates exploration progress.
type ExploreProgressEvent struct {
	ExploreProgress ExploreProgress `json:"exploreProgress"`
}

// EventType returns the event type.
func (e ExploreProgressEvent) EventType() EventType { return EventTypeExploreProgress }

// DirectoryFinding summarizes one explored directory.
type DirectoryFinding struct {
	Path      string   `json:"path"`
	KeyFiles  []string `json:"keyFiles,omitempty"`
	FileCount int      `json:"fileCount"`
}

// ExploreFindings is the final exploration summary.
type ExploreFindings struct {
	Summary     string             `json:"summary"`
	Directories []DirectoryFinding `json:"directories,omitempty"`
}

// ExploreFindingsEvent delivers exploration findings.
type ExploreFindingsEvent struct {
	ExploreFindings ExploreFindings `json:"exploreFindings"`
}

// EventType returns the event type.
func (e ExploreFindingsEvent) EventType() EventType { return EventTypeExploreFindings }

// ErrorEvent reports a fatal upstream error for the agent.
type ErrorEvent struct {
	Error string `json:"error"`
}

// EventType returns the event type.
func (e ErrorEvent) EventType() EventType { return EventTypeError }

// Parse decodes a raw message into a typed event.
// Unknown event types return (nil, nil) so stream corruption from
// newer upstreams never kills the agent; malformed JSON returns an
// error the caller is expected to drop and log.
func Parse(data []byte) (Event, error) {
	var base struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}

	switch base.Type {
	case EventTypeStatus:
		var e StatusEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTypeLog:
		var e LogEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTypeThinking, EventTypeContent:
		var e ContentEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		e.Thinking = base.Type == EventTypeThinking
		return e, nil
	case EventTypeToolCall:
		var e ToolCallEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTypeToolResult:
		var e ToolResultEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTypeResult:
		var e ResultEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTypeExploreProgress:
		var e ExploreProgressEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTypeExploreFindings:
		var e ExploreFindingsEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTypeError:
		var e ErrorEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, nil
	}
}
