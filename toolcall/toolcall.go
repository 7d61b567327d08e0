// Package toolcall models tool invocations requested by agents and
// reconciles the raw fragment stream into canonical, monotonically
// advancing tool-call state.
package toolcall

import (
	"encoding/json"
	"strings"
)

// Status is the lifecycle status of a tool call.
type Status string

const (
	// StatusPending indicates the call awaits approval.
	StatusPending Status = "pending"
	// StatusApproved indicates the user or auto-approval accepted the call.
	StatusApproved Status = "approved"
	// StatusCompleted indicates the tool finished executing.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the tool execution failed.
	StatusFailed Status = "failed"
	// StatusRejected indicates the user declined the call.
	StatusRejected Status = "rejected"
)

// Terminal reports whether the status must never be overwritten.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRejected
}

// ToolCall is the canonical record for one logical tool invocation.
type ToolCall struct {
	Args      map[string]interface{} `json:"args"`
	Result    interface{}            `json:"result,omitempty"`
	ID        string                 `json:"id"`
	Tool      string                 `json:"tool"`
	Status    Status                 `json:"status"`
	IsPartial bool                   `json:"isPartial"`
	Success   bool                   `json:"success,omitempty"`
	HasResult bool                   `json:"hasResult,omitempty"`

	signature string
}

// Fragment is a raw tool-call update as reported by the upstream stream.
type Fragment struct {
	Args      map[string]interface{}
	ID        string
	Tool      string
	IsPartial bool
}

// Valid reports whether the fragment names a real tool. Fragments with
// an empty or "unknown" tool name come from upstream stream glitches
// and are dropped before reaching the reconciler.
func (f Fragment) Valid() bool {
	return f.Tool != "" && f.Tool != "unknown"
}

// NormalizeArgs rewrites literal escape sequences in the content arg.
// Certain providers double-escape streamed file content, so "\n" and
// "\"" arrive as two-character literals.
func NormalizeArgs(args map[string]interface{}) map[string]interface{} {
	content, ok := args["content"].(string)
	if !ok {
		return args
	}
	normalized := strings.ReplaceAll(content, `\n`, "\n")
	normalized = strings.ReplaceAll(normalized, `\"`, `"`)
	if normalized == content {
		return args
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}
	out["content"] = normalized
	return out
}

// signatureOf computes the dedup signature for a (tool, args) pair.
// json.Marshal sorts map keys at every level, so equal argument sets
// always produce equal signatures.
func signatureOf(tool string, args map[string]interface{}) string {
	data, err := json.Marshal(args)
	if err != nil {
		data = nil
	}
	return tool + "\x00" + string(data)
}
