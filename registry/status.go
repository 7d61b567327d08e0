package registry

// Status is the lifecycle status of an agent.
type Status string

const (
	// StatusInitializing is the state between launch and the first event.
	StatusInitializing Status = "initializing"
	// StatusRunning indicates the agent is actively working.
	StatusRunning Status = "running"
	// StatusWaitingForTool indicates a pending tool call awaits approval.
	StatusWaitingForTool Status = "waitingfortool"
	// StatusCompleted is terminal success.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal failure.
	StatusFailed Status = "failed"
	// StatusIdle indicates a registered but not yet scheduled agent.
	StatusIdle Status = "idle"
	// StatusStopped indicates the user halted the agent.
	StatusStopped Status = "stopped"
)

// Terminal reports whether the status must never be regressed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus maps an upstream status string to a known Status.
// Unknown strings return ("", false) so callers can apply the
// defensive repair rule instead of storing garbage.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusInitializing, StatusRunning, StatusWaitingForTool,
		StatusCompleted, StatusFailed, StatusIdle, StatusStopped:
		return Status(s), true
	default:
		return "", false
	}
}

// AgentType identifies the agent subtype, which drives content
// presentation and expiry behavior.
type AgentType string

const (
	// TypeExplore performs directory exploration.
	TypeExplore AgentType = "explore"
	// TypeReview reviews code.
	TypeReview AgentType = "review"
	// TypeTaskBreakdown produces a structured task tree; exempt from
	// auto-expiry so the breakdown can be reviewed manually.
	TypeTaskBreakdown AgentType = "task_breakdown"
	// TypeProposal produces a structured change proposal.
	TypeProposal AgentType = "proposal"
)
