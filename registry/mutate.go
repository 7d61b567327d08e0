package registry

import (
	"time"

	"github.com/peterfei/ifai-sub004/events"
)

// SetStatus transitions the agent's status, never regressing a
// terminal state. Reports whether a change was applied.
func (a *Agent) SetStatus(status Status) bool {
	if a.Status.Terminal() {
		return false
	}
	a.Status = status
	return true
}

// RepairStatus applies the defensive repair rule: a log or status
// event arriving while the agent is still initializing or idle means
// the agent is in fact running. Waiting-for-tool is exempt, since a
// tool call intentionally parks the agent there.
func (a *Agent) RepairStatus() {
	if a.Status == StatusInitializing || a.Status == StatusIdle {
		a.Status = StatusRunning
	}
}

// AppendLog appends a log line, keeping at most limit entries.
func (a *Agent) AppendLog(msg string, limit int) {
	a.Logs = append(a.Logs, msg)
	if limit > 0 && len(a.Logs) > limit {
		a.Logs = append([]string(nil), a.Logs[len(a.Logs)-limit:]...)
	}
}

// TrimLogs drops all but the newest limit entries. Applied during
// high-frequency streaming to bound memory.
func (a *Agent) TrimLogs(limit int) {
	if limit > 0 && len(a.Logs) > limit {
		a.Logs = append([]string(nil), a.Logs[len(a.Logs)-limit:]...)
	}
}

// StampExpiry schedules the agent for automatic cleanup after ttl.
// Task-breakdown agents are exempt so their output can be reviewed
// manually.
func (a *Agent) StampExpiry(now time.Time, ttl time.Duration) {
	if a.Type == TypeTaskBreakdown {
		return
	}
	a.ExpiresAt = now.Add(ttl)
}

// maxScannedFiles bounds the scanned-file sample kept per agent.
const maxScannedFiles = 10

// MergeExploreProgress folds an exploration progress snapshot into the
// agent. Upstream occasionally resends incomplete snapshots, so fields
// the newest event omits keep their previously observed values.
func (a *Agent) MergeExploreProgress(p events.ExploreProgress) {
	if a.ExploreProgress == nil {
		a.ExploreProgress = &events.ExploreProgress{}
	}
	cur := a.ExploreProgress

	if p.Phase != "" {
		cur.Phase = p.Phase
	}
	if p.CurrentFile != "" {
		cur.CurrentFile = p.CurrentFile
	}
	if len(p.ScannedFiles) > 0 {
		cur.ScannedFiles = append(cur.ScannedFiles, p.ScannedFiles...)
		if len(cur.ScannedFiles) > maxScannedFiles {
			cur.ScannedFiles = append([]string(nil), cur.ScannedFiles[len(cur.ScannedFiles)-maxScannedFiles:]...)
		}
	}
	if p.Progress != nil {
		if cur.Progress == nil {
			cur.Progress = &events.ScanProgress{}
		}
		cur.Progress.Scanned = p.Progress.Scanned
		// A resend with a zero total is an incomplete snapshot; the
		// previously observed total stands.
		if p.Progress.Total > 0 {
			cur.Progress.Total = p.Progress.Total
		}
		if len(p.Progress.ByDirectory) > 0 {
			if cur.Progress.ByDirectory == nil {
				cur.Progress.ByDirectory = make(map[string]int, len(p.Progress.ByDirectory))
			}
			for dir, n := range p.Progress.ByDirectory {
				cur.Progress.ByDirectory[dir] = n
			}
		}
	}
}

// MergeExploreFindings folds exploration findings into the agent,
// keeping previously seen directories when a resend omits them.
func (a *Agent) MergeExploreFindings(f events.ExploreFindings) {
	if a.ExploreFindings == nil {
		a.ExploreFindings = &events.ExploreFindings{}
	}
	cur := a.ExploreFindings

	if f.Summary != "" {
		cur.Summary = f.Summary
	}
	if len(f.Directories) > 0 {
		cur.Directories = append([]events.DirectoryFinding(nil), f.Directories...)
	}
}
