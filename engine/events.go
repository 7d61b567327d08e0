package engine

import (
	"strings"
	"time"

	"github.com/peterfei/ifai-sub004/events"
	"github.com/peterfei/ifai-sub004/registry"
	"github.com/peterfei/ifai-sub004/toolcall"
)

// handleEvent applies one event's side-effect contract. Runs on the
// agent's consumer goroutine, strictly in arrival order.
func (e *Engine) handleEvent(st *agentState, ev events.Event) {
	// Late events for removed agents or conversations must not mutate
	// anything.
	if !e.cfg.Registry.Exists(st.id) || !e.cfg.Store.Exists(st.threadID, st.msgID) {
		e.log.Debug("dropping late event", "agentID", st.id, "type", ev.EventType())
		return
	}

	switch ev := ev.(type) {
	case events.StatusEvent:
		e.handleStatus(st, ev)
	case events.LogEvent:
		agent, ok := e.cfg.Registry.Update(st.id, func(a *registry.Agent) {
			a.AppendLog(ev.Message, registry.DefaultLogLimit)
			a.RepairStatus()
		})
		if ok {
			e.publish(agent)
		}
	case events.ContentEvent:
		st.fl.Add(ev.Content)
	case events.ToolCallEvent:
		e.handleToolCall(st, ev)
	case events.ToolResultEvent:
		e.handleToolResult(st, ev)
	case events.ResultEvent:
		e.handleResult(st, ev)
	case events.ExploreProgressEvent:
		e.cfg.Registry.Update(st.id, func(a *registry.Agent) {
			a.MergeExploreProgress(ev.ExploreProgress)
		})
	case events.ExploreFindingsEvent:
		e.cfg.Registry.Update(st.id, func(a *registry.Agent) {
			a.MergeExploreFindings(ev.ExploreFindings)
		})
	case events.ErrorEvent:
		e.handleError(st, ev)
	}
}

func (e *Engine) handleStatus(st *agentState, ev events.StatusEvent) {
	agent, ok := e.cfg.Registry.Update(st.id, func(a *registry.Agent) {
		if status, known := registry.ParseStatus(ev.Status); known {
			a.SetStatus(status)
		} else {
			a.RepairStatus()
		}
		if ev.Progress != nil {
			p := *ev.Progress
			if p < 0 {
				p = 0
			}
			if p > 1 {
				p = 1
			}
			a.Progress = p
		}
	})
	if ok {
		e.publish(agent)
	}
}

func (e *Engine) handleToolCall(st *agentState, ev events.ToolCallEvent) {
	frag := toolcall.Fragment{
		Args:      ev.ToolCall.Args,
		ID:        ev.ToolCall.ID,
		Tool:      ev.ToolCall.Tool,
		IsPartial: ev.ToolCall.IsPartial,
	}
	outcome, call := st.rec.Apply(frag)
	if outcome == toolcall.OutcomeDropped {
		return
	}

	// A reused id from a retry flow starts fresh with auto-approval.
	if outcome == toolcall.OutcomeInserted {
		e.approvals.Release(call.ID)
	}

	if !call.IsPartial && call.Status == toolcall.StatusPending {
		won := e.approvals.MaybeApprove(st.id, call.ID)
		if !won && !e.approvals.Claimed(call.ID) {
			// Auto-approve is off; park the agent until the user decides.
			agent, ok := e.cfg.Registry.Update(st.id, func(a *registry.Agent) {
				a.SetStatus(registry.StatusWaitingForTool)
			})
			if ok {
				e.publish(agent)
			}
		}
	}

	if outcome != toolcall.OutcomeSkipped {
		e.syncToolCalls(st)
	}
}

func (e *Engine) handleToolResult(st *agentState, ev events.ToolResultEvent) {
	if _, ok := st.rec.AttachResult(ev.ToolCallID, ev.Result, ev.Success); !ok {
		e.log.Warn("tool result for unknown call", "agentID", st.id, "toolCallID", ev.ToolCallID)
		return
	}
	e.syncToolCalls(st)

	// The tool ran; a parked agent is working again.
	agent, ok := e.cfg.Registry.Update(st.id, func(a *registry.Agent) {
		if a.Status == registry.StatusWaitingForTool {
			a.SetStatus(registry.StatusRunning)
		}
	})
	if ok {
		e.publish(agent)
	}
}

func (e *Engine) handleResult(st *agentState, ev events.ResultEvent) {
	st.fl.Flush()
	st.rec.CompleteAll()

	if err := e.cfg.Store.SetContent(st.threadID, st.msgID, ev.Result, false); err != nil {
		e.log.Warn("finalize content failed", "agentID", st.id, "error", err)
	}
	e.syncToolCalls(st)

	agent, ok := e.cfg.Registry.Update(st.id, func(a *registry.Agent) {
		a.Content = ev.Result
		a.SetStatus(registry.StatusCompleted)
		a.Progress = 1
		a.StampExpiry(time.Now(), e.expiryTTL)
	})
	if ok {
		e.publish(agent)
		e.notifyIfUnfocused(st, agent, "Agent completed")
	}

	// Structured post-parsing is best effort and must never block or
	// revert the completed transition.
	switch st.agentType {
	case registry.TypeProposal, registry.TypeTaskBreakdown:
		result := ev.Result
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.postParse(st, result)
		}()
	}

	e.cfg.Limiter.RecordCompletion(st.id)
	e.teardown(st)
}

func (e *Engine) handleError(st *agentState, ev events.ErrorEvent) {
	st.fl.Flush()

	marker := "Error: " + ev.Error
	if err := e.cfg.Store.SetContent(st.threadID, st.msgID, marker, false); err != nil {
		e.log.Warn("finalize content failed", "agentID", st.id, "error", err)
	}

	agent, ok := e.cfg.Registry.Update(st.id, func(a *registry.Agent) {
		a.Content = marker
		a.AppendLog(marker, registry.DefaultLogLimit)
		a.SetStatus(registry.StatusFailed)
		a.StampExpiry(time.Now(), e.expiryTTL)
	})
	if ok {
		e.publish(agent)
		e.notifyIfUnfocused(st, agent, "Agent failed")
	}

	e.cfg.Limiter.RecordCompletion(st.id)
	e.teardown(st)
}

// flushContent is the flusher callback: one batch per window, chunks
// in FIFO order.
func (e *Engine) flushContent(st *agentState, chunks []string) {
	joined := strings.Join(chunks, "")

	st.contentMu.Lock()
	st.content.WriteString(joined)
	buffer := st.content.String()
	st.contentMu.Unlock()

	if st.agentType == registry.TypeTaskBreakdown {
		// Task breakdowns are shown as extracted tree lines, not raw text.
		lines := st.extractor.Feed(buffer)
		if len(lines) == 0 {
			return
		}
		e.cfg.Registry.Update(st.id, func(a *registry.Agent) {
			for _, line := range lines {
				a.AppendLog(line, registry.DefaultLogLimit)
			}
			a.TrimLogs(registry.StreamingLogLimit)
		})
		return
	}

	e.cfg.Registry.Update(st.id, func(a *registry.Agent) {
		a.Content += joined
		a.TrimLogs(registry.StreamingLogLimit)
	})
	if err := e.cfg.Store.AppendContent(st.threadID, st.msgID, joined); err != nil {
		e.log.Warn("append content failed", "agentID", st.id, "error", err)
	}
}

func (e *Engine) syncToolCalls(st *agentState) {
	if err := e.cfg.Store.SetToolCalls(st.threadID, st.msgID, st.rec.Calls()); err != nil {
		e.log.Warn("sync tool calls failed", "agentID", st.id, "error", err)
	}
}

func (e *Engine) notifyIfUnfocused(st *agentState, agent registry.Agent, title string) {
	if e.cfg.Notifier == nil {
		return
	}
	if st.threadID == e.cfg.FocusedThread() {
		return
	}
	e.cfg.Notifier.Notify(st.threadID, title, agent.Task)
}
