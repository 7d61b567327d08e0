package engine

import (
	"encoding/json"

	"github.com/peterfei/ifai-sub004/registry"
	"github.com/peterfei/ifai-sub004/tasktree"
)

// ProposalFile is one file-level change in a proposal.
type ProposalFile struct {
	Path        string `json:"path"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

// Proposal is the structured change proposal a proposal-subtype agent
// embeds in its result text.
type Proposal struct {
	Summary string         `json:"summary"`
	Files   []ProposalFile `json:"files,omitempty"`
}

// ExtractProposal pulls a proposal object out of free-form result
// text. The object is rooted under a "proposal" key, possibly inside
// markdown fences.
func ExtractProposal(s string) (*Proposal, bool) {
	raw, ok := tasktree.ExtractBalanced(tasktree.StripFences(s), "proposal")
	if !ok {
		return nil, false
	}
	var p Proposal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, false
	}
	if p.Summary == "" && len(p.Files) == 0 {
		return nil, false
	}
	return &p, true
}

// postParse runs the best-effort structured extraction after a result
// event. Failures surface only as a secondary notification; the
// completed transition already happened.
func (e *Engine) postParse(st *agentState, result string) {
	switch st.agentType {
	case registry.TypeProposal:
		p, ok := ExtractProposal(result)
		if !ok {
			e.log.Warn("proposal extraction failed", "agentID", st.id)
			if e.cfg.Notifier != nil {
				e.cfg.Notifier.Notify(st.threadID, "Proposal unavailable", "The agent's proposal could not be parsed.")
			}
			return
		}
		e.cfg.Registry.Update(st.id, func(a *registry.Agent) {
			a.AppendLog("Proposal: "+p.Summary, registry.DefaultLogLimit)
			for _, f := range p.Files {
				a.AppendLog("  "+f.Action+" "+f.Path, registry.DefaultLogLimit)
			}
		})
	case registry.TypeTaskBreakdown:
		// The final result text may carry tree nodes that never made it
		// through the streaming buffer.
		lines := st.extractor.Feed(result)
		if len(lines) == 0 {
			return
		}
		e.cfg.Registry.Update(st.id, func(a *registry.Agent) {
			for _, line := range lines {
				a.AppendLog(line, registry.DefaultLogLimit)
			}
		})
	}
}
