package toolcall

import (
	"context"
	"log/slog"
	"sync"
)

// Outcome describes how the reconciler handled a fragment.
type Outcome int

const (
	// OutcomeDropped means the fragment was invalid and ignored.
	OutcomeDropped Outcome = iota
	// OutcomeInserted means a new canonical call was created.
	OutcomeInserted
	// OutcomeUpdated means an existing canonical call was merged.
	OutcomeUpdated
	// OutcomeAbsorbed means the fragment duplicated an existing call
	// under a new id and was discarded; the dedup map now maps its id
	// to the canonical one.
	OutcomeAbsorbed
	// OutcomeSkipped means the fragment was byte-identical to the
	// current partial state and produced no change.
	OutcomeSkipped
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeDropped:
		return "dropped"
	case OutcomeInserted:
		return "inserted"
	case OutcomeUpdated:
		return "updated"
	case OutcomeAbsorbed:
		return "absorbed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// nopHandler is a slog.Handler that discards all output.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }

var nopLogger = slog.New(nopHandler{})

// Reconciler folds raw tool-call fragments into a canonical list for
// one conversation turn. Certain upstream providers resend the same
// logical call under a fresh id; the reconciler collapses those by
// (tool, args) signature and remembers the mapping so user actions
// referencing a superseded id still land on the canonical call.
type Reconciler struct {
	byID    map[string]int
	skipped map[string]string
	log     *slog.Logger
	calls   []*ToolCall
	mu      sync.Mutex
}

// NewReconciler creates an empty reconciler. logger may be nil.
func NewReconciler(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = nopLogger
	}
	return &Reconciler{
		byID:    make(map[string]int),
		skipped: make(map[string]string),
		log:     logger,
	}
}

// Apply reconciles one fragment. It returns the outcome and a copy of
// the canonical call the fragment landed on (nil for dropped fragments).
func (r *Reconciler) Apply(f Fragment) (Outcome, *ToolCall) {
	if !f.Valid() {
		r.log.Warn("dropping invalid tool call fragment", "id", f.ID, "tool", f.Tool)
		return OutcomeDropped, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	args := NormalizeArgs(f.Args)
	sig := signatureOf(f.Tool, args)

	var idMatch *ToolCall
	if idx, ok := r.byID[r.resolveLocked(f.ID)]; ok {
		idMatch = r.calls[idx]
	}

	var sigMatch *ToolCall
	for _, c := range r.calls {
		if c.signature == sig {
			sigMatch = c
			break
		}
	}

	// A signature match under a brand-new id is a duplicate
	// announcement from upstream: map the spurious id to the
	// canonical call and discard the fragment.
	if sigMatch != nil && idMatch == nil {
		r.skipped[f.ID] = sigMatch.ID
		r.log.Debug("absorbed duplicate tool call",
			"skippedID", f.ID,
			"canonicalID", sigMatch.ID,
			"tool", f.Tool,
		)
		out := *sigMatch
		return OutcomeAbsorbed, &out
	}

	if idMatch != nil {
		// Identical partial re-sends carry no new information.
		if idMatch.signature == sig && idMatch.IsPartial && f.IsPartial {
			out := *idMatch
			return OutcomeSkipped, &out
		}
		idMatch.Tool = f.Tool
		idMatch.Args = args
		idMatch.signature = sig
		idMatch.IsPartial = f.IsPartial
		// Terminal statuses are immutable and an approved call is not
		// knocked back to pending by a late partial fragment, so the
		// merge never touches Status.
		out := *idMatch
		return OutcomeUpdated, &out
	}

	call := &ToolCall{
		ID:        f.ID,
		Tool:      f.Tool,
		Args:      args,
		Status:    StatusPending,
		IsPartial: f.IsPartial,
		signature: sig,
	}
	r.calls = append(r.calls, call)
	r.byID[f.ID] = len(r.calls) - 1
	// A reused id from a prior turn starts a fresh call; stale dedup
	// entries pointing at it no longer apply.
	delete(r.skipped, f.ID)
	out := *call
	return OutcomeInserted, &out
}

// Resolve maps a possibly superseded tool-call id to its canonical id.
// Unknown ids resolve to themselves.
func (r *Reconciler) Resolve(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(id)
}

func (r *Reconciler) resolveLocked(id string) string {
	if canonical, ok := r.skipped[id]; ok {
		return canonical
	}
	return id
}

// SetStatus transitions the canonical call for id to the given status.
// Terminal statuses are never overwritten. Returns the updated call
// and whether a change was applied.
func (r *Reconciler) SetStatus(id string, status Status) (*ToolCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byID[r.resolveLocked(id)]
	if !ok {
		return nil, false
	}
	call := r.calls[idx]
	if call.Status.Terminal() {
		out := *call
		return &out, false
	}
	call.Status = status
	out := *call
	return &out, true
}

// AttachResult records the execution result on the canonical call for
// id without touching its status; status ownership stays with the
// result event handler to avoid cross-writing races.
func (r *Reconciler) AttachResult(id string, result interface{}, success bool) (*ToolCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byID[r.resolveLocked(id)]
	if !ok {
		return nil, false
	}
	call := r.calls[idx]
	call.Result = result
	call.Success = success
	call.HasResult = true
	out := *call
	return &out, true
}

// CompleteAll marks every non-terminal call completed. Used when the
// agent's result event closes the turn.
func (r *Reconciler) CompleteAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if !c.Status.Terminal() {
			c.Status = StatusCompleted
			c.IsPartial = false
		}
	}
}

// Get returns a copy of the canonical call for id, resolving the dedup
// map first.
func (r *Reconciler) Get(id string) (*ToolCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.byID[r.resolveLocked(id)]
	if !ok {
		return nil, false
	}
	out := *r.calls[idx]
	return &out, true
}

// Calls returns copies of the canonical calls in insertion order.
func (r *Reconciler) Calls() []ToolCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ToolCall, len(r.calls))
	for i, c := range r.calls {
		out[i] = *c
	}
	return out
}

// Reset clears canonical calls and the dedup map at a turn boundary.
// Dedup guarantees are scoped to a single turn.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
	r.byID = make(map[string]int)
	r.skipped = make(map[string]string)
}
