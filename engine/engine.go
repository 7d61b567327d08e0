// Package engine ties the reconciliation components together: it
// registers a per-agent event channel before the external process is
// invoked, folds the event stream into registry and conversation
// state, and tears everything down on terminal events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peterfei/ifai-sub004/approval"
	"github.com/peterfei/ifai-sub004/convo"
	"github.com/peterfei/ifai-sub004/events"
	"github.com/peterfei/ifai-sub004/flusher"
	"github.com/peterfei/ifai-sub004/limiter"
	"github.com/peterfei/ifai-sub004/registry"
	"github.com/peterfei/ifai-sub004/runner"
	"github.com/peterfei/ifai-sub004/tasktree"
	"github.com/peterfei/ifai-sub004/toolcall"
)

// ErrLaunchRejected wraps resource-limiter rejections.
var ErrLaunchRejected = errors.New("launch rejected")

// DefaultExpiryTTL is how long finished agents linger before batch
// cleanup removes them.
const DefaultExpiryTTL = 5 * time.Minute

// nopHandler is a slog.Handler that discards all output.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }

var nopLogger = slog.New(nopHandler{})

// StatusChange is the global status mirror entry published for every
// agent status transition.
type StatusChange struct {
	ID       string
	Status   registry.Status
	Progress float64
}

// Config wires the engine's collaborators.
type Config struct {
	Runner   runner.Runner
	Registry *registry.Registry
	Limiter  *limiter.Limiter
	Store    convo.Store
	Notifier convo.Notifier

	// AutoApprove gates the auto-approval controller; nil means always on.
	AutoApprove func() bool
	// ProjectRoot supplies the workspace passed to launches.
	ProjectRoot func() string
	// FocusedThread names the conversation currently on screen; agents
	// finishing elsewhere produce a toast.
	FocusedThread func() string

	Logger        *slog.Logger
	FlushWindow   time.Duration
	ApprovalDelay time.Duration
	ExpiryTTL     time.Duration
}

// agentState is the per-agent reconciliation surface, registered
// before the external process is invoked.
type agentState struct {
	rec       *toolcall.Reconciler
	fl        *flusher.Flusher
	extractor *tasktree.Extractor
	events    chan events.Event
	done      chan struct{}
	id        string
	threadID  string
	msgID     string
	agentType registry.AgentType
	content   strings.Builder
	contentMu sync.Mutex
	closeOnce sync.Once
}

// Engine is the orchestrator.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	approvals *approval.Controller
	agents    map[string]*agentState
	subs      []chan StatusChange
	expiryTTL time.Duration
	mu        sync.Mutex
	wg        sync.WaitGroup
}

// New creates an engine from cfg. Runner, Registry, Limiter and Store
// are required.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = nopLogger
	}
	if cfg.AutoApprove == nil {
		cfg.AutoApprove = func() bool { return true }
	}
	if cfg.ProjectRoot == nil {
		cfg.ProjectRoot = func() string { return "" }
	}
	if cfg.FocusedThread == nil {
		cfg.FocusedThread = func() string { return "" }
	}
	ttl := cfg.ExpiryTTL
	if ttl <= 0 {
		ttl = DefaultExpiryTTL
	}

	e := &Engine{
		cfg:       cfg,
		log:       cfg.Logger,
		agents:    make(map[string]*agentState),
		expiryTTL: ttl,
	}
	e.approvals = approval.NewController(
		approval.ApproverFunc(func(ctx context.Context, agentID, toolCallID string, approved bool) error {
			return e.approve(ctx, agentID, toolCallID, approved)
		}),
		cfg.AutoApprove,
		cfg.ApprovalDelay,
		cfg.Logger,
	)
	return e
}

// Launch admits, registers and starts one agent. The event channel is
// registered before the runner is invoked so the first event can never
// be lost. Launch returns once the agent record exists; execution is
// asynchronous.
func (e *Engine) Launch(ctx context.Context, threadID string, agentType registry.AgentType, task string) (registry.Agent, error) {
	id := uuid.NewString()

	if v := e.cfg.Limiter.ValidateLaunch(id); !v.CanLaunch {
		return registry.Agent{}, fmt.Errorf("%w: %s", ErrLaunchRejected, v.Reason)
	}

	agent := e.cfg.Registry.Create(id, threadID, task, agentType)
	agent, _ = e.cfg.Registry.Update(id, func(a *registry.Agent) {
		a.AppendLog(fmt.Sprintf("Launching %s agent: %s", agentType, task), registry.DefaultLogLimit)
	})

	if err := e.cfg.Store.Upsert(convo.Message{
		ID:        id,
		ThreadID:  threadID,
		Role:      "agent",
		Streaming: true,
	}); err != nil {
		e.cfg.Registry.Remove(id)
		return registry.Agent{}, fmt.Errorf("create agent message: %w", err)
	}

	st := &agentState{
		rec:       toolcall.NewReconciler(e.log),
		extractor: tasktree.NewExtractor(tasktree.DefaultKey),
		events:    make(chan events.Event, 64),
		done:      make(chan struct{}),
		id:        id,
		threadID:  threadID,
		msgID:     id,
		agentType: agentType,
	}
	st.fl = flusher.New(e.cfg.FlushWindow, func(chunks []string) {
		e.flushContent(st, chunks)
	})

	e.mu.Lock()
	e.agents[id] = st
	e.mu.Unlock()

	e.cfg.Limiter.RecordLaunch(id)

	e.wg.Add(1)
	go e.consume(st)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		req := runner.LaunchRequest{
			ID:          id,
			AgentType:   string(agentType),
			Task:        task,
			ProjectRoot: e.cfg.ProjectRoot(),
		}
		if err := e.cfg.Runner.Launch(ctx, req, runner.SinkFunc(e.Deliver)); err != nil {
			e.launchFailed(st, err)
		}
	}()

	e.log.Info("agent launched", "agentID", id, "type", agentType)
	return agent, nil
}

// Deliver routes one event onto the agent's channel. Events for
// unknown or torn-down agents are dropped.
func (e *Engine) Deliver(agentID string, ev events.Event) {
	e.mu.Lock()
	st, ok := e.agents[agentID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case st.events <- ev:
	case <-st.done:
	}
}

func (e *Engine) consume(st *agentState) {
	defer e.wg.Done()
	for {
		select {
		case ev := <-st.events:
			e.handleEvent(st, ev)
		case <-st.done:
			return
		}
	}
}

// launchFailed handles a runner error. If the agent already reached a
// terminal state through its events the transition is a no-op.
func (e *Engine) launchFailed(st *agentState, err error) {
	e.log.Warn("agent launch failed", "agentID", st.id, "error", err)
	agent, ok := e.cfg.Registry.Update(st.id, func(a *registry.Agent) {
		a.AppendLog("Launch failed: "+err.Error(), registry.DefaultLogLimit)
		if a.SetStatus(registry.StatusFailed) {
			a.StampExpiry(time.Now(), e.expiryTTL)
		}
	})
	if ok {
		e.publish(agent)
	}
	e.cfg.Limiter.RecordCompletion(st.id)
	e.teardown(st)
}

// Approve applies a user approval decision. The tool-call id is
// resolved through the dedup map first, so acting on a superseded id
// lands on the canonical call.
func (e *Engine) Approve(ctx context.Context, agentID, toolCallID string, approved bool) error {
	return e.approve(ctx, agentID, toolCallID, approved)
}

func (e *Engine) approve(ctx context.Context, agentID, toolCallID string, approved bool) error {
	e.mu.Lock()
	st, ok := e.agents[agentID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", runner.ErrUnknownAgent, agentID)
	}

	canonical := st.rec.Resolve(toolCallID)
	status := toolcall.StatusApproved
	if !approved {
		status = toolcall.StatusRejected
	}
	st.rec.SetStatus(canonical, status)
	e.syncToolCalls(st)

	if err := e.cfg.Runner.Approve(ctx, agentID, canonical, approved); err != nil {
		return fmt.Errorf("relay approval: %w", err)
	}
	return nil
}

// Stop halts a running agent and tears down its listener.
func (e *Engine) Stop(id string) error {
	e.mu.Lock()
	st, ok := e.agents[id]
	e.mu.Unlock()

	if err := e.cfg.Runner.Stop(id); err != nil {
		return err
	}
	agent, found := e.cfg.Registry.Update(id, func(a *registry.Agent) {
		a.SetStatus(registry.StatusStopped)
	})
	if found {
		e.publish(agent)
	}
	e.cfg.Limiter.RecordCompletion(id)
	if ok {
		e.teardown(st)
	}
	return nil
}

// Dismiss removes an agent on explicit user request. Any event
// arriving afterwards is dropped.
func (e *Engine) Dismiss(id string) {
	e.mu.Lock()
	st, ok := e.agents[id]
	e.mu.Unlock()
	if ok {
		e.teardown(st)
	}
	e.cfg.Registry.Remove(id)
	e.cfg.Limiter.RecordCompletion(id)
}

// CleanupFinished removes completed and failed agents past their
// expiry and returns the removed ids.
func (e *Engine) CleanupFinished() []string {
	removed := e.cfg.Registry.CleanupFinished(time.Now())
	for _, id := range removed {
		e.mu.Lock()
		st, ok := e.agents[id]
		e.mu.Unlock()
		if ok {
			e.teardown(st)
		}
	}
	return removed
}

// Subscribe returns a channel of global status changes. Slow
// subscribers lose updates rather than blocking the event path.
func (e *Engine) Subscribe() <-chan StatusChange {
	ch := make(chan StatusChange, 16)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) publish(a registry.Agent) {
	change := StatusChange{ID: a.ID, Status: a.Status, Progress: a.Progress}
	e.mu.Lock()
	subs := append([]chan StatusChange(nil), e.subs...)
	e.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func (e *Engine) teardown(st *agentState) {
	st.closeOnce.Do(func() {
		close(st.done)
		st.fl.Close()
		e.mu.Lock()
		delete(e.agents, st.id)
		e.mu.Unlock()
	})
}

// Wait blocks until all agent goroutines and scheduled approvals have
// finished. Shutdown and test helper.
func (e *Engine) Wait() {
	e.approvals.Wait()
	e.wg.Wait()
}
