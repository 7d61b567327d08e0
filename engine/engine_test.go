package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterfei/ifai-sub004/convo"
	"github.com/peterfei/ifai-sub004/events"
	"github.com/peterfei/ifai-sub004/limiter"
	"github.com/peterfei/ifai-sub004/registry"
	"github.com/peterfei/ifai-sub004/runner"
	"github.com/peterfei/ifai-sub004/toolcall"
)

// blockingRunner keeps Launch open until released so tests can drive
// events through Engine.Deliver directly.
type blockingRunner struct {
	release   chan struct{}
	approvals []runner.Approval
	stopped   []string
	mu        sync.Mutex
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{})}
}

func (r *blockingRunner) Launch(ctx context.Context, req runner.LaunchRequest, sink runner.EventSink) error {
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return nil
}

func (r *blockingRunner) Approve(ctx context.Context, agentID, toolCallID string, approved bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.approvals = append(r.approvals, runner.Approval{AgentID: agentID, ToolCallID: toolCallID, Approved: approved})
	return nil
}

func (r *blockingRunner) Stop(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, agentID)
	return nil
}

func (r *blockingRunner) approvalList() []runner.Approval {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runner.Approval(nil), r.approvals...)
}

type fixture struct {
	engine   *Engine
	registry *registry.Registry
	limiter  *limiter.Limiter
	store    *convo.MemoryStore
}

func newFixture(t *testing.T, r runner.Runner, opts func(*Config)) *fixture {
	t.Helper()
	reg := registry.New()
	t.Cleanup(reg.Close)
	lim := limiter.New(5)
	store := convo.NewMemoryStore()

	cfg := Config{
		Runner:        r,
		Registry:      reg,
		Limiter:       lim,
		Store:         store,
		FlushWindow:   5 * time.Millisecond,
		ApprovalDelay: 5 * time.Millisecond,
	}
	if opts != nil {
		opts(&cfg)
	}
	return &fixture{
		engine:   New(cfg),
		registry: reg,
		limiter:  cfg.Limiter,
		store:    store,
	}
}

func TestLaunchToCompletion(t *testing.T) {
	r := runner.NewFakeRunner()
	r.Script("explore",
		events.StatusEvent{Status: "running"},
		events.LogEvent{Message: "scanning repo"},
		events.ContentEvent{Content: "partial "},
		events.ContentEvent{Content: "text"},
		events.ResultEvent{Result: "exploration done"},
	)
	f := newFixture(t, r, nil)

	agent, err := f.engine.Launch(context.Background(), "t1", registry.TypeExplore, "map the repo")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusInitializing, agent.Status)

	f.engine.Wait()

	got, ok := f.registry.Get(agent.ID)
	require.True(t, ok)
	assert.Equal(t, registry.StatusCompleted, got.Status)
	assert.Equal(t, 1.0, got.Progress)
	assert.Equal(t, "exploration done", got.Content)
	assert.Contains(t, got.Logs[0], "Launching explore agent")
	assert.Contains(t, got.Logs, "scanning repo")
	assert.False(t, got.ExpiresAt.IsZero())

	msg, ok := f.store.Get("t1", agent.ID)
	require.True(t, ok)
	assert.Equal(t, "exploration done", msg.Content)
	assert.False(t, msg.Streaming)

	assert.Equal(t, 0, f.limiter.InFlight())
}

func TestResourceCeilingScenario(t *testing.T) {
	r := newBlockingRunner()
	f := newFixture(t, r, func(cfg *Config) {
		cfg.Limiter = limiter.New(1)
	})
	defer close(r.release)

	first, err := f.engine.Launch(context.Background(), "t1", registry.TypeExplore, "first")
	require.NoError(t, err)

	_, err = f.engine.Launch(context.Background(), "t1", registry.TypeExplore, "second")
	require.ErrorIs(t, err, ErrLaunchRejected)
	assert.Contains(t, err.Error(), "agent limit reached")

	f.engine.Deliver(first.ID, events.ResultEvent{Result: "done"})
	require.Eventually(t, func() bool {
		return f.limiter.InFlight() == 0
	}, 2*time.Second, 5*time.Millisecond)

	second, err := f.engine.Launch(context.Background(), "t1", registry.TypeExplore, "second")
	require.NoError(t, err)
	f.engine.Deliver(second.ID, events.ResultEvent{Result: "done"})
}

func TestContentOrderingWithinWindow(t *testing.T) {
	r := newBlockingRunner()
	f := newFixture(t, r, nil)
	defer close(r.release)

	agent, err := f.engine.Launch(context.Background(), "t1", registry.TypeExplore, "order")
	require.NoError(t, err)

	f.engine.Deliver(agent.ID, events.ContentEvent{Content: "A"})
	f.engine.Deliver(agent.ID, events.ContentEvent{Content: "B"})
	f.engine.Deliver(agent.ID, events.ContentEvent{Content: "C"})

	require.Eventually(t, func() bool {
		msg, ok := f.store.Get("t1", agent.ID)
		return ok && msg.Content == "ABC"
	}, 2*time.Second, 5*time.Millisecond)

	got, ok := f.registry.Get(agent.ID)
	require.True(t, ok)
	assert.Equal(t, "ABC", got.Content)

	f.engine.Dismiss(agent.ID)
}

func TestAutoApprovalExactlyOnce(t *testing.T) {
	r := newBlockingRunner()
	f := newFixture(t, r, nil)
	defer close(r.release)

	agent, err := f.engine.Launch(context.Background(), "t1", registry.TypeExplore, "approve once")
	require.NoError(t, err)

	call := events.ToolCallEvent{ToolCall: events.ToolCallPayload{
		ID:   "tc1",
		Tool: "write_file",
		Args: map[string]interface{}{"path": "a.go"},
	}}
	f.engine.Deliver(agent.ID, call)
	f.engine.Deliver(agent.ID, call)
	f.engine.Deliver(agent.ID, call)

	require.Eventually(t, func() bool {
		return len(r.approvalList()) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	approvals := r.approvalList()
	require.Len(t, approvals, 1)
	assert.Equal(t, "tc1", approvals[0].ToolCallID)
	assert.True(t, approvals[0].Approved)

	f.engine.Dismiss(agent.ID)
}

func TestAutoApproveDisabledParksAgent(t *testing.T) {
	r := newBlockingRunner()
	f := newFixture(t, r, func(cfg *Config) {
		cfg.AutoApprove = func() bool { return false }
	})
	defer close(r.release)

	agent, err := f.engine.Launch(context.Background(), "t1", registry.TypeExplore, "wait for user")
	require.NoError(t, err)

	f.engine.Deliver(agent.ID, events.ToolCallEvent{ToolCall: events.ToolCallPayload{
		ID:   "tc1",
		Tool: "write_file",
		Args: map[string]interface{}{"path": "a.go"},
	}})

	require.Eventually(t, func() bool {
		got, ok := f.registry.Get(agent.ID)
		return ok && got.Status == registry.StatusWaitingForTool
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, r.approvalList())

	// The tool result resumes the agent.
	f.engine.Deliver(agent.ID, events.ToolResultEvent{ToolCallID: "tc1", Result: "ok", Success: true})
	require.Eventually(t, func() bool {
		got, ok := f.registry.Get(agent.ID)
		return ok && got.Status == registry.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	f.engine.Dismiss(agent.ID)
}

func TestApproveResolvesSupersededID(t *testing.T) {
	r := newBlockingRunner()
	f := newFixture(t, r, func(cfg *Config) {
		cfg.AutoApprove = func() bool { return false }
	})
	defer close(r.release)

	agent, err := f.engine.Launch(context.Background(), "t1", registry.TypeExplore, "dedup approve")
	require.NoError(t, err)

	args := map[string]interface{}{"path": "a.go", "content": "x"}
	f.engine.Deliver(agent.ID, events.ToolCallEvent{ToolCall: events.ToolCallPayload{ID: "a", Tool: "write_file", Args: args}})
	f.engine.Deliver(agent.ID, events.ToolCallEvent{ToolCall: events.ToolCallPayload{ID: "b", Tool: "write_file", Args: args}})

	require.Eventually(t, func() bool {
		msg, ok := f.store.Get("t1", agent.ID)
		return ok && len(msg.ToolCalls) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Approving the superseded id lands on the canonical call.
	require.NoError(t, f.engine.Approve(context.Background(), agent.ID, "b", true))

	approvals := r.approvalList()
	require.Len(t, approvals, 1)
	assert.Equal(t, "a", approvals[0].ToolCallID)

	msg, ok := f.store.Get("t1", agent.ID)
	require.True(t, ok)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "a", msg.ToolCalls[0].ID)
	assert.Equal(t, toolcall.StatusApproved, msg.ToolCalls[0].Status)

	f.engine.Dismiss(agent.ID)
}

func TestLaunchFailure(t *testing.T) {
	r := runner.NewFakeRunner()
	r.Fail("explore", errors.New("sidecar missing"))
	f := newFixture(t, r, nil)

	agent, err := f.engine.Launch(context.Background(), "t1", registry.TypeExplore, "doomed")
	require.NoError(t, err)

	f.engine.Wait()

	got, ok := f.registry.Get(agent.ID)
	require.True(t, ok)
	assert.Equal(t, registry.StatusFailed, got.Status)
	require.NotEmpty(t, got.Logs)
	assert.Contains(t, got.Logs[len(got.Logs)-1], "Launch failed")
	assert.Equal(t, 0, f.limiter.InFlight())
}

func TestErrorEventFailsAgent(t *testing.T) {
	r := runner.NewFakeRunner()
	r.Script("explore",
		events.StatusEvent{Status: "running"},
		events.ErrorEvent{Error: "model overloaded"},
	)
	f := newFixture(t, r, nil)

	agent, err := f.engine.Launch(context.Background(), "t1", registry.TypeExplore, "will fail")
	require.NoError(t, err)

	f.engine.Wait()

	got, ok := f.registry.Get(agent.ID)
	require.True(t, ok)
	assert.Equal(t, registry.StatusFailed, got.Status)

	msg, ok := f.store.Get("t1", agent.ID)
	require.True(t, ok)
	assert.Equal(t, "Error: model overloaded", msg.Content)
	assert.Equal(t, 0, f.limiter.InFlight())
}

func TestLateEventAfterDismissIsDropped(t *testing.T) {
	r := newBlockingRunner()
	f := newFixture(t, r, nil)
	defer close(r.release)

	agent, err := f.engine.Launch(context.Background(), "t1", registry.TypeExplore, "dismissed")
	require.NoError(t, err)

	f.engine.Dismiss(agent.ID)
	assert.False(t, f.registry.Exists(agent.ID))

	f.engine.Deliver(agent.ID, events.StatusEvent{Status: "running"})
	time.Sleep(20 * time.Millisecond)
	assert.False(t, f.registry.Exists(agent.ID))
}

func TestLateEventAfterMessageRemovalIsDropped(t *testing.T) {
	r := newBlockingRunner()
	f := newFixture(t, r, nil)
	defer close(r.release)

	agent, err := f.engine.Launch(context.Background(), "t1", registry.TypeExplore, "context switch")
	require.NoError(t, err)

	// Switching UI context removes the conversation message.
	f.store.Remove("t1", agent.ID)

	f.engine.Deliver(agent.ID, events.LogEvent{Message: "too late"})
	time.Sleep(20 * time.Millisecond)

	got, ok := f.registry.Get(agent.ID)
	require.True(t, ok)
	assert.NotContains(t, got.Logs, "too late")

	f.engine.Dismiss(agent.ID)
}

func TestTaskBreakdownStreaming(t *testing.T) {
	r := newBlockingRunner()
	f := newFixture(t, r, nil)
	defer close(r.release)

	agent, err := f.engine.Launch(context.Background(), "t1", registry.TypeTaskBreakdown, "break it down")
	require.NoError(t, err)

	f.engine.Deliver(agent.ID, events.ContentEvent{Content: `{"taskTree":{"title":"Root","chi`})
	require.Eventually(t, func() bool {
		got, ok := f.registry.Get(agent.ID)
		return ok && contains(got.Logs, "\U0001F4CB Root")
	}, 2*time.Second, 5*time.Millisecond)

	f.engine.Deliver(agent.ID, events.ContentEvent{Content: `ldren":[{"title":"Child A"}]}}`})
	require.Eventually(t, func() bool {
		got, ok := f.registry.Get(agent.ID)
		return ok && contains(got.Logs, "└─ Child A")
	}, 2*time.Second, 5*time.Millisecond)

	got, _ := f.registry.Get(agent.ID)
	assert.Equal(t, 1, count(got.Logs, "\U0001F4CB Root"))

	// Raw tree text never lands in the streamed message content.
	msg, ok := f.store.Get("t1", agent.ID)
	require.True(t, ok)
	assert.Empty(t, msg.Content)

	f.engine.Dismiss(agent.ID)
}

func TestExploreStateMerging(t *testing.T) {
	r := newBlockingRunner()
	f := newFixture(t, r, nil)
	defer close(r.release)

	agent, err := f.engine.Launch(context.Background(), "t1", registry.TypeExplore, "merge state")
	require.NoError(t, err)

	f.engine.Deliver(agent.ID, events.ExploreProgressEvent{ExploreProgress: events.ExploreProgress{
		Phase:        "scanning",
		ScannedFiles: []string{"main.go"},
		Progress:     &events.ScanProgress{Total: 40, Scanned: 1},
	}})
	// Incomplete resend: total omitted, files omitted.
	f.engine.Deliver(agent.ID, events.ExploreProgressEvent{ExploreProgress: events.ExploreProgress{
		Progress: &events.ScanProgress{Scanned: 7},
	}})

	require.Eventually(t, func() bool {
		got, ok := f.registry.Get(agent.ID)
		return ok && got.ExploreProgress != nil && got.ExploreProgress.Progress != nil &&
			got.ExploreProgress.Progress.Scanned == 7
	}, 2*time.Second, 5*time.Millisecond)

	got, _ := f.registry.Get(agent.ID)
	assert.Equal(t, 40, got.ExploreProgress.Progress.Total)
	assert.Equal(t, []string{"main.go"}, got.ExploreProgress.ScannedFiles)

	f.engine.Dismiss(agent.ID)
}

func TestStatusMirrorSubscription(t *testing.T) {
	r := runner.NewFakeRunner()
	r.Script("explore",
		events.StatusEvent{Status: "running"},
		events.ResultEvent{Result: "done"},
	)
	f := newFixture(t, r, nil)

	sub := f.engine.Subscribe()

	agent, err := f.engine.Launch(context.Background(), "t1", registry.TypeExplore, "mirror")
	require.NoError(t, err)
	f.engine.Wait()

	var statuses []registry.Status
	for {
		select {
		case c := <-sub:
			require.Equal(t, agent.ID, c.ID)
			statuses = append(statuses, c.Status)
			if c.Status.Terminal() {
				assert.Contains(t, statuses, registry.StatusRunning)
				assert.Equal(t, registry.StatusCompleted, statuses[len(statuses)-1])
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no terminal status change observed")
		}
	}
}

func TestStopHaltsAgent(t *testing.T) {
	r := newBlockingRunner()
	f := newFixture(t, r, nil)
	defer close(r.release)

	agent, err := f.engine.Launch(context.Background(), "t1", registry.TypeExplore, "stop me")
	require.NoError(t, err)

	require.NoError(t, f.engine.Stop(agent.ID))

	got, ok := f.registry.Get(agent.ID)
	require.True(t, ok)
	assert.Equal(t, registry.StatusStopped, got.Status)
	assert.Equal(t, 0, f.limiter.InFlight())

	r.mu.Lock()
	stopped := append([]string(nil), r.stopped...)
	r.mu.Unlock()
	assert.Equal(t, []string{agent.ID}, stopped)
}

func TestCompletionToastOutsideFocusedThread(t *testing.T) {
	var notified []string
	var mu sync.Mutex

	r := runner.NewFakeRunner()
	r.Script("explore", events.ResultEvent{Result: "done"})
	f := newFixture(t, r, func(cfg *Config) {
		cfg.FocusedThread = func() string { return "focused" }
		cfg.Notifier = convo.NotifierFunc(func(threadID, title, body string) {
			mu.Lock()
			defer mu.Unlock()
			notified = append(notified, threadID+"/"+title)
		})
	})

	_, err := f.engine.Launch(context.Background(), "elsewhere", registry.TypeExplore, "background work")
	require.NoError(t, err)
	f.engine.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"elsewhere/Agent completed"}, notified)
}

func TestCleanupFinishedRemovesExpiredAgents(t *testing.T) {
	r := runner.NewFakeRunner()
	r.Script("explore", events.ResultEvent{Result: "done"})
	f := newFixture(t, r, func(cfg *Config) {
		cfg.ExpiryTTL = time.Millisecond
	})

	agent, err := f.engine.Launch(context.Background(), "t1", registry.TypeExplore, "short lived")
	require.NoError(t, err)
	f.engine.Wait()

	time.Sleep(5 * time.Millisecond)
	removed := f.engine.CleanupFinished()
	assert.Equal(t, []string{agent.ID}, removed)
	assert.False(t, f.registry.Exists(agent.ID))
}

func contains(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}

func count(lines []string, want string) int {
	n := 0
	for _, l := range lines {
		if l == want {
			n++
		}
	}
	return n
}
