// Package approval drives the exactly-once auto-approval protocol for
// completed tool calls.
package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Approver executes the approval RPC against the external process.
type Approver interface {
	Approve(ctx context.Context, agentID, toolCallID string, approved bool) error
}

// ApproverFunc is a function adapter for Approver.
type ApproverFunc func(ctx context.Context, agentID, toolCallID string, approved bool) error

// Approve implements Approver.
func (f ApproverFunc) Approve(ctx context.Context, agentID, toolCallID string, approved bool) error {
	return f(ctx, agentID, toolCallID, approved)
}

// DefaultDelay lets trailing argument fragments settle before the
// approval RPC fires. It batches, it is not load-bearing for
// correctness; the claim set is.
const DefaultDelay = 150 * time.Millisecond

// nopHandler is a slog.Handler that discards all output.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }

var nopLogger = slog.New(nopHandler{})

// Controller guarantees at most one auto-approval per canonical tool
// call id. The id is claimed synchronously before the side effect is
// scheduled, so two rapid completions of the same id cannot both pass
// the not-yet-approved check.
type Controller struct {
	approver Approver
	enabled  func() bool
	log      *slog.Logger
	claimed  map[string]bool
	delay    time.Duration
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// NewController creates a controller. enabled gates scheduling on the
// global auto-approve setting and is consulted at claim time; logger
// may be nil.
func NewController(approver Approver, enabled func() bool, delay time.Duration, logger *slog.Logger) *Controller {
	if enabled == nil {
		enabled = func() bool { return true }
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	if logger == nil {
		logger = nopLogger
	}
	return &Controller{
		approver: approver,
		enabled:  enabled,
		delay:    delay,
		log:      logger,
		claimed:  make(map[string]bool),
	}
}

// MaybeApprove claims toolCallID and schedules the approval RPC after
// the settle delay. Returns true if this call won the claim and
// scheduled the side effect.
func (c *Controller) MaybeApprove(agentID, toolCallID string) bool {
	if !c.enabled() {
		return false
	}

	c.mu.Lock()
	if c.claimed[toolCallID] {
		c.mu.Unlock()
		return false
	}
	c.claimed[toolCallID] = true
	c.mu.Unlock()

	c.log.Debug("auto-approval scheduled", "agentID", agentID, "toolCallID", toolCallID)

	c.wg.Add(1)
	time.AfterFunc(c.delay, func() {
		defer c.wg.Done()
		if err := c.approver.Approve(context.Background(), agentID, toolCallID, true); err != nil {
			// The tool call stays in its pre-approval status so the
			// user can retry manually.
			c.log.Warn("auto-approval failed",
				"agentID", agentID,
				"toolCallID", toolCallID,
				"error", err,
			)
		}
	})
	return true
}

// Claimed reports whether toolCallID has already been claimed.
func (c *Controller) Claimed(toolCallID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimed[toolCallID]
}

// Release forgets a claim. Called when a prior id is reused by a brand
// new canonical call in a retry flow.
func (c *Controller) Release(toolCallID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claimed, toolCallID)
}

// Wait blocks until all scheduled approvals have fired. Test helper
// and shutdown hook.
func (c *Controller) Wait() {
	c.wg.Wait()
}
