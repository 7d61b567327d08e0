package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/peterfei/ifai-sub004/events"
)

// nopHandler is a slog.Handler that discards all output.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }

var nopLogger = slog.New(nopHandler{})

// ProcessRunner executes agents as subprocesses of a sidecar binary.
// The sidecar prints one JSON event per stdout line and accepts
// approval decisions as JSON lines on stdin.
type ProcessRunner struct {
	procs   map[string]*agentProc
	log     *slog.Logger
	command string
	args    []string
	mu      sync.Mutex
}

type agentProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	// done closes when Launch observes process exit.
	done chan struct{}
	mu   sync.Mutex
}

// NewProcessRunner creates a runner spawning command for each launch.
func NewProcessRunner(command string, args []string, logger *slog.Logger) *ProcessRunner {
	if logger == nil {
		logger = nopLogger
	}
	return &ProcessRunner{
		procs:   make(map[string]*agentProc),
		log:     logger,
		command: command,
		args:    args,
	}
}

// Launch spawns the sidecar and streams its stdout events to the sink
// until the process exits.
func (r *ProcessRunner) Launch(ctx context.Context, req LaunchRequest, sink EventSink) error {
	args := append([]string(nil), r.args...)
	args = append(args,
		"--agent-type", req.AgentType,
		"--task", req.Task,
	)
	if req.ProjectRoot != "" {
		args = append(args, "--project-root", req.ProjectRoot)
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if req.ProjectRoot != "" {
		cmd.Dir = req.ProjectRoot
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", r.command, err)
	}

	proc := &agentProc{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	r.mu.Lock()
	r.procs[req.ID] = proc
	r.mu.Unlock()
	defer func() {
		close(proc.done)
		r.mu.Lock()
		delete(r.procs, req.ID)
		r.mu.Unlock()
	}()

	scanner := bufio.NewScanner(stdout)
	// Findings payloads can be large.
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := events.Parse(line)
		if err != nil {
			r.log.Warn("malformed event line", "agent", req.ID, "error", err)
			continue
		}
		if ev == nil {
			continue
		}
		sink.Deliver(req.ID, ev)
	}
	if err := scanner.Err(); err != nil {
		_ = cmd.Wait()
		return fmt.Errorf("read events: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("agent process: %w", err)
	}
	return nil
}

// Approve writes an approval decision to the sidecar's stdin.
func (r *ProcessRunner) Approve(ctx context.Context, agentID, toolCallID string, approved bool) error {
	r.mu.Lock()
	proc, ok := r.procs[agentID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	msg, err := json.Marshal(map[string]any{
		"type":       "tool_approval",
		"toolCallId": toolCallID,
		"approved":   approved,
	})
	if err != nil {
		return err
	}

	proc.mu.Lock()
	defer proc.mu.Unlock()
	if _, err := proc.stdin.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("write approval: %w", err)
	}
	return nil
}

// Stop terminates the agent's process group. SIGTERM first, SIGKILL
// after a grace period.
func (r *ProcessRunner) Stop(agentID string) error {
	r.mu.Lock()
	proc, ok := r.procs[agentID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	p := proc.cmd.Process
	if p == nil {
		return nil
	}

	_ = syscall.Kill(-p.Pid, syscall.SIGTERM)
	select {
	case <-proc.done:
		return nil
	case <-time.After(500 * time.Millisecond):
	}
	_ = syscall.Kill(-p.Pid, syscall.SIGKILL)
	select {
	case <-proc.done:
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

var _ Runner = (*ProcessRunner)(nil)
