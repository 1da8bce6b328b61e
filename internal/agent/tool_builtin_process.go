package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	osexec "os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/jcafeitosa/omni-agent/internal/exec"
	"github.com/jcafeitosa/omni-agent/internal/shell"
)

// ProcessTool launches and tracks long-running commands in the background,
// the "process" member of internal/tools/policy's group:runtime. Unlike
// ExecTool (which blocks for a single bounded call), ProcessTool hands back
// a session ID immediately and lets the caller poll or kill it later —
// state for all of that lives in internal/shell.ProcessRegistry, which
// previously had no production caller anywhere in the module.
type ProcessTool struct {
	registry *shell.ProcessRegistry
	cmds     map[string]*osexec.Cmd
}

// NewProcessTool constructs a ProcessTool backed by a fresh ProcessRegistry
// with its background sweeper running, so finished sessions expire per
// shell.DefaultJobTTL instead of accumulating forever.
func NewProcessTool(logger *slog.Logger) *ProcessTool {
	registry := shell.NewProcessRegistry(logger)
	registry.StartSweeper()
	return &ProcessTool{registry: registry, cmds: make(map[string]*osexec.Cmd)}
}

func (t *ProcessTool) Name() string { return "process" }

func (t *ProcessTool) Description() string {
	return "Starts a background process, checks its status/output, or kills it. " +
		"Actions: start, status, kill, list."
}

func (t *ProcessTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["start", "status", "kill", "list"]},
			"command": {"type": "string", "description": "Executable to run (action=start)"},
			"args": {"type": "array", "items": {"type": "string"}},
			"id": {"type": "string", "description": "Session ID (action=status/kill)"}
		},
		"required": ["action"]
	}`)
}

type processToolParams struct {
	Action  string   `json:"action"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	ID      string   `json:"id,omitempty"`
}

func (t *ProcessTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var input processToolParams
	if err := json.Unmarshal(params, &input); err != nil {
		return &ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}

	switch input.Action {
	case "start":
		return t.start(input)
	case "status":
		return t.status(input.ID)
	case "kill":
		return t.kill(input.ID)
	case "list":
		return t.list()
	default:
		return &ToolResult{Content: fmt.Sprintf("unknown action %q", input.Action), IsError: true}, nil
	}
}

func (t *ProcessTool) start(input processToolParams) (*ToolResult, error) {
	command, err := exec.SanitizeExecutableValue(input.Command)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("unsafe command: %v", err), IsError: true}, nil
	}
	args, err := exec.SanitizeArguments(input.Args)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("unsafe arguments: %v", err), IsError: true}, nil
	}

	cmd := osexec.Command(command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("stdout pipe: %v", err), IsError: true}, nil
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("stderr pipe: %v", err), IsError: true}, nil
	}
	if err := cmd.Start(); err != nil {
		return &ToolResult{Content: fmt.Sprintf("start failed: %v", err), IsError: true}, nil
	}

	id := uuid.NewString()
	session := &shell.ProcessSession{
		ID:             id,
		Command:        command,
		PID:            cmd.Process.Pid,
		StartedAt:      time.Now(),
		MaxOutputChars: shell.DefaultTailChars,
	}
	t.registry.AddSession(session)
	t.cmds[id] = cmd

	go t.pump(session, "stdout", stdout)
	go t.pump(session, "stderr", stderr)
	go t.wait(session, cmd)

	return &ToolResult{Content: fmt.Sprintf("started session %s (pid %d)", id, session.PID)}, nil
}

func (t *ProcessTool) pump(session *shell.ProcessSession, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		t.registry.AppendOutput(session, stream, scanner.Text()+"\n")
	}
}

func (t *ProcessTool) wait(session *shell.ProcessSession, cmd *osexec.Cmd) {
	err := cmd.Wait()
	status := shell.ProcessStatusCompleted
	var exitCode *int
	var signal string
	if err != nil {
		if exitErr, ok := err.(*osexec.ExitError); ok {
			code := exitErr.ExitCode()
			exitCode = &code
			status = shell.ProcessStatusFailed
		} else {
			status = shell.ProcessStatusFailed
			signal = err.Error()
		}
	} else {
		code := 0
		exitCode = &code
	}
	t.registry.MarkExited(session, exitCode, signal, status)
}

func (t *ProcessTool) status(id string) (*ToolResult, error) {
	if session, ok := t.registry.GetSession(id); ok {
		stdout, stderr := t.registry.DrainSession(session)
		return &ToolResult{Content: fmt.Sprintf("running (pid %d)\nstdout:\n%s\nstderr:\n%s", session.PID, stdout, stderr)}, nil
	}
	if finished, ok := t.registry.GetFinishedSession(id); ok {
		exitCode := -1
		if finished.ExitCode != nil {
			exitCode = *finished.ExitCode
		}
		return &ToolResult{Content: fmt.Sprintf("%s (exit %d)\n%s", finished.Status, exitCode, finished.Tail)}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("no such session %q", id), IsError: true}, nil
}

func (t *ProcessTool) kill(id string) (*ToolResult, error) {
	cmd, ok := t.cmds[id]
	if !ok || cmd.Process == nil {
		return &ToolResult{Content: fmt.Sprintf("no such running session %q", id), IsError: true}, nil
	}
	if err := cmd.Process.Kill(); err != nil {
		return &ToolResult{Content: fmt.Sprintf("kill failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{Content: fmt.Sprintf("killed session %s", id)}, nil
}

func (t *ProcessTool) list() (*ToolResult, error) {
	running := t.registry.ListRunningSessions()
	out := fmt.Sprintf("%d running session(s)", len(running))
	for _, s := range running {
		out += fmt.Sprintf("\n- %s: %s (pid %d)", s.ID, s.Command, s.PID)
	}
	return &ToolResult{Content: out}, nil
}
