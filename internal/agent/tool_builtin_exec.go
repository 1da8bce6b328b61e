package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	osexec "os/exec"
	"time"

	"github.com/jcafeitosa/omni-agent/internal/exec"
)

// ExecTool runs a single program (no shell interpretation) and returns its
// combined output. It is the concrete tool behind the "exec"/"bash" policy
// groups (internal/tools/policy.DefaultGroups["group:runtime"]) — argument
// and executable-name validation is delegated to internal/exec so the same
// injection checks the teacher wrote for CLI plumbing also gate what an
// agent is allowed to run.
type ExecTool struct {
	// Timeout bounds a single invocation. Zero uses DefaultExecTimeout.
	Timeout time.Duration
}

// DefaultExecTimeout bounds an ExecTool invocation when Timeout is unset.
const DefaultExecTimeout = 30 * time.Second

type execToolParams struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// NewExecTool constructs an ExecTool with DefaultExecTimeout.
func NewExecTool() *ExecTool {
	return &ExecTool{Timeout: DefaultExecTimeout}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Runs a single executable with arguments, without shell interpretation " +
		"(no pipes, redirection, or variable expansion)."
}

func (t *ExecTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Executable name or path"},
			"args": {"type": "array", "items": {"type": "string"}, "description": "Arguments"}
		},
		"required": ["command"]
	}`)
}

func (t *ExecTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var input execToolParams
	if err := json.Unmarshal(params, &input); err != nil {
		return &ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}

	command, err := exec.SanitizeExecutableValue(input.Command)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("unsafe command: %v", err), IsError: true}, nil
	}
	args, err := exec.SanitizeArguments(input.Args)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("unsafe arguments: %v", err), IsError: true}, nil
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := osexec.CommandContext(runCtx, command, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return &ToolResult{
			Content: fmt.Sprintf("%s\nexit error: %v", out.String(), err),
			IsError: true,
		}, nil
	}
	return &ToolResult{Content: out.String()}, nil
}
