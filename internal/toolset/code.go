package toolset

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/HyphaGroup/oubliette/internal/approval"
	"github.com/HyphaGroup/oubliette/internal/sandbox"
)

// CodeExecuteTool implements code_execute(code): a sandboxed Python
// run gated behind an approval request. Grounded on
// original_source's tool catalogue entry for code_execute and this
// repo's own internal/sandbox and internal/approval packages.
type CodeExecuteTool struct {
	sandbox   *sandbox.Sandbox
	approvals *approval.Store
}

// NewCodeExecuteTool creates the code_execute tool.
func NewCodeExecuteTool(sb *sandbox.Sandbox, approvals *approval.Store) *CodeExecuteTool {
	return &CodeExecuteTool{sandbox: sb, approvals: approvals}
}

func (t *CodeExecuteTool) Name() string { return "code_execute" }

func (t *CodeExecuteTool) Schema() *jsonschema.Schema {
	return mustSchema(`{
		"type": "object",
		"properties": {
			"code": {"type": "string", "description": "Python source to run in the sandbox"}
		},
		"required": ["code"]
	}`)
}

func (t *CodeExecuteTool) RequiresApproval() bool { return true }

// Execute creates an approval request and blocks on it before ever
// touching the sandbox. Creating the request is what surfaces it to
// the session's subscribers (the Approval Store publishes the
// interruption event); Execute then owns the wait/decide/run
// sequence.
func (t *CodeExecuteTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("code_execute: invalid arguments: %w", err)
	}

	runID := RunIDFromContext(ctx)
	userID := UserIDFromContext(ctx)
	sessionID := SessionIDFromContext(ctx)

	req, err := t.approvals.Create(sessionID, runID, userID, t.Name(), params.Code, "run this code in the sandbox?")
	if err != nil {
		return "", fmt.Errorf("code_execute: create approval: %w", err)
	}

	switch status := t.approvals.Wait(ctx, req.ID); status {
	case approval.StatusApproved:
		result, err := t.sandbox.Run(ctx, params.Code)
		if err != nil {
			return "", fmt.Errorf("code_execute: %w", err)
		}
		return formatResult(result), nil
	case approval.StatusRejected:
		return "code_execute was rejected by the user", nil
	default:
		return fmt.Sprintf("code_execute was not approved in time (status=%s)", status), nil
	}
}

func formatResult(r *sandbox.Result) string {
	out := fmt.Sprintf("exit code: %d\n", r.ExitCode)
	if r.Stdout != "" {
		out += "stdout:\n" + r.Stdout + "\n"
	}
	if r.Stderr != "" {
		out += "stderr:\n" + r.Stderr + "\n"
	}
	return out
}
