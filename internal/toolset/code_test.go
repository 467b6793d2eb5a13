package toolset

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/HyphaGroup/oubliette/internal/approval"
	"github.com/HyphaGroup/oubliette/internal/container"
	"github.com/HyphaGroup/oubliette/internal/eventbus"
	"github.com/HyphaGroup/oubliette/internal/sandbox"
)

// fakeRuntime is a minimal container.Runtime standing in for a real
// docker daemon, mirroring the fake used in internal/sandbox's own
// tests.
type fakeRuntime struct {
	containerID string
}

func (f *fakeRuntime) Create(ctx context.Context, cfg container.CreateConfig) (string, error) {
	return "fake-container", nil
}
func (f *fakeRuntime) Start(ctx context.Context, id string) error { return nil }
func (f *fakeRuntime) Stop(ctx context.Context, id string) error  { return nil }
func (f *fakeRuntime) Remove(ctx context.Context, id string, force bool) error { return nil }
func (f *fakeRuntime) Exec(ctx context.Context, id string, cfg container.ExecConfig) (*container.ExecResult, error) {
	return &container.ExecResult{Stdout: "hello\n", ExitCode: 0}, nil
}
func (f *fakeRuntime) ExecInteractive(ctx context.Context, id string, cfg container.ExecConfig) (*container.InteractiveExec, error) {
	var buf bytes.Buffer
	wait := func() (int, error) { return 0, nil }
	return container.NewInteractiveExec(nopWriteCloser{&buf}, io.NopCloser(&bytes.Buffer{}), io.NopCloser(&bytes.Buffer{}), wait), nil
}
func (f *fakeRuntime) Inspect(ctx context.Context, id string) (*container.ContainerInfo, error) {
	return &container.ContainerInfo{Status: container.StatusRunning}, nil
}
func (f *fakeRuntime) Logs(ctx context.Context, id string, opts container.LogsOptions) (string, error) {
	return "", nil
}
func (f *fakeRuntime) Status(ctx context.Context, id string) (container.ContainerStatus, error) {
	return container.StatusRunning, nil
}
func (f *fakeRuntime) Build(ctx context.Context, cfg container.BuildConfig) error   { return nil }
func (f *fakeRuntime) ImageExists(ctx context.Context, image string) (bool, error) { return true, nil }
func (f *fakeRuntime) Pull(ctx context.Context, image string) error                { return nil }
func (f *fakeRuntime) Ping(ctx context.Context) error                              { return nil }
func (f *fakeRuntime) Close() error                                                { return nil }
func (f *fakeRuntime) Name() string                                                { return "fake" }
func (f *fakeRuntime) IsAvailable() bool                                           { return true }

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }

func TestCodeExecuteTool_Execute_RunsAfterApproval(t *testing.T) {
	bus := eventbus.New(64)
	approvals := approval.New(bus, 0, 0)
	sb := sandbox.New(&fakeRuntime{}, "python:3.12-slim", 512, 1, 5*time.Second)
	tool := NewCodeExecuteTool(sb, approvals)

	ctx := WithRunScope(context.Background(), "run-1", "user-1", "sess-1")

	done := make(chan struct{})
	var out string
	var execErr error
	go func() {
		args, _ := json.Marshal(map[string]any{"code": "print('hi')"})
		out, execErr = tool.Execute(ctx, args)
		close(done)
	}()

	waitForPending(t, approvals, "run-1")
	pending := approvals.PendingForRun("run-1")
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending approval, got %d", len(pending))
	}
	if err := approvals.Resolve(pending[0].ID, true, "user-1"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	<-done
	if execErr != nil {
		t.Fatalf("Execute() error = %v", execErr)
	}
	if !strings.Contains(out, "hello") {
		t.Fatalf("Execute() = %q, want sandboxed stdout", out)
	}
}

func TestCodeExecuteTool_Execute_Rejected(t *testing.T) {
	bus := eventbus.New(64)
	approvals := approval.New(bus, 0, 0)
	sb := sandbox.New(&fakeRuntime{}, "python:3.12-slim", 512, 1, 5*time.Second)
	tool := NewCodeExecuteTool(sb, approvals)

	ctx := WithRunScope(context.Background(), "run-1", "user-1", "sess-1")

	done := make(chan struct{})
	var out string
	go func() {
		args, _ := json.Marshal(map[string]any{"code": "print('hi')"})
		out, _ = tool.Execute(ctx, args)
		close(done)
	}()

	waitForPending(t, approvals, "run-1")
	pending := approvals.PendingForRun("run-1")
	if err := approvals.Resolve(pending[0].ID, false, "user-1"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	<-done
	if !strings.Contains(out, "rejected") {
		t.Fatalf("Execute() = %q, want rejection message", out)
	}
}

func waitForPending(t *testing.T, approvals *approval.Store, runID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(approvals.PendingForRun(runID)) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a pending approval on run %s", runID)
}
