// Package sandbox wraps a container runtime into the code_execute
// tool's execution model: one reusable long-lived container per
// process, a fresh working directory per call, output truncation, and
// a wall-clock timeout enforced via the call's context.
//
// Grounded on the teacher's internal/container.Runtime abstraction and
// its internal/container/docker implementation — this package adds no
// new container driver, it composes the existing one into a narrower,
// single-container execution model instead of the teacher's
// per-session multi-container orchestration.
package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/HyphaGroup/oubliette/internal/container"
	"github.com/HyphaGroup/oubliette/internal/logger"
)

// workspaceRoot is where per-call working directories are created
// inside the sandbox container.
const workspaceRoot = "/workspace"

// outputLimit bounds captured stdout/stderr before it is handed back
// to the tool layer, ahead of that layer's own truncation for display.
const outputLimit = 20000

// ErrTimeout is returned when a call exceeds the sandbox's wall-clock
// limit.
var ErrTimeout = errors.New("sandbox: execution exceeded wall-clock limit")

// Result is one code_execute call's captured output.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Sandbox manages a single long-lived container and the per-call
// working directories carved out of it.
type Sandbox struct {
	runtime   container.Runtime
	image     string
	memory    string
	cpus      int
	wallClock time.Duration

	mu          sync.Mutex
	containerID string
}

// New creates a Sandbox. memoryMiB/cpus/wallClock come straight from
// config.SandboxConfig.
func New(runtime container.Runtime, image string, memoryMiB int64, cpus int, wallClock time.Duration) *Sandbox {
	if wallClock <= 0 {
		wallClock = 60 * time.Second
	}
	return &Sandbox{
		runtime:   runtime,
		image:     image,
		memory:    fmt.Sprintf("%dm", memoryMiB),
		cpus:      cpus,
		wallClock: wallClock,
	}
}

// Run ships code into the sandbox container, executes it in a fresh
// working directory, and returns captured output. The working
// directory is removed afterward regardless of outcome.
func (sb *Sandbox) Run(ctx context.Context, code string) (*Result, error) {
	if err := sb.ensureContainer(ctx); err != nil {
		return nil, fmt.Errorf("sandbox: ensure container: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, sb.wallClock)
	defer cancel()

	workDir := path.Join(workspaceRoot, newCallID())
	if _, err := sb.runtime.Exec(execCtx, sb.containerID, container.ExecConfig{Cmd: []string{"mkdir", "-p", workDir}}); err != nil {
		return nil, fmt.Errorf("sandbox: create working directory: %w", err)
	}
	defer func() {
		_, err := sb.runtime.Exec(context.Background(), sb.containerID, container.ExecConfig{Cmd: []string{"rm", "-rf", workDir}})
		if err != nil {
			logger.Error("sandbox: failed to clean up working directory %s: %v", workDir, err)
		}
	}()

	scriptPath := path.Join(workDir, "main.py")
	if err := sb.writeFile(execCtx, scriptPath, code); err != nil {
		return nil, err
	}

	out, err := sb.runtime.Exec(execCtx, sb.containerID, container.ExecConfig{
		Cmd:          []string{"python3", scriptPath},
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("sandbox: exec: %w", err)
	}

	return &Result{
		Stdout:   truncate(out.Stdout, outputLimit),
		Stderr:   truncate(out.Stderr, outputLimit),
		ExitCode: out.ExitCode,
	}, nil
}

// writeFile pipes content into the container over stdin, avoiding any
// shell-escaping of arbitrary source code as a command-line argument.
func (sb *Sandbox) writeFile(ctx context.Context, filePath, content string) error {
	ie, err := sb.runtime.ExecInteractive(ctx, sb.containerID, container.ExecConfig{
		Cmd:         []string{"sh", "-c", "cat > " + filePath},
		AttachStdin: true,
	})
	if err != nil {
		return fmt.Errorf("sandbox: open write stream: %w", err)
	}
	defer ie.Close()

	if _, err := ie.Stdin.Write([]byte(content)); err != nil {
		return fmt.Errorf("sandbox: write script: %w", err)
	}
	if err := ie.Stdin.Close(); err != nil {
		return fmt.Errorf("sandbox: close write stream: %w", err)
	}

	code, err := ie.Wait()
	if err != nil {
		return fmt.Errorf("sandbox: wait for write: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("sandbox: writing script exited %d", code)
	}
	return nil
}

// ensureContainer starts the long-lived sandbox container on first
// use, or if a previous container has gone away.
func (sb *Sandbox) ensureContainer(ctx context.Context) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.containerID != "" {
		if status, err := sb.runtime.Status(ctx, sb.containerID); err == nil && status == container.StatusRunning {
			return nil
		}
	}

	id, err := sb.runtime.Create(ctx, container.CreateConfig{
		Name:       "agentrt-sandbox-" + newCallID(),
		Image:      sb.image,
		Cmd:        []string{"sleep", "infinity"},
		Memory:     sb.memory,
		CPUs:       sb.cpus,
		AutoRemove: false,
	})
	if err != nil {
		return fmt.Errorf("create sandbox container: %w", err)
	}
	if err := sb.runtime.Start(ctx, id); err != nil {
		return fmt.Errorf("start sandbox container: %w", err)
	}

	sb.containerID = id
	return nil
}

// Close stops and removes the sandbox's container, if one was ever
// created.
func (sb *Sandbox) Close(ctx context.Context) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.containerID == "" {
		return nil
	}
	if err := sb.runtime.Stop(ctx, sb.containerID); err != nil {
		logger.Error("sandbox: stop container %s: %v", sb.containerID, err)
	}
	err := sb.runtime.Remove(ctx, sb.containerID, true)
	sb.containerID = ""
	return err
}

func newCallID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
