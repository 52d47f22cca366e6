// Package runner wraps subprocess execution behind an interface so the
// tmux and worktree adapters can be tested without shelling out.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// Result carries the outcome of a subprocess invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner executes external commands.
type CommandRunner interface {
	// Run executes name with args and returns the captured output.
	// A non-zero exit status is reported through Result.ExitCode and a
	// non-nil error; Stdout/Stderr are populated either way.
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// DefaultCommandRunner shells out via exec.CommandContext.
type DefaultCommandRunner struct{}

var _ CommandRunner = &DefaultCommandRunner{}

// Run executes the command and captures stdout and stderr separately.
func (d *DefaultCommandRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	slog.Debug("Running command", "name", name, "args", args)

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		slog.Debug("Command failed", "name", name, "exit_code", res.ExitCode, "stderr", res.Stderr)
		return res, err
	}
	return res, nil
}

// IsNotInstalled reports whether err indicates the binary is missing from
// PATH (exec.ErrNotFound or a "not found" exit).
func IsNotInstalled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	return strings.Contains(err.Error(), "executable file not found")
}

// FakeCall records one invocation seen by a FakeCommandRunner.
type FakeCall struct {
	Name string
	Args []string
}

// FakeResponse scripts one response from a FakeCommandRunner.
type FakeResponse struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// FakeCommandRunner replays scripted responses in order and records calls.
// When the script is exhausted it returns empty success. Safe for use from
// multiple goroutines.
type FakeCommandRunner struct {
	mu        sync.Mutex
	Responses []FakeResponse
	Calls     []FakeCall
}

var _ CommandRunner = &FakeCommandRunner{}

// Run pops the next scripted response.
func (f *FakeCommandRunner) Run(_ context.Context, name string, args ...string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, FakeCall{Name: name, Args: args})
	if len(f.Responses) == 0 {
		return Result{}, nil
	}
	resp := f.Responses[0]
	f.Responses = f.Responses[1:]
	res := Result{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}
	if resp.Err != nil {
		return res, resp.Err
	}
	if resp.ExitCode != 0 {
		return res, fmt.Errorf("exit status %d", resp.ExitCode)
	}
	return res, nil
}
