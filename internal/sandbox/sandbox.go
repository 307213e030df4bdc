// Package sandbox runs external commands as isolated child processes.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a command exceeds its wall-clock limit.
// The whole process group has been killed by the time it is returned.
var ErrTimeout = errors.New("execution timed out")

// Sandbox executes commands in an isolated environment.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is the program and arguments to execute (e.g. ["python3", "main.py"]).
	Command []string

	// WorkingDir is the child's cwd. Empty = an isolated temp dir.
	WorkingDir string

	// Env adds extra environment variables to the sanitized base set.
	Env map[string]string

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use sandbox defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the sandboxed process.
type ResourceLimits struct {
	MaxCPUSeconds int // ulimit -t
	MaxMemoryMB   int // ulimit -v
}

// ExecutionResult captures the outcome of a command that ran to completion.
// A non-zero ExitCode is a result, not an error.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}
