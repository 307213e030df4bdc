package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"
)

const (
	maxOutputBytes = 1 << 20 // per stream

	defaultTimeout    = 30 * time.Second
	defaultCPUSeconds = 60
	defaultMemoryMB   = 512
)

// ProcessConfig configures the process-based sandbox.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	DefaultLimits  ResourceLimits
	// PassEnv names host environment variables copied into the child
	// (e.g. PYTHONPATH). Everything else is withheld.
	PassEnv []string
}

// ProcessSandbox runs a script as a child of /bin/sh in its own process
// group, with ulimit caps, a scratch HOME and only the allow-listed host
// variables. A timeout kills the group and surfaces as ErrTimeout; a
// cancelled parent context surfaces as the context error.
type ProcessSandbox struct {
	defaultTimeout time.Duration
	defaultLimits  ResourceLimits
	passEnv        []string
	logger         *slog.Logger
}

// NewProcessSandbox creates a process-based sandbox.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	s := &ProcessSandbox{
		defaultTimeout: cfg.DefaultTimeout,
		defaultLimits:  cfg.DefaultLimits,
		passEnv:        cfg.PassEnv,
		logger:         logger,
	}
	if s.defaultTimeout == 0 {
		s.defaultTimeout = defaultTimeout
	}
	if s.defaultLimits.MaxCPUSeconds == 0 {
		s.defaultLimits.MaxCPUSeconds = defaultCPUSeconds
	}
	if s.defaultLimits.MaxMemoryMB == 0 {
		s.defaultLimits.MaxMemoryMB = defaultMemoryMB
	}
	return s
}

// Execute runs req.Command and waits for it. A non-zero exit is reported in
// the result; only a timeout, cancellation or a failure to start is an error.
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scratch, err := os.MkdirTemp("", "codeagent-run-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer s.removeScratch(scratch)

	limits := s.resolveLimits(req.Limits)
	cmd := exec.CommandContext(runCtx, "/bin/sh", withLimits(limits, req.Command)...)
	cmd.Dir = req.WorkingDir
	if cmd.Dir == "" {
		cmd.Dir = scratch
	}
	cmd.Env = s.buildEnv(scratch, req.Env)
	killGroupOnCancel(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderr, remaining: maxOutputBytes}

	s.logger.DebugContext(ctx, "sandbox executing",
		slog.Any("command", req.Command),
		slog.String("dir", cmd.Dir),
		slog.Int("memory_limit_mb", limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", limits.MaxCPUSeconds),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	switch {
	case runErr == nil:
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		s.logger.WarnContext(ctx, "sandbox execution timed out",
			slog.Duration("timeout", timeout),
			slog.Duration("duration", duration),
		)
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case ctx.Err() != nil:
		return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
	default:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	s.logger.DebugContext(ctx, "sandbox execution completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdout.Len()),
		slog.Int("stderr_bytes", stderr.Len()),
	)

	return &ExecutionResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

func (s *ProcessSandbox) removeScratch(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("failed to remove scratch dir",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ProcessSandbox) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := s.defaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	return limits
}

// withLimits returns /bin/sh arguments that apply limits and then exec
// command. The command travels as positional parameters ("_" fills $0), so
// none of it is parsed by the shell.
func withLimits(limits ResourceLimits, command []string) []string {
	script := fmt.Sprintf("ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		limits.MaxMemoryMB*1024, limits.MaxCPUSeconds)
	return append([]string{"-c", script, "_"}, command...)
}

// killGroupOnCancel puts the child in a new process group and makes context
// expiry SIGKILL that group, so processes the script spawned die with it.
func killGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	// A grandchild that inherited the pipes must not hold Wait open.
	cmd.WaitDelay = time.Second
}

// buildEnv returns the child environment: a fixed base, the PassEnv
// variables present on the host, then extra in key order.
func (s *ProcessSandbox) buildEnv(scratch string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + scratch,
		"TMPDIR=" + scratch,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"PYTHONDONTWRITEBYTECODE=1",
	}
	for _, k := range s.passEnv {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// limitedWriter keeps the first remaining bytes and reports every write as
// fully consumed so the child never sees EPIPE.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
