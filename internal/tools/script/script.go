// Package script implements the tool that runs a Python file from the
// working root through the process sandbox.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jkaninda/codeagent/internal/sandbox"
	"github.com/jkaninda/codeagent/internal/tools"
	"github.com/jkaninda/codeagent/internal/workspace"
)

// Config configures script execution.
type Config struct {
	Interpreter string        // default "python3"
	Extension   string        // default ".py"
	Timeout     time.Duration // default 30s
}

const (
	defaultInterpreter = "python3"
	defaultExtension   = ".py"
	defaultTimeout     = 30 * time.Second
)

// Tool runs scripts with cwd set to the working root.
type Tool struct {
	root    *workspace.Root
	config  Config
	sandbox sandbox.Sandbox
	logger  *slog.Logger
}

// NewTool creates the script execution tool.
func NewTool(root *workspace.Root, cfg Config, sbx sandbox.Sandbox, logger *slog.Logger) *Tool {
	if cfg.Interpreter == "" {
		cfg.Interpreter = defaultInterpreter
	}
	if cfg.Extension == "" {
		cfg.Extension = defaultExtension
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Tool{root: root, config: cfg, sandbox: sbx, logger: logger}
}

func (t *Tool) ID() tools.ID { return tools.RunScript }
func (t *Tool) Description() string {
	return fmt.Sprintf("Executes a Python file with optional arguments, constrained to the working directory. "+
		"Runs are stopped after %s.", t.config.Timeout)
}
func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "The path to the Python file to execute, relative to the working directory.",
			},
			"args": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Optional list of arguments to pass to the Python file.",
				"default":     []string{},
			},
		},
		"required": []string{"file_path"},
	}
}

func (t *Tool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "file_path", false); err != nil {
		return err
	}
	_, err := tools.StringSlice(params, "args")
	return err
}

func (t *Tool) Execute(ctx context.Context, params map[string]any) tools.Result {
	path, _ := tools.RequireString(params, "file_path", false)
	args, _ := tools.StringSlice(params, "args")

	abs, err := t.root.Resolve(path)
	if err != nil {
		if errors.Is(err, workspace.ErrOutsideRoot) {
			return tools.Errorf("Cannot execute %q as it is outside the permitted working directory", path)
		}
		return tools.Errorf("%v", err)
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return tools.Errorf("File %q not found.", path)
	}
	if !strings.HasSuffix(abs, t.config.Extension) {
		return tools.Errorf("%q is not a Python file.", path)
	}

	interpreter, err := exec.LookPath(t.config.Interpreter)
	if err != nil {
		return tools.Errorf("executing Python file: %v", err)
	}

	t.logger.InfoContext(ctx, "running script",
		slog.String("path", abs),
		slog.Int("args", len(args)),
	)

	cmd := append([]string{interpreter, abs}, args...)
	res, err := t.sandbox.Execute(ctx, sandbox.ExecutionRequest{
		Command:    cmd,
		WorkingDir: t.root.Path(),
		Timeout:    t.config.Timeout,
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrTimeout) {
			return tools.Errorf("%v", err)
		}
		return tools.Errorf("executing Python file: %v", err)
	}
	return tools.OK(FormatOutput(res))
}

// FormatOutput renders a finished run: both streams labelled, the exit code
// when non-zero, or an explicit note when nothing was printed.
func FormatOutput(res *sandbox.ExecutionResult) string {
	if res.Stdout == "" && res.Stderr == "" && res.ExitCode == 0 {
		return "No output produced."
	}

	var parts []string
	if res.Stdout != "" {
		parts = append(parts, "STDOUT:\n"+res.Stdout)
	}
	if res.Stderr != "" {
		parts = append(parts, "STDERR:\n"+res.Stderr)
	}
	if res.ExitCode != 0 {
		parts = append(parts, fmt.Sprintf("Process exited with code %d", res.ExitCode))
	}
	return tools.TruncateOutput(strings.Join(parts, "\n"), tools.MaxOutputBytes)
}
