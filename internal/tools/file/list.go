package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/jkaninda/codeagent/internal/tools"
	"github.com/jkaninda/codeagent/internal/workspace"
)

// ListTool lists the direct children of a directory under the working root.
type ListTool struct {
	root   *workspace.Root
	config Config
	logger *slog.Logger
}

// NewListTool creates the directory listing tool.
func NewListTool(root *workspace.Root, cfg Config, logger *slog.Logger) *ListTool {
	return &ListTool{root: root, config: cfg.withDefaults(), logger: logger}
}

func (t *ListTool) ID() tools.ID { return tools.ListDirectory }
func (t *ListTool) Description() string {
	return "Lists files in the specified directory along with their sizes, constrained to the working directory. " +
		"Python files include a preview of their first lines."
}
func (t *ListTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"directory": map[string]any{
				"type":        "string",
				"description": "The directory to list files from, relative to the working directory. If not provided, lists files in the working directory itself.",
				"default":     ".",
			},
		},
	}
}

func (t *ListTool) Validate(params map[string]any) error {
	_, err := tools.OptionalString(params, "directory", ".")
	return err
}

func (t *ListTool) Execute(ctx context.Context, params map[string]any) tools.Result {
	dir, _ := tools.OptionalString(params, "directory", ".")

	abs, err := t.root.Resolve(dir)
	if err != nil {
		return resolveFailure(err, fmt.Sprintf("Cannot list %q as it is outside the permitted working directory", dir))
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return tools.Errorf("%q is not a directory", dir)
	}

	t.logger.InfoContext(ctx, "listing directory", slog.String("path", abs))

	entries, err := os.ReadDir(abs)
	if err != nil {
		return tools.Errorf("listing %q: %v", dir, err)
	}

	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, t.describe(abs, e.Name()))
	}
	return tools.OK(tools.TruncateOutput(strings.Join(lines, "\n"), tools.MaxOutputBytes))
}

// describe renders one entry. Failures stay local to the entry.
func (t *ListTool) describe(dir, name string) string {
	p, err := t.root.Resolve(t.root.Rel(filepath.Join(dir, name)))
	if err != nil {
		if isOutside(err) {
			return fmt.Sprintf("- %s: Error: Cannot read %q as it is outside the permitted working directory", name, name)
		}
		return fmt.Sprintf("- %s: Error: %v", name, err)
	}
	info, err := os.Stat(p)
	if err != nil {
		return fmt.Sprintf("- %s: Error: Could not get size for %q: %v", name, name, err)
	}

	entry := fmt.Sprintf("- %s: file_size=%d bytes, is_dir=%s", name, info.Size(), pyBool(info.IsDir()))
	if info.IsDir() || !strings.HasSuffix(name, t.config.ScriptExtension) {
		return entry
	}

	lines, err := previewLines(p, t.config.PreviewLines)
	if err != nil {
		return entry + "\nError: Could not read file: " + err.Error()
	}
	if len(lines) > 0 {
		entry += "\n" + strings.Join(lines, "\n")
	}
	return entry
}

// previewLines reads at most n lines from path, stripping trailing whitespace.
func previewLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(utf8Reader(f))
	var lines []string
	for len(lines) < n {
		line, err := r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			if isEncodingError(err) {
				return nil, fmt.Errorf("invalid UTF-8 text")
			}
			return nil, err
		}
		if line != "" {
			lines = append(lines, strings.TrimRightFunc(line, unicode.IsSpace))
		}
		if err != nil {
			break
		}
	}
	return lines, nil
}

func pyBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
