package file

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/jkaninda/codeagent/internal/tools"
	"github.com/jkaninda/codeagent/internal/workspace"
)

// WriteTool creates or overwrites a file under the working root.
type WriteTool struct {
	root   *workspace.Root
	logger *slog.Logger
}

// NewWriteTool creates the file writing tool.
func NewWriteTool(root *workspace.Root, logger *slog.Logger) *WriteTool {
	return &WriteTool{root: root, logger: logger}
}

func (t *WriteTool) ID() tools.ID { return tools.WriteFile }
func (t *WriteTool) Description() string {
	return "Writes or overwrites the specified file with the provided content, constrained to the working directory. " +
		"Missing parent directories are created."
}
func (t *WriteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "The path to the file to write, relative to the working directory.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "The content to write to the file.",
			},
		},
		"required": []string{"file_path", "content"},
	}
}

func (t *WriteTool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "file_path", false); err != nil {
		return err
	}
	_, err := tools.RequireString(params, "content", true)
	return err
}

func (t *WriteTool) Execute(ctx context.Context, params map[string]any) tools.Result {
	path, _ := tools.RequireString(params, "file_path", false)
	content, _ := tools.RequireString(params, "content", true)

	abs, err := t.root.Resolve(path)
	if err != nil {
		return resolveFailure(err, fmt.Sprintf("Cannot write to %q as it is outside the permitted working directory", path))
	}
	if abs == t.root.Path() {
		return tools.Errorf("%q is a directory", path)
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return tools.Errorf("%q is a directory", path)
	}

	t.logger.InfoContext(ctx, "writing file",
		slog.String("path", abs),
		slog.Int("content_size", len(content)),
	)

	if err := os.MkdirAll(filepath.Dir(abs), 0750); err != nil {
		return tools.Errorf("creating parent directory for %q: %v", path, err)
	}
	if err := writeNoFollow(abs, content); err != nil {
		return tools.Errorf("writing %q: %v", path, err)
	}

	return tools.OK(fmt.Sprintf("Successfully wrote to %q (%d characters written)", path, len(content)))
}

// writeNoFollow truncates or creates abs. A symlink placed at abs after
// Resolve is refused rather than followed.
func writeNoFollow(abs, content string) error {
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|syscall.O_NOFOLLOW, fs.FileMode(0640))
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
