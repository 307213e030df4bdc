package file

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jkaninda/codeagent/internal/tools"
	"github.com/jkaninda/codeagent/internal/workspace"
)

// ReadTool returns the text content of a file under the working root.
type ReadTool struct {
	root   *workspace.Root
	config Config
	logger *slog.Logger
}

// NewReadTool creates the file reading tool.
func NewReadTool(root *workspace.Root, cfg Config, logger *slog.Logger) *ReadTool {
	return &ReadTool{root: root, config: cfg.withDefaults(), logger: logger}
}

func (t *ReadTool) ID() tools.ID { return tools.ReadFile }
func (t *ReadTool) Description() string {
	return fmt.Sprintf("Reads and returns the contents of the specified file, constrained to the working directory. "+
		"Content beyond %d characters is truncated.", t.config.MaxFileChars)
}
func (t *ReadTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "The path to the file to read, relative to the working directory.",
			},
		},
		"required": []string{"file_path"},
	}
}

func (t *ReadTool) Validate(params map[string]any) error {
	_, err := tools.RequireString(params, "file_path", false)
	return err
}

func (t *ReadTool) Execute(ctx context.Context, params map[string]any) tools.Result {
	path, _ := tools.RequireString(params, "file_path", false)

	abs, err := t.root.Resolve(path)
	if err != nil {
		return resolveFailure(err, fmt.Sprintf("Cannot read %q as it is outside the permitted working directory", path))
	}
	info, ok := statRegular(abs)
	if !ok {
		return tools.Errorf("File not found or is not a regular file: %q", path)
	}
	if info.Size() > t.config.MaxFileBytes {
		return tools.Errorf("%q is too large (%d bytes, limit %d)", path, info.Size(), t.config.MaxFileBytes)
	}

	t.logger.InfoContext(ctx, "reading file",
		slog.String("path", abs),
		slog.Int64("size_bytes", info.Size()),
	)

	f, err := os.Open(abs)
	if err != nil {
		return tools.Errorf("reading file %q: %v", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(utf8Reader(f))
	if err != nil {
		if isEncodingError(err) {
			return tools.Errorf("Could not decode %q: file is not valid UTF-8 text", path)
		}
		return tools.Errorf("reading file %q: %v", path, err)
	}

	content, truncated := truncateChars(string(data), t.config.MaxFileChars)
	if truncated {
		content += fmt.Sprintf("[...File %q truncated at %d characters]", path, t.config.MaxFileChars)
	}
	return tools.OK(content)
}

// truncateChars cuts s after max runes.
func truncateChars(s string, max int) (string, bool) {
	n := 0
	for i := range s {
		if n == max {
			return s[:i], true
		}
		n++
	}
	return s, false
}
