// Package tools defines the fixed tool set the agent can invoke and the
// registry that dispatches model requests to it.
//
// The set is closed: every tool is identified by one of the ID constants
// below and the registry refuses anything else. Dispatch is total. Whatever
// happens inside a handler, the caller gets a Result back, never an error.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jkaninda/codeagent/internal/llm"
)

// ID identifies a tool. The string value is the name exposed to the model.
type ID string

const (
	ListDirectory ID = "get_files_info"
	ReadFile      ID = "get_file_content"
	RunScript     ID = "run_python_file"
	WriteFile     ID = "write_file"
)

// Catalog is the complete tool set in the order it is advertised.
var Catalog = []ID{ListDirectory, ReadFile, RunScript, WriteFile}

// ErrUnknownTool is returned by Lookup for names outside the catalog.
var ErrUnknownTool = errors.New("unknown function")

// Known reports whether id is part of the catalog.
func Known(id ID) bool {
	for _, c := range Catalog {
		if c == id {
			return true
		}
	}
	return false
}

// Tool is the interface every handler implements.
type Tool interface {
	// ID returns the catalog identifier.
	ID() ID

	// Description is sent to the model with the catalog.
	Description() string

	// InputSchema returns the JSON Schema of the parameters.
	InputSchema() map[string]any

	// Validate checks that params are well-formed before Execute runs.
	Validate(params map[string]any) error

	// Execute runs the tool. Failures are reported as error Results.
	Execute(ctx context.Context, params map[string]any) Result
}

// Result is the outcome of a tool invocation, rendered as a single string.
type Result struct {
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// OK wraps successful output.
func OK(output string) Result {
	return Result{Output: output}
}

// Errorf builds a failure Result. The text always starts with "Error: ".
func Errorf(format string, args ...any) Result {
	return Result{Output: "Error: " + fmt.Sprintf(format, args...), IsError: true}
}

// String returns the text handed back to the model.
func (r Result) String() string { return r.Output }

// MaxOutputBytes is the default cap for tool output.
const MaxOutputBytes = 1 << 20 // 1 MB

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Registry maps catalog IDs to handlers. It is populated at startup and
// read-only afterwards.
type Registry struct {
	mu     sync.RWMutex
	tools  map[ID]Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{tools: make(map[ID]Tool), logger: logger}
}

// Register adds a tool. Panics on IDs outside the catalog and on duplicates
// (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !Known(t.ID()) {
		panic("tool outside the catalog: " + string(t.ID()))
	}
	if _, exists := r.tools[t.ID()]; exists {
		panic("duplicate tool registration: " + string(t.ID()))
	}
	r.tools[t.ID()] = t
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[ID(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// All returns registered tools in catalog order.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, id := range Catalog {
		if t, ok := r.tools[id]; ok {
			result = append(result, t)
		}
	}
	return result
}

// Dispatch runs the named tool with params and always returns a Result.
// Unknown names, validation failures and handler panics become error Results.
func (r *Registry) Dispatch(ctx context.Context, name string, params map[string]any) (res Result) {
	t, err := r.Lookup(name)
	if err != nil {
		return Errorf("Unknown function: %s", name)
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := t.Validate(params); err != nil {
		return Errorf("%v", err)
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "tool panicked",
				slog.String("tool", name),
				slog.Any("panic", p),
			)
			res = Errorf("%s failed: %v", name, p)
		}
	}()
	return t.Execute(ctx, params)
}

// ToLLMDefinitions converts the registered tools into model tool definitions,
// in catalog order.
func ToLLMDefinitions(reg *Registry) []llm.ToolDefinition {
	all := reg.All()
	defs := make([]llm.ToolDefinition, len(all))
	for i, t := range all {
		defs[i] = llm.ToolDefinition{
			Name:        string(t.ID()),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}
	}
	return defs
}
