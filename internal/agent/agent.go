// Package agent runs the tool-invocation loop: it asks the model what to do,
// dispatches the requested tools and feeds their results back until the model
// answers in plain text or the pass budget runs out.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/codeagent/internal/llm"
)

// DefaultMaxIterations bounds the number of tool-call passes per run.
const DefaultMaxIterations = 20

// BudgetExhaustedMessage is the final output when the pass budget is spent.
const BudgetExhaustedMessage = "Max iterations reached. Exiting."

// ErrProtocolViolation is returned when the model answers with neither text
// nor tool calls, so the loop cannot make progress.
var ErrProtocolViolation = errors.New("model returned no text and no function calls")

// State is the loop's position in its state machine.
type State int

const (
	StateRunning State = iota
	StateDoneWithAnswer
	StateDoneBudgetExhausted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDoneWithAnswer:
		return "answered"
	case StateDoneBudgetExhausted:
		return "budget_exhausted"
	default:
		return "unknown"
	}
}

// Result is the outcome of a finished run.
type Result struct {
	RunID        uuid.UUID
	State        State
	Output       string // final answer or BudgetExhaustedMessage
	Iterations   int    // passes that dispatched at least one tool
	ToolCalls    int
	Usage        llm.Usage
	Conversation *Conversation
}

// Observer receives loop events as they happen. The CLI uses it to echo
// tool calls; a nil Observer is ignored.
type Observer interface {
	ModelResponded(ctx context.Context, pass int, usage llm.Usage)
	ToolCalled(ctx context.Context, name string, args map[string]any)
	ToolReturned(ctx context.Context, name string, output string, isError bool)
}

// ToolCallRecord describes one dispatch for the audit trail.
type ToolCallRecord struct {
	RunID     uuid.UUID
	Pass      int
	Seq       int // position within the pass
	Tool      string
	Args      map[string]any
	Output    string
	IsError   bool
	Duration  time.Duration
	Timestamp time.Time
}

// RunRecord summarizes a run for the audit trail.
type RunRecord struct {
	ID           uuid.UUID
	Provider     string
	Prompt       string
	State        string
	Output       string
	Iterations   int
	InputTokens  int
	OutputTokens int
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// AuditLog persists what a run did. Implementations must be append-only.
type AuditLog interface {
	RecordToolCall(ctx context.Context, rec ToolCallRecord) error
	RecordRun(ctx context.Context, rec RunRecord) error
}
