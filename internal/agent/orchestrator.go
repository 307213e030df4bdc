package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jkaninda/codeagent/internal/llm"
	"github.com/jkaninda/codeagent/internal/observability"
	"github.com/jkaninda/codeagent/internal/tools"
)

// Orchestrator drives a single run. It is strictly sequential: one model
// call per pass, and tool calls within a pass are dispatched one at a time
// in the order the model emitted them.
type Orchestrator struct {
	provider      llm.Provider
	registry      *tools.Registry
	systemPrompt  string
	logger        *slog.Logger
	maxIterations int
	maxTokens     int

	observer Observer
	audit    AuditLog
	obs      *observability.Observability
}

// NewOrchestrator creates an orchestrator bound to a provider and the tool registry.
func NewOrchestrator(provider llm.Provider, registry *tools.Registry, systemPrompt string, logger *slog.Logger) *Orchestrator {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	return &Orchestrator{
		provider:      provider,
		registry:      registry,
		systemPrompt:  systemPrompt,
		logger:        logger,
		maxIterations: DefaultMaxIterations,
	}
}

// WithMaxIterations sets the pass budget. Values below 1 keep the default.
func (o *Orchestrator) WithMaxIterations(n int) *Orchestrator {
	if n > 0 {
		o.maxIterations = n
	}
	return o
}

// WithMaxTokens caps the model's output per call. Zero leaves it to the provider.
func (o *Orchestrator) WithMaxTokens(n int) *Orchestrator {
	o.maxTokens = n
	return o
}

func (o *Orchestrator) WithObserver(obs Observer) *Orchestrator {
	o.observer = obs
	return o
}

func (o *Orchestrator) WithAudit(a AuditLog) *Orchestrator {
	o.audit = a
	return o
}

func (o *Orchestrator) WithObservability(obs *observability.Observability) *Orchestrator {
	o.obs = obs
	return o
}

// Run executes the loop for prompt until the model answers in text or the
// pass budget is spent. Tool failures never end a run; only a provider error,
// a cancelled context or a protocol violation returns an error, alongside
// the partial Result.
func (o *Orchestrator) Run(ctx context.Context, prompt string) (*Result, error) {
	runID := uuid.New()
	started := time.Now()

	ctx, span := o.obs.TracerOrNil().Start(ctx, "agent.run",
		attribute.String("run_id", runID.String()),
		attribute.String("llm.provider", o.provider.Name()),
		attribute.Int("max_iterations", o.maxIterations),
	)

	res, err := o.run(ctx, runID, prompt)

	outcome := "error"
	if err == nil {
		outcome = res.State.String()
	}
	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("iterations", res.Iterations),
	)
	o.obs.MetricsOrNil().RecordRun(outcome, res.Iterations)
	observability.EndSpan(span, err)
	o.recordRun(ctx, runID, prompt, res, err, started)

	return res, err
}

func (o *Orchestrator) run(ctx context.Context, runID uuid.UUID, prompt string) (*Result, error) {
	conv := NewConversation(prompt)
	toolDefs := tools.ToLLMDefinitions(o.registry)
	res := &Result{RunID: runID, State: StateRunning, Conversation: conv}

	o.logger.DebugContext(ctx, "run started",
		slog.String("run_id", runID.String()),
		slog.String("provider", o.provider.Name()),
		slog.Int("max_iterations", o.maxIterations),
	)

	for res.Iterations < o.maxIterations {
		pass := res.Iterations + 1
		resp, err := o.provider.SendMessage(ctx, &llm.Request{
			SystemPrompt: o.systemPrompt,
			Messages:     conv.Messages(),
			MaxTokens:    o.maxTokens,
			Tools:        toolDefs,
		})
		if err != nil {
			return res, fmt.Errorf("llm request failed: %w", err)
		}
		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens
		if o.observer != nil {
			o.observer.ModelResponded(ctx, pass, resp.Usage)
		}

		for _, cand := range resp.Candidates {
			conv.AppendCandidate(cand)
		}

		calls := resp.ToolUseBlocks()
		if len(calls) == 0 {
			text := resp.Text()
			if text == "" {
				return res, fmt.Errorf("pass %d: %w", pass, ErrProtocolViolation)
			}
			res.State = StateDoneWithAnswer
			res.Output = text
			o.logger.DebugContext(ctx, "run answered",
				slog.String("run_id", runID.String()),
				slog.Int("iterations", res.Iterations),
			)
			return res, nil
		}

		o.logger.InfoContext(ctx, "executing tool calls",
			slog.String("run_id", runID.String()),
			slog.Int("iteration", pass),
			slog.Int("tool_calls", len(calls)),
		)
		for seq, call := range calls {
			o.dispatch(ctx, conv, runID, pass, seq, call)
			res.ToolCalls++
		}
		res.Iterations++
	}

	o.logger.WarnContext(ctx, "max tool-use iterations reached",
		slog.String("run_id", runID.String()),
		slog.Int("max_iterations", o.maxIterations),
	)
	res.State = StateDoneBudgetExhausted
	res.Output = BudgetExhaustedMessage
	return res, nil
}

// dispatch runs one tool call and appends its result. It cannot fail: every
// outcome, including an unknown tool name, becomes a result turn.
func (o *Orchestrator) dispatch(ctx context.Context, conv *Conversation, runID uuid.UUID, pass, seq int, call llm.ContentBlock) {
	ctx, span := o.obs.TracerOrNil().Start(ctx, "tool."+call.Name,
		attribute.String("tool.name", call.Name),
		attribute.Int("pass", pass),
	)
	defer span.End()

	if o.observer != nil {
		o.observer.ToolCalled(ctx, call.Name, call.Input)
	}

	start := time.Now()
	result := o.registry.Dispatch(ctx, call.Name, call.Input)
	elapsed := time.Since(start)

	span.SetAttributes(attribute.Bool("tool.error", result.IsError))
	o.obs.MetricsOrNil().RecordTool(call.Name, result.IsError, elapsed)

	if result.IsError {
		o.logger.DebugContext(ctx, "tool returned error",
			slog.String("tool", call.Name),
			slog.String("result", result.Output),
		)
	}

	output := tools.TruncateOutput(result.Output, tools.MaxOutputBytes)
	conv.AppendToolResult(call, output, result.IsError)

	if o.observer != nil {
		o.observer.ToolReturned(ctx, call.Name, output, result.IsError)
	}

	if o.audit != nil {
		err := o.audit.RecordToolCall(ctx, ToolCallRecord{
			RunID:     runID,
			Pass:      pass,
			Seq:       seq,
			Tool:      call.Name,
			Args:      call.Input,
			Output:    output,
			IsError:   result.IsError,
			Duration:  elapsed,
			Timestamp: start.UTC(),
		})
		if err != nil {
			o.logger.ErrorContext(ctx, "failed to record tool call",
				slog.String("tool", call.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (o *Orchestrator) recordRun(ctx context.Context, runID uuid.UUID, prompt string, res *Result, runErr error, started time.Time) {
	if o.audit == nil {
		return
	}
	rec := RunRecord{
		ID:         runID,
		Provider:   o.provider.Name(),
		Prompt:     prompt,
		StartedAt:  started.UTC(),
		FinishedAt: time.Now().UTC(),
	}
	rec.State = res.State.String()
	rec.Output = res.Output
	rec.Iterations = res.Iterations
	rec.InputTokens = res.Usage.InputTokens
	rec.OutputTokens = res.Usage.OutputTokens
	if runErr != nil {
		rec.State = "error"
		rec.Error = runErr.Error()
	}
	// The run context may already be cancelled; the record should still land.
	if err := o.audit.RecordRun(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.ErrorContext(ctx, "failed to record run",
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
	}
}
