package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jkaninda/codeagent/internal/llm"
	"github.com/jkaninda/codeagent/internal/tools"
	"github.com/jkaninda/codeagent/internal/tools/file"
	"github.com/jkaninda/codeagent/internal/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider replays responses in order and records every request.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
	requests  []*llm.Request
	repeat    *llm.Response // returned forever once responses run out
	err       error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	p.requests = append(p.requests, &cp)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return p.repeat, nil
	}
	r := p.responses[0]
	p.responses = p.responses[1:]
	return r, nil
}

func textResponse(text string) *llm.Response {
	return &llm.Response{
		Candidates: []llm.Candidate{{ContentBlocks: []llm.ContentBlock{llm.TextBlock(text)}, FinishReason: "end_turn"}},
		Usage:      llm.Usage{InputTokens: 3, OutputTokens: 2},
	}
}

func callResponse(calls ...llm.ContentBlock) *llm.Response {
	return &llm.Response{
		Candidates: []llm.Candidate{{ContentBlocks: calls, FinishReason: "tool_use"}},
		Usage:      llm.Usage{InputTokens: 5, OutputTokens: 1},
	}
}

func newRegistry(t *testing.T) (*tools.Registry, *workspace.Root) {
	t.Helper()
	root, err := workspace.New(filepath.Join(t.TempDir(), "work"))
	if err != nil {
		t.Fatal(err)
	}
	reg := tools.NewRegistry(discardLogger())
	reg.Register(file.NewListTool(root, file.Config{}, discardLogger()))
	reg.Register(file.NewReadTool(root, file.Config{}, discardLogger()))
	reg.Register(file.NewWriteTool(root, discardLogger()))
	return reg, root
}

type recordingAudit struct {
	calls []ToolCallRecord
	runs  []RunRecord
}

func (a *recordingAudit) RecordToolCall(_ context.Context, rec ToolCallRecord) error {
	a.calls = append(a.calls, rec)
	return nil
}

func (a *recordingAudit) RecordRun(_ context.Context, rec RunRecord) error {
	a.runs = append(a.runs, rec)
	return nil
}

type recordingObserver struct {
	called   []string
	returned []string
	passes   []int
}

func (r *recordingObserver) ModelResponded(_ context.Context, pass int, _ llm.Usage) {
	r.passes = append(r.passes, pass)
}
func (r *recordingObserver) ToolCalled(_ context.Context, name string, _ map[string]any) {
	r.called = append(r.called, name)
}
func (r *recordingObserver) ToolReturned(_ context.Context, _ string, output string, _ bool) {
	r.returned = append(r.returned, output)
}

func TestRun_TextAnswer(t *testing.T) {
	reg, _ := newRegistry(t)
	p := &scriptedProvider{responses: []*llm.Response{textResponse("The answer is 8.")}}

	res, err := NewOrchestrator(p, reg, "", discardLogger()).Run(context.Background(), "what is 3+5?")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateDoneWithAnswer || res.Output != "The answer is 8." {
		t.Errorf("got %s %q", res.State, res.Output)
	}
	if res.Iterations != 0 {
		t.Errorf("Iterations = %d, want 0", res.Iterations)
	}
	if res.Conversation.Len() != 2 {
		t.Errorf("conversation has %d turns, want 2", res.Conversation.Len())
	}

	req := p.requests[0]
	if req.SystemPrompt != DefaultSystemPrompt {
		t.Error("default system prompt not sent")
	}
	if len(req.Tools) != 3 {
		t.Errorf("sent %d tool definitions, want 3", len(req.Tools))
	}
	if len(req.Messages) != 1 || req.Messages[0].TextContent() != "what is 3+5?" {
		t.Errorf("first request messages = %+v", req.Messages)
	}
}

func TestRun_MaxTokensForwarded(t *testing.T) {
	reg, _ := newRegistry(t)
	p := &scriptedProvider{responses: []*llm.Response{textResponse("ok")}}

	if _, err := NewOrchestrator(p, reg, "", discardLogger()).WithMaxTokens(256).Run(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	if got := p.requests[0].MaxTokens; got != 256 {
		t.Errorf("MaxTokens = %d, want 256", got)
	}
}

func TestRun_BudgetExhaustedAtExactlyMax(t *testing.T) {
	reg, _ := newRegistry(t)
	p := &scriptedProvider{repeat: callResponse(llm.ToolUseBlock("c", "get_files_info", map[string]any{}))}

	const max = 4
	res, err := NewOrchestrator(p, reg, "", discardLogger()).WithMaxIterations(max).Run(context.Background(), "loop forever")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateDoneBudgetExhausted {
		t.Errorf("State = %s", res.State)
	}
	if res.Output != BudgetExhaustedMessage {
		t.Errorf("Output = %q", res.Output)
	}
	if res.Iterations != max {
		t.Errorf("Iterations = %d, want %d", res.Iterations, max)
	}
	if len(p.requests) != max {
		t.Errorf("model called %d times, want %d", len(p.requests), max)
	}
	if res.Usage.InputTokens != 5*max {
		t.Errorf("InputTokens = %d", res.Usage.InputTokens)
	}
}

func TestRun_CounterIsPerPassNotPerCall(t *testing.T) {
	reg, _ := newRegistry(t)
	three := callResponse(
		llm.ToolUseBlock("1", "get_files_info", nil),
		llm.ToolUseBlock("2", "get_files_info", nil),
		llm.ToolUseBlock("3", "get_files_info", nil),
	)
	p := &scriptedProvider{responses: []*llm.Response{three, textResponse("done")}}

	res, err := NewOrchestrator(p, reg, "", discardLogger()).WithMaxIterations(2).Run(context.Background(), "list")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateDoneWithAnswer || res.Iterations != 1 || res.ToolCalls != 3 {
		t.Errorf("state=%s iterations=%d calls=%d", res.State, res.Iterations, res.ToolCalls)
	}
}

func TestRun_WriteThenReadInOnePass(t *testing.T) {
	reg, _ := newRegistry(t)
	p := &scriptedProvider{responses: []*llm.Response{
		callResponse(
			llm.ToolUseBlock("w", "write_file", map[string]any{"file_path": "a.txt", "content": "fresh"}),
			llm.ToolUseBlock("r", "get_file_content", map[string]any{"file_path": "a.txt"}),
		),
		textResponse("ok"),
	}}

	res, err := NewOrchestrator(p, reg, "", discardLogger()).Run(context.Background(), "write and read")
	if err != nil {
		t.Fatal(err)
	}

	turns := res.Conversation.Turns()
	// user, tool requests, write result, read result, answer
	if len(turns) != 5 {
		t.Fatalf("got %d turns", len(turns))
	}
	if turns[1].Kind != TurnModelToolRequests {
		t.Errorf("turn 1 kind = %s", turns[1].Kind)
	}
	write, read := turns[2].Blocks[0], turns[3].Blocks[0]
	if write.Name != "write_file" || write.ToolUseID != "w" {
		t.Errorf("write result = %+v", write)
	}
	if read.Name != "get_file_content" || read.Text != "fresh" || read.IsError {
		t.Errorf("read result = %+v", read)
	}
	if turns[4].Kind != TurnModelText {
		t.Errorf("turn 4 kind = %s", turns[4].Kind)
	}

	// The second request replays everything so far, in order.
	second := p.requests[1].Messages
	if len(second) != 4 || second[3].ContentBlocks[0].Text != "fresh" {
		t.Errorf("second request history = %+v", second)
	}
}

func TestRun_UnknownToolDoesNotAbort(t *testing.T) {
	reg, _ := newRegistry(t)
	p := &scriptedProvider{responses: []*llm.Response{
		callResponse(
			llm.ToolUseBlock("x", "rm_rf", map[string]any{}),
			llm.ToolUseBlock("y", "get_files_info", map[string]any{}),
		),
		textResponse("sorry"),
	}}

	res, err := NewOrchestrator(p, reg, "", discardLogger()).Run(context.Background(), "clean up")
	if err != nil {
		t.Fatal(err)
	}
	turns := res.Conversation.Turns()
	unknown := turns[2].Blocks[0]
	if !unknown.IsError || unknown.Text != "Error: Unknown function: rm_rf" {
		t.Errorf("unknown tool result = %+v", unknown)
	}
	if turns[3].Blocks[0].Name != "get_files_info" {
		t.Error("call after unknown tool was not dispatched")
	}
}

func TestRun_FoldsEveryCandidate(t *testing.T) {
	reg, _ := newRegistry(t)
	multi := &llm.Response{Candidates: []llm.Candidate{
		{ContentBlocks: []llm.ContentBlock{llm.TextBlock("thinking"), llm.ToolUseBlock("a", "get_files_info", nil)}},
		{},
		{ContentBlocks: []llm.ContentBlock{llm.ToolUseBlock("b", "write_file", map[string]any{"file_path": "x.txt", "content": "1"})}},
	}}
	p := &scriptedProvider{responses: []*llm.Response{multi, textResponse("fin")}}
	obs := &recordingObserver{}

	res, err := NewOrchestrator(p, reg, "", discardLogger()).WithObserver(obs).Run(context.Background(), "go")
	if err != nil {
		t.Fatal(err)
	}
	turns := res.Conversation.Turns()
	// user, candidate 1, candidate 3 (empty skipped), result a, result b, answer
	if len(turns) != 6 {
		t.Fatalf("got %d turns", len(turns))
	}
	if got := strings.Join(obs.called, ","); got != "get_files_info,write_file" {
		t.Errorf("dispatch order = %s", got)
	}
	if len(obs.passes) != 2 || obs.passes[0] != 1 || obs.passes[1] != 2 {
		t.Errorf("passes = %v", obs.passes)
	}
}

func TestRun_ProtocolViolation(t *testing.T) {
	reg, _ := newRegistry(t)
	tests := []struct {
		name string
		resp *llm.Response
	}{
		{"no candidates", &llm.Response{}},
		{"empty text", textResponse("")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := &scriptedProvider{responses: []*llm.Response{tc.resp}}
			_, err := NewOrchestrator(p, reg, "", discardLogger()).Run(context.Background(), "hi")
			if !errors.Is(err, ErrProtocolViolation) {
				t.Errorf("err = %v, want ErrProtocolViolation", err)
			}
		})
	}
}

func TestRun_ProviderError(t *testing.T) {
	reg, _ := newRegistry(t)
	audit := &recordingAudit{}
	p := &scriptedProvider{err: errors.New("503 unavailable")}

	res, err := NewOrchestrator(p, reg, "", discardLogger()).WithAudit(audit).Run(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("err = %v", err)
	}
	if res == nil || res.State != StateRunning {
		t.Errorf("partial result = %+v", res)
	}
	if len(audit.runs) != 1 || audit.runs[0].State != "error" || audit.runs[0].Error == "" {
		t.Errorf("run record = %+v", audit.runs)
	}
}

func TestRun_AuditTrail(t *testing.T) {
	reg, _ := newRegistry(t)
	audit := &recordingAudit{}
	p := &scriptedProvider{responses: []*llm.Response{
		callResponse(
			llm.ToolUseBlock("1", "write_file", map[string]any{"file_path": "a.txt", "content": "x"}),
			llm.ToolUseBlock("2", "get_file_content", map[string]any{"file_path": "../etc/passwd"}),
		),
		textResponse("done"),
	}}

	res, err := NewOrchestrator(p, reg, "", discardLogger()).WithAudit(audit).Run(context.Background(), "do it")
	if err != nil {
		t.Fatal(err)
	}
	if len(audit.calls) != 2 {
		t.Fatalf("recorded %d calls", len(audit.calls))
	}
	first, second := audit.calls[0], audit.calls[1]
	if first.RunID != res.RunID || first.Pass != 1 || first.Seq != 0 || first.IsError {
		t.Errorf("first record = %+v", first)
	}
	if second.Seq != 1 || !second.IsError || !strings.Contains(second.Output, "outside the permitted working directory") {
		t.Errorf("second record = %+v", second)
	}
	if len(audit.runs) != 1 || audit.runs[0].State != "answered" || audit.runs[0].Iterations != 1 {
		t.Errorf("run record = %+v", audit.runs)
	}
}

func TestConversation_AppendOnlyCopy(t *testing.T) {
	c := NewConversation("hello")
	turns := c.Turns()
	turns[0].Kind = TurnModelText
	if c.Turns()[0].Kind != TurnUserText {
		t.Error("Turns leaked internal slice")
	}
	if c.AppendCandidate(llm.Candidate{}) {
		t.Error("empty candidate appended")
	}
	msgs := c.Messages()
	if len(msgs) != 1 || msgs[0].Role != llm.RoleUser {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateRunning:             "running",
		StateDoneWithAnswer:      "answered",
		StateDoneBudgetExhausted: "budget_exhausted",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
