package gemini

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jkaninda/codeagent/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func userText(s string) llm.Message {
	return llm.Message{Role: llm.RoleUser, ContentBlocks: []llm.ContentBlock{llm.TextBlock(s)}}
}

func serve(t *testing.T, resp apiResponse, inspect func(apiRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if inspect != nil {
			inspect(req)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendMessage_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("expected x-goog-api-key test-key, got %q", r.Header.Get("x-goog-api-key"))
		}
		if r.URL.Path != "/v1beta/models/gemini-2.0-flash-001:generateContent" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.SystemInstruction == nil {
			t.Error("expected system instruction")
		}
		if len(req.Contents) != 1 || req.Contents[0].Role != "user" {
			t.Errorf("expected a single user content, got %+v", req.Contents)
		}

		resp := apiResponse{
			Candidates: []apiCandidate{{
				Content:      apiContent{Role: "model", Parts: []apiPart{{Text: "Hello!"}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &apiUsage{PromptTokenCount: 10, CandidatesTokenCount: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	// Empty model falls back to the default.
	client := NewClient("test-key", "", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "You are helpful.",
		Messages:     []llm.Message{userText("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Hello!" {
		t.Errorf("expected text Hello!, got %q", resp.Text())
	}
	if resp.Candidates[0].FinishReason != "end_turn" {
		t.Errorf("expected finish reason end_turn, got %q", resp.Candidates[0].FinishReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestSendMessage_FunctionCall(t *testing.T) {
	srv := serve(t, apiResponse{
		Candidates: []apiCandidate{{
			Content: apiContent{
				Role: "model",
				Parts: []apiPart{{
					FunctionCall: &apiFunctionCall{
						Name: "get_files_info",
						Args: map[string]any{"directory": "pkg"},
					},
				}},
			},
			FinishReason: "STOP",
		}},
	}, func(req apiRequest) {
		if len(req.Tools) != 1 || len(req.Tools[0].FunctionDeclarations) != 1 {
			t.Errorf("expected 1 tool declaration, got %+v", req.Tools)
			return
		}
		if req.Tools[0].FunctionDeclarations[0].Name != "get_files_info" {
			t.Errorf("expected get_files_info, got %q", req.Tools[0].FunctionDeclarations[0].Name)
		}
	})

	client := NewClient("test-key", "gemini-2.0-flash-001", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{userText("list files")},
		Tools: []llm.ToolDefinition{{
			Name:        "get_files_info",
			Description: "List files",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.HasToolUse() {
		t.Fatal("expected HasToolUse() to return true")
	}
	blocks := resp.ToolUseBlocks()
	if len(blocks) != 1 {
		t.Fatalf("expected 1 tool use block, got %d", len(blocks))
	}
	if blocks[0].Name != "get_files_info" || blocks[0].ID != "gemini-call-0" {
		t.Errorf("unexpected block: %+v", blocks[0])
	}
	if blocks[0].Input["directory"] != "pkg" {
		t.Errorf("expected directory arg pkg, got %v", blocks[0].Input["directory"])
	}
	if resp.Candidates[0].FinishReason != "tool_use" {
		t.Errorf("expected finish reason tool_use, got %q", resp.Candidates[0].FinishReason)
	}
}

func TestSendMessage_MultipleCandidates(t *testing.T) {
	srv := serve(t, apiResponse{
		Candidates: []apiCandidate{
			{
				Content: apiContent{Role: "model", Parts: []apiPart{
					{Text: "first "},
					{FunctionCall: &apiFunctionCall{Name: "write_file", Args: map[string]any{"file_path": "a.txt", "content": "x"}}},
				}},
				FinishReason: "STOP",
			},
			{
				Content: apiContent{Role: "model", Parts: []apiPart{
					{Text: "second"},
					{FunctionCall: &apiFunctionCall{Name: "get_file_content", Args: map[string]any{"file_path": "a.txt"}}},
				}},
				FinishReason: "STOP",
			},
		},
	}, func(req apiRequest) {
		if req.GenerationConfig == nil || req.GenerationConfig.CandidateCount != 2 {
			t.Errorf("expected candidateCount 2, got %+v", req.GenerationConfig)
		}
	})

	client := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL), WithCandidateCount(2))
	resp, err := client.SendMessage(context.Background(), &llm.Request{Messages: []llm.Message{userText("go")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(resp.Candidates))
	}
	if resp.Text() != "first second" {
		t.Errorf("expected folded text, got %q", resp.Text())
	}
	calls := resp.ToolUseBlocks()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "write_file" || calls[1].Name != "get_file_content" {
		t.Errorf("calls out of order: %s, %s", calls[0].Name, calls[1].Name)
	}
	if calls[0].ID == calls[1].ID {
		t.Errorf("expected unique call IDs, both %q", calls[0].ID)
	}
}

func TestSendMessage_FunctionResultRoundTrip(t *testing.T) {
	var captured apiRequest
	srv := serve(t, apiResponse{
		Candidates: []apiCandidate{{
			Content:      apiContent{Role: "model", Parts: []apiPart{{Text: "Done."}}},
			FinishReason: "STOP",
		}},
	}, func(req apiRequest) { captured = req })

	client := NewClient("test-key", "gemini-2.0-flash-001", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), &llm.Request{
		Messages: []llm.Message{
			userText("list files"),
			{
				Role: llm.RoleAssistant,
				ContentBlocks: []llm.ContentBlock{
					llm.ToolUseBlock("gemini-call-0", "get_files_info", map[string]any{"directory": "."}),
				},
			},
			{
				Role: llm.RoleUser,
				ContentBlocks: []llm.ContentBlock{
					// Name omitted: resolved through the call ID.
					llm.ToolResultBlock("gemini-call-0", "", "- a.py: file_size=3 bytes, is_dir=False", false),
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(captured.Contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(captured.Contents))
	}
	model := captured.Contents[1]
	if model.Role != "model" || len(model.Parts) != 1 || model.Parts[0].FunctionCall == nil {
		t.Fatalf("expected model functionCall content, got %+v", model)
	}
	result := captured.Contents[2]
	if result.Role != "user" || len(result.Parts) != 1 || result.Parts[0].FunctionResponse == nil {
		t.Fatalf("expected user functionResponse content, got %+v", result)
	}
	fr := result.Parts[0].FunctionResponse
	if fr.Name != "get_files_info" {
		t.Errorf("expected function name get_files_info, got %q", fr.Name)
	}
	if fr.Response["result"] != "- a.py: file_size=3 bytes, is_dir=False" {
		t.Errorf("expected raw result string, got %v", fr.Response)
	}
}

func TestSendMessage_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"message":"API key invalid"}}`))
	}))
	defer srv.Close()

	client := NewClient("bad-key", "gemini-2.0-flash-001", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), &llm.Request{Messages: []llm.Message{userText("Hi")}})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestSendMessage_NoCandidates(t *testing.T) {
	srv := serve(t, apiResponse{}, nil)
	client := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.SendMessage(context.Background(), &llm.Request{Messages: []llm.Message{userText("Hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "" || resp.HasToolUse() {
		t.Errorf("expected empty response, got %+v", resp)
	}
}

func TestNormalizeFinishReason(t *testing.T) {
	tests := []struct {
		reason       string
		hasToolCalls bool
		want         string
	}{
		{"STOP", false, "end_turn"},
		{"STOP", true, "tool_use"},
		{"MAX_TOKENS", false, "max_tokens"},
		{"SAFETY", false, "safety"},
		{"RECITATION", false, "RECITATION"},
	}
	for _, tt := range tests {
		if got := normalizeFinishReason(tt.reason, tt.hasToolCalls); got != tt.want {
			t.Errorf("normalizeFinishReason(%q, %v) = %q, want %q", tt.reason, tt.hasToolCalls, got, tt.want)
		}
	}
}

func TestBuildToolIDMap(t *testing.T) {
	messages := []llm.Message{
		userText("hi"),
		{
			Role: llm.RoleAssistant,
			ContentBlocks: []llm.ContentBlock{
				llm.ToolUseBlock("id-1", "run_python_file", nil),
				llm.ToolUseBlock("id-2", "get_file_content", nil),
			},
		},
	}
	m := buildToolIDMap(messages)
	if m["id-1"] != "run_python_file" {
		t.Errorf("expected run_python_file for id-1, got %q", m["id-1"])
	}
	if m["id-2"] != "get_file_content" {
		t.Errorf("expected get_file_content for id-2, got %q", m["id-2"])
	}
}
