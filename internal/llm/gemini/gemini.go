// Package gemini implements the llm.Provider interface for the Google Gemini API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/jkaninda/codeagent/internal/llm"
)

const (
	defaultBaseURL   = "https://generativelanguage.googleapis.com"
	DefaultModel     = "gemini-2.0-flash-001"
	defaultMaxTokens = 4096
)

// Client implements llm.Provider using the Gemini generateContent endpoint.
type Client struct {
	apiKey         string
	model          string
	baseURL        string
	candidateCount int
	httpClient     *http.Client
	logger         *slog.Logger
}

// Option configures the Gemini client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCandidateCount asks the model for n alternative replies per call.
// Zero leaves the server default (one).
func WithCandidateCount(n int) Option {
	return func(c *Client) { c.candidateCount = n }
}

// NewClient creates a Gemini provider. An empty model selects DefaultModel.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	if model == "" {
		model = DefaultModel
	}
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "gemini" }

// SendMessage sends the conversation to the Gemini generateContent API.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	resp := toResponse(&apiResp)

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", "gemini"),
		slog.String("model", c.model),
		slog.Int("candidates", len(resp.Candidates)),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
	)

	return resp, nil
}

func (c *Client) buildRequest(req *llm.Request) apiRequest {
	idToName := buildToolIDMap(req.Messages)

	var contents []apiContent
	for _, m := range req.Messages {
		if content, ok := toGeminiContent(m, idToName); ok {
			contents = append(contents, content)
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	apiReq := apiRequest{
		Contents: contents,
		GenerationConfig: &apiGenerationConfig{
			MaxOutputTokens: maxTokens,
			CandidateCount:  c.candidateCount,
		},
	}

	if req.SystemPrompt != "" {
		apiReq.SystemInstruction = &apiContent{
			Parts: []apiPart{{Text: req.SystemPrompt}},
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]apiFunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, apiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
		}
		apiReq.Tools = []apiToolDeclaration{{FunctionDeclarations: decls}}
	}

	return apiReq
}

// buildToolIDMap maps synthetic call IDs to function names so tool results
// that only carry an ID can still be addressed by name.
func buildToolIDMap(messages []llm.Message) map[string]string {
	m := make(map[string]string)
	for _, msg := range messages {
		if msg.Role != llm.RoleAssistant {
			continue
		}
		for _, b := range msg.ContentBlocks {
			if b.Type == llm.BlockToolUse && b.ID != "" {
				m[b.ID] = b.Name
			}
		}
	}
	return m
}

// toGeminiContent converts an llm.Message to a Gemini content entry.
// Messages without any convertible part are skipped.
func toGeminiContent(m llm.Message, idToName map[string]string) (apiContent, bool) {
	role := "user"
	if m.Role == llm.RoleAssistant {
		role = "model"
	}

	var parts []apiPart
	for _, b := range m.ContentBlocks {
		switch b.Type {
		case llm.BlockText:
			parts = append(parts, apiPart{Text: b.Text})
		case llm.BlockToolUse:
			parts = append(parts, apiPart{
				FunctionCall: &apiFunctionCall{Name: b.Name, Args: b.Input},
			})
		case llm.BlockToolResult:
			name := b.Name
			if name == "" {
				name = idToName[b.ToolUseID]
			}
			// The API wants an object; the tool output travels unmodified
			// as a single string field.
			parts = append(parts, apiPart{
				FunctionResponse: &apiFunctionResponse{
					Name:     name,
					Response: map[string]any{"result": b.Text},
				},
			})
		}
	}
	if len(parts) == 0 {
		return apiContent{}, false
	}
	return apiContent{Role: role, Parts: parts}, true
}

func toResponse(apiResp *apiResponse) *llm.Response {
	resp := &llm.Response{Usage: extractUsage(apiResp)}

	// Call IDs are unique across candidates of one response.
	callIdx := 0
	for _, cand := range apiResp.Candidates {
		var blocks []llm.ContentBlock
		hasToolCalls := false
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				blocks = append(blocks, llm.TextBlock(part.Text))
			}
			if part.FunctionCall != nil {
				hasToolCalls = true
				id := fmt.Sprintf("gemini-call-%d", callIdx)
				callIdx++
				blocks = append(blocks, llm.ToolUseBlock(id, part.FunctionCall.Name, part.FunctionCall.Args))
			}
		}
		resp.Candidates = append(resp.Candidates, llm.Candidate{
			ContentBlocks: blocks,
			FinishReason:  normalizeFinishReason(cand.FinishReason, hasToolCalls),
		})
	}
	return resp
}

func extractUsage(apiResp *apiResponse) llm.Usage {
	if apiResp.UsageMetadata == nil {
		return llm.Usage{}
	}
	return llm.Usage{
		InputTokens:  apiResp.UsageMetadata.PromptTokenCount,
		OutputTokens: apiResp.UsageMetadata.CandidatesTokenCount,
	}
}

func normalizeFinishReason(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_use"
	}
	switch reason {
	case "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY":
		return "safety"
	default:
		return reason
	}
}

// --- Gemini API wire types (unexported) ---

type apiRequest struct {
	Contents          []apiContent         `json:"contents"`
	SystemInstruction *apiContent          `json:"system_instruction,omitempty"`
	Tools             []apiToolDeclaration `json:"tools,omitempty"`
	GenerationConfig  *apiGenerationConfig `json:"generation_config,omitempty"`
}

type apiContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []apiPart `json:"parts"`
}

type apiPart struct {
	Text             string               `json:"text,omitempty"`
	FunctionCall     *apiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *apiFunctionResponse `json:"functionResponse,omitempty"`
}

type apiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type apiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type apiToolDeclaration struct {
	FunctionDeclarations []apiFunctionDeclaration `json:"function_declarations"`
}

type apiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type apiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
	CandidateCount  int `json:"candidateCount,omitempty"`
}

type apiResponse struct {
	Candidates    []apiCandidate `json:"candidates"`
	UsageMetadata *apiUsage      `json:"usageMetadata,omitempty"`
}

type apiCandidate struct {
	Content      apiContent `json:"content"`
	FinishReason string     `json:"finishReason"`
}

type apiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}
