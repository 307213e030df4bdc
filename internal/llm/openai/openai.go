// Package openai implements llm.Provider for the OpenAI Chat Completions API.
// It also serves as the Ollama provider since Ollama exposes an OpenAI-compatible API.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/jkaninda/codeagent/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com"
	defaultMaxTokens = 4096
)

// Client implements llm.Provider on top of go-openai.
type Client struct {
	model      string
	name       string
	choices    int
	baseURL    string
	httpClient *http.Client
	api        *goopenai.Client
	logger     *slog.Logger
}

// Option configures the OpenAI client.
type Option func(*Client)

// WithBaseURL overrides the API root (without the /v1 suffix).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithName overrides the provider name (e.g. "ollama").
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithChoices requests n completions per call. Each choice becomes one
// llm.Candidate.
func WithChoices(n int) Option {
	return func(c *Client) { c.choices = n }
}

// NewClient creates an OpenAI-compatible provider.
// For Ollama, use WithBaseURL("http://localhost:11434") and WithName("ollama").
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		model:      model,
		name:       "openai",
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimSuffix(c.baseURL, "/") + "/v1"
	cfg.HTTPClient = c.httpClient
	c.api = goopenai.NewClientWithConfig(cfg)
	return c
}

func (c *Client) Name() string { return c.name }

// SendMessage sends the conversation to the Chat Completions API.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	apiResp, err := c.api.CreateChatCompletion(ctx, c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("%s chat completion: %w", c.name, err)
	}

	resp := toResponse(&apiResp)

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.name),
		slog.String("model", c.model),
		slog.Int("candidates", len(resp.Candidates)),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
	)

	return resp, nil
}

func (c *Client) buildRequest(req *llm.Request) goopenai.ChatCompletionRequest {
	var messages []goopenai.ChatCompletionMessage

	if req.SystemPrompt != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m)...)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	apiReq := goopenai.ChatCompletionRequest{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: maxTokens,
		N:         c.choices,
	}

	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	return apiReq
}

// convertMessage maps one llm.Message to Chat Completions messages.
// Assistant tool_use blocks become tool_calls; tool_result blocks become
// separate "tool" role messages.
func convertMessage(m llm.Message) []goopenai.ChatCompletionMessage {
	if m.Role == llm.RoleAssistant {
		var toolCalls []goopenai.ToolCall
		for _, b := range m.ContentBlocks {
			if b.Type != llm.BlockToolUse {
				continue
			}
			args, _ := json.Marshal(b.Input)
			toolCalls = append(toolCalls, goopenai.ToolCall{
				ID:   b.ID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      b.Name,
					Arguments: string(args),
				},
			})
		}
		return []goopenai.ChatCompletionMessage{{
			Role:      goopenai.ChatMessageRoleAssistant,
			Content:   m.TextContent(),
			ToolCalls: toolCalls,
		}}
	}

	var msgs []goopenai.ChatCompletionMessage
	if text := m.TextContent(); text != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleUser,
			Content: text,
		})
	}
	for _, b := range m.ContentBlocks {
		if b.Type != llm.BlockToolResult {
			continue
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:       goopenai.ChatMessageRoleTool,
			Content:    b.Text,
			Name:       b.Name,
			ToolCallID: b.ToolUseID,
		})
	}
	return msgs
}

func toResponse(apiResp *goopenai.ChatCompletionResponse) *llm.Response {
	resp := &llm.Response{
		Usage: llm.Usage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
		},
	}

	for _, choice := range apiResp.Choices {
		var blocks []llm.ContentBlock
		if choice.Message.Content != "" {
			blocks = append(blocks, llm.TextBlock(choice.Message.Content))
		}
		for _, tc := range choice.Message.ToolCalls {
			var input map[string]any
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
			blocks = append(blocks, llm.ToolUseBlock(tc.ID, tc.Function.Name, input))
		}
		resp.Candidates = append(resp.Candidates, llm.Candidate{
			ContentBlocks: blocks,
			FinishReason:  normalizeFinishReason(choice.FinishReason),
		})
	}
	return resp
}

func normalizeFinishReason(reason goopenai.FinishReason) string {
	switch reason {
	case goopenai.FinishReasonStop:
		return "end_turn"
	case goopenai.FinishReasonToolCalls:
		return "tool_use"
	case goopenai.FinishReasonLength:
		return "max_tokens"
	default:
		return string(reason)
	}
}
