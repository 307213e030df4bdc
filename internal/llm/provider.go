// Package llm defines the provider-agnostic interface for model interactions.
package llm

import (
	"context"
	"strings"
)

// Provider is the abstraction over any model backend (Gemini, OpenAI, etc.).
type Provider interface {
	// SendMessage sends a conversation to the model and returns its response.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "gemini").
	Name() string
}

// Request represents a full conversation sent to the model.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Tools        []ToolDefinition // nil = no tool use
}

// ToolDefinition describes a tool the model can invoke.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Message is a single turn in the conversation.
type Message struct {
	Role          Role
	ContentBlocks []ContentBlock
}

// TextContent returns the concatenated text from all text blocks.
func (m *Message) TextContent() string {
	var sb strings.Builder
	for _, b := range m.ContentBlocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is a tagged union representing a piece of message content.
// The Type field determines which other fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// text block fields
	Text string `json:"text,omitempty"`

	// tool_use block fields
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result block fields; Name carries the tool name.
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock creates a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock creates a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock creates a tool_result content block.
// Some backends (Gemini) key function responses by name rather than ID,
// so both are recorded.
func ToolResultBlock(toolUseID, name, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Name: name, Text: content, IsError: isError}
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Candidate is one alternative reply produced by the model.
type Candidate struct {
	ContentBlocks []ContentBlock
	FinishReason  string // "end_turn", "tool_use", "max_tokens", "safety"
}

// Response is what the model returns. A backend may produce several
// candidates; callers fold all of them into the conversation.
type Response struct {
	Candidates []Candidate
	Usage      Usage
}

// Text returns the concatenated text parts of every candidate, in order.
func (r *Response) Text() string {
	var sb strings.Builder
	for _, c := range r.Candidates {
		for _, b := range c.ContentBlocks {
			if b.Type == BlockText {
				sb.WriteString(b.Text)
			}
		}
	}
	return sb.String()
}

// ToolUseBlocks returns the tool_use blocks across all candidates in
// emission order.
func (r *Response) ToolUseBlocks() []ContentBlock {
	var blocks []ContentBlock
	for _, c := range r.Candidates {
		for _, b := range c.ContentBlocks {
			if b.Type == BlockToolUse {
				blocks = append(blocks, b)
			}
		}
	}
	return blocks
}

// HasToolUse reports whether any candidate requests tool execution.
func (r *Response) HasToolUse() bool {
	return len(r.ToolUseBlocks()) > 0
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
