package agent

import "github.com/jkaninda/codeagent/internal/llm"

// TurnKind tags a Turn.
type TurnKind int

const (
	TurnUserText TurnKind = iota
	TurnModelText
	TurnModelToolRequests
	TurnToolResults
)

func (k TurnKind) String() string {
	switch k {
	case TurnUserText:
		return "user_text"
	case TurnModelText:
		return "model_text"
	case TurnModelToolRequests:
		return "model_tool_requests"
	case TurnToolResults:
		return "tool_results"
	default:
		return "unknown"
	}
}

// Turn is one entry of the conversation.
type Turn struct {
	Kind   TurnKind
	Role   llm.Role
	Blocks []llm.ContentBlock
}

// Conversation is the ordered, append-only history replayed to the model on
// every call. Turns are never removed or reordered.
type Conversation struct {
	turns []Turn
}

// NewConversation starts a conversation with the user's prompt.
func NewConversation(prompt string) *Conversation {
	c := &Conversation{}
	c.Append(Turn{Kind: TurnUserText, Role: llm.RoleUser, Blocks: []llm.ContentBlock{llm.TextBlock(prompt)}})
	return c
}

// AppendCandidate records one model candidate. Candidates without content
// are skipped. It reports whether a turn was appended.
func (c *Conversation) AppendCandidate(cand llm.Candidate) bool {
	if len(cand.ContentBlocks) == 0 {
		return false
	}
	kind := TurnModelText
	for _, b := range cand.ContentBlocks {
		if b.Type == llm.BlockToolUse {
			kind = TurnModelToolRequests
			break
		}
	}
	c.Append(Turn{Kind: kind, Role: llm.RoleAssistant, Blocks: cand.ContentBlocks})
	return true
}

// AppendToolResult records the outcome of a single tool call.
func (c *Conversation) AppendToolResult(call llm.ContentBlock, output string, isError bool) {
	c.Append(Turn{
		Kind:   TurnToolResults,
		Role:   llm.RoleUser,
		Blocks: []llm.ContentBlock{llm.ToolResultBlock(call.ID, call.Name, output, isError)},
	})
}

// Append adds t at the end.
func (c *Conversation) Append(t Turn) {
	c.turns = append(c.turns, t)
}

// Turns returns a copy of the history.
func (c *Conversation) Turns() []Turn {
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *Conversation) Len() int { return len(c.turns) }

// Messages renders the history for a provider request.
func (c *Conversation) Messages() []llm.Message {
	msgs := make([]llm.Message, len(c.turns))
	for i, t := range c.turns {
		msgs[i] = llm.Message{Role: t.Role, ContentBlocks: t.Blocks}
	}
	return msgs
}
