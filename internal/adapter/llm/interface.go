// Package llm provides an abstraction for streaming chat LLM backends.
package llm

import "context"

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatClient streams a chat completion. onDelta is called for each text fragment in order.
type ChatClient interface {
	StreamChat(ctx context.Context, req *ChatRequest, onDelta DeltaCallback) (*Usage, error)
}

// DeltaCallback receives streamed text. Returning an error aborts the stream.
type DeltaCallback func(text string) error

// ChatRequest is a provider-neutral chat request.
type ChatRequest struct {
	Model     string
	System    string
	Messages  []ChatMessage
	MaxTokens int
}

// ChatMessage is one conversation turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

var (
	_ ChatClient = (*OpenAIClient)(nil)
	_ ChatClient = (*AnthropicClient)(nil)
	_ ChatClient = (*MockClient)(nil)
)
