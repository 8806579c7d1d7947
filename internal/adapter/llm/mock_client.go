package llm

import (
	"context"
	"fmt"
)

// MockClient is a deterministic ChatClient for tests and offline use.
type MockClient struct {
	chunkSize int
}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{chunkSize: 10}
}

// StreamChat echoes the last user message back in fixed-size chunks.
func (m *MockClient) StreamChat(ctx context.Context, req *ChatRequest, onDelta DeltaCallback) (*Usage, error) {
	content := MockResponse(req)
	for _, chunk := range splitIntoChunks(content, m.chunkSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := onDelta(chunk); err != nil {
			return nil, err
		}
	}

	prompt := 0
	for _, msg := range req.Messages {
		prompt += len(msg.Content) / 4
	}
	return &Usage{
		PromptTokens:     prompt,
		CompletionTokens: len(content) / 4,
		TotalTokens:      prompt + len(content)/4,
	}, nil
}

// MockResponse is the full text MockClient streams for req.
func MockResponse(req *ChatRequest) string {
	var lastUserMessage string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			lastUserMessage = req.Messages[i].Content
			break
		}
	}
	if lastUserMessage == "" {
		return "[MOCK] This is a mock response from the LLM client."
	}
	return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(lastUserMessage, 100))
}

func splitIntoChunks(s string, chunkSize int) []string {
	if len(s) == 0 {
		return []string{""}
	}
	var chunks []string
	for i := 0; i < len(s); i += chunkSize {
		end := i + chunkSize
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[i:end])
	}
	return chunks
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
