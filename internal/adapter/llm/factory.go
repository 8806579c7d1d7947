package llm

import (
	"fmt"
	"time"
)

// Supported providers.
const (
	ProviderMock      = "mock"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// NewChatClient returns the ChatClient for provider.
func NewChatClient(provider, baseURL, apiKey string, timeout time.Duration) (ChatClient, error) {
	switch provider {
	case ProviderMock, "":
		return NewMockClient(), nil
	case ProviderOpenAI:
		if baseURL == "" {
			baseURL = "https://api.openai.com"
		}
		return NewOpenAIClient(baseURL, apiKey, timeout), nil
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey, baseURL), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
}
