// Package provider exposes a single completion contract over multiple
// inference backends. The orchestration core depends only on the Provider
// interface and never branches on vendor identity.
package provider

import (
	"context"
	"fmt"
)

// Role values used in provider messages
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single message in a completion request
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request contains the request parameters for a completion call
type Request struct {
	Model        string    `json:"model"`
	Messages     []Message `json:"messages"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Temperature  float64   `json:"temperature,omitempty"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
}

// Usage tracks token consumption for a completion call
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response contains the completion result
type Response struct {
	Content string `json:"content"`
	Usage   *Usage `json:"usage,omitempty"`
}

// StreamFunc receives incremental text deltas during a streaming completion
type StreamFunc func(delta string)

// Provider is the capability contract every inference backend satisfies
type Provider interface {
	// Complete performs a blocking completion call
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream performs a streaming completion, invoking fn per text delta,
	// and returns the accumulated response
	Stream(ctx context.Context, req Request, fn StreamFunc) (*Response, error)

	// CountTokens estimates the token footprint of the given messages
	CountTokens(messages []Message) int

	// Name returns the provider name
	Name() string
}

// Credentials identifies and authenticates a concrete backend
type Credentials struct {
	Name    string // anthropic, openai, groq, local
	APIKey  string
	BaseURL string // optional override for OpenAI-compatible backends
}

// Default base URLs for OpenAI-compatible backends
const (
	groqBaseURL  = "https://api.groq.com/openai/v1"
	localBaseURL = "http://127.0.0.1:11434/v1"
)

// New creates a provider from credentials
func New(creds Credentials) (Provider, error) {
	switch creds.Name {
	case "anthropic":
		if creds.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key")
		}
		return NewAnthropic(creds.APIKey), nil
	case "openai":
		if creds.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		return NewOpenAI(creds.Name, creds.APIKey, creds.BaseURL), nil
	case "groq":
		if creds.APIKey == "" {
			return nil, fmt.Errorf("groq provider requires an API key")
		}
		baseURL := creds.BaseURL
		if baseURL == "" {
			baseURL = groqBaseURL
		}
		return NewOpenAI(creds.Name, creds.APIKey, baseURL), nil
	case "local":
		baseURL := creds.BaseURL
		if baseURL == "" {
			baseURL = localBaseURL
		}
		// Local inference servers typically ignore the key but the
		// client requires one to be set.
		apiKey := creds.APIKey
		if apiKey == "" {
			apiKey = "none"
		}
		return NewOpenAI(creds.Name, apiKey, baseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", creds.Name)
	}
}

// EstimateTokens provides a rough token count estimation (~4 chars/token)
func EstimateTokens(messages []Message) int {
	totalChars := 0
	for _, msg := range messages {
		totalChars += len(msg.Content)
	}
	return (totalChars + 3) / 4
}

// EstimateTextTokens estimates the token footprint of raw text
func EstimateTextTokens(text string) int {
	return (len(text) + 3) / 4
}
