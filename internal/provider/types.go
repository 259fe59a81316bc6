package provider

import (
	"context"
	"time"
)

// Provider defines the interface for chat-completion backends.
type Provider interface {
	ID() string
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// LanguageModelClient is the only LLM dependency agents have: one prompt in,
// free text out.
type LanguageModelClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ChatRequest represents a request to an LLM provider.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatResponse represents a response from an LLM provider.
type ChatResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderConfig holds configuration for a provider instance.
type ProviderConfig struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Name        string            `json:"name"`
	Endpoint    string            `json:"endpoint"`
	APIKey      string            `json:"api_key"`
	Model       string            `json:"model"`
	Temperature float64           `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
}

// promptRequest wraps a single system-style prompt into a chat request.
func promptRequest(cfg ProviderConfig, prompt string) *ChatRequest {
	return &ChatRequest{
		Model:       cfg.Model,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
}
