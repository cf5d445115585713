package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quantumflow/querypilot/internal/models"
)

// ErrServiceUnavailable marks a provider that answered 503 or is overloaded
var ErrServiceUnavailable = errors.New("model service unavailable")

// Config holds the model provider configuration
type Config struct {
	Provider    string        `mapstructure:"provider"` // "openai" or "ollama"
	Model       string        `mapstructure:"model"`
	BaseURL     string        `mapstructure:"base_url"` // Ollama URL or OpenAI compatible endpoint
	APIKey      string        `mapstructure:"api_key"`
	ContextSize int           `mapstructure:"context_size"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// Pool sizing
	Workers       int `mapstructure:"workers"`
	QueueSize     int `mapstructure:"queue_size"`
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Provider:      "openai",
		Model:         "gpt-4o-mini",
		BaseURL:       "",
		ContextSize:   32768,
		Temperature:   0.7,
		MaxTokens:     2000,
		Timeout:       90 * time.Second,
		Workers:       8,
		QueueSize:     100,
		MaxConcurrent: 4,
	}
}

// ChatRequest is one model turn: the conversation so far and the tools on offer
type ChatRequest struct {
	Messages []models.Message
	Tools    []models.ToolSpec
}

// ChatResponse is the assistant message produced for a ChatRequest
type ChatResponse struct {
	Message          models.Message
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// ChatModel is a tool-calling chat model
type ChatModel interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	Model() string
}

// NewChatModel builds the configured provider
func NewChatModel(config *Config) (ChatModel, error) {
	if config == nil {
		config = DefaultConfig()
	}

	switch config.Provider {
	case "openai":
		return NewOpenAIClient(config)
	case "ollama":
		return NewClient(config), nil
	default:
		return nil, fmt.Errorf("unsupported model provider: %q", config.Provider)
	}
}
