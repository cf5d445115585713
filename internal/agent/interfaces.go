package agent

import (
	"context"
	"time"

	"github.com/quantumflow/querypilot/internal/models"
	"github.com/quantumflow/querypilot/internal/session"
)

// Agent answers a conversation turn, continuing the stored thread
type Agent interface {
	Invoke(ctx context.Context, threadID string, input []models.Message) (*Invocation, error)
}

// ToolSource supplies the tools an agent is built with
type ToolSource interface {
	Open(ctx context.Context) error
	Tools() []session.Tool
}

// Invocation is the result of one completed turn
type Invocation struct {
	// Messages is the whole thread after the turn, without the system prompt
	Messages       []models.Message
	GenerationTime time.Duration // time spent waiting on the model
	ToolTime       time.Duration // time spent waiting on tools
	ModelCalls     int
	ToolCalls      int
}

// Reply returns the final assistant message of the turn
func (i *Invocation) Reply() models.Message {
	if len(i.Messages) == 0 {
		return models.Message{}
	}
	return i.Messages[len(i.Messages)-1]
}

// Config holds agent runtime configuration
type Config struct {
	MaxIterations int    `mapstructure:"max_iterations"` // model calls per turn
	SystemPrompt  string `mapstructure:"system_prompt"`
}

// DefaultConfig returns the default agent configuration
func DefaultConfig() *Config {
	return &Config{
		MaxIterations: 25,
		SystemPrompt:  DefaultSystemPrompt,
	}
}
