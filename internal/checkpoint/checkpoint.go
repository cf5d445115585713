package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/quantumflow/querypilot/internal/models"
)

// ErrNotFound is returned by Load for a thread with no stored state
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is the accumulated state of one conversation thread
type Checkpoint struct {
	ThreadID  string            `json:"thread_id"`
	Messages  []models.Message  `json:"messages"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
	Turns     int               `json:"turns"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store keeps checkpoints keyed by thread id
type Store interface {
	Load(ctx context.Context, threadID string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
	Delete(ctx context.Context, threadID string) error
	Threads(ctx context.Context) ([]string, error)
	Close() error
}

// Config selects and configures the checkpoint store
type Config struct {
	Backend  string `mapstructure:"backend"`   // "memory" or "badger"
	Path     string `mapstructure:"path"`      // badger directory, ignored in memory mode
	InMemory bool   `mapstructure:"in_memory"` // badger without disk files
}

// DefaultConfig returns the default checkpoint configuration
func DefaultConfig() *Config {
	return &Config{
		Backend:  "badger",
		Path:     "~/.querypilot/checkpoints",
		InMemory: true,
	}
}

// New opens the configured store
func New(config *Config) (Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	switch config.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "badger":
		return NewBadgerStore(config)
	default:
		return nil, errors.New("unknown checkpoint backend: " + config.Backend)
	}
}

func clone(cp *Checkpoint) *Checkpoint {
	out := *cp
	out.Messages = append([]models.Message(nil), cp.Messages...)
	out.ToolCalls = append([]models.ToolCall(nil), cp.ToolCalls...)
	return &out
}
