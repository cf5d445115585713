package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/quantumflow/querypilot/internal/checkpoint"
	"github.com/quantumflow/querypilot/internal/inference"
	"github.com/quantumflow/querypilot/internal/metrics"
	"github.com/quantumflow/querypilot/internal/models"
	"github.com/quantumflow/querypilot/internal/session"
)

// Factory builds the process-wide agent on first use and hands out the
// same instance afterwards
type Factory struct {
	model   inference.ChatModel
	tools   ToolSource
	store   checkpoint.Store
	config  *Config
	metrics metrics.Recorder
	logger  zerolog.Logger

	mu    sync.Mutex
	agent *ReActAgent

	// stored thread count, loaded once from the store and then kept in step
	threadCount atomic.Int64
	countOnce   sync.Once
}

// NewFactory creates an agent factory. tools may be nil for a tool-less agent.
func NewFactory(
	model inference.ChatModel,
	tools ToolSource,
	store checkpoint.Store,
	config *Config,
	recorder metrics.Recorder,
	logger zerolog.Logger,
) *Factory {
	if config == nil {
		config = DefaultConfig()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	return &Factory{
		model:   model,
		tools:   tools,
		store:   store,
		config:  config,
		metrics: recorder,
		logger:  logger.With().Str("component", "agent").Logger(),
	}
}

// CreateAgent returns the cached agent, building it on the first call.
// A tool backend that cannot be opened is logged and the agent is built
// without tools; a missing model or store is an error.
func (f *Factory) CreateAgent(ctx context.Context) (Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.agent != nil {
		return f.agent, nil
	}

	if f.model == nil {
		err := errors.New("no chat model configured")
		f.logger.Error().Err(err).Msg("Failed to create agent")
		return nil, err
	}
	if f.store == nil {
		err := errors.New("no checkpoint store configured")
		f.logger.Error().Err(err).Msg("Failed to create agent")
		return nil, err
	}

	var tools []session.Tool
	if f.tools != nil {
		if err := f.tools.Open(ctx); err != nil {
			if errors.Is(err, session.ErrNotConfigured) {
				f.logger.Warn().Msg("Tool backend not configured, agent has no tools")
			} else {
				f.logger.Warn().Err(err).Msg("Tool backend unavailable, agent has no tools")
			}
		}
		tools = f.tools.Tools()
	}

	f.loadThreadCount(ctx)
	f.agent = NewReActAgent(f.model, tools, f.store, f.config, f.metrics, f.logger)
	f.agent.onNewThread = func() { f.publishThreadCount(1) }
	f.logger.Info().
		Str("model", f.model.Model()).
		Strs("tools", f.agent.ToolNames()).
		Msg("Agent created")

	return f.agent, nil
}

// Reset drops the cached agent so the next CreateAgent rebuilds it
func (f *Factory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agent = nil
}

// History returns the stored messages of a thread, or nil for an unknown thread
func (f *Factory) History(ctx context.Context, threadID string) ([]models.Message, error) {
	if f.store == nil {
		return nil, nil
	}
	cp, err := f.store.Load(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}
	return cp.Messages, nil
}

// ClearThread deletes the stored state of a thread
func (f *Factory) ClearThread(ctx context.Context, threadID string) error {
	if f.store == nil {
		return nil
	}
	f.loadThreadCount(ctx)

	_, err := f.store.Load(ctx, threadID)
	existed := err == nil
	if err := f.store.Delete(ctx, threadID); err != nil {
		return fmt.Errorf("failed to clear thread %s: %w", threadID, err)
	}
	if existed {
		f.publishThreadCount(-1)
	}
	return nil
}

// ActiveThreads counts threads with stored state
func (f *Factory) ActiveThreads(ctx context.Context) (int, error) {
	if f.store == nil {
		return 0, nil
	}
	ids, err := f.store.Threads(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// loadThreadCount seeds the active thread gauge with one scan of the store
func (f *Factory) loadThreadCount(ctx context.Context) {
	f.countOnce.Do(func() {
		n, err := f.ActiveThreads(ctx)
		if err != nil {
			f.logger.Debug().Err(err).Msg("Failed to count threads")
			return
		}
		f.threadCount.Store(int64(n))
		f.metrics.SetActiveThreads(n)
	})
}

func (f *Factory) publishThreadCount(delta int64) {
	n := f.threadCount.Add(delta)
	if n < 0 {
		f.threadCount.Store(0)
		n = 0
	}
	f.metrics.SetActiveThreads(int(n))
}
