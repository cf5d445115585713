package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantumflow/querypilot/internal/agent"
	"github.com/quantumflow/querypilot/internal/audit"
	"github.com/quantumflow/querypilot/internal/metrics"
	"github.com/quantumflow/querypilot/internal/models"
)

// ResponseNamespace is the cache namespace holding query results
const ResponseNamespace = "agent_response"

// Pipeline stage names used for latency observations
const (
	StageCacheLookup   = "cache_lookup"
	StageLLMGeneration = "llm_generation"
	StageToolExecution = "tool_execution"
	StageTotal         = "total"
)

// Config holds pipeline configuration
type Config struct {
	Timeout      time.Duration `mapstructure:"timeout"`       // deadline for one agent invocation
	ToolOverhead time.Duration `mapstructure:"tool_overhead"` // fixed cost excluded from tool time
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`     // zero uses the cache default
}

// DefaultConfig returns the default pipeline configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:      120 * time.Second,
		ToolOverhead: 100 * time.Millisecond,
	}
}

// Query is one inbound question on a conversation thread
type Query struct {
	Message   string
	ThreadID  string
	AgentType models.AgentType
	UseCache  bool
	RequestID string
}

// AgentFactory hands out the shared agent
type AgentFactory interface {
	CreateAgent(ctx context.Context) (agent.Agent, error)
}

// ResponseCache stores query results. cache.Manager satisfies it.
type ResponseCache interface {
	Get(ctx context.Context, namespace string, dest interface{}, keyParts ...interface{}) bool
	Set(ctx context.Context, namespace string, value interface{}, ttl time.Duration, keyParts ...interface{}) bool
	ClearPrefix(ctx context.Context, namespace string) int
}

// ThreadStore owns conversation state. agent.Factory satisfies it.
type ThreadStore interface {
	ClearThread(ctx context.Context, threadID string) error
}

// Executor runs the query pipeline: cache check, agent invocation under a
// deadline, failure classification, latency accounting and cache write
type Executor struct {
	agentType models.AgentType
	factory   AgentFactory
	cache     ResponseCache
	threads   ThreadStore
	audit     audit.Sink
	metrics   metrics.Recorder
	logger    zerolog.Logger
	config    *Config
}

// Option customizes an Executor
type Option func(*Executor)

// WithCache enables response caching
func WithCache(c ResponseCache) Option {
	return func(e *Executor) { e.cache = c }
}

// WithThreadStore lets the executor clear threads
func WithThreadStore(s ThreadStore) Option {
	return func(e *Executor) { e.threads = s }
}

// WithAudit records every query to sink
func WithAudit(sink audit.Sink) Option {
	return func(e *Executor) { e.audit = sink }
}

// WithMetrics sets the metrics recorder
func WithMetrics(r metrics.Recorder) Option {
	return func(e *Executor) { e.metrics = r }
}

// NewExecutor creates a pipeline executor answering as agentType
func NewExecutor(agentType models.AgentType, factory AgentFactory, config *Config, logger zerolog.Logger, opts ...Option) *Executor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	e := &Executor{
		agentType: agentType,
		factory:   factory,
		audit:     audit.Nop{},
		metrics:   metrics.Nop{},
		logger:    logger.With().Str("component", "pipeline").Str("agent_type", string(agentType)).Logger(),
		config:    config,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Type returns the agent type this executor answers as
func (e *Executor) Type() models.AgentType {
	return e.agentType
}

// Execute answers q. Failures are returned as *QueryError.
func (e *Executor) Execute(ctx context.Context, q Query) (*models.QueryResult, error) {
	start := time.Now()
	logger := e.logger.With().Str("thread_id", q.ThreadID).Str("request_id", q.RequestID).Logger()

	if q.UseCache && e.cache != nil {
		lookupStart := time.Now()
		var cached models.QueryResult
		hit := e.cache.Get(ctx, ResponseNamespace, &cached, q.Message, q.ThreadID)
		e.metrics.RecordPipelineStage(StageCacheLookup, time.Since(lookupStart))
		if hit {
			cached.Metadata.CacheHit = true
			logger.Info().Msg("Returning cached response")
			e.record(ctx, q, &audit.Event{Status: "success", CacheHit: true, Duration: time.Since(start)})
			return &cached, nil
		}
	}

	ag, err := e.factory.CreateAgent(ctx)
	if err != nil {
		return nil, e.fail(ctx, q, start, fmt.Errorf("failed to create agent: %w", err), logger)
	}

	logger.Info().Int("message_length", len(q.Message)).Msg("Invoking agent")
	inv, err := e.invoke(ctx, ag, q)
	if err != nil {
		return nil, e.fail(ctx, q, start, err, logger)
	}

	total := time.Since(start)
	result := &models.QueryResult{
		Response: inv.Reply().Content,
		ThreadID: q.ThreadID,
		Metadata: models.QueryMetadata{
			AgentType:       e.agentType,
			ThreadID:        q.ThreadID,
			ExecutionTimeMS: total.Milliseconds(),
			CacheHit:        false,
		},
	}

	toolTime := total - inv.GenerationTime - e.config.ToolOverhead
	if toolTime < 0 {
		toolTime = 0
	}
	e.metrics.RecordPipelineStage(StageLLMGeneration, inv.GenerationTime)
	e.metrics.RecordPipelineStage(StageToolExecution, toolTime)
	e.metrics.RecordPipelineStage(StageTotal, total)

	if q.UseCache && e.cache != nil {
		if !e.cache.Set(ctx, ResponseNamespace, result, e.config.CacheTTL, q.Message, q.ThreadID) {
			logger.Debug().Msg("Response not cached")
		}
	}

	e.metrics.RecordAgentQuery(string(e.agentType), "success", total)
	e.record(ctx, q, &audit.Event{
		Status:     "success",
		Duration:   total,
		ToolCalls:  inv.ToolCalls,
		ModelCalls: inv.ModelCalls,
	})

	logger.Info().
		Int64("execution_time_ms", result.Metadata.ExecutionTimeMS).
		Dur("llm_generation", inv.GenerationTime).
		Dur("tool_execution", toolTime).
		Dur("tool_wait", inv.ToolTime).
		Int("tool_calls", inv.ToolCalls).
		Msg("Query completed")

	return result, nil
}

// invoke runs the agent and gives up at the deadline even if the agent does not
func (e *Executor) invoke(ctx context.Context, ag agent.Agent, q Query) (*agent.Invocation, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	type outcome struct {
		inv *agent.Invocation
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		inv, err := ag.Invoke(deadlineCtx, q.ThreadID, []models.Message{models.NewUserMessage(q.Message)})
		done <- outcome{inv: inv, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil && errors.Is(deadlineCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("agent invocation exceeded %s: %w", e.config.Timeout, context.DeadlineExceeded)
		}
		return out.inv, out.err
	case <-deadlineCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("agent invocation exceeded %s: %w", e.config.Timeout, context.DeadlineExceeded)
	}
}

func (e *Executor) fail(ctx context.Context, q Query, start time.Time, err error, logger zerolog.Logger) error {
	qe := Classify(err)
	duration := time.Since(start)

	e.metrics.RecordAgentQuery(string(e.agentType), "error", duration)
	e.record(ctx, q, &audit.Event{Status: "error", ErrorKind: string(qe.Kind), Duration: duration})

	logger.Error().
		Err(err).
		Str("kind", string(qe.Kind)).
		Dur("duration", duration).
		Msg("Query failed")
	return qe
}

// record writes an audit event; failures are logged and dropped
func (e *Executor) record(ctx context.Context, q Query, event *audit.Event) {
	event.Timestamp = time.Now()
	event.RequestID = q.RequestID
	event.ThreadID = q.ThreadID
	event.AgentType = string(e.agentType)

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := e.audit.Record(recordCtx, event); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to record audit event")
	}
}

// ClearThread forgets a conversation: its stored state and cached responses.
// Response keys are hashed, so the whole response namespace is cleared.
func (e *Executor) ClearThread(ctx context.Context, threadID string) error {
	if e.cache != nil {
		n := e.cache.ClearPrefix(ctx, ResponseNamespace)
		e.logger.Info().Str("thread_id", threadID).Int("cleared_responses", n).Msg("Cleared cached responses")
	}
	if e.threads != nil {
		if err := e.threads.ClearThread(ctx, threadID); err != nil {
			return err
		}
	}
	return nil
}
