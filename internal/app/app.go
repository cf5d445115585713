package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantumflow/querypilot/internal/agent"
	"github.com/quantumflow/querypilot/internal/api"
	"github.com/quantumflow/querypilot/internal/audit"
	"github.com/quantumflow/querypilot/internal/cache"
	"github.com/quantumflow/querypilot/internal/checkpoint"
	"github.com/quantumflow/querypilot/internal/config"
	"github.com/quantumflow/querypilot/internal/inference"
	"github.com/quantumflow/querypilot/internal/metrics"
	"github.com/quantumflow/querypilot/internal/models"
	"github.com/quantumflow/querypilot/internal/pipeline"
	"github.com/quantumflow/querypilot/internal/ratelimit"
	"github.com/quantumflow/querypilot/internal/session"
)

// App holds every long-lived component of the service
type App struct {
	Config       *config.Config
	Metrics      metrics.Recorder
	Cache        *cache.Manager
	Limiter      *ratelimit.Limiter
	Session      *session.Manager
	Checkpoints  checkpoint.Store
	Factory      *agent.Factory
	Executor     *pipeline.Executor
	Orchestrator *pipeline.Orchestrator

	collector *metrics.Collector
	pool      *inference.Pool
	chat      inference.ChatModel
	installed inference.ModelLister
	auditLog  *audit.SQLiteSink
	logger    zerolog.Logger
}

// New builds the component graph from cfg. A model provider that cannot be
// constructed is logged and leaves the service not ready instead of failing startup.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{
		Config:  cfg,
		Metrics: metrics.Nop{},
		logger:  logger.With().Str("component", "app").Logger(),
	}

	if cfg.Metrics.Enabled {
		a.collector = metrics.NewCollector(&cfg.Metrics)
		a.Metrics = a.collector
	}

	var backend cache.Backend
	switch cfg.Cache.Backend {
	case "memory":
		backend = cache.NewMemoryBackend(time.Minute)
	default:
		backend = cache.NewRedisBackend(&cfg.Redis)
	}
	a.Cache = cache.NewManager(backend, &cfg.Cache, a.Metrics, logger)

	a.Limiter = ratelimit.New(&cfg.RateLimit)
	a.Session = session.NewManager(&cfg.Tools, a.Metrics, logger)

	store, err := checkpoint.New(&cfg.Checkpoint)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	a.Checkpoints = store

	model, err := inference.NewChatModel(&cfg.LLM)
	if err != nil {
		a.logger.Error().Err(err).Str("provider", cfg.LLM.Provider).Msg("Chat model unavailable")
	} else {
		a.pool = inference.NewPool(model, &cfg.LLM)
		a.chat = a.pool
		if lister, ok := model.(inference.ModelLister); ok {
			a.installed = lister
		}
	}

	agentCfg := agent.DefaultConfig()
	agentCfg.MaxIterations = cfg.Query.MaxIterations
	a.Factory = agent.NewFactory(a.chat, a.Session, a.Checkpoints, agentCfg, a.Metrics, logger)

	var sink audit.Sink = audit.Nop{}
	if cfg.Audit.Enabled {
		auditLog, err := audit.NewSQLiteSink(cfg.Audit.Path)
		if err != nil {
			a.logger.Warn().Err(err).Str("path", cfg.Audit.Path).Msg("Query log unavailable")
		} else {
			a.auditLog = auditLog
			sink = auditLog
		}
	}

	pipelineCfg := &pipeline.Config{
		Timeout:      cfg.Query.Timeout,
		ToolOverhead: cfg.Query.ToolOverhead,
		CacheTTL:     cfg.Cache.TTL,
	}
	a.Executor = pipeline.NewExecutor(models.AgentTypeQuery, a.Factory, pipelineCfg, logger,
		pipeline.WithCache(a.Cache),
		pipeline.WithThreadStore(a.Factory),
		pipeline.WithAudit(sink),
		pipeline.WithMetrics(a.Metrics),
	)
	a.Orchestrator = pipeline.NewOrchestrator(a.Executor)

	a.logger.Info().
		Str("llm_provider", cfg.LLM.Provider).
		Str("llm_model", cfg.LLM.Model).
		Str("cache_backend", cfg.Cache.Backend).
		Str("checkpoint_backend", cfg.Checkpoint.Backend).
		Bool("tools_configured", a.Session.Configured()).
		Msg("Application initialized")

	return a, nil
}

// Warmup builds the agent ahead of the first query, connecting the tool backend
func (a *App) Warmup(ctx context.Context) error {
	_, err := a.Factory.CreateAgent(ctx)
	return err
}

// Ready reports whether queries can be answered
func (a *App) Ready(ctx context.Context) error {
	if a.chat == nil {
		return errors.New("no chat model configured")
	}
	if a.installed != nil {
		names, err := a.installed.ListModels(ctx)
		if err != nil {
			return fmt.Errorf("model provider unreachable: %w", err)
		}
		if !inference.HasModel(names, a.chat.Model()) {
			return fmt.Errorf("model %s is not installed on the provider", a.chat.Model())
		}
	}
	return nil
}

// Checks reports the state of each dependency for the health endpoint
func (a *App) Checks(ctx context.Context) map[string]string {
	checks := map[string]string{}

	switch {
	case a.Session.State() == session.StateOpen:
		checks["tools"] = "connected"
	case a.Session.Configured():
		checks["tools"] = "configured"
	default:
		checks["tools"] = "not_configured"
	}

	if a.Cache.Enabled() {
		checks["cache"] = "enabled"
	} else {
		checks["cache"] = "disabled"
	}

	if a.chat != nil {
		checks["llm"] = a.chat.Model()
		checks["llm_queue"] = strconv.Itoa(a.pool.QueueLength())
	} else {
		checks["llm"] = "unavailable"
	}
	return checks
}

// Server builds the HTTP API over the application
func (a *App) Server() *api.Server {
	deps := api.Deps{
		Processor: a.Orchestrator,
		History:   a.Factory,
		Clearer:   a.Executor,
		Limiter:   a.Limiter,
		Metrics:   a.Metrics,
		Checks:    a.Checks,
		Ready:     a.Ready,
		Info: api.Info{
			Name:        a.Config.App.Name,
			Version:     a.Config.App.Version,
			Environment: a.Config.App.Environment,
		},
	}
	if a.auditLog != nil {
		deps.Stats = a.auditLog
		deps.QueryLog = a.auditLog
	}
	if a.collector != nil {
		deps.MetricsHandler = a.collector.Handler()
	}
	return api.NewServer(deps, a.logger)
}

// Close releases components in reverse order of construction
func (a *App) Close() error {
	var errs []error

	if a.Session != nil {
		if err := a.Session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tool session: %w", err))
		}
	}
	if a.pool != nil {
		if err := a.pool.Shutdown(5 * time.Second); err != nil {
			errs = append(errs, fmt.Errorf("model pool: %w", err))
		}
	}
	if a.Checkpoints != nil {
		if err := a.Checkpoints.Close(); err != nil {
			errs = append(errs, fmt.Errorf("checkpoint store: %w", err))
		}
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	if a.auditLog != nil {
		if err := a.auditLog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("query log: %w", err))
		}
	}

	if len(errs) > 0 {
		a.logger.Warn().Errs("errors", errs).Msg("Shutdown finished with errors")
	}
	return errors.Join(errs...)
}
