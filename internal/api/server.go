package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/quantumflow/querypilot/internal/audit"
	"github.com/quantumflow/querypilot/internal/metrics"
	"github.com/quantumflow/querypilot/internal/models"
	"github.com/quantumflow/querypilot/internal/pipeline"
	"github.com/quantumflow/querypilot/internal/ratelimit"
)

// Processor answers queries. pipeline.Orchestrator satisfies it.
type Processor interface {
	Process(ctx context.Context, q pipeline.Query) (*models.QueryResult, error)
}

// HistorySource returns the stored messages of a thread
type HistorySource interface {
	History(ctx context.Context, threadID string) ([]models.Message, error)
}

// ThreadClearer forgets a thread
type ThreadClearer interface {
	ClearThread(ctx context.Context, threadID string) error
}

// StatsSource aggregates the query log
type StatsSource interface {
	Stats(ctx context.Context, since time.Time) (*audit.Stats, error)
}

// QueryLog lists recorded queries
type QueryLog interface {
	Query(ctx context.Context, filter *audit.Filter) ([]*audit.Event, error)
}

// Deps are the collaborators of the HTTP layer. Processor is required.
type Deps struct {
	Processor      Processor
	History        HistorySource
	Clearer        ThreadClearer
	Stats          StatsSource
	QueryLog       QueryLog
	Limiter        *ratelimit.Limiter
	Metrics        metrics.Recorder
	MetricsHandler http.Handler
	Checks         func(ctx context.Context) map[string]string
	Ready          func(ctx context.Context) error
	Info           Info
}

// Server is the HTTP API
type Server struct {
	deps   Deps
	router *gin.Engine
	logger zerolog.Logger
}

// NewServer builds the router
func NewServer(deps Deps, logger zerolog.Logger) *Server {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}

	s := &Server{
		deps:   deps,
		router: gin.New(),
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.routes()
	return s
}

// Handler returns the root http.Handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(s.recovery(), s.requestID(), s.timing(), s.rateLimit())

	s.router.GET("/", s.handleRoot)
	if s.deps.MetricsHandler != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.MetricsHandler))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/query", s.handleQuery)
		v1.GET("/health", s.handleHealth)
		v1.GET("/ready", s.handleReady)
		v1.GET("/live", s.handleLive)
		v1.GET("/stats", s.handleStats)
		v1.GET("/queries", s.handleQueries)

		conversation := v1.Group("/conversation")
		{
			conversation.GET("/:thread_id", s.handleGetConversation)
			conversation.DELETE("/:thread_id", s.handleDeleteConversation)
		}
	}
}

// Serve listens on addr until ctx is done, then drains in-flight requests
func (s *Server) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
