package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quantumflow/querypilot/internal/audit"
	"github.com/quantumflow/querypilot/internal/models"
	"github.com/quantumflow/querypilot/internal/pipeline"
)

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    s.deps.Info.Name,
		"version": s.deps.Info.Version,
		"status":  "running",
	})
}

func (s *Server) handleQuery(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Detail: err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Detail: err.Error()})
		return
	}
	req.EnsureDefaults()

	logger := s.logger.With().Str("request_id", requestID(c)).Str("thread_id", req.ThreadID).Logger()
	logger.Info().Str("agent_type", string(req.AgentType)).Msg("Received query")

	result, err := s.deps.Processor.Process(c.Request.Context(), pipeline.Query{
		Message:   req.Message,
		ThreadID:  req.ThreadID,
		AgentType: req.AgentType,
		UseCache:  *req.UseCache,
		RequestID: requestID(c),
	})
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: "Query processing failed", Detail: err.Error()})
		return
	}

	c.JSON(http.StatusOK, QueryResponse{
		Response: result.Response,
		ThreadID: result.Metadata.ThreadID,
		Metadata: result.Metadata,
	})
}

// statusFor maps a classified failure to an HTTP status
func statusFor(err error) int {
	var qe *pipeline.QueryError
	if !errors.As(err, &qe) {
		return http.StatusInternalServerError
	}
	switch qe.Kind {
	case pipeline.KindTimeout:
		return http.StatusGatewayTimeout
	case pipeline.KindBackendUnavailable, pipeline.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	checks := map[string]string{"api": "healthy"}
	if s.deps.Checks != nil {
		for k, v := range s.deps.Checks(c.Request.Context()) {
			checks[k] = v
		}
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:      "healthy",
		Version:     s.deps.Info.Version,
		Environment: s.deps.Info.Environment,
		Checks:      checks,
	})
}

func (s *Server) handleReady(c *gin.Context) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "detail": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.deps.Stats == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Query log disabled"})
		return
	}

	window := 24 * time.Hour
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid window", Detail: raw})
			return
		}
		window = d
	}

	stats, err := s.deps.Stats.Stats(c.Request.Context(), time.Now().Add(-window))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read query stats")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

const (
	defaultQueryLogLimit = 50
	maxQueryLogLimit     = 500
)

func (s *Server) handleQueries(c *gin.Context) {
	if s.deps.QueryLog == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Query log disabled"})
		return
	}

	filter := &audit.Filter{
		ThreadID: c.Query("thread_id"),
		Status:   c.Query("status"),
		Limit:    defaultQueryLogLimit,
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid limit", Detail: raw})
			return
		}
		filter.Limit = min(n, maxQueryLogLimit)
	}
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid window", Detail: raw})
			return
		}
		since := time.Now().Add(-d)
		filter.StartTime = &since
	}

	events, err := s.deps.QueryLog.Query(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read query log")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read query log"})
		return
	}

	resp := QueryLogResponse{Queries: make([]QueryLogEntry, 0, len(events))}
	for _, e := range events {
		resp.Queries = append(resp.Queries, QueryLogEntry{
			Timestamp:  e.Timestamp,
			RequestID:  e.RequestID,
			ThreadID:   e.ThreadID,
			AgentType:  e.AgentType,
			Status:     e.Status,
			ErrorKind:  e.ErrorKind,
			DurationMS: e.Duration.Milliseconds(),
			CacheHit:   e.CacheHit,
			ToolCalls:  e.ToolCalls,
			ModelCalls: e.ModelCalls,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetConversation(c *gin.Context) {
	threadID := c.Param("thread_id")
	resp := ConversationResponse{ThreadID: threadID, Messages: nil}

	if s.deps.History != nil {
		msgs, err := s.deps.History.History(c.Request.Context(), threadID)
		if err != nil {
			s.logger.Error().Err(err).Str("thread_id", threadID).Msg("Failed to load conversation")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to load conversation"})
			return
		}
		resp.Messages = msgs
	}
	if resp.Messages == nil {
		resp.Messages = []models.Message{}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteConversation(c *gin.Context) {
	threadID := c.Param("thread_id")
	s.logger.Info().Str("thread_id", threadID).Msg("Clearing conversation")

	if s.deps.Clearer != nil {
		if err := s.deps.Clearer.ClearThread(c.Request.Context(), threadID); err != nil {
			s.logger.Error().Err(err).Str("thread_id", threadID).Msg("Failed to clear conversation")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to clear conversation"})
			return
		}
	}
	c.Status(http.StatusNoContent)
}
