package api

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/quantumflow/querypilot/internal/models"
)

var validate = validator.New()

// QueryRequest is the body of POST /api/v1/query
type QueryRequest struct {
	Message   string           `json:"message" validate:"required,min=1,max=5000"`
	ThreadID  string           `json:"thread_id" validate:"required,min=1,max=256"`
	AgentType models.AgentType `json:"agent_type" validate:"omitempty,oneof=auto query data format"`
	UseCache  *bool            `json:"use_cache"`
}

// Validate checks field constraints after binding
func (r *QueryRequest) Validate() error {
	return validate.Struct(r)
}

// EnsureDefaults fills optional fields
func (r *QueryRequest) EnsureDefaults() {
	if r.AgentType == "" {
		r.AgentType = models.AgentTypeAuto
	}
	if r.UseCache == nil {
		useCache := true
		r.UseCache = &useCache
	}
}

// QueryResponse is the body returned for an answered query
type QueryResponse struct {
	Response string               `json:"response"`
	ThreadID string               `json:"thread_id"`
	Metadata models.QueryMetadata `json:"metadata"`
}

// ErrorResponse is the uniform error body
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// RateLimitResponse is returned with 429
type RateLimitResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after"`
}

// QueryLogEntry is one recorded query, without its text
type QueryLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
	ThreadID   string    `json:"thread_id"`
	AgentType  string    `json:"agent_type"`
	Status     string    `json:"status"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CacheHit   bool      `json:"cache_hit"`
	ToolCalls  int       `json:"tool_calls"`
	ModelCalls int       `json:"model_calls"`
}

// QueryLogResponse lists recent queries, newest first
type QueryLogResponse struct {
	Queries []QueryLogEntry `json:"queries"`
}

// HealthResponse reports service health
type HealthResponse struct {
	Status      string            `json:"status"`
	Version     string            `json:"version"`
	Environment string            `json:"environment"`
	Checks      map[string]string `json:"checks"`
}

// ConversationResponse holds the stored messages of a thread
type ConversationResponse struct {
	ThreadID string           `json:"thread_id"`
	Messages []models.Message `json:"messages"`
}

// Info identifies the service on / and /health
type Info struct {
	Name        string
	Version     string
	Environment string
}
