package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quantumflow/querypilot/internal/agent"
	"github.com/quantumflow/querypilot/internal/inference"
	"github.com/quantumflow/querypilot/internal/session"
)

// Kind names a class of query failure
type Kind string

const (
	KindTimeout               Kind = "timeout"
	KindProtocolInconsistency Kind = "protocol_inconsistency"
	KindServiceUnavailable    Kind = "service_unavailable"
	KindBackendUnavailable    Kind = "backend_unavailable"
	KindCanceled              Kind = "canceled"
	KindQueryFailed           Kind = "query_failed"
)

// TimeoutMessage is returned when the agent misses the query deadline
const TimeoutMessage = "Query timed out. This may be due to: " +
	"1) tool backend connectivity issues, 2) network latency, or 3) query complexity. " +
	"Please try a simpler query or check the database credentials and network connectivity."

// QueryError is a classified query failure with a user-facing message
type QueryError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *QueryError) Error() string { return e.Message }

func (e *QueryError) Unwrap() error { return e.Err }

var (
	protocolMarkers = []string{"INVALID_CHAT_HISTORY", "tool_calls", "ToolMessage"}
	serviceMarkers  = []string{"Service unavailable", "ServiceUnavailableException"}
	backendMarkers  = []string{"TaskGroup", "Connection"}
)

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Classify maps a failure to a QueryError. The first matching rule wins,
// so the same error always produces the same result.
func Classify(err error) *QueryError {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe
	}

	msg := err.Error()

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &QueryError{Kind: KindTimeout, Message: TimeoutMessage, Err: err}

	case errors.Is(err, agent.ErrProtocolInconsistency) || containsAny(msg, protocolMarkers):
		detail := msg
		if len(detail) > 200 {
			detail = detail[:200]
		}
		return &QueryError{
			Kind: KindProtocolInconsistency,
			Message: "The conversation history contains a tool call without a matching tool result. " +
				"Please start a new conversation thread. Original error: " + detail,
			Err: err,
		}

	case errors.Is(err, inference.ErrServiceUnavailable) || containsAny(msg, serviceMarkers):
		return &QueryError{Kind: KindServiceUnavailable, Message: "Query failed: " + msg, Err: err}

	case errors.Is(err, session.ErrBackendUnavailable) ||
		containsAny(msg, backendMarkers) ||
		strings.Contains(strings.ToLower(msg), "timeout"):
		return &QueryError{
			Kind: KindBackendUnavailable,
			Message: "Database connection error. The tool backend could not reach the database. " +
				"Please check the database credentials and network connectivity. Error: " + msg,
			Err: err,
		}

	case errors.Is(err, context.Canceled):
		return &QueryError{Kind: KindCanceled, Message: "Query canceled", Err: err}

	default:
		return &QueryError{Kind: KindQueryFailed, Message: fmt.Sprintf("Query failed: %s", msg), Err: err}
	}
}
