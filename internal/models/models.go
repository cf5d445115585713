package models

import (
	"encoding/json"
	"time"
)

// Message roles understood by the model providers
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single message in a conversation
type Message struct {
	Role       string     `json:"role"`                   // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`                // Message content
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // Tool calls requested by an assistant message
	ToolCallID string     `json:"tool_call_id,omitempty"` // Call answered by a tool message
	Name       string     `json:"name,omitempty"`         // Tool name on tool messages
	Timestamp  time.Time  `json:"timestamp"`              // When the message was created
}

// NewUserMessage builds a user message stamped with the current time
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolSpec describes one tool exposed by the tool backend
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// AgentType defines which agent a query asks for
type AgentType string

const (
	AgentTypeAuto   AgentType = "auto"
	AgentTypeQuery  AgentType = "query"
	AgentTypeData   AgentType = "data"
	AgentTypeFormat AgentType = "format"
)

// QueryMetadata carries the execution facts of one query
type QueryMetadata struct {
	AgentType       AgentType `json:"agent_type"`
	ThreadID        string    `json:"thread_id"`
	ExecutionTimeMS int64     `json:"execution_time_ms"`
	CacheHit        bool      `json:"cache_hit"`
}

// QueryResult is the outcome of a successful query
type QueryResult struct {
	Response string        `json:"response"`
	ThreadID string        `json:"thread_id"`
	Metadata QueryMetadata `json:"metadata"`
}
