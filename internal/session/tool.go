package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantumflow/querypilot/internal/metrics"
	"github.com/quantumflow/querypilot/internal/models"
)

// NoResultMessage is returned for a tool that produced no output
const NoResultMessage = "Tool executed successfully (no result returned)"

const connectionHint = "\n\nThis may be a database connection issue. Check the database credentials and network connectivity."

// ToolResult is delivered by InvokeAsync
type ToolResult struct {
	Output string
	Err    error
}

// Tool is a named capability the agent may call
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Invoke(ctx context.Context, input map[string]interface{}) (string, error)
	InvokeAsync(ctx context.Context, input map[string]interface{}) <-chan ToolResult
}

// Spec returns the catalog entry for a tool
func Spec(t Tool) models.ToolSpec {
	return models.ToolSpec{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: t.InputSchema(),
	}
}

func invokeAsync(ctx context.Context, t Tool, input map[string]interface{}) <-chan ToolResult {
	ch := make(chan ToolResult, 1)
	go func() {
		out, err := t.Invoke(ctx, input)
		ch <- ToolResult{Output: out, Err: err}
	}()
	return ch
}

// remoteTool forwards calls to the backend owned by a Manager
type remoteTool struct {
	spec    models.ToolSpec
	manager *Manager
}

func (t *remoteTool) Name() string                 { return t.spec.Name }
func (t *remoteTool) Description() string          { return t.spec.Description }
func (t *remoteTool) InputSchema() json.RawMessage { return t.spec.InputSchema }

func (t *remoteTool) Invoke(ctx context.Context, input map[string]interface{}) (string, error) {
	client := t.manager.currentClient()
	if client == nil && t.manager.reopen(ctx) {
		client = t.manager.currentClient()
	}
	if client == nil {
		return "", fmt.Errorf("%w: session closed", ErrBackendUnavailable)
	}

	if err := t.manager.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for tool call slot: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, t.manager.config.CallTimeout)
	defer cancel()

	out, err := client.CallTool(callCtx, t.spec.Name, input)
	if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return "", fmt.Errorf("tool call timeout after %s", t.manager.config.CallTimeout)
	}
	return out, err
}

func (t *remoteTool) InvokeAsync(ctx context.Context, input map[string]interface{}) <-chan ToolResult {
	return invokeAsync(ctx, t, input)
}

// safeTool converts every failure of the wrapped tool into text
type safeTool struct {
	inner   Tool
	metrics metrics.Recorder
	logger  zerolog.Logger
}

// Wrap returns a Tool whose Invoke and InvokeAsync never fail.
// Errors and panics become an explanatory string naming the tool, so the
// agent always receives a result for every call it issues.
func Wrap(tool Tool, recorder metrics.Recorder, logger zerolog.Logger) Tool {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &safeTool{
		inner:   tool,
		metrics: recorder,
		logger:  logger,
	}
}

func (s *safeTool) Name() string                 { return s.inner.Name() }
func (s *safeTool) Description() string          { return s.inner.Description() }
func (s *safeTool) InputSchema() json.RawMessage { return s.inner.InputSchema() }

func (s *safeTool) Invoke(ctx context.Context, input map[string]interface{}) (string, error) {
	start := time.Now()
	out, err := s.call(ctx, input)
	duration := time.Since(start)

	if err != nil {
		s.metrics.RecordToolCall(s.Name(), "error", duration)
		s.logger.Warn().Err(err).Str("tool", s.Name()).Dur("duration", duration).Msg("Tool call failed")
		return FormatToolError(s.Name(), err), nil
	}

	s.metrics.RecordToolCall(s.Name(), "success", duration)
	s.logger.Debug().Str("tool", s.Name()).Dur("duration", duration).Msg("Tool call completed")
	if out == "" {
		return NoResultMessage, nil
	}
	return out, nil
}

func (s *safeTool) InvokeAsync(ctx context.Context, input map[string]interface{}) <-chan ToolResult {
	return invokeAsync(ctx, s, input)
}

func (s *safeTool) call(ctx context.Context, input map[string]interface{}) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.inner.Invoke(ctx, input)
}

// FormatToolError renders a tool failure as the text handed back to the agent
func FormatToolError(name string, err error) string {
	msg := fmt.Sprintf("Error executing tool %s: %v", name, err)
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "connection") || strings.Contains(lower, "timeout") {
		msg += connectionHint
	}
	return msg
}
