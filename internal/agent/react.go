package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantumflow/querypilot/internal/checkpoint"
	"github.com/quantumflow/querypilot/internal/inference"
	"github.com/quantumflow/querypilot/internal/metrics"
	"github.com/quantumflow/querypilot/internal/models"
	"github.com/quantumflow/querypilot/internal/session"
)

// ErrMaxIterations means the model kept requesting tools past the turn limit
var ErrMaxIterations = errors.New("reasoning loop exceeded iteration limit")

// ReActAgent alternates model calls and tool calls until the model answers
// without requesting tools. Thread state lives in a checkpoint store.
type ReActAgent struct {
	model         inference.ChatModel
	tools         map[string]session.Tool
	specs         []models.ToolSpec
	store         checkpoint.Store
	systemPrompt  string
	maxIterations int
	metrics       metrics.Recorder
	logger        zerolog.Logger
	locks         *threadLocks

	// onNewThread runs after the first checkpoint of a thread is stored
	onNewThread func()
}

// NewReActAgent builds an agent over a fixed tool set
func NewReActAgent(
	model inference.ChatModel,
	tools []session.Tool,
	store checkpoint.Store,
	config *Config,
	recorder metrics.Recorder,
	logger zerolog.Logger,
) *ReActAgent {
	if config == nil {
		config = DefaultConfig()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	maxIterations := config.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultConfig().MaxIterations
	}
	prompt := config.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}

	byName := make(map[string]session.Tool, len(tools))
	specs := make([]models.ToolSpec, 0, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
		specs = append(specs, session.Spec(t))
	}

	return &ReActAgent{
		model:         model,
		tools:         byName,
		specs:         specs,
		store:         store,
		systemPrompt:  prompt,
		maxIterations: maxIterations,
		metrics:       recorder,
		logger:        logger,
		locks:         newThreadLocks(),
	}
}

// ToolNames returns the sorted names of the agent's tools
func (a *ReActAgent) ToolNames() []string {
	names := make([]string, 0, len(a.tools))
	for name := range a.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs one turn on threadID. Turns on the same thread are serialized.
// The checkpoint is written only when the turn completes.
func (a *ReActAgent) Invoke(ctx context.Context, threadID string, input []models.Message) (*Invocation, error) {
	unlock, err := a.locks.acquire(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	loadStart := time.Now()
	cp, err := a.store.Load(ctx, threadID)
	a.metrics.RecordRetrieval("checkpoint_load", time.Since(loadStart))
	fresh := false
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		cp = &checkpoint.Checkpoint{ThreadID: threadID}
		fresh = true
	case err != nil:
		return nil, fmt.Errorf("failed to load thread state: %w", err)
	}

	if err := ValidateHistory(cp.Messages); err != nil {
		return nil, err
	}

	conversation := append(append([]models.Message(nil), cp.Messages...), input...)
	system := models.Message{Role: models.RoleSystem, Content: a.systemPrompt}
	inv := &Invocation{}
	var turnCalls []models.ToolCall

	for i := 0; i < a.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		genStart := time.Now()
		resp, err := a.model.Chat(ctx, &inference.ChatRequest{
			Messages: append([]models.Message{system}, conversation...),
			Tools:    a.specs,
		})
		genTime := time.Since(genStart)
		inv.GenerationTime += genTime
		inv.ModelCalls++
		a.metrics.RecordLLMGeneration(a.model.Model(), "chat", genTime)
		if err != nil {
			return nil, fmt.Errorf("model call failed: %w", err)
		}

		reply := resp.Message
		reply.Role = models.RoleAssistant
		if reply.Timestamp.IsZero() {
			reply.Timestamp = time.Now()
		}
		conversation = append(conversation, reply)

		if len(reply.ToolCalls) == 0 {
			inv.Messages = conversation
			if a.save(ctx, cp, conversation, turnCalls) && fresh && a.onNewThread != nil {
				a.onNewThread()
			}
			a.logger.Debug().
				Str("thread_id", threadID).
				Int("model_calls", inv.ModelCalls).
				Int("tool_calls", inv.ToolCalls).
				Dur("generation", inv.GenerationTime).
				Msg("Turn completed")
			return inv, nil
		}

		toolStart := time.Now()
		results := a.runTools(ctx, reply.ToolCalls)
		inv.ToolTime += time.Since(toolStart)
		inv.ToolCalls += len(reply.ToolCalls)
		turnCalls = append(turnCalls, reply.ToolCalls...)
		conversation = append(conversation, results...)
	}

	return nil, fmt.Errorf("%w (%d model calls)", ErrMaxIterations, a.maxIterations)
}

// runTools executes the calls concurrently and returns one tool message
// per call, in call order
func (a *ReActAgent) runTools(ctx context.Context, calls []models.ToolCall) []models.Message {
	pending := make([]<-chan session.ToolResult, len(calls))
	for i, call := range calls {
		tool, ok := a.tools[call.Name]
		if !ok {
			continue
		}
		pending[i] = tool.InvokeAsync(ctx, call.Arguments)
	}

	out := make([]models.Message, len(calls))
	for i, call := range calls {
		var content string
		if pending[i] == nil {
			content = fmt.Sprintf("Error: tool %s is not available. Available tools: %s",
				call.Name, strings.Join(a.ToolNames(), ", "))
		} else {
			res := <-pending[i]
			content = res.Output
			if res.Err != nil {
				content = session.FormatToolError(call.Name, res.Err)
			}
		}

		out[i] = models.Message{
			Role:       models.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
			Name:       call.Name,
			Timestamp:  time.Now(),
		}
	}
	return out
}

func (a *ReActAgent) save(ctx context.Context, cp *checkpoint.Checkpoint, conversation []models.Message, calls []models.ToolCall) bool {
	cp.Messages = conversation
	cp.ToolCalls = append(cp.ToolCalls, calls...)
	cp.Turns++

	if err := a.store.Save(ctx, cp); err != nil {
		a.logger.Warn().Err(err).Str("thread_id", cp.ThreadID).Msg("Failed to save thread state")
		return false
	}
	return true
}
