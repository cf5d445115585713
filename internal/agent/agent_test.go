package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumflow/querypilot/internal/checkpoint"
	"github.com/quantumflow/querypilot/internal/inference"
	"github.com/quantumflow/querypilot/internal/metrics"
	"github.com/quantumflow/querypilot/internal/models"
	"github.com/quantumflow/querypilot/internal/session"
)

// scriptedModel replies from a queue; an empty queue answers "done"
type scriptedModel struct {
	mu       sync.Mutex
	replies  []models.Message
	requests []*inference.ChatRequest
	err      error
	delay    time.Duration
}

func (m *scriptedModel) Model() string { return "scripted" }

func (m *scriptedModel) Chat(ctx context.Context, req *inference.ChatRequest) (*inference.ChatResponse, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.replies) == 0 {
		return &inference.ChatResponse{Message: models.Message{Role: models.RoleAssistant, Content: "done"}}, nil
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return &inference.ChatResponse{Message: reply}, nil
}

type funcTool struct {
	name string
	fn   func(input map[string]interface{}) string
}

func (t *funcTool) Name() string                 { return t.name }
func (t *funcTool) Description() string          { return t.name + " tool" }
func (t *funcTool) InputSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *funcTool) Invoke(ctx context.Context, input map[string]interface{}) (string, error) {
	return t.fn(input), nil
}
func (t *funcTool) InvokeAsync(ctx context.Context, input map[string]interface{}) <-chan session.ToolResult {
	ch := make(chan session.ToolResult, 1)
	out, err := t.Invoke(ctx, input)
	ch <- session.ToolResult{Output: out, Err: err}
	return ch
}

type fakeToolSource struct {
	tools   []session.Tool
	openErr error
	opens   atomic.Int32
}

func (s *fakeToolSource) Open(ctx context.Context) error {
	s.opens.Add(1)
	return s.openErr
}

func (s *fakeToolSource) Tools() []session.Tool {
	if s.openErr != nil {
		return nil
	}
	return s.tools
}

func toolCallReply(id, name string, args map[string]interface{}) models.Message {
	return models.Message{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: id, Name: name, Arguments: args}},
	}
}

func sqlTool() session.Tool {
	return &funcTool{name: "run_sql_plus_plus_query", fn: func(input map[string]interface{}) string {
		return `[{"airportname":"Los Angeles Intl","faa":"LAX"}]`
	}}
}

func TestInvokeRunsToolLoop(t *testing.T) {
	model := &scriptedModel{replies: []models.Message{
		toolCallReply("c1", "run_sql_plus_plus_query", map[string]interface{}{"query": "SELECT ..."}),
		{Role: models.RoleAssistant, Content: "Los Angeles has LAX."},
	}}
	store := checkpoint.NewMemoryStore()
	a := NewReActAgent(model, []session.Tool{sqlTool()}, store, nil, nil, zerolog.Nop())

	inv, err := a.Invoke(context.Background(), "t1", []models.Message{models.NewUserMessage("Find all airports in Los Angeles")})
	require.NoError(t, err)

	assert.Equal(t, "Los Angeles has LAX.", inv.Reply().Content)
	assert.Equal(t, 2, inv.ModelCalls)
	assert.Equal(t, 1, inv.ToolCalls)
	require.Len(t, inv.Messages, 4) // user, tool call, tool result, answer
	assert.Equal(t, models.RoleTool, inv.Messages[2].Role)
	assert.Equal(t, "c1", inv.Messages[2].ToolCallID)
	assert.Contains(t, inv.Messages[2].Content, "LAX")

	// system prompt is sent every call and tools are advertised
	first := model.requests[0]
	assert.Equal(t, models.RoleSystem, first.Messages[0].Role)
	require.Len(t, first.Tools, 1)
	assert.Equal(t, "run_sql_plus_plus_query", first.Tools[0].Name)

	cp, err := store.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, cp.Messages, 4)
	assert.Equal(t, 1, cp.Turns)
	assert.Len(t, cp.ToolCalls, 1)
}

func TestInvokeContinuesThread(t *testing.T) {
	model := &scriptedModel{}
	store := checkpoint.NewMemoryStore()
	a := NewReActAgent(model, nil, store, nil, nil, zerolog.Nop())
	ctx := context.Background()

	_, err := a.Invoke(ctx, "t", []models.Message{models.NewUserMessage("first")})
	require.NoError(t, err)
	inv, err := a.Invoke(ctx, "t", []models.Message{models.NewUserMessage("second")})
	require.NoError(t, err)

	require.Len(t, inv.Messages, 4)
	assert.Equal(t, "first", inv.Messages[0].Content)
	assert.Equal(t, "second", inv.Messages[2].Content)
	// system + 3 prior messages
	assert.Len(t, model.requests[1].Messages, 4)
}

func TestUnknownToolGetsErrorResult(t *testing.T) {
	model := &scriptedModel{replies: []models.Message{
		toolCallReply("c1", "drop_bucket", nil),
	}}
	a := NewReActAgent(model, []session.Tool{sqlTool()}, checkpoint.NewMemoryStore(), nil, nil, zerolog.Nop())

	inv, err := a.Invoke(context.Background(), "t", []models.Message{models.NewUserMessage("x")})
	require.NoError(t, err)

	result := inv.Messages[2]
	assert.Equal(t, "c1", result.ToolCallID)
	assert.True(t, strings.HasPrefix(result.Content, "Error: tool drop_bucket is not available"))
	assert.NoError(t, ValidateHistory(inv.Messages))
}

func TestEveryParallelCallGetsOneResult(t *testing.T) {
	model := &scriptedModel{replies: []models.Message{{
		Role: models.RoleAssistant,
		ToolCalls: []models.ToolCall{
			{ID: "a", Name: "run_sql_plus_plus_query"},
			{ID: "b", Name: "run_sql_plus_plus_query"},
			{ID: "c", Name: "missing"},
		},
	}}}
	a := NewReActAgent(model, []session.Tool{sqlTool()}, checkpoint.NewMemoryStore(), nil, nil, zerolog.Nop())

	inv, err := a.Invoke(context.Background(), "t", []models.Message{models.NewUserMessage("x")})
	require.NoError(t, err)

	ids := []string{inv.Messages[2].ToolCallID, inv.Messages[3].ToolCallID, inv.Messages[4].ToolCallID}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.NoError(t, ValidateHistory(inv.Messages))
}

func TestMaxIterations(t *testing.T) {
	replies := make([]models.Message, 10)
	for i := range replies {
		replies[i] = toolCallReply("c"+string(rune('a'+i)), "run_sql_plus_plus_query", nil)
	}
	model := &scriptedModel{replies: replies}
	store := checkpoint.NewMemoryStore()
	a := NewReActAgent(model, []session.Tool{sqlTool()}, store, &Config{MaxIterations: 3}, nil, zerolog.Nop())

	_, err := a.Invoke(context.Background(), "t", []models.Message{models.NewUserMessage("x")})
	assert.ErrorIs(t, err, ErrMaxIterations)

	_, err = store.Load(context.Background(), "t")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound, "failed turns are not saved")
}

func TestModelErrorIsWrapped(t *testing.T) {
	model := &scriptedModel{err: inference.ErrServiceUnavailable}
	a := NewReActAgent(model, nil, checkpoint.NewMemoryStore(), nil, nil, zerolog.Nop())

	_, err := a.Invoke(context.Background(), "t", []models.Message{models.NewUserMessage("x")})
	assert.ErrorIs(t, err, inference.ErrServiceUnavailable)
}

func TestCorruptHistoryIsProtocolInconsistency(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), &checkpoint.Checkpoint{
		ThreadID: "t",
		Messages: []models.Message{
			models.NewUserMessage("x"),
			toolCallReply("orphan", "run_sql_plus_plus_query", nil),
		},
	}))
	a := NewReActAgent(&scriptedModel{}, nil, store, nil, nil, zerolog.Nop())

	_, err := a.Invoke(context.Background(), "t", []models.Message{models.NewUserMessage("y")})
	assert.ErrorIs(t, err, ErrProtocolInconsistency)
	assert.Contains(t, err.Error(), "orphan")
}

func TestValidateHistory(t *testing.T) {
	tests := []struct {
		name string
		msgs []models.Message
		ok   bool
	}{
		{name: "empty", ok: true},
		{
			name: "answered",
			msgs: []models.Message{
				toolCallReply("1", "t", nil),
				{Role: models.RoleTool, ToolCallID: "1"},
				{Role: models.RoleAssistant, Content: "ok"},
			},
			ok: true,
		},
		{
			name: "unanswered before next message",
			msgs: []models.Message{
				toolCallReply("1", "t", nil),
				models.NewUserMessage("next"),
			},
		},
		{
			name: "stray tool result",
			msgs: []models.Message{{Role: models.RoleTool, ToolCallID: "9"}},
		},
		{
			name: "answered twice",
			msgs: []models.Message{
				toolCallReply("1", "t", nil),
				{Role: models.RoleTool, ToolCallID: "1"},
				{Role: models.RoleTool, ToolCallID: "1"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHistory(tt.msgs)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrProtocolInconsistency)
			}
		})
	}
}

func TestSameThreadTurnsAreSerialized(t *testing.T) {
	model := &scriptedModel{delay: 10 * time.Millisecond}
	store := checkpoint.NewMemoryStore()
	a := NewReActAgent(model, nil, store, nil, nil, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Invoke(context.Background(), "shared", []models.Message{models.NewUserMessage("q")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	cp, err := store.Load(context.Background(), "shared")
	require.NoError(t, err)
	assert.Equal(t, 5, cp.Turns)
	assert.Len(t, cp.Messages, 10, "no turn overwrote another")
}

func TestFactoryCachesAgent(t *testing.T) {
	source := &fakeToolSource{tools: []session.Tool{sqlTool()}}
	f := NewFactory(&scriptedModel{}, source, checkpoint.NewMemoryStore(), nil, nil, zerolog.Nop())

	var wg sync.WaitGroup
	agents := make([]Agent, 10)
	for i := range agents {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := f.CreateAgent(context.Background())
			assert.NoError(t, err)
			agents[i] = a
		}(i)
	}
	wg.Wait()

	for _, a := range agents[1:] {
		assert.Same(t, agents[0], a)
	}
	assert.Equal(t, int32(1), source.opens.Load())
	assert.Equal(t, []string{"run_sql_plus_plus_query"}, agents[0].(*ReActAgent).ToolNames())
}

func TestFactoryWithoutToolBackend(t *testing.T) {
	source := &fakeToolSource{openErr: errors.New("connection refused")}
	f := NewFactory(&scriptedModel{}, source, checkpoint.NewMemoryStore(), nil, nil, zerolog.Nop())

	a, err := f.CreateAgent(context.Background())
	require.NoError(t, err)
	assert.Empty(t, a.(*ReActAgent).ToolNames())

	f.Reset()
	_, err = f.CreateAgent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), source.opens.Load())
}

func TestFactoryConstructionErrors(t *testing.T) {
	_, err := NewFactory(nil, nil, checkpoint.NewMemoryStore(), nil, nil, zerolog.Nop()).CreateAgent(context.Background())
	assert.Error(t, err)

	_, err = NewFactory(&scriptedModel{}, nil, nil, nil, nil, zerolog.Nop()).CreateAgent(context.Background())
	assert.Error(t, err)
}

func TestFactoryHistoryAndClear(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	f := NewFactory(&scriptedModel{}, nil, store, nil, nil, zerolog.Nop())
	ctx := context.Background()

	a, err := f.CreateAgent(ctx)
	require.NoError(t, err)
	_, err = a.Invoke(ctx, "t", []models.Message{models.NewUserMessage("hi")})
	require.NoError(t, err)

	history, err := f.History(ctx, "t")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	n, err := f.ActiveThreads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, f.ClearThread(ctx, "t"))
	history, err = f.History(ctx, "t")
	require.NoError(t, err)
	assert.Nil(t, history)
}

type threadGauge struct {
	metrics.Nop
	mu     sync.Mutex
	values []int
}

func (g *threadGauge) SetActiveThreads(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.values = append(g.values, n)
}

func (g *threadGauge) last() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.values) == 0 {
		return -1
	}
	return g.values[len(g.values)-1]
}

type scanCountingStore struct {
	checkpoint.Store
	scans atomic.Int32
}

func (s *scanCountingStore) Threads(ctx context.Context) ([]string, error) {
	s.scans.Add(1)
	return s.Store.Threads(ctx)
}

func TestActiveThreadGaugeFollowsCreateAndClear(t *testing.T) {
	ctx := context.Background()
	store := &scanCountingStore{Store: checkpoint.NewMemoryStore()}
	require.NoError(t, store.Save(ctx, &checkpoint.Checkpoint{ThreadID: "old", Turns: 1}))

	gauge := &threadGauge{}
	f := NewFactory(&scriptedModel{}, nil, store, nil, gauge, zerolog.Nop())
	a, err := f.CreateAgent(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, gauge.last())

	ask := func(thread string) {
		_, err := a.Invoke(ctx, thread, []models.Message{models.NewUserMessage("hi")})
		require.NoError(t, err)
	}
	ask("a")
	assert.Equal(t, 2, gauge.last())
	ask("a")
	assert.Equal(t, 2, gauge.last())
	ask("b")
	assert.Equal(t, 3, gauge.last())

	require.NoError(t, f.ClearThread(ctx, "a"))
	assert.Equal(t, 2, gauge.last())
	require.NoError(t, f.ClearThread(ctx, "missing"))
	assert.Equal(t, 2, gauge.last())

	assert.Equal(t, int32(1), store.scans.Load(), "store scanned only to seed the gauge")
}
