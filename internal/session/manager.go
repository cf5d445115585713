package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/quantumflow/querypilot/internal/metrics"
	"github.com/quantumflow/querypilot/internal/models"
)

var (
	// ErrBackendUnavailable means the tool backend could not be reached or has gone away
	ErrBackendUnavailable = errors.New("tool backend unavailable")
	// ErrNotConfigured means no backend command is set; the agent runs without tools
	ErrNotConfigured = errors.New("tool backend not configured")
)

// State of a Manager
type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Config holds tool backend configuration
type Config struct {
	Command        string            `mapstructure:"command"`
	Args           []string          `mapstructure:"args"`
	Env            map[string]string `mapstructure:"env"`
	StartupTimeout time.Duration     `mapstructure:"startup_timeout"`
	CallTimeout    time.Duration     `mapstructure:"call_timeout"`
	CallsPerSecond float64           `mapstructure:"calls_per_second"`
	Burst          int               `mapstructure:"burst"`
}

// DefaultConfig returns the default tool backend configuration
func DefaultConfig() *Config {
	return &Config{
		StartupTimeout: 30 * time.Second,
		CallTimeout:    60 * time.Second,
		CallsPerSecond: 10,
		Burst:          5,
	}
}

// Dialer connects to a tool backend
type Dialer func(ctx context.Context) (Transport, error)

// Manager owns the single long-lived connection to the tool backend
// and the tools it exposes. Open is idempotent and deduplicated across
// concurrent callers; a failed open leaves the manager closed with no tools.
type Manager struct {
	config  *Config
	dial    Dialer
	metrics metrics.Recorder
	logger  zerolog.Logger
	limiter *rate.Limiter
	flight  singleflight.Group

	// requireCommand is set for the stdio dialer, which needs Command
	requireCommand bool

	mu        sync.RWMutex
	state     State
	transport Transport
	client    *Client
	tools     []Tool

	// lost is set when the backend went away on its own; tool calls may reopen
	lost bool
}

// doneNotifier is implemented by transports that can tell when the backend exits
type doneNotifier interface {
	Done() <-chan struct{}
}

// NewManager creates a manager that launches Command as a child process
func NewManager(config *Config, recorder metrics.Recorder, logger zerolog.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	backendLogger := logger.With().Str("component", "tool_backend").Logger()
	dial := func(ctx context.Context) (Transport, error) {
		return StartStdio(ctx, config.Command, config.Args, config.Env, backendLogger)
	}
	m := NewManagerWithDialer(config, dial, recorder, logger)
	m.requireCommand = true
	return m
}

// NewManagerWithDialer creates a manager over a custom transport
func NewManagerWithDialer(config *Config, dial Dialer, recorder metrics.Recorder, logger zerolog.Logger) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultConfig().CallTimeout
	}
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = DefaultConfig().StartupTimeout
	}

	limit := rate.Inf
	if config.CallsPerSecond > 0 {
		limit = rate.Limit(config.CallsPerSecond)
	}
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}

	return &Manager{
		config:  config,
		dial:    dial,
		metrics: recorder,
		logger:  logger.With().Str("component", "session").Logger(),
		limiter: rate.NewLimiter(limit, burst),
		state:   StateClosed,
	}
}

// Configured reports whether a backend command is set
func (m *Manager) Configured() bool {
	return !m.requireCommand || m.config.Command != ""
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Open connects to the backend and loads its tool catalog.
// Concurrent callers share one attempt.
func (m *Manager) Open(ctx context.Context) error {
	if m.State() == StateOpen {
		return nil
	}

	_, err, _ := m.flight.Do("open", func() (interface{}, error) {
		if m.State() == StateOpen {
			return nil, nil
		}
		// the attempt is shared, so it must not die with the first caller
		openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.StartupTimeout)
		defer cancel()
		return nil, m.open(openCtx)
	})
	return err
}

func (m *Manager) open(ctx context.Context) error {
	if !m.Configured() {
		m.logger.Warn().Msg("No tool backend command configured, agent will run without tools")
		return ErrNotConfigured
	}

	start := time.Now()
	transport, err := m.dial(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to start tool backend")
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	client := NewClient(transport)
	if err := client.Initialize(ctx); err != nil {
		_ = transport.Close()
		m.logger.Error().Err(err).Msg("Tool backend handshake failed")
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	specs, err := client.ListTools(ctx)
	if err != nil {
		_ = transport.Close()
		m.logger.Error().Err(err).Msg("Failed to load tool catalog")
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	tools := make([]Tool, 0, len(specs))
	for _, spec := range specs {
		remote := &remoteTool{spec: spec, manager: m}
		tools = append(tools, Wrap(remote, m.metrics, m.logger))
	}

	m.mu.Lock()
	m.transport = transport
	m.client = client
	m.tools = tools
	m.state = StateOpen
	m.lost = false
	m.mu.Unlock()

	if n, ok := transport.(doneNotifier); ok {
		go m.watch(transport, n.Done())
	}

	info := client.Info()
	m.logger.Info().
		Str("server", info.Name).
		Str("server_version", info.Version).
		Int("tools", len(tools)).
		Dur("duration", time.Since(start)).
		Msg("Tool backend session opened")
	return nil
}

// watch closes the session when its backend exits unexpectedly
func (m *Manager) watch(transport Transport, done <-chan struct{}) {
	<-done

	m.mu.Lock()
	if m.transport != transport {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.client = nil
	m.tools = nil
	m.state = StateClosed
	m.lost = true
	m.mu.Unlock()

	m.logger.Warn().Msg("Tool backend exited, session closed")
	_ = transport.Close()
}

// reopen reconnects after the backend was lost. An explicit Close is final for tool calls.
func (m *Manager) reopen(ctx context.Context) bool {
	m.mu.RLock()
	lost := m.lost
	m.mu.RUnlock()
	if !lost {
		return false
	}
	return m.Open(ctx) == nil
}

// Tools returns the wrapped tools of the open session, or none when closed
func (m *Manager) Tools() []Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Tool, len(m.tools))
	copy(out, m.tools)
	return out
}

// ToolSpecs returns the catalog of the open session
func (m *Manager) ToolSpecs() []models.ToolSpec {
	tools := m.Tools()
	specs := make([]models.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, Spec(t))
	}
	return specs
}

func (m *Manager) currentClient() *Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// Close ends the session and drops its tools. Safe to call repeatedly.
func (m *Manager) Close() error {
	m.mu.Lock()
	transport := m.transport
	wasOpen := m.state == StateOpen
	m.transport = nil
	m.client = nil
	m.tools = nil
	m.state = StateClosed
	m.lost = false
	m.mu.Unlock()

	if transport == nil {
		return nil
	}
	err := transport.Close()
	if wasOpen {
		m.logger.Info().Msg("Tool backend session closed")
	}
	return err
}
