package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives the observations emitted by the query path.
// Implementations must be safe for concurrent use.
type Recorder interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
	RecordAgentQuery(agentType, status string, duration time.Duration)
	RecordToolCall(toolName, status string, duration time.Duration)
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
	RecordLLMGeneration(model, operation string, duration time.Duration)
	RecordRetrieval(operation string, duration time.Duration)
	RecordPipelineStage(stage string, duration time.Duration)
	SetActiveThreads(n int)
	TrackConnection() (done func())
}

// Config holds metrics configuration
type Config struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// DefaultConfig returns the default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Namespace: "querypilot",
	}
}

// Pipeline stage buckets reach the two-minute query deadline.
var stageBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// Collector holds all Prometheus metrics for the service
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	agentQueriesTotal  *prometheus.CounterVec
	agentQueryDuration *prometheus.HistogramVec

	toolCallsTotal   *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	activeConnections prometheus.Gauge
	activeThreads     prometheus.Gauge

	llmGeneration *prometheus.HistogramVec
	retrieval     *prometheus.HistogramVec
	pipelineStage *prometheus.HistogramVec
}

// NewCollector creates and registers all metrics on a private registry
func NewCollector(config *Config) *Collector {
	if config == nil {
		config = DefaultConfig()
	}
	ns := config.Namespace
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		agentQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "agent_queries_total",
				Help:      "Total number of agent queries",
			},
			[]string{"agent_type", "status"},
		),
		agentQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "agent_query_duration_seconds",
				Help:      "Agent query duration in seconds",
				Buckets:   stageBuckets,
			},
			[]string{"agent_type"},
		),

		toolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "tool_calls_total",
				Help:      "Total number of tool calls",
			},
			[]string{"tool_name", "status"},
		),
		toolCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "tool_call_duration_seconds",
				Help:      "Tool call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool_name"},
		),

		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "cache_hits_total",
				Help:      "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "cache_misses_total",
				Help:      "Total number of cache misses",
			},
			[]string{"cache_type"},
		),

		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_connections",
			Help:      "Number of in-flight HTTP requests",
		}),
		activeThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_threads",
			Help:      "Number of conversation threads with stored state",
		}),

		llmGeneration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "llm_generation_latency_seconds",
				Help:      "Model generation latency in seconds",
				Buckets:   stageBuckets,
			},
			[]string{"model", "operation_type"},
		),
		retrieval: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "retrieval_latency_seconds",
				Help:      "Checkpoint and cache retrieval latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		pipelineStage: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "pipeline_stage_duration_seconds",
				Help:      "Query pipeline stage duration in seconds",
				Buckets:   stageBuckets,
			},
			[]string{"stage"},
		),
	}

	registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.agentQueriesTotal,
		c.agentQueryDuration,
		c.toolCallsTotal,
		c.toolCallDuration,
		c.cacheHits,
		c.cacheMisses,
		c.activeConnections,
		c.activeThreads,
		c.llmGeneration,
		c.retrieval,
		c.pipelineStage,
	)

	return c
}

// Registry returns the private registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler exposing the registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(method, endpoint, status).Inc()
	c.requestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (c *Collector) RecordAgentQuery(agentType, status string, duration time.Duration) {
	c.agentQueriesTotal.WithLabelValues(agentType, status).Inc()
	c.agentQueryDuration.WithLabelValues(agentType).Observe(duration.Seconds())
}

func (c *Collector) RecordToolCall(toolName, status string, duration time.Duration) {
	c.toolCallsTotal.WithLabelValues(toolName, status).Inc()
	c.toolCallDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

func (c *Collector) RecordLLMGeneration(model, operation string, duration time.Duration) {
	c.llmGeneration.WithLabelValues(model, operation).Observe(duration.Seconds())
}

func (c *Collector) RecordRetrieval(operation string, duration time.Duration) {
	c.retrieval.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *Collector) RecordPipelineStage(stage string, duration time.Duration) {
	c.pipelineStage.WithLabelValues(stage).Observe(duration.Seconds())
}

func (c *Collector) SetActiveThreads(n int) {
	c.activeThreads.Set(float64(n))
}

// TrackConnection increments the connection gauge until done is called
func (c *Collector) TrackConnection() func() {
	c.activeConnections.Inc()
	return c.activeConnections.Dec
}

// Nop discards every observation
type Nop struct{}

func (Nop) RecordRequest(string, string, string, time.Duration) {}
func (Nop) RecordAgentQuery(string, string, time.Duration)      {}
func (Nop) RecordToolCall(string, string, time.Duration)        {}
func (Nop) RecordCacheHit(string)                               {}
func (Nop) RecordCacheMiss(string)                              {}
func (Nop) RecordLLMGeneration(string, string, time.Duration)   {}
func (Nop) RecordRetrieval(string, time.Duration)               {}
func (Nop) RecordPipelineStage(string, time.Duration)           {}
func (Nop) SetActiveThreads(int)                                {}
func (Nop) TrackConnection() func()                             { return func() {} }
