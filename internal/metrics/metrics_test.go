package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCountsObservations(t *testing.T) {
	c := NewCollector(nil)

	c.RecordCacheHit("agent_response")
	c.RecordCacheHit("agent_response")
	c.RecordCacheMiss("agent_response")
	c.RecordAgentQuery("query", "success", 2*time.Second)
	c.RecordToolCall("run_sql", "error", 50*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheHits.WithLabelValues("agent_response")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheMisses.WithLabelValues("agent_response")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.agentQueriesTotal.WithLabelValues("query", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.toolCallsTotal.WithLabelValues("run_sql", "error")))
}

func TestTrackConnection(t *testing.T) {
	c := NewCollector(nil)

	done := c.TrackConnection()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeConnections))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.activeConnections))
}

func TestHandlerExposesNamespacedMetrics(t *testing.T) {
	c := NewCollector(nil)
	c.RecordPipelineStage("total", 1500*time.Millisecond)
	c.SetActiveThreads(3)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `querypilot_pipeline_stage_duration_seconds_bucket{stage="total",le="2.5"} 1`)
	assert.Contains(t, string(body), "querypilot_active_threads 3")
}

func TestNopSatisfiesRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.RecordCacheHit("x")
	r.TrackConnection()()
}
