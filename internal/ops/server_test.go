package ops

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travisghansen/fanout/internal/relay"
)

type stubSnapshotter struct {
	snap relay.Snapshot
	err  error
}

func (s stubSnapshotter) Snapshot() (relay.Snapshot, error) { return s.snap, s.err }

func newTestServer(snap relay.Snapshot, err error) (*Server, *Metrics) {
	m := NewMetrics()
	return NewServer("127.0.0.1:0", m, stubSnapshotter{snap: snap, err: err}, nil, zerolog.Nop()), m
}

func TestHealthHealthy(t *testing.T) {
	s, _ := newTestServer(relay.Snapshot{
		Peers:       3,
		ClientLimit: 100,
		Channels:    2,
		Started:     time.Now().Add(-time.Minute),
	}, nil)

	rr := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	assert.Equal(t, "healthy", doc["status"])
	assert.Greater(t, doc["uptime"].(float64), 50.0)
}

func TestHealthDegradedAtLimit(t *testing.T) {
	s, _ := newTestServer(relay.Snapshot{Peers: 10, ClientLimit: 10, Started: time.Now()}, nil)

	rr := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	assert.Equal(t, "degraded", doc["status"])
	assert.NotEmpty(t, doc["warnings"])
}

func TestHealthStoppedEngine(t *testing.T) {
	s, _ := newTestServer(relay.Snapshot{}, relay.ErrStopped)

	rr := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, m := newTestServer(relay.Snapshot{Started: time.Now()}, nil)

	m.PeerAccepted(1, 1)
	m.Announced(3)
	m.GraphChanged(2, 4)

	rr := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "fanout_connections_total 1")
	assert.Contains(t, body, "fanout_connections_active 1")
	assert.Contains(t, body, "fanout_announcements_total 1")
	assert.Contains(t, body, "fanout_messages_total 3")
	assert.Contains(t, body, "fanout_channels_active 2")
	assert.Contains(t, body, "fanout_subscriptions_active 4")
}
