package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/travisghansen/fanout/internal/relay"
)

// Snapshotter yields a consistent view of the engine for introspection.
type Snapshotter interface {
	Snapshot() (relay.Snapshot, error)
}

// Server is the optional ops endpoint: Prometheus metrics, a JSON health
// document, and (when wired) the WebSocket gateway. It lives entirely
// outside the engine goroutine.
type Server struct {
	srv  *http.Server
	log  zerolog.Logger
	snap Snapshotter
}

// NewServer assembles the ops mux. wsHandler may be nil to disable the
// gateway route.
func NewServer(addr string, m *Metrics, snap Snapshotter, wsHandler http.Handler, log zerolog.Logger) *Server {
	s := &Server{
		log:  log.With().Str("component", "ops").Logger(),
		snap: snap,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	if wsHandler != nil {
		mux.Handle("/ws", wsHandler)
	}

	s.srv = &http.Server{
		Addr:           addr,
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Start begins serving in its own goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("ops endpoint listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("ops endpoint failed")
		}
	}()
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

// handleHealth reports overall status with capacity checks. The engine is
// consulted through its serialized snapshot path, so the handler never
// races the graph.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	snap, err := s.snap.Snapshot()
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"status": "stopped"})
		return
	}

	status := "healthy"
	statusCode := http.StatusOK
	warnings := []string{}

	capacityPercent := 0.0
	if snap.ClientLimit > 0 {
		capacityPercent = float64(snap.Peers) / float64(snap.ClientLimit) * 100
		if capacityPercent >= 100 {
			status = "degraded"
			warnings = append(warnings, fmt.Sprintf("at client limit (%d/%d)", snap.Peers, snap.ClientLimit))
		} else if capacityPercent > 90 {
			status = "degraded"
			warnings = append(warnings, fmt.Sprintf("near client limit (%.1f%%)", capacityPercent))
		}
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"uptime": time.Since(snap.Started).Seconds(),
		"checks": map[string]any{
			"capacity": map[string]any{
				"current":    snap.Peers,
				"limit":      snap.ClientLimit,
				"max":        snap.HighWater,
				"percentage": capacityPercent,
			},
			"graph": map[string]any{
				"channels":      snap.Channels,
				"subscriptions": snap.Subscriptions,
			},
		},
		"totals": map[string]any{
			"connections":   snap.Connections,
			"announcements": snap.Announcements,
			"messages":      snap.Messages,
			"rejected":      snap.Rejected,
		},
		"warnings": warnings,
	})
}
