package ops

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics mirrors the engine's counters into a Prometheus registry. It
// implements relay.Observer; every method runs on the engine loop and only
// touches lock-free prometheus primitives.
//
// The registry is per-instance rather than the package default so multiple
// engines can coexist in one test process.
type Metrics struct {
	reg *prometheus.Registry

	connectionsTotal    prometheus.Counter
	connectionsActive   prometheus.Gauge
	connectionsMax      prometheus.Gauge
	connectionsRejected *prometheus.CounterVec
	announcementsTotal  prometheus.Counter
	messagesTotal       prometheus.Counter
	channelsActive      prometheus.Gauge
	subscriptionsActive prometheus.Gauge

	processMemoryMB   prometheus.Gauge
	processCPUPercent prometheus.Gauge
}

// NewMetrics builds and registers the metric set.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_connections_total",
			Help: "Total number of peers accepted",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_connections_active",
			Help: "Current number of connected peers",
		}),
		connectionsMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_connections_max",
			Help: "High-water mark of concurrent peers",
		}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_connections_rejected_total",
			Help: "Connections refused before admission, by reason",
		}, []string{"reason"}),
		announcementsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_announcements_total",
			Help: "Announce operations that reached at least one subscriber",
		}),
		messagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_messages_total",
			Help: "Messages delivered to peer output buffers",
		}),
		channelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_channels_active",
			Help: "Current number of live channels",
		}),
		subscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_subscriptions_active",
			Help: "Current number of (peer, channel) subscriptions",
		}),
		processMemoryMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_process_memory_mb",
			Help: "Resident set size of the relay process in MiB",
		}),
		processCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fanout_process_cpu_percent",
			Help: "CPU usage of the relay process",
		}),
	}

	m.reg.MustRegister(
		m.connectionsTotal,
		m.connectionsActive,
		m.connectionsMax,
		m.connectionsRejected,
		m.announcementsTotal,
		m.messagesTotal,
		m.channelsActive,
		m.subscriptionsActive,
		m.processMemoryMB,
		m.processCPUPercent,
	)
	return m
}

// Registry exposes the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// PeerAccepted implements relay.Observer.
func (m *Metrics) PeerAccepted(current, highWater int) {
	m.connectionsTotal.Inc()
	m.connectionsActive.Set(float64(current))
	m.connectionsMax.Set(float64(highWater))
}

// PeerClosed implements relay.Observer.
func (m *Metrics) PeerClosed(current int) {
	m.connectionsActive.Set(float64(current))
}

// Rejected implements relay.Observer.
func (m *Metrics) Rejected(reason string) {
	m.connectionsRejected.WithLabelValues(reason).Inc()
}

// Announced implements relay.Observer.
func (m *Metrics) Announced(deliveries int) {
	m.announcementsTotal.Inc()
	m.messagesTotal.Add(float64(deliveries))
}

// GraphChanged implements relay.Observer.
func (m *Metrics) GraphChanged(channels, subscriptions int) {
	m.channelsActive.Set(float64(channels))
	m.subscriptionsActive.Set(float64(subscriptions))
}
