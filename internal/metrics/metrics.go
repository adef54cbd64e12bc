package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Close reasons recorded on sandterm_sessions_closed_total.
const (
	ReasonExplicit = "explicit"
	ReasonExpired  = "expired"
	ReasonInvalid  = "invalid"
	ReasonPumpExit = "pump_exit"
	ReasonShutdown = "shutdown"
)

// Metrics holds the Prometheus collectors for terminal sessions.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsActive       prometheus.Gauge
	SessionsCreated      prometheus.Counter
	SessionsClosed       *prometheus.CounterVec
	ProvisioningFailures *prometheus.CounterVec
	PumpBytes            prometheus.Counter
	BridgesActive        prometheus.Gauge
	ReaperSweepDuration  prometheus.Histogram
}

// New creates a Metrics with every collector registered on a fresh registry,
// together with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandterm",
			Name:      "sessions_active",
			Help:      "Number of live terminal sessions.",
		}),

		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandterm",
			Name:      "sessions_created_total",
			Help:      "Total terminal sessions created.",
		}),

		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandterm",
			Name:      "sessions_closed_total",
			Help:      "Total terminal sessions torn down, by reason.",
		}, []string{"reason"}),

		ProvisioningFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandterm",
			Name:      "provisioning_failures_total",
			Help:      "Total failed session creations, by stage.",
		}, []string{"stage"}),

		PumpBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandterm",
			Name:      "pump_bytes_total",
			Help:      "Total terminal output bytes read from sandboxes.",
		}),

		BridgesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandterm",
			Name:      "bridges_active",
			Help:      "Number of attached websocket clients.",
		}),

		ReaperSweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sandterm",
			Name:      "reaper_sweep_duration_seconds",
			Help:      "Duration of expired-session sweeps in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SessionsActive,
		m.SessionsCreated,
		m.SessionsClosed,
		m.ProvisioningFailures,
		m.PumpBytes,
		m.BridgesActive,
		m.ReaperSweepDuration,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.SessionsActive.Dec()
}

func (m *Metrics) ProvisioningFailed(stage string) {
	if m == nil {
		return
	}
	m.ProvisioningFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) AddPumpBytes(n int) {
	if m == nil {
		return
	}
	m.PumpBytes.Add(float64(n))
}

func (m *Metrics) BridgeOpened() {
	if m == nil {
		return
	}
	m.BridgesActive.Inc()
}

func (m *Metrics) BridgeClosed() {
	if m == nil {
		return
	}
	m.BridgesActive.Dec()
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.ReaperSweepDuration.Observe(d.Seconds())
}
