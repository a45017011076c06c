package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for pgbalancer.
type Collector struct {
	Registry          *prometheus.Registry
	nodeHealth        *prometheus.GaugeVec
	nodeSelections    *prometheus.CounterVec
	sessionsActive    *prometheus.GaugeVec
	sessionDuration   *prometheus.HistogramVec
	slotsOpen         *prometheus.GaugeVec
	handshakeDuration *prometheus.HistogramVec
	handshakeFailures *prometheus.CounterVec

	// Health check metrics
	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests or on config reload) — each call
// creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		nodeHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgbalancer_node_health",
				Help: "Health status of a backend node (1=alive, 0=down)",
			},
			[]string{"node"},
		),
		nodeSelections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgbalancer_node_selections_total",
				Help: "Sessions routed to each backend node by the load balancer",
			},
			[]string{"node"},
		),
		sessionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgbalancer_sessions_active",
				Help: "Client sessions currently relayed per backend node",
			},
			[]string{"node"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgbalancer_session_duration_seconds",
				Help:    "Duration of relayed client sessions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"node"},
		),
		slotsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgbalancer_backend_slots_open",
				Help: "Open persistent backend sessions per node",
			},
			[]string{"node"},
		),
		handshakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgbalancer_backend_handshake_duration_seconds",
				Help:    "Duration of backend startup handshakes",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"node", "result"},
		),
		handshakeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgbalancer_backend_handshake_failures_total",
				Help: "Backend handshake failures by reason",
			},
			[]string{"node", "reason"},
		),

		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgbalancer_health_check_duration_seconds",
				Help:    "Duration of health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"node", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgbalancer_health_check_errors_total",
				Help: "Health check errors by type",
			},
			[]string{"node", "error_type"},
		),
	}

	reg.MustRegister(
		c.nodeHealth,
		c.nodeSelections,
		c.sessionsActive,
		c.sessionDuration,
		c.slotsOpen,
		c.handshakeDuration,
		c.handshakeFailures,
		c.healthCheckDuration,
		c.healthCheckErrors,
	)

	return c
}

func nodeLabel(node int) string {
	return strconv.Itoa(node)
}

// NodeSelected counts a load-balancer decision.
func (c *Collector) NodeSelected(node int) {
	c.nodeSelections.WithLabelValues(nodeLabel(node)).Inc()
}

// SetNodeHealth sets the health gauge for a node.
func (c *Collector) SetNodeHealth(node int, alive bool) {
	val := 0.0
	if alive {
		val = 1.0
	}
	c.nodeHealth.WithLabelValues(nodeLabel(node)).Set(val)
}

// SessionStarted increments the active-session gauge for a node.
func (c *Collector) SessionStarted(node int) {
	c.sessionsActive.WithLabelValues(nodeLabel(node)).Inc()
}

// SessionEnded decrements the active-session gauge and observes the duration.
func (c *Collector) SessionEnded(node int, d time.Duration) {
	c.sessionsActive.WithLabelValues(nodeLabel(node)).Dec()
	c.sessionDuration.WithLabelValues(nodeLabel(node)).Observe(d.Seconds())
}

// UpdateSlotStats sets the open-slot gauge for a node.
func (c *Collector) UpdateSlotStats(node, open int) {
	c.slotsOpen.WithLabelValues(nodeLabel(node)).Set(float64(open))
}

// HandshakeCompleted records a backend handshake duration and outcome.
func (c *Collector) HandshakeCompleted(node int, d time.Duration, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.handshakeDuration.WithLabelValues(nodeLabel(node), result).Observe(d.Seconds())
}

// HandshakeFailed records a backend handshake failure by reason.
func (c *Collector) HandshakeFailed(node int, reason string) {
	c.handshakeFailures.WithLabelValues(nodeLabel(node), reason).Inc()
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(node int, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(nodeLabel(node), status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by type.
func (c *Collector) HealthCheckError(node int, errorType string) {
	c.healthCheckErrors.WithLabelValues(nodeLabel(node), errorType).Inc()
}
