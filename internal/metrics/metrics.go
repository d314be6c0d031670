// Package metrics provides Prometheus metrics for cdprelay.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "cdprelay"

// OverflowMethod is used as the method label when the number of unique
// methods exceeds MaxMethods.
const OverflowMethod = "__other__"

// Connection roles.
const (
	RoleController = "controller"
	RoleDevice     = "device"
	RoleUnknown    = "unknown"
)

const (
	ReasonMalformedJSON      = "malformed_json"
	ReasonInvalidMessage     = "invalid_message"
	ReasonUnexpectedResponse = "unexpected_response"
	ReasonHandlerFailed      = "handler_failed"
	ReasonInvalidPath        = "invalid_path"
	ReasonSuperseded         = "superseded"
	ReasonClientRejected     = "client_rejected"
)

// Command outcomes.
const (
	OutcomeIntercepted       = "intercepted"
	OutcomeForwarded         = "forwarded"
	OutcomeFailed            = "failed"
	OutcomeDeviceUnavailable = "device_unavailable"
)

// Metrics holds all Prometheus metrics for cdprelay.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxMethods is the maximum number of unique method label values.
	// Once exceeded, new methods are recorded as OverflowMethod.
	// Zero means unlimited.
	MaxMethods int

	connectionsTotal   *prometheus.CounterVec
	connectionErrors   *prometheus.CounterVec
	activeConnections  *prometheus.GaugeVec
	connectionDuration *prometheus.HistogramVec
	messagesTotal      *prometheus.CounterVec
	commandsTotal      *prometheus.CounterVec
	commandDuration    *prometheus.HistogramVec
	pendingRequests    prometheus.Gauge
	attached           prometheus.Gauge

	methodCount atomic.Int64
	methods     sync.Map // map[string]struct{}
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total controller and device connections that have ended, by status.",
		}, []string{"role", "status"}),

		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total number of connection and protocol errors, by reason.",
		}, []string{"role", "reason"}),

		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently open connections per role.",
		}, []string{"role"}),

		connectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Duration of completed connections in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"role"}),

		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total WebSocket messages exchanged with each peer.",
		}, []string{"role", "direction"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total controller commands handled, by method and outcome.",
		}, []string{"method", "outcome"}),

		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from sending a command to the device until its result arrives, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),

		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_device_requests",
			Help:      "Number of device requests awaiting a response.",
		}),

		attached: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_attached",
			Help:      "Whether a target is currently attached (1) or not (0).",
		}),
	}

	reg.MustRegister(
		m.connectionsTotal,
		m.connectionErrors,
		m.activeConnections,
		m.connectionDuration,
		m.messagesTotal,
		m.commandsTotal,
		m.commandDuration,
		m.pendingRequests,
		m.attached,
	)

	return m
}

// SanitizeMethod returns method if it is within the cardinality budget,
// or OverflowMethod if the cap has been reached. Methods that have been
// seen before are always returned as-is.
func (m *Metrics) SanitizeMethod(method string) string {
	if m == nil {
		return method
	}
	if m.MaxMethods <= 0 {
		return method
	}

	for {
		// Fast path: already-known method.
		if _, ok := m.methods.Load(method); ok {
			return method
		}

		cur := m.methodCount.Load()
		if cur >= int64(m.MaxMethods) {
			// Re-check: another goroutine may have stored this method
			// between our Load and this cap check.
			if _, ok := m.methods.Load(method); ok {
				return method
			}
			return OverflowMethod
		}

		if !m.methodCount.CompareAndSwap(cur, cur+1) {
			continue
		}

		// Slot reserved. Store the method, undoing the increment if
		// another goroutine stored it first.
		if _, loaded := m.methods.LoadOrStore(method, struct{}{}); loaded {
			m.methodCount.Add(-1)
		}

		return method
	}
}

// ConnectionOpened increments the active connection gauge for role and
// returns a ConnectionTracker to record the outcome when it ends.
func (m *Metrics) ConnectionOpened(role string) *ConnectionTracker {
	if m == nil {
		return nil
	}
	m.activeConnections.WithLabelValues(role).Inc()
	return &ConnectionTracker{m: m, role: role}
}

// ConnectionError records a connection or protocol error.
func (m *Metrics) ConnectionError(role, reason string) {
	if m == nil {
		return
	}
	m.connectionErrors.WithLabelValues(role, reason).Inc()
}

// MessageReceived counts a message read from a peer.
func (m *Metrics) MessageReceived(role string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(role, "in").Inc()
}

// MessageSent counts a message written to a peer.
func (m *Metrics) MessageSent(role string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(role, "out").Inc()
}

// CommandHandled records how a controller command was handled. The method
// is sanitized through the cardinality guard.
func (m *Metrics) CommandHandled(method, outcome string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(m.SanitizeMethod(method), outcome).Inc()
}

// ObserveCommandDuration records the device round trip of a command.
func (m *Metrics) ObserveCommandDuration(method string, seconds float64) {
	if m == nil {
		return
	}
	m.commandDuration.WithLabelValues(m.SanitizeMethod(method)).Observe(seconds)
}

// AddPending adjusts the pending device request gauge by delta.
func (m *Metrics) AddPending(delta float64) {
	if m == nil {
		return
	}
	m.pendingRequests.Add(delta)
}

// SetAttached sets the target attachment gauge.
func (m *Metrics) SetAttached(attached bool) {
	if m == nil {
		return
	}
	if attached {
		m.attached.Set(1)
	} else {
		m.attached.Set(0)
	}
}

// ConnectionTracker records the outcome of a single peer connection.
type ConnectionTracker struct {
	m    *Metrics
	role string
}

// Done records the end of a connection.
func (t *ConnectionTracker) Done(durationSec float64, err error) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.m.activeConnections.WithLabelValues(t.role).Dec()
	t.m.connectionsTotal.WithLabelValues(t.role, status).Inc()
	t.m.connectionDuration.WithLabelValues(t.role).Observe(durationSec)
}
