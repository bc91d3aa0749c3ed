// Package metrics instruments the data path with Prometheus metrics on a
// private registry, matching the upstream proxy's registry-per-collector
// style rather than the global default registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the proxy.
type Collector struct {
	Registry *prometheus.Registry

	connectionsAccepted *prometheus.CounterVec
	connectionsActive   prometheus.Gauge
	queriesAllowed      prometheus.Counter
	queriesBlocked      *prometheus.CounterVec
	policyEvalDuration  prometheus.Histogram
	detectorFailClose   prometheus.Counter
}

// New creates and registers all metrics on a fresh private registry. Safe to
// call multiple times (e.g. in tests) since each call is independent.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlwarden_connections_accepted_total",
				Help: "Total client connections accepted by the proxy",
			},
			[]string{"result"},
		),
		connectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sqlwarden_connections_active",
				Help: "Currently active client sessions",
			},
		),
		queriesAllowed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sqlwarden_queries_allowed_total",
				Help: "Total queries allowed by policy",
			},
		),
		queriesBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlwarden_queries_blocked_total",
				Help: "Total queries blocked by policy, by reason",
			},
			[]string{"reason"},
		),
		policyEvalDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sqlwarden_policy_eval_duration_seconds",
				Help:    "Duration of a single policy evaluation",
				Buckets: prometheus.ExponentialBuckets(0.000001, 4, 12),
			},
		),
		detectorFailClose: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sqlwarden_detector_fail_close_total",
				Help: "Queries blocked because the injection detector is in fail-close mode",
			},
		),
	}

	reg.MustRegister(
		c.connectionsAccepted,
		c.connectionsActive,
		c.queriesAllowed,
		c.queriesBlocked,
		c.policyEvalDuration,
		c.detectorFailClose,
	)

	return c
}

// ConnectionAccepted records an accepted client connection and its outcome
// ("ok" or a failure label such as "handshake-failed").
func (c *Collector) ConnectionAccepted(result string) {
	c.connectionsAccepted.WithLabelValues(result).Inc()
}

// SetActiveConnections sets the active-session gauge.
func (c *Collector) SetActiveConnections(n int) {
	c.connectionsActive.Set(float64(n))
}

// QueryAllowed increments the allowed-query counter.
func (c *Collector) QueryAllowed() {
	c.queriesAllowed.Inc()
}

// QueryBlocked increments the blocked-query counter for the given reason.
func (c *Collector) QueryBlocked(reason string) {
	c.queriesBlocked.WithLabelValues(reason).Inc()
}

// PolicyEvalDuration observes how long a single Evaluate call took.
func (c *Collector) PolicyEvalDuration(d time.Duration) {
	c.policyEvalDuration.Observe(d.Seconds())
}

// DetectorFailClose increments the fail-close activation counter.
func (c *Collector) DetectorFailClose() {
	c.detectorFailClose.Inc()
}
