// Package metrics exposes the proxy's Prometheus collectors: pool state,
// authentication and recycle outcomes, control-plane replica health, and
// the active-users window's freeze cadence.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric this proxy registers, on an
// independent registry rather than the global default so multiple
// instances (tests included) never collide.
type Collector struct {
	Registry *prometheus.Registry

	sessionsActive   *prometheus.GaugeVec
	sessionDuration  *prometheus.HistogramVec
	acquireDuration  *prometheus.HistogramVec
	poolExhausted    *prometheus.CounterVec
	connectionsIdle  *prometheus.GaugeVec
	connectionsAct   *prometheus.GaugeVec
	connectionsTotal *prometheus.GaugeVec
	connectionsWait  *prometheus.GaugeVec

	authOutcomes    *prometheus.CounterVec
	recycleOutcomes *prometheus.CounterVec

	replicaAvailable *prometheus.GaugeVec
	resolverPicks    *prometheus.CounterVec

	activityFreezeTotal   prometheus.Counter
	activityFreezeRecords prometheus.Counter
}

// New creates and registers every collector against a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		sessionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbgateway_sessions_active",
				Help: "Number of client sessions currently spliced to a backend, per tenant",
			},
			[]string{"tenant"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbgateway_session_duration_seconds",
				Help:    "Duration of a client session from splice to return, per tenant",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
			},
			[]string{"tenant"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbgateway_acquire_duration_seconds",
				Help:    "Time spent waiting for pool.Acquire(), per endpoint",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"endpoint"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbgateway_pool_exhausted_total",
				Help: "Times a pool hit its max connections and a caller waited, per endpoint",
			},
			[]string{"endpoint"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "dbgateway_connections_idle", Help: "Idle pooled connections per endpoint"},
			[]string{"endpoint", "cluster"},
		),
		connectionsAct: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "dbgateway_connections_active", Help: "Active (borrowed) pooled connections per endpoint"},
			[]string{"endpoint", "cluster"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "dbgateway_connections_total", Help: "Total pooled connections per endpoint"},
			[]string{"endpoint", "cluster"},
		),
		connectionsWait: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "dbgateway_connections_waiting", Help: "Goroutines waiting on Acquire() per endpoint"},
			[]string{"endpoint", "cluster"},
		),
		authOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbgateway_auth_outcomes_total",
				Help: "Splice/handshake outcomes per tenant: success, auth_denied, client_protocol, backend_io",
			},
			[]string{"tenant", "outcome"},
		),
		recycleOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbgateway_recycle_outcomes_total",
				Help: "COM_RESET_CONNECTION recycle outcomes per endpoint: ok, err, detached",
			},
			[]string{"endpoint", "outcome"},
		),
		replicaAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbgateway_controlplane_replica_available",
				Help: "Control-plane replica availability (1=available, 0=marked unavailable)",
			},
			[]string{"replica"},
		),
		resolverPicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbgateway_controlplane_resolver_picks_total",
				Help: "Round-robin picks of each control-plane replica by the resolver",
			},
			[]string{"replica"},
		),
		activityFreezeTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dbgateway_activity_window_freezes_total",
				Help: "Number of times the active-users window was frozen for reporting",
			},
		),
		activityFreezeRecords: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dbgateway_activity_window_freeze_records_total",
				Help: "Total records drained across all active-users window freezes",
			},
		),
	}

	reg.MustRegister(
		c.sessionsActive,
		c.sessionDuration,
		c.acquireDuration,
		c.poolExhausted,
		c.connectionsIdle,
		c.connectionsAct,
		c.connectionsTotal,
		c.connectionsWait,
		c.authOutcomes,
		c.recycleOutcomes,
		c.replicaAvailable,
		c.resolverPicks,
		c.activityFreezeTotal,
		c.activityFreezeRecords,
	)
	return c
}

// SessionStarted increments the active-session gauge for tenant.
func (c *Collector) SessionStarted(tenant string) {
	c.sessionsActive.WithLabelValues(tenant).Inc()
}

// SessionEnded decrements the active-session gauge and records the
// session's total duration.
func (c *Collector) SessionEnded(tenant string, d time.Duration) {
	c.sessionsActive.WithLabelValues(tenant).Dec()
	c.sessionDuration.WithLabelValues(tenant).Observe(d.Seconds())
}

// AcquireDuration observes the time spent waiting for a pool connection.
func (c *Collector) AcquireDuration(endpoint string, d time.Duration) {
	c.acquireDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// PoolExhausted increments the pool-exhaustion counter for endpoint.
func (c *Collector) PoolExhausted(endpoint string) {
	c.poolExhausted.WithLabelValues(endpoint).Inc()
}

// UpdatePoolStats sets the pool gauge metrics from a pool.Stats snapshot.
func (c *Collector) UpdatePoolStats(endpoint, cluster string, active, idle, total, waiting int) {
	c.connectionsAct.WithLabelValues(endpoint, cluster).Set(float64(active))
	c.connectionsIdle.WithLabelValues(endpoint, cluster).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(endpoint, cluster).Set(float64(total))
	c.connectionsWait.WithLabelValues(endpoint, cluster).Set(float64(waiting))
}

// AuthOutcome records one handshake/splice result for tenant: "success",
// "auth_denied", "client_protocol", or "backend_io".
func (c *Collector) AuthOutcome(tenant, outcome string) {
	c.authOutcomes.WithLabelValues(tenant, outcome).Inc()
}

// RecycleOutcome records one pool recycle result for endpoint: "ok", "err",
// or "detached" (the connection was closed instead of recycled).
func (c *Collector) RecycleOutcome(endpoint, outcome string) {
	c.recycleOutcomes.WithLabelValues(endpoint, outcome).Inc()
}

// ReplicaAvailability sets the availability gauge for a control-plane
// replica.
func (c *Collector) ReplicaAvailability(replica string, available bool) {
	val := 0.0
	if available {
		val = 1.0
	}
	c.replicaAvailable.WithLabelValues(replica).Set(val)
}

// ResolverPicked increments the round-robin pick counter for replica.
func (c *Collector) ResolverPicked(replica string) {
	c.resolverPicks.WithLabelValues(replica).Inc()
}

// ActivityWindowFrozen records one freeze of the active-users window and
// the number of records it drained.
func (c *Collector) ActivityWindowFrozen(records int) {
	c.activityFreezeTotal.Inc()
	c.activityFreezeRecords.Add(float64(records))
}

// RemoveEndpoint clears every per-endpoint series for endpoint. The
// topology-driven pool teardown in cmd/dbgateway does not call it.
func (c *Collector) RemoveEndpoint(endpoint string) {
	c.connectionsIdle.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.connectionsAct.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.connectionsTotal.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.connectionsWait.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.poolExhausted.DeleteLabelValues(endpoint)
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.recycleOutcomes.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
}
