package node

import (
	"github.com/mosaicnetworks/stakenet/src/admission"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "stakenet"

// Metrics holds the prometheus collectors of a node. Every node has its own
// registry, so several nodes can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	decisions      *prometheus.CounterVec
	evictions      *prometheus.CounterVec
	probeFailures  prometheus.Counter
	oracleFailures prometheus.Counter
	storeFailures  prometheus.Counter
	cycles         prometheus.Counter

	droppedCandidates prometheus.Counter
}

func newMetrics(activePeers, trackedPeers func() float64) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by verdict and reason.",
		}, []string{"verdict", "reason"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evictions_total",
			Help:      "Members removed from the active set, by reason.",
		}, []string{"reason"}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "probe_failures_total",
			Help:      "Liveness probes that got no valid answer.",
		}),
		oracleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "oracle_failures_total",
			Help:      "Stake queries that failed or timed out.",
		}),
		storeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_write_failures_total",
			Help:      "Store writes that failed after retries.",
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "heartbeat_cycles_total",
			Help:      "Completed heartbeat cycles.",
		}),
		droppedCandidates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_candidates_total",
			Help:      "Discovery events dropped because every discovery slot was busy.",
		}),
	}

	m.registry.MustRegister(
		m.decisions,
		m.evictions,
		m.probeFailures,
		m.oracleFailures,
		m.storeFailures,
		m.cycles,
		m.droppedCandidates,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_peers",
			Help:      "Size of the subnet membership set.",
		}, activePeers),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "tracked_peers",
			Help:      "Peers probed on every heartbeat.",
		}, trackedPeers),
	)

	return m
}

// Registry returns the registry holding the node's collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeDecision(d admission.Decision, err error) {
	m.decisions.WithLabelValues(d.Verdict.String(), string(d.Reason)).Inc()
	if d.Verdict == admission.Defer {
		m.oracleFailures.Inc()
	}
	if d.Evicted {
		m.evictions.WithLabelValues(string(d.Reason)).Inc()
	}
	if err != nil {
		m.storeFailures.Inc()
	}
}

func (m *Metrics) observeEviction(reason admission.Reason) {
	m.evictions.WithLabelValues(string(reason)).Inc()
}
