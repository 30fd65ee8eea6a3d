package combiner

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nreplicate/nr/pkg/nrtypes"
)

// Metrics tracks per-node combiner activity, following the teacher's
// practice of registering a small fixed set of counters/gauges under a
// namespaced prefix (see friggdb's metricBlocklistPollTotal and friends).
type Metrics struct {
	appended    *prometheus.CounterVec
	loopEntries *prometheus.CounterVec
}

// NewMetrics registers the combiner metrics under namespace using reg. A
// nil reg is accepted for tests and callers that don't need metrics
// wiring.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		appended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "combiner_appended_total",
			Help:      "Total number of log entries appended by each node's combiner.",
		}, []string{"node"}),
		loopEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "combiner_loop_entries_total",
			Help:      "Total number of log entries replayed into each node's replica.",
		}, []string{"node"}),
	}

	if reg != nil {
		reg.MustRegister(m.appended, m.loopEntries)
	}
	return m
}

func (m *Metrics) observeAppended(node nrtypes.NodeID, n int) {
	m.appended.WithLabelValues(nodeLabel(node)).Add(float64(n))
}

func (m *Metrics) observeLoop(node nrtypes.NodeID, n uint64) {
	m.loopEntries.WithLabelValues(nodeLabel(node)).Add(float64(n))
}

func nodeLabel(n nrtypes.NodeID) string { return strconv.Itoa(int(n)) }
