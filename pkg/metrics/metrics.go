// Package metrics holds the process counters for operations, retries and
// progress stream violations.
package metrics

import (
	"bytes"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Metrics is a private registry plus the counters the engine updates.
type Metrics struct {
	registry *prometheus.Registry

	OperationsStarted  *prometheus.CounterVec
	OperationsFinished *prometheus.CounterVec
	ProtocolViolations *prometheus.CounterVec
	DownloadRetries    prometheus.Counter
}

// New registers the counters on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OperationsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "letrecovery",
			Name:      "operations_started_total",
			Help:      "Operations accepted by an orchestrator.",
		}, []string{"kind"}),
		OperationsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "letrecovery",
			Name:      "operations_finished_total",
			Help:      "Operations that reached a terminal state.",
		}, []string{"kind", "result"}),
		ProtocolViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "letrecovery",
			Name:      "protocol_violations_total",
			Help:      "Progress events ignored because they broke stream rules.",
		}, []string{"kind"}),
		DownloadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "letrecovery",
			Name:      "download_retries_total",
			Help:      "Download attempts restarted after a transient failure.",
		}),
	}
	m.registry.MustRegister(m.OperationsStarted, m.OperationsFinished, m.ProtocolViolations, m.DownloadRetries)
	return m
}

// Started counts an accepted operation. Safe on a nil receiver.
func (m *Metrics) Started(kind string) {
	if m == nil {
		return
	}
	m.OperationsStarted.WithLabelValues(kind).Inc()
}

// Finished counts a terminal state with result "succeeded" or "failed".
func (m *Metrics) Finished(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "failed"
	if ok {
		result = "succeeded"
	}
	m.OperationsFinished.WithLabelValues(kind, result).Inc()
}

// Violation counts an ignored progress event.
func (m *Metrics) Violation(kind string) {
	if m == nil {
		return
	}
	m.ProtocolViolations.WithLabelValues(kind).Inc()
}

// Retry counts a restarted download.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.DownloadRetries.Inc()
}

// Registry exposes the registry, e.g. for a promhttp handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Dump renders every metric family in the text exposition format.
func (m *Metrics) Dump() (string, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return "", err
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })

	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
