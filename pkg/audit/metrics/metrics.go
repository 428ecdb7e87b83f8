// Package metrics exposes Prometheus instrumentation for the audit engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts audit engine activity. A nil *Metrics is valid and records
// nothing, so instrumentation stays optional.
type Metrics struct {
	EventsCreated     *prometheus.CounterVec
	BootstrapCreated  prometheus.Counter
	WritesSkippedNoop prometheus.Counter
	WritesDisabled    prometheus.Counter
}

// New registers the audit metrics with reg. Pass prometheus.DefaultRegisterer
// outside of tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldaudit_events_created_total",
			Help: "Total number of audit events persisted, by event kind",
		}, []string{"kind"}),
		BootstrapCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "fieldaudit_bootstrap_events_created_total",
			Help: "Total number of bootstrap audit events persisted",
		}),
		WritesSkippedNoop: factory.NewCounter(prometheus.CounterOpts{
			Name: "fieldaudit_writes_skipped_noop_total",
			Help: "Total number of audited writes skipped because no audited field changed",
		}),
		WritesDisabled: factory.NewCounter(prometheus.CounterOpts{
			Name: "fieldaudit_writes_skipped_disabled_total",
			Help: "Total number of audited writes skipped because auditing was disabled",
		}),
	}
}

// ObserveEvent records one persisted event of the given kind
// (create, update, delete).
func (m *Metrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsCreated.WithLabelValues(kind).Inc()
}

// ObserveBootstrap records n persisted bootstrap events.
func (m *Metrics) ObserveBootstrap(n int) {
	if m == nil {
		return
	}
	m.BootstrapCreated.Add(float64(n))
}

// ObserveNoop records an audited write that produced no delta.
func (m *Metrics) ObserveNoop() {
	if m == nil {
		return
	}
	m.WritesSkippedNoop.Inc()
}

// ObserveDisabled records an audited write skipped by the disable override.
func (m *Metrics) ObserveDisabled() {
	if m == nil {
		return
	}
	m.WritesDisabled.Inc()
}
