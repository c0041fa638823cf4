// Package metrics holds the Prometheus collectors for the reconciliation layer.
// Collectors hang off a Metrics value instead of package globals so that each
// test or server instance registers its own set.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Mutations               *prometheus.CounterVec
	StreamEvents            *prometheus.CounterVec
	SubscriptionTransitions *prometheus.CounterVec
	Polls                   *prometheus.CounterVec
	WorkspacesActive        prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_mutations_total",
			Help: "Optimistic mutations by table, kind and outcome (confirmed, failed, superseded)",
		}, []string{"table", "kind", "outcome"}),
		StreamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_stream_events_total",
			Help: "Change notifications by table, kind and merge result",
		}, []string{"table", "kind", "result"}),
		SubscriptionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_subscription_transitions_total",
			Help: "Push subscription state transitions",
		}, []string{"state"}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crmsync_polls_total",
			Help: "Full-list staleness polls by table and result",
		}, []string{"table", "result"}),
		WorkspacesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crmsync_workspaces_active",
			Help: "Tenant workspaces currently held in memory",
		}),
	}
}

// Register registers every collector on reg (or the default registerer if nil).
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{m.Mutations, m.StreamEvents, m.SubscriptionTransitions, m.Polls, m.WorkspacesActive} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}

func (m *Metrics) Mutation(table, kind, outcome string) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(table, kind, outcome).Inc()
}

func (m *Metrics) StreamEvent(table, kind, result string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(table, kind, result).Inc()
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.SubscriptionTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Poll(table, result string) {
	if m == nil {
		return
	}
	m.Polls.WithLabelValues(table, result).Inc()
}

func (m *Metrics) WorkspaceOpened() {
	if m == nil {
		return
	}
	m.WorkspacesActive.Inc()
}

func (m *Metrics) WorkspaceClosed() {
	if m == nil {
		return
	}
	m.WorkspacesActive.Dec()
}
