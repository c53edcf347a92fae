// Package metrics provides Prometheus metrics for Gatekeeper.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace is the Prometheus namespace for all Gatekeeper metrics.
	Namespace = "gatekeeper"

	SubsystemGuard = "guard"
	SubsystemLogin = "login"
)

// Label constants for consistent labeling across metrics.
const (
	LabelOutcome = "outcome"
	LabelRoute   = "route"
	LabelResult  = "result"
)

// Guard outcomes.
const (
	OutcomeAllowed = "allowed"
	OutcomeBlocked = "blocked"
	OutcomeError   = "error"
)

// Login results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	// GuardDecisionsTotal counts guard evaluations by outcome.
	GuardDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemGuard,
			Name:      "decisions_total",
			Help:      "Total number of guard decisions by outcome",
		},
		[]string{LabelRoute, LabelOutcome},
	)

	// SignInRedirectsTotal counts redirects to the identity provider.
	SignInRedirectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemLogin,
			Name:      "redirects_total",
			Help:      "Total number of sign-in redirects by result",
		},
		[]string{LabelResult},
	)

	// CallbacksTotal counts completed login callbacks.
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemLogin,
			Name:      "callbacks_total",
			Help:      "Total number of login callbacks by result",
		},
		[]string{LabelResult},
	)

	// ExpiredStatesDeletedTotal counts login states removed by the cleanup loop.
	ExpiredStatesDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemLogin,
			Name:      "expired_states_deleted_total",
			Help:      "Total number of expired login states deleted",
		},
	)

	allMetrics = []prometheus.Collector{
		GuardDecisionsTotal,
		SignInRedirectsTotal,
		CallbacksTotal,
		ExpiredStatesDeletedTotal,
	}
)

// RegisterWith registers all Gatekeeper metrics with the given registry.
func RegisterWith(reg prometheus.Registerer) {
	for _, m := range allMetrics {
		reg.MustRegister(m)
	}
}

// NewRegistry creates a new Prometheus registry with all Gatekeeper metrics
// and standard Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	RegisterWith(reg)
	return reg
}
