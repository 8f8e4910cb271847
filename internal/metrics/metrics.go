// Package metrics defines the agent's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Error classes. Every caught error is counted under exactly one class.
const (
	ClassTransient = "transient"
	ClassProtocol  = "protocol"
	ClassExecution = "execution"
	ClassContract  = "contract"
	ClassCrypto    = "crypto"
	ClassInvariant = "invariant"
)

// Metrics holds every counter and gauge the agent exposes. A single
// instance is built in main and passed to each component.
type Metrics struct {
	Registry *prometheus.Registry

	Errors *prometheus.CounterVec // component, class

	ScansTotal     *prometheus.CounterVec // detector
	DriftsTotal    *prometheus.CounterVec // check_type, severity
	IncidentsTotal prometheus.Counter

	HealingResults  *prometheus.CounterVec // tier, outcome
	HealingDeferred *prometheus.CounterVec // reason
	FlapEscalations prometheus.Counter
	CircuitOpens    prometheus.Counter

	BundlesSealed   prometheus.Counter
	BundlesScrubbed prometheus.Counter

	QueueDepth      prometheus.Gauge
	QueueDelivered  *prometheus.CounterVec // kind
	QueueDeadLetter *prometheus.CounterVec // kind
	QueueEvicted    *prometheus.CounterVec // kind

	OrdersRejected *prometheus.CounterVec // reason
	OrdersExecuted *prometheus.CounterVec // action

	IntakeUnknownAgent prometheus.Counter
	IntakeEvents       *prometheus.CounterVec // method

	RulesLoaded    prometheus.Gauge
	RulesRejected  *prometheus.CounterVec // reason
	L2Calls        *prometheus.CounterVec // result
	L2BudgetDenied prometheus.Counter
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_errors_total",
			Help: "Errors by component and class.",
		}, []string{"component", "class"}),
		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_scans_total",
			Help: "Detector runs.",
		}, []string{"detector"}),
		DriftsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_drifts_total",
			Help: "Drift results with drifted=true.",
		}, []string{"check_type", "severity"}),
		IncidentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_incidents_total",
			Help: "Incidents recorded.",
		}),
		HealingResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_healing_results_total",
			Help: "Healing results by tier and outcome.",
		}, []string{"tier", "outcome"}),
		HealingDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_healing_deferred_total",
			Help: "Healings deferred by gate.",
		}, []string{"reason"}),
		FlapEscalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_flap_escalations_total",
			Help: "Incidents escalated for flapping.",
		}),
		CircuitOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_circuit_opens_total",
			Help: "Circuit breaker open transitions.",
		}),
		BundlesSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_evidence_bundles_sealed_total",
			Help: "Evidence bundles sealed and enqueued.",
		}),
		BundlesScrubbed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_evidence_bundles_scrubbed_total",
			Help: "Bundles where the scrubber redacted at least one field.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_queue_depth",
			Help: "Undelivered offline queue entries.",
		}),
		QueueDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_queue_delivered_total",
			Help: "Queue entries delivered.",
		}, []string{"kind"}),
		QueueDeadLetter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_queue_dead_letter_total",
			Help: "Queue entries dead-lettered on non-retryable errors.",
		}, []string{"kind"}),
		QueueEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_queue_evicted_total",
			Help: "Queue entries evicted at the size cap.",
		}, []string{"kind"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_orders_rejected_total",
			Help: "Orders rejected before execution.",
		}, []string{"reason"}),
		OrdersExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_orders_executed_total",
			Help: "Orders executed by action.",
		}, []string{"action"}),
		IntakeUnknownAgent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_intake_unknown_agent_total",
			Help: "Intake events dropped for unknown or unverified agents.",
		}),
		IntakeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_intake_events_total",
			Help: "Intake RPCs handled.",
		}, []string{"method"}),
		RulesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_l1_rules_loaded",
			Help: "Rules in the active ruleset.",
		}),
		RulesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_l1_rules_rejected_total",
			Help: "Rules refused at load time.",
		}, []string{"reason"}),
		L2Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_l2_calls_total",
			Help: "Planner calls by result.",
		}, []string{"result"}),
		L2BudgetDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_l2_budget_denied_total",
			Help: "Planner calls denied by the budget tracker.",
		}),
	}

	reg.MustRegister(
		m.Errors, m.ScansTotal, m.DriftsTotal, m.IncidentsTotal,
		m.HealingResults, m.HealingDeferred, m.FlapEscalations, m.CircuitOpens,
		m.BundlesSealed, m.BundlesScrubbed,
		m.QueueDepth, m.QueueDelivered, m.QueueDeadLetter, m.QueueEvicted,
		m.OrdersRejected, m.OrdersExecuted,
		m.IntakeUnknownAgent, m.IntakeEvents,
		m.RulesLoaded, m.RulesRejected, m.L2Calls, m.L2BudgetDenied,
	)
	return m
}

// CountError increments the error counter for a component/class pair.
// Nil receivers are tolerated so tests can pass a zero value.
func (m *Metrics) CountError(component, class string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component, class).Inc()
}
