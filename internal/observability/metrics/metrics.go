package metrics

import "github.com/prometheus/client_golang/prometheus"

// OrchestratorMetrics exposes counters for turn processing and capability
// dispatch. All observe methods are nil-safe so wiring stays optional in
// tests.
type OrchestratorMetrics struct {
	turnsTotal      *prometheus.CounterVec
	dispatchTotal   *prometheus.CounterVec
	dispatchRetries prometheus.Counter
	manifestRefresh *prometheus.CounterVec
	leadsQualified  prometheus.Counter
	leadsScored     prometheus.Counter
}

func NewOrchestratorMetrics(reg prometheus.Registerer) *OrchestratorMetrics {
	m := &OrchestratorMetrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubx",
			Subsystem: "orchestrator",
			Name:      "turns_total",
			Help:      "Total processed conversation turns",
		}, []string{"outcome"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubx",
			Subsystem: "orchestrator",
			Name:      "dispatch_total",
			Help:      "Total capability dispatches",
		}, []string{"tool", "outcome"}),
		dispatchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pubx",
			Subsystem: "orchestrator",
			Name:      "dispatch_retries_total",
			Help:      "Total automatic dispatch retries",
		}),
		manifestRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubx",
			Subsystem: "orchestrator",
			Name:      "manifest_refresh_total",
			Help:      "Total manifest refresh attempts",
		}, []string{"result"}),
		leadsQualified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pubx",
			Subsystem: "scoring",
			Name:      "leads_qualified_total",
			Help:      "Leads whose score cleared the notification threshold",
		}),
		leadsScored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pubx",
			Subsystem: "scoring",
			Name:      "leads_scored_total",
			Help:      "Leads scored by the rule engine",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.turnsTotal, m.dispatchTotal, m.dispatchRetries, m.manifestRefresh, m.leadsQualified, m.leadsScored)
	return m
}

func (m *OrchestratorMetrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
}

func (m *OrchestratorMetrics) ObserveDispatch(tool, outcome string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(tool, outcome).Inc()
}

func (m *OrchestratorMetrics) ObserveDispatchRetry() {
	if m == nil {
		return
	}
	m.dispatchRetries.Inc()
}

func (m *OrchestratorMetrics) ObserveManifestRefresh(result string) {
	if m == nil {
		return
	}
	m.manifestRefresh.WithLabelValues(result).Inc()
}

func (m *OrchestratorMetrics) ObserveLeadScored(qualified bool) {
	if m == nil {
		return
	}
	m.leadsScored.Inc()
	if qualified {
		m.leadsQualified.Inc()
	}
}
