package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by the allocation counters.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// AllocationMetrics counts the results of the contended operations: claims,
// token redemptions and score mutations.
type AllocationMetrics struct {
	claims       *prometheus.CounterVec
	claimRetries prometheus.Counter
	redemptions  *prometheus.CounterVec
	scoreMoved   *prometheus.CounterVec
	provisioner  *prometheus.CounterVec
}

// NewAllocationMetrics registers the allocation metrics. A nil registerer
// yields a no-op recorder.
func NewAllocationMetrics(reg prometheus.Registerer) *AllocationMetrics {
	if reg == nil {
		return &AllocationMetrics{}
	}
	m := &AllocationMetrics{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "allocator_claims_total",
			Help: "Distribution event claim attempts by outcome.",
		}, []string{"outcome", "reason"}),
		claimRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "allocator_claim_retries_total",
			Help: "Optimistic claim retries after a concurrent update.",
		}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "allocator_token_redemptions_total",
			Help: "Token redemptions by kind and outcome.",
		}, []string{"kind", "outcome", "reason"}),
		scoreMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "allocator_score_points_total",
			Help: "Points moved through the ledger by entry type.",
		}, []string{"type"}),
		provisioner: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "allocator_provisioner_calls_total",
			Help: "Calls to the external account provisioner by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}
	reg.MustRegister(m.claims, m.claimRetries, m.redemptions, m.scoreMoved, m.provisioner)
	return m
}

func (m *AllocationMetrics) ClaimResult(outcome, reason string) {
	if m == nil || m.claims == nil {
		return
	}
	m.claims.WithLabelValues(outcome, reason).Inc()
}

func (m *AllocationMetrics) ClaimRetry() {
	if m == nil || m.claimRetries == nil {
		return
	}
	m.claimRetries.Inc()
}

func (m *AllocationMetrics) RedemptionResult(kind, outcome, reason string) {
	if m == nil || m.redemptions == nil {
		return
	}
	m.redemptions.WithLabelValues(normalizeLabel(kind), outcome, reason).Inc()
}

// PointsMoved adds amount to the counter for the ledger entry type.
func (m *AllocationMetrics) PointsMoved(entryType string, amount int64) {
	if m == nil || m.scoreMoved == nil || amount <= 0 {
		return
	}
	m.scoreMoved.WithLabelValues(normalizeLabel(entryType)).Add(float64(amount))
}

func (m *AllocationMetrics) ProvisionerCall(operation, outcome string) {
	if m == nil || m.provisioner == nil {
		return
	}
	m.provisioner.WithLabelValues(operation, outcome).Inc()
}

// normalizeLabel keeps blank label values out of the series set.
func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
