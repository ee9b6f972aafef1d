package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestAllocationMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewAllocationMetrics(reg)

	m.ClaimResult(OutcomeSuccess, "")
	m.ClaimResult(OutcomeRejected, "EXHAUSTED")
	m.ClaimResult(OutcomeRejected, "EXHAUSTED")
	m.ClaimRetry()
	m.RedemptionResult("invite", OutcomeRejected, "ALREADY_USED")
	m.PointsMoved("event_claim", 40)
	m.PointsMoved("event_claim", 0)
	m.ProvisionerCall("create", OutcomeError)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got := counterWith(findMetricFamily(mfs, "allocator_claims_total"), map[string]string{"reason": "EXHAUSTED"}); got != 2 {
		t.Fatalf("expected 2 exhausted claims, got %f", got)
	}
	if got := counterWith(findMetricFamily(mfs, "allocator_token_redemptions_total"), map[string]string{"kind": "invite"}); got != 1 {
		t.Fatalf("expected 1 invite redemption, got %f", got)
	}
	if got := counterWith(findMetricFamily(mfs, "allocator_score_points_total"), map[string]string{"type": "event_claim"}); got != 40 {
		t.Fatalf("expected 40 points, got %f", got)
	}
	if got := counterWith(findMetricFamily(mfs, "allocator_provisioner_calls_total"), map[string]string{"operation": "create"}); got != 1 {
		t.Fatalf("expected 1 provisioner call, got %f", got)
	}

	retries := findMetricFamily(mfs, "allocator_claim_retries_total")
	if retries == nil || len(retries.GetMetric()) != 1 {
		t.Fatalf("expected retries counter")
	}
	if v := retries.GetMetric()[0].GetCounter().GetValue(); v != 1 {
		t.Fatalf("expected 1 retry, got %f", v)
	}
}

func TestAllocationMetricsBlankLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewAllocationMetrics(reg)
	m.RedemptionResult("", OutcomeError, "")
	m.PointsMoved("  ", 7)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := counterWith(findMetricFamily(mfs, "allocator_token_redemptions_total"), map[string]string{"kind": "unknown"}); got != 1 {
		t.Fatalf("expected blank kind to count as unknown, got %f", got)
	}
	if got := counterWith(findMetricFamily(mfs, "allocator_score_points_total"), map[string]string{"type": "unknown"}); got != 7 {
		t.Fatalf("expected blank type to count as unknown, got %f", got)
	}
}

func TestNormalizeLabel(t *testing.T) {
	cases := map[string]string{
		"":        "unknown",
		" ":       "unknown",
		"invite":  "invite",
		" renew ": "renew",
	}
	for in, want := range cases {
		if got := normalizeLabel(in); got != want {
			t.Fatalf("normalizeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAllocationMetricsNoop(t *testing.T) {
	var m *AllocationMetrics
	m.ClaimResult(OutcomeSuccess, "")
	m.ClaimRetry()
	NewAllocationMetrics(nil).PointsMoved("credit", 5)
}
