package lifecycle_test

import (
	"testing"

	"github.com/basket/turnstile/internal/lifecycle"
)

func TestResolveEscalationGateClassifiesByReason(t *testing.T) {
	cases := []struct {
		name       string
		checkpoint string
		reason     string
		want       lifecycle.Gate
	}{
		{"tool failure token", lifecycle.CheckpointEscalationDetected, "tool_failure: search API returned 500", lifecycle.GateToolFailure},
		{"uncertainty token", lifecycle.CheckpointEscalationDetected, "model reported low confidence", lifecycle.GatePostLLM},
		{"loop token", lifecycle.CheckpointEscalationCreated, "repeated response detected", lifecycle.GatePostLLM},
		{"human request token", lifecycle.CheckpointEscalationDetected, "customer asked for a human", lifecycle.GatePreLLM},
		{"sentiment token", lifecycle.CheckpointEscalationCreated, "Negative Sentiment in last message", lifecycle.GatePreLLM},
		{"unmatched reason", lifecycle.CheckpointEscalationDetected, "routine review", lifecycle.GateNotApplicable},
		{"empty reason", lifecycle.CheckpointEscalationDetected, "", lifecycle.GateNotApplicable},
		{"non-escalation checkpoint", lifecycle.CheckpointApprovalRequested, "tool_failure", lifecycle.GateNotApplicable},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := lifecycle.ResolveEscalationGate(c.checkpoint, c.reason)
			if got != c.want {
				t.Fatalf("ResolveEscalationGate(%q, %q) = %s, want %s", c.checkpoint, c.reason, got, c.want)
			}
		})
	}
}

func TestResolveEscalationGateToolFailureWinsOverLaterClasses(t *testing.T) {
	// A reason matching several classes resolves to the highest-priority one.
	got := lifecycle.ResolveEscalationGate(lifecycle.CheckpointEscalationDetected,
		"tool error left the model unsure, customer wants a human")
	if got != lifecycle.GateToolFailure {
		t.Fatalf("expected tool_failure to win, got %s", got)
	}
}
