package lifecycle

import "strings"

// Gate is a coarse classification of why an escalation transition happened.
// It is a read-side routing hint for operator triage and never influences
// whether a transition is allowed.
type Gate string

const (
	GatePreLLM        Gate = "pre_llm"
	GatePostLLM       Gate = "post_llm"
	GateToolFailure   Gate = "tool_failure"
	GateNotApplicable Gate = "not_applicable"
)

// Token classes matched against the normalized reason, in priority order.
// Fuzzy by construction; first match wins.
var (
	toolFailureTokens = []string{
		"tool_failure", "tool failed", "tool error", "tool timeout",
		"function call failed", "action failed",
	}
	postLLMTokens = []string{
		"uncertain", "low confidence", "not sure", "unsure",
		"response loop", "repeated response", "repetition",
	}
	preLLMTokens = []string{
		"human", "operator", "escalate to", "speak to",
		"blocked topic", "restricted topic", "out of scope",
		"angry", "frustrated", "complaint", "negative sentiment",
	}
)

// ResolveEscalationGate classifies an escalation transition by its reason.
// Only escalation_detected and escalation_created checkpoints are
// classified; everything else is not_applicable.
func ResolveEscalationGate(checkpoint, reason string) Gate {
	if checkpoint != CheckpointEscalationDetected && checkpoint != CheckpointEscalationCreated {
		return GateNotApplicable
	}
	normalized := strings.ToLower(strings.TrimSpace(reason))
	if normalized == "" {
		return GateNotApplicable
	}
	for _, token := range toolFailureTokens {
		if strings.Contains(normalized, token) {
			return GateToolFailure
		}
	}
	for _, token := range postLLMTokens {
		if strings.Contains(normalized, token) {
			return GatePostLLM
		}
	}
	for _, token := range preLLMTokens {
		if strings.Contains(normalized, token) {
			return GatePreLLM
		}
	}
	return GateNotApplicable
}
