// Package lifecycle governs session lifecycle transitions: a static
// whitelist of legal moves, a recorder that applies them with audit and
// drift detection, and a coarse escalation gate classifier.
package lifecycle

import "fmt"

// State is a session lifecycle state.
type State string

const (
	StateDraft     State = "draft"
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateEscalated State = "escalated"
	StateTakeover  State = "takeover"
	StateResolved  State = "resolved"
)

// Actor types allowed to drive lifecycle transitions.
const (
	ActorAgent    = "agent"
	ActorOperator = "operator"
	ActorSystem   = "system"
)

// Checkpoint names authorizing specific transitions.
const (
	CheckpointApprovalRequested   = "approval_requested"
	CheckpointApprovalResolved    = "approval_resolved"
	CheckpointEscalationDetected  = "escalation_detected"
	CheckpointEscalationCreated   = "escalation_created"
	CheckpointEscalationTakenOver = "escalation_taken_over"
	CheckpointEscalationDismissed = "escalation_dismissed"
	CheckpointEscalationTimedOut  = "escalation_timed_out"
	CheckpointEscalationResolved  = "escalation_resolved"
	CheckpointAgentResumed        = "agent_resumed"
)

type ruleKey struct {
	From       State
	To         State
	Actor      string
	Checkpoint string
}

// The whitelist encodes which role may cause which checkpoint-triggered
// move. It is not a reachability graph: an unlisted tuple is a caller or
// configuration bug, rejected as fatal. The active→escalated entry is the
// legacy path that bypasses paused.
var rules = map[ruleKey]struct{}{
	{StateActive, StateDraft, ActorAgent, CheckpointApprovalRequested}:          {},
	{StateDraft, StateActive, ActorOperator, CheckpointApprovalResolved}:        {},
	{StateActive, StatePaused, ActorSystem, CheckpointEscalationDetected}:       {},
	{StatePaused, StateEscalated, ActorSystem, CheckpointEscalationCreated}:     {},
	{StateEscalated, StateTakeover, ActorOperator, CheckpointEscalationTakenOver}: {},
	{StateEscalated, StateResolved, ActorOperator, CheckpointEscalationDismissed}: {},
	{StateEscalated, StateResolved, ActorSystem, CheckpointEscalationTimedOut}:  {},
	{StateTakeover, StateResolved, ActorOperator, CheckpointEscalationResolved}: {},
	{StateResolved, StateActive, ActorSystem, CheckpointAgentResumed}:           {},
	{StateActive, StateEscalated, ActorSystem, CheckpointEscalationCreated}:     {},
}

// Allowed reports whether the (from, to, actor, checkpoint) tuple is a
// whitelisted lifecycle move.
func Allowed(from, to State, actor, checkpoint string) bool {
	_, ok := rules[ruleKey{From: from, To: to, Actor: actor, Checkpoint: checkpoint}]
	return ok
}

// TransitionDeniedError reports an unlisted lifecycle tuple. Fatal: the
// caller must not retry.
type TransitionDeniedError struct {
	From       State
	To         State
	Actor      string
	Checkpoint string
}

func (e *TransitionDeniedError) Error() string {
	return fmt.Sprintf("lifecycle transition not allowed: %s -> %s by %s at %s",
		e.From, e.To, e.Actor, e.Checkpoint)
}
