package lifecycle_test

import (
	"errors"
	"testing"

	"github.com/basket/turnstile/internal/lifecycle"
)

func TestAllowedWhitelistedTuples(t *testing.T) {
	cases := []struct {
		from, to   lifecycle.State
		actor      string
		checkpoint string
	}{
		{lifecycle.StateActive, lifecycle.StatePaused, lifecycle.ActorSystem, lifecycle.CheckpointEscalationDetected},
		{lifecycle.StatePaused, lifecycle.StateEscalated, lifecycle.ActorSystem, lifecycle.CheckpointEscalationCreated},
		{lifecycle.StateEscalated, lifecycle.StateTakeover, lifecycle.ActorOperator, lifecycle.CheckpointEscalationTakenOver},
		{lifecycle.StateTakeover, lifecycle.StateResolved, lifecycle.ActorOperator, lifecycle.CheckpointEscalationResolved},
		{lifecycle.StateResolved, lifecycle.StateActive, lifecycle.ActorSystem, lifecycle.CheckpointAgentResumed},
		// Legacy shortcut that skips paused.
		{lifecycle.StateActive, lifecycle.StateEscalated, lifecycle.ActorSystem, lifecycle.CheckpointEscalationCreated},
	}
	for _, c := range cases {
		if !lifecycle.Allowed(c.from, c.to, c.actor, c.checkpoint) {
			t.Errorf("expected %s -> %s by %s at %s to be allowed", c.from, c.to, c.actor, c.checkpoint)
		}
	}
}

func TestAllowedRejectsUnlistedTuples(t *testing.T) {
	cases := []struct {
		from, to   lifecycle.State
		actor      string
		checkpoint string
	}{
		// Right move, wrong actor.
		{lifecycle.StateEscalated, lifecycle.StateTakeover, lifecycle.ActorAgent, lifecycle.CheckpointEscalationTakenOver},
		// Right actor, wrong checkpoint.
		{lifecycle.StateActive, lifecycle.StatePaused, lifecycle.ActorSystem, lifecycle.CheckpointAgentResumed},
		// Move that exists nowhere in the whitelist.
		{lifecycle.StateActive, lifecycle.StateResolved, lifecycle.ActorAgent, lifecycle.CheckpointEscalationDetected},
	}
	for _, c := range cases {
		if lifecycle.Allowed(c.from, c.to, c.actor, c.checkpoint) {
			t.Errorf("expected %s -> %s by %s at %s to be denied", c.from, c.to, c.actor, c.checkpoint)
		}
	}
}

func TestTransitionDeniedErrorIsMatchable(t *testing.T) {
	var err error = &lifecycle.TransitionDeniedError{
		From:       lifecycle.StateActive,
		To:         lifecycle.StateResolved,
		Actor:      lifecycle.ActorAgent,
		Checkpoint: lifecycle.CheckpointEscalationDetected,
	}
	var denied *lifecycle.TransitionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected errors.As to match TransitionDeniedError")
	}
	if denied.To != lifecycle.StateResolved {
		t.Fatalf("expected To carried through, got %s", denied.To)
	}
}
