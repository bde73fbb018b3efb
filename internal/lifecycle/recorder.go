package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/turnstile/internal/bus"
	"github.com/basket/turnstile/internal/store"
)

// TransitionEvent is the versioned event emitted for every applied
// lifecycle transition. It carries both the expected and observed prior
// state so downstream consumers can detect drift.
type TransitionEvent struct {
	Event         string `json:"event"`
	SchemaVersion int    `json:"schema_version"`
	Organization  string `json:"organization"`
	SessionID     string `json:"session_id"`
	ActorType     string `json:"actor_type"`
	ActorID       string `json:"actor_id,omitempty"`
	FromState     string `json:"from_state"`
	ObservedFrom  string `json:"observed_from"`
	ToState       string `json:"to_state"`
	Checkpoint    string `json:"checkpoint"`
	Reason        string `json:"reason,omitempty"`
	Gate          string `json:"gate,omitempty"`
	Anomaly       bool   `json:"anomaly"`
}

const (
	transitionEventName    = "lifecycle.transition"
	transitionEventVersion = 1
)

// EventSink receives lifecycle transition events. Emission is best-effort:
// a sink failure never rolls back the transition.
type EventSink interface {
	Emit(ctx context.Context, ev TransitionEvent) error
}

// Recorder validates and applies session lifecycle transitions.
type Recorder struct {
	store  *store.Store
	sink   EventSink // may be nil
	events *bus.Bus  // may be nil
	logger *slog.Logger
}

// NewRecorder wires the recorder's collaborators once at startup. Sink and
// events may be nil; logger falls back to the default.
func NewRecorder(s *store.Store, sink EventSink, events *bus.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, sink: sink, events: events, logger: logger}
}

// TransitionParams describes one requested lifecycle move.
type TransitionParams struct {
	SessionID  string
	From       State
	To         State
	Actor      string
	Checkpoint string
	ActorID    string
	Reason     string
	Metadata   string // optional JSON object
}

// TransitionResult reports the outcome of a recorded transition.
type TransitionResult struct {
	NoOp         bool   `json:"no_op"`
	Anomaly      bool   `json:"anomaly"`
	ObservedFrom string `json:"observed_from"`
	To           string `json:"to_state"`
	Gate         Gate   `json:"gate"`
}

// observedState returns the session's effective lifecycle state. When no
// explicit state is stored (legacy rows), it is derived from the escalation
// and handoff signals. The derived value can disagree with what the caller
// expected; that disagreement is preserved as an anomaly, never silently
// resolved.
func observedState(s *store.Session) State {
	if s.LifecycleState != "" {
		return State(s.LifecycleState)
	}
	switch {
	case s.EscalationOpen && s.OperatorAttached:
		return StateTakeover
	case s.EscalationOpen:
		return StateEscalated
	default:
		return StateActive
	}
}

// RecordTransition asserts the tuple is whitelisted, loads the session,
// and applies the move from the observed current state. A transition to the
// already-observed state is an idempotent no-op: no mutation, no audit row,
// no event. Expected-vs-observed disagreement is applied anyway and flagged
// as an anomaly in the audit record and the emitted event.
func (r *Recorder) RecordTransition(ctx context.Context, p TransitionParams) (TransitionResult, error) {
	if !Allowed(p.From, p.To, p.Actor, p.Checkpoint) {
		return TransitionResult{}, &TransitionDeniedError{
			From: p.From, To: p.To, Actor: p.Actor, Checkpoint: p.Checkpoint,
		}
	}

	session, err := r.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return TransitionResult{}, err
	}

	observed := observedState(session)
	gate := ResolveEscalationGate(p.Checkpoint, p.Reason)

	if observed == p.To {
		return TransitionResult{
			NoOp:         true,
			ObservedFrom: string(observed),
			To:           string(p.To),
			Gate:         gate,
		}, nil
	}

	anomaly := observed != p.From
	if anomaly {
		r.logger.Warn("lifecycle state drift",
			"session_id", p.SessionID,
			"expected_from", string(p.From),
			"observed_from", string(observed),
			"to", string(p.To),
			"checkpoint", p.Checkpoint)
	}

	err = r.store.ApplyLifecycleTransition(ctx, store.LifecycleWrite{
		SessionID:    p.SessionID,
		Organization: session.Organization,
		ExpectedFrom: string(p.From),
		ObservedFrom: string(observed),
		StoredFrom:   session.LifecycleState,
		To:           string(p.To),
		ActorType:    p.Actor,
		ActorID:      p.ActorID,
		Checkpoint:   p.Checkpoint,
		Reason:       p.Reason,
		Gate:         string(gate),
		Metadata:     p.Metadata,
	})
	if err != nil {
		return TransitionResult{}, fmt.Errorf("apply lifecycle transition: %w", err)
	}

	r.emit(ctx, session.Organization, p, observed, gate, anomaly)

	return TransitionResult{
		Anomaly:      anomaly,
		ObservedFrom: string(observed),
		To:           string(p.To),
		Gate:         gate,
	}, nil
}

func (r *Recorder) emit(ctx context.Context, organization string, p TransitionParams, observed State, gate Gate, anomaly bool) {
	if r.sink != nil {
		ev := TransitionEvent{
			Event:         transitionEventName,
			SchemaVersion: transitionEventVersion,
			Organization:  organization,
			SessionID:     p.SessionID,
			ActorType:     p.Actor,
			ActorID:       p.ActorID,
			FromState:     string(p.From),
			ObservedFrom:  string(observed),
			ToState:       string(p.To),
			Checkpoint:    p.Checkpoint,
			Reason:        p.Reason,
			Gate:          string(gate),
			Anomaly:       anomaly,
		}
		if err := r.sink.Emit(ctx, ev); err != nil {
			r.logger.Warn("lifecycle event emission failed", "session_id", p.SessionID, "error", err)
		}
	}
	if r.events != nil {
		r.events.Publish(bus.TopicLifecycle, bus.LifecycleEvent{
			SessionID:    p.SessionID,
			Organization: organization,
			FromState:    string(p.From),
			ObservedFrom: string(observed),
			ToState:      string(p.To),
			Checkpoint:   p.Checkpoint,
			ActorType:    p.Actor,
		})
	}
}
