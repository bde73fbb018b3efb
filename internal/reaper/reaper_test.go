package reaper_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/turnstile/internal/bus"
	"github.com/basket/turnstile/internal/reaper"
	"github.com/basket/turnstile/internal/store"
)

func TestSweepRecoversExpiredRunningTurn(t *testing.T) {
	eventBus := bus.New()
	st, err := store.Open(filepath.Join(t.TempDir(), "turnstile.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	created, err := st.CreateInboundTurn(ctx, store.CreateTurnParams{
		Organization: "org-1",
		SessionID:    "sess-1",
		AgentID:      "agent-1",
	})
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	if _, err := st.AcquireLease(ctx, store.AcquireParams{
		TurnID:          created.TurnID,
		Organization:    "org-1",
		SessionID:       "sess-1",
		AgentID:         "agent-1",
		LeaseOwner:      "worker-a",
		ExpectedVersion: 0,
	}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	past := time.Now().UTC().Add(-time.Minute)
	if _, err := st.DB().Exec(`UPDATE turns SET lease_expires_at = ? WHERE id = ?;`, past, created.TurnID); err != nil {
		t.Fatalf("expire lease: %v", err)
	}

	sub := eventBus.Subscribe(bus.TopicTurnStaleRecovered)
	defer eventBus.Unsubscribe(sub)

	r := reaper.New(reaper.Config{Store: st, Interval: 10 * time.Millisecond})
	r.Start(ctx)
	defer r.Stop()

	select {
	case ev := <-sub.Ch():
		changed, ok := ev.Payload.(bus.TurnStateChangedEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if changed.TurnID != created.TurnID || changed.NewState != string(store.StateSuspended) {
			t.Fatalf("unexpected recovery event %+v", changed)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for stale recovery")
	}

	turn, err := st.GetTurn(ctx, created.TurnID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if turn.State != store.StateSuspended {
		t.Fatalf("expected suspended, got %s", turn.State)
	}
}

func TestStopWaitsForLoopExit(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "turnstile.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	r := reaper.New(reaper.Config{Store: st, Interval: 5 * time.Millisecond})
	r.Start(context.Background())

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return")
	}
}
