package sched_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/turnstile/internal/bus"
	"github.com/basket/turnstile/internal/sched"
	"github.com/basket/turnstile/internal/store"
)

func newSchedulerFixture(t *testing.T) (*store.Store, *bus.Bus, *sched.Scheduler) {
	t.Helper()
	eventBus := bus.New()
	st, err := store.Open(filepath.Join(t.TempDir(), "turnstile.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	scheduler := sched.New(sched.Config{
		Store:    st,
		Events:   eventBus,
		Interval: 20 * time.Millisecond,
	})
	return st, eventBus, scheduler
}

func waitForJobFired(t *testing.T, sub *bus.Subscription) bus.JobFiredEvent {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		fired, ok := ev.Payload.(bus.JobFiredEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		return fired
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for job.fired")
		return bus.JobFiredEvent{}
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 31, 10, 2, 0, 0, time.UTC)
	next, err := sched.NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("next run time: %v", err)
	}
	want := time.Date(2026, 8, 31, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}

	if _, err := sched.NextRunTime("not a cron expr", after); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestOneShotJobFiresOnce(t *testing.T) {
	st, eventBus, scheduler := newSchedulerFixture(t)
	ctx := context.Background()

	sub := eventBus.Subscribe(bus.TopicJobFired)
	defer eventBus.Unsubscribe(sub)

	id, err := st.EnqueueJob(ctx, "summary_generation", `{"session":"sess-1"}`, "", time.Now().UTC().Add(-time.Second))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	scheduler.Start(ctx)
	defer scheduler.Stop()

	fired := waitForJobFired(t, sub)
	if fired.JobID != id || fired.Kind != "summary_generation" {
		t.Fatalf("unexpected event %+v", fired)
	}
	if fired.Payload != `{"session":"sess-1"}` {
		t.Fatalf("expected payload carried, got %s", fired.Payload)
	}

	// Give the loop a few more ticks; the one-shot job must not refire.
	select {
	case ev := <-sub.Ch():
		t.Fatalf("one-shot job fired again: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	due, err := st.DueJobs(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("due jobs: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("fired one-shot job must not stay due, got %+v", due)
	}
}

func TestRecurringJobIsRescheduled(t *testing.T) {
	st, eventBus, scheduler := newSchedulerFixture(t)
	ctx := context.Background()

	sub := eventBus.Subscribe(bus.TopicJobFired)
	defer eventBus.Unsubscribe(sub)

	id, err := st.EnqueueJob(ctx, "retention_sweep", "", "0 3 * * *", time.Now().UTC().Add(-time.Second))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	scheduler.Start(ctx)
	fired := waitForJobFired(t, sub)
	scheduler.Stop()
	if fired.JobID != id {
		t.Fatalf("expected job %s fired, got %+v", id, fired)
	}

	// The cron job must be back in the queue with a future run time and a
	// cleared fired stamp.
	var firedAt any
	var runAt time.Time
	if err := st.DB().QueryRow(`SELECT fired_at, run_at FROM deferred_jobs WHERE id = ?;`, id).Scan(&firedAt, &runAt); err != nil {
		t.Fatalf("inspect job row: %v", err)
	}
	if firedAt != nil {
		t.Fatalf("expected fired_at cleared after reschedule, got %v", firedAt)
	}
	if !runAt.After(time.Now().UTC()) {
		t.Fatalf("expected future run_at, got %v", runAt)
	}
}

func TestEnsureRetentionJobIsSingleton(t *testing.T) {
	st, _, _ := newSchedulerFixture(t)
	ctx := context.Background()

	scheduler := sched.New(sched.Config{
		Store:              st,
		EdgeRetentionDays:  30,
		AuditRetentionDays: 90,
	})
	if err := scheduler.EnsureRetentionJob(ctx); err != nil {
		t.Fatalf("ensure retention job: %v", err)
	}
	if err := scheduler.EnsureRetentionJob(ctx); err != nil {
		t.Fatalf("second ensure: %v", err)
	}

	var rows int
	if err := st.DB().QueryRow(`SELECT COUNT(1) FROM deferred_jobs WHERE kind = ?;`, sched.KindRetentionSweep).Scan(&rows); err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected one retention job, got %d", rows)
	}
}

func TestEnsureRetentionJobSkippedWhenDisabled(t *testing.T) {
	st, _, _ := newSchedulerFixture(t)

	scheduler := sched.New(sched.Config{Store: st})
	if err := scheduler.EnsureRetentionJob(context.Background()); err != nil {
		t.Fatalf("ensure retention job: %v", err)
	}

	var rows int
	if err := st.DB().QueryRow(`SELECT COUNT(1) FROM deferred_jobs;`).Scan(&rows); err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if rows != 0 {
		t.Fatalf("expected no jobs with retention disabled, got %d", rows)
	}
}

func TestRetentionSweepPrunesOnFire(t *testing.T) {
	st, eventBus, _ := newSchedulerFixture(t)
	ctx := context.Background()

	scheduler := sched.New(sched.Config{
		Store:              st,
		Events:             eventBus,
		Interval:           20 * time.Millisecond,
		EdgeRetentionDays:  30,
		AuditRetentionDays: 90,
	})

	// A completed turn whose history predates the retention window.
	created, err := st.CreateInboundTurn(ctx, store.CreateTurnParams{
		Organization: "org-1",
		SessionID:    "sess-1",
		AgentID:      "agent-1",
	})
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	turn, err := st.AcquireLease(ctx, store.AcquireParams{
		TurnID:          created.TurnID,
		Organization:    "org-1",
		SessionID:       "sess-1",
		AgentID:         "agent-1",
		LeaseOwner:      "worker-a",
		ExpectedVersion: 0,
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := st.ReleaseLease(ctx, store.ReleaseParams{
		TurnID:          created.TurnID,
		ExpectedVersion: turn.TransitionVersion,
		LeaseToken:      turn.LeaseToken,
		NextState:       store.StateCompleted,
	}); err != nil {
		t.Fatalf("release: %v", err)
	}
	old := time.Now().UTC().AddDate(0, 0, -60)
	if _, err := st.DB().Exec(`UPDATE turn_edges SET occurred_at = ? WHERE turn_id = ?;`, old, created.TurnID); err != nil {
		t.Fatalf("backdate edges: %v", err)
	}

	sub := eventBus.Subscribe(bus.TopicJobFired)
	defer eventBus.Unsubscribe(sub)
	if _, err := st.EnqueueJob(ctx, sched.KindRetentionSweep, "{}", "30 3 * * *", time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	scheduler.Start(ctx)
	defer scheduler.Stop()
	fired := waitForJobFired(t, sub)
	if fired.Kind != sched.KindRetentionSweep {
		t.Fatalf("expected retention_sweep fired, got %+v", fired)
	}

	// The sweep runs after the bus announcement; poll for the deletion.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var edges int
		if err := st.DB().QueryRow(`SELECT COUNT(1) FROM turn_edges WHERE turn_id = ?;`, created.TurnID).Scan(&edges); err != nil {
			t.Fatalf("count edges: %v", err)
		}
		if edges == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("retention sweep left %d edges", edges)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
