package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/turnstile/internal/store"
)

// backdateEdges pushes every edge of the turn past the retention cutoff.
func backdateEdges(t *testing.T, st *store.Store, turnID string, age time.Duration) {
	t.Helper()
	old := time.Now().UTC().Add(-age)
	if _, err := st.DB().Exec(`UPDATE turn_edges SET occurred_at = ? WHERE turn_id = ?;`, old, turnID); err != nil {
		t.Fatalf("backdate edges: %v", err)
	}
}

func TestPruneKeepsEdgesOfLiveTurns(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	live := createQueuedTurn(t, st)
	backdateEdges(t, st, live.TurnID, 90*24*time.Hour)

	result, err := st.Prune(ctx, 30, 0)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if result.TurnEdges != 0 {
		t.Fatalf("edges of a queued turn must survive pruning, removed %d", result.TurnEdges)
	}

	count, err := st.CountTurnEdges(ctx, live.TurnID)
	if err != nil {
		t.Fatalf("count edges: %v", err)
	}
	if count == 0 {
		t.Fatalf("expected edges retained for live turn")
	}
}

func TestPruneRemovesOldEdgesOfTerminalTurns(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	result := createQueuedTurn(t, st)
	turn := acquire(t, st, result.TurnID, "worker-a", 0)
	if _, err := st.ReleaseLease(ctx, store.ReleaseParams{
		TurnID:          result.TurnID,
		ExpectedVersion: turn.TransitionVersion,
		LeaseToken:      turn.LeaseToken,
		NextState:       store.StateCompleted,
	}); err != nil {
		t.Fatalf("release: %v", err)
	}
	backdateEdges(t, st, result.TurnID, 90*24*time.Hour)

	pruned, err := st.Prune(ctx, 30, 0)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned.TurnEdges == 0 {
		t.Fatalf("expected old edges of a completed turn removed")
	}

	count, err := st.CountTurnEdges(ctx, result.TurnID)
	if err != nil {
		t.Fatalf("count edges: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected all backdated edges gone, %d remain", count)
	}
}

func TestPruneZeroDaysSkipsTables(t *testing.T) {
	st := openTestStore(t)

	result := createQueuedTurn(t, st)
	backdateEdges(t, st, result.TurnID, 365*24*time.Hour)

	pruned, err := st.Prune(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned.TurnEdges != 0 || pruned.AuditLog != 0 || pruned.LifecycleAudit != 0 {
		t.Fatalf("zero-day windows must prune nothing, got %+v", pruned)
	}
}

func TestBackupWritesSnapshot(t *testing.T) {
	st := openTestStore(t)
	createQueuedTurn(t, st)

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := st.Backup(context.Background(), dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat backup: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("expected non-empty backup file")
	}
}
