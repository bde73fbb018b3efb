package store_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/turnstile/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "turnstile.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func createQueuedTurn(t *testing.T, st *store.Store) store.CreateTurnResult {
	t.Helper()
	result, err := st.CreateInboundTurn(context.Background(), store.CreateTurnParams{
		Organization: "org-1",
		SessionID:    "sess-1",
		AgentID:      "agent-1",
	})
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	return result
}

// expireLease rewinds the stored lease expiry so recovery paths can be
// tested without waiting out a real lease.
func expireLease(t *testing.T, st *store.Store, turnID string) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	if _, err := st.DB().Exec(`UPDATE turns SET lease_expires_at = ? WHERE id = ?;`, past, turnID); err != nil {
		t.Fatalf("expire lease: %v", err)
	}
}

func TestOpenConfiguresWALAndSchema(t *testing.T) {
	st := openTestStore(t)
	db := st.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	requiredTables := []string{"schema_migrations", "sessions", "turns", "turn_edges", "lifecycle_audit", "audit_log", "deferred_jobs"}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestOpenRejectsFutureSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "turnstile.db")

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	if _, err := store.Open(dbPath, nil); err == nil {
		t.Fatalf("expected error for future schema version")
	} else if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestCreateInboundTurnStartsQueuedAtVersionZero(t *testing.T) {
	st := openTestStore(t)
	result := createQueuedTurn(t, st)

	if result.State != store.StateQueued {
		t.Fatalf("expected queued, got %s", result.State)
	}
	if result.TransitionVersion != 0 {
		t.Fatalf("expected version 0, got %d", result.TransitionVersion)
	}
	if result.Duplicate {
		t.Fatalf("expected duplicate=false")
	}

	edges, err := st.ListTurnEdges(context.Background(), result.TurnID)
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges))
	}
	if edges[0].Transition != store.EdgeInboundReceived || edges[1].Transition != store.EdgeTurnEnqueued {
		t.Fatalf("expected inbound_received then turn_enqueued, got %s then %s",
			edges[0].Transition, edges[1].Transition)
	}
}

func TestCreateInboundTurnIdempotencyKeyReturnsExistingTurn(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	params := store.CreateTurnParams{
		Organization:   "org-1",
		SessionID:      "sess-1",
		AgentID:        "agent-1",
		IdempotencyKey: "msg-42",
	}
	first, err := st.CreateInboundTurn(ctx, params)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := st.CreateInboundTurn(ctx, params)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}

	if second.TurnID != first.TurnID {
		t.Fatalf("expected same turn id, got %s and %s", first.TurnID, second.TurnID)
	}
	if !second.Duplicate {
		t.Fatalf("expected duplicate=true on second create")
	}
	if second.TransitionVersion != first.TransitionVersion {
		t.Fatalf("duplicate must not bump version: %d vs %d", second.TransitionVersion, first.TransitionVersion)
	}

	var turnCount int
	if err := st.DB().QueryRow(`SELECT COUNT(1) FROM turns;`).Scan(&turnCount); err != nil {
		t.Fatalf("count turns: %v", err)
	}
	if turnCount != 1 {
		t.Fatalf("expected exactly 1 turn, got %d", turnCount)
	}

	edges, err := st.ListTurnEdges(ctx, first.TurnID)
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	dropped := 0
	for _, e := range edges {
		if e.Transition == store.EdgeDuplicateDropped {
			dropped++
		}
	}
	if dropped != 1 {
		t.Fatalf("expected exactly one duplicate_dropped edge, got %d", dropped)
	}
}

func TestEdgeOrdinalsAreDenseFromOne(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	result := createQueuedTurn(t, st)

	turn, err := st.AcquireLease(ctx, store.AcquireParams{
		TurnID:          result.TurnID,
		Organization:    "org-1",
		SessionID:       "sess-1",
		AgentID:         "agent-1",
		LeaseOwner:      "worker-a",
		ExpectedVersion: 0,
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := st.HeartbeatLease(ctx, result.TurnID, turn.TransitionVersion, turn.LeaseToken, 0); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	edges, err := st.ListTurnEdges(ctx, result.TurnID)
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	for i, e := range edges {
		if e.EdgeOrdinal != int64(i+1) {
			t.Fatalf("expected dense ordinals starting at 1, got %d at index %d", e.EdgeOrdinal, i)
		}
	}
}

func TestRecordTerminalDeliverableFirstWriterWins(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	result := createQueuedTurn(t, st)

	turn, err := st.RecordTerminalDeliverable(ctx, store.DeliverableParams{
		TurnID:      result.TurnID,
		PointerType: "message",
		PointerID:   "msg-1",
		Status:      "success",
	})
	if err != nil {
		t.Fatalf("first deliverable: %v", err)
	}
	if turn.Deliverable == nil || turn.Deliverable.PointerID != "msg-1" {
		t.Fatalf("expected recorded deliverable msg-1, got %+v", turn.Deliverable)
	}
	if turn.TransitionVersion != result.TransitionVersion+1 {
		t.Fatalf("expected version bump to %d, got %d", result.TransitionVersion+1, turn.TransitionVersion)
	}

	_, err = st.RecordTerminalDeliverable(ctx, store.DeliverableParams{
		TurnID:      result.TurnID,
		PointerType: "message",
		PointerID:   "msg-2",
		Status:      "failed",
	})
	var exists *store.DeliverableExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("expected DeliverableExistsError, got %v", err)
	}
	if exists.Existing.PointerID != "msg-1" {
		t.Fatalf("expected existing pointer msg-1 unchanged, got %s", exists.Existing.PointerID)
	}

	refreshed, err := st.GetTurn(ctx, result.TurnID)
	if err != nil {
		t.Fatalf("get turn: %v", err)
	}
	if refreshed.Deliverable.PointerID != "msg-1" {
		t.Fatalf("stored deliverable must be unchanged, got %s", refreshed.Deliverable.PointerID)
	}
}

func TestGetTurnNotFound(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.GetTurn(context.Background(), "no-such-turn"); !errors.Is(err, store.ErrTurnNotFound) {
		t.Fatalf("expected ErrTurnNotFound, got %v", err)
	}
}
