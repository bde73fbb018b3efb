// Package store implements the turn record store: leased turn execution
// with compare-and-swap version control and an append-only per-turn
// execution edge log, backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/turnstile/internal/bus"
)

const (
	schemaVersion  = 1
	schemaChecksum = "ts-v1-2026-08-turn-coordination"

	// Lease duration bounds. Requested durations are clamped into
	// [leaseMin, leaseMax]; zero means leaseDefault.
	leaseDefault = 45 * time.Second
	leaseMin     = 5 * time.Second
	leaseMax     = 5 * time.Minute
)

// TurnState is the execution state of a turn.
type TurnState string

const (
	StateQueued    TurnState = "queued"
	StateRunning   TurnState = "running"
	StateSuspended TurnState = "suspended"
	StateCompleted TurnState = "completed"
	StateFailed    TurnState = "failed"
	StateCancelled TurnState = "cancelled"
)

// Terminal reports whether the state is absorbing.
func (s TurnState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Execution edge transition names. One edge row is appended per
// turn-affecting operation; rows are immutable after write.
const (
	EdgeInboundReceived     = "inbound_received"
	EdgeTurnEnqueued        = "turn_enqueued"
	EdgeDuplicateDropped    = "duplicate_dropped"
	EdgeLeaseAcquired       = "lease_acquired"
	EdgeLeaseHeartbeat      = "lease_heartbeat"
	EdgeLeaseReleased       = "lease_released"
	EdgeTurnSuspended       = "turn_suspended"
	EdgeTurnCompleted       = "turn_completed"
	EdgeTurnFailed          = "turn_failed"
	EdgeStaleRecovered      = "stale_recovered"
	EdgeDeliverableRecorded = "terminal_deliverable_recorded"
)

// Deliverable is the terminal deliverable pointer for a turn. At most one
// may ever exist per turn; the first writer wins.
type Deliverable struct {
	PointerType string    `json:"pointer_type"`
	PointerID   string    `json:"pointer_id"`
	Status      string    `json:"status"` // success / failed
	RecordedAt  time.Time `json:"recorded_at"`
}

// Turn is one bounded unit of inbound-triggered agent work.
type Turn struct {
	ID                string       `json:"id"`
	Organization      string       `json:"organization"`
	SessionID         string       `json:"session_id"`
	AgentID           string       `json:"agent_id"`
	State             TurnState    `json:"state"`
	TransitionVersion int64        `json:"transition_version"`
	IdempotencyKey    string       `json:"idempotency_key,omitempty"`
	InboundHash       string       `json:"inbound_hash,omitempty"`
	LeaseOwner        string       `json:"lease_owner,omitempty"`
	LeaseToken        string       `json:"lease_token,omitempty"`
	LeaseExpiresAt    *time.Time   `json:"lease_expires_at,omitempty"`
	StartedAt         *time.Time   `json:"started_at,omitempty"`
	SuspendedAt       *time.Time   `json:"suspended_at,omitempty"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
	CancelledAt       *time.Time   `json:"cancelled_at,omitempty"`
	FailedAt          *time.Time   `json:"failed_at,omitempty"`
	FailureReason     string       `json:"failure_reason,omitempty"`
	Deliverable       *Deliverable `json:"deliverable,omitempty"`
	Metadata          string       `json:"metadata,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// LeaseValid reports whether the turn holds an unexpired lease at now.
func (t *Turn) LeaseValid(now time.Time) bool {
	return t.LeaseToken != "" && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now)
}

// Edge is one immutable, per-turn-ordered audit record of a transition.
type Edge struct {
	EdgeID       int64     `json:"edge_id"`
	TurnID       string    `json:"turn_id"`
	Organization string    `json:"organization"`
	SessionID    string    `json:"session_id"`
	AgentID      string    `json:"agent_id"`
	Transition   string    `json:"transition"`
	FromState    string    `json:"from_state,omitempty"`
	ToState      string    `json:"to_state,omitempty"`
	EdgeOrdinal  int64     `json:"edge_ordinal"`
	Metadata     string    `json:"metadata"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// AuditRecorder receives a record of every turn and lifecycle mutation.
// Write failure never rolls back the primary mutation.
type AuditRecorder interface {
	Record(ctx context.Context, organization, objectKind, objectID, action, actor, detail string)
}

// Store is the SQLite-backed turn record store.
type Store struct {
	db    *sql.DB
	bus   *bus.Bus      // may be nil in tests
	trail AuditRecorder // may be nil in tests
}

// DefaultDBPath returns the default database location under the user home.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".turnstile", "turnstile.db")
}

// Open opens (creating if needed) the store at path. The eventBus may be
// nil; edge publication is then skipped.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for collaborators that share the
// database (audit trail, retention checks, tests).
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetAuditTrail injects the audit recorder. Called once at startup; the
// trail needs the store's DB handle, so it cannot be an Open argument.
func (s *Store) SetAuditTrail(trail AuditRecorder) {
	s.trail = trail
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			organization TEXT NOT NULL,
			lifecycle_state TEXT CHECK(lifecycle_state IN ('draft', 'active', 'paused', 'escalated', 'takeover', 'resolved')),
			lifecycle_checkpoint TEXT,
			lifecycle_updated_at DATETIME,
			lifecycle_updated_by TEXT,
			escalation_open INTEGER NOT NULL DEFAULT 0,
			operator_attached INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			organization TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			agent_id TEXT NOT NULL,
			state TEXT NOT NULL CHECK(state IN ('queued', 'running', 'suspended', 'completed', 'failed', 'cancelled')),
			transition_version INTEGER NOT NULL DEFAULT 0,
			idempotency_key TEXT,
			inbound_hash TEXT,
			lease_owner TEXT,
			lease_token TEXT,
			lease_expires_at DATETIME,
			started_at DATETIME,
			suspended_at DATETIME,
			completed_at DATETIME,
			cancelled_at DATETIME,
			failed_at DATETIME,
			failure_reason TEXT,
			deliverable_pointer_type TEXT,
			deliverable_pointer_id TEXT,
			deliverable_status TEXT,
			deliverable_recorded_at DATETIME,
			metadata JSON NOT NULL DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_idempotency
			ON turns(organization, idempotency_key)
			WHERE idempotency_key IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session_agent
			ON turns(session_id, agent_id, state);`,
		`CREATE TABLE IF NOT EXISTS turn_edges (
			edge_id INTEGER PRIMARY KEY AUTOINCREMENT,
			turn_id TEXT NOT NULL REFERENCES turns(id),
			organization TEXT NOT NULL,
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			transition TEXT NOT NULL,
			from_state TEXT,
			to_state TEXT,
			edge_ordinal INTEGER NOT NULL,
			metadata JSON NOT NULL DEFAULT '{}',
			occurred_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(turn_id, edge_ordinal)
		);`,
		`CREATE TABLE IF NOT EXISTS lifecycle_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			organization TEXT NOT NULL,
			expected_from TEXT NOT NULL,
			observed_from TEXT NOT NULL,
			to_state TEXT NOT NULL,
			actor_type TEXT NOT NULL,
			actor_id TEXT,
			checkpoint TEXT NOT NULL,
			reason TEXT,
			gate TEXT,
			metadata JSON NOT NULL DEFAULT '{}',
			occurred_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			organization TEXT NOT NULL,
			object_kind TEXT NOT NULL,
			object_id TEXT NOT NULL,
			action TEXT NOT NULL,
			actor TEXT,
			detail TEXT,
			trace_id TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_object
			ON audit_log(organization, object_kind, object_id);`,
		`CREATE TABLE IF NOT EXISTS deferred_jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload JSON NOT NULL DEFAULT '{}',
			cron_expr TEXT,
			run_at DATETIME NOT NULL,
			fired_at DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)
		ON CONFLICT(version) DO NOTHING;
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// clampLeaseDuration applies the [5s, 5m] bounds; zero means the default.
func clampLeaseDuration(d time.Duration) time.Duration {
	if d == 0 {
		return leaseDefault
	}
	if d < leaseMin {
		return leaseMin
	}
	if d > leaseMax {
		return leaseMax
	}
	return d
}

func scanTurn(scanFn func(dest ...any) error, t *Turn) error {
	var (
		idemKey       sql.NullString
		inboundHash   sql.NullString
		leaseOwner    sql.NullString
		leaseToken    sql.NullString
		leaseExpires  sql.NullTime
		startedAt     sql.NullTime
		suspendedAt   sql.NullTime
		completedAt   sql.NullTime
		cancelledAt   sql.NullTime
		failedAt      sql.NullTime
		failureReason sql.NullString
		delType       sql.NullString
		delID         sql.NullString
		delStatus     sql.NullString
		delRecorded   sql.NullTime
	)
	if err := scanFn(
		&t.ID,
		&t.Organization,
		&t.SessionID,
		&t.AgentID,
		&t.State,
		&t.TransitionVersion,
		&idemKey,
		&inboundHash,
		&leaseOwner,
		&leaseToken,
		&leaseExpires,
		&startedAt,
		&suspendedAt,
		&completedAt,
		&cancelledAt,
		&failedAt,
		&failureReason,
		&delType,
		&delID,
		&delStatus,
		&delRecorded,
		&t.Metadata,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return err
	}
	t.IdempotencyKey = idemKey.String
	t.InboundHash = inboundHash.String
	t.LeaseOwner = leaseOwner.String
	t.LeaseToken = leaseToken.String
	t.LeaseExpiresAt = nullTimePtr(leaseExpires)
	t.StartedAt = nullTimePtr(startedAt)
	t.SuspendedAt = nullTimePtr(suspendedAt)
	t.CompletedAt = nullTimePtr(completedAt)
	t.CancelledAt = nullTimePtr(cancelledAt)
	t.FailedAt = nullTimePtr(failedAt)
	t.FailureReason = failureReason.String
	if delID.Valid && delID.String != "" {
		d := Deliverable{
			PointerType: delType.String,
			PointerID:   delID.String,
			Status:      delStatus.String,
		}
		if delRecorded.Valid {
			d.RecordedAt = delRecorded.Time
		}
		t.Deliverable = &d
	}
	return nil
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

const turnColumns = `
	id, organization, session_id, agent_id, state, transition_version,
	idempotency_key, inbound_hash, lease_owner, lease_token, lease_expires_at,
	started_at, suspended_at, completed_at, cancelled_at, failed_at,
	failure_reason, deliverable_pointer_type, deliverable_pointer_id,
	deliverable_status, deliverable_recorded_at, metadata, created_at, updated_at`

func (s *Store) getTurnTx(ctx context.Context, tx *sql.Tx, turnID string) (*Turn, error) {
	var t Turn
	err := scanTurn(tx.QueryRowContext(ctx, `
		SELECT `+turnColumns+`
		FROM turns
		WHERE id = ?;
	`, turnID).Scan, &t)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// publishEdge mirrors a committed edge onto the bus, best-effort.
func (s *Store) publishEdge(e Edge) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicTurnEdge, bus.TurnEdgeEvent{
		TurnID:       e.TurnID,
		Organization: e.Organization,
		SessionID:    e.SessionID,
		AgentID:      e.AgentID,
		Transition:   e.Transition,
		FromState:    e.FromState,
		ToState:      e.ToState,
		EdgeOrdinal:  e.EdgeOrdinal,
	})
}

// publishStateChange mirrors a committed state change onto the bus.
func (s *Store) publishStateChange(turnID, sessionID string, from, to TurnState, version int64) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicTurnStateChanged, bus.TurnStateChangedEvent{
		TurnID:            turnID,
		SessionID:         sessionID,
		OldState:          string(from),
		NewState:          string(to),
		TransitionVersion: version,
	})
}

// recordAudit forwards a mutation record to the audit trail, best-effort.
func (s *Store) recordAudit(ctx context.Context, organization, objectKind, objectID, action, actor, detail string) {
	if s.trail == nil {
		return
	}
	s.trail.Record(ctx, organization, objectKind, objectID, action, actor, detail)
}
