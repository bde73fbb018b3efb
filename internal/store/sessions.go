package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrLifecycleConflict reports that the session's lifecycle state moved
// between the caller's read and its guarded write.
var ErrLifecycleConflict = errors.New("session lifecycle state changed concurrently")

// Session is one conversation scope. Lifecycle state is advisory until the
// first recorded transition; EscalationOpen and OperatorAttached are the
// observable signals lifecycle decisions are derived from.
type Session struct {
	ID                  string     `json:"id"`
	Organization        string     `json:"organization"`
	LifecycleState      string     `json:"lifecycle_state,omitempty"`
	LifecycleCheckpoint string     `json:"lifecycle_checkpoint,omitempty"`
	LifecycleUpdatedAt  *time.Time `json:"lifecycle_updated_at,omitempty"`
	LifecycleUpdatedBy  string     `json:"lifecycle_updated_by,omitempty"`
	EscalationOpen      bool       `json:"escalation_open"`
	OperatorAttached    bool       `json:"operator_attached"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

const sessionColumns = `
	id, organization, lifecycle_state, lifecycle_checkpoint,
	lifecycle_updated_at, lifecycle_updated_by, escalation_open,
	operator_attached, created_at, updated_at`

func scanSession(scanFn func(dest ...any) error, s *Session) error {
	var (
		state      sql.NullString
		checkpoint sql.NullString
		updatedAt  sql.NullTime
		updatedBy  sql.NullString
	)
	if err := scanFn(
		&s.ID,
		&s.Organization,
		&state,
		&checkpoint,
		&updatedAt,
		&updatedBy,
		&s.EscalationOpen,
		&s.OperatorAttached,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return err
	}
	s.LifecycleState = state.String
	s.LifecycleCheckpoint = checkpoint.String
	s.LifecycleUpdatedAt = nullTimePtr(updatedAt)
	s.LifecycleUpdatedBy = updatedBy.String
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var out Session
	err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE id = ?;
	`, sessionID).Scan, &out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &out, nil
}

// SetEscalationOpen flips the escalation signal on the session.
func (s *Store) SetEscalationOpen(ctx context.Context, sessionID string, open bool) error {
	return s.setSessionFlag(ctx, sessionID, "escalation_open", open)
}

// SetOperatorAttached flips the operator-attachment signal on the session.
func (s *Store) SetOperatorAttached(ctx context.Context, sessionID string, attached bool) error {
	return s.setSessionFlag(ctx, sessionID, "operator_attached", attached)
}

func (s *Store) setSessionFlag(ctx context.Context, sessionID, column string, value bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET `+column+` = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, value, sessionID)
	if err != nil {
		return fmt.Errorf("set session %s: %w", column, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set session flag rows affected: %w", err)
	}
	if affected != 1 {
		return ErrSessionNotFound
	}
	return nil
}

// LifecycleWrite is one decided lifecycle transition plus its audit record.
// StoredFrom guards the write: if the stored lifecycle state no longer
// matches what the decision read, the transition is rejected with
// ErrLifecycleConflict rather than applied over a state the decision never
// saw. ObservedFrom may differ from StoredFrom on legacy rows, where the
// effective state is derived from escalation signals rather than stored.
type LifecycleWrite struct {
	SessionID    string
	Organization string
	ExpectedFrom string
	ObservedFrom string
	StoredFrom   string // raw lifecycle_state column value, "" for NULL
	To           string
	ActorType    string
	ActorID      string
	Checkpoint   string
	Reason       string
	Gate         string
	Metadata     string // optional JSON object
}

// ApplyLifecycleTransition writes the session's new lifecycle state and the
// lifecycle_audit row atomically. Anomaly rows (expected and observed state
// diverge) use the same path: the audit record preserves both states and the
// write proceeds from the observed one.
func (s *Store) ApplyLifecycleTransition(ctx context.Context, w LifecycleWrite) error {
	if w.Metadata == "" {
		w.Metadata = "{}"
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin lifecycle tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET lifecycle_state = ?,
				lifecycle_checkpoint = ?,
				lifecycle_updated_at = CURRENT_TIMESTAMP,
				lifecycle_updated_by = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND (lifecycle_state = ? OR (lifecycle_state IS NULL AND ? = ''));
		`, w.To, w.Checkpoint, w.ActorType, w.SessionID, w.StoredFrom, w.StoredFrom)
		if err != nil {
			return fmt.Errorf("update session lifecycle: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("lifecycle rows affected: %w", err)
		}
		if affected != 1 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?;`, w.SessionID).Scan(&exists); err != nil {
				return fmt.Errorf("check session exists: %w", err)
			}
			if exists == 0 {
				return ErrSessionNotFound
			}
			return ErrLifecycleConflict
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lifecycle_audit (session_id, organization, expected_from, observed_from, to_state, actor_type, actor_id, checkpoint, reason, gate, metadata, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), ?, CURRENT_TIMESTAMP);
		`, w.SessionID, w.Organization, w.ExpectedFrom, w.ObservedFrom, w.To, w.ActorType, w.ActorID, w.Checkpoint, w.Reason, w.Gate, w.Metadata); err != nil {
			return fmt.Errorf("insert lifecycle_audit: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.recordAudit(ctx, w.Organization, "session", w.SessionID, "lifecycle_"+w.To, w.ActorType, w.Reason)
	return nil
}

// LifecycleAuditEntry is one recorded lifecycle transition or anomaly.
type LifecycleAuditEntry struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	Organization string    `json:"organization"`
	ExpectedFrom string    `json:"expected_from"`
	ObservedFrom string    `json:"observed_from"`
	To           string    `json:"to_state"`
	ActorType    string    `json:"actor_type"`
	ActorID      string    `json:"actor_id,omitempty"`
	Checkpoint   string    `json:"checkpoint"`
	Reason       string    `json:"reason,omitempty"`
	Gate         string    `json:"gate,omitempty"`
	Metadata     string    `json:"metadata"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// ListLifecycleAudit returns lifecycle audit rows for a session, oldest first.
func (s *Store) ListLifecycleAudit(ctx context.Context, sessionID string) ([]LifecycleAuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, organization, expected_from, observed_from, to_state,
			actor_type, COALESCE(actor_id, ''), checkpoint, COALESCE(reason, ''),
			COALESCE(gate, ''), metadata, occurred_at
		FROM lifecycle_audit
		WHERE session_id = ?
		ORDER BY id ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list lifecycle audit: %w", err)
	}
	defer rows.Close()

	var out []LifecycleAuditEntry
	for rows.Next() {
		var e LifecycleAuditEntry
		if err := rows.Scan(
			&e.ID,
			&e.SessionID,
			&e.Organization,
			&e.ExpectedFrom,
			&e.ObservedFrom,
			&e.To,
			&e.ActorType,
			&e.ActorID,
			&e.Checkpoint,
			&e.Reason,
			&e.Gate,
			&e.Metadata,
			&e.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan lifecycle audit: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lifecycle audit rows: %w", err)
	}
	return out, nil
}
