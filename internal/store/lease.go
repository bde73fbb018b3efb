package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/turnstile/internal/bus"
)

// DefaultRecoveryReason is recorded on stale_recovered edges when the
// caller supplies no reason.
const DefaultRecoveryReason = "expired_lease"

// AcquireParams identifies the turn, proves the caller saw its latest
// version, and names the worker taking the lease.
type AcquireParams struct {
	TurnID          string
	Organization    string
	SessionID       string
	AgentID         string
	LeaseOwner      string
	ExpectedVersion int64
	LeaseDuration   time.Duration // clamped to [5s, 5m]; zero means 45s
}

// AcquireLease moves a queued or suspended turn to running under a fresh
// lease. Requiring the caller's last-observed version converts lost-update
// races from crashed or retried workers into explicit, retryable version
// conflicts instead of silent overwrites. A running turn whose lease has
// already expired may be re-acquired directly; the version guard closes the
// race against a concurrent reaper sweep.
func (s *Store) AcquireLease(ctx context.Context, p AcquireParams) (*Turn, error) {
	if p.LeaseOwner == "" {
		return nil, fmt.Errorf("lease_owner required")
	}
	duration := clampLeaseDuration(p.LeaseDuration)

	var (
		turn *Turn
		edge Edge
		from TurnState
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin acquire tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := s.getTurnTx(ctx, tx, p.TurnID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTurnNotFound
		}
		if err != nil {
			return fmt.Errorf("load turn for acquire: %w", err)
		}
		if current.SessionID != p.SessionID || current.AgentID != p.AgentID || current.Organization != p.Organization {
			return ErrTurnContextMismatch
		}
		if current.TransitionVersion != p.ExpectedVersion {
			return &VersionConflictError{CurrentVersion: current.TransitionVersion}
		}
		if current.State.Terminal() {
			return ErrTurnTerminal
		}

		// The holder itself may re-acquire, rotating the token; only a
		// different owner is locked out while the lease is live.
		now := time.Now().UTC()
		if current.State == StateRunning && current.LeaseValid(now) && current.LeaseOwner != p.LeaseOwner {
			return &LeaseHeldError{Owner: current.LeaseOwner, ExpiresAt: *current.LeaseExpiresAt}
		}

		// Single-running-turn invariant: no sibling of the same
		// (session, agent) pair may hold an unexpired lease.
		var sibling string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM turns
			WHERE session_id = ? AND agent_id = ? AND id != ?
			  AND state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at > ?
			LIMIT 1;
		`, p.SessionID, p.AgentID, p.TurnID, StateRunning, now).Scan(&sibling)
		switch {
		case err == nil:
			return &DualActiveTurnError{SiblingTurnID: sibling}
		case errors.Is(err, sql.ErrNoRows):
			// No active sibling.
		default:
			return fmt.Errorf("scan sibling turns: %w", err)
		}

		token := uuid.NewString()
		expiresAt := now.Add(duration)
		res, err := tx.ExecContext(ctx, `
			UPDATE turns
			SET state = ?,
				lease_owner = ?,
				lease_token = ?,
				lease_expires_at = ?,
				started_at = COALESCE(started_at, CURRENT_TIMESTAMP),
				transition_version = transition_version + 1,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND transition_version = ?;
		`, StateRunning, p.LeaseOwner, token, expiresAt, p.TurnID, p.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("acquire lease update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("acquire rows affected: %w", err)
		}
		if affected != 1 {
			return &VersionConflictError{CurrentVersion: current.TransitionVersion}
		}

		from = current.State
		edge = Edge{
			TurnID:       current.ID,
			Organization: current.Organization,
			SessionID:    current.SessionID,
			AgentID:      current.AgentID,
			Transition:   EdgeLeaseAcquired,
			FromState:    string(from),
			ToState:      string(StateRunning),
			Metadata:     fmt.Sprintf(`{"lease_owner":%q,"lease_duration_ms":%d}`, p.LeaseOwner, duration.Milliseconds()),
		}
		if err := s.appendEdgeTx(ctx, tx, &edge); err != nil {
			return err
		}
		turn, err = s.getTurnTx(ctx, tx, p.TurnID)
		if err != nil {
			return fmt.Errorf("reload turn after acquire: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.publishEdge(edge)
	s.publishStateChange(turn.ID, turn.SessionID, from, StateRunning, turn.TransitionVersion)
	s.recordAudit(ctx, turn.Organization, "turn", turn.ID, "lease_acquired", p.LeaseOwner, "")
	return turn, nil
}

// HeartbeatLease extends the lease expiry for a running turn. The expiry
// never moves backwards; a request shorter than the remaining lease leaves
// it where it is. An expired lease cannot be heartbeaten back to life: the
// worker must re-acquire, so it cannot revive a lease another owner may
// already hold.
func (s *Store) HeartbeatLease(ctx context.Context, turnID string, expectedVersion int64, leaseToken string, leaseDuration time.Duration) (*Turn, error) {
	duration := clampLeaseDuration(leaseDuration)

	var (
		turn *Turn
		edge Edge
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin heartbeat tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := s.getTurnTx(ctx, tx, turnID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTurnNotFound
		}
		if err != nil {
			return fmt.Errorf("load turn for heartbeat: %w", err)
		}
		if current.TransitionVersion != expectedVersion {
			return &VersionConflictError{CurrentVersion: current.TransitionVersion}
		}
		if current.State != StateRunning {
			return ErrTurnNotRunning
		}
		if leaseToken == "" || current.LeaseToken != leaseToken {
			return ErrInvalidLeaseToken
		}
		now := time.Now().UTC()
		if current.LeaseExpiresAt == nil || !current.LeaseExpiresAt.After(now) {
			return ErrLeaseExpired
		}

		// A heartbeat never shrinks the lease: a shorter requested
		// duration keeps the current expiry.
		expiresAt := now.Add(duration)
		if current.LeaseExpiresAt.After(expiresAt) {
			expiresAt = *current.LeaseExpiresAt
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE turns
			SET lease_expires_at = ?,
				transition_version = transition_version + 1,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND transition_version = ? AND lease_token = ?;
		`, expiresAt, turnID, expectedVersion, leaseToken)
		if err != nil {
			return fmt.Errorf("heartbeat update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("heartbeat rows affected: %w", err)
		}
		if affected != 1 {
			return &VersionConflictError{CurrentVersion: current.TransitionVersion}
		}

		edge = Edge{
			TurnID:       current.ID,
			Organization: current.Organization,
			SessionID:    current.SessionID,
			AgentID:      current.AgentID,
			Transition:   EdgeLeaseHeartbeat,
			FromState:    string(StateRunning),
			ToState:      string(StateRunning),
			Metadata:     fmt.Sprintf(`{"lease_duration_ms":%d}`, duration.Milliseconds()),
		}
		if err := s.appendEdgeTx(ctx, tx, &edge); err != nil {
			return err
		}
		turn, err = s.getTurnTx(ctx, tx, turnID)
		if err != nil {
			return fmt.Errorf("reload turn after heartbeat: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.publishEdge(edge)
	return turn, nil
}

// ReleaseParams finishes or parks a running turn.
type ReleaseParams struct {
	TurnID          string
	ExpectedVersion int64
	LeaseToken      string
	NextState       TurnState // suspended (default), completed or cancelled
}

// ReleaseLease clears the lease and moves the turn to NextState.
func (s *Store) ReleaseLease(ctx context.Context, p ReleaseParams) (*Turn, error) {
	next := p.NextState
	if next == "" {
		next = StateSuspended
	}
	var stampColumn string
	var transition string
	switch next {
	case StateSuspended:
		stampColumn = "suspended_at"
		transition = EdgeTurnSuspended
	case StateCompleted:
		stampColumn = "completed_at"
		transition = EdgeTurnCompleted
	case StateCancelled:
		stampColumn = "cancelled_at"
		transition = EdgeLeaseReleased
	default:
		return nil, fmt.Errorf("release next state must be suspended, completed or cancelled, got %q", next)
	}

	var (
		turn *Turn
		edge Edge
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin release tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := s.getTurnTx(ctx, tx, p.TurnID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTurnNotFound
		}
		if err != nil {
			return fmt.Errorf("load turn for release: %w", err)
		}
		if current.TransitionVersion != p.ExpectedVersion {
			return &VersionConflictError{CurrentVersion: current.TransitionVersion}
		}
		if current.State != StateRunning {
			return ErrTurnNotRunning
		}
		if p.LeaseToken == "" || current.LeaseToken != p.LeaseToken {
			return ErrInvalidLeaseToken
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE turns
			SET state = ?,
				lease_owner = NULL,
				lease_token = NULL,
				lease_expires_at = NULL,
				`+stampColumn+` = CURRENT_TIMESTAMP,
				transition_version = transition_version + 1,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND transition_version = ?;
		`, next, p.TurnID, p.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("release update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("release rows affected: %w", err)
		}
		if affected != 1 {
			return &VersionConflictError{CurrentVersion: current.TransitionVersion}
		}

		edge = Edge{
			TurnID:       current.ID,
			Organization: current.Organization,
			SessionID:    current.SessionID,
			AgentID:      current.AgentID,
			Transition:   transition,
			FromState:    string(StateRunning),
			ToState:      string(next),
		}
		if err := s.appendEdgeTx(ctx, tx, &edge); err != nil {
			return err
		}
		turn, err = s.getTurnTx(ctx, tx, p.TurnID)
		if err != nil {
			return fmt.Errorf("reload turn after release: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.publishEdge(edge)
	s.publishStateChange(turn.ID, turn.SessionID, StateRunning, next, turn.TransitionVersion)
	s.recordAudit(ctx, turn.Organization, "turn", turn.ID, "lease_released", "", string(next))
	return turn, nil
}

// FailParams force-fails a turn. LeaseToken is optional: a supervisor
// without the token may force-fail, but a supplied token must match.
type FailParams struct {
	TurnID          string
	ExpectedVersion int64
	LeaseToken      string
	Reason          string
}

// FailTurn moves any non-terminal turn to failed and clears its lease.
func (s *Store) FailTurn(ctx context.Context, p FailParams) (*Turn, error) {
	var (
		turn *Turn
		edge Edge
		from TurnState
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := s.getTurnTx(ctx, tx, p.TurnID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTurnNotFound
		}
		if err != nil {
			return fmt.Errorf("load turn for fail: %w", err)
		}
		if current.TransitionVersion != p.ExpectedVersion {
			return &VersionConflictError{CurrentVersion: current.TransitionVersion}
		}
		if p.LeaseToken != "" && current.LeaseToken != p.LeaseToken {
			return ErrInvalidLeaseToken
		}
		if current.State.Terminal() {
			return ErrTurnTerminal
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE turns
			SET state = ?,
				lease_owner = NULL,
				lease_token = NULL,
				lease_expires_at = NULL,
				failure_reason = ?,
				failed_at = CURRENT_TIMESTAMP,
				transition_version = transition_version + 1,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND transition_version = ?;
		`, StateFailed, p.Reason, p.TurnID, p.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("fail update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("fail rows affected: %w", err)
		}
		if affected != 1 {
			return &VersionConflictError{CurrentVersion: current.TransitionVersion}
		}

		from = current.State
		edge = Edge{
			TurnID:       current.ID,
			Organization: current.Organization,
			SessionID:    current.SessionID,
			AgentID:      current.AgentID,
			Transition:   EdgeTurnFailed,
			FromState:    string(from),
			ToState:      string(StateFailed),
			Metadata:     fmt.Sprintf(`{"reason":%q}`, p.Reason),
		}
		if err := s.appendEdgeTx(ctx, tx, &edge); err != nil {
			return err
		}
		turn, err = s.getTurnTx(ctx, tx, p.TurnID)
		if err != nil {
			return fmt.Errorf("reload turn after fail: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.publishEdge(edge)
	s.publishStateChange(turn.ID, turn.SessionID, from, StateFailed, turn.TransitionVersion)
	s.recordAudit(ctx, turn.Organization, "turn", turn.ID, "turn_failed", "", p.Reason)
	return turn, nil
}

// RecoverStaleRunningTurns force-suspends running turns of the (session,
// agent) pair whose lease expiry is absent or past. Intended to run
// periodically or before a new acquisition, bounding how long a crashed
// worker's lease can block the single-running-turn invariant. Returns the
// recovered turn ids.
func (s *Store) RecoverStaleRunningTurns(ctx context.Context, organization, sessionID, agentID, reason string) ([]string, error) {
	return s.recoverStale(ctx, reason, `
		SELECT id FROM turns
		WHERE organization = ? AND session_id = ? AND agent_id = ? AND state = ?
		  AND (lease_expires_at IS NULL OR lease_expires_at <= ?);
	`, organization, sessionID, agentID)
}

// RecoverAllStale sweeps every running turn with an absent or past lease
// expiry. Backs the reaper loop.
func (s *Store) RecoverAllStale(ctx context.Context, reason string) ([]string, error) {
	return s.recoverStale(ctx, reason, `
		SELECT id FROM turns
		WHERE state = ?
		  AND (lease_expires_at IS NULL OR lease_expires_at <= ?);
	`)
}

func (s *Store) recoverStale(ctx context.Context, reason, query string, filterArgs ...any) ([]string, error) {
	if reason == "" {
		reason = DefaultRecoveryReason
	}
	now := time.Now().UTC()
	args := append(append([]any{}, filterArgs...), StateRunning, now)

	var (
		recovered []string
		edges     []Edge
	)
	err := retryOnBusy(ctx, 5, func() error {
		recovered = recovered[:0]
		edges = edges[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin recover tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query stale turns: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale turn: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate stale turns: %w", err)
		}
		rows.Close()

		for _, id := range ids {
			current, err := s.getTurnTx(ctx, tx, id)
			if err != nil {
				return fmt.Errorf("load stale turn: %w", err)
			}
			priorExpiry := ""
			if current.LeaseExpiresAt != nil {
				priorExpiry = current.LeaseExpiresAt.UTC().Format(time.RFC3339Nano)
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE turns
				SET state = ?,
					lease_owner = NULL,
					lease_token = NULL,
					lease_expires_at = NULL,
					suspended_at = CURRENT_TIMESTAMP,
					transition_version = transition_version + 1,
					updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND state = ? AND transition_version = ?;
			`, StateSuspended, id, StateRunning, current.TransitionVersion)
			if err != nil {
				return fmt.Errorf("recover stale update: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("recover rows affected: %w", err)
			}
			if affected != 1 {
				continue
			}
			edge := Edge{
				TurnID:       current.ID,
				Organization: current.Organization,
				SessionID:    current.SessionID,
				AgentID:      current.AgentID,
				Transition:   EdgeStaleRecovered,
				FromState:    string(StateRunning),
				ToState:      string(StateSuspended),
				Metadata:     fmt.Sprintf(`{"reason":%q,"prior_lease_expires_at":%q}`, reason, priorExpiry),
			}
			if err := s.appendEdgeTx(ctx, tx, &edge); err != nil {
				return err
			}
			edges = append(edges, edge)
			recovered = append(recovered, id)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	for _, e := range edges {
		s.publishEdge(e)
		if s.bus != nil {
			s.bus.Publish(bus.TopicTurnStaleRecovered, bus.TurnStateChangedEvent{
				TurnID:    e.TurnID,
				SessionID: e.SessionID,
				OldState:  e.FromState,
				NewState:  e.ToState,
			})
		}
		s.recordAudit(ctx, e.Organization, "turn", e.TurnID, "stale_recovered", "system", reason)
	}
	return recovered, nil
}
