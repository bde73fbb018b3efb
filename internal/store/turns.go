package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/basket/turnstile/internal/bus"
)

// CreateTurnParams describes an inbound message admitted for processing.
type CreateTurnParams struct {
	Organization   string
	SessionID      string
	AgentID        string
	IdempotencyKey string // optional; same (organization, key) returns the existing turn
	InboundHash    string // optional content hash of the inbound message
	Metadata       string // optional JSON object
}

// CreateTurnResult reports the created (or matched) turn.
type CreateTurnResult struct {
	TurnID            string    `json:"turn_id"`
	TransitionVersion int64     `json:"transition_version"`
	State             TurnState `json:"state"`
	Duplicate         bool      `json:"duplicate"`
}

// EnsureSession inserts the session row if it does not exist.
func (s *Store) EnsureSession(ctx context.Context, organization, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session_id required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, organization) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING;
	`, sessionID, organization)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

// CreateInboundTurn admits one inbound message as a queued turn. When the
// idempotency key matches an existing turn in the same organization, no new
// turn is created: one duplicate_dropped edge is appended to the existing
// turn and it is returned with Duplicate=true. Otherwise the turn is
// inserted at version 0 and two edges are appended in order:
// inbound_received, then turn_enqueued — receipt and queue admission are
// separable observable events.
func (s *Store) CreateInboundTurn(ctx context.Context, p CreateTurnParams) (CreateTurnResult, error) {
	if p.Organization == "" || p.SessionID == "" || p.AgentID == "" {
		return CreateTurnResult{}, fmt.Errorf("organization, session_id and agent_id required")
	}
	if p.Metadata == "" {
		p.Metadata = "{}"
	}
	if err := s.EnsureSession(ctx, p.Organization, p.SessionID); err != nil {
		return CreateTurnResult{}, err
	}

	var (
		result CreateTurnResult
		edges  []Edge
	)
	err := retryOnBusy(ctx, 5, func() error {
		edges = edges[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create turn tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if p.IdempotencyKey != "" {
			var existing Turn
			err := scanTurn(tx.QueryRowContext(ctx, `
				SELECT `+turnColumns+`
				FROM turns
				WHERE organization = ? AND idempotency_key = ?;
			`, p.Organization, p.IdempotencyKey).Scan, &existing)
			switch {
			case err == nil:
				dup := Edge{
					TurnID:       existing.ID,
					Organization: existing.Organization,
					SessionID:    existing.SessionID,
					AgentID:      existing.AgentID,
					Transition:   EdgeDuplicateDropped,
					Metadata:     fmt.Sprintf(`{"idempotency_key":%q}`, p.IdempotencyKey),
				}
				if err := s.appendEdgeTx(ctx, tx, &dup); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return fmt.Errorf("commit duplicate turn tx: %w", err)
				}
				edges = append(edges, dup)
				result = CreateTurnResult{
					TurnID:            existing.ID,
					TransitionVersion: existing.TransitionVersion,
					State:             existing.State,
					Duplicate:         true,
				}
				return nil
			case errors.Is(err, sql.ErrNoRows):
				// No prior turn for the key; fall through and insert.
			default:
				return fmt.Errorf("lookup idempotency key: %w", err)
			}
		}

		turnID := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO turns (id, organization, session_id, agent_id, state, transition_version, idempotency_key, inbound_hash, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, NULLIF(?, ''), NULLIF(?, ''), ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, turnID, p.Organization, p.SessionID, p.AgentID, StateQueued, p.IdempotencyKey, p.InboundHash, p.Metadata); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}

		received := Edge{
			TurnID:       turnID,
			Organization: p.Organization,
			SessionID:    p.SessionID,
			AgentID:      p.AgentID,
			Transition:   EdgeInboundReceived,
			Metadata:     fmt.Sprintf(`{"inbound_hash":%q}`, p.InboundHash),
		}
		if err := s.appendEdgeTx(ctx, tx, &received); err != nil {
			return err
		}
		enqueued := Edge{
			TurnID:       turnID,
			Organization: p.Organization,
			SessionID:    p.SessionID,
			AgentID:      p.AgentID,
			Transition:   EdgeTurnEnqueued,
			ToState:      string(StateQueued),
		}
		if err := s.appendEdgeTx(ctx, tx, &enqueued); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create turn tx: %w", err)
		}
		edges = append(edges, received, enqueued)
		result = CreateTurnResult{
			TurnID:            turnID,
			TransitionVersion: 0,
			State:             StateQueued,
			Duplicate:         false,
		}
		return nil
	})
	if err != nil {
		return CreateTurnResult{}, err
	}

	for _, e := range edges {
		s.publishEdge(e)
	}
	if !result.Duplicate {
		if s.bus != nil {
			s.bus.Publish(bus.TopicTurnCreated, result)
		}
		s.recordAudit(ctx, p.Organization, "turn", result.TurnID, "created", p.AgentID, "inbound turn enqueued")
	} else {
		s.recordAudit(ctx, p.Organization, "turn", result.TurnID, "duplicate_dropped", p.AgentID, "idempotency key matched existing turn")
	}
	return result, nil
}

// GetTurn loads one turn by id.
func (s *Store) GetTurn(ctx context.Context, turnID string) (*Turn, error) {
	var t Turn
	err := scanTurn(s.db.QueryRowContext(ctx, `
		SELECT `+turnColumns+`
		FROM turns
		WHERE id = ?;
	`, turnID).Scan, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTurnNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get turn: %w", err)
	}
	return &t, nil
}

// ListTurnsBySession returns all turns for a session in creation order.
func (s *Store) ListTurnsBySession(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+turnColumns+`
		FROM turns
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns by session: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		if err := scanTurn(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("turn rows: %w", err)
	}
	return out, nil
}

// DeliverableParams points at the terminal output of a turn.
type DeliverableParams struct {
	TurnID      string
	PointerType string
	PointerID   string
	Status      string // success / failed
	Metadata    string // optional JSON object
}

// RecordTerminalDeliverable stores the turn's terminal deliverable pointer,
// first-writer-wins. A second write fails with DeliverableExistsError
// carrying the first-recorded value unchanged. Deliberately decoupled from
// turn state: a turn may still be running when its deliverable lands, but
// exactly one pointer may ever exist per turn.
func (s *Store) RecordTerminalDeliverable(ctx context.Context, p DeliverableParams) (*Turn, error) {
	if p.Status != "success" && p.Status != "failed" {
		return nil, fmt.Errorf("deliverable status must be success or failed, got %q", p.Status)
	}
	var (
		turn *Turn
		edge Edge
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin deliverable tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		current, err := s.getTurnTx(ctx, tx, p.TurnID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTurnNotFound
		}
		if err != nil {
			return fmt.Errorf("load turn for deliverable: %w", err)
		}
		if current.Deliverable != nil {
			return &DeliverableExistsError{Existing: *current.Deliverable}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE turns
			SET deliverable_pointer_type = ?,
				deliverable_pointer_id = ?,
				deliverable_status = ?,
				deliverable_recorded_at = CURRENT_TIMESTAMP,
				transition_version = transition_version + 1,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND deliverable_pointer_id IS NULL;
		`, p.PointerType, p.PointerID, p.Status, p.TurnID)
		if err != nil {
			return fmt.Errorf("record deliverable: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("deliverable rows affected: %w", err)
		}
		if affected != 1 {
			// Lost a race to another writer inside the busy-retry window.
			refreshed, err := s.getTurnTx(ctx, tx, p.TurnID)
			if err != nil {
				return fmt.Errorf("reload turn after deliverable race: %w", err)
			}
			if refreshed.Deliverable != nil {
				return &DeliverableExistsError{Existing: *refreshed.Deliverable}
			}
			return fmt.Errorf("record deliverable: no row updated")
		}

		edge = Edge{
			TurnID:       current.ID,
			Organization: current.Organization,
			SessionID:    current.SessionID,
			AgentID:      current.AgentID,
			Transition:   EdgeDeliverableRecorded,
			Metadata:     fmt.Sprintf(`{"pointer_type":%q,"pointer_id":%q,"status":%q}`, p.PointerType, p.PointerID, p.Status),
		}
		if err := s.appendEdgeTx(ctx, tx, &edge); err != nil {
			return err
		}

		turn, err = s.getTurnTx(ctx, tx, p.TurnID)
		if err != nil {
			return fmt.Errorf("reload turn after deliverable: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	s.publishEdge(edge)
	s.recordAudit(ctx, turn.Organization, "turn", turn.ID, "deliverable_recorded", "", p.PointerType+"/"+p.PointerID)
	return turn, nil
}
