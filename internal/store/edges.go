package store

import (
	"context"
	"database/sql"
	"fmt"
)

// appendEdgeTx appends one execution edge for the turn inside tx. The edge
// ordinal is read-max-then-increment, so ordinals for a turn form a dense,
// strictly increasing sequence starting at 1; the per-turn UNIQUE constraint
// backs the ordering when two transactions race.
func (s *Store) appendEdgeTx(ctx context.Context, tx *sql.Tx, e *Edge) error {
	if e.Metadata == "" {
		e.Metadata = "{}"
	}
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(edge_ordinal), 0) + 1
		FROM turn_edges
		WHERE turn_id = ?;
	`, e.TurnID).Scan(&e.EdgeOrdinal); err != nil {
		return fmt.Errorf("next edge ordinal: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO turn_edges (turn_id, organization, session_id, agent_id, transition, from_state, to_state, edge_ordinal, metadata, occurred_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, e.TurnID, e.Organization, e.SessionID, e.AgentID, e.Transition, e.FromState, e.ToState, e.EdgeOrdinal, e.Metadata)
	if err != nil {
		return fmt.Errorf("insert turn_edge: %w", err)
	}
	e.EdgeID, _ = res.LastInsertId()
	return nil
}

// ListTurnEdges returns the execution edges for one turn ordered by ordinal.
func (s *Store) ListTurnEdges(ctx context.Context, turnID string) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT edge_id, turn_id, organization, session_id, agent_id, transition,
			COALESCE(from_state, ''), COALESCE(to_state, ''), edge_ordinal, metadata, occurred_at
		FROM turn_edges
		WHERE turn_id = ?
		ORDER BY edge_ordinal ASC;
	`, turnID)
	if err != nil {
		return nil, fmt.Errorf("list turn edges: %w", err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(
			&e.EdgeID,
			&e.TurnID,
			&e.Organization,
			&e.SessionID,
			&e.AgentID,
			&e.Transition,
			&e.FromState,
			&e.ToState,
			&e.EdgeOrdinal,
			&e.Metadata,
			&e.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan turn edge: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("turn edge rows: %w", err)
	}
	return out, nil
}

// CountTurnEdges returns the number of edges recorded for a turn.
func (s *Store) CountTurnEdges(ctx context.Context, turnID string) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM turn_edges WHERE turn_id = ?;
	`, turnID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count turn edges: %w", err)
	}
	return count, nil
}
