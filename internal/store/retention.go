package store

import (
	"context"
	"fmt"
	"time"
)

// PruneResult counts rows removed by one retention sweep.
type PruneResult struct {
	TurnEdges      int64 `json:"turn_edges"`
	AuditLog       int64 `json:"audit_log"`
	LifecycleAudit int64 `json:"lifecycle_audit"`
}

// Prune removes edge and audit rows older than the given retention windows.
// Edges of non-terminal turns are never pruned; the execution history of a
// live turn must stay replayable. Zero or negative day counts skip the
// corresponding table.
func (s *Store) Prune(ctx context.Context, edgeDays, auditDays int) (PruneResult, error) {
	var result PruneResult
	now := time.Now().UTC()

	if edgeDays > 0 {
		cutoff := now.AddDate(0, 0, -edgeDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM turn_edges
			WHERE occurred_at < ?
			  AND turn_id IN (
				SELECT id FROM turns WHERE state IN ('completed', 'failed', 'cancelled')
			  );
		`, cutoff)
		if err != nil {
			return result, fmt.Errorf("prune turn_edges: %w", err)
		}
		result.TurnEdges, _ = res.RowsAffected()
	}

	if auditDays > 0 {
		cutoff := now.AddDate(0, 0, -auditDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("prune audit_log: %w", err)
		}
		result.AuditLog, _ = res.RowsAffected()

		res, err = s.db.ExecContext(ctx, `DELETE FROM lifecycle_audit WHERE occurred_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("prune lifecycle_audit: %w", err)
		}
		result.LifecycleAudit, _ = res.RowsAffected()
	}
	return result, nil
}

// Backup writes a consistent snapshot of the database to destPath using
// VACUUM INTO, which is safe against concurrent readers under WAL.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination required")
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("vacuum into %s: %w", destPath, err)
	}
	return nil
}
