package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrJobNotFound reports an unknown deferred job id.
var ErrJobNotFound = errors.New("deferred job not found")

// Job is one deferred unit of scheduler work. One-shot jobs carry only
// RunAt; recurring jobs carry a cron expression and are rescheduled by the
// scheduler after each firing.
type Job struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Payload   string     `json:"payload"`
	CronExpr  string     `json:"cron_expr,omitempty"`
	RunAt     time.Time  `json:"run_at"`
	FiredAt   *time.Time `json:"fired_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// EnqueueJob inserts a deferred job and returns its id.
func (s *Store) EnqueueJob(ctx context.Context, kind, payload, cronExpr string, runAt time.Time) (string, error) {
	if kind == "" {
		return "", fmt.Errorf("job kind required")
	}
	if payload == "" {
		payload = "{}"
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deferred_jobs (id, kind, payload, cron_expr, run_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?);
	`, id, kind, payload, cronExpr, runAt.UTC())
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// FindRecurringJob returns the recurring job of the given kind, if one
// exists. Used at startup to keep built-in maintenance jobs singleton
// across restarts.
func (s *Store) FindRecurringJob(ctx context.Context, kind string) (*Job, error) {
	var (
		j     Job
		fired sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, payload, COALESCE(cron_expr, ''), run_at, fired_at, created_at
		FROM deferred_jobs
		WHERE kind = ? AND cron_expr IS NOT NULL
		ORDER BY created_at ASC
		LIMIT 1;
	`, kind).Scan(&j.ID, &j.Kind, &j.Payload, &j.CronExpr, &j.RunAt, &fired, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find recurring job: %w", err)
	}
	j.FiredAt = nullTimePtr(fired)
	return &j, nil
}

// DueJobs returns unfired jobs whose run_at is at or before now.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, COALESCE(cron_expr, ''), run_at, fired_at, created_at
		FROM deferred_jobs
		WHERE fired_at IS NULL AND run_at <= ?
		ORDER BY run_at ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var (
			j     Job
			fired sql.NullTime
		)
		if err := rows.Scan(&j.ID, &j.Kind, &j.Payload, &j.CronExpr, &j.RunAt, &fired, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		j.FiredAt = nullTimePtr(fired)
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due job rows: %w", err)
	}
	return out, nil
}

// MarkJobFired stamps the job as fired. Firing is one-shot per row: a job
// already fired is not stamped again.
func (s *Store) MarkJobFired(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deferred_jobs SET fired_at = CURRENT_TIMESTAMP
		WHERE id = ? AND fired_at IS NULL;
	`, jobID)
	if err != nil {
		return fmt.Errorf("mark job fired: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark job fired rows affected: %w", err)
	}
	if affected != 1 {
		return ErrJobNotFound
	}
	return nil
}

// RescheduleJob moves a recurring job to its next run and clears the fired
// stamp so the scheduler picks it up again.
func (s *Store) RescheduleJob(ctx context.Context, jobID string, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deferred_jobs SET run_at = ?, fired_at = NULL
		WHERE id = ?;
	`, nextRun.UTC(), jobID)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reschedule rows affected: %w", err)
	}
	if affected != 1 {
		return ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a deferred job.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deferred_jobs WHERE id = ?;`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete job rows affected: %w", err)
	}
	if affected != 1 {
		return ErrJobNotFound
	}
	return nil
}
