package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/agentconsole/agentconsole/internal/errdefs"
)

const jobColumns = `id, type, payload, status, priority, attempts, max_attempts,
	next_retry_at, last_error, created_at, started_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var status string
	err := row.Scan(&j.ID, &j.Type, &j.Payload, &status, &j.Priority, &j.Attempts,
		&j.MaxAttempts, &j.NextRetryAt, &j.LastError, &j.CreatedAt,
		&j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Status, err = ParseJobStatus(status)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// InsertJob inserts a pending job row.
func (s *Store) InsertJob(ctx context.Context, j *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload, status, priority, attempts, max_attempts, next_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Type, j.Payload, string(j.Status), j.Priority, j.Attempts,
		j.MaxAttempts, j.NextRetryAt)
	return wrapErr("insert job", err)
}

// ClaimJob atomically claims the highest-priority due pending job and
// flips it to processing. Returns nil when no job is due. The single
// UPDATE with a subquery is what guarantees a job is handed to at most
// one caller.
func (s *Store) ClaimJob(ctx context.Context, now int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'processing', started_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = (SELECT id FROM jobs
			WHERE status = 'pending' AND next_retry_at <= ?
			ORDER BY priority DESC, next_retry_at ASC LIMIT 1)
		RETURNING `+jobColumns, now)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapErr("claim job", err)
	}
	return j, nil
}

// MarkJobCompleted finishes a job successfully.
func (s *Store) MarkJobCompleted(ctx context.Context, id string, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', attempts = ?,
			completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, attempts, id)
	return wrapErr("complete job", err)
}

// MarkJobRetry schedules another attempt after a handler failure.
func (s *Store) MarkJobRetry(ctx context.Context, id string, attempts int, nextRetryAt int64, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', attempts = ?, next_retry_at = ?,
			last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, attempts, nextRetryAt, lastError, id)
	return wrapErr("retry job", err)
}

// MarkJobStalled parks a job that has exhausted its attempts.
func (s *Store) MarkJobStalled(ctx context.Context, id string, attempts int, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'stalled', attempts = ?, last_error = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, attempts, lastError, id)
	return wrapErr("stall job", err)
}

// ResetProcessingJobs is the crash-recovery step: any job left in
// processing by a previous run becomes claimable again.
func (s *Store) ResetProcessingJobs(ctx context.Context, now int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', next_retry_at = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE status = 'processing'`, now)
	if err != nil {
		return 0, wrapErr("reset processing jobs", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListDeferredPendingJobs returns pending jobs whose retry time is
// still in the future, so the queue can arm per-job timers at startup.
func (s *Store) ListDeferredPendingJobs(ctx context.Context, now int64) ([]*Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending' AND next_retry_at > ?`, now)
}

// GetJob looks up a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, wrapErr("get job", err)
	}
	return j, nil
}

// JobFilter narrows ListJobs / CountJobs.
type JobFilter struct {
	Status JobStatus
	Type   string
	Limit  int
	Offset int
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]*Job, error) {
	where, args := jobFilterClause(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		args...)
}

// CountJobs counts jobs matching the filter.
func (s *Store) CountJobs(ctx context.Context, f JobFilter) (int, error) {
	where, args := jobFilterClause(f)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&n)
	if err != nil {
		return 0, wrapErr("count jobs", err)
	}
	return n, nil
}

func jobFilterClause(f JobFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// JobStats counts jobs grouped by status.
func (s *Store) JobStats(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, wrapErr("job stats", err)
	}
	defer rows.Close()

	stats := map[JobStatus]int{
		JobPending: 0, JobProcessing: 0, JobCompleted: 0, JobStalled: 0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		st, err := ParseJobStatus(status)
		if err != nil {
			return nil, err
		}
		stats[st] = n
	}
	return stats, wrapErr("job stats", rows.Err())
}

// ResetStalledJob re-queues a stalled job with a fresh attempt budget.
// Only stalled jobs are retryable.
func (s *Store) ResetStalledJob(ctx context.Context, id string, now int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', attempts = 0, next_retry_at = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'stalled'`, now, id)
	if err != nil {
		return wrapErr("reset stalled job", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		j, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return getErr
		}
		return errdefs.Conflict("job %s is %s, only stalled jobs can be retried", id, j.Status)
	}
	return nil
}

// RemoveCancellableJob deletes a pending or stalled job.
func (s *Store) RemoveCancellableJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE id = ? AND status IN ('pending', 'stalled')`, id)
	if err != nil {
		return wrapErr("cancel job", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		j, getErr := s.GetJob(ctx, id)
		if getErr != nil {
			return getErr
		}
		return errdefs.Conflict("job %s is %s, only pending or stalled jobs can be cancelled", id, j.Status)
	}
	return nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list jobs", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, wrapErr("list jobs", rows.Err())
}
