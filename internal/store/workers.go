package store

import (
	"context"
	"fmt"
)

const workerColumns = `id, session_id, type, name, agent_id, pid, base_commit,
	created_at, updated_at`

func scanWorker(row interface{ Scan(...any) error }) (*Worker, error) {
	var w Worker
	var typ string
	err := row.Scan(&w.ID, &w.SessionID, &typ, &w.Name, &w.AgentID, &w.PID,
		&w.BaseCommit, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Type, err = ParseWorkerType(typ)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWorker inserts a worker row.
func (s *Store) CreateWorker(ctx context.Context, w *Worker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, session_id, type, name, agent_id, pid, base_commit)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.SessionID, string(w.Type), w.Name, w.AgentID, w.PID, w.BaseCommit)
	return wrapErr("create worker", err)
}

// GetWorker looks up a worker by id within a session.
func (s *Store) GetWorker(ctx context.Context, sessionID, workerID string) (*Worker, error) {
	w, err := scanWorker(s.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id = ? AND session_id = ?`,
		workerID, sessionID))
	if err != nil {
		return nil, wrapErr("get worker", err)
	}
	return w, nil
}

// ListWorkersBySession returns a session's workers ordered by creation.
func (s *Store) ListWorkersBySession(ctx context.Context, sessionID string) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE session_id = ? ORDER BY created_at`,
		sessionID)
	if err != nil {
		return nil, wrapErr("list workers", err)
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, wrapErr("list workers", rows.Err())
}

// UpdateWorkerPID records the live process id; nil marks the worker
// dead. Agent and terminal workers must have a pid while alive.
func (s *Store) UpdateWorkerPID(ctx context.Context, workerID string, pid *int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET pid = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		pid, workerID)
	if err != nil {
		return wrapErr("update worker pid", err)
	}
	return requireRow(res, "update worker pid", err)
}

// DeleteWorker removes a worker row.
func (s *Store) DeleteWorker(ctx context.Context, workerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, workerID)
	if err != nil {
		return wrapErr("delete worker", err)
	}
	return requireRow(res, "delete worker", err)
}
