package store

import (
	"context"
	"fmt"
)

const sessionColumns = `id, type, repository_id, worktree_id, location_path,
	server_pid, title, initial_prompt, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	var typ string
	err := row.Scan(&s.ID, &typ, &s.RepositoryID, &s.WorktreeID, &s.LocationPath,
		&s.ServerPID, &s.Title, &s.InitialPrompt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Type, err = ParseSessionType(typ)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession inserts a session row.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, type, repository_id, worktree_id, location_path,
			server_pid, title, initial_prompt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Type), sess.RepositoryID, sess.WorktreeID,
		sess.LocationPath, sess.ServerPID, sess.Title, sess.InitialPrompt)
	return wrapErr("create session", err)
}

// CreateWorktreeSession inserts a worktree row and its session row in
// one transaction so a crash cannot leave a session without its
// worktree record.
func (s *Store) CreateWorktreeSession(ctx context.Context, wt *Worktree, sess *Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin worktree session", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO worktrees (id, repository_id, path, branch, index_number)
		VALUES (?, ?, ?, ?, ?)`,
		wt.ID, wt.RepositoryID, wt.Path, wt.Branch, wt.IndexNumber); err != nil {
		return wrapErr("create worktree", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, type, repository_id, worktree_id, location_path,
			server_pid, title, initial_prompt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Type), sess.RepositoryID, sess.WorktreeID,
		sess.LocationPath, sess.ServerPID, sess.Title, sess.InitialPrompt); err != nil {
		return wrapErr("create session", err)
	}

	return wrapErr("commit worktree session", tx.Commit())
}

// GetSession looks up a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		return nil, wrapErr("get session", err)
	}
	return sess, nil
}

// ListSessions returns all sessions ordered by creation time.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at`)
}

// ListSessionsByRepository returns the sessions pinned to a repository.
func (s *Store) ListSessionsByRepository(ctx context.Context, repoID string) ([]*Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE repository_id = ? ORDER BY created_at`, repoID)
}

// ListSessionsUsingAgent returns sessions that have a persisted worker
// referencing the given agent definition.
func (s *Store) ListSessionsUsingAgent(ctx context.Context, agentID string) ([]*Session, error) {
	return s.querySessions(ctx, `
		SELECT DISTINCT s.id, s.type, s.repository_id, s.worktree_id, s.location_path,
			s.server_pid, s.title, s.initial_prompt, s.created_at, s.updated_at
		FROM sessions s JOIN workers w ON w.session_id = s.id
		WHERE w.agent_id = ? ORDER BY s.created_at`, agentID)
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list sessions", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, wrapErr("list sessions", rows.Err())
}

// UpdateSessionTitle updates the title in place. The session type is
// never mutated after creation.
func (s *Store) UpdateSessionTitle(ctx context.Context, id string, title *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		title, id)
	if err != nil {
		return wrapErr("update session title", err)
	}
	return requireRow(res, "update session title", err)
}

// UpdateSessionServerPID records which server process owns the
// session's live workers; nil marks the session paused or orphaned.
func (s *Store) UpdateSessionServerPID(ctx context.Context, id string, pid *int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET server_pid = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		pid, id)
	if err != nil {
		return wrapErr("update session server pid", err)
	}
	return requireRow(res, "update session server pid", err)
}

// DeleteSession removes a session row; workers cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return wrapErr("delete session", err)
	}
	return requireRow(res, "delete session", err)
}
