package store

import (
	"context"
	"database/sql"
)

const repositoryColumns = `id, name, path, setup_command, cleanup_command, env_vars,
	description, default_agent_id, slack_channel, created_at, updated_at`

func scanRepository(row interface{ Scan(...any) error }) (*Repository, error) {
	var r Repository
	err := row.Scan(&r.ID, &r.Name, &r.Path, &r.SetupCommand, &r.CleanupCommand,
		&r.EnvVars, &r.Description, &r.DefaultAgentID, &r.SlackChannel,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRepository inserts a repository row. A duplicate path surfaces
// as a conflict error.
func (s *Store) CreateRepository(ctx context.Context, r *Repository) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (id, name, path, setup_command, cleanup_command,
			env_vars, description, default_agent_id, slack_channel)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Path, r.SetupCommand, r.CleanupCommand,
		r.EnvVars, r.Description, r.DefaultAgentID, r.SlackChannel)
	return wrapErr("create repository", err)
}

// GetRepository looks up a repository by id.
func (s *Store) GetRepository(ctx context.Context, id string) (*Repository, error) {
	r, err := scanRepository(s.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE id = ?`, id))
	if err != nil {
		return nil, wrapErr("get repository", err)
	}
	return r, nil
}

// GetRepositoryByPath looks up a repository by its absolute path.
func (s *Store) GetRepositoryByPath(ctx context.Context, path string) (*Repository, error) {
	r, err := scanRepository(s.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE path = ?`, path))
	if err != nil {
		return nil, wrapErr("get repository by path", err)
	}
	return r, nil
}

// ListRepositories returns all repositories ordered by name.
func (s *Store) ListRepositories(ctx context.Context) ([]*Repository, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories ORDER BY name`)
	if err != nil {
		return nil, wrapErr("list repositories", err)
	}
	defer rows.Close()

	var out []*Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, wrapErr("scan repository", err)
		}
		out = append(out, r)
	}
	return out, wrapErr("list repositories", rows.Err())
}

// UpdateRepository rewrites the mutable columns and refreshes
// updated_at. created_at is never rewritten.
func (s *Store) UpdateRepository(ctx context.Context, r *Repository) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE repositories
		SET name = ?, setup_command = ?, cleanup_command = ?, env_vars = ?,
			description = ?, default_agent_id = ?, slack_channel = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		r.Name, r.SetupCommand, r.CleanupCommand, r.EnvVars,
		r.Description, r.DefaultAgentID, r.SlackChannel, r.ID)
	if err != nil {
		return wrapErr("update repository", err)
	}
	return requireRow(res, "update repository", err)
}

// DeleteRepository removes a repository row. Worktrees and sessions
// cascade via foreign keys.
func (s *Store) DeleteRepository(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, id)
	if err != nil {
		return wrapErr("delete repository", err)
	}
	return requireRow(res, "delete repository", err)
}

// requireRow converts a zero-row Exec result into not_found.
func requireRow(res sql.Result, op string, _ error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(op, err)
	}
	if n == 0 {
		return wrapErr(op, sql.ErrNoRows)
	}
	return nil
}
