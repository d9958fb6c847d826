package store

import (
	"context"
	"fmt"
)

const worktreeColumns = `id, repository_id, path, branch, index_number, created_at`

func scanWorktree(row interface{ Scan(...any) error }) (*Worktree, error) {
	var w Worktree
	err := row.Scan(&w.ID, &w.RepositoryID, &w.Path, &w.Branch, &w.IndexNumber, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWorktree inserts a worktree record. Duplicate paths or index
// numbers within a repository surface as conflict.
func (s *Store) CreateWorktree(ctx context.Context, w *Worktree) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worktrees (id, repository_id, path, branch, index_number)
		VALUES (?, ?, ?, ?, ?)`,
		w.ID, w.RepositoryID, w.Path, w.Branch, w.IndexNumber)
	return wrapErr("create worktree", err)
}

// GetWorktree looks up a worktree record by id.
func (s *Store) GetWorktree(ctx context.Context, id string) (*Worktree, error) {
	w, err := scanWorktree(s.db.QueryRowContext(ctx,
		`SELECT `+worktreeColumns+` FROM worktrees WHERE id = ?`, id))
	if err != nil {
		return nil, wrapErr("get worktree", err)
	}
	return w, nil
}

// GetWorktreeByPath looks up a worktree record by its absolute path.
func (s *Store) GetWorktreeByPath(ctx context.Context, path string) (*Worktree, error) {
	w, err := scanWorktree(s.db.QueryRowContext(ctx,
		`SELECT `+worktreeColumns+` FROM worktrees WHERE path = ?`, path))
	if err != nil {
		return nil, wrapErr("get worktree by path", err)
	}
	return w, nil
}

// ListWorktreesByRepository returns a repository's worktree records
// ordered by index.
func (s *Store) ListWorktreesByRepository(ctx context.Context, repoID string) ([]*Worktree, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+worktreeColumns+` FROM worktrees WHERE repository_id = ? ORDER BY index_number`,
		repoID)
	if err != nil {
		return nil, wrapErr("list worktrees", err)
	}
	defer rows.Close()

	var out []*Worktree
	for rows.Next() {
		w, err := scanWorktree(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worktree: %w", err)
		}
		out = append(out, w)
	}
	return out, wrapErr("list worktrees", rows.Err())
}

// UsedWorktreeIndexes returns the index numbers currently assigned to
// live worktrees of a repository; the allocator picks the smallest
// positive integer not in the set.
func (s *Store) UsedWorktreeIndexes(ctx context.Context, repoID string) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT index_number FROM worktrees WHERE repository_id = ?`, repoID)
	if err != nil {
		return nil, wrapErr("used worktree indexes", err)
	}
	defer rows.Close()

	used := make(map[int]bool)
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan worktree index: %w", err)
		}
		used[n] = true
	}
	return used, wrapErr("used worktree indexes", rows.Err())
}

// UpdateWorktreeBranch records a branch rename.
func (s *Store) UpdateWorktreeBranch(ctx context.Context, id, branch string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE worktrees SET branch = ? WHERE id = ?`, branch, id)
	if err != nil {
		return wrapErr("update worktree branch", err)
	}
	return requireRow(res, "update worktree branch", err)
}

// DeleteWorktree removes a worktree record.
func (s *Store) DeleteWorktree(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM worktrees WHERE id = ?`, id)
	if err != nil {
		return wrapErr("delete worktree", err)
	}
	return requireRow(res, "delete worktree", err)
}
