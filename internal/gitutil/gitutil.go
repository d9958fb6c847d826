// Package gitutil wraps the git CLI for the repository and worktree
// operations the server performs. All functions take a context so
// callers can bound git invocations.
package gitutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/agentconsole/agentconsole/internal/validate"
)

// run executes git with -C dir and returns trimmed stdout. Failures
// include git's stderr, which carries the actionable message.
func run(ctx context.Context, dir string, args ...string) (string, error) {
	full := append([]string{"-C", dir}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// IsRepository reports whether dir is inside a git working tree.
func IsRepository(ctx context.Context, dir string) bool {
	out, err := run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// RepoRoot returns the top-level directory of the working tree at dir.
func RepoRoot(ctx context.Context, dir string) (string, error) {
	return run(ctx, dir, "rev-parse", "--show-toplevel")
}

// CurrentBranch returns the checked-out branch, or "" when detached.
func CurrentBranch(ctx context.Context, dir string) (string, error) {
	return run(ctx, dir, "branch", "--show-current")
}

// DefaultBranch resolves the repository's default branch: the remote
// HEAD when origin exists, otherwise main or master if present,
// otherwise the current branch.
func DefaultBranch(ctx context.Context, dir string) (string, error) {
	if out, err := run(ctx, dir, "symbolic-ref", "refs/remotes/origin/HEAD", "--short"); err == nil {
		return strings.TrimPrefix(out, "origin/"), nil
	}
	for _, candidate := range []string{"main", "master"} {
		if _, err := run(ctx, dir, "rev-parse", "--verify", "refs/heads/"+candidate); err == nil {
			return candidate, nil
		}
	}
	return CurrentBranch(ctx, dir)
}

// ListBranches returns local branch names.
func ListBranches(ctx context.Context, dir string) ([]string, error) {
	out, err := run(ctx, dir, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// ListRemoteBranches returns branch names on origin, without the
// origin/ prefix and excluding HEAD.
func ListRemoteBranches(ctx context.Context, dir string) ([]string, error) {
	out, err := run(ctx, dir, "branch", "-r", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, b := range splitLines(out) {
		name := strings.TrimPrefix(b, "origin/")
		if name == "" || name == "HEAD" || strings.Contains(b, "->") {
			continue
		}
		branches = append(branches, name)
	}
	return branches, nil
}

// BranchExists reports whether a local branch exists.
func BranchExists(ctx context.Context, dir, branch string) bool {
	_, err := run(ctx, dir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// Fetch updates remote-tracking refs from origin.
func Fetch(ctx context.Context, dir string) error {
	_, err := run(ctx, dir, "fetch", "origin", "--prune")
	return err
}

// MergeBase returns the merge base of two revisions.
func MergeBase(ctx context.Context, dir, a, b string) (string, error) {
	return run(ctx, dir, "merge-base", a, b)
}

// HeadCommit returns the commit hash of HEAD.
func HeadCommit(ctx context.Context, dir string) (string, error) {
	return run(ctx, dir, "rev-parse", "HEAD")
}

// Diff returns the unified diff of the working tree against base,
// including untracked files via intent-to-add semantics handled by the
// caller. An empty base diffs against HEAD.
func Diff(ctx context.Context, dir, base string) (string, error) {
	if base == "" {
		base = "HEAD"
	}
	full := []string{"-C", dir, "diff", base}
	cmd := exec.CommandContext(ctx, "git", full...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git diff: %w", err)
	}
	return string(out), nil
}

// DiffFile returns the unified diff of a single path against base.
func DiffFile(ctx context.Context, dir, base, path string) (string, error) {
	if base == "" {
		base = "HEAD"
	}
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "diff", base, "--", path)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git diff: %w", err)
	}
	return string(out), nil
}

// RenameBranch renames the branch checked out at dir.
func RenameBranch(ctx context.Context, dir, oldName, newName string) error {
	if err := validate.BranchName(newName); err != nil {
		return err
	}
	_, err := run(ctx, dir, "branch", "-m", oldName, newName)
	return err
}

// RecentCommits returns the latest n one-line commit subjects.
func RecentCommits(ctx context.Context, dir string, n int) ([]string, error) {
	out, err := run(ctx, dir, "log", fmt.Sprintf("-%d", n), "--pretty=format:%h %s")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// RemoteURL returns the origin fetch URL, or "" when no remote is
// configured.
func RemoteURL(ctx context.Context, dir string) string {
	out, err := run(ctx, dir, "remote", "get-url", "origin")
	if err != nil {
		return ""
	}
	return out
}

// PullRequestLink builds a GitHub compare URL for the branch, or ""
// when the remote is not a GitHub repository.
func PullRequestLink(ctx context.Context, dir, branch string) string {
	remote := RemoteURL(ctx, dir)
	if remote == "" {
		return ""
	}
	repo := githubRepoPath(remote)
	if repo == "" {
		return ""
	}
	return "https://github.com/" + repo + "/compare/" + branch + "?expand=1"
}

// githubRepoPath extracts "owner/repo" from SSH or HTTPS GitHub
// remotes.
func githubRepoPath(remote string) string {
	remote = strings.TrimSuffix(remote, ".git")
	if after, ok := strings.CutPrefix(remote, "git@github.com:"); ok {
		return after
	}
	if after, ok := strings.CutPrefix(remote, "https://github.com/"); ok {
		return after
	}
	if after, ok := strings.CutPrefix(remote, "ssh://git@github.com/"); ok {
		return after
	}
	return ""
}

// WorktreeEntry is one row of `git worktree list --porcelain`.
type WorktreeEntry struct {
	Path   string
	Head   string
	Branch string // short name, "" when detached
}

// ListWorktrees returns all working trees registered with the
// repository, main checkout included.
func ListWorktrees(ctx context.Context, repoRoot string) ([]WorktreeEntry, error) {
	out, err := run(ctx, repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var entries []WorktreeEntry
	var cur WorktreeEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur.Path != "" {
				entries = append(entries, cur)
			}
			cur = WorktreeEntry{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if cur.Path != "" {
		entries = append(entries, cur)
	}
	return entries, nil
}

// AddWorktree creates a working tree at path. With newBranch set, a
// branch of that name is created at startPoint; otherwise the existing
// branch is checked out.
func AddWorktree(ctx context.Context, repoRoot, path, branch, startPoint string, newBranch bool) error {
	if err := validate.BranchName(branch); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create worktree parent: %w", err)
	}
	var args []string
	if newBranch {
		args = []string{"worktree", "add", path, "-b", branch}
		if startPoint != "" {
			args = append(args, startPoint)
		}
	} else {
		args = []string{"worktree", "add", path, branch}
	}
	_, err := run(ctx, repoRoot, args...)
	return err
}

// RemoveWorktree detaches a working tree. When git refuses, the
// directory is removed manually and the worktree list pruned.
func RemoveWorktree(ctx context.Context, repoRoot, path string) error {
	if _, err := run(ctx, repoRoot, "worktree", "remove", path, "--force"); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("%w; manual removal also failed: %v", err, rmErr)
		}
		_, _ = run(ctx, repoRoot, "worktree", "prune")
	}
	return nil
}

// IsWorktreeOf reports whether path is registered as a working tree of
// the repository at repoRoot.
func IsWorktreeOf(ctx context.Context, repoRoot, path string) (bool, error) {
	entries, err := ListWorktrees(ctx, repoRoot)
	if err != nil {
		return false, err
	}
	resolved := resolvePath(path)
	for _, e := range entries {
		if resolvePath(e.Path) == resolved {
			return true, nil
		}
	}
	return false, nil
}

func resolvePath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		abs = p
	}
	if r, err := filepath.EvalSymlinks(abs); err == nil {
		return r
	}
	return abs
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
