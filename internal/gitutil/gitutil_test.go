package gitutil_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/gitutil"
)

// resolvedTempDir returns a temp directory with symlinks resolved (e.g.
// /var -> /private/var on macOS).
func resolvedTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	return resolved
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, string(output))
	return string(output)
}

// initRepo creates a git repo in dir with an initial commit on main.
func initRepo(t *testing.T, dir string) {
	t.Helper()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@test.com")
	runGit(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
}

func TestIsRepository(t *testing.T) {
	ctx := context.Background()
	dir := resolvedTempDir(t)
	assert.False(t, gitutil.IsRepository(ctx, dir))

	initRepo(t, dir)
	assert.True(t, gitutil.IsRepository(ctx, dir))
}

func TestRepoRootAndBranch(t *testing.T) {
	ctx := context.Background()
	dir := resolvedTempDir(t)
	initRepo(t, dir)

	root, err := gitutil.RepoRoot(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, dir, root)

	branch, err := gitutil.CurrentBranch(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
}

func TestDefaultBranch_LocalFallback(t *testing.T) {
	ctx := context.Background()
	dir := resolvedTempDir(t)
	initRepo(t, dir)

	// No origin: falls back to the local main branch.
	branch, err := gitutil.DefaultBranch(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
}

func TestBranches(t *testing.T) {
	ctx := context.Background()
	dir := resolvedTempDir(t)
	initRepo(t, dir)
	runGit(t, dir, "branch", "feature-a")
	runGit(t, dir, "branch", "feature-b")

	branches, err := gitutil.ListBranches(ctx, dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"main", "feature-a", "feature-b"}, branches)

	assert.True(t, gitutil.BranchExists(ctx, dir, "feature-a"))
	assert.False(t, gitutil.BranchExists(ctx, dir, "feature-z"))
}

func TestMergeBaseAndHead(t *testing.T) {
	ctx := context.Background()
	dir := resolvedTempDir(t)
	initRepo(t, dir)

	base, err := gitutil.HeadCommit(ctx, dir)
	require.NoError(t, err)
	require.NotEmpty(t, base)

	runGit(t, dir, "checkout", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("x\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "feature work")

	mb, err := gitutil.MergeBase(ctx, dir, "main", "HEAD")
	require.NoError(t, err)
	assert.Equal(t, base, mb)
}

func TestDiff(t *testing.T) {
	ctx := context.Background()
	dir := resolvedTempDir(t)
	initRepo(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("changed\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("new\n"), 0o644))
	runGit(t, dir, "add", "other.txt")

	diff, err := gitutil.Diff(ctx, dir, "")
	require.NoError(t, err)
	assert.Contains(t, diff, "-hello")
	assert.Contains(t, diff, "+changed")

	fileDiff, err := gitutil.DiffFile(ctx, dir, "HEAD", "README.md")
	require.NoError(t, err)
	assert.Contains(t, fileDiff, "+changed")
	assert.NotContains(t, fileDiff, "other.txt")
}

func TestRenameBranch(t *testing.T) {
	ctx := context.Background()
	dir := resolvedTempDir(t)
	initRepo(t, dir)

	require.NoError(t, gitutil.RenameBranch(ctx, dir, "main", "primary"))
	branch, err := gitutil.CurrentBranch(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, "primary", branch)

	// Invalid names are refused before git runs.
	err = gitutil.RenameBranch(ctx, dir, "primary", "bad name")
	require.Error(t, err)
}

func TestRecentCommits(t *testing.T) {
	ctx := context.Background()
	dir := resolvedTempDir(t)
	initRepo(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "second commit")

	commits, err := gitutil.RecentCommits(ctx, dir, 10)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Contains(t, commits[0], "second commit")
	assert.Contains(t, commits[1], "initial")

	one, err := gitutil.RecentCommits(ctx, dir, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestRemoteURLAndPullRequestLink(t *testing.T) {
	ctx := context.Background()
	dir := resolvedTempDir(t)
	initRepo(t, dir)

	assert.Empty(t, gitutil.RemoteURL(ctx, dir))
	assert.Empty(t, gitutil.PullRequestLink(ctx, dir, "feature"))

	runGit(t, dir, "remote", "add", "origin", "git@github.com:acme/backend.git")
	assert.Equal(t, "git@github.com:acme/backend.git", gitutil.RemoteURL(ctx, dir))
	assert.Equal(t,
		"https://github.com/acme/backend/compare/feature?expand=1",
		gitutil.PullRequestLink(ctx, dir, "feature"))

	// Non-GitHub remotes produce no link.
	runGit(t, dir, "remote", "set-url", "origin", "https://gitlab.com/acme/backend.git")
	assert.Empty(t, gitutil.PullRequestLink(ctx, dir, "feature"))
}

func TestWorktrees(t *testing.T) {
	ctx := context.Background()
	base := resolvedTempDir(t)
	repoDir := filepath.Join(base, "repo")
	require.NoError(t, os.Mkdir(repoDir, 0o755))
	initRepo(t, repoDir)

	wtPath := filepath.Join(base, "worktrees", "wt-001")
	require.NoError(t, gitutil.AddWorktree(ctx, repoDir, wtPath, "feature-x", "", true))

	entries, err := gitutil.ListWorktrees(ctx, repoDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, repoDir, entries[0].Path)
	assert.Equal(t, "main", entries[0].Branch)
	assert.Equal(t, wtPath, entries[1].Path)
	assert.Equal(t, "feature-x", entries[1].Branch)
	assert.NotEmpty(t, entries[1].Head)

	ok, err := gitutil.IsWorktreeOf(ctx, repoDir, wtPath)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = gitutil.IsWorktreeOf(ctx, repoDir, filepath.Join(base, "elsewhere"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, gitutil.RemoveWorktree(ctx, repoDir, wtPath))
	_, err = os.Stat(wtPath)
	assert.True(t, os.IsNotExist(err))

	entries, err = gitutil.ListWorktrees(ctx, repoDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAddWorktree_ExistingBranch(t *testing.T) {
	ctx := context.Background()
	base := resolvedTempDir(t)
	repoDir := filepath.Join(base, "repo")
	require.NoError(t, os.Mkdir(repoDir, 0o755))
	initRepo(t, repoDir)
	runGit(t, repoDir, "branch", "existing")

	wtPath := filepath.Join(base, "worktrees", "wt-002")
	require.NoError(t, gitutil.AddWorktree(ctx, repoDir, wtPath, "existing", "", false))

	cmd := exec.Command("git", "-C", wtPath, "branch", "--show-current")
	out, err := cmd.Output()
	require.NoError(t, err)
	assert.Equal(t, "existing", string(out[:len(out)-1]))

	// Rejected branch names never reach git.
	err = gitutil.AddWorktree(ctx, repoDir, filepath.Join(base, "w3"), "-evil", "", true)
	require.Error(t, err)
}
