package worktree_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/errdefs"
	"github.com/agentconsole/agentconsole/internal/events"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/suggest"
	"github.com/agentconsole/agentconsole/internal/worktree"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, string(output))
}

// newService builds a Service over an in-memory store with a temp
// managed root. The source repository lives under the root so removal
// paths stay inside the boundary.
func newService(t *testing.T) (*worktree.Service, *store.Store, *store.Repository, string) {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate())

	hub := events.NewHub()
	t.Cleanup(hub.Close)

	root := t.TempDir()
	resolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)

	repoPath := filepath.Join(resolved, "backend-src")
	require.NoError(t, os.Mkdir(repoPath, 0o755))
	runGit(t, repoPath, "init", "-b", "main")
	runGit(t, repoPath, "config", "user.email", "test@test.com")
	runGit(t, repoPath, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("hi\n"), 0o644))
	runGit(t, repoPath, "add", ".")
	runGit(t, repoPath, "commit", "-m", "initial")

	repo := &store.Repository{ID: "repo-1", Name: "backend", Path: repoPath}
	require.NoError(t, st.CreateRepository(context.Background(), repo))

	svc := worktree.NewService(st, hub, suggest.NewClient("", time.Second), resolved, filepath.Join(resolved, "templates"))
	return svc, st, repo, resolved
}

func TestCreateAndRemove_Lifecycle(t *testing.T) {
	svc, st, repo, root := newService(t)
	ctx := context.Background()

	result, err := svc.Create(ctx, worktree.CreateRequest{
		RepositoryID: repo.ID,
		BranchMode:   worktree.BranchCustom,
		BranchName:   "feature-1",
	})
	require.NoError(t, err)
	rec := result.Worktree
	require.NotNil(t, rec)
	assert.Equal(t, "feature-1", rec.Branch)
	assert.Equal(t, 1, rec.IndexNumber)
	assert.True(t, strings.HasPrefix(rec.Path, filepath.Join(root, "backend", "worktrees")))

	info, err := os.Stat(rec.Path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Indexes are allocated lowest-first.
	second, err := svc.Create(ctx, worktree.CreateRequest{
		RepositoryID: repo.ID,
		BranchMode:   worktree.BranchCustom,
		BranchName:   "feature-2",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Worktree.IndexNumber)

	require.NoError(t, svc.Remove(ctx, repo.ID, rec.Path, false))
	_, err = os.Stat(rec.Path)
	assert.True(t, os.IsNotExist(err))
	_, err = st.GetWorktreeByPath(ctx, rec.Path)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestCreate_ExistingBranch(t *testing.T) {
	svc, _, repo, _ := newService(t)
	ctx := context.Background()
	runGit(t, repo.Path, "branch", "release")

	result, err := svc.Create(ctx, worktree.CreateRequest{
		RepositoryID: repo.ID,
		BranchMode:   worktree.BranchExisting,
		BranchName:   "release",
	})
	require.NoError(t, err)
	assert.Equal(t, "release", result.Worktree.Branch)
}

func TestCreate_BranchConflicts(t *testing.T) {
	svc, _, repo, _ := newService(t)
	ctx := context.Background()

	// Custom mode refuses a branch that already exists.
	_, err := svc.Create(ctx, worktree.CreateRequest{
		RepositoryID: repo.ID,
		BranchMode:   worktree.BranchCustom,
		BranchName:   "main",
	})
	assert.True(t, errdefs.IsConflict(err))

	// Existing mode refuses a branch that does not.
	_, err = svc.Create(ctx, worktree.CreateRequest{
		RepositoryID: repo.ID,
		BranchMode:   worktree.BranchExisting,
		BranchName:   "nope",
	})
	assert.True(t, errdefs.IsNotFound(err))
}

func TestCreate_WithSession(t *testing.T) {
	svc, st, repo, _ := newService(t)
	ctx := context.Background()

	result, err := svc.Create(ctx, worktree.CreateRequest{
		RepositoryID:  repo.ID,
		BranchMode:    worktree.BranchCustom,
		BranchName:    "with-session",
		CreateSession: true,
		SessionTitle:  "Fix the flaky test",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Session)

	sess, err := st.GetSession(ctx, result.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionWorktree, sess.Type)
	assert.Equal(t, result.Worktree.Path, sess.LocationPath)
	require.NotNil(t, sess.WorktreeID)
	assert.Equal(t, result.Worktree.ID, *sess.WorktreeID)
	require.NotNil(t, sess.Title)
	assert.Equal(t, "Fix the flaky test", *sess.Title)
}

func TestCreate_ConcurrentIndexAllocation(t *testing.T) {
	svc, _, repo, _ := newService(t)
	ctx := context.Background()

	branches := []string{"feature-a", "feature-b"}
	results := make([]*worktree.CreateResult, len(branches))
	errs := make([]error, len(branches))

	var wg sync.WaitGroup
	for i, branch := range branches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = svc.Create(ctx, worktree.CreateRequest{
				RepositoryID: repo.ID,
				BranchMode:   worktree.BranchCustom,
				BranchName:   branch,
			})
		}()
	}
	wg.Wait()

	indexes := make(map[int]bool)
	for i := range branches {
		require.NoError(t, errs[i])
		indexes[results[i].Worktree.IndexNumber] = true
	}
	assert.Equal(t, map[int]bool{1: true, 2: true}, indexes)
}

func TestCreate_RunsSetupCommand(t *testing.T) {
	svc, st, repo, _ := newService(t)
	ctx := context.Background()

	setup := "echo ready > setup-ran.txt"
	repo.SetupCommand = &setup
	require.NoError(t, st.UpdateRepository(ctx, repo))

	result, err := svc.Create(ctx, worktree.CreateRequest{
		RepositoryID: repo.ID,
		BranchMode:   worktree.BranchCustom,
		BranchName:   "with-setup",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.SetupExit)
	_, err = os.Stat(filepath.Join(result.Worktree.Path, "setup-ran.txt"))
	assert.NoError(t, err)
}

func TestRemove_OutsideRootRejected(t *testing.T) {
	svc, _, repo, _ := newService(t)
	ctx := context.Background()

	outside := t.TempDir()
	err := svc.Remove(ctx, repo.ID, outside, false)
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))

	// The directory is untouched.
	_, statErr := os.Stat(outside)
	assert.NoError(t, statErr)
}

func TestRemove_UnregisteredPathRejected(t *testing.T) {
	svc, _, repo, root := newService(t)
	ctx := context.Background()

	stray := filepath.Join(root, "stray")
	require.NoError(t, os.Mkdir(stray, 0o755))

	err := svc.Remove(ctx, repo.ID, stray, false)
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
	_, statErr := os.Stat(stray)
	assert.NoError(t, statErr)
}

func TestRemove_MainTreeRefused(t *testing.T) {
	svc, _, repo, _ := newService(t)
	ctx := context.Background()

	err := svc.Remove(ctx, repo.ID, repo.Path, false)
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
	_, statErr := os.Stat(repo.Path)
	assert.NoError(t, statErr)
}

func TestListWorktrees_FlagsOrphans(t *testing.T) {
	svc, st, repo, root := newService(t)
	ctx := context.Background()

	result, err := svc.Create(ctx, worktree.CreateRequest{
		RepositoryID: repo.ID,
		BranchMode:   worktree.BranchCustom,
		BranchName:   "live-branch",
	})
	require.NoError(t, err)

	// A DB record whose path git has never heard of.
	orphan := &store.Worktree{
		ID:           "wt-orphan",
		RepositoryID: repo.ID,
		Path:         filepath.Join(root, "backend", "worktrees", "gone"),
		Branch:       "gone-branch",
		IndexNumber:  99,
	}
	require.NoError(t, st.CreateWorktree(ctx, orphan))

	entries, err := svc.ListWorktrees(ctx, repo.ID)
	require.NoError(t, err)
	// Main tree, the live worktree, and the orphan.
	require.Len(t, entries, 3)

	byPath := make(map[string]*worktree.Entry)
	for _, e := range entries {
		byPath[e.Path] = e
	}
	assert.True(t, byPath[repo.Path].IsMain)
	assert.False(t, byPath[result.Worktree.Path].Orphaned)
	require.NotNil(t, byPath[orphan.Path])
	assert.True(t, byPath[orphan.Path].Orphaned)
}
