package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/errdefs"
	"github.com/agentconsole/agentconsole/internal/id"
	"github.com/agentconsole/agentconsole/internal/store"
)

func createTestRepo(t *testing.T, st *store.Store) *store.Repository {
	t.Helper()
	repo := &store.Repository{ID: id.New(), Name: "repo", Path: "/home/dev/repo-" + id.New()}
	require.NoError(t, st.CreateRepository(context.Background(), repo))
	return repo
}

func TestSessions_CRUD(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	pid := 1234
	sess := &store.Session{
		ID:            id.New(),
		Type:          store.SessionQuick,
		LocationPath:  "/home/dev/scratch",
		ServerPID:     &pid,
		InitialPrompt: strp("fix the flaky test"),
	}
	require.NoError(t, st.CreateSession(ctx, sess))

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionQuick, got.Type)
	require.NotNil(t, got.ServerPID)
	assert.Equal(t, 1234, *got.ServerPID)
	require.NotNil(t, got.InitialPrompt)
	assert.Equal(t, "fix the flaky test", *got.InitialPrompt)

	require.NoError(t, st.UpdateSessionTitle(ctx, sess.ID, strp("flaky test hunt")))
	got, err = st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Title)
	assert.Equal(t, "flaky test hunt", *got.Title)

	require.NoError(t, st.UpdateSessionServerPID(ctx, sess.ID, nil))
	got, err = st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ServerPID)

	require.NoError(t, st.DeleteSession(ctx, sess.ID))
	_, err = st.GetSession(ctx, sess.ID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestCreateWorktreeSession_Atomic(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	repo := createTestRepo(t, st)

	wt := &store.Worktree{
		ID:           id.New(),
		RepositoryID: repo.ID,
		Path:         "/home/dev/worktrees/wt-001",
		Branch:       "feature-x",
		IndexNumber:  1,
	}
	sess := &store.Session{
		ID:           id.New(),
		Type:         store.SessionWorktree,
		RepositoryID: &repo.ID,
		WorktreeID:   &wt.ID,
		LocationPath: wt.Path,
	}
	require.NoError(t, st.CreateWorktreeSession(ctx, wt, sess))

	gotWt, err := st.GetWorktree(ctx, wt.ID)
	require.NoError(t, err)
	assert.Equal(t, "feature-x", gotWt.Branch)

	gotSess, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, gotSess.WorktreeID)
	assert.Equal(t, wt.ID, *gotSess.WorktreeID)
}

func TestCreateWorktreeSession_RollsBackOnConflict(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	repo := createTestRepo(t, st)

	wt := &store.Worktree{
		ID: id.New(), RepositoryID: repo.ID,
		Path: "/home/dev/worktrees/wt-001", Branch: "a", IndexNumber: 1,
	}
	sess := &store.Session{
		ID: id.New(), Type: store.SessionWorktree,
		RepositoryID: &repo.ID, WorktreeID: &wt.ID, LocationPath: wt.Path,
	}
	require.NoError(t, st.CreateWorktreeSession(ctx, wt, sess))

	// Same session id forces the second insert to fail; the worktree
	// insert from the same transaction must not survive.
	wt2 := &store.Worktree{
		ID: id.New(), RepositoryID: repo.ID,
		Path: "/home/dev/worktrees/wt-002", Branch: "b", IndexNumber: 2,
	}
	sess2 := &store.Session{
		ID: sess.ID, Type: store.SessionWorktree,
		RepositoryID: &repo.ID, WorktreeID: &wt2.ID, LocationPath: wt2.Path,
	}
	err := st.CreateWorktreeSession(ctx, wt2, sess2)
	require.Error(t, err)

	_, err = st.GetWorktree(ctx, wt2.ID)
	assert.True(t, errdefs.IsNotFound(err), "worktree row must be rolled back")
}

func TestWorkers_CRUD(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sess := &store.Session{ID: id.New(), Type: store.SessionQuick, LocationPath: "/tmp"}
	require.NoError(t, st.CreateSession(ctx, sess))

	w := &store.Worker{
		ID:         id.New(),
		SessionID:  sess.ID,
		Type:       store.WorkerGitDiff,
		Name:       "diff",
		BaseCommit: strp("abc1234"),
	}
	require.NoError(t, st.CreateWorker(ctx, w))

	got, err := st.GetWorker(ctx, sess.ID, w.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WorkerGitDiff, got.Type)
	require.NotNil(t, got.BaseCommit)
	assert.Equal(t, "abc1234", *got.BaseCommit)
	assert.Nil(t, got.PID)

	pid := 4321
	require.NoError(t, st.UpdateWorkerPID(ctx, w.ID, &pid))
	got, err = st.GetWorker(ctx, sess.ID, w.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PID)
	assert.Equal(t, 4321, *got.PID)

	list, err := st.ListWorkersBySession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	// Lookup is scoped by session: the right worker id under the wrong
	// session is still not found.
	_, err = st.GetWorker(ctx, "other-session", w.ID)
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, st.DeleteWorker(ctx, w.ID))
	_, err = st.GetWorker(ctx, sess.ID, w.ID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestWorktrees_IndexUniquePerRepo(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	repo := createTestRepo(t, st)

	a := &store.Worktree{
		ID: id.New(), RepositoryID: repo.ID,
		Path: "/wt/a", Branch: "a", IndexNumber: 1,
	}
	require.NoError(t, st.CreateWorktree(ctx, a))

	b := &store.Worktree{
		ID: id.New(), RepositoryID: repo.ID,
		Path: "/wt/b", Branch: "b", IndexNumber: 1,
	}
	err := st.CreateWorktree(ctx, b)
	assert.True(t, errdefs.IsConflict(err), "duplicate index should conflict, got %v", err)

	// A second repository reuses index 1 freely.
	repo2 := createTestRepo(t, st)
	c := &store.Worktree{
		ID: id.New(), RepositoryID: repo2.ID,
		Path: "/wt/c", Branch: "c", IndexNumber: 1,
	}
	require.NoError(t, st.CreateWorktree(ctx, c))
}

func TestWorktrees_UpdateBranch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	repo := createTestRepo(t, st)

	wt := &store.Worktree{
		ID: id.New(), RepositoryID: repo.ID,
		Path: "/wt/a", Branch: "old-name", IndexNumber: 1,
	}
	require.NoError(t, st.CreateWorktree(ctx, wt))

	require.NoError(t, st.UpdateWorktreeBranch(ctx, wt.ID, "new-name"))
	got, err := st.GetWorktree(ctx, wt.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-name", got.Branch)

	byPath, err := st.GetWorktreeByPath(ctx, "/wt/a")
	require.NoError(t, err)
	assert.Equal(t, wt.ID, byPath.ID)
}

func TestInboundEventNotifications_Idempotency(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec := &store.InboundEventNotification{
		ID:        id.New(),
		JobID:     "job-1",
		SessionID: "sess-1",
		WorkerID:  "",
		HandlerID: "slack-notify",
	}
	require.NoError(t, st.RecordInboundEventNotification(ctx, rec))

	dup := &store.InboundEventNotification{
		ID:        id.New(),
		JobID:     "job-1",
		SessionID: "sess-1",
		WorkerID:  "",
		HandlerID: "slack-notify",
	}
	err := st.RecordInboundEventNotification(ctx, dup)
	assert.True(t, errdefs.IsConflict(err), "duplicate delivery key should conflict, got %v", err)

	// A different handler for the same job and session is a new delivery.
	other := &store.InboundEventNotification{
		ID:        id.New(),
		JobID:     "job-1",
		SessionID: "sess-1",
		WorkerID:  "",
		HandlerID: "other-handler",
	}
	require.NoError(t, st.RecordInboundEventNotification(ctx, other))
}
