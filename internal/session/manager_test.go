package session_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/errdefs"
	"github.com/agentconsole/agentconsole/internal/events"
	"github.com/agentconsole/agentconsole/internal/jobqueue"
	"github.com/agentconsole/agentconsole/internal/outputlog"
	"github.com/agentconsole/agentconsole/internal/session"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/workers"
)

// newManager wires a Manager over an in-memory store with a real
// output log so GetMessages reads actual bytes.
func newManager(t *testing.T) (*session.Manager, *store.Store, *outputlog.Manager) {
	t.Helper()

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate())

	hub := events.NewHub()
	t.Cleanup(hub.Close)

	logs := outputlog.NewManager(t.TempDir(), outputlog.Options{})
	queue := jobqueue.New(st, 1)
	registry := workers.NewRegistry(st, logs, queue, hub, workers.Options{})
	t.Cleanup(registry.Shutdown)

	return session.NewManager(st, registry, queue, hub), st, logs
}

func TestCreateSession_Quick(t *testing.T) {
	mgr, st, _ := newManager(t)
	ctx := context.Background()

	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	sess, err := mgr.CreateSession(ctx, session.CreateRequest{
		Type:         store.SessionQuick,
		LocationPath: dir,
		Title:        "scratch",
	})
	require.NoError(t, err)
	assert.Equal(t, dir, sess.LocationPath)
	require.NotNil(t, sess.ServerPID)

	got, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionQuick, got.Type)

	// A location that is not a directory is refused.
	_, err = mgr.CreateSession(ctx, session.CreateRequest{
		Type:         store.SessionQuick,
		LocationPath: filepath.Join(dir, "missing"),
	})
	assert.True(t, errdefs.IsValidation(err))
}

func TestCreateSession_WorktreePinnedToWorktreePath(t *testing.T) {
	mgr, st, _ := newManager(t)
	ctx := context.Background()

	wtPath, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	repo := &store.Repository{ID: "repo-1", Name: "backend", Path: wtPath}
	require.NoError(t, st.CreateRepository(ctx, repo))
	wt := &store.Worktree{
		ID:           "wt-1",
		RepositoryID: repo.ID,
		Path:         wtPath,
		Branch:       "feature",
		IndexNumber:  1,
	}
	require.NoError(t, st.CreateWorktree(ctx, wt))

	// Without an explicit location the session lands in the worktree.
	sess, err := mgr.CreateSession(ctx, session.CreateRequest{
		Type:         store.SessionWorktree,
		RepositoryID: repo.ID,
		WorktreeID:   wt.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, wt.Path, sess.LocationPath)

	// Any other location is refused.
	_, err = mgr.CreateSession(ctx, session.CreateRequest{
		Type:         store.SessionWorktree,
		RepositoryID: repo.ID,
		WorktreeID:   wt.ID,
		LocationPath: t.TempDir(),
	})
	assert.True(t, errdefs.IsValidation(err))

	// So is a worktree that belongs to a different repository.
	_, err = mgr.CreateSession(ctx, session.CreateRequest{
		Type:         store.SessionWorktree,
		RepositoryID: "repo-other",
		WorktreeID:   wt.ID,
	})
	assert.True(t, errdefs.IsValidation(err))

	// Worktree sessions need both ids.
	_, err = mgr.CreateSession(ctx, session.CreateRequest{
		Type:         store.SessionWorktree,
		RepositoryID: repo.ID,
	})
	assert.True(t, errdefs.IsValidation(err))
}

func TestGetMessages(t *testing.T) {
	mgr, st, logs := newManager(t)
	ctx := context.Background()

	sess := &store.Session{ID: "s1", Type: store.SessionQuick, LocationPath: t.TempDir()}
	require.NoError(t, st.CreateSession(ctx, sess))
	agent := &store.Worker{ID: "w1", SessionID: sess.ID, Type: store.WorkerAgent, Name: "agent"}
	require.NoError(t, st.CreateWorker(ctx, agent))

	logs.Append(sess.ID, agent.ID, []byte("one\ntwo\nthree\n"))

	msgs, err := mgr.GetMessages(ctx, sess.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, msgs.WorkerID)
	assert.Equal(t, "two\nthree\n", msgs.Data)
	assert.Equal(t, int64(len("one\ntwo\nthree\n")), msgs.Offset)
}

func TestGetMessages_NoAgentWorker(t *testing.T) {
	mgr, st, _ := newManager(t)
	ctx := context.Background()

	sess := &store.Session{ID: "s1", Type: store.SessionQuick, LocationPath: t.TempDir()}
	require.NoError(t, st.CreateSession(ctx, sess))
	term := &store.Worker{ID: "w1", SessionID: sess.ID, Type: store.WorkerTerminal, Name: "shell"}
	require.NoError(t, st.CreateWorker(ctx, term))

	_, err := mgr.GetMessages(ctx, sess.ID, 10)
	assert.True(t, errdefs.IsValidation(err))
}

func TestGetMessages_UnknownSession(t *testing.T) {
	mgr, _, _ := newManager(t)

	_, err := mgr.GetMessages(context.Background(), "nope", 10)
	assert.True(t, errdefs.IsNotFound(err))
}
