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

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.Migrate())
	return st
}

func strp(s string) *string { return &s }

func TestOpen_InMemory(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	require.NoError(t, st.DB().Ping())

	var fkEnabled int
	require.NoError(t, st.DB().QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled))
	assert.Equal(t, 1, fkEnabled)
}

func TestMigrate_Idempotent(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	require.NoError(t, st.Migrate())
	require.NoError(t, st.Migrate())

	tables := []string{"repositories", "agent_definitions", "sessions", "workers", "worktrees", "jobs", "inbound_event_notifications"}
	for _, table := range tables {
		var count int64
		err := st.DB().QueryRow("SELECT count(*) FROM " + table).Scan(&count)
		assert.NoError(t, err, "table %q does not exist or is not queryable", table)
	}
}

func TestRepositories_CRUD(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	repo := &store.Repository{
		ID:           id.New(),
		Name:         "backend",
		Path:         "/home/dev/backend",
		EnvVars:      strp("API_KEY=abc\n"),
		SlackChannel: strp("#deploys"),
	}
	require.NoError(t, st.CreateRepository(ctx, repo))

	got, err := st.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "backend", got.Name)
	require.NotNil(t, got.SlackChannel)
	assert.Equal(t, "#deploys", *got.SlackChannel)
	assert.False(t, got.CreatedAt.IsZero())

	byPath, err := st.GetRepositoryByPath(ctx, "/home/dev/backend")
	require.NoError(t, err)
	assert.Equal(t, repo.ID, byPath.ID)

	got.Name = "backend-v2"
	got.SlackChannel = nil
	require.NoError(t, st.UpdateRepository(ctx, got))
	got2, err := st.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "backend-v2", got2.Name)
	assert.Nil(t, got2.SlackChannel)

	require.NoError(t, st.DeleteRepository(ctx, repo.ID))
	_, err = st.GetRepository(ctx, repo.ID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRepositories_PathUnique(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := &store.Repository{ID: id.New(), Name: "a", Path: "/home/dev/proj"}
	require.NoError(t, st.CreateRepository(ctx, a))

	b := &store.Repository{ID: id.New(), Name: "b", Path: "/home/dev/proj"}
	err := st.CreateRepository(ctx, b)
	assert.True(t, errdefs.IsConflict(err), "duplicate path should conflict, got %v", err)
}

func TestAgents_CRUD(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	agent := &store.AgentDefinition{
		ID:              id.New(),
		Name:            "my-agent",
		AgentType:       "cli",
		CommandTemplate: `run "{{prompt}}"`,
		AskingPatterns:  []string{`\(y/n\)`, `continue\?`},
	}
	require.NoError(t, st.CreateAgent(ctx, agent))

	got, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{`\(y/n\)`, `continue\?`}, got.AskingPatterns)
	assert.False(t, got.IsBuiltIn)

	byName, err := st.GetAgentByName(ctx, "my-agent")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, byName.ID)

	got.CommandTemplate = `run --fast "{{prompt}}"`
	got.AskingPatterns = nil
	require.NoError(t, st.UpdateAgent(ctx, got))
	got2, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, `run --fast "{{prompt}}"`, got2.CommandTemplate)
	assert.Empty(t, got2.AskingPatterns)

	require.NoError(t, st.DeleteAgent(ctx, agent.ID))
	_, err = st.GetAgent(ctx, agent.ID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestAgents_BuiltInUndeletable(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	agent := &store.AgentDefinition{
		ID:              id.New(),
		Name:            "claude",
		AgentType:       "cli",
		CommandTemplate: `claude "{{prompt}}"`,
		IsBuiltIn:       true,
	}
	require.NoError(t, st.CreateAgent(ctx, agent))

	err := st.DeleteAgent(ctx, agent.ID)
	assert.True(t, errdefs.IsConflict(err))
}

func TestCountWorkersUsingAgent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	agent := &store.AgentDefinition{
		ID: id.New(), Name: "a", AgentType: "cli", CommandTemplate: `a "{{prompt}}"`,
	}
	require.NoError(t, st.CreateAgent(ctx, agent))

	sess := &store.Session{ID: id.New(), Type: store.SessionQuick, LocationPath: "/tmp"}
	require.NoError(t, st.CreateSession(ctx, sess))

	n, err := st.CountWorkersUsingAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	w := &store.Worker{
		ID: id.New(), SessionID: sess.ID, Type: store.WorkerAgent,
		Name: "agent-1", AgentID: &agent.ID,
	}
	require.NoError(t, st.CreateWorker(ctx, w))

	n, err = st.CountWorkersUsingAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Cascade from session delete frees the agent.
	require.NoError(t, st.DeleteSession(ctx, sess.ID))
	n, err = st.CountWorkersUsingAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
