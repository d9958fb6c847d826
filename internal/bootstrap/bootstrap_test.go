package bootstrap_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/bootstrap"
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

func TestRun_SeedsBuiltins(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, bootstrap.Run(ctx, st))

	claude, err := st.GetAgentByName(ctx, "claude")
	require.NoError(t, err)
	assert.True(t, claude.IsBuiltIn)
	assert.Contains(t, claude.CommandTemplate, "{{prompt}}")
	require.NotNil(t, claude.ContinueTemplate)
	assert.NotEmpty(t, claude.AskingPatterns)

	codex, err := st.GetAgentByName(ctx, "codex")
	require.NoError(t, err)
	assert.True(t, codex.IsBuiltIn)
}

func TestRun_Idempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, bootstrap.Run(ctx, st))
	require.NoError(t, bootstrap.Run(ctx, st))

	agents, err := st.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 2)
}

func TestRun_PreservesUserEdits(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, bootstrap.Run(ctx, st))

	claude, err := st.GetAgentByName(ctx, "claude")
	require.NoError(t, err)
	claude.AskingPatterns = []string{`custom prompt\?`}
	require.NoError(t, st.UpdateAgent(ctx, claude))

	// A second bootstrap run must not clobber the edit.
	require.NoError(t, bootstrap.Run(ctx, st))
	got, err := st.GetAgentByName(ctx, "claude")
	require.NoError(t, err)
	assert.Equal(t, []string{`custom prompt\?`}, got.AskingPatterns)
}
