package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/errdefs"
	"github.com/agentconsole/agentconsole/internal/id"
	"github.com/agentconsole/agentconsole/internal/store"
)

func insertJob(t *testing.T, st *store.Store, jobType string, priority int, due int64) string {
	t.Helper()
	j := &store.Job{
		ID:          id.New(),
		Type:        jobType,
		Payload:     "{}",
		Status:      store.JobPending,
		Priority:    priority,
		MaxAttempts: 3,
		NextRetryAt: due,
	}
	require.NoError(t, st.InsertJob(context.Background(), j))
	return j.ID
}

func TestClaimJob_Empty(t *testing.T) {
	st := newTestStore(t)

	j, err := st.ClaimJob(context.Background(), time.Now().UnixMilli())
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestClaimJob_AtMostOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	want := map[string]bool{}
	for i := 0; i < 3; i++ {
		want[insertJob(t, st, "cleanup", 0, now)] = true
	}

	// Three concurrent claimers must each receive a distinct job.
	var mu sync.Mutex
	claimed := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := st.ClaimJob(ctx, now)
			assert.NoError(t, err)
			if j != nil {
				mu.Lock()
				claimed[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 3)
	for jobID, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", jobID)
		assert.True(t, want[jobID])
	}

	// Nothing left to claim.
	j, err := st.ClaimJob(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestClaimJob_PriorityOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	low := insertJob(t, st, "cleanup", 0, now-2)
	high := insertJob(t, st, "cleanup", 10, now)
	mid := insertJob(t, st, "cleanup", 5, now-1)

	var order []string
	for {
		j, err := st.ClaimJob(ctx, now)
		require.NoError(t, err)
		if j == nil {
			break
		}
		order = append(order, j.ID)
	}
	assert.Equal(t, []string{high, mid, low}, order)
}

func TestClaimJob_SkipsDeferred(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	insertJob(t, st, "cleanup", 0, now+60_000)

	j, err := st.ClaimJob(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, j)

	deferred, err := st.ListDeferredPendingJobs(ctx, now)
	require.NoError(t, err)
	assert.Len(t, deferred, 1)
}

func TestJobLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	jobID := insertJob(t, st, "cleanup", 0, now)

	j, err := st.ClaimJob(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, store.JobProcessing, j.Status)

	require.NoError(t, st.MarkJobRetry(ctx, jobID, 1, now+1000, "boom"))
	got, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "boom", *got.LastError)

	j, err = st.ClaimJob(ctx, now+1000)
	require.NoError(t, err)
	require.NotNil(t, j)

	require.NoError(t, st.MarkJobCompleted(ctx, jobID, 2))
	got, err = st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestResetProcessingJobs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	insertJob(t, st, "cleanup", 0, now)
	j, err := st.ClaimJob(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, j)

	// Simulate a crash: the processing job becomes claimable again.
	n, err := st.ResetProcessingJobs(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	j2, err := st.ClaimJob(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, j2)
	assert.Equal(t, j.ID, j2.ID)
}

func TestResetStalledJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	jobID := insertJob(t, st, "cleanup", 0, now)

	// Pending jobs are not retryable.
	err := st.ResetStalledJob(ctx, jobID, now)
	assert.True(t, errdefs.IsConflict(err))

	_, err = st.ClaimJob(ctx, now)
	require.NoError(t, err)
	require.NoError(t, st.MarkJobStalled(ctx, jobID, 3, "gave up"))

	require.NoError(t, st.ResetStalledJob(ctx, jobID, now))
	got, err := st.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestRemoveCancellableJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	jobID := insertJob(t, st, "cleanup", 0, now)
	require.NoError(t, st.RemoveCancellableJob(ctx, jobID))
	_, err := st.GetJob(ctx, jobID)
	assert.True(t, errdefs.IsNotFound(err))

	// Processing jobs cannot be cancelled.
	jobID = insertJob(t, st, "cleanup", 0, now)
	_, err = st.ClaimJob(ctx, now)
	require.NoError(t, err)
	err = st.RemoveCancellableJob(ctx, jobID)
	assert.True(t, errdefs.IsConflict(err))
}

func TestListJobs_FilterAndStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	insertJob(t, st, "cleanup", 0, now)
	insertJob(t, st, "cleanup", 0, now)
	webhookID := insertJob(t, st, "webhook", 0, now)
	require.NoError(t, st.MarkJobStalled(ctx, webhookID, 3, "nope"))

	jobs, err := st.ListJobs(ctx, store.JobFilter{Type: "cleanup"})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = st.ListJobs(ctx, store.JobFilter{Status: store.JobStalled})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, webhookID, jobs[0].ID)

	n, err := st.CountJobs(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stats, err := st.JobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[store.JobPending])
	assert.Equal(t, 1, stats[store.JobStalled])
	assert.Equal(t, 0, stats[store.JobCompleted])
}
