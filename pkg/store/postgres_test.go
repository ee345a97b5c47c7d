package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/orchestrator/internal/testutil"
	"github.com/flowmill/orchestrator/pkg/store"
	"github.com/flowmill/orchestrator/pkg/workflow"
)

func newTestStore(t *testing.T) *store.Postgres {
	t.Helper()
	conn := testutil.OpenTestDB(t)
	testutil.TruncateAll(t, conn)
	return store.NewPostgres(conn)
}

func TestPostgresCreateExecutionIdempotencyDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := store.WorkflowRef{Name: "greet", Version: "v1"}

	first, err := s.CreateExecution(ctx, ref, workflow.State{"n": 1}, "key-1")
	require.NoError(t, err)

	second, err := s.CreateExecution(ctx, ref, workflow.State{"n": 2}, "key-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same idempotency key must return the original execution")
}

// TestPostgresCreateExecutionIdempotencyRaceIsSafe mirrors spec §8 S5: two
// concurrent submissions with the same idempotency key must never both
// succeed in creating distinct rows.
func TestPostgresCreateExecutionIdempotencyRaceIsSafe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := store.WorkflowRef{Name: "greet", Version: "v1"}

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			exec, err := s.CreateExecution(ctx, ref, workflow.State{}, "race-key")
			require.NoError(t, err)
			ids[i] = exec.ID.String()
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id, "all concurrent creates under the same idempotency key must resolve to one execution")
	}
}

// TestPostgresClaimDoesNotDuplicateAcrossConcurrentCallers mirrors spec §8
// property 1 / S4: concurrent Claim callers never see the same execution
// id twice between them.
func TestPostgresClaimDoesNotDuplicateAcrossConcurrentCallers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := store.WorkflowRef{Name: "greet", Version: "v1"}

	const total = 20
	for i := 0; i < total; i++ {
		_, err := s.CreateExecution(ctx, ref, workflow.State{}, "")
		require.NoError(t, err)
	}

	seen := make(map[string]int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	const workers = 4
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(workerID int) {
			defer wg.Done()
			claimed, err := s.Claim(ctx, workerIDStr(workerID), total)
			require.NoError(t, err)
			mu.Lock()
			for _, e := range claimed {
				seen[e.ID.String()]++
			}
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	assert.Len(t, seen, total, "every created execution should be claimed exactly once across workers")
	for id, count := range seen {
		assert.Equal(t, 1, count, "execution %s claimed more than once", id)
	}
}

func TestPostgresCancelConflictsOnTerminalState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := store.WorkflowRef{Name: "greet", Version: "v1"}

	exec, err := s.CreateExecution(ctx, ref, workflow.State{}, "")
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, exec.ID))

	err = s.Cancel(ctx, exec.ID)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestPostgresCancelUnknownExecutionIsNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.Cancel(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// TestPostgresReleaseStaleClaimsRestoresPending mirrors spec §4.2's
// crash-recovery sweep: a running execution locked longer than the
// threshold is released back to pending.
func TestPostgresReleaseStaleClaimsRestoresPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := store.WorkflowRef{Name: "greet", Version: "v1"}

	exec, err := s.CreateExecution(ctx, ref, workflow.State{}, "")
	require.NoError(t, err)

	claimed, err := s.Claim(ctx, "stale-worker", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	lockedAt := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.UpdateExecution(ctx, exec.ID, store.Patch{LockedAt: &lockedAt}))

	n, err := s.ReleaseStaleClaims(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	reloaded, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, reloaded.Status)
	assert.Nil(t, reloaded.WorkerID)
}

func workerIDStr(i int) string {
	return "worker-" + string(rune('a'+i))
}
