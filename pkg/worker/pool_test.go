package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmill/orchestrator/internal/resolver"
	"github.com/flowmill/orchestrator/internal/storetest"
	"github.com/flowmill/orchestrator/pkg/interpreter"
	"github.com/flowmill/orchestrator/pkg/runner"
	"github.com/flowmill/orchestrator/pkg/store"
	"github.com/flowmill/orchestrator/pkg/workflow"
)

func newTestPool(t *testing.T, handler interpreter.Handler, stepType string, cfg Config) (*Pool, *storetest.Memory) {
	t.Helper()

	registry := interpreter.NewRegistry()
	registry.Register(stepType, handler)

	res := resolver.NewMemory()
	require.NoError(t, res.Register(&workflow.PinnedDefinition{
		Name: "pool-test", Version: "v1",
		Steps: []workflow.Step{{ID: "only", Type: stepType}},
	}))

	mem := storetest.New()
	r := &runner.Runner{
		Store:       mem,
		Interpreter: interpreter.New(registry),
		Resolver:    res,
		Defaults:    runner.DefaultRetryDefaults,
	}

	return New(mem, r, cfg), mem
}

// TestPoolRespectsConcurrencyCap mirrors spec §8 S4: with N executions
// pending and a concurrency cap of C < N, the pool never runs more than
// C executions at once.
func TestPoolRespectsConcurrencyCap(t *testing.T) {
	const cap_ = 2
	const total = 6

	release := make(chan struct{})
	var current, peak int32

	block := interpreter.HandlerFunc(func(ctx context.Context, step *workflow.Step, execCtx *interpreter.Context) (interpreter.HandlerResult, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&current, -1)
		return interpreter.HandlerResult{Output: workflow.State{}}, nil
	})

	cfg := cfg()
	cfg.Concurrency = cap_
	cfg.PollInterval = 5 * time.Millisecond
	cfg.StopDeadline = 2 * time.Second
	pool, mem := newTestPool(t, block, "block", cfg)

	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < total; i++ {
		_, err := mem.CreateExecution(context.Background(), store.WorkflowRef{Name: "pool-test", Version: "v1"}, workflow.State{}, "")
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	// Give the poll loop several ticks to dispatch everything it can
	// under the concurrency cap.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&current) < cap_ && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond) // let any over-dispatch manifest

	assert.LessOrEqual(t, int(atomic.LoadInt32(&peak)), cap_, "pool dispatched more than its concurrency cap")
	assert.Equal(t, int32(cap_), atomic.LoadInt32(&current), "expected exactly cap_ executions in flight")

	close(release)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("pool did not shut down after release")
	}
}

// TestPoolGracefulShutdownDrainsActiveRuns mirrors spec §4.7: on context
// cancellation the pool stops claiming new work but waits for active
// runs to finish (bounded by StopDeadline) before Run returns.
func TestPoolGracefulShutdownDrainsActiveRuns(t *testing.T) {
	started := make(chan struct{})
	slow := interpreter.HandlerFunc(func(ctx context.Context, step *workflow.Step, execCtx *interpreter.Context) (interpreter.HandlerResult, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return interpreter.HandlerResult{Output: workflow.State{}}, nil
	})

	cfg := cfg()
	cfg.Concurrency = 1
	cfg.PollInterval = 5 * time.Millisecond
	cfg.StopDeadline = 2 * time.Second
	pool, mem := newTestPool(t, slow, "slow", cfg)

	ctx, cancel := context.WithCancel(context.Background())

	exec, err := mem.CreateExecution(context.Background(), store.WorkflowRef{Name: "pool-test", Version: "v1"}, workflow.State{}, "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("execution never started")
	}

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not shut down within its stop deadline")
	}

	final, err := mem.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, final.Status, "in-flight execution should complete before shutdown returns")
}

func cfg() Config {
	c := DefaultConfig()
	return c
}
