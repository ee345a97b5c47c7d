// Package worker implements the long-lived poll loop that claims batches
// of executions and fans them out to the runner under a concurrency cap
// (spec §4.7). Grounded on the teacher's pkg/execution/worker.go Worker
// (heartbeat/poll/recovery goroutines, graceful shutdown), generalized
// from its queue-item model to this spec's claim-a-batch-of-executions
// model.
package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmill/orchestrator/pkg/runner"
	"github.com/flowmill/orchestrator/pkg/store"
)

// Config tunes a Pool; defaults match spec §6's configuration table.
type Config struct {
	Concurrency          int
	PollInterval         time.Duration
	HeartbeatInterval    time.Duration
	StaleLockThreshold   time.Duration
	StopDeadline         time.Duration
}

// DefaultConfig matches spec §6 exactly: concurrency 3, poll 1s, stale
// lock threshold 30m. Heartbeat interval and stop deadline are ambient
// operational knobs the distilled spec leaves unspecified.
func DefaultConfig() Config {
	return Config{
		Concurrency:        3,
		PollInterval:       time.Second,
		HeartbeatInterval:  30 * time.Second,
		StaleLockThreshold: 30 * time.Minute,
		StopDeadline:       30 * time.Second,
	}
}

// Pool is one worker process: a symmetric, stateless-across-restarts poll
// loop. Its only persistent identity is its worker_id; a crashed Pool
// loses only its in-memory active set (spec §4.7).
type Pool struct {
	ID     string
	Store  store.Store
	Runner *runner.Runner
	Config Config

	mu     sync.Mutex
	active map[uuid.UUID]struct{}
}

// New builds a pool with a unique worker id derived the way the teacher
// derives its own: hostname + pid + a uuid suffix.
func New(store store.Store, r *runner.Runner, cfg Config) *Pool {
	hostname, _ := os.Hostname()
	id := fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.New().String()[:8])

	return &Pool{
		ID:     id,
		Store:  store,
		Runner: r,
		Config: cfg,
		active: make(map[uuid.UUID]struct{}),
	}
}

// Run blocks, polling and dispatching claimed executions until ctx is
// cancelled, then drains in-flight runs within Config.StopDeadline before
// returning (spec §4.7 graceful shutdown).
func (p *Pool) Run(ctx context.Context) error {
	if err := p.Store.UpsertWorker(ctx, p.ID, hostnameOrUnknown(), p.Config.Concurrency); err != nil {
		return fmt.Errorf("worker: register: %w", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.heartbeatLoop(ctx, stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.sweepLoop(ctx, stop)
	}()

	log.Printf("worker %s started: concurrency=%d poll=%s", p.ID, p.Config.Concurrency, p.Config.PollInterval)

	ticker := time.NewTicker(p.Config.PollInterval)
	defer ticker.Stop()

pollLoop:
	for {
		select {
		case <-ctx.Done():
			break pollLoop
		case <-ticker.C:
			// Dispatched runs use a context detached from the poll loop's:
			// shutdown must stop new claims without aborting in-flight
			// steps out from under the runner, which is exactly what
			// draining bounded by a stop-deadline means (spec §4.7).
			p.pollOnce(ctx, context.Background())
		}
	}

	close(stop)

	log.Printf("worker %s draining %d active execution(s)", p.ID, p.activeCount())
	p.drain(p.Config.StopDeadline)
	wg.Wait()

	if err := p.Store.MarkWorkerOffline(context.Background(), p.ID); err != nil {
		log.Printf("worker %s: failed to mark offline: %v", p.ID, err)
	}
	log.Printf("worker %s stopped", p.ID)
	return nil
}

// pollOnce is one iteration of spec §4.7's loop body: compute free
// capacity, claim a batch, and dispatch each claimed execution
// concurrently.
func (p *Pool) pollOnce(claimCtx, runCtx context.Context) {
	free := p.Config.Concurrency - p.activeCount()
	if free <= 0 {
		return
	}

	batch, err := p.Store.Claim(claimCtx, p.ID, free)
	if err != nil {
		log.Printf("worker %s: claim failed: %v", p.ID, err)
		return
	}

	for _, exec := range batch {
		p.dispatch(runCtx, exec.ID)
	}
}

func (p *Pool) dispatch(ctx context.Context, executionID uuid.UUID) {
	p.mu.Lock()
	p.active[executionID] = struct{}{}
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.active, executionID)
			p.mu.Unlock()
		}()

		if err := p.Runner.Run(ctx, executionID); err != nil {
			log.Printf("worker %s: run %s failed: %v", p.ID, executionID, err)
		}
	}()
}

func (p *Pool) activeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// drain waits for the active set to empty, bounded by deadline.
func (p *Pool) drain(deadline time.Duration) {
	cutoff := time.Now().Add(deadline)
	for time.Now().Before(cutoff) {
		if p.activeCount() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	if n := p.activeCount(); n > 0 {
		log.Printf("worker %s: stop deadline reached with %d execution(s) still active", p.ID, n)
	}
}

// heartbeatLoop updates this worker's own liveness row on an interval,
// distinct from the claim primitive's per-execution locked_at (spec §12
// worker-heartbeats supplement).
func (p *Pool) heartbeatLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(p.Config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := p.Store.Heartbeat(ctx, p.ID); err != nil {
				log.Printf("worker %s: heartbeat failed: %v", p.ID, err)
			}
		}
	}
}

// sweepLoop runs the stale-lock release routine (spec §4.2) on a ticker,
// separate from the per-request hot path.
func (p *Pool) sweepLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(p.Config.StaleLockThreshold / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			n, err := p.Store.ReleaseStaleClaims(ctx, p.Config.StaleLockThreshold)
			if err != nil {
				log.Printf("worker %s: stale-claim sweep failed: %v", p.ID, err)
				continue
			}
			if n > 0 {
				log.Printf("worker %s: released %d stale claim(s)", p.ID, n)
			}
		}
	}
}

func hostnameOrUnknown() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
