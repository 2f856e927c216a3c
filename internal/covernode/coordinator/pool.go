// Package coordinator runs a CoverNode direction's three pipeline stages
// (poll, mix, publish) as long-lived tasks under one supervised pool, so a
// panic or fatal error in one stage doesn't leak a goroutine and the whole
// direction can be torn down with a single Stop call.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a long-running pipeline stage. It should run until ctx is
// canceled and return nil, or return early on an unrecoverable error.
type Task func(ctx context.Context) error

// LoggerFn receives structured lifecycle events from the pool.
type LoggerFn func(level, msg string, fields map[string]any)

var (
	ErrPoolStarted = errors.New("coordinator: pool already started")
	ErrPoolStopped = errors.New("coordinator: pool stopped")
)

type taskItem struct {
	name string
	fn   Task
}

// Stats reports the pool's current stage counters.
type Stats struct {
	Running   int    `json:"running"`
	Queued    int    `json:"queued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// Pool runs a small, fixed number of named stages concurrently. Unlike a
// general worker pool, CoverNode stages are long-lived: concurrency is set
// to the number of stages so every Submit call gets its own goroutine
// immediately rather than queueing behind another stage.
type Pool struct {
	concurrency int
	queueSize   int
	logger      LoggerFn

	started atomic.Bool
	stopped atomic.Bool

	qch chan taskItem

	wg sync.WaitGroup

	cancelOnce sync.Once
	cancelFn   context.CancelFunc

	running   atomic.Int32
	queued    atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64

	stopMu sync.Mutex
}

// NewPool creates a pool with room for concurrency concurrent stages.
func NewPool(concurrency int, logger LoggerFn) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = func(string, string, map[string]any) {}
	}
	return &Pool{
		concurrency: concurrency,
		queueSize:   concurrency,
		logger:      logger,
		qch:         make(chan taskItem, concurrency),
	}
}

// Start launches the pool's worker goroutines.
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrPoolStarted
	}
	if p.stopped.Load() {
		return ErrPoolStopped
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	p.cancelFn = cancel

	p.logger("info", "pool_start", map[string]any{
		"event":       "pool_start",
		"concurrency": p.concurrency,
	})

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(workerCtx, i)
	}

	_ = ctx
	return nil
}

// Submit enqueues a named stage, respecting ctx cancellation.
func (p *Pool) Submit(ctx context.Context, name string, t Task) error {
	if t == nil {
		p.rejected.Add(1)
		return errors.New("coordinator: stage is nil")
	}
	if !p.started.Load() {
		p.rejected.Add(1)
		return errors.New("coordinator: pool not started")
	}
	if p.stopped.Load() {
		p.rejected.Add(1)
		return ErrPoolStopped
	}

	item := taskItem{name: name, fn: t}
	select {
	case p.qch <- item:
		p.queued.Add(1)
		p.logger("info", "stage_enqueued", map[string]any{"event": "stage_enqueued", "name": name})
		return nil
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}
}

// Stop cancels all running stages and waits for them to exit.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()

	if !p.started.Load() {
		return ErrPoolStopped
	}
	if !p.stopped.CompareAndSwap(false, true) {
		return ErrPoolStopped
	}

	p.logger("info", "pool_stop", map[string]any{"event": "pool_stop"})

	p.cancelOnce.Do(func() {
		if p.cancelFn != nil {
			p.cancelFn()
		}
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Running:   int(p.running.Load()),
		Queued:    int(p.queued.Load()),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

func (p *Pool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.qch:
			p.queued.Add(-1)
			p.running.Add(1)

			start := time.Now()
			p.logger("info", "stage_start", map[string]any{
				"event":     "stage_start",
				"worker_id": workerID,
				"name":      item.name,
			})

			err := item.fn(ctx)
			dur := time.Since(start).Milliseconds()

			if err != nil && !errors.Is(err, context.Canceled) {
				p.failed.Add(1)
				p.logger("error", "stage_error", map[string]any{
					"event":       "stage_error",
					"worker_id":   workerID,
					"name":        item.name,
					"duration_ms": dur,
					"error":       err.Error(),
				})
			} else {
				p.completed.Add(1)
				p.logger("info", "stage_ok", map[string]any{
					"event":       "stage_ok",
					"worker_id":   workerID,
					"name":        item.name,
					"duration_ms": dur,
				})
			}

			p.running.Add(-1)
		}
	}
}
