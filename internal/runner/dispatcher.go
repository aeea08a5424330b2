package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/leninalive/paratest/internal/batch"
	ilogger "github.com/leninalive/paratest/internal/logger"
)

// Result describes one completed batch assignment.
type Result struct {
	Worker   int
	Batch    *batch.Batch
	Duration time.Duration
}

// Feedback is called once per completed assignment, after the worker
// confirmed every command of the batch and before it takes new work.
type Feedback func(Result)

// DispatchOptions tunes the polling dispatch loop.
type DispatchOptions struct {
	PollInterval time.Duration
	StopTimeout  time.Duration
}

// Dispatcher drives one run from a single goroutine: it polls the pool for
// free workers, pops batches off the single pending queue, and fires
// feedback hooks as assignments complete. No batch is ever handed to two
// workers.
type Dispatcher struct {
	pool    *Pool
	builder Builder
	opts    DispatchOptions

	hooks   []Feedback
	started map[int]time.Time
}

// NewDispatcher wires a dispatcher to a started pool.
func NewDispatcher(pool *Pool, builder Builder, opts DispatchOptions) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	return &Dispatcher{
		pool:    pool,
		builder: builder,
		opts:    opts,
		started: make(map[int]time.Time),
	}
}

// OnComplete registers a feedback hook. Hooks run in registration order on
// the dispatch goroutine.
func (d *Dispatcher) OnComplete(fn Feedback) {
	if fn != nil {
		d.hooks = append(d.hooks, fn)
	}
}

// Run dispatches the batches in order until all complete, a worker
// crashes, or ctx is canceled. On crash it returns the *CrashError; the
// undispatched remainder is failed, never retried. The pool is always
// stopped cooperatively before Run returns.
func (d *Dispatcher) Run(ctx context.Context, batches []batch.Batch) error {
	next := 0
	for {
		if err := ctx.Err(); err != nil {
			d.shutdown()
			return err
		}

		progressed := false
		busy := 0
		for _, w := range d.pool.Workers() {
			if w.IsCrashed() {
				crash := w.CrashReport()
				ilogger.LogError(fmt.Sprintf("Worker %d crashed (exit %d), aborting run", crash.Worker, crash.ExitCode))
				d.shutdown()
				return crash
			}
			if !w.IsFree() {
				busy++
				continue
			}
			if b := w.Assigned(); b != nil {
				d.complete(w, b)
				progressed = true
			}
			if next < len(batches) {
				bt := &batches[next]
				if err := w.Assign(bt, d.builder); err != nil {
					d.shutdown()
					return err
				}
				d.started[w.ID()] = time.Now()
				next++
				busy++
				progressed = true
			}
		}

		if next >= len(batches) && busy == 0 {
			break
		}
		if progressed {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(d.opts.PollInterval):
		}
	}

	d.shutdown()
	return nil
}

func (d *Dispatcher) complete(w *Worker, b *batch.Batch) {
	res := Result{Worker: w.ID(), Batch: b, Duration: time.Since(d.started[w.ID()])}
	delete(d.started, w.ID())
	w.Reset()
	for _, fn := range d.hooks {
		fn(res)
	}
}

func (d *Dispatcher) shutdown() {
	if err := d.pool.Stop(); err != nil {
		ilogger.LogWarn(fmt.Sprintf("Stopping pool: %v", err))
	}
	d.pool.Join(d.opts.StopTimeout)
}
