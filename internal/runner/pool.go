package runner

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	ilogger "github.com/leninalive/paratest/internal/logger"
)

// PoolOptions sizes the pool and sets the shared identity exported to every
// worker subprocess. An empty UniqueToken gets a fresh one per run.
type PoolOptions struct {
	Size        int
	WorkerPath  string
	WorkerArgs  []string
	UniqueToken string
	RunnerID    string
}

// Pool owns the fixed worker set for one run. Workers carry numeric tokens
// 1..N and share the run token; nothing outside the pool ever holds a
// worker.
type Pool struct {
	workers []*Worker
	opts    PoolOptions
}

// NewPool builds an unstarted pool of opts.Size workers.
func NewPool(opts PoolOptions) *Pool {
	if opts.Size < 1 {
		opts.Size = 1
	}
	if opts.UniqueToken == "" {
		opts.UniqueToken = uuid.NewString()
	}
	p := &Pool{opts: opts}
	for i := 0; i < opts.Size; i++ {
		p.workers = append(p.workers, NewWorker(i+1))
	}
	return p
}

// Start spawns every worker subprocess. A failure stops the workers that
// did start and surfaces the first error.
func (p *Pool) Start() error {
	for _, w := range p.workers {
		err := w.Start(StartOptions{
			Path:        p.opts.WorkerPath,
			Args:        p.opts.WorkerArgs,
			Token:       w.ID(),
			UniqueToken: p.opts.UniqueToken,
			RunnerID:    p.opts.RunnerID,
		})
		if err != nil {
			if serr := p.Stop(); serr != nil {
				ilogger.LogWarn(fmt.Sprintf("Stopping partially started pool: %v", serr))
			}
			return err
		}
	}
	ilogger.LogInfo(fmt.Sprintf("Pool started %d worker(s), run token %s", len(p.workers), p.opts.UniqueToken))
	return nil
}

// Workers exposes the pool's workers for the dispatch loop.
func (p *Pool) Workers() []*Worker { return p.workers }

// Size returns the configured parallelism.
func (p *Pool) Size() int { return len(p.workers) }

// UniqueToken returns the shared per-run token.
func (p *Pool) UniqueToken() string { return p.opts.UniqueToken }

// Stop asks every worker to exit. Errors are joined; a worker that already
// stopped contributes nothing.
func (p *Pool) Stop() error {
	var errs []error
	for _, w := range p.workers {
		if err := w.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Join waits up to timeout for the stopped subprocesses to exit. Shutdown
// stays cooperative: stragglers are logged and left to the surrounding
// process supervision, never killed here.
func (p *Pool) Join(timeout time.Duration) {
	deadline := time.After(timeout)
	timedOut := false
	for _, w := range p.workers {
		if w.done == nil {
			continue
		}
		if !timedOut {
			select {
			case <-w.done:
				continue
			case <-deadline:
				timedOut = true
			}
		}
		select {
		case <-w.done:
		default:
			ilogger.LogWarn(fmt.Sprintf("Worker %d did not exit within %s", w.ID(), timeout))
		}
	}
}
