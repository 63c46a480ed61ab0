// Package worker provides the bounded pool that runs task payloads.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

const DefaultSize = 4

var ErrPoolClosed = errors.New("worker pool is closed")

// Pool runs at most Size jobs at a time. Callers reserve a slot with Acquire
// and hand the job to Go, which releases the slot when the job returns.
type Pool struct {
	size   int
	slots  chan struct{}
	wg     conc.WaitGroup
	active atomic.Int64
	done   atomic.Int64
	closed atomic.Bool
	logger *slog.Logger
}

func NewPool(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		size:   size,
		slots:  make(chan struct{}, size),
		logger: logger.With("component", "worker_pool"),
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot that was acquired but never used.
func (p *Pool) Release() {
	<-p.slots
}

// Go runs job on a reserved slot. A panic in job is logged and swallowed so a
// single payload can never take down a worker.
func (p *Pool) Go(job func()) {
	p.active.Add(1)
	p.wg.Go(func() {
		defer func() {
			p.active.Add(-1)
			p.done.Add(1)
			<-p.slots
		}()

		var pc panics.Catcher
		pc.Try(job)
		if r := pc.Recovered(); r != nil {
			p.logger.Error("job panicked", "error", r.AsError())
		}
	})
}

// Run catches a panic in fn and converts it to an error.
func Run(fn func() error) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = fn() })
	if r := pc.Recovered(); r != nil {
		return fmt.Errorf("panic: %w", r.AsError())
	}

	return err
}

// Wait blocks until every started job has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close stops handing out new slots. Running jobs are unaffected.
func (p *Pool) Close() {
	p.closed.Store(true)
}

func (p *Pool) Size() int {
	return p.size
}

func (p *Pool) Active() int {
	return int(p.active.Load())
}

func (p *Pool) Completed() int64 {
	return p.done.Load()
}
