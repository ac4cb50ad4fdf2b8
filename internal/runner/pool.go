// Package runner executes tasks on a fixed pool of worker goroutines.
package runner

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Job is one unit of work taken from a Source.
type Job func(ctx context.Context)

// Source hands out jobs. It must not block.
type Source interface {
	Next() (Job, bool)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (Job, bool)

// Next implements Source.
func (f SourceFunc) Next() (Job, bool) { return f() }

// idlePoll bounds how long an idle worker sleeps without a wake-up.
const idlePoll = 20 * time.Millisecond

// Pool runs jobs from a Source on a fixed number of workers.
type Pool struct {
	logger  logrus.FieldLogger
	source  Source
	wake    chan struct{}
	workers int
	busy    atomic.Int32
}

// New creates a pool of workers goroutines.
func New(logger logrus.FieldLogger, workers int, source Source) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		logger:  logger,
		source:  source,
		wake:    make(chan struct{}, workers),
		workers: workers,
	}
}

// Wake tells an idle worker that new work may be available.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Busy is the number of workers currently running a job.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Workers is the pool size.
func (p *Pool) Workers() int { return p.workers }

// Run starts the workers and blocks until ctx is done and every running
// job has returned.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.work(ctx)
			return nil
		})
	}
	p.logger.WithField("workers", p.workers).Info("worker pool started")
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context) {
	timer := time.NewTimer(idlePoll)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		if job, ok := p.source.Next(); ok {
			p.busy.Add(1)
			job(ctx)
			p.busy.Add(-1)
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(idlePoll)
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-timer.C:
		}
	}
}
