package solving

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/paracooba/internal/engine"
	"github.com/dreamware/paracooba/internal/factory"
	"github.com/dreamware/paracooba/internal/path"
	"github.com/dreamware/paracooba/internal/task"
)

// cubed is implemented by kinds that know their assumptions.
type cubed interface {
	cube() []int
}

// run tracks the cancellation of one Work call.
type run struct {
	mu         sync.Mutex
	cancel     context.CancelFunc
	terminated bool
}

func (r *run) begin(ctx context.Context) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminated {
		return nil, false
	}
	ctx, r.cancel = context.WithCancel(ctx)
	return ctx, true
}

func (r *run) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// interrupt stops the current Work call without terminating the task.
func (r *run) interrupt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// Terminate implements task.Kind.
func (r *run) Terminate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminated = true
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *run) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated
}

// decisionTask asks the cuber whether its position should be split. It
// solves inline when it should not.
type decisionTask struct {
	task.DefaultAssessor
	run
	c  *Context
	sk factory.Skeleton
}

func (d *decisionTask) cube() []int { return d.sk.Cube }

func (d *decisionTask) Work(ctx context.Context, h task.Handle) task.Outcome {
	cube, err := d.c.cubeFor(d.sk)
	if err != nil {
		d.c.logger.WithError(err).WithField("path", d.sk.Path.String()).Error("no cube for path")
		return task.Outcome{Result: task.Failed}
	}
	if d.stopped() {
		return task.Outcome{Result: task.Unsolved}
	}
	dec := d.c.cuberRef().Decide(d.sk.Path, cube)
	switch {
	case dec.Refuted:
		return task.Outcome{Result: task.UNSAT}
	case dec.Split:
		if out, ok := d.c.split(h, d.sk, cube, factory.CubeOrSolve); ok {
			return out
		}
	}
	return d.c.solve(ctx, h, d.sk, cube, &d.run)
}

// solveTask solves its cube directly.
type solveTask struct {
	task.DefaultAssessor
	run
	c  *Context
	sk factory.Skeleton
}

func (s *solveTask) cube() []int { return s.sk.Cube }

func (s *solveTask) Work(ctx context.Context, h task.Handle) task.Outcome {
	cube, err := s.c.cubeFor(s.sk)
	if err != nil {
		s.c.logger.WithError(err).WithField("path", s.sk.Path.String()).Error("no cube for path")
		return task.Outcome{Result: task.Failed}
	}
	return s.c.solve(ctx, h, s.sk, cube, &s.run)
}

func (c *Context) produce(sk factory.Skeleton) task.Kind {
	if sk.Mode == factory.Solve {
		return &solveTask{c: c, sk: sk}
	}
	return &decisionTask{c: c, sk: sk}
}

func (c *Context) cuberRef() *engine.Cuber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cuber
}

func (c *Context) cubeFor(sk factory.Skeleton) ([]int, error) {
	if sk.Cube != nil {
		return sk.Cube, nil
	}
	return c.cuberRef().Cube(sk.Path)
}

// split queues both children of sk's position. Children refuted by
// propagation alone are decided on the spot.
func (c *Context) split(h task.Handle, sk factory.Skeleton, cube []int, mode factory.Mode) (task.Outcome, bool) {
	cuber := c.cuberRef()
	leftCube, rightCube, ok := cuber.Children(sk.Path, cube)
	if !ok {
		return task.Outcome{}, false
	}
	left, err := sk.Path.Left()
	if err != nil {
		c.logger.WithError(err).WithField("path", sk.Path.String()).Warn("cannot split")
		return task.Outcome{Result: task.Failed}, true
	}
	right, _ := sk.Path.Right()

	for _, child := range []struct {
		p    path.Path
		cube []int
	}{
		{left, leftCube},
		{right, rightCube},
	} {
		if cuber.Refutes(child.cube) {
			c.setTree(child.p, task.UNSAT)
			if err := c.store.ResolveChild(h, child.p, task.UNSAT); err != nil {
				c.logger.WithError(err).Warn("could not record refuted child")
			}
			continue
		}
		c.factory.AddPath(child.p, mode, sk.Originator, h, child.cube)
	}
	return task.Outcome{Split: true}, true
}

// solve runs the engine on cube. A solve that outlives the auto-stop limit
// is interrupted and its position split in two.
func (c *Context) solve(ctx context.Context, h task.Handle, sk factory.Skeleton, cube []int, r *run) task.Outcome {
	runCtx, ok := r.begin(ctx)
	if !ok {
		return task.Outcome{Result: task.Unsolved}
	}
	defer r.end()

	var finished, resplit atomic.Bool
	if limit := c.autoStopLimit(sk.Path); limit > 0 {
		timer := time.AfterFunc(limit, func() {
			// Firing and stopping race; only act on a solve still running.
			if finished.Load() || r.stopped() || runCtx.Err() != nil {
				return
			}
			resplit.Store(true)
			r.interrupt()
		})
		defer timer.Stop()
	}

	start := time.Now()
	solver := c.formula.NewSolver()
	st := solver.Solve(runCtx, cube)
	finished.Store(true)
	elapsed := time.Since(start)

	switch st {
	case engine.Sat:
		c.recordSolve(elapsed)
		c.recordModel(solver.Model())
		return task.Outcome{Result: task.SAT}
	case engine.Unsat:
		c.recordSolve(elapsed)
		return task.Outcome{Result: task.UNSAT}
	}

	if resplit.Load() && !r.stopped() && ctx.Err() == nil {
		if out, ok := c.resplit(h, sk, cube); ok {
			return out
		}
	}
	return task.Outcome{Result: task.Unsolved}
}

// resplit splits an interrupted solve in two.
func (c *Context) resplit(h task.Handle, sk factory.Skeleton, cube []int) (task.Outcome, bool) {
	out, ok := c.split(h, sk, cube, factory.Solve)
	if ok {
		c.logger.WithField("path", sk.Path.String()).Debug("solve took too long, split")
	}
	return out, ok
}
