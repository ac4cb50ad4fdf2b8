// Package factory queues lightweight descriptors of pending sub-problems,
// materializes them into tasks on demand and keeps track of work that was
// handed to other nodes.
package factory

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dreamware/paracooba/internal/cnftree"
	"github.com/dreamware/paracooba/internal/path"
	"github.com/dreamware/paracooba/internal/task"
)

// Mode selects what a produced task does.
type Mode uint8

const (
	// CubeOrSolve decides whether to split further before solving.
	CubeOrSolve Mode = iota
	// Solve solves the cube directly.
	Solve
)

func (m Mode) String() string {
	if m == Solve {
		return "solve"
	}
	return "cube-or-solve"
}

// Skeleton describes a pending sub-problem.
type Skeleton struct {
	Cube       []int
	Path       path.Path
	Originator int64
	Parent     task.Handle
	Mode       Mode
	seq        uint64
}

// Producer builds the behavior for a skeleton being materialized.
type Producer func(sk Skeleton) task.Kind

type skeletonHeap []Skeleton

func (h skeletonHeap) Len() int { return len(h) }
func (h skeletonHeap) Less(i, j int) bool {
	if h[i].Path.Depth() != h[j].Path.Depth() {
		return h[i].Path.Depth() < h[j].Path.Depth()
	}
	return h[i].seq < h[j].seq
}
func (h skeletonHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *skeletonHeap) Push(x any)   { *h = append(*h, x.(Skeleton)) }
func (h *skeletonHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

type externalRecord struct {
	originator int64
}

// Factory turns skeletons into tasks of one formula.
type Factory struct {
	logger   logrus.FieldLogger
	store    *task.Store
	tree     *cnftree.Tree
	produce  Producer
	external map[int64]map[path.Path]externalRecord
	queue    skeletonHeap
	seq      uint64
	mu       sync.Mutex
}

// New creates a factory feeding store and tree.
func New(logger logrus.FieldLogger, store *task.Store, tree *cnftree.Tree, produce Producer) *Factory {
	return &Factory{
		logger:   logger,
		store:    store,
		tree:     tree,
		produce:  produce,
		external: make(map[int64]map[path.Path]externalRecord),
	}
}

// AddPath queues a skeleton. Shallower paths are produced first.
//
// Parameters:
//   - p: Position of the sub-problem
//   - mode: CubeOrSolve or Solve
//   - originator: Node that owns the formula
//   - parent: Task the result folds into, task.Nil for roots and remote work
//   - cube: Literals to assume, nil to derive them from the path
func (f *Factory) AddPath(p path.Path, mode Mode, originator int64, parent task.Handle, cube []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	heap.Push(&f.queue, Skeleton{
		Path:       p,
		Mode:       mode,
		Originator: originator,
		Parent:     parent,
		Cube:       slices.Clone(cube),
		seq:        f.seq,
	})
}

// Size is the number of queued skeletons.
func (f *Factory) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue.Len()
}

func (f *Factory) pop() (Skeleton, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queue.Len() == 0 {
		return Skeleton{}, false
	}
	return heap.Pop(&f.queue).(Skeleton), true
}

// ProduceTask materializes the highest priority skeleton into the store,
// where it becomes ready work. Skeletons below an already resolved position
// are dropped; their parent is told the branch is moot.
//
// Returns:
//   - task.Handle: The new task
//   - bool: false if no skeleton could be produced
func (f *Factory) ProduceTask() (task.Handle, bool) {
	for {
		sk, ok := f.pop()
		if !ok {
			return task.Nil, false
		}
		if f.tree.Resolved(sk.Path) {
			f.abandon(sk)
			continue
		}
		h, err := f.store.NewTask(sk.Parent, sk.Path, sk.Originator, f.produce(sk))
		if err != nil {
			f.logger.WithError(err).WithField("path", sk.Path.String()).Warn("dropping skeleton")
			continue
		}
		if err := f.tree.SetState(sk.Path, cnftree.Working); err != nil {
			f.logger.WithError(err).Warn("could not mark path working")
		}
		return h, true
	}
}

func (f *Factory) abandon(sk Skeleton) {
	if sk.Parent == task.Nil {
		return
	}
	if err := f.store.ResolveChild(sk.Parent, sk.Path, task.Unsolved); err != nil {
		return
	}
	f.store.Assess(sk.Parent)
}

// ProduceOffload hands the shallowest pending work to target: a ready task
// if one exists, otherwise a freshly produced one. The task is marked
// offloaded, recorded as externally processed and its tree position is
// assigned to target.
func (f *Factory) ProduceOffload(target int64) (task.Handle, task.Task, bool) {
	h, t, ok := f.store.PopOffload(target)
	if !ok {
		if _, produced := f.ProduceTask(); !produced {
			return task.Nil, task.Task{}, false
		}
		h, t, ok = f.store.PopOffload(target)
		if !ok {
			return task.Nil, task.Task{}, false
		}
	}
	f.AddExternallyProcessingTask(t.Originator, t.Path, target)
	if err := f.tree.SetOffloadTarget(t.Path, target); err != nil {
		f.logger.WithError(err).Warn("could not record offload target")
	}
	return h, t, true
}

// AddExternallyProcessingTask records that p was shipped to node.
func (f *Factory) AddExternallyProcessingTask(originator int64, p path.Path, node int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.external[node]
	if set == nil {
		set = make(map[path.Path]externalRecord)
		f.external[node] = set
	}
	set[p] = externalRecord{originator: originator}
}

// RemoveExternallyProcessedTask clears the record of p on node. With reset
// the tree position is reset and the work is queued locally again.
//
// Returns:
//   - bool: whether a record existed
func (f *Factory) RemoveExternallyProcessedTask(p path.Path, node int64, reset bool) bool {
	f.mu.Lock()
	rec, ok := f.external[node][p]
	if ok {
		delete(f.external[node], p)
		if len(f.external[node]) == 0 {
			delete(f.external, node)
		}
	}
	f.mu.Unlock()

	if ok && reset {
		f.readd(p, rec)
	}
	return ok
}

// ExternalCount is the number of paths recorded for node.
func (f *Factory) ExternalCount(node int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.external[node])
}

// ExternalPaths lists the paths recorded for node in priority order.
func (f *Factory) ExternalPaths(node int64) []path.Path {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]path.Path, 0, len(f.external[node]))
	for p := range f.external[node] {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b path.Path) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
	return out
}

// ReaddExternalTasks moves every path recorded for node back to local
// work: the records are taken atomically, tree positions are reset to
// Unvisited and the tasks re-enter the ready queue. Paths already resolved
// are completed as moot instead. Calling it again for the same node is a
// no-op.
//
// Returns:
//   - int: Number of paths queued locally again
func (f *Factory) ReaddExternalTasks(node int64) int {
	f.mu.Lock()
	records := f.external[node]
	delete(f.external, node)
	f.mu.Unlock()

	n := 0
	for p, rec := range records {
		if f.readd(p, rec) {
			n++
		}
	}
	if n > 0 {
		f.logger.WithFields(logrus.Fields{"node": node, "paths": n}).Info("re-added work of lost node")
	}
	return n
}

// readd reclaims p. It reports whether p became local work again.
func (f *Factory) readd(p path.Path, rec externalRecord) bool {
	h, found := f.store.Find(p)
	if f.tree.Resolved(p) {
		if found {
			if err := f.store.CompleteOffloaded(h, task.Unsolved); err != nil && !errors.Is(err, task.ErrNotOffloaded) {
				f.logger.WithError(err).Warn("could not settle resolved offloaded task")
			}
		}
		return false
	}
	f.tree.Reset(p)
	if !found {
		f.AddPath(p, CubeOrSolve, rec.originator, task.Nil, nil)
		return true
	}
	if err := f.store.ReclaimOffloaded(h); err != nil {
		f.logger.WithError(err).WithField("path", p.String()).Warn("could not reclaim offloaded task")
		return false
	}
	return true
}
