package task

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/paracooba/internal/path"
)

var (
	// ErrUnknownHandle is returned for handles that were never issued or
	// whose task has been removed.
	ErrUnknownHandle = errors.New("task: unknown handle")

	// ErrDuplicatePath is returned when a path already has a live task.
	ErrDuplicatePath = errors.New("task: path already scheduled")

	// ErrPathMismatch is returned when a child path does not descend from
	// its parent.
	ErrPathMismatch = errors.New("task: child path does not match parent")

	// ErrNotOffloaded is returned when an offload operation targets a task
	// that is not offloaded.
	ErrNotOffloaded = errors.New("task: task is not offloaded")
)

// Handle is a stable reference to a task slot. The zero value is Nil.
// A handle carries the slot generation, so a handle to a removed task never
// aliases a newer task reusing the slot.
type Handle uint64

// Nil refers to no task.
const Nil Handle = 0

func makeHandle(idx, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(idx+1))
}

func (h Handle) index() uint32      { return uint32(h) - 1 }
func (h Handle) generation() uint32 { return uint32(h >> 32) }

type slot struct {
	task     Task
	readySeq uint64
	refs     int
	gen      uint32
	used     bool
}

// Stats is a snapshot of store counters.
type Stats struct {
	Created   uint64
	Finished  uint64
	Removed   uint64
	Live      int
	Ready     int
	Working   int
	Waiting   int
	Offloaded int
}

// Store owns every live task of one formula. Tasks live in an arena and
// reference each other by Handle.
//
// Two locks are used. The assess lock serializes whole bottom-up folds so
// two completions never interleave partial parent updates. The container
// lock guards slots, queues and sets and is only held briefly.
//
// A task stays in its slot while it is referenced by the slot itself (until
// Done), by each child that has not reported yet, and by each offload
// record. It is removed exactly once when all references are gone.
type Store struct {
	logger logrus.FieldLogger

	byPath    map[path.Path]Handle
	working   map[Handle]struct{}
	waiting   map[Handle]struct{}
	offloaded map[int64]map[Handle]struct{}
	onDone    []func(Handle, Task)

	slots []slot
	free  []uint32
	ready readyQueue
	seq   uint64
	stats Stats

	assessMu sync.Mutex
	mu       sync.Mutex
}

// NewStore creates an empty store.
func NewStore(logger logrus.FieldLogger) *Store {
	return &Store{
		logger:    logger,
		byPath:    make(map[path.Path]Handle),
		working:   make(map[Handle]struct{}),
		waiting:   make(map[Handle]struct{}),
		offloaded: make(map[int64]map[Handle]struct{}),
	}
}

// OnDone registers fn to run whenever a task becomes Done. Hooks run while
// the assess lock is held and must not call Complete, CompleteOffloaded or
// Assess.
func (s *Store) OnDone(fn func(Handle, Task)) {
	s.mu.Lock()
	s.onDone = append(s.onDone, fn)
	s.mu.Unlock()
}

func (s *Store) lookup(h Handle) *slot {
	if h == Nil {
		return nil
	}
	idx := h.index()
	if int(idx) >= len(s.slots) {
		return nil
	}
	sl := &s.slots[idx]
	if !sl.used || sl.gen != h.generation() {
		return nil
	}
	return sl
}

// NewTask creates a task for p and queues it as ready work. A non-nil parent
// is linked so the child's result folds into it.
//
// Parameters:
//   - parent: Handle of the parent task or Nil for a root/remote task
//   - p: Path of the new task, must be a child of the parent's path
//   - originator: Node id that owns the formula
//   - kind: Behavior of the task
//
// Returns:
//   - Handle: Reference to the created task
//   - error: ErrDuplicatePath, ErrUnknownHandle, ErrPathMismatch or
//     path.ErrInvalidPath
func (s *Store) NewTask(parent Handle, p path.Path, originator int64, kind Kind) (Handle, error) {
	if !p.Valid() {
		return Nil, fmt.Errorf("%w: %s", path.ErrInvalidPath, p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byPath[p]; exists {
		return Nil, fmt.Errorf("%w: %q", ErrDuplicatePath, p)
	}

	var ps *slot
	if parent != Nil {
		ps = s.lookup(parent)
		if ps == nil {
			return Nil, fmt.Errorf("%w: parent %d", ErrUnknownHandle, parent)
		}
		if p.IsRoot() || ps.task.Path != p.Parent() {
			return Nil, fmt.Errorf("%w: %q under %q", ErrPathMismatch, p, ps.task.Path)
		}
	}

	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		s.slots = append(s.slots, slot{})
		idx = uint32(len(s.slots) - 1)
	}
	sl := &s.slots[idx]
	h := makeHandle(idx, sl.gen)
	sl.used = true
	sl.refs = 1
	sl.task = Task{
		Kind:       kind,
		Path:       p,
		Originator: originator,
		Parent:     parent,
		State:      WorkAvailable,
	}

	if ps != nil {
		// The slot append above may have moved the array.
		ps = s.lookup(parent)
		if p.IsLeft() {
			ps.task.Left = h
		} else {
			ps.task.Right = h
		}
		ps.refs++
	}

	s.byPath[p] = h
	s.pushReadyLocked(h, sl)
	s.stats.Created++
	return h, nil
}

func (s *Store) pushReadyLocked(h Handle, sl *slot) {
	s.seq++
	sl.readySeq = s.seq
	s.ready.push(readyItem{handle: h, depth: sl.task.Path.Depth(), seq: s.seq})
}

func (s *Store) popReadyLocked() (Handle, *slot, bool) {
	for {
		it, ok := s.ready.pop()
		if !ok {
			return Nil, nil, false
		}
		sl := s.lookup(it.handle)
		if sl == nil || sl.readySeq != it.seq || !sl.task.State.Has(WorkAvailable) {
			continue
		}
		sl.readySeq = 0
		return it.handle, sl, true
	}
}

// Get returns a copy of the task behind h.
func (s *Store) Get(h Handle) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.lookup(h)
	if sl == nil {
		return Task{}, false
	}
	return sl.task, true
}

// Find returns the live task scheduled for p.
func (s *Store) Find(p path.Path) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byPath[p]
	return h, ok
}

// PopWork takes the shallowest ready task and marks it Working.
func (s *Store) PopWork() (Handle, Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, sl, ok := s.popReadyLocked()
	if !ok {
		return Nil, Task{}, false
	}
	sl.task.State = (sl.task.State &^ WorkAvailable) | Working
	s.working[h] = struct{}{}
	return h, sl.task, true
}

// PopOffload takes the shallowest ready task and marks it Offloaded to
// target. The offload record holds a reference until CompleteOffloaded or
// ReclaimOffloaded.
func (s *Store) PopOffload(target int64) (Handle, Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, sl, ok := s.popReadyLocked()
	if !ok {
		return Nil, Task{}, false
	}
	sl.task.State = (sl.task.State &^ WorkAvailable) | Offloaded
	sl.task.Offload = target
	sl.refs++
	set := s.offloaded[target]
	if set == nil {
		set = make(map[Handle]struct{})
		s.offloaded[target] = set
	}
	set[h] = struct{}{}
	return h, sl.task, true
}

func (s *Store) dropOffloadLocked(h Handle, sl *slot) error {
	if !sl.task.State.Has(Offloaded) {
		return fmt.Errorf("%w: %q", ErrNotOffloaded, sl.task.Path)
	}
	target := sl.task.Offload
	if set := s.offloaded[target]; set != nil {
		delete(set, h)
		if len(set) == 0 {
			delete(s.offloaded, target)
		}
	}
	sl.task.State &^= Offloaded
	sl.task.Offload = 0
	sl.refs--
	return nil
}

// ReclaimOffloaded puts an offloaded task back into the local ready queue.
func (s *Store) ReclaimOffloaded(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.lookup(h)
	if sl == nil {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	if err := s.dropOffloadLocked(h, sl); err != nil {
		return err
	}
	sl.task.State |= WorkAvailable
	s.pushReadyLocked(h, sl)
	return nil
}

// CompleteOffloaded records the result a remote node reported for h and
// folds it upwards.
func (s *Store) CompleteOffloaded(h Handle, r Result) error {
	s.assessMu.Lock()
	defer s.assessMu.Unlock()

	s.mu.Lock()
	sl := s.lookup(h)
	if sl == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	if err := s.dropOffloadLocked(h, sl); err != nil {
		s.mu.Unlock()
		return err
	}
	sl.task.Result = r
	if r == Failed {
		sl.task.State |= Error
	}
	s.mu.Unlock()

	s.assessLocked(h)
	return nil
}

// OffloadedTo lists the tasks currently offloaded to node.
func (s *Store) OffloadedTo(node int64) []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, 0, len(s.offloaded[node]))
	for h := range s.offloaded[node] {
		out = append(out, h)
	}
	return out
}

// ResolveChild records the result of a child that never became a task,
// e.g. a cube refuted by propagation before scheduling.
func (s *Store) ResolveChild(parent Handle, child path.Path, r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.lookup(parent)
	if ps == nil {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, parent)
	}
	if ps.task.Path != child.Parent() || child.IsRoot() {
		return fmt.Errorf("%w: %q under %q", ErrPathMismatch, child, ps.task.Path)
	}
	if child.IsLeft() {
		ps.task.LeftResult = r
	} else {
		ps.task.RightResult = r
	}
	return nil
}

// Complete records the outcome of a Work call and folds it upwards.
func (s *Store) Complete(h Handle, out Outcome) error {
	s.assessMu.Lock()
	defer s.assessMu.Unlock()

	s.mu.Lock()
	sl := s.lookup(h)
	if sl == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	delete(s.working, h)
	sl.task.State &^= Working | WorkAvailable
	if out.Split {
		sl.task.State |= Splitted | WaitingForSplits
		s.waiting[h] = struct{}{}
	} else {
		sl.task.Result = out.Result
		if out.Result == Failed {
			sl.task.State |= Error
		}
	}
	s.mu.Unlock()

	s.assessLocked(h)
	return nil
}

// Assess recomputes the state of h and, if it became Done, folds it into
// its ancestors.
func (s *Store) Assess(h Handle) {
	s.assessMu.Lock()
	defer s.assessMu.Unlock()
	s.assessLocked(h)
}

// assessLocked walks from h towards the root while tasks keep becoming
// Done. The assess lock must be held.
func (s *Store) assessLocked(h Handle) {
	for h != Nil {
		s.mu.Lock()
		sl := s.lookup(h)
		if sl == nil {
			s.mu.Unlock()
			return
		}
		t := sl.task
		s.mu.Unlock()

		if t.Path.IsUnknown() {
			panic(fmt.Sprintf("task: assess called for task %d with the unknown path", h))
		}

		var st State
		var res Result
		if t.Kind != nil {
			st, res = t.Kind.Assess(t)
		} else {
			st, res = DefaultAssess(t)
		}

		s.mu.Lock()
		sl = s.lookup(h)
		wasDone := sl.task.State.Has(Done)
		sl.task.State, sl.task.Result = st, res
		if wasDone || !st.Has(Done) {
			s.mu.Unlock()
			return
		}
		delete(s.waiting, h)
		s.stats.Finished++
		snapshot := sl.task
		hooks := s.onDone
		var orphans []Kind
		if res == SAT {
			orphans = s.liveSubtreeKindsLocked(sl)
		}
		s.mu.Unlock()

		for _, fn := range hooks {
			fn(h, snapshot)
		}
		for _, k := range orphans {
			k.Terminate()
		}

		s.mu.Lock()
		next := s.detachLocked(h, snapshot)
		s.mu.Unlock()
		h = next
	}
}

// liveSubtreeKindsLocked collects the kinds of every unfinished task below
// sl, grandchildren included.
func (s *Store) liveSubtreeKindsLocked(sl *slot) []Kind {
	var kinds []Kind
	pending := []Handle{sl.task.Left, sl.task.Right}
	for len(pending) > 0 {
		h := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		cs := s.lookup(h)
		if cs == nil || cs.task.State.Has(Done) {
			continue
		}
		if cs.task.Kind != nil {
			kinds = append(kinds, cs.task.Kind)
		}
		pending = append(pending, cs.task.Left, cs.task.Right)
	}
	return kinds
}

// detachLocked hands the result of a Done task to its parent, drops the
// slot reference and returns the parent if it needs assessing.
func (s *Store) detachLocked(h Handle, t Task) Handle {
	sl := s.lookup(h)
	next := Nil
	if parent := t.Parent; parent != Nil {
		ps := s.lookup(parent)
		switch {
		case ps == nil:
			s.logger.WithField("path", t.Path.String()).Warn("parent of finished task already gone")
		case ps.task.Path != t.Path.Parent() || (ps.task.Left != h && ps.task.Right != h):
			s.logger.WithFields(logrus.Fields{
				"path":   t.Path.String(),
				"parent": ps.task.Path.String(),
			}).Error("parent and child paths do not match, not folding result")
			if ps.task.Left == h {
				ps.task.Left = Nil
			} else if ps.task.Right == h {
				ps.task.Right = Nil
			}
			ps.refs--
			s.releaseLocked(parent)
		default:
			if ps.task.Left == h {
				ps.task.LeftResult = t.Result
				ps.task.Left = Nil
			} else {
				ps.task.RightResult = t.Result
				ps.task.Right = Nil
			}
			ps.refs--
			if ps.task.State.Has(Done) {
				s.releaseLocked(parent)
			} else {
				next = parent
			}
		}
		sl.task.Parent = Nil
	}
	sl.refs--
	s.releaseLocked(h)
	return next
}

// releaseLocked removes the task if it is Done and unreferenced.
func (s *Store) releaseLocked(h Handle) bool {
	sl := s.lookup(h)
	if sl == nil || sl.refs > 0 || !sl.task.State.Has(Done) {
		return false
	}
	if s.byPath[sl.task.Path] == h {
		delete(s.byPath, sl.task.Path)
	}
	delete(s.working, h)
	delete(s.waiting, h)
	sl.task = Task{}
	sl.used = false
	sl.readySeq = 0
	sl.gen++
	s.free = append(s.free, h.index())
	s.stats.Removed++
	return true
}

// Terminate asks the running kind of h to stop.
func (s *Store) Terminate(h Handle) {
	s.mu.Lock()
	sl := s.lookup(h)
	var k Kind
	if sl != nil && sl.task.State.Has(Working) {
		k = sl.task.Kind
	}
	s.mu.Unlock()
	if k != nil {
		k.Terminate()
	}
}

// TerminateAll asks every working task to stop.
func (s *Store) TerminateAll() {
	s.mu.Lock()
	kinds := make([]Kind, 0, len(s.working))
	for h := range s.working {
		if sl := s.lookup(h); sl != nil && sl.task.Kind != nil {
			kinds = append(kinds, sl.task.Kind)
		}
	}
	s.mu.Unlock()
	for _, k := range kinds {
		k.Terminate()
	}
}

// ReadySize is the number of tasks waiting for a worker.
func (s *Store) ReadySize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.ready {
		if sl := s.lookup(it.handle); sl != nil && sl.readySeq == it.seq {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Live = len(s.slots) - len(s.free)
	st.Working = len(s.working)
	st.Waiting = len(s.waiting)
	for _, set := range s.offloaded {
		st.Offloaded += len(set)
	}
	for _, it := range s.ready {
		if sl := s.lookup(it.handle); sl != nil && sl.readySeq == it.seq {
			st.Ready++
		}
	}
	return st
}
