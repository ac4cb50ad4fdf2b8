package task

import (
	"context"
	"fmt"
	"strings"

	"github.com/dreamware/paracooba/internal/path"
)

// State is a bitmask describing where a task is in its lifecycle. Bits are
// independently settable; Done marks every terminal condition.
type State uint8

const (
	New              State = 0
	Splitted         State = 1
	WorkAvailable    State = 2
	Working          State = 4
	WaitingForSplits State = 8
	Done             State = 16
	SplitsDone       State = 32
	Offloaded        State = 64
	Error            State = 128
)

// Has reports whether all bits of f are set in s.
func (s State) Has(f State) bool { return f != 0 && s&f == f }

func (s State) String() string {
	if s == New {
		return "new"
	}
	names := []struct {
		bit  State
		name string
	}{
		{Splitted, "splitted"},
		{WorkAvailable, "work-available"},
		{Working, "working"},
		{WaitingForSplits, "waiting-for-splits"},
		{Done, "done"},
		{SplitsDone, "splits-done"},
		{Offloaded, "offloaded"},
		{Error, "error"},
	}
	var parts []string
	for _, n := range names {
		if s.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Result is the solving outcome of a task.
type Result uint8

const (
	// Unknown means no result has been produced yet.
	Unknown Result = iota
	SAT
	UNSAT
	// Unsolved means the engine stopped without an answer.
	Unsolved
	// Failed carries an engine or parse failure.
	Failed
)

func (r Result) String() string {
	switch r {
	case Unknown:
		return "unknown"
	case SAT:
		return "sat"
	case UNSAT:
		return "unsat"
	case Unsolved:
		return "unsolved"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

// Outcome is what a Kind reports after Work returns. Either Split is set
// (children were requested and the task now waits for them) or Result is
// terminal.
type Outcome struct {
	Result Result
	Split  bool
}

// Kind is the behavior of a task.
type Kind interface {
	// Work runs the task on a worker. It must return promptly once
	// Terminate was called or ctx is done.
	Work(ctx context.Context, h Handle) Outcome

	// Assess derives the next state and result from the current snapshot.
	Assess(t Task) (State, Result)

	// Terminate asks a running Work call to stop. It must be safe to call
	// from any goroutine, any number of times.
	Terminate()
}

// Task is a copy of the bookkeeping of one scheduled sub-problem.
type Task struct {
	Kind        Kind
	Path        path.Path
	Originator  int64
	Offload     int64
	Parent      Handle
	Left        Handle
	Right       Handle
	State       State
	Result      Result
	LeftResult  Result
	RightResult Result
}

// DefaultAssess is the fold shared by every kind:
//   - a task waiting for splits becomes SAT as soon as one child is SAT,
//     UNSAT once both are UNSAT, and otherwise resolves once both children
//     reported (Failed if one failed, Unsolved else)
//   - an errored task is Done with Failed
//   - a task that is neither working nor offloaded and holds a result is
//     Done
func DefaultAssess(t Task) (State, Result) {
	s, r := t.State, t.Result
	switch {
	case s.Has(Done):
	case s.Has(Error):
		s |= Done
		r = Failed
	case s.Has(WaitingForSplits):
		l, rr := t.LeftResult, t.RightResult
		switch {
		case l == SAT || rr == SAT:
			r = SAT
		case l == Unknown || rr == Unknown:
			return s, r
		case l == UNSAT && rr == UNSAT:
			r = UNSAT
		case l == Failed || rr == Failed:
			r = Failed
		default:
			r = Unsolved
		}
		s = (s | SplitsDone | Done) &^ WaitingForSplits
	case s&(Working|Offloaded) == 0 && r != Unknown:
		s |= Done
	}
	return s, r
}

// DefaultAssessor can be embedded by kinds that use DefaultAssess.
type DefaultAssessor struct{}

// Assess implements Kind.
func (DefaultAssessor) Assess(t Task) (State, Result) { return DefaultAssess(t) }
