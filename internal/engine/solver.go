package engine

import (
	"context"
	"time"

	"github.com/go-air/gini"
	"github.com/go-air/gini/z"
)

// Status is a solving outcome. The values follow the usual SAT solver exit
// codes.
type Status int

const (
	Unknown Status = 0
	Sat     Status = 10
	Unsat   Status = 20
)

func (s Status) String() string {
	switch s {
	case Sat:
		return "SATISFIABLE"
	case Unsat:
		return "UNSATISFIABLE"
	default:
		return "UNKNOWN"
	}
}

func fromGini(res int) Status {
	switch res {
	case 1:
		return Sat
	case -1:
		return Unsat
	default:
		return Unknown
	}
}

// pollInterval bounds how long a cancelled solve keeps running.
const pollInterval = 5 * time.Millisecond

// Solver is a single-use solver for one sub-problem. It is not safe for
// concurrent use.
type Solver struct {
	g    *gini.Gini
	vars int
}

// assumptions converts a cube, skipping literals of variables the formula
// never mentions since they cannot constrain it.
func (s *Solver) assumptions(cube []int) []z.Lit {
	maxVar := int(s.g.MaxVar())
	lits := make([]z.Lit, 0, len(cube))
	for _, l := range cube {
		if l == 0 || l > maxVar || -l > maxVar {
			continue
		}
		lits = append(lits, z.Dimacs2Lit(l))
	}
	return lits
}

// Solve solves the formula under the assumed cube. It returns Unknown as
// soon as ctx is done.
func (s *Solver) Solve(ctx context.Context, cube []int) Status {
	if err := ctx.Err(); err != nil {
		return Unknown
	}
	s.g.Assume(s.assumptions(cube)...)
	run := s.g.GoSolve()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if res, done := run.Test(); done {
			return fromGini(res)
		}
		select {
		case <-ctx.Done():
			return fromGini(run.Stop())
		case <-ticker.C:
		}
	}
}

// Model returns the assignment found by the last satisfiable Solve as signed
// DIMACS literals for variables 1..Vars.
func (s *Solver) Model() []int {
	maxVar := int(s.g.MaxVar())
	model := make([]int, 0, s.vars)
	for v := 1; v <= s.vars; v++ {
		if v <= maxVar && s.g.Value(z.Var(v).Pos()) {
			model = append(model, v)
		} else {
			model = append(model, -v)
		}
	}
	return model
}

// Propagate runs unit propagation under the cube without solving.
//
// Returns:
//   - Status: Unsat if the cube is refuted by propagation, Unknown otherwise
//     (Sat if propagation alone assigned every variable)
//   - []int: Literals assigned by the cube and its implications
func (s *Solver) Propagate(cube []int) (Status, []int) {
	s.g.Assume(s.assumptions(cube)...)
	res, out := s.g.Test(make([]z.Lit, 0, s.vars))
	s.g.Untest()
	if res == -1 {
		return Unsat, nil
	}
	implied := make([]int, 0, len(out))
	for _, m := range out {
		implied = append(implied, m.Dimacs())
	}
	return fromGini(res), implied
}
