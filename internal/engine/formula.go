// Package engine adapts the gini SAT solver to cube-and-conquer solving:
// it parses DIMACS formulas once, hands out independent solver copies per
// sub-problem and derives cubes from a literal frequency ranking.
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/go-air/gini"
	"github.com/go-air/gini/dimacs"
	"github.com/go-air/gini/z"
)

var (
	// ErrMissingInput is returned for an empty formula.
	ErrMissingInput = errors.New("engine: missing input")

	// ErrParse is returned when the formula is not valid DIMACS.
	ErrParse = errors.New("engine: parse failed")
)

// Formula is a parsed CNF formula. It is immutable after Parse and safe for
// concurrent use.
type Formula struct {
	base        *gini.Gini
	raw         []byte
	lits        []z.Lit
	cubes       [][]int
	occurrences []int
	vars        int
	clauses     int
	baseMu      sync.Mutex
}

// cnfVisitor collects clauses from the DIMACS reader.
type cnfVisitor struct {
	f       *Formula
	pending int
}

func (v *cnfVisitor) Init(vars, clauses int) {
	if vars > 0 && vars < 1<<24 {
		v.f.occurrences = make([]int, vars+1)
	}
	if vars > v.f.vars {
		v.f.vars = vars
	}
}

func (v *cnfVisitor) Add(m z.Lit) {
	v.f.lits = append(v.f.lits, m)
	if m == z.LitNull {
		v.f.clauses++
		v.pending = 0
		return
	}
	v.pending++
	idx := int(m.Var())
	for idx >= len(v.f.occurrences) {
		v.f.occurrences = append(v.f.occurrences, 0)
	}
	v.f.occurrences[idx]++
	if idx > v.f.vars {
		v.f.vars = idx
	}
}

func (v *cnfVisitor) Eof() {}

// close terminates a trailing clause that lacks its 0.
func (v *cnfVisitor) close() {
	if v.pending > 0 {
		v.Add(z.LitNull)
	}
}

// Parse reads a DIMACS CNF formula. The raw bytes are kept so the formula
// can be forwarded to other nodes unchanged. Incremental DIMACS ("p inccnf"
// with "a" cube lines) is accepted; its cubes are available from Cubes.
//
// Parameters:
//   - data: DIMACS text
//
// Returns:
//   - *Formula: Parsed formula
//   - error: ErrMissingInput for empty input, ErrParse for malformed input
func Parse(data []byte) (*Formula, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrMissingInput
	}
	f := &Formula{raw: append([]byte(nil), data...)}
	cnf, cubes, err := readCubes(f.raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	f.cubes = cubes
	vis := &cnfVisitor{f: f}
	if err := dimacs.ReadCnf(bytes.NewReader(cnf), vis); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	vis.close()
	if f.clauses == 0 {
		return nil, fmt.Errorf("%w: no clauses", ErrParse)
	}
	return f, nil
}

// ReadFormula reads and parses a formula from r.
func ReadFormula(r io.Reader) (*Formula, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("engine: reading formula: %w", err)
	}
	return Parse(data)
}

// Raw returns the unparsed DIMACS bytes.
func (f *Formula) Raw() []byte { return f.raw }

// Vars is the number of variables (header or highest used, whichever is
// larger).
func (f *Formula) Vars() int { return f.vars }

// Clauses is the number of clauses read.
func (f *Formula) Clauses() int { return f.clauses }

// Cubes returns the cubes listed in an incremental formula, nil for plain
// DIMACS.
func (f *Formula) Cubes() [][]int { return f.cubes }

// AllowanceMap ranks the variables by number of occurrences, most frequent
// first, ties broken by lower variable. Unused variables are omitted.
func (f *Formula) AllowanceMap() []int {
	out := make([]int, 0, len(f.occurrences))
	for v, n := range f.occurrences {
		if v > 0 && n > 0 {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return f.occurrences[out[i]] > f.occurrences[out[j]]
	})
	return out
}

// NewSolver returns a solver loaded with the formula. Every call returns an
// independent copy.
func (f *Formula) NewSolver() *Solver {
	f.baseMu.Lock()
	defer f.baseMu.Unlock()
	if f.base == nil {
		f.base = gini.NewVc(f.vars, f.clauses)
		for _, m := range f.lits {
			f.base.Add(m)
		}
	}
	return &Solver{g: f.base.Copy(), vars: f.vars}
}
