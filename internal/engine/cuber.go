package engine

import (
	"errors"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/paracooba/internal/path"
)

// ErrCubeTooDeep is returned when a path is deeper than the allowance map.
var ErrCubeTooDeep = errors.New("engine: path deeper than allowance map")

// Cuber maps tree paths to cubes. The decision at depth i assigns the i-th
// variable of the allowance map: left negative, right positive.
//
// A cuber built from a cube list instead spreads the listed cubes over the
// top of the tree, halving the list at every level. Positions below a
// single cube extend it with the highest ranked variable it leaves open.
type Cuber struct {
	formula   *Formula
	allowance []int
	cubes     [][]int
	cutoff    float64
}

// NewCuber creates a cuber. An empty allowance map is derived from the
// formula's literal frequencies.
//
// Parameters:
//   - f: Parsed formula
//   - allowance: Ranked split variables, shared by every node solving f
//   - cutoff: Ratio of assigned to unassigned variables at which splitting
//     stops
func NewCuber(f *Formula, allowance []int, cutoff float64) *Cuber {
	if len(allowance) == 0 {
		allowance = f.AllowanceMap()
	}
	return &Cuber{formula: f, allowance: allowance, cutoff: cutoff}
}

// NewPregeneratedCuber creates a cuber that hands out the given cubes. The
// allowance map, derived from the formula when empty, ranks the variables
// used below a single cube.
func NewPregeneratedCuber(f *Formula, cubes [][]int, allowance []int) *Cuber {
	c := NewCuber(f, allowance, 0)
	c.cubes = cubes
	if c.cubes == nil {
		c.cubes = [][]int{}
	}
	return c
}

// AllowanceMap returns the ranking in use.
func (c *Cuber) AllowanceMap() []int { return c.allowance }

// Cubes returns the cube list of a pregenerated cuber, nil otherwise.
func (c *Cuber) Cubes() [][]int { return c.cubes }

func (c *Cuber) pregenerated() bool { return c.cubes != nil }

// span narrows the cube list along p. It returns the remaining index range
// and the depth at which a single cube was reached.
func (c *Cuber) span(p path.Path) (lo, hi int, depth uint8) {
	lo, hi = 0, len(c.cubes)
	for i := uint8(0); i < p.Depth(); i++ {
		if hi-lo <= 1 {
			return lo, hi, i
		}
		mid := lo + (hi-lo+1)/2
		if p.BitAt(i) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, hi, p.Depth()
}

// open returns the highest ranked variable cube does not assign.
func (c *Cuber) open(cube []int) (int, bool) {
	for _, v := range c.allowance {
		if !slices.Contains(cube, v) && !slices.Contains(cube, -v) {
			return v, true
		}
	}
	return 0, false
}

// Cube returns the assumptions that define p.
func (c *Cuber) Cube(p path.Path) ([]int, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %s", path.ErrInvalidPath, p)
	}
	if c.pregenerated() {
		return c.listedCube(p)
	}
	if int(p.Depth()) > len(c.allowance) {
		return nil, fmt.Errorf("%w: depth %d, %d variables", ErrCubeTooDeep, p.Depth(), len(c.allowance))
	}
	cube := make([]int, 0, p.Depth())
	for i := uint8(0); i < p.Depth(); i++ {
		cube = append(cube, SplitLiteral(c.allowance[i], p.BitAt(i)))
	}
	return cube, nil
}

func (c *Cuber) listedCube(p path.Path) ([]int, error) {
	lo, hi, depth := c.span(p)
	switch {
	case hi-lo > 1:
		return []int{}, nil
	case hi == lo:
		return nil, fmt.Errorf("%w: %s, no cubes listed", ErrCubeTooDeep, p)
	}
	cube := slices.Clone(c.cubes[lo])
	for i := depth; i < p.Depth(); i++ {
		v, ok := c.open(cube)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrCubeTooDeep, p)
		}
		cube = append(cube, SplitLiteral(v, p.BitAt(i)))
	}
	return cube, nil
}

// Children returns the cubes of both children of p, whose cube is cube.
// ok is false when p cannot be split any further.
func (c *Cuber) Children(p path.Path, cube []int) (left, right []int, ok bool) {
	if int(p.Depth()) >= path.MaxDepth {
		return nil, nil, false
	}
	var v int
	if c.pregenerated() {
		if lo, hi, _ := c.span(p); hi-lo > 1 {
			l, _ := p.Left()
			r, _ := p.Right()
			left, _ = c.listedCube(l)
			right, _ = c.listedCube(r)
			return left, right, true
		}
		if v, ok = c.open(cube); !ok {
			return nil, nil, false
		}
	} else {
		if int(p.Depth()) >= len(c.allowance) {
			return nil, nil, false
		}
		v = c.allowance[p.Depth()]
	}
	left = append(slices.Clone(cube), SplitLiteral(v, false))
	right = append(slices.Clone(cube), SplitLiteral(v, true))
	return left, right, true
}

// SplitLiteral is the literal assumed for v when taking the given branch.
func SplitLiteral(v int, right bool) int {
	if right {
		return v
	}
	return -v
}

// Decision is the cuber's verdict for one position.
type Decision struct {
	// Variable to split on when Split is set.
	Variable int
	Split    bool
	// Refuted is set when propagation alone falsifies the cube.
	Refuted bool
}

// Decide checks whether the sub-problem defined by p and cube should be
// split further. Splitting stops at the depth limits and once propagation
// assigns at least cutoff times as many variables as remain open. With a
// cube list, positions above a single cube are split and the rest solved.
func (c *Cuber) Decide(p path.Path, cube []int) Decision {
	st, implied := c.formula.NewSolver().Propagate(cube)
	if st == Unsat {
		return Decision{Refuted: true}
	}
	if c.pregenerated() {
		lo, hi, _ := c.span(p)
		return Decision{Split: hi-lo > 1 && st != Sat}
	}
	depth := int(p.Depth())
	if depth >= path.MaxDepth || depth >= len(c.allowance) || st == Sat {
		return Decision{}
	}
	assigned := len(implied)
	open := c.formula.Vars() - assigned
	if open <= 0 || float64(assigned)/float64(open) >= c.cutoff {
		return Decision{}
	}
	return Decision{Split: true, Variable: c.allowance[depth]}
}

// Refutes reports whether cube is falsified by propagation alone.
func (c *Cuber) Refutes(cube []int) bool {
	st, _ := c.formula.NewSolver().Propagate(cube)
	return st == Unsat
}
