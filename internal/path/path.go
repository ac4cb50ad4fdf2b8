package path

import (
	"errors"
	"fmt"
	"strings"
)

// MaxDepth is the deepest level a path may describe.
const MaxDepth = 58

// unknownDepth marks the explicitly-unknown sentinel. It is outside the
// valid range but still fits into the 6 depth bits of the packed form.
const unknownDepth = 62

const (
	depthBits = 6
	depthMask = (1 << depthBits) - 1
)

var (
	// ErrMaxDepth is returned when deriving a child would exceed MaxDepth.
	ErrMaxDepth = errors.New("path: max depth exceeded")

	// ErrInvalidPath is returned when parsing malformed input.
	ErrInvalidPath = errors.New("path: invalid path")
)

// Path is the position of a sub-problem in the binary split tree.
// Bit i (0 = left/false, 1 = right/true) is the decision taken at depth i.
// Bits beyond depth are always zero, so two paths are equal iff their
// values compare equal with ==.
type Path struct {
	bits  uint64
	depth uint8
}

// Root is the path of the whole formula.
var Root = Path{}

// Unknown is the explicitly-unknown sentinel. It never denotes a real
// sub-problem.
var Unknown = Path{depth: unknownDepth}

// New builds a canonical path from a depth and a bit pattern. Bits beyond
// depth are cleared.
//
// Parameters:
//   - depth: Number of decisions (0..MaxDepth)
//   - bits: Decisions, MSB first (bit 63 is the decision at depth 0)
//
// Returns:
//   - Path: Canonicalized path
//   - error: ErrMaxDepth if depth exceeds MaxDepth
func New(depth uint8, bits uint64) (Path, error) {
	if depth > MaxDepth {
		return Path{}, fmt.Errorf("%w: depth %d", ErrMaxDepth, depth)
	}
	return Path{bits: bits & mask(depth), depth: depth}, nil
}

func mask(depth uint8) uint64 {
	if depth == 0 {
		return 0
	}
	return ^uint64(0) << (64 - uint(depth))
}

func bitPos(i uint8) uint64 {
	return uint64(1) << (63 - uint(i))
}

// Depth returns the number of decisions in the path.
func (p Path) Depth() uint8 { return p.depth }

// Bits returns the raw canonical bit pattern.
func (p Path) Bits() uint64 { return p.bits }

// IsRoot reports whether p is the root path.
func (p Path) IsRoot() bool { return p == Root }

// IsUnknown reports whether p is the explicitly-unknown sentinel.
func (p Path) IsUnknown() bool { return p.depth == unknownDepth }

// Valid reports whether p addresses a real tree position.
func (p Path) Valid() bool { return p.depth <= MaxDepth }

// BitAt returns the decision taken at depth i. Depths at or beyond the
// path's own depth report false.
func (p Path) BitAt(i uint8) bool {
	if i >= p.depth {
		return false
	}
	return p.bits&bitPos(i) != 0
}

// WithBit returns p with the decision at depth i set to v. Setting a bit at
// or beyond the path's depth has no effect.
func (p Path) WithBit(i uint8, v bool) Path {
	if i >= p.depth {
		return p
	}
	if v {
		p.bits |= bitPos(i)
	} else {
		p.bits &^= bitPos(i)
	}
	return p
}

// Parent returns the path one level up. The root is its own parent.
func (p Path) Parent() Path {
	if p.depth == 0 || !p.Valid() {
		return p
	}
	d := p.depth - 1
	return Path{bits: p.bits & mask(d), depth: d}
}

// Sibling returns the path that differs from p only in the last decision.
// The root is its own sibling.
func (p Path) Sibling() Path {
	if p.depth == 0 || !p.Valid() {
		return p
	}
	return Path{bits: p.bits ^ bitPos(p.depth-1), depth: p.depth}
}

// IsLeft reports whether the last decision of p was the left branch.
func (p Path) IsLeft() bool {
	return p.depth > 0 && !p.BitAt(p.depth-1)
}

// Left returns the left (false) child of p.
func (p Path) Left() (Path, error) {
	return p.child(false)
}

// Right returns the right (true) child of p.
func (p Path) Right() (Path, error) {
	return p.child(true)
}

func (p Path) child(right bool) (Path, error) {
	if !p.Valid() || p.depth >= MaxDepth {
		return Path{}, ErrMaxDepth
	}
	c := Path{bits: p.bits, depth: p.depth + 1}
	if right {
		c.bits |= bitPos(p.depth)
	}
	return c, nil
}

// IsAncestorOf reports whether q lies in the subtree rooted at p (p itself
// included).
func (p Path) IsAncestorOf(q Path) bool {
	if !p.Valid() || !q.Valid() || q.depth < p.depth {
		return false
	}
	return q.bits&mask(p.depth) == p.bits
}

// Less orders paths by depth first, then by raw bits. Shallower paths sort
// first since they unblock more work.
func (p Path) Less(q Path) bool {
	if p.depth != q.depth {
		return p.depth < q.depth
	}
	return p.bits < q.bits
}

// String renders one character per level: 'a' for left, 'b' for right.
// The root renders as the empty string.
func (p Path) String() string {
	if p.IsUnknown() {
		return "(unknown)"
	}
	var b strings.Builder
	b.Grow(int(p.depth))
	for i := uint8(0); i < p.depth; i++ {
		if p.BitAt(i) {
			b.WriteByte('b')
		} else {
			b.WriteByte('a')
		}
	}
	return b.String()
}

// Parse is the inverse of String.
func Parse(s string) (Path, error) {
	if s == "(unknown)" {
		return Unknown, nil
	}
	if len(s) > MaxDepth {
		return Path{}, fmt.Errorf("%w: %d characters", ErrMaxDepth, len(s))
	}
	p := Path{depth: uint8(len(s))}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 'a':
		case 'b':
			p.bits |= bitPos(uint8(i))
		default:
			return Path{}, fmt.Errorf("%w: unexpected %q at %d", ErrInvalidPath, s[i], i)
		}
	}
	return p, nil
}

// Pack encodes p into a single integer: decisions in the upper 58 bits,
// depth in the lower 6.
func (p Path) Pack() uint64 {
	return p.bits | uint64(p.depth&depthMask)
}

// Unpack decodes a value produced by Pack.
func Unpack(v uint64) (Path, error) {
	depth := uint8(v & depthMask)
	if depth == unknownDepth {
		return Unknown, nil
	}
	return New(depth, v&^uint64(depthMask))
}

// MarshalText encodes p in its string form.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes the string form.
func (p *Path) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
