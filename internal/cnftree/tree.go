// Package cnftree tracks the solving state of every visited sub-problem of
// one formula and folds terminal results up towards the root.
package cnftree

import (
	"fmt"
	"io"
	"sync"

	"github.com/dreamware/paracooba/internal/path"
)

// State is the solving state of a single tree position.
type State uint8

const (
	Unvisited State = iota
	UnknownPath
	Working
	Split
	SAT
	UNSAT
)

func (s State) String() string {
	switch s {
	case Unvisited:
		return "unvisited"
	case UnknownPath:
		return "unknown-path"
	case Working:
		return "working"
	case Split:
		return "split"
	case SAT:
		return "sat"
	case UNSAT:
		return "unsat"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ParseState is the inverse of String. Unrecognized names yield
// UnknownPath.
func ParseState(s string) State {
	for st := Unvisited; st <= UNSAT; st++ {
		if st.String() == s {
			return st
		}
	}
	return UnknownPath
}

// Terminal reports whether s is SAT or UNSAT.
func (s State) Terminal() bool { return s == SAT || s == UNSAT }

const (
	// Local marks a position computed on this node.
	Local int64 = 0
	// UnknownOwner is returned when no owner can be derived.
	UnknownOwner int64 = -1
)

type node struct {
	left, right *node
	offload     int64
	state       State
}

// Tree is a lazily built binary tree of positions. It is safe for
// concurrent use.
type Tree struct {
	root       *node
	onResolved func(State)
	mu         sync.Mutex
	resolved   bool
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{}
}

// OnRootResolved registers fn to be called once when the root becomes SAT
// or UNSAT. fn runs without the tree lock held.
func (t *Tree) OnRootResolved(fn func(State)) {
	t.mu.Lock()
	t.onResolved = fn
	t.mu.Unlock()
}

// SetState records state s for p. Missing ancestors are created as Split.
// Terminal states are propagated upwards: a parent becomes SAT as soon as
// one child is SAT and UNSAT once both children are UNSAT. Terminal nodes
// are never overwritten by propagation.
//
// Parameters:
//   - p: Position to update, must be valid
//   - s: New state
//
// Returns:
//   - error: path.ErrInvalidPath for the unknown sentinel
func (t *Tree) SetState(p path.Path, s State) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %s", path.ErrInvalidPath, p)
	}

	t.mu.Lock()
	chain := t.walkCreate(p)
	chain[len(chain)-1].state = s
	fire := t.propagate(chain)
	fn := t.onResolved
	t.mu.Unlock()

	if fire && fn != nil {
		fn(t.rootState())
	}
	return nil
}

// walkCreate returns the nodes from the root down to p, creating missing
// nodes. Created intermediate nodes are marked Split since a descendant
// exists.
func (t *Tree) walkCreate(p path.Path) []*node {
	if t.root == nil {
		t.root = &node{}
	}
	chain := make([]*node, 0, int(p.Depth())+1)
	n := t.root
	chain = append(chain, n)
	for i := uint8(0); i < p.Depth(); i++ {
		if n.state == Unvisited || n.state == Working {
			n.state = Split
		}
		next := &n.left
		if p.BitAt(i) {
			next = &n.right
		}
		if *next == nil {
			*next = &node{}
		}
		n = *next
		chain = append(chain, n)
	}
	return chain
}

// propagate folds the state of the last node in chain into its ancestors.
// It returns true when the root became terminal for the first time.
func (t *Tree) propagate(chain []*node) bool {
	for i := len(chain) - 1; i > 0; i-- {
		child := chain[i].state
		if !child.Terminal() {
			break
		}
		parent := chain[i-1]
		if parent.state.Terminal() {
			break
		}
		sibling := parent.left
		if sibling == chain[i] {
			sibling = parent.right
		}
		switch {
		case child == SAT:
			parent.state = SAT
		case sibling != nil && sibling.state == UNSAT:
			parent.state = UNSAT
		default:
			return false
		}
	}
	if !t.resolved && t.root.state.Terminal() {
		t.resolved = true
		return true
	}
	return false
}

func (t *Tree) rootState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root == nil {
		return Unvisited
	}
	return t.root.state
}

// GetState returns the state of p. An unvisited child of a visited node is
// Unvisited. A path deeper than any visited node, or below a position that
// was offloaded to another node, is UnknownPath and must be resolved by
// asking the owner.
func (t *Tree) GetState(p path.Path) State {
	if !p.Valid() {
		return UnknownPath
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	if n == nil {
		if p.IsRoot() {
			return Unvisited
		}
		return UnknownPath
	}
	for i := uint8(0); i < p.Depth(); i++ {
		if n.offload != Local {
			return UnknownPath
		}
		next := n.left
		if p.BitAt(i) {
			next = n.right
		}
		if next == nil {
			if i == p.Depth()-1 {
				return Unvisited
			}
			return UnknownPath
		}
		n = next
	}
	return n.state
}

// SetOffloadTarget records that the subtree below p is computed by node.
// Passing Local reclaims it.
func (t *Tree) SetOffloadTarget(p path.Path, node int64) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %s", path.ErrInvalidPath, p)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	chain := t.walkCreate(p)
	leaf := chain[len(chain)-1]
	leaf.offload = node
	if node != Local && !leaf.state.Terminal() {
		leaf.state = Working
	}
	return nil
}

// OffloadTargetFor returns the node that owns computation of p: the
// offload target of the deepest visited position on the way to p. Local
// (0) means this node; UnknownOwner (-1) means the tree never saw p.
func (t *Tree) OffloadTargetFor(p path.Path) int64 {
	if !p.Valid() {
		return UnknownOwner
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.root
	if n == nil {
		return UnknownOwner
	}
	for i := uint8(0); i < p.Depth(); i++ {
		if n.offload != Local {
			return n.offload
		}
		next := n.left
		if p.BitAt(i) {
			next = n.right
		}
		if next == nil {
			if i == p.Depth()-1 {
				return Local
			}
			return UnknownOwner
		}
		n = next
	}
	return n.offload
}

// Reset forgets everything known below p and marks p Unvisited and local
// again. Terminal positions are left untouched so that re-adding already
// resolved work is a no-op.
//
// Returns:
//   - bool: false if p was already terminal
func (t *Tree) Reset(p path.Path) bool {
	if !p.Valid() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	chain := t.walkCreate(p)
	leaf := chain[len(chain)-1]
	if leaf.state.Terminal() {
		return false
	}
	leaf.state = Unvisited
	leaf.offload = Local
	leaf.left, leaf.right = nil, nil
	return true
}

// Resolved reports whether p or one of its ancestors is terminal, in which
// case any work for p is moot.
func (t *Tree) Resolved(p path.Path) bool {
	if !p.Valid() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.root
	for i := uint8(0); n != nil; i++ {
		if n.state.Terminal() {
			return true
		}
		if i == p.Depth() {
			return false
		}
		if p.BitAt(i) {
			n = n.right
		} else {
			n = n.left
		}
	}
	return false
}

// Visit walks every visited position depth-first, left before right.
func (t *Tree) Visit(fn func(p path.Path, s State, offload int64)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root == nil {
		return
	}
	var walk func(n *node, p path.Path)
	walk = func(n *node, p path.Path) {
		fn(p, n.state, n.offload)
		if n.left != nil {
			if l, err := p.Left(); err == nil {
				walk(n.left, l)
			}
		}
		if n.right != nil {
			if r, err := p.Right(); err == nil {
				walk(n.right, r)
			}
		}
	}
	walk(t.root, path.Root)
}

// Dump writes the tree in Graphviz dot format.
func (t *Tree) Dump(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "digraph cnftree {"); err != nil {
		return err
	}
	var werr error
	t.Visit(func(p path.Path, s State, offload int64) {
		if werr != nil {
			return
		}
		name := "root"
		if !p.IsRoot() {
			name = p.String()
		}
		_, werr = fmt.Fprintf(w, "  %q [label=\"%s\\n%s\\n@%d\"];\n", name, name, s, offload)
		if werr == nil && !p.IsRoot() {
			parent := "root"
			if pp := p.Parent(); !pp.IsRoot() {
				parent = pp.String()
			}
			_, werr = fmt.Fprintf(w, "  %q -> %q;\n", parent, name)
		}
	})
	if werr != nil {
		return werr
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}
