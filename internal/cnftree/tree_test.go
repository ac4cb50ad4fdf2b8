package cnftree

import (
	"bytes"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/paracooba/internal/path"
)

func p(t *testing.T, s string) path.Path {
	t.Helper()
	parsed, err := path.Parse(s)
	require.NoError(t, err)
	return parsed
}

func TestEmptyTree(t *testing.T) {
	tree := New()
	assert.Equal(t, Unvisited, tree.GetState(path.Root))
	assert.Equal(t, UnknownPath, tree.GetState(p(t, "ab")))
	assert.Equal(t, UnknownOwner, tree.OffloadTargetFor(p(t, "a")))
}

func TestGetStateUnvisitedVersusUnknown(t *testing.T) {
	tree := New()
	require.NoError(t, tree.SetState(p(t, "a"), Working))

	assert.Equal(t, Split, tree.GetState(path.Root))
	assert.Equal(t, Working, tree.GetState(p(t, "a")))
	assert.Equal(t, Unvisited, tree.GetState(p(t, "b")), "direct child of a visited node")
	assert.Equal(t, Unvisited, tree.GetState(p(t, "aa")))
	assert.Equal(t, UnknownPath, tree.GetState(p(t, "aab")), "deeper than any visited node")
	assert.Equal(t, UnknownPath, tree.GetState(path.Unknown))
}

func TestPropagation(t *testing.T) {
	tests := []struct {
		name   string
		left   State
		right  State
		parent State
	}{
		{name: "both unsat", left: UNSAT, right: UNSAT, parent: UNSAT},
		{name: "left sat right working", left: SAT, right: Working, parent: SAT},
		{name: "left working right sat", left: Working, right: SAT, parent: SAT},
		{name: "sat and unsat", left: UNSAT, right: SAT, parent: SAT},
		{name: "one unsat one working", left: UNSAT, right: Working, parent: Split},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := New()
			require.NoError(t, tree.SetState(p(t, "aa"), tt.left))
			require.NoError(t, tree.SetState(p(t, "ab"), tt.right))
			assert.Equal(t, tt.parent, tree.GetState(p(t, "a")))
		})
	}
}

func TestPropagationReachesRootOnce(t *testing.T) {
	tree := New()
	var fired atomic.Int32
	var last atomic.Value
	tree.OnRootResolved(func(s State) {
		fired.Add(1)
		last.Store(s)
	})

	require.NoError(t, tree.SetState(path.Root, Split))
	require.NoError(t, tree.SetState(p(t, "a"), Split))
	require.NoError(t, tree.SetState(p(t, "aa"), UNSAT))
	require.NoError(t, tree.SetState(p(t, "ab"), UNSAT))
	assert.Equal(t, UNSAT, tree.GetState(p(t, "a")))
	assert.Equal(t, int32(0), fired.Load())

	require.NoError(t, tree.SetState(p(t, "b"), UNSAT))
	assert.Equal(t, UNSAT, tree.GetState(path.Root))
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, UNSAT, last.Load())

	// A late SAT below a resolved root never flips it nor fires again.
	require.NoError(t, tree.SetState(p(t, "ba"), SAT))
	assert.Equal(t, UNSAT, tree.GetState(path.Root))
	assert.Equal(t, int32(1), fired.Load())
}

func TestRootSolvedDirectly(t *testing.T) {
	tree := New()
	var got State
	tree.OnRootResolved(func(s State) { got = s })
	require.NoError(t, tree.SetState(path.Root, SAT))
	assert.Equal(t, SAT, got)
}

func TestSetStateRejectsUnknown(t *testing.T) {
	tree := New()
	assert.ErrorIs(t, tree.SetState(path.Unknown, SAT), path.ErrInvalidPath)
}

func TestOffloadTargets(t *testing.T) {
	tree := New()
	require.NoError(t, tree.SetState(path.Root, Split))
	require.NoError(t, tree.SetOffloadTarget(p(t, "a"), 42))

	assert.Equal(t, int64(42), tree.OffloadTargetFor(p(t, "a")))
	assert.Equal(t, int64(42), tree.OffloadTargetFor(p(t, "abba")), "descendants belong to the owner")
	assert.Equal(t, Local, tree.OffloadTargetFor(p(t, "b")))
	assert.Equal(t, Working, tree.GetState(p(t, "a")))
	assert.Equal(t, UnknownPath, tree.GetState(p(t, "ab")), "state below an offloaded node is remote")

	require.NoError(t, tree.SetOffloadTarget(p(t, "a"), Local))
	assert.Equal(t, Local, tree.OffloadTargetFor(p(t, "a")))
}

func TestResetIsNoOpForTerminal(t *testing.T) {
	tree := New()
	require.NoError(t, tree.SetOffloadTarget(p(t, "a"), 7))
	require.NoError(t, tree.SetState(p(t, "aa"), Working))

	assert.True(t, tree.Reset(p(t, "a")))
	assert.Equal(t, Unvisited, tree.GetState(p(t, "a")))
	assert.Equal(t, Local, tree.OffloadTargetFor(p(t, "a")))
	assert.Equal(t, Unvisited, tree.GetState(p(t, "aa")))

	require.NoError(t, tree.SetState(p(t, "b"), UNSAT))
	assert.False(t, tree.Reset(p(t, "b")))
	assert.Equal(t, UNSAT, tree.GetState(p(t, "b")))
}

func TestResolved(t *testing.T) {
	tree := New()
	require.NoError(t, tree.SetState(p(t, "a"), SAT))
	assert.True(t, tree.Resolved(p(t, "ab")), "root became SAT")

	tree = New()
	require.NoError(t, tree.SetState(p(t, "a"), UNSAT))
	assert.True(t, tree.Resolved(p(t, "ab")))
	assert.False(t, tree.Resolved(p(t, "b")))
}

func TestDump(t *testing.T) {
	tree := New()
	require.NoError(t, tree.SetState(p(t, "a"), UNSAT))
	require.NoError(t, tree.SetState(p(t, "b"), Working))

	var buf bytes.Buffer
	require.NoError(t, tree.Dump(&buf))
	out := buf.String()
	assert.Contains(t, out, "digraph cnftree {")
	assert.Contains(t, out, `"root" -> "a"`)
	assert.Contains(t, out, `"root" -> "b"`)
	assert.Contains(t, out, "unsat")
}
