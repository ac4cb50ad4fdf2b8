package path

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) Path {
	t.Helper()
	p, err := Parse(s)
	require.NoError(t, err)
	return p
}

// TestChildParentSibling checks the structural identities for every depth
// along a zig-zag path down to MaxDepth-1.
func TestChildParentSibling(t *testing.T) {
	p := Root
	for d := 0; d < MaxDepth; d++ {
		l, err := p.Left()
		require.NoError(t, err)
		r, err := p.Right()
		require.NoError(t, err)

		assert.Equal(t, p, l.Parent())
		assert.Equal(t, p, r.Parent())
		assert.Equal(t, r, l.Sibling())
		assert.Equal(t, l, r.Sibling())
		assert.True(t, l.IsLeft())
		assert.False(t, r.IsLeft())
		assert.Equal(t, uint8(d+1), l.Depth())

		if d%2 == 0 {
			p = l
		} else {
			p = r
		}
	}
	assert.Equal(t, uint8(MaxDepth), p.Depth())

	_, err := p.Left()
	assert.ErrorIs(t, err, ErrMaxDepth)
	_, err = p.Right()
	assert.ErrorIs(t, err, ErrMaxDepth)
}

func TestStringParse(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		depth uint8
	}{
		{name: "root", in: "", depth: 0},
		{name: "left", in: "a", depth: 1},
		{name: "right", in: "b", depth: 1},
		{name: "mixed", in: "abba", depth: 4},
		{name: "deep", in: "abababababababababababababababababababababababababababab", depth: 56},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustParse(t, tt.in)
			assert.Equal(t, tt.depth, p.Depth())
			assert.Equal(t, tt.in, p.String())

			again, err := Parse(p.String())
			require.NoError(t, err)
			assert.Equal(t, p, again)
		})
	}
}

func TestParseRejects(t *testing.T) {
	_, err := Parse("abc")
	assert.True(t, errors.Is(err, ErrInvalidPath))

	long := make([]byte, MaxDepth+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = Parse(string(long))
	assert.ErrorIs(t, err, ErrMaxDepth)
}

// TestCanonicalization verifies that bits beyond the depth never leak into
// equality.
func TestCanonicalization(t *testing.T) {
	a, err := New(2, ^uint64(0))
	require.NoError(t, err)
	b := mustParse(t, "bb")
	assert.Equal(t, b, a)

	// Deriving the parent of "ab" and "aa" must land on the same value.
	assert.Equal(t, mustParse(t, "aa").Parent(), mustParse(t, "ab").Parent())

	_, err = New(MaxDepth+1, 0)
	assert.ErrorIs(t, err, ErrMaxDepth)
}

func TestBitAccess(t *testing.T) {
	p := mustParse(t, "aba")
	assert.False(t, p.BitAt(0))
	assert.True(t, p.BitAt(1))
	assert.False(t, p.BitAt(2))
	assert.False(t, p.BitAt(10), "bits past depth read as left")

	q := p.WithBit(0, true).WithBit(1, false)
	assert.Equal(t, "baa", q.String())
	assert.Equal(t, p, p.WithBit(5, true), "setting past depth is a no-op")
}

func TestRootAndUnknown(t *testing.T) {
	assert.True(t, Root.IsRoot())
	assert.Equal(t, Root, Root.Parent())
	assert.Equal(t, Root, Root.Sibling())
	assert.True(t, Unknown.IsUnknown())
	assert.False(t, Unknown.Valid())

	_, err := Unknown.Left()
	assert.ErrorIs(t, err, ErrMaxDepth)
}

func TestLessOrdersByDepthFirst(t *testing.T) {
	assert.True(t, mustParse(t, "b").Less(mustParse(t, "aa")))
	assert.True(t, mustParse(t, "aa").Less(mustParse(t, "ab")))
	assert.False(t, mustParse(t, "ab").Less(mustParse(t, "ab")))
	assert.True(t, Root.Less(mustParse(t, "a")))
}

func TestIsAncestorOf(t *testing.T) {
	ab := mustParse(t, "ab")
	assert.True(t, Root.IsAncestorOf(ab))
	assert.True(t, mustParse(t, "a").IsAncestorOf(ab))
	assert.True(t, ab.IsAncestorOf(ab))
	assert.False(t, mustParse(t, "b").IsAncestorOf(ab))
	assert.False(t, ab.IsAncestorOf(mustParse(t, "a")))
}

func TestPackUnpack(t *testing.T) {
	for _, s := range []string{"", "a", "bab", "abbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"} {
		p := mustParse(t, s)
		got, err := Unpack(p.Pack())
		require.NoError(t, err)
		assert.Equal(t, p, got, s)
	}

	got, err := Unpack(Unknown.Pack())
	require.NoError(t, err)
	assert.True(t, got.IsUnknown())
}

func TestJSONUsesStringForm(t *testing.T) {
	type wrapper struct {
		Path Path `json:"path"`
	}
	data, err := json.Marshal(wrapper{Path: mustParse(t, "abb")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"abb"}`, string(data))

	var w wrapper
	require.NoError(t, json.Unmarshal(data, &w))
	assert.Equal(t, "abb", w.Path.String())
}
