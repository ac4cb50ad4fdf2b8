package solving

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/paracooba/internal/cluster"
	"github.com/dreamware/paracooba/internal/cnftree"
	"github.com/dreamware/paracooba/internal/engine"
	"github.com/dreamware/paracooba/internal/path"
)

// satFormula forces 1, 2 and 3 true; -1 is refuted by propagation.
const satFormula = `p cnf 3 4
1 2 0
-1 2 0
-2 3 0
1 -3 0
`

// unsatFormula is refuted by propagation under either value of 1.
const unsatFormula = `p cnf 2 4
1 2 0
-1 2 0
1 -2 0
-1 -2 0
`

// incFormula lists cubes instead of relying on the frequency ranking.
const incFormula = `p inccnf
1 2 0
-1 2 0
-2 3 0
a 1 0
a -1 2 0
a -1 -2 0
`

type sent struct {
	peer int64
	msg  cluster.JobMessage
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []sent
}

func (r *recordingSender) SendJob(peer int64, msg cluster.JobMessage, done func(error)) {
	r.mu.Lock()
	r.msgs = append(r.msgs, sent{peer: peer, msg: msg})
	r.mu.Unlock()
	done(nil)
}

func (r *recordingSender) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.msgs...)
}

// flakySender fails the first failures sends.
type flakySender struct {
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakySender) SendJob(_ int64, _ cluster.JobMessage, done func(error)) {
	f.mu.Lock()
	f.attempts++
	fail := f.attempts <= f.failures
	f.mu.Unlock()
	if fail {
		done(errors.New("connection closed"))
		return
	}
	done(nil)
}

func (f *flakySender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func newContext(t *testing.T, self, originator int64, sender JobSender) *Context {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(logger, Options{
		Self:           self,
		Originator:     originator,
		Cutoff:         0.1,
		AutoStopFactor: 2,
		Sender:         sender,
	})
}

func drain(c *Context) int {
	n := 0
	for {
		h, tk, ok := c.NextTask()
		if !ok {
			return n
		}
		c.Execute(context.Background(), h, tk)
		n++
	}
}

func pp(t *testing.T, s string) path.Path {
	t.Helper()
	p, err := path.Parse(s)
	require.NoError(t, err)
	return p
}

func waitDone(t *testing.T, c *Context) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context did not finish")
	}
}

func TestOriginatorSolvesSatisfiable(t *testing.T) {
	c := newContext(t, 1, 1, nil)
	require.NoError(t, c.SetFormula([]byte(satFormula)))
	require.NoError(t, c.Start())
	assert.Equal(t, cluster.Ready, c.State())
	assert.Equal(t, []int{1, 2, 3}, c.AllowanceMap())

	assert.Equal(t, 2, drain(c), "root splits, left is refuted, right solves")
	waitDone(t, c)

	st, model := c.Result()
	assert.Equal(t, engine.Sat, st)
	assert.Equal(t, []int{1, 2, 3}, model)

	state, _ := c.TreeState(path.Root)
	assert.Equal(t, cnftree.SAT, state)
	state, _ = c.TreeState(pp(t, "a"))
	assert.Equal(t, cnftree.UNSAT, state)
	assert.Equal(t, 0, c.store.Stats().Live)
}

func TestOriginatorSolvesUnsatisfiable(t *testing.T) {
	c := newContext(t, 1, 1, nil)
	require.NoError(t, c.SetFormula([]byte(unsatFormula)))
	require.NoError(t, c.Start())

	assert.Equal(t, 1, drain(c), "both children refuted by propagation")
	waitDone(t, c)

	st, model := c.Result()
	assert.Equal(t, engine.Unsat, st)
	assert.Nil(t, model)
	assert.Equal(t, "UNSATISFIABLE", c.Info().Result)
}

func TestPeerContextStates(t *testing.T) {
	var states []cluster.ContextState
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c := New(logger, Options{
		Self:       2,
		Originator: 1,
		Cutoff:     0.1,
		OnStateChange: func(_ int64, st cluster.ContextState) {
			states = append(states, st)
		},
	})

	err := c.AddRemotePath(pp(t, "a"), nil, 1)
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, c.SetAllowanceMap([]int{3, 1, 2}), "kept until the formula arrives")
	assert.Equal(t, cluster.Initializing, c.State())

	require.NoError(t, c.SetFormula([]byte(satFormula)))
	assert.Equal(t, cluster.Ready, c.State())
	assert.Equal(t, []int{3, 1, 2}, c.AllowanceMap())
	assert.Equal(t, []cluster.ContextState{
		cluster.FormulaReceived,
		cluster.FormulaParsed,
		cluster.AllowanceMapReceived,
		cluster.Ready,
	}, states)

	assert.ErrorIs(t, c.Start(), ErrState, "peers never start solving")
}

func TestCubeListSolving(t *testing.T) {
	cubes := [][]int{{1}, {-1, 2}, {-1, -2}}

	t.Run("originator splits along the listed cubes", func(t *testing.T) {
		c := newContext(t, 1, 1, nil)
		require.NoError(t, c.SetFormula([]byte(incFormula)))
		require.NoError(t, c.Start())
		assert.Equal(t, cluster.JobInitiator{AllowanceMap: []int{2, 1, 3}, Cubes: cubes}, c.Initiator())

		assert.Positive(t, drain(c))
		waitDone(t, c)

		st, model := c.Result()
		assert.Equal(t, engine.Sat, st)
		assert.Contains(t, model, 2)
		assert.Contains(t, model, 3)
		state, _ := c.TreeState(pp(t, "b"))
		assert.Equal(t, cnftree.UNSAT, state, "last cube is refuted")
	})

	t.Run("peer applies an initiator received before the formula", func(t *testing.T) {
		sender := &recordingSender{}
		c := newContext(t, 2, 1, sender)
		require.NoError(t, c.SetInitiator(cluster.JobInitiator{AllowanceMap: []int{2, 1, 3}, Cubes: cubes}))
		assert.Equal(t, cluster.Initializing, c.State())

		require.NoError(t, c.SetFormula([]byte(incFormula)))
		assert.Equal(t, cluster.Ready, c.State())
		assert.Equal(t, cubes, c.Initiator().Cubes)

		require.NoError(t, c.AddRemotePath(pp(t, "ab"), []int{-1, 2}, 1))
		assert.Equal(t, 1, drain(c))

		msgs := sender.all()
		require.Len(t, msgs, 1)
		assert.Equal(t, pp(t, "ab"), msgs[0].msg.Result.Path)
		assert.Equal(t, "sat", msgs[0].msg.Result.Result)
	})
}

func TestParseErrorState(t *testing.T) {
	c := newContext(t, 2, 1, nil)
	err := c.SetFormula([]byte("p cnf 2 1\n1 x 0\n"))
	assert.ErrorIs(t, err, engine.ErrParse)
	assert.Equal(t, cluster.ParseError, c.State())
	assert.ErrorIs(t, c.SetAllowanceMap([]int{1}), ErrState)
}

func TestRemotePathReportsResult(t *testing.T) {
	sender := &recordingSender{}
	c := newContext(t, 2, 1, sender)
	require.NoError(t, c.SetFormula([]byte(satFormula)))
	require.NoError(t, c.SetAllowanceMap([]int{1, 2, 3}))

	require.NoError(t, c.AddRemotePath(pp(t, "b"), []int{1}, 7))
	assert.Equal(t, 1, c.QueueSize())
	assert.Equal(t, 1, drain(c))

	msgs := sender.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(7), msgs[0].peer)
	assert.Equal(t, cluster.JobKindResult, msgs[0].msg.Kind)
	assert.Equal(t, int64(1), msgs[0].msg.Originator)
	assert.Equal(t, pp(t, "b"), msgs[0].msg.Result.Path)
	assert.Equal(t, "sat", msgs[0].msg.Result.Result)
	assert.Equal(t, []int{1, 2, 3}, msgs[0].msg.Result.Assignment)

	select {
	case <-c.Done():
		t.Fatal("a peer context never finishes on its own")
	default:
	}
}

func TestResultReportIsRetried(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		offline  bool
		attempts int
	}{
		{"delivered after failed transfers", 2, false, 3},
		{"gives up after retries", 100, false, replyRetries + 1},
		{"stops when the peer leaves", 100, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &flakySender{failures: tt.failures}
			c := newContext(t, 2, 1, sender)
			c.opts.RetryDelay = time.Millisecond
			if tt.offline {
				c.opts.RetryDelay = 100 * time.Millisecond
			}
			require.NoError(t, c.SetFormula([]byte(satFormula)))
			require.NoError(t, c.SetAllowanceMap(nil))
			require.NoError(t, c.tree.SetState(pp(t, "a"), cnftree.UNSAT))

			require.NoError(t, c.AddRemotePath(pp(t, "a"), nil, 7))
			if tt.offline {
				c.NodeOffline(7)
				time.Sleep(300 * time.Millisecond)
			}
			require.Eventually(t, func() bool {
				return sender.count() == tt.attempts && c.pendingReplies() == 0
			}, 5*time.Second, time.Millisecond)
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, tt.attempts, sender.count())
		})
	}
}

func TestResolvedRemotePathIsAnsweredImmediately(t *testing.T) {
	sender := &recordingSender{}
	c := newContext(t, 2, 1, sender)
	require.NoError(t, c.SetFormula([]byte(satFormula)))
	require.NoError(t, c.SetAllowanceMap(nil))
	require.NoError(t, c.tree.SetState(pp(t, "a"), cnftree.UNSAT))

	require.NoError(t, c.AddRemotePath(pp(t, "a"), nil, 5))
	assert.Equal(t, 0, c.QueueSize())
	msgs := sender.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "unsat", msgs[0].msg.Result.Result)
}

func TestOffloadAndRemoteResult(t *testing.T) {
	c := newContext(t, 1, 1, nil)
	require.NoError(t, c.SetFormula([]byte(unsatFormula)))
	require.NoError(t, c.Start())

	msg, ok := c.Offload(9)
	require.True(t, ok)
	assert.Equal(t, cluster.JobKindPath, msg.Kind)
	assert.Equal(t, path.Root, msg.Path.Path)
	assert.Empty(t, msg.Path.Cube)
	_, owner := c.TreeState(path.Root)
	assert.Equal(t, int64(9), owner)

	_, ok = c.Offload(9)
	assert.False(t, ok, "nothing left to hand out")

	c.HandleResult(9, cluster.JobResult{Path: path.Root, Result: "unsat"})
	waitDone(t, c)
	st, _ := c.Result()
	assert.Equal(t, engine.Unsat, st)
}

func TestUnsolvedRemoteResultRequeuesLocally(t *testing.T) {
	c := newContext(t, 1, 1, nil)
	require.NoError(t, c.SetFormula([]byte(satFormula)))
	require.NoError(t, c.Start())

	_, ok := c.Offload(9)
	require.True(t, ok)
	assert.Equal(t, 0, c.QueueSize())

	c.HandleResult(9, cluster.JobResult{Path: path.Root, Result: "unsolved"})
	assert.Equal(t, 1, c.QueueSize())

	drain(c)
	waitDone(t, c)
	st, _ := c.Result()
	assert.Equal(t, engine.Sat, st)
}

func TestNodeOfflineRecoversOffloadedWork(t *testing.T) {
	c := newContext(t, 1, 1, nil)
	require.NoError(t, c.SetFormula([]byte(satFormula)))
	require.NoError(t, c.Start())

	_, ok := c.Offload(4)
	require.True(t, ok)
	assert.Equal(t, 1, c.NodeOffline(4))
	assert.Equal(t, 1, c.QueueSize())
	assert.Equal(t, 0, c.NodeOffline(4))

	state, owner := c.TreeState(path.Root)
	assert.Equal(t, cnftree.Unvisited, state)
	assert.Equal(t, cnftree.Local, owner)
}

func TestOffloadFailedTakesPathBack(t *testing.T) {
	c := newContext(t, 1, 1, nil)
	require.NoError(t, c.SetFormula([]byte(satFormula)))
	require.NoError(t, c.Start())

	msg, ok := c.Offload(4)
	require.True(t, ok)
	c.OffloadFailed(msg.Path.Path, 4)
	assert.Equal(t, 1, c.QueueSize())
}

func TestAutoStopLimit(t *testing.T) {
	c := newContext(t, 1, 1, nil)
	assert.Zero(t, c.autoStopLimit(path.Root), "no solve time known yet")

	c.recordSolve(10 * time.Millisecond)
	assert.Equal(t, minAutoStop, c.autoStopLimit(path.Root))

	c.recordSolve(190 * time.Millisecond)
	assert.Equal(t, 200*time.Millisecond, c.autoStopLimit(path.Root))

	deep, err := path.New(path.MaxDepth-1, 0)
	require.NoError(t, err)
	assert.Zero(t, c.autoStopLimit(deep))
}

func TestCloseStopsContext(t *testing.T) {
	c := newContext(t, 1, 1, nil)
	require.NoError(t, c.SetFormula([]byte(satFormula)))
	require.NoError(t, c.Start())
	c.Close()
	waitDone(t, c)
	_, _, ok := c.NextTask()
	assert.False(t, ok)
	st, _ := c.Result()
	assert.Equal(t, engine.Unknown, st)
}
