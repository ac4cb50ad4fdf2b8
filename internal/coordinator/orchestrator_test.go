package coordinator

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/paracooba/internal/cluster"
	"github.com/dreamware/paracooba/internal/path"
	"github.com/dreamware/paracooba/internal/solving"
	"github.com/dreamware/paracooba/internal/storage"
)

const formula = `p cnf 3 2
1 2 3 0
-1 -2 0
`

type sentJob struct {
	peer int64
	msg  cluster.JobMessage
}

type fakeSender struct {
	mu       sync.Mutex
	formulas map[int64]int64
	jobs     []sentJob
	fail     error
}

func (s *fakeSender) SendFormula(peer, originator int64, _ []byte, done func(error)) {
	s.mu.Lock()
	if s.formulas == nil {
		s.formulas = make(map[int64]int64)
	}
	s.formulas[peer] = originator
	err := s.fail
	s.mu.Unlock()
	if done != nil {
		done(err)
	}
}

func (s *fakeSender) SendJob(peer int64, msg cluster.JobMessage, done func(error)) {
	s.mu.Lock()
	s.jobs = append(s.jobs, sentJob{peer: peer, msg: msg})
	err := s.fail
	s.mu.Unlock()
	if done != nil {
		done(err)
	}
}

type countingBroadcaster struct{ n int }

func (b *countingBroadcaster) BroadcastStatus() { b.n++ }

type contexts []*solving.Context

func (c contexts) Contexts() []*solving.Context { return c }

type fixture struct {
	orch   *Orchestrator
	mem    *cluster.Membership
	sender *fakeSender
	status *countingBroadcaster
	store  *storage.MemoryStore
}

func newFixture(t *testing.T, work ...*solving.Context) *fixture {
	t.Helper()
	mem := cluster.NewMembership(quietLogger(), cluster.Descriptor{ID: 1, QueueCapacity: 1, Daemon: true}, 7)
	f := &fixture{
		mem:    mem,
		sender: &fakeSender{},
		status: &countingBroadcaster{},
		store:  storage.NewMemoryStore(),
	}
	monitor := NewHealthMonitor(quietLogger(), time.Hour, 8)
	f.orch = NewOrchestrator(quietLogger(), Options{
		Tick:               time.Second,
		MaxNodeUtilization: 2,
		QueueCapacity:      1,
	}, mem, monitor, f.sender, f.status, f.store, contexts(work), nil)
	return f
}

// addPeer makes id a fully known daemon with capacity 4.
func (f *fixture) addPeer(t *testing.T, id int64, ctxs map[int64]cluster.ContextState) {
	t.Helper()
	_, err := f.mem.ApplyAnnouncement(cluster.OnlineAnnouncement{Node: cluster.Descriptor{
		ID:            id,
		Host:          "10.0.0.2",
		UDPPort:       18001,
		TCPPort:       18001,
		QueueCapacity: 4,
		Daemon:        true,
	}}, "")
	require.NoError(t, err)
	if ctxs != nil {
		f.mem.ApplyStatus(id, cluster.NodeStatus{Contexts: ctxs})
	}
}

func pp(t *testing.T, s string) path.Path {
	t.Helper()
	p, err := path.Parse(s)
	require.NoError(t, err)
	return p
}

// peerContext is a ready context for originator 7 holding three remote paths.
func peerContext(t *testing.T) *solving.Context {
	t.Helper()
	c := solving.New(quietLogger(), solving.Options{Self: 1, Originator: 7, Cutoff: 0.1})
	require.NoError(t, c.SetFormula([]byte(formula)))
	require.NoError(t, c.SetAllowanceMap([]int{1, 2, 3}))
	for _, s := range []string{"aa", "ab", "b"} {
		require.NoError(t, c.AddRemotePath(pp(t, s), nil, 7))
	}
	require.Equal(t, 3, c.QueueSize())
	return c
}

func TestTickReportsLoad(t *testing.T) {
	c := peerContext(t)
	f := newFixture(t, c)

	f.orch.Tick()
	self := f.mem.Self()
	assert.Equal(t, 3, self.QueueSize, "no target, nothing offloaded")
	assert.Equal(t, cluster.Ready, self.Contexts[7])
	assert.Equal(t, 1, f.status.n)
	assert.Empty(t, f.sender.jobs)
}

func TestTickOffloadsToLeastUtilizedPeer(t *testing.T) {
	c := peerContext(t)
	f := newFixture(t, c)
	f.addPeer(t, 2, map[int64]cluster.ContextState{7: cluster.Ready})
	f.addPeer(t, 3, map[int64]cluster.ContextState{7: cluster.FormulaParsed})

	f.orch.Tick()

	// Local utilization 3 against 0, 0.25 and 0.5 on peer 2
	require.Len(t, f.sender.jobs, 2)
	var paths []string
	for _, j := range f.sender.jobs {
		assert.Equal(t, int64(2), j.peer, "peer 3 is not ready")
		assert.Equal(t, cluster.JobKindPath, j.msg.Kind)
		assert.Equal(t, int64(7), j.msg.Originator)
		paths = append(paths, j.msg.Path.Path.String())
	}
	assert.Equal(t, []string{"b", "aa"}, paths, "shallowest first")
	assert.Equal(t, 1, c.QueueSize())

	peer, _ := f.mem.Get(2)
	assert.Equal(t, 2, peer.QueueSize)
	assert.Equal(t, 1, f.mem.Self().QueueSize)
}

func TestFailedOffloadIsTakenBack(t *testing.T) {
	c := peerContext(t)
	f := newFixture(t, c)
	f.sender.fail = errors.New("connection closed")
	f.addPeer(t, 2, map[int64]cluster.ContextState{7: cluster.Ready})

	f.orch.Tick()
	assert.NotEmpty(t, f.sender.jobs)
	assert.Equal(t, 3, c.QueueSize(), "every path came back")
}

func TestTickPrimesPeersOnce(t *testing.T) {
	c := solving.New(quietLogger(), solving.Options{Self: 1, Originator: 1, Cutoff: 0.1})
	require.NoError(t, c.SetFormula([]byte(formula)))
	require.NoError(t, c.Start())
	f := newFixture(t, c)
	require.NoError(t, f.store.Put(1, []byte(formula)))
	f.addPeer(t, 2, nil)
	f.addPeer(t, 3, map[int64]cluster.ContextState{1: cluster.FormulaReceived})

	f.orch.Tick()
	assert.Equal(t, map[int64]int64{2: 1}, f.sender.formulas, "peer 3 already has it")
	require.Len(t, f.sender.jobs, 1)
	init := f.sender.jobs[0]
	assert.Equal(t, int64(2), init.peer)
	assert.Equal(t, cluster.JobKindInitiator, init.msg.Kind)
	assert.Equal(t, c.AllowanceMap(), init.msg.Initiator.AllowanceMap)
	assert.True(t, f.orch.Primed(1, 2))

	f.orch.Tick()
	assert.Len(t, f.sender.jobs, 1, "no second transfer")

	f.orch.NodeOffline(2)
	assert.False(t, f.orch.Primed(1, 2))
}

func TestFailedPrimingIsRetried(t *testing.T) {
	c := solving.New(quietLogger(), solving.Options{Self: 1, Originator: 1, Cutoff: 0.1})
	require.NoError(t, c.SetFormula([]byte(formula)))
	require.NoError(t, c.Start())
	f := newFixture(t, c)
	require.NoError(t, f.store.Put(1, []byte(formula)))
	f.addPeer(t, 2, nil)
	f.sender.fail = errors.New("unreachable")

	f.orch.Tick()
	assert.False(t, f.orch.Primed(1, 2))
}

func TestUnhealthyPeerIsRemoved(t *testing.T) {
	f := newFixture(t)
	f.orch.monitor = NewHealthMonitor(quietLogger(), time.Nanosecond, 1)
	f.orch.monitor.SetOnUnhealthy(func(id int64) { f.mem.Remove(id, "timeout") })
	f.addPeer(t, 2, nil)
	time.Sleep(time.Millisecond)

	f.orch.Tick()
	require.Eventually(t, func() bool {
		_, ok := f.mem.Get(2)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}
