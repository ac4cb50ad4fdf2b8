package node

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/paracooba/internal/cluster"
	"github.com/dreamware/paracooba/internal/config"
	"github.com/dreamware/paracooba/internal/engine"
	"github.com/dreamware/paracooba/internal/path"
)

const satFormula = `p cnf 3 4
1 2 0
-1 2 0
-2 3 0
1 -3 0
`

const unsatFormula = `p cnf 2 4
1 2 0
-1 2 0
1 -2 0
-1 -2 0
`

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(t *testing.T, id int64, daemon bool) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ID = id
	cfg.LocalName = "node-" + strconv.FormatInt(id, 10)
	cfg.UDPListenPort = 0
	cfg.TCPListenPort = 0
	cfg.HTTPListenPort = 0
	cfg.AdvertiseHost = "127.0.0.1"
	cfg.IPBroadcastAddress = ""
	cfg.Threads = 2
	cfg.Tick = 20 * time.Millisecond
	cfg.NetworkTimeout = 500 * time.Millisecond
	cfg.ShortNetworkTimeout = 20 * time.Millisecond
	cfg.ConnectionRetries = 3
	cfg.StatusTimeoutTicks = 50
	cfg.Daemon = daemon
	require.NoError(t, cfg.Finalize())
	return cfg
}

func newNode(t *testing.T, cfg config.Config) *Node {
	t.Helper()
	n, err := New(quietLogger(), cfg)
	require.NoError(t, err)
	return n
}

// start runs n until the test ends.
func start(t *testing.T, n *Node) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(10 * time.Second):
			t.Error("node did not stop")
		}
	})
	return errc
}

func gossipAddr(n *Node) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(int(portOf(n.GossipAddr()))))
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("no result")
	}
}

func TestKnownRemotes(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"empty", nil, []string{}},
		{"bare host", []string{"10.0.0.1"}, []string{"10.0.0.1:18001"}},
		{"with port", []string{"10.0.0.1:19000"}, []string{"10.0.0.1:19000"}},
		{"ipv6", []string{"::1"}, []string{"[::1]:18001"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, knownRemotes(tt.in, 18001))
		})
	}
}

func TestSubmitSolvesLocally(t *testing.T) {
	tests := []struct {
		name    string
		formula string
		want    engine.Status
	}{
		{"satisfiable", satFormula, engine.Sat},
		{"unsatisfiable", unsatFormula, engine.Unsat},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newNode(t, testConfig(t, int64(10+i), false))
			start(t, n)

			c, err := n.Submit([]byte(tt.formula))
			require.NoError(t, err)
			waitDone(t, c.Done())

			st, model := c.Result()
			assert.Equal(t, tt.want, st)
			if tt.want == engine.Sat {
				assert.Equal(t, []int{1, 2, 3}, model)
			}
		})
	}
}

func TestDaemonRejectsSubmit(t *testing.T) {
	n := newNode(t, testConfig(t, 20, true))
	_, err := n.Submit([]byte(satFormula))
	assert.Error(t, err)
	assert.Empty(t, n.Contexts())
}

func TestSubmitParseError(t *testing.T) {
	n := newNode(t, testConfig(t, 21, false))
	c, err := n.Submit([]byte("p cnf 2 1\n1 x 0\n"))
	assert.ErrorIs(t, err, engine.ErrParse)
	require.NotNil(t, c)
	assert.Equal(t, cluster.ParseError, c.State())
}

func TestClientPrimesDaemonAndLeaves(t *testing.T) {
	daemon := newNode(t, testConfig(t, 30, true))
	start(t, daemon)

	cfg := testConfig(t, 31, false)
	cfg.KnownRemotes = []string{gossipAddr(daemon)}
	client := newNode(t, cfg)
	clientErr := start(t, client)

	require.Eventually(t, func() bool {
		a, ok := daemon.Membership().Get(client.ID())
		b, ok2 := client.Membership().Get(daemon.ID())
		return ok && ok2 && a.FullyKnown && b.FullyKnown
	}, 10*time.Second, 10*time.Millisecond, "nodes learn each other")

	c, err := client.Submit([]byte(satFormula))
	require.NoError(t, err)
	waitDone(t, c.Done())
	st, _ := c.Result()
	assert.Equal(t, engine.Sat, st)

	require.Eventually(t, func() bool {
		dc, ok := daemon.Context(client.ID())
		return ok && dc.State() == cluster.Ready
	}, 10*time.Second, 10*time.Millisecond, "daemon receives formula and allowance map")
	assert.True(t, client.orch.Primed(client.ID(), daemon.ID()))

	client.Stop()
	select {
	case err := <-clientErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("client did not stop")
	}

	require.Eventually(t, func() bool {
		_, known := daemon.Membership().Get(client.ID())
		_, ctx := daemon.Context(client.ID())
		return !known && !ctx
	}, 10*time.Second, 10*time.Millisecond, "daemon forgets the client and its context")
}

func TestDaemonAutoShutdown(t *testing.T) {
	cfg := testConfig(t, 40, true)
	cfg.AutoShutdown = 0
	n := newNode(t, cfg)

	errc := make(chan error, 1)
	go func() { errc <- n.Run(context.Background()) }()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		n.Stop()
		t.Fatal("daemon did not shut down")
	}
}

func TestTreesAreDumpedOnExit(t *testing.T) {
	cfg := testConfig(t, 50, false)
	cfg.DumpTreeDir = filepath.Join(t.TempDir(), "trees")
	n := newNode(t, cfg)

	errc := make(chan error, 1)
	go func() { errc <- n.Run(context.Background()) }()
	c, err := n.Submit([]byte(unsatFormula))
	require.NoError(t, err)
	waitDone(t, c.Done())
	n.Stop()
	require.NoError(t, <-errc)

	data, err := os.ReadFile(filepath.Join(cfg.DumpTreeDir, "tree-50-50.dot"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "digraph")
}

func TestHandleJobWithoutContext(t *testing.T) {
	n := newNode(t, testConfig(t, 60, true))
	t.Cleanup(n.transport.Close)

	// Peer 61 is unknown, the give-back fails quietly.
	n.HandleJob(61, cluster.JobMessage{
		Kind:       cluster.JobKindPath,
		Originator: 61,
		Path:       &cluster.JobPath{Path: path.Root},
	})
	assert.Empty(t, n.Contexts())

	n.HandleJob(61, cluster.JobMessage{
		Kind:       cluster.JobKindInitiator,
		Originator: 61,
		Initiator:  &cluster.JobInitiator{AllowanceMap: []int{1, 2, 3}},
	})
	c, ok := n.Context(61)
	require.True(t, ok, "allowance map creates the context")
	assert.Equal(t, cluster.Initializing, c.State())

	n.HandleFormula(61, 61, []byte(satFormula))
	assert.Equal(t, cluster.Ready, c.State())
	assert.Equal(t, []int{1, 2, 3}, c.AllowanceMap())
	assert.Equal(t, cluster.Ready, n.Membership().Self().Contexts[61])
}

func TestHandleControl(t *testing.T) {
	n := newNode(t, testConfig(t, 70, true))
	_, err := n.Membership().ApplyAnnouncement(cluster.OnlineAnnouncement{Node: cluster.Descriptor{
		ID: 71, Host: "127.0.0.1", UDPPort: 1, TCPPort: 1, QueueCapacity: 1,
	}}, "")
	require.NoError(t, err)

	n.HandleControl(71, cluster.Envelope{Kind: cluster.KindNodeStatus, Origin: 71, Status: &cluster.NodeStatus{QueueSize: 5}})
	peer, ok := n.Membership().Get(71)
	require.True(t, ok)
	assert.Equal(t, 5, peer.QueueSize)

	n.HandleControl(71, cluster.Envelope{Kind: cluster.KindOffline, Origin: 71, Offline: &cluster.OfflineAnnouncement{Reason: "shutdown"}})
	_, ok = n.Membership().Get(71)
	assert.False(t, ok)
}

func TestQueryTreeLocal(t *testing.T) {
	n := newNode(t, testConfig(t, 80, false))
	start(t, n)
	c, err := n.Submit([]byte(unsatFormula))
	require.NoError(t, err)
	waitDone(t, c.Done())

	st, err := n.QueryTree(context.Background(), 80, path.Root)
	require.NoError(t, err)
	assert.Equal(t, "unsat", st.String())

	_, err = n.QueryTree(context.Background(), 99, path.Root)
	assert.ErrorIs(t, err, ErrNoContext)
}

func TestHTTPHandler(t *testing.T) {
	n := newNode(t, testConfig(t, 90, false))
	_, err := n.Submit([]byte(satFormula))
	require.NoError(t, err)
	h := n.Handler()

	tests := []struct {
		name   string
		method string
		target string
		code   int
		body   string
	}{
		{"health", http.MethodGet, "/health", http.StatusOK, "ok"},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK, "paracooba_"},
		{"status wrong method", http.MethodPost, "/status", http.StatusMethodNotAllowed, ""},
		{"tree bad originator", http.MethodGet, "/tree?originator=x", http.StatusBadRequest, ""},
		{"tree bad path", http.MethodGet, "/tree?originator=90&path=abc", http.StatusBadRequest, ""},
		{"tree unknown originator", http.MethodGet, "/tree?originator=91&path=a", http.StatusNotFound, ""},
		{"tree root", http.MethodGet, "/tree?originator=90&path=", http.StatusOK, `"originator":90`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))
			assert.Equal(t, tt.code, rec.Code)
			if tt.body != "" {
				assert.True(t, strings.Contains(rec.Body.String(), tt.body), rec.Body.String())
			}
		})
	}

	t.Run("status", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var st StatusInfo
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
		assert.Equal(t, int64(90), st.Node.ID)
		require.Len(t, st.Contexts, 1)
		assert.Equal(t, int64(90), st.Contexts[0].Originator)
		assert.Equal(t, 1, st.Storage.Formulas)
		assert.Equal(t, 2, st.Workers)
	})
}
