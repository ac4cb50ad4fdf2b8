// Package node assembles a paracooba node from its parts: sockets,
// membership, gossip, stream connections, the orchestrator and the worker
// pool, plus a small HTTP surface for health, status and metrics.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/paracooba/internal/cluster"
	"github.com/dreamware/paracooba/internal/cnftree"
	"github.com/dreamware/paracooba/internal/config"
	"github.com/dreamware/paracooba/internal/coordinator"
	"github.com/dreamware/paracooba/internal/gossip"
	"github.com/dreamware/paracooba/internal/metrics"
	"github.com/dreamware/paracooba/internal/path"
	"github.com/dreamware/paracooba/internal/runner"
	"github.com/dreamware/paracooba/internal/solving"
	"github.com/dreamware/paracooba/internal/storage"
	"github.com/dreamware/paracooba/internal/transport"
)

// ErrNoContext is returned for queries about an originator this node has no
// context for.
var ErrNoContext = errors.New("node: no context for originator")

// announceEvery is the number of ticks between periodic announcements to
// the neighbours.
const announceEvery = 10

type treeKey struct {
	originator int64
	path       path.Path
}

// Node is one member of the cluster. A client node owns the formula it was
// started with; a daemon only works on formulas of others.
type Node struct {
	logger    logrus.FieldLogger
	cfg       config.Config
	mem       *cluster.Membership
	formulas  storage.Store
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
	transport *transport.Manager
	gossip    *gossip.Server
	monitor   *coordinator.HealthMonitor
	orch      *coordinator.Orchestrator
	pool      *runner.Pool

	udp     net.PacketConn
	tcp     net.Listener
	httpLn  net.Listener
	started time.Time

	contexts  map[int64]*solving.Context
	waiters   map[treeKey][]chan cluster.TreeStatusReply
	cursor    int
	idleSince time.Time
	quit      chan struct{}
	quitOnce  sync.Once
	mu        sync.RWMutex
}

// New opens the node's sockets and wires its components. cfg must have
// been finalized.
//
// Parameters:
//   - logger: Base logger, the node id is added to every entry
//   - cfg: Finalized configuration
//
// Returns:
//   - *Node: Node ready to Run
//   - error: A socket could not be opened
func New(logger logrus.FieldLogger, cfg config.Config) (*Node, error) {
	logger = logger.WithField("node", cfg.ID)

	udp, err := net.ListenPacket("udp", net.JoinHostPort("", strconv.Itoa(int(cfg.UDPListenPort))))
	if err != nil {
		return nil, fmt.Errorf("node: gossip socket: %w", err)
	}
	tcp, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(cfg.TCPListenPort))))
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("node: stream socket: %w", err)
	}
	var httpLn net.Listener
	if cfg.HTTPListenPort != 0 {
		httpLn, err = net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(cfg.HTTPListenPort))))
		if err != nil {
			udp.Close()
			tcp.Close()
			return nil, fmt.Errorf("node: http socket: %w", err)
		}
	}

	self := cluster.Descriptor{
		ID:            cfg.ID,
		Name:          cfg.LocalName,
		Host:          cfg.AdvertiseHost,
		UDPPort:       portOf(udp.LocalAddr()),
		TCPPort:       portOf(tcp.Addr()),
		Threads:       cfg.Threads,
		QueueCapacity: cfg.WorkQueueCapacity,
		Daemon:        cfg.Daemon,
	}
	if httpLn != nil {
		self.HTTPPort = portOf(httpLn.Addr())
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	n := &Node{
		logger:    logger,
		cfg:       cfg,
		mem:       cluster.NewMembership(logger, self, cfg.Neighbours),
		formulas:  storage.NewMemoryStore(),
		metrics:   metrics.New(registry),
		registry:  registry,
		udp:       udp,
		tcp:       tcp,
		httpLn:    httpLn,
		started:   time.Now(),
		contexts:  make(map[int64]*solving.Context),
		waiters:   make(map[treeKey][]chan cluster.TreeStatusReply),
		idleSince: time.Now(),
		quit:      make(chan struct{}),
	}

	n.transport = transport.NewManager(logger, transport.Options{
		Self:                cfg.ID,
		Retries:             cfg.ConnectionRetries,
		NetworkTimeout:      cfg.NetworkTimeout,
		ShortNetworkTimeout: cfg.ShortNetworkTimeout,
	}, n.mem, n, n.metrics)

	n.gossip = gossip.New(logger, udp, n.mem, gossip.Options{
		BroadcastAddress: cfg.IPBroadcastAddress,
		TargetPort:       cfg.UDPTargetPort,
		KnownRemotes:     knownRemotes(cfg.KnownRemotes, cfg.UDPTargetPort),
		AnnouncementRate: cfg.AnnouncementRate,
	}, n.metrics)
	n.gossip.SetResolver(n)
	n.gossip.OnAnnouncement(n.transport.Reachable)

	n.monitor = coordinator.NewHealthMonitor(logger, cfg.Tick, cfg.StatusTimeoutTicks)
	n.orch = coordinator.NewOrchestrator(logger, coordinator.Options{
		Tick:               cfg.Tick,
		MaxNodeUtilization: cfg.MaxNodeUtilization,
		QueueCapacity:      cfg.WorkQueueCapacity,
	}, n.mem, n.monitor, n.transport, n.gossip, n.formulas, n, n.metrics)

	n.pool = runner.New(logger, cfg.Threads, runner.SourceFunc(n.nextJob))
	n.mem.OnOffline(n.nodeOffline)
	return n, nil
}

func portOf(addr net.Addr) uint16 {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return uint16(a.Port)
	case *net.TCPAddr:
		return uint16(a.Port)
	}
	return 0
}

// knownRemotes adds the default port to entries given as a bare host.
func knownRemotes(remotes []string, port uint16) []string {
	out := make([]string, 0, len(remotes))
	for _, r := range remotes {
		if _, _, err := net.SplitHostPort(r); err != nil {
			r = net.JoinHostPort(r, strconv.Itoa(int(port)))
		}
		out = append(out, r)
	}
	return out
}

// ID is the node id.
func (n *Node) ID() int64 { return n.cfg.ID }

// Membership is the node's view of the cluster.
func (n *Node) Membership() *cluster.Membership { return n.mem }

// GossipAddr is the bound datagram address.
func (n *Node) GossipAddr() net.Addr { return n.udp.LocalAddr() }

// StreamAddr is the bound stream address.
func (n *Node) StreamAddr() net.Addr { return n.tcp.Addr() }

// Stop asks Run to leave the cluster and return.
func (n *Node) Stop() {
	n.quitOnce.Do(func() { close(n.quit) })
}

// Run serves until ctx is done, Stop is called, a daemon idled for longer
// than the auto shutdown delay or a component failed. Before returning the
// node tells its peers it is leaving.
func (n *Node) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return n.gossip.Serve(gctx) })
	g.Go(func() error { return n.transport.Serve(gctx, n.tcp) })
	g.Go(func() error { return n.pool.Run(gctx) })
	g.Go(func() error { return n.orch.Run(gctx) })
	g.Go(func() error { return n.housekeeping(gctx) })
	if n.httpLn != nil {
		g.Go(func() error { return n.serveHTTP(gctx) })
	}

	n.logger.WithFields(logrus.Fields{
		"gossip": n.udp.LocalAddr().String(),
		"stream": n.tcp.Addr().String(),
		"daemon": n.cfg.Daemon,
	}).Info("node started")
	n.gossip.Announce()
	n.gossip.RequestAnnouncements("")

	select {
	case <-ctx.Done():
	case <-n.quit:
	case <-gctx.Done():
	}
	n.leave()
	cancel()
	err := g.Wait()
	n.dumpTrees()
	n.logger.Info("node stopped")
	return err
}

// housekeeping re-announces the node periodically and enforces the auto
// shutdown delay.
func (n *Node) housekeeping(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.Tick)
	defer ticker.Stop()
	for ticks := 1; ; ticks++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if ticks%announceEvery == 0 {
			n.gossip.Announce()
		}
		if n.idleTooLong() {
			n.logger.WithField("after", time.Duration(n.cfg.AutoShutdown)*time.Second).Info("auto shutdown")
			n.Stop()
			return nil
		}
	}
}

func (n *Node) idleTooLong() bool {
	if !n.cfg.Daemon || n.cfg.AutoShutdown < 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.contexts) > 0 {
		n.idleSince = time.Now()
		return false
	}
	return time.Since(n.idleSince) >= time.Duration(n.cfg.AutoShutdown)*time.Second
}

// leave announces the departure over gossip and every live stream, stops
// all local work and closes the connections.
func (n *Node) leave() {
	n.gossip.Offline("shutdown")
	offline := cluster.Envelope{
		Kind:    cluster.KindOffline,
		Origin:  n.cfg.ID,
		Offline: &cluster.OfflineAnnouncement{Reason: "shutdown"},
	}
	for peer, st := range n.transport.Connected() {
		if st == transport.Active {
			n.transport.SendControl(peer, offline, nil)
		}
	}
	for _, c := range n.Contexts() {
		c.Close()
	}
	n.transport.Close()
}

// dumpTrees writes each context's tree as dot into the dump directory.
func (n *Node) dumpTrees() {
	if n.cfg.DumpTreeDir == "" {
		return
	}
	if err := os.MkdirAll(n.cfg.DumpTreeDir, 0o755); err != nil {
		n.logger.WithError(err).Warn("creating tree dump directory")
		return
	}
	for _, c := range n.Contexts() {
		name := filepath.Join(n.cfg.DumpTreeDir, fmt.Sprintf("tree-%d-%d.dot", n.cfg.ID, c.Originator()))
		if err := writeDump(name, c); err != nil {
			n.logger.WithError(err).WithField("file", name).Warn("dumping tree")
		}
	}
}

func writeDump(name string, c *solving.Context) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := c.Dump(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Contexts lists the solving contexts ordered by originator.
func (n *Node) Contexts() []*solving.Context {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*solving.Context, 0, len(n.contexts))
	for _, c := range n.contexts {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *solving.Context) int {
		switch {
		case a.Originator() < b.Originator():
			return -1
		case a.Originator() > b.Originator():
			return 1
		}
		return 0
	})
	return out
}

// Context returns the context for originator.
func (n *Node) Context(originator int64) (*solving.Context, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.contexts[originator]
	return c, ok
}

// contextFor returns the context for originator, creating it if needed.
func (n *Node) contextFor(originator int64) *solving.Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.contexts[originator]; ok {
		return c
	}
	c := solving.New(n.logger, solving.Options{
		Self:           n.cfg.ID,
		Originator:     originator,
		Cutoff:         n.cfg.FreqCuberCutoff,
		AutoStopFactor: n.cfg.AutoStopFactor,
		Sender:         n.transport,
		RetryDelay:     n.cfg.ShortNetworkTimeout,
		Metrics:        n.metrics,
		OnStateChange: func(orig int64, st cluster.ContextState) {
			n.mem.SetSelfContext(orig, st)
			if st == cluster.Ready {
				n.pool.Wake()
			}
		},
	})
	n.contexts[originator] = c
	n.mem.SetSelfContext(originator, c.State())
	return c
}

// forget drops the context of originator.
func (n *Node) forget(originator int64) {
	n.mu.Lock()
	c, ok := n.contexts[originator]
	delete(n.contexts, originator)
	n.mu.Unlock()
	if !ok {
		return
	}
	c.Close()
	n.mem.DropSelfContext(originator)
	if err := n.formulas.Delete(originator); err != nil && !errors.Is(err, storage.ErrFormulaNotFound) {
		n.logger.WithError(err).Debug("deleting formula")
	}
	n.logger.WithField("originator", originator).Info("dropped context")
}

// Submit makes this node the originator of formula and starts solving it.
// The returned context's Done channel is closed once the result is known.
func (n *Node) Submit(formula []byte) (*solving.Context, error) {
	if n.cfg.Daemon {
		return nil, fmt.Errorf("node: daemon %d cannot originate formulas", n.cfg.ID)
	}
	if err := n.formulas.Put(n.cfg.ID, formula); err != nil {
		return nil, err
	}
	c := n.contextFor(n.cfg.ID)
	if err := c.SetFormula(formula); err != nil {
		return c, err
	}
	if err := c.Start(); err != nil {
		return c, err
	}
	n.pool.Wake()
	return c, nil
}

// nextJob hands the workers tasks from all contexts in turn.
func (n *Node) nextJob() (runner.Job, bool) {
	ctxs := n.Contexts()
	if len(ctxs) == 0 {
		return nil, false
	}
	n.mu.Lock()
	start := n.cursor
	n.cursor++
	n.mu.Unlock()
	for i := range ctxs {
		c := ctxs[(start+i)%len(ctxs)]
		h, t, ok := c.NextTask()
		if !ok {
			continue
		}
		return func(ctx context.Context) { c.Execute(ctx, h, t) }, true
	}
	return nil, false
}

// nodeOffline recovers the work handed to a peer that left and drops the
// contexts it originated.
func (n *Node) nodeOffline(id int64, reason string) {
	for _, c := range n.Contexts() {
		if readded := c.NodeOffline(id); readded > 0 {
			n.logger.WithFields(logrus.Fields{
				"peer":       id,
				"originator": c.Originator(),
				"tasks":      readded,
			}).Info("recovered offloaded work")
			n.pool.Wake()
		}
	}
	n.orch.NodeOffline(id)
	if _, ok := n.Context(id); ok {
		n.forget(id)
	}
	if reason != "unreachable" {
		n.transport.Disconnect(id)
	}
}

// HandleFormula stores a formula received from a peer and parses it into
// the originator's context.
func (n *Node) HandleFormula(peer, originator int64, formula []byte) {
	logger := n.logger.WithFields(logrus.Fields{"peer": peer, "originator": originator})
	if originator == n.cfg.ID {
		logger.Warn("ignoring own formula")
		return
	}
	if err := n.formulas.Put(originator, formula); err != nil {
		logger.WithError(err).Warn("storing formula")
		return
	}
	if err := n.contextFor(originator).SetFormula(formula); err != nil {
		logger.WithError(err).Error("formula not usable")
	}
}

// HandleJob applies a job message received from a peer.
func (n *Node) HandleJob(peer int64, msg cluster.JobMessage) {
	logger := n.logger.WithFields(logrus.Fields{"peer": peer, "originator": msg.Originator, "kind": msg.Kind})
	switch msg.Kind {
	case cluster.JobKindInitiator:
		if err := n.contextFor(msg.Originator).SetInitiator(*msg.Initiator); err != nil {
			logger.WithError(err).Warn("initiator not applied")
		}

	case cluster.JobKindPath:
		c, ok := n.Context(msg.Originator)
		err := ErrNoContext
		if ok {
			err = c.AddRemotePath(msg.Path.Path, msg.Path.Cube, peer)
		}
		if err != nil {
			// The sender takes an unsolved path back into its own work.
			logger.WithError(err).WithField("path", msg.Path.Path.String()).Info("giving path back")
			n.transport.SendJob(peer, cluster.JobMessage{
				Kind:       cluster.JobKindResult,
				Originator: msg.Originator,
				Result:     &cluster.JobResult{Path: msg.Path.Path, Result: "unsolved"},
			}, nil)
			return
		}
		n.pool.Wake()

	case cluster.JobKindResult:
		c, ok := n.Context(msg.Originator)
		if !ok {
			logger.Debug("result for unknown context")
			return
		}
		c.HandleResult(peer, *msg.Result)
		n.pool.Wake()

	default:
		logger.Debug("ignoring unknown job message")
	}
}

// HandleControl applies membership messages that arrived over a stream.
func (n *Node) HandleControl(peer int64, env cluster.Envelope) {
	switch env.Kind {
	case cluster.KindOffline:
		n.mem.Remove(peer, env.Offline.Reason)
	case cluster.KindNodeStatus:
		n.mem.ApplyStatus(peer, *env.Status)
	default:
		n.logger.WithFields(logrus.Fields{"peer": peer, "kind": env.Kind}).Debug("ignoring control message")
	}
}

// TreeState answers tree status queries for local contexts.
func (n *Node) TreeState(originator int64, p path.Path) (cnftree.State, int64, bool) {
	c, ok := n.Context(originator)
	if !ok {
		return cnftree.UnknownPath, cnftree.UnknownOwner, false
	}
	st, owner := c.TreeState(p)
	return st, owner, true
}

// TreeStatusReply delivers the answer to a query started by QueryTree.
func (n *Node) TreeStatusReply(reply cluster.TreeStatusReply) {
	key := treeKey{originator: reply.Originator, path: reply.Path}
	n.mu.Lock()
	waiting := n.waiters[key]
	delete(n.waiters, key)
	n.mu.Unlock()
	for _, ch := range waiting {
		ch <- reply
	}
}

// QueryTree reports the state of p in originator's tree. Positions that
// were handed to a peer are resolved by asking along the owner chain.
func (n *Node) QueryTree(ctx context.Context, originator int64, p path.Path) (cnftree.State, error) {
	st, owner, ok := n.TreeState(originator, p)
	if !ok {
		return cnftree.UnknownPath, fmt.Errorf("%w %d", ErrNoContext, originator)
	}
	if owner <= cnftree.Local || st.Terminal() {
		return st, nil
	}

	key := treeKey{originator: originator, path: p}
	ch := make(chan cluster.TreeStatusReply, 1)
	n.mu.Lock()
	n.waiters[key] = append(n.waiters[key], ch)
	n.mu.Unlock()
	defer n.dropWaiter(key, ch)

	if err := n.gossip.RequestTreeStatus(originator, p, owner); err != nil {
		return st, err
	}
	select {
	case rep := <-ch:
		return cnftree.ParseState(rep.State), nil
	case <-ctx.Done():
		return st, ctx.Err()
	}
}

func (n *Node) dropWaiter(key treeKey, ch chan cluster.TreeStatusReply) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.waiters[key] = slices.DeleteFunc(n.waiters[key], func(c chan cluster.TreeStatusReply) bool { return c == ch })
	if len(n.waiters[key]) == 0 {
		delete(n.waiters, key)
	}
}

// serveHTTP runs the status server until ctx is done.
func (n *Node) serveHTTP(ctx context.Context) error {
	s := &http.Server{
		Handler:           n.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()
	n.logger.WithField("addr", n.httpLn.Addr().String()).Info("http listening")
	if err := s.Serve(n.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("node: http: %w", err)
	}
	return nil
}
