package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/paracooba/internal/cluster"
	"github.com/dreamware/paracooba/internal/metrics"
)

// ErrUnknownPeer is returned when no stream endpoint is known for a peer.
var ErrUnknownPeer = errors.New("transport: no endpoint for peer")

// Directory resolves peers and is told about connection events.
// *cluster.Membership implements it.
type Directory interface {
	ValidPeer(id int64) error
	Endpoint(id int64) (string, bool)
	Attach(id int64)
	MarkUnreachable(id int64)
}

// Options tune a Manager.
type Options struct {
	Self int64
	// Retries is the number of consecutive failed attempts after which a
	// peer is declared unreachable.
	Retries int
	// NetworkTimeout bounds dialing and the handshake, and is the delay
	// before reconnecting after a session ended.
	NetworkTimeout time.Duration
	// ShortNetworkTimeout is the delay before retrying a refused dial.
	ShortNetworkTimeout time.Duration
}

// Manager owns the stream connections of a node, one per peer. A link the
// peer dialed while ours was being set up is only read until the peer ends
// it.
type Manager struct {
	logger      logrus.FieldLogger
	dir         Directory
	handler     Handler
	metrics     *metrics.Metrics
	ctx         context.Context
	cancel      context.CancelFunc
	conns       map[int64]*Connection
	passive     map[*Connection]struct{}
	unreachable map[int64]bool
	opts        Options
	wg          sync.WaitGroup
	mu          sync.Mutex
}

// NewManager creates a connection manager. m may be nil.
func NewManager(logger logrus.FieldLogger, opts Options, dir Directory, handler Handler, m *metrics.Metrics) *Manager {
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = time.Second
	}
	if opts.ShortNetworkTimeout <= 0 {
		opts.ShortNetworkTimeout = opts.NetworkTimeout / 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:      logger,
		dir:         dir,
		handler:     handler,
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[int64]*Connection),
		passive:     make(map[*Connection]struct{}),
		unreachable: make(map[int64]bool),
		opts:        opts,
	}
}

func (m *Manager) observe(mode Mode, direction string) {
	m.metrics.Message(mode.String(), direction)
}

// Serve accepts connections on ln until ctx is done or Close is called.
func (m *Manager) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-m.ctx.Done():
		}
		ln.Close()
	}()
	m.logger.WithField("addr", ln.Addr().String()).Info("accepting stream connections")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || m.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		m.wg.Add(1)
		go m.accept(conn)
	}
}

func (m *Manager) validator(expect int64) func(int64) error {
	return func(id int64) error {
		if err := m.dir.ValidPeer(id); err != nil {
			return err
		}
		if expect != 0 && id != expect {
			return fmt.Errorf("expected %d", expect)
		}
		return nil
	}
}

func (m *Manager) accept(conn net.Conn) {
	defer m.wg.Done()
	logger := m.logger.WithField("remote", conn.RemoteAddr().String())

	rd := newReader(conn, m.validator(0))
	conn.SetDeadline(time.Now().Add(m.opts.NetworkTimeout))
	peer, err := rd.readHandshake()
	if err == nil {
		err = writeHandshake(conn, m.opts.Self)
	}
	if err != nil {
		logger.WithError(err).Warn("dropping incoming connection")
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	// When both sides dialed, the link dialed by the lower id is kept on
	// both ends. The lower id reads the other link until the peer hands
	// it over and ends it; the higher id moves its queue to the kept link.
	c := newConnection(m.logger, peer, false)
	m.mu.Lock()
	prev, exists := m.conns[peer]
	passive := exists && prev.outgoing && m.opts.Self < peer
	if passive {
		m.passive[c] = struct{}{}
	} else {
		m.conns[peer] = c
		delete(m.unreachable, peer)
		if exists {
			prev.handOver(c)
		}
	}
	m.mu.Unlock()

	if passive {
		logger.WithField("peer", peer).Debug("peer dialed as well, keeping our link")
	} else {
		if exists {
			logger.WithField("peer", peer).Debug("replacing link with the accepted one")
		}
		m.dir.Attach(peer)
	}
	err = c.session(m.ctx, conn, rd, m.handler, m.observe)
	m.finish(c, err)
}

// finish retires c after its last session.
func (m *Manager) finish(c *Connection, err error) {
	if !graceful(err) && !errors.Is(err, ErrClosed) {
		c.logger.WithError(err).Debug("connection ended")
	}
	m.mu.Lock()
	if m.conns[c.peer] == c {
		delete(m.conns, c.peer)
	}
	delete(m.passive, c)
	m.mu.Unlock()
	c.shutdown(ErrClosed)
}

func (m *Manager) dial(peer int64) (net.Conn, *reader, error) {
	addr, ok := m.dir.Endpoint(peer)
	if !ok {
		return nil, nil, fmt.Errorf("%w %d", ErrUnknownPeer, peer)
	}
	d := net.Dialer{Timeout: m.opts.NetworkTimeout}
	conn, err := d.DialContext(m.ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	conn.SetDeadline(time.Now().Add(m.opts.NetworkTimeout))
	rd := newReader(conn, m.validator(peer))
	err = writeHandshake(conn, m.opts.Self)
	if err == nil {
		_, err = rd.readHandshake()
	}
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	conn.SetDeadline(time.Time{})
	return conn, rd, nil
}

// runOutgoing dials peer and serves sessions until the connection ends for
// good or the retry ceiling is reached.
func (m *Manager) runOutgoing(c *Connection) {
	defer m.wg.Done()
	failures := 0
	for {
		if m.ctx.Err() != nil || c.replaced() {
			m.finish(c, ErrClosed)
			return
		}
		delay := m.opts.NetworkTimeout
		conn, rd, err := m.dial(c.peer)
		if err == nil {
			failures = 0
			err = c.session(m.ctx, conn, rd, m.handler, m.observe)
			if graceful(err) || c.resumeMode() == EndAfterShutdown || m.ctx.Err() != nil {
				m.finish(c, err)
				return
			}
			c.logger.WithError(err).Info("connection lost, reconnecting")
		} else if errors.Is(err, syscall.ECONNREFUSED) {
			delay = m.opts.ShortNetworkTimeout
		}
		c.setState(Initializing)
		if c.replaced() {
			m.finish(c, ErrClosed)
			return
		}

		failures++
		if failures > m.opts.Retries {
			c.logger.WithError(err).Warn("peer unreachable")
			m.mu.Lock()
			if m.conns[c.peer] == c {
				delete(m.conns, c.peer)
			}
			m.unreachable[c.peer] = true
			m.mu.Unlock()
			c.shutdown(ErrUnreachable)
			m.dir.MarkUnreachable(c.peer)
			return
		}

		t := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
}

// connection returns the link to peer, dialing a new one if needed.
func (m *Manager) connection(peer int64) (*Connection, error) {
	if err := m.dir.ValidPeer(peer); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if m.unreachable[peer] {
		return nil, fmt.Errorf("%w: %d", ErrUnreachable, peer)
	}
	if c, ok := m.conns[peer]; ok {
		return c, nil
	}
	c := newConnection(m.logger, peer, true)
	m.conns[peer] = c
	m.wg.Add(1)
	go m.runOutgoing(c)
	return c, nil
}

func (m *Manager) send(peer int64, it *item) {
	c, err := m.connection(peer)
	if err != nil {
		it.finish(err)
		return
	}
	c.enqueue(it)
}

// SendFormula queues a formula transfer to peer. done is called exactly
// once, after the bytes were written or when the transfer failed.
func (m *Manager) SendFormula(peer, originator int64, formula []byte, done func(error)) {
	m.send(peer, &item{mode: ModeFormula, originator: originator, payload: formula, done: done})
}

// SendJob queues a job description to peer.
func (m *Manager) SendJob(peer int64, msg cluster.JobMessage, done func(error)) {
	data, err := json.Marshal(msg)
	if err != nil {
		if done != nil {
			done(err)
		}
		return
	}
	m.send(peer, &item{mode: ModeJobDescription, payload: data, done: done})
}

// SendControl queues a control envelope to peer.
func (m *Manager) SendControl(peer int64, env cluster.Envelope, done func(error)) {
	data, err := json.Marshal(env)
	if err != nil {
		if done != nil {
			done(err)
		}
		return
	}
	m.send(peer, &item{mode: ModeControl, payload: data, done: done})
}

// Reachable clears the unreachable mark of peer, typically after a fresh
// announcement.
func (m *Manager) Reachable(peer int64) {
	m.mu.Lock()
	delete(m.unreachable, peer)
	m.mu.Unlock()
}

// Disconnect ends the connections to peer with an end token.
func (m *Manager) Disconnect(peer int64) {
	m.mu.Lock()
	var conns []*Connection
	if c, ok := m.conns[peer]; ok {
		conns = append(conns, c)
	}
	for c := range m.passive {
		if c.peer == peer {
			conns = append(conns, c)
		}
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.end()
	}
}

// Connected lists the peers with a live connection.
func (m *Manager) Connected() map[int64]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]State, len(m.conns))
	for id, c := range m.conns {
		out[id] = c.State()
	}
	return out
}

// Close ends every connection and waits for them to finish. Connections
// are given up to NetworkTimeout to deliver their end token.
func (m *Manager) Close() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns)+len(m.passive))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	for c := range m.passive {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.end()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.opts.NetworkTimeout):
	}
	m.cancel()
	<-done
}
