package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/paracooba/internal/cluster"
)

// State is the lifecycle state of a Connection.
type State uint8

const (
	Initializing State = iota
	Active
	Dead
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	default:
		return "dead"
	}
}

// ResumeMode decides what happens after a session ends.
type ResumeMode uint8

const (
	// RestartAfterShutdown reconnects after an unexpected end.
	RestartAfterShutdown ResumeMode = iota
	// EndAfterShutdown ends the connection for good.
	EndAfterShutdown
)

var (
	errEndSent     = errors.New("transport: end token sent")
	errEndReceived = errors.New("transport: end token received")
)

func graceful(err error) bool {
	return errors.Is(err, errEndSent) || errors.Is(err, errEndReceived)
}

// Handler receives the decoded units of every connection. Calls for one
// connection are serialized.
type Handler interface {
	HandleFormula(peer, originator int64, formula []byte)
	HandleJob(peer int64, msg cluster.JobMessage)
	HandleControl(peer int64, env cluster.Envelope)
}

// item is one queued outgoing unit. done is called exactly once.
type item struct {
	done       func(error)
	payload    []byte
	originator int64
	mode       Mode
	once       sync.Once
}

func (it *item) finish(err error) {
	it.once.Do(func() {
		if it.done != nil {
			it.done(err)
		}
	})
}

// Connection is the stream link to one peer. It survives reconnects: its
// queue is kept until the connection is dead.
type Connection struct {
	logger   logrus.FieldLogger
	deadErr  error
	signal   chan struct{}
	next     *Connection
	queue    []*item
	peer     int64
	mu       sync.Mutex
	state    State
	resume   ResumeMode
	outgoing bool
	endSent  bool
}

func newConnection(logger logrus.FieldLogger, peer int64, outgoing bool) *Connection {
	c := &Connection{
		logger:   logger.WithFields(logrus.Fields{"peer": peer, "outgoing": outgoing}),
		signal:   make(chan struct{}, 1),
		peer:     peer,
		outgoing: outgoing,
		resume:   RestartAfterShutdown,
	}
	if !outgoing {
		c.resume = EndAfterShutdown
	}
	return c
}

// Peer is the remote node id.
func (c *Connection) Peer() int64 { return c.peer }

// State returns the lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) resumeMode() ResumeMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resume
}

// Pending is the number of queued units not yet written.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// enqueue appends it to the FIFO queue. On a dead connection it fails
// immediately; on a replaced one it goes to the replacement.
func (c *Connection) enqueue(it *item) {
	c.mu.Lock()
	if c.next != nil && it.mode != ModeEndToken {
		next := c.next
		c.mu.Unlock()
		next.enqueue(it)
		return
	}
	if c.state == Dead {
		err := c.deadErr
		c.mu.Unlock()
		it.finish(err)
		return
	}
	c.queue = append(c.queue, it)
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// end queues an end token; the connection does not resume afterwards.
func (c *Connection) end() {
	c.mu.Lock()
	c.resume = EndAfterShutdown
	c.mu.Unlock()
	c.enqueue(&item{mode: ModeEndToken})
}

// handOver makes next the link to the peer. Queued units move to next in
// order, units queued on c later are forwarded, and c ends after writing
// what it already started.
func (c *Connection) handOver(next *Connection) {
	c.mu.Lock()
	pending := c.queue
	c.queue = []*item{{mode: ModeEndToken}}
	c.next = next
	c.resume = EndAfterShutdown
	c.mu.Unlock()
	for _, it := range pending {
		if it.mode != ModeEndToken {
			next.enqueue(it)
		}
	}
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Connection) replaced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next != nil
}

// forward passes it to the replacement of c, if there is one.
func (c *Connection) forward(it *item) bool {
	c.mu.Lock()
	next := c.next
	c.mu.Unlock()
	if next == nil || it.mode == ModeEndToken {
		return false
	}
	next.enqueue(it)
	return true
}

// shutdown marks the connection dead and fails every queued unit with err.
func (c *Connection) shutdown(err error) {
	c.mu.Lock()
	c.state = Dead
	c.deadErr = err
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()
	for _, it := range pending {
		if !c.forward(it) {
			it.finish(err)
		}
	}
}

func (c *Connection) pop(ctx context.Context) (*item, bool) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			it := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return it, true
		}
		c.mu.Unlock()
		select {
		case <-c.signal:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// session serves one established link until either side ends it. The
// returned error is never nil.
func (c *Connection) session(ctx context.Context, conn net.Conn, rd *reader, h Handler, observe func(Mode, string)) error {
	c.setState(Active)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.readLoop(rd, h, observe)
	})
	g.Go(func() error {
		return c.writeLoop(ctx, conn, observe)
	})
	g.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})
	err := g.Wait()
	c.mu.Lock()
	sent := c.endSent
	c.mu.Unlock()
	switch {
	case sent:
		return errEndSent
	case err == nil:
		return ErrClosed
	}
	return err
}

func (c *Connection) readLoop(rd *reader, h Handler, observe func(Mode, string)) error {
	for {
		f, err := rd.next()
		if err != nil {
			return err
		}
		observe(f.Mode, "in")
		switch f.Mode {
		case ModeEndToken:
			c.mu.Lock()
			c.resume = EndAfterShutdown
			c.mu.Unlock()
			return errEndReceived
		case ModeFormula:
			h.HandleFormula(c.peer, f.Originator, f.Payload)
		case ModeJobDescription:
			msg, err := cluster.DecodeJob(f.Payload)
			if err != nil {
				return err
			}
			h.HandleJob(c.peer, msg)
		case ModeControl:
			env, err := cluster.DecodeEnvelope(f.Payload)
			if err != nil {
				return err
			}
			h.HandleControl(c.peer, env)
		}
	}
}

func (c *Connection) writeLoop(ctx context.Context, conn net.Conn, observe func(Mode, string)) error {
	w := bufio.NewWriterSize(conn, chunkSize)
	for {
		it, ok := c.pop(ctx)
		if !ok {
			return nil
		}
		if err := writeItem(w, it); err != nil {
			// A unit cut off mid-frame is never delivered, so the
			// replacement may send it again.
			if !c.forward(it) {
				it.finish(err)
			}
			return fmt.Errorf("transport: writing %s to %d: %w", it.mode, c.peer, err)
		}
		it.finish(nil)
		observe(it.mode, "out")
		if it.mode == ModeEndToken {
			// Keep reading until the peer hangs up.
			c.mu.Lock()
			c.endSent = true
			c.mu.Unlock()
			return nil
		}
	}
}
