package cluster

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

var (
	// ErrInvalidID is returned for node id 0 or the local id where a peer
	// is expected.
	ErrInvalidID = errors.New("cluster: invalid node id")

	// ErrUnknownNode is returned for ids without a record.
	ErrUnknownNode = errors.New("cluster: unknown node")
)

// Node is a copy of what is known about one cluster member.
type Node struct {
	Descriptor
	QueueSize int
	Contexts  map[int64]ContextState
	LastSeen  time.Time
	// FullyKnown is set once an online announcement was received. Records
	// created from a bare connection or status message lack the descriptor.
	FullyKnown  bool
	Unreachable bool
}

// Utilization is the queue size relative to the capacity.
func (n Node) Utilization() float64 {
	if n.QueueCapacity <= 0 {
		return float64(n.QueueSize)
	}
	return float64(n.QueueSize) / float64(n.QueueCapacity)
}

// StreamEndpoint is the address of the node's TCP listener.
func (n Node) StreamEndpoint() (string, bool) {
	if n.Host == "" || n.TCPPort == 0 {
		return "", false
	}
	return net.JoinHostPort(n.Host, strconv.Itoa(int(n.TCPPort))), true
}

// DatagramEndpoint is the address of the node's gossip socket.
func (n Node) DatagramEndpoint() (string, bool) {
	if n.Host == "" || n.UDPPort == 0 {
		return "", false
	}
	return net.JoinHostPort(n.Host, strconv.Itoa(int(n.UDPPort))), true
}

func (n Node) clone() Node {
	if n.Contexts != nil {
		ctxs := make(map[int64]ContextState, len(n.Contexts))
		for k, v := range n.Contexts {
			ctxs[k] = v
		}
		n.Contexts = ctxs
	}
	return n
}

// Membership is the table of known nodes including the local one.
// Thread-safe: All methods are safe for concurrent access; offline
// listeners run without the lock held.
type Membership struct {
	logger     logrus.FieldLogger
	nodes      map[int64]*Node
	offline    []func(id int64, reason string)
	now        func() time.Time
	self       int64
	neighbours int
	mu         sync.RWMutex
}

// NewMembership creates the table with the local node in it.
//
// Parameters:
//   - logger: Logger for membership changes
//   - self: Descriptor of the local node
//   - neighbours: Bound of the anti-entropy neighbour list
func NewMembership(logger logrus.FieldLogger, self Descriptor, neighbours int) *Membership {
	m := &Membership{
		logger:     logger,
		nodes:      make(map[int64]*Node),
		now:        time.Now,
		self:       self.ID,
		neighbours: neighbours,
	}
	m.nodes[self.ID] = &Node{
		Descriptor: self,
		Contexts:   make(map[int64]ContextState),
		LastSeen:   m.now(),
		FullyKnown: true,
	}
	return m
}

// SelfID is the local node id.
func (m *Membership) SelfID() int64 { return m.self }

// Self returns a copy of the local record.
func (m *Membership) Self() Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[m.self].clone()
}

// ValidPeer reports whether id may name a remote node.
func (m *Membership) ValidPeer(id int64) error {
	if id == 0 || id == m.self {
		return fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	return nil
}

// OnOffline registers fn to be called whenever a node is removed.
func (m *Membership) OnOffline(fn func(id int64, reason string)) {
	m.mu.Lock()
	m.offline = append(m.offline, fn)
	m.mu.Unlock()
}

func (m *Membership) getOrCreateLocked(id int64) *Node {
	n, ok := m.nodes[id]
	if !ok {
		n = &Node{
			Descriptor: Descriptor{ID: id},
			Contexts:   make(map[int64]ContextState),
		}
		m.nodes[id] = n
		m.logger.WithField("node", id).Debug("created node record")
	}
	return n
}

// GetOrCreate ensures a record for id exists, e.g. for a peer that just
// connected, and returns a copy of it.
func (m *Membership) GetOrCreate(id int64) (Node, error) {
	if err := m.ValidPeer(id); err != nil {
		return Node{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.getOrCreateLocked(id)
	n.LastSeen = m.now()
	return n.clone(), nil
}

// Get returns a copy of the record for id.
func (m *Membership) Get(id int64) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// ApplyAnnouncement creates or updates the announcer's record. The sender
// address is used when the announcement leaves the host empty.
//
// Returns:
//   - bool: true if a catch-up announcement should be sent back, i.e. the
//     announcer was new to us or does not list us among its peers
//   - error: ErrInvalidID for id 0 or our own id
func (m *Membership) ApplyAnnouncement(a OnlineAnnouncement, from string) (bool, error) {
	if err := m.ValidPeer(a.Node.ID); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n, existed := m.nodes[a.Node.ID]
	wasKnown := existed && n.FullyKnown
	n = m.getOrCreateLocked(a.Node.ID)
	n.Descriptor = a.Node
	if n.Host == "" && from != "" {
		if host, _, err := net.SplitHostPort(from); err == nil {
			n.Host = host
		}
	}
	n.QueueSize = a.QueueSize
	n.FullyKnown = true
	n.Unreachable = false
	n.LastSeen = m.now()
	if !wasKnown {
		m.logger.WithFields(logrus.Fields{
			"node": n.ID,
			"name": n.Name,
			"host": n.Host,
		}).Info("node joined")
	}
	return !wasKnown || !slices.Contains(a.Peers, m.self), nil
}

// ApplyStatus updates the load report of a node.
//
// Returns:
//   - bool: false if the node is not fully known, the caller should request
//     an announcement
func (m *Membership) ApplyStatus(id int64, st NodeStatus) bool {
	if m.ValidPeer(id) != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.getOrCreateLocked(id)
	n.QueueSize = st.QueueSize
	n.Contexts = make(map[int64]ContextState, len(st.Contexts))
	for k, v := range st.Contexts {
		n.Contexts[k] = v
	}
	n.LastSeen = m.now()
	return n.FullyKnown
}

// AddQueueDelta adjusts the believed queue size of a node until its next
// status report, e.g. after offloading work to it.
func (m *Membership) AddQueueDelta(id int64, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[id]; ok {
		n.QueueSize += delta
		if n.QueueSize < 0 {
			n.QueueSize = 0
		}
	}
}

// SetSelfQueueSize records the local queue size.
func (m *Membership) SetSelfQueueSize(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[m.self].QueueSize = size
}

// SetSelfContext records the local state for an originator's context.
func (m *Membership) SetSelfContext(originator int64, st ContextState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[m.self].Contexts[originator] = st
}

// DropSelfContext forgets the local context of an originator.
func (m *Membership) DropSelfContext(originator int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes[m.self].Contexts, originator)
}

// Status builds the local status report.
func (m *Membership) Status() NodeStatus {
	self := m.Self()
	return NodeStatus{QueueSize: self.QueueSize, Contexts: self.Contexts}
}

// Announcement builds the local online announcement.
func (m *Membership) Announcement() OnlineAnnouncement {
	m.mu.RLock()
	defer m.mu.RUnlock()
	self := m.nodes[m.self]
	peers := make([]int64, 0, len(m.nodes)-1)
	for id, n := range m.nodes {
		if id != m.self && n.FullyKnown {
			peers = append(peers, id)
		}
	}
	slices.Sort(peers)
	return OnlineAnnouncement{Node: self.Descriptor, QueueSize: self.QueueSize, Peers: peers}
}

// Remove drops the record of id and notifies the offline listeners.
//
// Returns:
//   - bool: whether a record existed
func (m *Membership) Remove(id int64, reason string) bool {
	if id == m.self {
		return false
	}
	m.mu.Lock()
	_, ok := m.nodes[id]
	delete(m.nodes, id)
	listeners := m.offline
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.logger.WithFields(logrus.Fields{"node": id, "reason": reason}).Info("node left")
	for _, fn := range listeners {
		fn(id, reason)
	}
	return true
}

// MarkUnreachable removes a node that could not be reached within the retry
// ceiling. A later announcement adds it again.
func (m *Membership) MarkUnreachable(id int64) {
	m.mu.Lock()
	if n, ok := m.nodes[id]; ok {
		n.Unreachable = true
	}
	m.mu.Unlock()
	m.Remove(id, "unreachable")
}

// Snapshot returns copies of all records ordered by id.
func (m *Membership) Snapshot() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n.clone())
	}
	slices.SortFunc(out, func(a, b Node) int { return compareID(a.ID, b.ID) })
	return out
}

// Peers returns the fully known remote nodes ordered by id.
func (m *Membership) Peers() []Node {
	all := m.Snapshot()
	out := all[:0]
	for _, n := range all {
		if n.ID != m.self && n.FullyKnown {
			out = append(out, n)
		}
	}
	return out
}

// Neighbours returns the bounded anti-entropy neighbour list: the fully
// known peers following the local id on the id ring.
func (m *Membership) Neighbours() []Node {
	peers := m.Peers()
	if m.neighbours <= 0 || len(peers) <= m.neighbours {
		return peers
	}
	start, _ := slices.BinarySearchFunc(peers, m.self, func(n Node, id int64) int {
		return compareID(n.ID, id)
	})
	out := make([]Node, 0, m.neighbours)
	for i := 0; i < m.neighbours; i++ {
		out = append(out, peers[(start+i)%len(peers)])
	}
	return out
}

// SelectOffloadTarget picks the peer to hand work of originator to. A peer
// qualifies if it is a fully known, reachable daemon with a stream
// endpoint, its context for originator is Ready and its utilization does
// not exceed maxUtil. The least utilized candidate wins, ties go to the
// lowest id.
func (m *Membership) SelectOffloadTarget(originator int64, maxUtil float64) (Node, bool) {
	var best Node
	found := false
	for _, n := range m.Peers() {
		if n.Unreachable || !n.Daemon || n.Contexts[originator] != Ready {
			continue
		}
		if _, ok := n.StreamEndpoint(); !ok {
			continue
		}
		u := n.Utilization()
		if u > maxUtil {
			continue
		}
		if !found || u < best.Utilization() {
			best, found = n, true
		}
	}
	return best, found
}

// Endpoint implements the connection directory lookup.
func (m *Membership) Endpoint(id int64) (string, bool) {
	n, ok := m.Get(id)
	if !ok {
		return "", false
	}
	return n.StreamEndpoint()
}

// Attach binds an accepted connection to its record.
func (m *Membership) Attach(id int64) {
	if _, err := m.GetOrCreate(id); err != nil {
		m.logger.WithError(err).Warn("not attaching connection")
	}
}

func compareID(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
