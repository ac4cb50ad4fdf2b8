// Package gossip exchanges membership datagrams between nodes: online and
// offline announcements, announcement requests, load reports and tree
// status queries routed along a return stack.
package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"

	"github.com/dreamware/paracooba/internal/cluster"
	"github.com/dreamware/paracooba/internal/cnftree"
	"github.com/dreamware/paracooba/internal/metrics"
	"github.com/dreamware/paracooba/internal/path"
)

// maxDatagram bounds a received envelope.
const maxDatagram = 64 << 10

// ErrNoEndpoint is returned when a node has no known datagram endpoint.
var ErrNoEndpoint = errors.New("gossip: no datagram endpoint")

// TreeResolver answers tree status queries for local contexts.
type TreeResolver interface {
	// TreeState reports the state of p in originator's tree and the node
	// working on it. ok is false without a local context for originator.
	TreeState(originator int64, p path.Path) (state cnftree.State, owner int64, ok bool)
	// TreeStatusReply receives the answer to a query this node started.
	TreeStatusReply(reply cluster.TreeStatusReply)
}

// Options configure a Server.
type Options struct {
	// BroadcastAddress is the host announcements are broadcast to. Empty
	// disables broadcasting.
	BroadcastAddress string
	// TargetPort is the datagram port of other nodes.
	TargetPort uint16
	// KnownRemotes are host:port datagram endpoints always announced to.
	KnownRemotes []string
	// AnnouncementRate limits catch-up announcements per peer and second.
	AnnouncementRate float64
}

// Server sends and receives gossip envelopes on one datagram socket.
type Server struct {
	logger         logrus.FieldLogger
	conn           net.PacketConn
	mem            *cluster.Membership
	metrics        *metrics.Metrics
	resolver       TreeResolver
	onAnnouncement func(id int64)
	limiters       map[int64]*rate.Limiter
	opts           Options
	mu             sync.Mutex
}

// New creates a server on conn. m may be nil.
func New(logger logrus.FieldLogger, conn net.PacketConn, mem *cluster.Membership, opts Options, m *metrics.Metrics) *Server {
	if opts.AnnouncementRate <= 0 {
		opts.AnnouncementRate = 1
	}
	return &Server{
		logger:   logger,
		conn:     conn,
		mem:      mem,
		metrics:  m,
		limiters: make(map[int64]*rate.Limiter),
		opts:     opts,
	}
}

// SetResolver installs the tree status resolver.
func (s *Server) SetResolver(r TreeResolver) {
	s.mu.Lock()
	s.resolver = r
	s.mu.Unlock()
}

// OnAnnouncement registers fn to be called for every accepted online
// announcement.
func (s *Server) OnAnnouncement(fn func(id int64)) {
	s.mu.Lock()
	s.onAnnouncement = fn
	s.mu.Unlock()
}

// Addr is the local datagram address.
func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

// Serve reads envelopes until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()
	s.logger.WithField("addr", s.conn.LocalAddr().String()).Info("gossip listening")
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("gossip: read: %w", err)
		}
		env, err := cluster.DecodeEnvelope(buf[:n])
		if err != nil {
			s.logger.WithError(err).WithField("from", from.String()).Debug("dropping datagram")
			continue
		}
		s.handle(env, from)
	}
}

func (s *Server) handle(env cluster.Envelope, from net.Addr) {
	if env.Origin == s.mem.SelfID() || env.Origin == 0 {
		return
	}
	s.metrics.Message(string(env.Kind), "in")
	logger := s.logger.WithFields(logrus.Fields{"kind": env.Kind, "origin": env.Origin})

	switch env.Kind {
	case cluster.KindOnline:
		if env.Online.Node.ID != env.Origin {
			logger.Debug("announcement for another node")
			return
		}
		catchUp, err := s.mem.ApplyAnnouncement(*env.Online, from.String())
		if err != nil {
			logger.WithError(err).Debug("ignoring announcement")
			return
		}
		s.mu.Lock()
		fn := s.onAnnouncement
		s.mu.Unlock()
		if fn != nil {
			fn(env.Online.Node.ID)
		}
		if catchUp && s.allow(env.Origin) {
			s.sendTo(from, s.announcement())
		}

	case cluster.KindOffline:
		s.mem.Remove(env.Origin, env.Offline.Reason)

	case cluster.KindAnnouncementRequest:
		req := env.Request
		if req.Requester.ID == env.Origin {
			if _, err := s.mem.ApplyAnnouncement(cluster.OnlineAnnouncement{Node: req.Requester}, from.String()); err != nil {
				logger.WithError(err).Debug("ignoring requester")
			}
		}
		if s.matches(*req) && s.allow(env.Origin) {
			s.sendTo(from, s.announcement())
		}

	case cluster.KindNodeStatus:
		if !s.mem.ApplyStatus(env.Origin, *env.Status) && s.allow(env.Origin) {
			s.sendTo(from, s.request(cluster.FilterID, "", env.Origin))
		}

	case cluster.KindTreeStatusRequest:
		s.handleTreeRequest(*env.TreeRequest)

	case cluster.KindTreeStatusReply:
		s.handleTreeReply(*env.TreeReply)
	}
}

// allow applies the per-peer catch-up rate.
func (s *Server) allow(peer int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[peer]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.opts.AnnouncementRate), 1)
		s.limiters[peer] = l
	}
	return l.Allow()
}

// matches reports whether the local node answers req.
func (s *Server) matches(req cluster.AnnouncementRequest) bool {
	switch req.Filter {
	case cluster.FilterNone, "":
		return true
	case cluster.FilterID:
		return req.ID == s.mem.SelfID()
	case cluster.FilterRegex:
		re, err := regexp.Compile(req.Pattern)
		if err != nil {
			s.logger.WithError(err).Debug("bad announcement filter")
			return false
		}
		return re.MatchString(s.mem.Self().Name)
	}
	return false
}

func (s *Server) announcement() cluster.Envelope {
	a := s.mem.Announcement()
	return cluster.Envelope{Kind: cluster.KindOnline, Online: &a}
}

func (s *Server) request(filter cluster.FilterKind, pattern string, id int64) cluster.Envelope {
	return cluster.Envelope{Kind: cluster.KindAnnouncementRequest, Request: &cluster.AnnouncementRequest{
		Requester: s.mem.Self().Descriptor,
		Filter:    filter,
		Pattern:   pattern,
		ID:        id,
	}}
}

func (s *Server) sendTo(to net.Addr, env cluster.Envelope) {
	env.Origin = s.mem.SelfID()
	data, err := json.Marshal(env)
	if err != nil {
		s.logger.WithError(err).Error("encoding envelope")
		return
	}
	if _, err := s.conn.WriteTo(data, to); err != nil {
		s.logger.WithError(err).WithField("to", to.String()).Debug("sending envelope")
		return
	}
	s.metrics.Message(string(env.Kind), "out")
}

func (s *Server) send(addr string, env cluster.Envelope) {
	to, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		s.logger.WithError(err).WithField("to", addr).Debug("resolving datagram endpoint")
		return
	}
	s.sendTo(to, env)
}

func (s *Server) sendToNode(id int64, env cluster.Envelope) error {
	n, ok := s.mem.Get(id)
	if !ok {
		return fmt.Errorf("%w: %w %d", ErrNoEndpoint, cluster.ErrUnknownNode, id)
	}
	addr, ok := n.DatagramEndpoint()
	if !ok {
		return fmt.Errorf("%w: node %d", ErrNoEndpoint, id)
	}
	s.send(addr, env)
	return nil
}

// targets is the deduplicated announcement fan-out: broadcast, known
// remotes and neighbours.
func (s *Server) targets() []string {
	var out []string
	if s.opts.BroadcastAddress != "" && s.opts.TargetPort != 0 {
		out = append(out, net.JoinHostPort(s.opts.BroadcastAddress, strconv.Itoa(int(s.opts.TargetPort))))
	}
	out = append(out, s.opts.KnownRemotes...)
	for _, n := range s.mem.Neighbours() {
		if addr, ok := n.DatagramEndpoint(); ok {
			out = append(out, addr)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Announce sends the online announcement to every target.
func (s *Server) Announce() {
	env := s.announcement()
	for _, addr := range s.targets() {
		s.send(addr, env)
	}
}

// RequestAnnouncements asks the targets for announcements, optionally
// filtered by a name pattern.
func (s *Server) RequestAnnouncements(pattern string) {
	env := s.request(cluster.FilterNone, "", 0)
	if pattern != "" {
		env = s.request(cluster.FilterRegex, pattern, 0)
	}
	for _, addr := range s.targets() {
		s.send(addr, env)
	}
}

// BroadcastStatus sends the local load report to every fully known peer.
func (s *Server) BroadcastStatus() {
	st := s.mem.Status()
	env := cluster.Envelope{Kind: cluster.KindNodeStatus, Status: &st}
	for _, n := range s.mem.Peers() {
		if addr, ok := n.DatagramEndpoint(); ok {
			s.send(addr, env)
		}
	}
}

// Offline tells every fully known peer the node is leaving.
func (s *Server) Offline(reason string) {
	env := cluster.Envelope{Kind: cluster.KindOffline, Offline: &cluster.OfflineAnnouncement{Reason: reason}}
	for _, n := range s.mem.Peers() {
		if addr, ok := n.DatagramEndpoint(); ok {
			s.send(addr, env)
		}
	}
}

// RequestTreeStatus asks owner for the state of p in originator's tree.
// The reply arrives at the resolver's TreeStatusReply.
func (s *Server) RequestTreeStatus(originator int64, p path.Path, owner int64) error {
	req := cluster.TreeStatusRequest{Originator: originator, Path: p, ReturnStack: []int64{s.mem.SelfID()}}
	return s.sendToNode(owner, cluster.Envelope{Kind: cluster.KindTreeStatusRequest, TreeRequest: &req})
}

func (s *Server) handleTreeRequest(req cluster.TreeStatusRequest) {
	s.mu.Lock()
	r := s.resolver
	s.mu.Unlock()

	state, owner := cnftree.UnknownPath, cnftree.UnknownOwner
	if r != nil {
		if st, o, ok := r.TreeState(req.Originator, req.Path); ok {
			state, owner = st, o
		}
	}

	self := s.mem.SelfID()
	if owner > 0 && owner != self && !slices.Contains(req.ReturnStack, owner) {
		fwd := req
		fwd.ReturnStack = append(slices.Clone(req.ReturnStack), self)
		if err := s.sendToNode(owner, cluster.Envelope{Kind: cluster.KindTreeStatusRequest, TreeRequest: &fwd}); err == nil {
			return
		}
	}
	s.handleTreeReply(cluster.TreeStatusReply{
		Originator:  req.Originator,
		Path:        req.Path,
		State:       state.String(),
		ReturnStack: req.ReturnStack,
	})
}

// handleTreeReply passes rep one hop back, or delivers it when the stack
// is empty.
func (s *Server) handleTreeReply(rep cluster.TreeStatusReply) {
	if len(rep.ReturnStack) == 0 {
		s.mu.Lock()
		r := s.resolver
		s.mu.Unlock()
		if r != nil {
			r.TreeStatusReply(rep)
		}
		return
	}
	last := len(rep.ReturnStack) - 1
	next := rep.ReturnStack[last]
	rep.ReturnStack = slices.Clone(rep.ReturnStack[:last])
	if next == s.mem.SelfID() {
		s.handleTreeReply(rep)
		return
	}
	if err := s.sendToNode(next, cluster.Envelope{Kind: cluster.KindTreeStatusReply, TreeReply: &rep}); err != nil {
		s.logger.WithError(err).WithField("next", next).Debug("dropping tree status reply")
	}
}
