package cluster

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dreamware/paracooba/internal/path"
)

// ErrUnknownMessage is returned when an envelope carries no known body.
var ErrUnknownMessage = errors.New("cluster: unknown message kind")

// ContextState is how far a node has prepared for solving one originator's
// formula.
type ContextState uint8

const (
	Initializing ContextState = iota
	FormulaReceived
	FormulaParsed
	AllowanceMapReceived
	Ready
	ParseError
)

func (s ContextState) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case FormulaReceived:
		return "formula-received"
	case FormulaParsed:
		return "formula-parsed"
	case AllowanceMapReceived:
		return "allowance-map-received"
	case Ready:
		return "ready"
	case ParseError:
		return "parse-error"
	default:
		return fmt.Sprintf("context-state(%d)", uint8(s))
	}
}

// Descriptor is the static part of a node record, sent with every online
// announcement.
type Descriptor struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Host          string `json:"host"`
	UDPPort       uint16 `json:"udp_port"`
	TCPPort       uint16 `json:"tcp_port"`
	HTTPPort      uint16 `json:"http_port,omitempty"`
	Threads       int    `json:"threads"`
	QueueCapacity int    `json:"queue_capacity"`
	Daemon        bool   `json:"daemon"`
}

// MessageKind discriminates gossip envelopes.
type MessageKind string

const (
	KindOnline              MessageKind = "online"
	KindOffline             MessageKind = "offline"
	KindAnnouncementRequest MessageKind = "announcement_request"
	KindNodeStatus          MessageKind = "node_status"
	KindTreeStatusRequest   MessageKind = "tree_status_request"
	KindTreeStatusReply     MessageKind = "tree_status_reply"
)

// OnlineAnnouncement describes the sender and the peers it knows.
type OnlineAnnouncement struct {
	Node      Descriptor `json:"node"`
	QueueSize int        `json:"queue_size"`
	Peers     []int64    `json:"peers,omitempty"`
}

// OfflineAnnouncement tells peers the sender is leaving.
type OfflineAnnouncement struct {
	Reason string `json:"reason"`
}

// FilterKind selects who answers an AnnouncementRequest.
type FilterKind string

const (
	FilterNone  FilterKind = "none"
	FilterRegex FilterKind = "regex"
	FilterID    FilterKind = "id"
)

// AnnouncementRequest asks matching nodes to announce themselves to the
// requester.
type AnnouncementRequest struct {
	Requester Descriptor `json:"requester"`
	Filter    FilterKind `json:"filter"`
	Pattern   string     `json:"pattern,omitempty"`
	ID        int64      `json:"id,omitempty"`
}

// NodeStatus is the periodic load report.
type NodeStatus struct {
	QueueSize int                    `json:"queue_size"`
	Contexts  map[int64]ContextState `json:"contexts,omitempty"`
}

// TreeStatusRequest asks for the state of a path. ReturnStack holds the ids
// of the nodes the request passed through, requester first.
type TreeStatusRequest struct {
	Originator  int64     `json:"originator"`
	Path        path.Path `json:"path"`
	ReturnStack []int64   `json:"return_stack"`
}

// TreeStatusReply answers a TreeStatusRequest along the reversed hops.
type TreeStatusReply struct {
	Originator  int64     `json:"originator"`
	Path        path.Path `json:"path"`
	State       string    `json:"state"`
	ReturnStack []int64   `json:"return_stack"`
}

// Envelope is the gossip datagram payload. Exactly one body matching Kind is
// set.
type Envelope struct {
	Kind        MessageKind          `json:"kind"`
	Origin      int64                `json:"origin"`
	Online      *OnlineAnnouncement  `json:"online,omitempty"`
	Offline     *OfflineAnnouncement `json:"offline,omitempty"`
	Request     *AnnouncementRequest `json:"request,omitempty"`
	Status      *NodeStatus          `json:"status,omitempty"`
	TreeRequest *TreeStatusRequest   `json:"tree_request,omitempty"`
	TreeReply   *TreeStatusReply     `json:"tree_reply,omitempty"`
}

// Validate checks that the body named by Kind is present.
func (e Envelope) Validate() error {
	ok := false
	switch e.Kind {
	case KindOnline:
		ok = e.Online != nil
	case KindOffline:
		ok = e.Offline != nil
	case KindAnnouncementRequest:
		ok = e.Request != nil
	case KindNodeStatus:
		ok = e.Status != nil
	case KindTreeStatusRequest:
		ok = e.TreeRequest != nil
	case KindTreeStatusReply:
		ok = e.TreeReply != nil
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, e.Kind)
	}
	return nil
}

// DecodeEnvelope parses and validates a gossip payload.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("cluster: decoding envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// JobKind discriminates messages exchanged over stream connections.
type JobKind string

const (
	JobKindPath      JobKind = "path"
	JobKindResult    JobKind = "result"
	JobKindInitiator JobKind = "initiator"
	JobKindUnknown   JobKind = "unknown"
)

// JobPath hands a sub-problem to a peer.
type JobPath struct {
	Path path.Path `json:"path"`
	Cube []int     `json:"cube,omitempty"`
}

// JobResult reports the outcome of a JobPath back to its sender. SAT
// results carry the satisfying assignment.
type JobResult struct {
	Path       path.Path `json:"path"`
	Result     string    `json:"result"`
	Assignment []int     `json:"assignment,omitempty"`
}

// JobInitiator carries what a peer needs besides the formula to derive
// cubes identical to the originator's: the variable ranking and, for
// formulas that list their own cubes, the cube list.
type JobInitiator struct {
	AllowanceMap []int   `json:"allowance_map"`
	Cubes        [][]int `json:"cubes,omitempty"`
}

// JobMessage is the envelope of a job description transfer.
type JobMessage struct {
	Kind       JobKind       `json:"kind"`
	Originator int64         `json:"originator"`
	Path       *JobPath      `json:"path,omitempty"`
	Result     *JobResult    `json:"result,omitempty"`
	Initiator  *JobInitiator `json:"initiator,omitempty"`
}

// DecodeJob parses a job message. Messages whose kind has no body are
// reported as JobKindUnknown rather than rejected.
func DecodeJob(data []byte) (JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return JobMessage{}, fmt.Errorf("cluster: decoding job message: %w", err)
	}
	switch {
	case msg.Kind == JobKindPath && msg.Path != nil:
	case msg.Kind == JobKindResult && msg.Result != nil:
	case msg.Kind == JobKindInitiator && msg.Initiator != nil:
	default:
		msg.Kind = JobKindUnknown
	}
	return msg, nil
}
