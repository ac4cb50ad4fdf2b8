package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/paracooba/internal/cluster"
	"github.com/dreamware/paracooba/internal/coordinator"
	"github.com/dreamware/paracooba/internal/path"
	"github.com/dreamware/paracooba/internal/solving"
	"github.com/dreamware/paracooba/internal/storage"
)

// treeQueryTimeout bounds a /tree request that has to ask peers.
const treeQueryTimeout = 5 * time.Second

// PeerInfo is the status view of a remote node.
type PeerInfo struct {
	Descriptor cluster.Descriptor `json:"node"`
	LastSeen   time.Time          `json:"last_seen"`
	Contexts   map[int64]string   `json:"contexts,omitempty"`
	Health     string             `json:"health"`
	Connection string             `json:"connection,omitempty"`
	QueueSize  int                `json:"queue_size"`
	FullyKnown bool               `json:"fully_known"`
}

// StatusInfo is the body of GET /status.
type StatusInfo struct {
	Node     cluster.Descriptor `json:"node"`
	Uptime   string             `json:"uptime"`
	Peers    []PeerInfo         `json:"peers"`
	Contexts []solving.Info     `json:"contexts"`
	Storage  storage.StoreStats `json:"storage"`
	Queue    int                `json:"queue_size"`
	Busy     int                `json:"busy_workers"`
	Workers  int                `json:"workers"`
}

// Handler returns the HTTP routes of the node:
//
//	GET /health                          liveness
//	GET /metrics                         prometheus metrics
//	GET /status                          StatusInfo as JSON
//	GET /tree?originator=ID&path=PATH    state of one tree position
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, n.Status())
	})
	mux.HandleFunc("/tree", n.handleTree)
	return mux
}

// Status collects the status report served on /status.
func (n *Node) Status() StatusInfo {
	self := n.mem.Self()
	health := n.monitor.GetAllNodeHealth()
	conns := n.transport.Connected()

	info := StatusInfo{
		Node:    self.Descriptor,
		Uptime:  time.Since(n.started).Round(time.Second).String(),
		Storage: n.formulas.Stats(),
		Queue:   self.QueueSize,
		Busy:    n.pool.Busy(),
		Workers: n.pool.Workers(),
	}
	for _, p := range n.mem.Snapshot() {
		if p.ID == self.ID {
			continue
		}
		pi := PeerInfo{
			Descriptor: p.Descriptor,
			LastSeen:   p.LastSeen,
			QueueSize:  p.QueueSize,
			FullyKnown: p.FullyKnown,
			Health:     coordinator.StatusUnknown,
		}
		if h, ok := health[p.ID]; ok {
			pi.Health = h.Status
		}
		if st, ok := conns[p.ID]; ok {
			pi.Connection = st.String()
		}
		if len(p.Contexts) > 0 {
			pi.Contexts = make(map[int64]string, len(p.Contexts))
			for orig, st := range p.Contexts {
				pi.Contexts[orig] = st.String()
			}
		}
		info.Peers = append(info.Peers, pi)
	}
	for _, c := range n.Contexts() {
		info.Contexts = append(info.Contexts, c.Info())
	}
	return info
}

func (n *Node) handleTree(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	orig, err := strconv.ParseInt(q.Get("originator"), 10, 64)
	if err != nil {
		http.Error(w, "invalid originator", http.StatusBadRequest)
		return
	}
	p, err := path.Parse(q.Get("path"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), treeQueryTimeout)
	defer cancel()
	st, err := n.QueryTree(ctx, orig, p)
	if errors.Is(err, ErrNoContext) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	resp := struct {
		Originator int64     `json:"originator"`
		Path       path.Path `json:"path"`
		State      string    `json:"state"`
		Error      string    `json:"error,omitempty"`
	}{Originator: orig, Path: p, State: st.String()}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
