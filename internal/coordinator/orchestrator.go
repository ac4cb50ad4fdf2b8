package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/paracooba/internal/cluster"
	"github.com/dreamware/paracooba/internal/metrics"
	"github.com/dreamware/paracooba/internal/solving"
	"github.com/dreamware/paracooba/internal/storage"
)

// Sender delivers stream transfers to peers. done is called exactly once.
type Sender interface {
	SendFormula(peer, originator int64, formula []byte, done func(error))
	SendJob(peer int64, msg cluster.JobMessage, done func(error))
}

// StatusBroadcaster sends the local load report to the peers.
type StatusBroadcaster interface {
	BroadcastStatus()
}

// Workload lists the solving contexts of the node.
type Workload interface {
	Contexts() []*solving.Context
}

// Options tune the orchestrator.
type Options struct {
	Tick time.Duration
	// MaxNodeUtilization is the utilization above which a peer receives no
	// more work.
	MaxNodeUtilization float64
	// QueueCapacity is the local work queue capacity.
	QueueCapacity int
}

// Orchestrator runs the periodic node work: load reports, peer health,
// priming peers with formulas and offloading surplus work.
type Orchestrator struct {
	logger  logrus.FieldLogger
	mem     *cluster.Membership
	monitor *HealthMonitor
	sender  Sender
	status  StatusBroadcaster
	formula storage.Store
	work    Workload
	metrics *metrics.Metrics
	// primed holds, per originator, the peers the formula was sent to.
	primed map[int64]map[int64]bool
	opts   Options
	mu     sync.Mutex
}

// NewOrchestrator wires an orchestrator. Unhealthy peers are removed from
// mem.
func NewOrchestrator(logger logrus.FieldLogger, opts Options, mem *cluster.Membership, monitor *HealthMonitor,
	sender Sender, status StatusBroadcaster, formulas storage.Store, work Workload, m *metrics.Metrics,
) *Orchestrator {
	if opts.QueueCapacity < 1 {
		opts.QueueCapacity = 1
	}
	o := &Orchestrator{
		logger:  logger,
		mem:     mem,
		monitor: monitor,
		sender:  sender,
		status:  status,
		formula: formulas,
		work:    work,
		metrics: m,
		primed:  make(map[int64]map[int64]bool),
		opts:    opts,
	}
	monitor.SetOnUnhealthy(func(id int64) {
		mem.Remove(id, "timeout")
	})
	return o
}

// Run ticks until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.Tick)
	defer ticker.Stop()
	o.logger.WithField("tick", o.opts.Tick).Info("orchestrator started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Tick()
		}
	}
}

// Tick performs one round of periodic work.
func (o *Orchestrator) Tick() {
	contexts := o.work.Contexts()
	queue := 0
	for _, c := range contexts {
		queue += c.QueueSize()
		o.mem.SetSelfContext(c.Originator(), c.State())
	}
	o.mem.SetSelfQueueSize(queue)
	o.metrics.SetQueueSize(queue)
	o.metrics.SetContexts(len(contexts))

	o.status.BroadcastStatus()

	peers := o.mem.Peers()
	o.metrics.SetPeers(len(peers))
	o.monitor.CheckAll(peers)

	for _, c := range contexts {
		if c.IsOriginator() {
			o.prime(c, peers)
		}
	}
	o.rebalance(contexts, queue)
}

// NodeOffline forgets what was sent to a peer that left.
func (o *Orchestrator) NodeOffline(id int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, sent := range o.primed {
		delete(sent, id)
	}
	delete(o.primed, id)
}

// Primed reports whether the formula of originator was sent to peer.
func (o *Orchestrator) Primed(originator, peer int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.primed[originator][peer]
}

// markPrimed records a send to peer. It returns false if one was recorded
// already.
func (o *Orchestrator) markPrimed(originator, peer int64, v bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	sent := o.primed[originator]
	if sent == nil {
		sent = make(map[int64]bool)
		o.primed[originator] = sent
	}
	if v && sent[peer] {
		return false
	}
	if v {
		sent[peer] = true
	} else {
		delete(sent, peer)
	}
	return true
}

// prime sends the formula and the cubing setup to daemon peers that do
// not report a context for c's originator yet.
func (o *Orchestrator) prime(c *solving.Context, peers []cluster.Node) {
	if c.State() != cluster.Ready {
		return
	}
	orig := c.Originator()
	ji := c.Initiator()
	for _, p := range peers {
		if !p.Daemon || p.Unreachable || o.Primed(orig, p.ID) {
			continue
		}
		if _, ok := p.Contexts[orig]; ok {
			continue
		}
		data, err := o.formula.Get(orig)
		if err != nil {
			o.logger.WithError(err).WithField("originator", orig).Warn("no formula to send")
			return
		}
		if !o.markPrimed(orig, p.ID, true) {
			continue
		}
		id := p.ID
		logger := o.logger.WithFields(logrus.Fields{"peer": id, "originator": orig})
		logger.Debug("sending formula")
		o.sender.SendFormula(id, orig, data, func(err error) {
			if err != nil {
				logger.WithError(err).Info("formula not delivered")
				o.markPrimed(orig, id, false)
			}
		})
		o.sender.SendJob(p.ID, cluster.JobMessage{
			Kind:       cluster.JobKindInitiator,
			Originator: orig,
			Initiator:  &ji,
		}, nil)
	}
}

// rebalance offloads local work while this node is busier than the best
// target.
func (o *Orchestrator) rebalance(contexts []*solving.Context, queue int) {
	for _, c := range contexts {
		orig := c.Originator()
		for c.QueueSize() > 1 {
			target, ok := o.mem.SelectOffloadTarget(orig, o.opts.MaxNodeUtilization)
			if !ok {
				break
			}
			local := float64(queue) / float64(o.opts.QueueCapacity)
			if local <= target.Utilization() {
				break
			}
			msg, ok := c.Offload(target.ID)
			if !ok {
				break
			}
			queue--
			o.mem.AddQueueDelta(target.ID, 1)
			ctx, p, id := c, msg.Path.Path, target.ID
			o.sender.SendJob(id, msg, func(err error) {
				if err != nil {
					ctx.OffloadFailed(p, id)
				}
			})
		}
	}
	o.mem.SetSelfQueueSize(queue)
}
