// Package metrics exposes the prometheus instruments of a node.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ResultLabel    = "result"
	DirectionLabel = "direction"
	KindLabel      = "kind"
)

// Metrics groups the instruments. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	tasksStarted  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	solveDuration prometheus.Histogram
	offloaded     *prometheus.CounterVec
	queueSize     prometheus.Gauge
	peers         prometheus.Gauge
	contexts      prometheus.Gauge
	messages      *prometheus.CounterVec
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		tasksStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "paracooba_tasks_started_total",
			Help: "Tasks picked up by a local worker",
		}),
		tasksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paracooba_tasks_finished_total",
			Help: "Tasks that reached a terminal result",
		}, []string{ResultLabel}),
		solveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "paracooba_solve_duration_seconds",
			Help:    "Time spent in the SAT engine per sub-problem",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		offloaded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paracooba_offloaded_tasks_total",
			Help: "Sub-problems sent to or received from peers",
		}, []string{DirectionLabel}),
		queueSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "paracooba_queue_size",
			Help: "Pending local work",
		}),
		peers: f.NewGauge(prometheus.GaugeOpts{
			Name: "paracooba_known_peers",
			Help: "Fully known remote nodes",
		}),
		contexts: f.NewGauge(prometheus.GaugeOpts{
			Name: "paracooba_contexts",
			Help: "Solving contexts held by this node",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "paracooba_messages_total",
			Help: "Gossip and job messages by kind and direction",
		}, []string{KindLabel, DirectionLabel}),
	}
}

func (m *Metrics) TaskStarted() {
	if m != nil {
		m.tasksStarted.Inc()
	}
}

func (m *Metrics) TaskFinished(result string) {
	if m != nil {
		m.tasksFinished.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ObserveSolve(d time.Duration) {
	if m != nil {
		m.solveDuration.Observe(d.Seconds())
	}
}

// Offloaded counts a sub-problem crossing nodes; direction is "out" or
// "in".
func (m *Metrics) Offloaded(direction string) {
	if m != nil {
		m.offloaded.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) SetQueueSize(n int) {
	if m != nil {
		m.queueSize.Set(float64(n))
	}
}

func (m *Metrics) SetPeers(n int) {
	if m != nil {
		m.peers.Set(float64(n))
	}
}

func (m *Metrics) SetContexts(n int) {
	if m != nil {
		m.contexts.Set(float64(n))
	}
}

func (m *Metrics) Message(kind, direction string) {
	if m != nil {
		m.messages.WithLabelValues(kind, direction).Inc()
	}
}
