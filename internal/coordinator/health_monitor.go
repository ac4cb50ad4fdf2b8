// Package coordinator drives the periodic work of a node.
// This file implements health monitoring of known peers.
package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/paracooba/internal/cluster"
)

// Health states of a monitored peer.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth tracks the health status of a single peer.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time // Timestamp of the last check
	LastHealthy      time.Time // Timestamp of the last successful check
	Status           string    // Current status: "healthy", "unhealthy", "unknown"
	NodeID           int64     // Id of the peer
	ConsecutiveFails int       // Number of consecutive failed checks
}

// HealthMonitor decides which peers stopped reporting. A peer is checked
// once per orchestrator tick; a check fails when its last status report is
// older than the interval.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	logger      logrus.FieldLogger
	nodes       map[int64]*NodeHealth         // Current health status per peer
	checkFunc   func(node cluster.Node) error // Function to perform a check
	onUnhealthy func(nodeID int64)            // Callback when a peer becomes unhealthy
	now         func() time.Time
	interval    time.Duration // Allowed silence per check
	mu          sync.RWMutex  // Protects nodes map
	maxFailures int           // Failures before marking unhealthy
}

// NewHealthMonitor creates a health monitor.
//
// Parameters:
//   - logger: Logger for state changes
//   - interval: How long a peer may stay silent per check, usually the tick
//   - maxFailures: Consecutive failed checks before the peer is unhealthy
//
// Returns:
//   - *HealthMonitor: Configured monitor, checks run through CheckAll
//
// Example:
//
//	monitor := NewHealthMonitor(logger, 500*time.Millisecond, 8)
//	monitor.SetOnUnhealthy(func(id int64) { mem.Remove(id, "timeout") })
//	monitor.CheckAll(mem.Peers())
func NewHealthMonitor(logger logrus.FieldLogger, interval time.Duration, maxFailures int) *HealthMonitor {
	if maxFailures < 1 {
		maxFailures = 1
	}
	h := &HealthMonitor{
		logger:      logger,
		nodes:       make(map[int64]*NodeHealth),
		now:         time.Now,
		interval:    interval,
		maxFailures: maxFailures,
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnUnhealthy sets the callback invoked when a peer becomes unhealthy.
// It runs in its own goroutine.
func (h *HealthMonitor) SetOnUnhealthy(callback func(nodeID int64)) {
	h.mu.Lock()
	h.onUnhealthy = callback
	h.mu.Unlock()
}

// SetCheckFunction overrides the default staleness check.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(node cluster.Node) error) {
	h.mu.Lock()
	h.checkFunc = checkFunc
	h.mu.Unlock()
}

// CheckAll checks every given peer and forgets peers no longer listed.
//
// Parameters:
//   - nodes: Current peers, typically Membership.Peers()
//
// Implementation:
//  1. Check each listed peer
//  2. Trigger the callback for peers that just became unhealthy
//  3. Drop tracking for peers that left
func (h *HealthMonitor) CheckAll(nodes []cluster.Node) {
	current := make(map[int64]bool, len(nodes))
	for _, node := range nodes {
		current[node.ID] = true
		h.checkNode(node)
	}

	h.mu.Lock()
	for id := range h.nodes {
		if !current[id] {
			delete(h.nodes, id)
			h.logger.WithField("node", id).Debug("removed node from health monitoring")
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkNode(node cluster.Node) {
	h.mu.Lock()
	health, exists := h.nodes[node.ID]
	if !exists {
		health = &NodeHealth{
			NodeID:      node.ID,
			Status:      StatusUnknown,
			LastCheck:   h.now(),
			LastHealthy: h.now(),
		}
		h.nodes[node.ID] = health
	}
	check := h.checkFunc
	h.mu.Unlock()

	err := check(node)

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = h.now()

	if err == nil {
		if health.Status == StatusUnhealthy {
			h.logger.WithField("node", node.ID).Info("node recovered")
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = h.now()
		return
	}

	health.ConsecutiveFails++
	h.logger.WithError(err).WithFields(logrus.Fields{
		"node":    node.ID,
		"attempt": health.ConsecutiveFails,
		"max":     h.maxFailures,
	}).Debug("health check failed")
	if health.ConsecutiveFails < h.maxFailures {
		return
	}
	previous := health.Status
	health.Status = StatusUnhealthy
	if previous != StatusUnhealthy && h.onUnhealthy != nil {
		h.logger.WithFields(logrus.Fields{
			"node":     node.ID,
			"failures": health.ConsecutiveFails,
		}).Warn("node marked unhealthy")
		// Call callback without holding the lock
		go h.onUnhealthy(node.ID)
	}
}

// defaultHealthCheck fails for a peer whose last report is older than
// the interval.
func (h *HealthMonitor) defaultHealthCheck(node cluster.Node) error {
	if silent := h.now().Sub(node.LastSeen); silent > h.interval {
		return fmt.Errorf("no status for %v", silent.Round(time.Millisecond))
	}
	return nil
}

// GetNodeHealth returns a copy of the health record of a peer, or nil if
// it is not monitored.
func (h *HealthMonitor) GetNodeHealth(nodeID int64) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, exists := h.nodes[nodeID]
	if !exists {
		return nil
	}
	c := *health
	return &c
}

// GetAllNodeHealth returns copies of all health records.
//
// Returns:
//   - map[int64]*NodeHealth: Current health status of all monitored peers
func (h *HealthMonitor) GetAllNodeHealth() map[int64]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make(map[int64]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		c := *health
		result[id] = &c
	}
	return result
}

// IsHealthy reports whether a peer is currently healthy. Unmonitored
// peers are not.
func (h *HealthMonitor) IsHealthy(nodeID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, exists := h.nodes[nodeID]
	return exists && health.Status == StatusHealthy
}
