// Package coordinator implements the periodic control loop of a node:
// load reporting, peer health and the distribution of work across the
// cluster.
//
// # Overview
//
// Every node runs one Orchestrator. There is no central coordinator; each
// node decides on its own which of its pending sub-problems to hand to
// which peer, based on the load reports it receives over gossip.
//
//	┌────────────────────────────────────┐
//	│            ORCHESTRATOR            │
//	├────────────────────────────────────┤
//	│  tick                              │
//	│   1. local queue size → membership │
//	│   2. NodeStatus → fully known peers│
//	│   3. HealthMonitor.CheckAll        │
//	│   4. prime peers (formula +        │
//	│      allowance map)                │
//	│   5. rebalance (offload paths)     │
//	└────────────────────────────────────┘
//
// # Core Components
//
// HealthMonitor: Tracks per-peer check results
//   - A check fails when no status report arrived within the interval
//   - maxFailures consecutive failures mark the peer unhealthy
//   - The onUnhealthy callback removes the peer from the membership,
//     which recovers any work offloaded to it
//
// Orchestrator: Runs the tick
//   - Peers that report no context for an originator receive the formula
//     and the allowance map once
//   - Work is offloaded while the local utilization exceeds that of the
//     best target selected by the membership
//   - Undeliverable offloads are taken back into local work
//
// # Thread Safety
//
// Tick is called from a single goroutine. NodeOffline and the monitor's
// accessors may be called concurrently.
package coordinator
