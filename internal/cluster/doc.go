// Package cluster keeps the membership table of a paracooba cluster and
// defines the messages nodes exchange about each other and about work.
//
// # Overview
//
// Every node holds a Membership with one record per known node, including
// itself. Records are created lazily from whatever is seen first: an online
// announcement, a status report or an accepted stream connection. Only an
// announcement makes a record fully known, and only fully known peers take
// part in rebalancing.
//
// # Messages
//
// Gossip datagrams carry an Envelope:
//
//	online                announcer descriptor, queue size, known peers
//	offline               reason
//	announcement_request  filter none | regex on name | id
//	node_status           queue size, per-originator context states
//	tree_status_request   originator, path, return stack
//	tree_status_reply     originator, path, state, return stack
//
// Stream connections carry JobMessage values (path, result, initiator).
//
// # Rebalancing
//
// SelectOffloadTarget computes utilization = queue size / capacity for each
// candidate and accepts a peer only if it does not exceed a ceiling above
// 1.0. The least utilized peer wins, ties go to the lowest id:
//
//	target, ok := membership.SelectOffloadTarget(originator, 2.0)
//	if !ok {
//	    // work stays local
//	}
//
// # Removal
//
// Remove is called for offline announcements, silent peers and peers past
// the connection retry ceiling. Listeners registered with OnOffline run for
// every removal and recover the work that was offloaded to the node.
package cluster
