// Package node implements the reactive component of a stakenet node.
//
// A node keeps the membership of its subnet. It learns about candidate peers
// from the transport, submits them to the admission gate, and keeps probing
// the peers it tracks so that dead or unstaked peers leave the active set.
// Node implements a small state machine: Joining, Running and Shutdown.
//
// # Discovery
//
// Transports publish candidates: peers listed in the ping responses of other
// nodes (peer exchange), peers that ping us, and, with libp2p, peers found by
// connection notifications and mDNS. The first time an untracked peer shows up
// it is submitted to the gate. Later sightings of a tracked peer only refresh
// its addresses, and its liveness when the peer contacted us directly.
//
// # Heartbeat
//
// Once per heartbeat the node probes every tracked peer: bootstrap peers,
// members, and candidates whose admission was deferred because the oracle
// could not be reached. A successful probe records a heartbeat in the store
// and resubmits the peer to the gate, so a member whose stake is withdrawn is
// evicted within one cycle. A peer that has not answered for the liveness
// timeout is evicted without asking the oracle. Bootstrap peers are never
// dropped from the probe list; they are re-admitted when they answer again.
//
// # Joining
//
// A node that is not a bootstrap node starts in the Joining state and asks
// the oracle for its own stake once per heartbeat. It moves to Running when
// the oracle reports it staked on its subnet. Meanwhile it already answers
// pings and admits the peers it discovers.
//
// # Persistence
//
// The gate mirrors the membership set in the "peers" map of the store. On
// start the node restores the members of its previous run and writes its own
// description to the "node_info" key.
package node
