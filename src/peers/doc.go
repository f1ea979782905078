// Package peers defines the records a stakenet node keeps about the other
// members of its subnet, and the book that persists them in the shared store.
//
// A peer is identified by its libp2p peer ID. The node knows a peer through a
// PeerRecord, which carries the stake status last reported by the oracle, the
// time of the last successful probe and the addresses the peer can be reached
// at. Admitted peers form the membership set of the subnet. The set is held in
// memory and mirrored by the "peers" named map of the store, so that the query
// service can list it without talking to the node.
//
// Peers that leave the set, because the oracle rejected them or because they
// stopped answering probes, are moved to the "peer_history" map. Bootstrap
// peers are the exception to stake verification: they are configured by the
// operator, either on the command line or in the peers.json file of the data
// directory, and are admitted without consulting the oracle.
package peers
