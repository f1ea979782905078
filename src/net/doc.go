// Package net implements the transports stakenet nodes use to find and probe
// each other.
//
// A Transport does two things. It probes peers: Probe sends a PingRequest
// carrying a fresh nonce and checks that the answer is signed by the key
// behind the expected peer ID. And it discovers peers: every peer it learns
// about, from the peer list piggy-backed on ping responses, from inbound pings,
// from libp2p connection notifications or from mDNS, is published on the
// Candidates channel. Inbound pings are handed to the node through the
// Consumer channel, and the node answers them.
//
// There are three implementations:
//
// - Inmem: in-memory transport used only for testing
//
// - TCP: msgpack-framed RPC over plain TCP, with pooled connections
//
// - LibP2P: a libp2p host, with the ping protocol for liveness and mDNS for
// local discovery
//
// # TCP
//
// The TCP transport is suitable when nodes are in the same local network, or
// when users are able to configure their connections appropriately to avoid NAT
// issues. Bootstrap peers are given as <peer_id>@<host>:<port>. Set the
// following configuration options in the Config object (cf config package):
//
// - BindAddr: the IP:PORT of the TCP socket that stakenet binds to.
//
// - AdvertiseAddr: (optional) The address that is advertised to other nodes. If
// BindAddr is a local address not reachable by other peers, it is usefull to
// set AdvertiseAddr to the reachable public address.
//
// # LibP2P
//
// The libp2p transport authenticates peer IDs in its handshake and can find
// peers on the local network without any bootstrap address. Bootstrap peers are
// given as multiaddrs ending in /p2p/<peer_id>, and BindAddr may be a multiaddr.
package net
