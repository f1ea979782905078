package net

import (
	"context"
	"crypto/ecdsa"
	"errors"

	"github.com/mosaicnetworks/stakenet/src/peers"
)

// ErrPeerUnreachable is returned, wrapped, when a probe gets no valid answer.
var ErrPeerUnreachable = errors.New("peer unreachable")

// Transport provides an interface for network transports
// to allow a node to probe and discover other nodes.
type Transport interface {

	// Starts the transport listening
	Listen()

	// Consumer returns a channel that can be used to
	// consume and respond to RPC requests.
	Consumer() <-chan RPC

	// Candidates returns a channel on which the transport publishes the peers
	// it discovers.
	Candidates() <-chan Candidate

	// Probe pings the target at its known addresses and verifies that the
	// responder holds the target's key. The returned response has been
	// verified.
	Probe(ctx context.Context, target *peers.PeerRecord) (*PingResponse, error)

	// LocalAddr is used to return our local address
	LocalAddr() string

	// AdvertiseAddr is used to return our advertise address where other peers
	// can reach us
	AdvertiseAddr() string

	// Close permanently closes a transport, stopping
	// any associated goroutines and freeing other resources.
	Close() error
}

// Local identifies the node that owns a transport. It fills and signs
// outgoing pings.
type Local struct {
	PeerID   string
	SubnetID string
	Key      *ecdsa.PrivateKey
}
