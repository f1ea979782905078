package net

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/stakenet/src/peers"
	"github.com/sirupsen/logrus"
)

// NewInmemAddr returns a new in-memory addr with
// a randomly generate UUID as the ID.
func NewInmemAddr() string {
	return uuid.NewString()
}

// InmemTransport Implements the Transport interface, to allow stakenet to be
// tested in-memory without going over a network.
type InmemTransport struct {
	sync.RWMutex
	consumerCh chan RPC
	feed       candidateFeed
	local      Local
	localAddr  string
	peers      map[string]*InmemTransport
}

// NewInmemTransport is used to initialize a new transport
// and generates a random local address if none is specified
func NewInmemTransport(local Local, addr string, logger *logrus.Entry) (string, *InmemTransport) {
	if addr == "" {
		addr = NewInmemAddr()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	trans := &InmemTransport{
		consumerCh: make(chan RPC, 16),
		feed:       newCandidateFeed(local.PeerID, logger),
		local:      local,
		localAddr:  addr,
		peers:      make(map[string]*InmemTransport),
	}
	return addr, trans
}

// Consumer implements the Transport interface.
func (i *InmemTransport) Consumer() <-chan RPC {
	return i.consumerCh
}

// Candidates implements the Transport interface.
func (i *InmemTransport) Candidates() <-chan Candidate {
	return i.feed.ch
}

// LocalAddr implements the Transport interface.
func (i *InmemTransport) LocalAddr() string {
	return i.localAddr
}

// AdvertiseAddr implements the Transport interface.
func (i *InmemTransport) AdvertiseAddr() string {
	return i.localAddr
}

// Probe implements the Transport interface.
func (i *InmemTransport) Probe(ctx context.Context, target *peers.PeerRecord) (*PingResponse, error) {
	var lastErr error = fmt.Errorf("%w: %s has no address", ErrPeerUnreachable, target.PeerID)

	for _, addr := range target.Addresses {
		req, err := NewPingRequest(i.local, i.localAddr)
		if err != nil {
			return nil, err
		}

		rpcResp, err := i.makeRPC(ctx, addr, req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
			continue
		}

		resp, ok := rpcResp.Response.(*PingResponse)
		if !ok || resp == nil {
			lastErr = fmt.Errorf("%w: unexpected response %T", ErrPeerUnreachable, rpcResp.Response)
			continue
		}

		// Copy the result back
		out := *resp
		if err := checkProbe(i.local, req, &out, target.PeerID); err != nil {
			lastErr = err
			continue
		}

		i.feed.emitExchange(&out)
		return &out, nil
	}

	return nil, lastErr
}

// Discover publishes a candidate as if it had been found on the network.
func (i *InmemTransport) Discover(c Candidate) {
	i.feed.emit(c)
}

func (i *InmemTransport) makeRPC(ctx context.Context, target string, req *PingRequest) (rpcResp RPCResponse, err error) {
	i.RLock()
	peer, ok := i.peers[target]
	i.RUnlock()

	if !ok {
		err = fmt.Errorf("failed to connect to peer: %v", target)
		return
	}

	peer.feed.emitPing(req)

	// Send the RPC over
	respCh := make(chan RPCResponse, 1)
	select {
	case peer.consumerCh <- RPC{Command: req, RespChan: respCh}:
	case <-ctx.Done():
		err = fmt.Errorf("command timed out")
		return
	}

	// Wait for a response
	select {
	case rpcResp = <-respCh:
		if rpcResp.Error != nil {
			err = rpcResp.Error
		}
	case <-ctx.Done():
		err = fmt.Errorf("command timed out")
	}
	return
}

// Connect is used to connect this transport to another transport for
// a given peer name. This allows for local routing.
func (i *InmemTransport) Connect(peer string, t Transport) {
	trans := t.(*InmemTransport)
	i.Lock()
	defer i.Unlock()
	i.peers[peer] = trans
}

// Disconnect is used to remove the ability to route to a given peer.
func (i *InmemTransport) Disconnect(peer string) {
	i.Lock()
	defer i.Unlock()
	delete(i.peers, peer)
}

// DisconnectAll is used to remove all routes to peers.
func (i *InmemTransport) DisconnectAll() {
	i.Lock()
	defer i.Unlock()
	i.peers = make(map[string]*InmemTransport)
}

// Close is used to permanently disable the transport
func (i *InmemTransport) Close() error {
	i.DisconnectAll()
	return nil
}

// Listen is an empty function as there is no need to defer
// initialisation of the InMem service
func (i *InmemTransport) Listen() {
}
