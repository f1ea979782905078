package net

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"github.com/mosaicnetworks/stakenet/src/peers"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

const (
	// pingProtocol carries the signed ping and the peer exchange. Liveness
	// itself is measured with the libp2p ping protocol.
	pingProtocol protocol.ID = "/stakenet/ping/1.0.0"

	mdnsServiceName = "stakenet"
)

// Libp2pTransport is a Transport built on a libp2p host. Peer IDs are
// authenticated by the libp2p handshake, so a probe cannot reach the wrong
// peer; the signed ping is checked anyway, like on every other transport.
type Libp2pTransport struct {
	host    host.Host
	local   Local
	timeout time.Duration
	noMDNS  bool
	logger  *logrus.Entry

	consumeCh chan RPC
	feed      candidateFeed

	mdns mdns.Service

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewLibp2pTransport creates a libp2p host listening on listenAddr, which is
// either a multiaddr or a host:port pair.
func NewLibp2pTransport(
	key crypto.PrivKey,
	listenAddr string,
	local Local,
	timeout time.Duration,
	noMDNS bool,
	logger *logrus.Entry,
) (*Libp2pTransport, error) {

	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	listen, err := toMultiaddrString(listenAddr)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(key),
		libp2p.ListenAddrStrings(listen),
	)
	if err != nil {
		return nil, err
	}

	t := &Libp2pTransport{
		host:       h,
		local:      local,
		timeout:    timeout,
		noMDNS:     noMDNS,
		logger:     logger,
		consumeCh:  make(chan RPC),
		feed:       newCandidateFeed(local.PeerID, logger),
		shutdownCh: make(chan struct{}),
	}

	h.SetStreamHandler(pingProtocol, t.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: t.connected,
	})

	return t, nil
}

// toMultiaddrString accepts host:port for symmetry with the tcp transport.
func toMultiaddrString(addr string) (string, error) {
	if strings.HasPrefix(addr, "/") {
		return addr, nil
	}
	host, port, err := splitHostPort(addr)
	if err != nil {
		return "", err
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("/ip4/%s/tcp/%s", host, port), nil
}

func splitHostPort(addr string) (string, string, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", "", fmt.Errorf("address %q: missing port", addr)
	}
	return addr[:i], addr[i+1:], nil
}

// Host exposes the underlying libp2p host.
func (t *Libp2pTransport) Host() host.Host {
	return t.host
}

// Listen starts mDNS discovery, unless disabled, and blocks until the
// transport is closed. The host itself listens as soon as it is created.
func (t *Libp2pTransport) Listen() {
	if !t.noMDNS {
		svc := mdns.NewMdnsService(t.host, mdnsServiceName, t)
		if err := svc.Start(); err != nil {
			t.logger.WithError(err).Error("Failed to start mDNS discovery")
		} else {
			t.shutdownLock.Lock()
			t.mdns = svc
			t.shutdownLock.Unlock()
		}
	}

	t.logger.WithField("addrs", t.host.Addrs()).Debug("libp2p host listening")
	<-t.shutdownCh
}

// HandlePeerFound implements the mdns.Notifee interface.
func (t *Libp2pTransport) HandlePeerFound(info peer.AddrInfo) {
	t.feed.emit(Candidate{
		PeerID:    info.ID.String(),
		SubnetID:  t.local.SubnetID,
		Addresses: p2pAddrs(info),
	})
}

func (t *Libp2pTransport) connected(_ network.Network, c network.Conn) {
	info := peer.AddrInfo{ID: c.RemotePeer(), Addrs: []ma.Multiaddr{c.RemoteMultiaddr()}}
	t.feed.emit(Candidate{
		PeerID:    info.ID.String(),
		SubnetID:  t.local.SubnetID,
		Addresses: p2pAddrs(info),
		Inbound:   c.Stat().Direction == network.DirInbound,
	})
}

func p2pAddrs(info peer.AddrInfo) []string {
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	res := make([]string, 0, len(addrs))
	for _, a := range addrs {
		res = append(res, a.String())
	}
	return res
}

// Consumer implements the Transport interface.
func (t *Libp2pTransport) Consumer() <-chan RPC {
	return t.consumeCh
}

// Candidates implements the Transport interface.
func (t *Libp2pTransport) Candidates() <-chan Candidate {
	return t.feed.ch
}

// LocalAddr implements the Transport interface. It returns the first listen
// address of the host, with its /p2p component.
func (t *Libp2pTransport) LocalAddr() string {
	addrs := p2pAddrs(peer.AddrInfo{ID: t.host.ID(), Addrs: t.host.Addrs()})
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

// AdvertiseAddr implements the Transport interface.
func (t *Libp2pTransport) AdvertiseAddr() string {
	return t.LocalAddr()
}

// Probe implements the Transport interface.
func (t *Libp2pTransport) Probe(ctx context.Context, target *peers.PeerRecord) (*PingResponse, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	id, err := peer.Decode(target.PeerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	info := peer.AddrInfo{ID: id}
	for _, a := range target.Addresses {
		addr, err := ma.NewMultiaddr(a)
		if err != nil {
			continue
		}
		if ai, err := peer.AddrInfoFromP2pAddr(addr); err == nil {
			info.Addrs = append(info.Addrs, ai.Addrs...)
			continue
		}
		info.Addrs = append(info.Addrs, addr)
	}
	t.host.Peerstore().AddAddrs(id, info.Addrs, peerstore.TempAddrTTL)

	if err := t.host.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	// ping.Ping keeps pinging until its context is done; one round is enough.
	pctx, cancel := context.WithCancel(ctx)
	res := <-ping.Ping(pctx, t.host, id)
	cancel()
	if res.Error != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, res.Error)
	}

	req, err := NewPingRequest(t.local, t.AdvertiseAddr())
	if err != nil {
		return nil, err
	}
	resp, err := t.exchange(ctx, id, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	resp.RTT = res.RTT

	if err := checkProbe(t.local, req, resp, target.PeerID); err != nil {
		return nil, err
	}

	t.feed.emitExchange(resp)
	return resp, nil
}

// exchange sends a PingRequest over a pingProtocol stream.
func (t *Libp2pTransport) exchange(ctx context.Context, id peer.ID, req *PingRequest) (*PingResponse, error) {
	s, err := t.host.NewStream(ctx, id, pingProtocol)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if deadline, ok := ctx.Deadline(); ok {
		s.SetDeadline(deadline)
	}

	if err := codec.NewEncoder(s, wireHandle).Encode(req); err != nil {
		s.Reset()
		return nil, err
	}

	dec := codec.NewDecoder(s, wireHandle)
	var rpcError string
	if err := dec.Decode(&rpcError); err != nil {
		s.Reset()
		return nil, err
	}
	var resp PingResponse
	if err := dec.Decode(&resp); err != nil {
		s.Reset()
		return nil, err
	}
	if rpcError != "" {
		return nil, fmt.Errorf("remote error: %s", rpcError)
	}
	return &resp, nil
}

// handleStream answers a pingProtocol stream, with the same framing as the
// tcp transport minus the type byte.
func (t *Libp2pTransport) handleStream(s network.Stream) {
	defer s.Close()

	if t.timeout > 0 {
		s.SetDeadline(time.Now().Add(t.timeout))
	}

	var req PingRequest
	if err := codec.NewDecoder(s, wireHandle).Decode(&req); err != nil {
		t.logger.WithError(err).Debug("Failed to decode ping")
		s.Reset()
		return
	}

	remote := s.Conn().RemotePeer().String()
	if req.FromID != remote {
		t.logger.WithFields(logrus.Fields{
			"claimed": req.FromID,
			"remote":  remote,
		}).Warn("Ping sender does not match connection")
		s.Reset()
		return
	}

	respCh := make(chan RPCResponse, 1)
	select {
	case t.consumeCh <- RPC{Command: &req, RespChan: respCh}:
	case <-t.shutdownCh:
		s.Reset()
		return
	}

	var resp RPCResponse
	select {
	case resp = <-respCh:
	case <-t.shutdownCh:
		s.Reset()
		return
	}

	respErr := ""
	if resp.Error != nil {
		respErr = resp.Error.Error()
	}
	enc := codec.NewEncoder(s, wireHandle)
	if err := enc.Encode(respErr); err != nil {
		s.Reset()
		return
	}
	if err := enc.Encode(resp.Response); err != nil {
		s.Reset()
	}
}

// Close implements the Transport interface.
func (t *Libp2pTransport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()

	if t.shutdown {
		return nil
	}
	t.shutdown = true
	close(t.shutdownCh)

	if t.mdns != nil {
		t.mdns.Close()
	}
	return t.host.Close()
}
