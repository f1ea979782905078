package net

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mosaicnetworks/stakenet/src/peers"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

/*******************************************************************************
THE CONNECTION POOL AND FRAMING FOLLOW HASHICORP RAFT
*******************************************************************************/

const (
	rpcPing uint8 = iota
)

const (
	bufSize = 16 * 1024
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")

	wireHandle = &codec.MsgpackHandle{}
)

/*
NetworkTransport provides a network based transport that can be used to probe
stakenet nodes on remote machines. It requires an underlying stream layer to
provide a stream abstraction, which can be simple TCP, TLS, etc.

Each request is framed by a byte that indicates the message type, followed by
the msgpack encoded request. The response is an error string followed by the
response object, both msgpack encoded. Connections are pooled per address
and reused for the next probe of the same peer.
*/
type NetworkTransport struct {
	logger *logrus.Entry
	local  Local

	connPool     map[string][]*netConn
	connPoolLock sync.Mutex
	maxPool      int

	consumeCh chan RPC
	feed      candidateFeed

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	stream StreamLayer

	timeout time.Duration
}

type netConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	dec    *codec.Decoder
	enc    *codec.Encoder
}

func newNetConn(target string, conn net.Conn) *netConn {
	w := bufio.NewWriterSize(conn, bufSize)
	return &netConn{
		target: target,
		conn:   conn,
		w:      w,
		dec:    codec.NewDecoder(bufio.NewReaderSize(conn, bufSize), wireHandle),
		enc:    codec.NewEncoder(w, wireHandle),
	}
}

// Release closes the underlying connection
func (n *netConn) Release() error {
	return n.conn.Close()
}

// NewNetworkTransport creates a new network transport with the given stream
// layer. The maxPool controls how many connections we will pool (per
// address). The timeout bounds a probe whose context has no deadline.
func NewNetworkTransport(
	stream StreamLayer,
	local Local,
	maxPool int,
	timeout time.Duration,
	logger *logrus.Entry,
) *NetworkTransport {

	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	return &NetworkTransport{
		connPool:   make(map[string][]*netConn),
		consumeCh:  make(chan RPC),
		feed:       newCandidateFeed(local.PeerID, logger),
		local:      local,
		logger:     logger,
		maxPool:    maxPool,
		shutdownCh: make(chan struct{}),
		stream:     stream,
		timeout:    timeout,
	}
}

// Close stops the transport and releases the pooled connections.
func (n *NetworkTransport) Close() error {
	n.shutdownOnce.Do(func() {
		close(n.shutdownCh)
		n.stream.Close()

		n.connPoolLock.Lock()
		for target, conns := range n.connPool {
			for _, c := range conns {
				c.Release()
			}
			delete(n.connPool, target)
		}
		n.connPoolLock.Unlock()
	})
	return nil
}

// Consumer implements the Transport interface.
func (n *NetworkTransport) Consumer() <-chan RPC {
	return n.consumeCh
}

// Candidates implements the Transport interface.
func (n *NetworkTransport) Candidates() <-chan Candidate {
	return n.feed.ch
}

// LocalAddr implements the Transport interface.
func (n *NetworkTransport) LocalAddr() string {
	if addr := n.stream.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// AdvertiseAddr implements the Transport interface.
func (n *NetworkTransport) AdvertiseAddr() string {
	return n.stream.AdvertiseAddr()
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// getPooledConn is used to grab a pooled connection.
func (n *NetworkTransport) getPooledConn(target string) *netConn {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	conns := n.connPool[target]
	num := len(conns)
	if num == 0 {
		return nil
	}

	conn := conns[num-1]
	conns[num-1] = nil
	n.connPool[target] = conns[:num-1]
	return conn
}

// getConn returns a pooled connection to target or dials a new one.
func (n *NetworkTransport) getConn(ctx context.Context, target string) (*netConn, error) {
	if conn := n.getPooledConn(target); conn != nil {
		return conn, nil
	}

	conn, err := n.stream.Dial(ctx, target)
	if err != nil {
		return nil, err
	}
	return newNetConn(target, conn), nil
}

// returnConn returns a connection back to the pool.
func (n *NetworkTransport) returnConn(conn *netConn) {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	conns := n.connPool[conn.target]
	if !n.IsShutdown() && len(conns) < n.maxPool {
		n.connPool[conn.target] = append(conns, conn)
		return
	}
	conn.Release()
}

// Probe implements the Transport interface. The addresses of the target are
// tried in order until one answers.
func (n *NetworkTransport) Probe(ctx context.Context, target *peers.PeerRecord) (*PingResponse, error) {
	if n.IsShutdown() {
		return nil, ErrTransportShutdown
	}
	if len(target.Addresses) == 0 {
		return nil, fmt.Errorf("%w: %s has no address", ErrPeerUnreachable, target.PeerID)
	}

	if _, ok := ctx.Deadline(); !ok && n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	var lastErr error
	for _, addr := range target.Addresses {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
		}

		req, err := NewPingRequest(n.local, n.AdvertiseAddr())
		if err != nil {
			return nil, err
		}
		var resp PingResponse

		start := time.Now()
		if err := n.genericRPC(ctx, addr, rpcPing, req, &resp); err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
			continue
		}
		resp.RTT = time.Since(start)

		if err := checkProbe(n.local, req, &resp, target.PeerID); err != nil {
			lastErr = err
			continue
		}

		n.feed.emitExchange(&resp)
		return &resp, nil
	}

	return nil, lastErr
}

// genericRPC handles a simple request/response RPC. The deadline of ctx is
// applied to the connection.
func (n *NetworkTransport) genericRPC(ctx context.Context, target string, rpcType uint8, args interface{}, resp interface{}) error {
	conn, err := n.getConn(ctx, target)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.conn.SetDeadline(deadline)
	} else {
		conn.conn.SetDeadline(time.Time{})
	}

	if err := sendRPC(conn, rpcType, args); err != nil {
		conn.Release()
		return err
	}

	// A transport error leaves the stream in an unknown state, while an
	// error returned by the remote handler does not.
	rpcErr, err := decodeResponse(conn, resp)
	if err != nil {
		conn.Release()
		return err
	}
	n.returnConn(conn)

	return rpcErr
}

// sendRPC is used to encode and send the RPC.
func sendRPC(conn *netConn, rpcType uint8, args interface{}) error {
	if err := conn.w.WriteByte(rpcType); err != nil {
		return err
	}
	if err := conn.enc.Encode(args); err != nil {
		return err
	}
	return conn.w.Flush()
}

// decodeResponse reads the error string and the response of an RPC. The
// first error is the one reported by the remote handler, the second a
// transport error.
func decodeResponse(conn *netConn, resp interface{}) (error, error) {
	var rpcError string
	if err := conn.dec.Decode(&rpcError); err != nil {
		return nil, err
	}
	if err := conn.dec.Decode(resp); err != nil {
		return nil, err
	}
	if rpcError != "" {
		return errors.New(rpcError), nil
	}
	return nil, nil
}

// Listen accepts incoming connections until the transport is closed.
func (n *NetworkTransport) Listen() {
	for {
		conn, err := n.stream.Accept()
		if err != nil {
			if n.IsShutdown() {
				return
			}
			n.logger.WithError(err).Error("Failed to accept connection")
			continue
		}
		n.logger.WithFields(logrus.Fields{
			"node": conn.LocalAddr(),
			"from": conn.RemoteAddr(),
		}).Debug("accepted connection")

		go n.handleConn(conn)
	}
}

// handleConn serves the requests of one inbound connection until the remote
// closes it.
func (n *NetworkTransport) handleConn(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReaderSize(conn, bufSize)
	w := bufio.NewWriterSize(conn, bufSize)
	dec := codec.NewDecoder(r, wireHandle)
	enc := codec.NewEncoder(w, wireHandle)

	for {
		if err := n.handleCommand(r, dec, enc); err != nil {
			switch {
			case err == ErrTransportShutdown:
				n.logger.WithError(err).Debug("Dropping connection")
			case err != io.EOF:
				n.logger.WithError(err).Warn("Failed to decode incoming command")
			}
			return
		}
		if err := w.Flush(); err != nil {
			n.logger.WithError(err).Warn("Failed to flush response")
			return
		}
	}
}

// handleCommand is used to decode and dispatch a single command.
func (n *NetworkTransport) handleCommand(r *bufio.Reader, dec *codec.Decoder, enc *codec.Encoder) error {
	rpcType, err := r.ReadByte()
	if err != nil {
		return err
	}

	respCh := make(chan RPCResponse, 1)
	rpc := RPC{
		RespChan: respCh,
	}

	switch rpcType {
	case rpcPing:
		var req PingRequest
		if err := dec.Decode(&req); err != nil {
			return err
		}
		rpc.Command = &req
		n.feed.emitPing(&req)
	default:
		return fmt.Errorf("unknown rpc type %d", rpcType)
	}

	select {
	case n.consumeCh <- rpc:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}

	select {
	case resp := <-respCh:
		respErr := ""
		if resp.Error != nil {
			respErr = resp.Error.Error()
		}
		if err := enc.Encode(respErr); err != nil {
			return err
		}
		return enc.Encode(resp.Response)
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}
}
