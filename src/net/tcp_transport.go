package net

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	errNotAdvertisable = errors.New("local bind address is not advertisable")
	errNotTCP          = errors.New("local address is not a TCP address")
)

// StreamLayer is used with the NetworkTransport to provide the low level stream
// abstraction.
type StreamLayer interface {
	net.Listener

	// Dial opens an outgoing connection. It gives up when ctx is done.
	Dial(ctx context.Context, address string) (net.Conn, error)

	// AdvertiseAddr returns the publicly-reachable address of the stream
	AdvertiseAddr() string
}

// tcpStreamLayer implements StreamLayer for plain TCP.
type tcpStreamLayer struct {
	*net.TCPListener

	advertise string
	dialer    net.Dialer
}

func (t *tcpStreamLayer) Dial(ctx context.Context, address string) (net.Conn, error) {
	return t.dialer.DialContext(ctx, "tcp", address)
}

func (t *tcpStreamLayer) AdvertiseAddr() string {
	return t.advertise
}

// NewTCPTransport returns a NetworkTransport that is built on top of
// a TCP streaming transport layer, with log output going to the supplied Logger
func NewTCPTransport(
	bindAddr string,
	advertise string,
	local Local,
	maxPool int,
	timeout time.Duration,
	logger *logrus.Entry,
) (*NetworkTransport, error) {
	stream, err := newTCPStreamLayer(bindAddr, advertise)
	if err != nil {
		return nil, err
	}
	return NewNetworkTransport(stream, local, maxPool, timeout, logger), nil
}

// newTCPStreamLayer binds bindAddr and checks that the address we advertise
// can be dialed by other nodes. Without advertise, the bound address is
// advertised, so binding 0.0.0.0 requires an explicit advertise address.
func newTCPStreamLayer(bindAddr, advertise string) (*tcpStreamLayer, error) {
	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	addr, ok := list.Addr().(*net.TCPAddr)
	if advertise != "" {
		addr, err = net.ResolveTCPAddr("tcp", advertise)
		ok = err == nil
	}
	if err != nil {
		list.Close()
		return nil, err
	}
	if !ok {
		list.Close()
		return nil, errNotTCP
	}
	if addr.IP.IsUnspecified() {
		list.Close()
		return nil, errNotAdvertisable
	}

	if advertise == "" {
		advertise = addr.String()
	}

	return &tcpStreamLayer{
		TCPListener: list.(*net.TCPListener),
		advertise:   advertise,
	}, nil
}
