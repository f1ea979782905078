package peers

import (
	"fmt"
	"net"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/mosaicnetworks/stakenet/src/identity"
)

// BootstrapPeer is a peer configured by the operator. Bootstrap peers are
// admitted without stake verification.
type BootstrapPeer struct {
	PeerID  string
	NetAddr string
}

// ParseBootstrap parses a bootstrap address. Two forms are accepted:
//
//	<peer_id>@<host>:<port>               for the tcp transport
//	/ip4/<host>/tcp/<port>/p2p/<peer_id>  any multiaddr ending in /p2p/<id>
func ParseBootstrap(s string) (*BootstrapPeer, error) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "/") {
		info, err := peer.AddrInfoFromString(s)
		if err != nil {
			return nil, fmt.Errorf("bootstrap address %q: %w", s, err)
		}
		if err := info.ID.Validate(); err != nil {
			return nil, fmt.Errorf("bootstrap address %q: %w", s, identity.ErrMalformedPeerID)
		}
		return &BootstrapPeer{PeerID: info.ID.String(), NetAddr: s}, nil
	}

	i := strings.Index(s, "@")
	if i < 0 {
		return nil, fmt.Errorf("bootstrap address %q: want <peer_id>@<host>:<port> or a /p2p multiaddr", s)
	}

	id, addr := s[:i], s[i+1:]
	if err := identity.ValidatePeerID(id); err != nil {
		return nil, fmt.Errorf("bootstrap address %q: %w", s, err)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("bootstrap address %q: %w", s, err)
	}

	return &BootstrapPeer{PeerID: id, NetAddr: addr}, nil
}

// MergeBootstrap combines the peers of the peers.json file with the addresses
// given on the command line. Command line entries win on duplicate IDs.
func MergeBootstrap(fromFile []*BootstrapPeer, fromFlags []string) ([]*BootstrapPeer, error) {
	res := []*BootstrapPeer{}
	index := map[string]int{}

	add := func(p *BootstrapPeer) {
		if i, ok := index[p.PeerID]; ok {
			res[i] = p
			return
		}
		index[p.PeerID] = len(res)
		res = append(res, p)
	}

	for _, p := range fromFile {
		if err := identity.ValidatePeerID(p.PeerID); err != nil {
			return nil, fmt.Errorf("peers file: %w", err)
		}
		add(p)
	}

	for _, s := range fromFlags {
		if strings.TrimSpace(s) == "" {
			continue
		}
		p, err := ParseBootstrap(s)
		if err != nil {
			return nil, err
		}
		add(p)
	}

	return res, nil
}
