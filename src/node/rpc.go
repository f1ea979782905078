package node

import (
	"fmt"

	"github.com/mosaicnetworks/stakenet/src/net"
	"github.com/sirupsen/logrus"
)

func (n *Node) processRPC(rpc net.RPC) {
	switch cmd := rpc.Command.(type) {
	case *net.PingRequest:
		n.processPingRequest(rpc, cmd)
	default:
		n.logger.WithField("cmd", rpc.Command).Error("Unexpected RPC command")
		rpc.Respond(nil, fmt.Errorf("unexpected command"))
	}
}

// processPingRequest answers a ping with the node's signed identity and its
// active peers. The pinger itself reaches discovery through the transport's
// candidate feed.
func (n *Node) processPingRequest(rpc net.RPC, cmd *net.PingRequest) {
	n.logger.WithFields(logrus.Fields{
		"from_id": cmd.FromID,
		"subnet":  cmd.SubnetID,
	}).Debug("process PingRequest")

	resp, err := net.NewPingResponse(n.id.Key, n.conf.SubnetID, cmd, n.activePeers())
	if err != nil {
		n.logger.WithError(err).Error("Signing PingResponse")
	}

	rpc.Respond(resp, err)
}

// activePeers lists the admitted peers for the peer exchange.
func (n *Node) activePeers() []net.PeerInfo {
	records, err := n.book.ListActive()
	if err != nil {
		n.logger.WithError(err).Error("Listing active peers")
		return nil
	}

	res := make([]net.PeerInfo, 0, len(records))
	for _, r := range records {
		if !n.gate.Members().Contains(r.PeerID) {
			continue
		}
		res = append(res, net.PeerInfo{
			PeerID:    r.PeerID,
			Addresses: r.Addresses,
		})
	}
	return res
}
