package oracle

import (
	"context"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// JSON-RPC methods exposed by the ledger node.
const (
	methodProofOfStake     = "network_proofOfStake"
	methodSubnetNodeByPeer = "network_getSubnetNodeByPeerId"
)

// RPCOracle queries the ledger node over JSON-RPC 2.0.
type RPCOracle struct {
	client *rpc.Client
	url    string
	logger *logrus.Entry
}

// NewRPCOracle creates a client for the ledger node at url. HTTP endpoints are
// not contacted until the first query; websocket and IPC endpoints are
// connected immediately.
func NewRPCOracle(ctx context.Context, url string, logger *logrus.Entry) (*RPCOracle, error) {
	if logger == nil {
		logger = nopLogger()
	}

	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, unavailable(err)
	}

	return &RPCOracle{
		client: client,
		url:    url,
		logger: logger,
	}, nil
}

// PeerRecord implements the Oracle interface. The ledger answers null for an
// unknown peer.
func (o *RPCOracle) PeerRecord(ctx context.Context, peerID string) (*LedgerRecord, error) {
	var rec *LedgerRecord
	if err := o.client.CallContext(ctx, &rec, methodSubnetNodeByPeer, peerID); err != nil {
		o.logger.WithError(err).WithField("peer", peerID).Debug("getSubnetNodeByPeerId failed")
		return nil, unavailable(err)
	}
	return rec, nil
}

// QueryStake implements the Oracle interface. The registration is looked up
// first; proof of stake is only asked for registered peers.
func (o *RPCOracle) QueryStake(ctx context.Context, peerID, subnetID string) (StakeInfo, error) {
	rec, err := o.PeerRecord(ctx, peerID)
	if err != nil {
		return StakeInfo{}, err
	}

	sid, ok := parseSubnetID(subnetID)
	if rec == nil || !ok || rec.SubnetID != sid {
		return StakeInfo{Registered: false}, nil
	}

	var staked bool
	if err := o.client.CallContext(ctx, &staked, methodProofOfStake, sid, peerID); err != nil {
		o.logger.WithError(err).WithField("peer", peerID).Debug("proofOfStake failed")
		return StakeInfo{}, unavailable(err)
	}

	return StakeInfo{
		Registered:  true,
		Staked:      staked,
		StakeAmount: rec.StakeBalance,
	}, nil
}

// Close implements the Oracle interface.
func (o *RPCOracle) Close() error {
	o.client.Close()
	return nil
}
