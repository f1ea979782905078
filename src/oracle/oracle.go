// Package oracle answers the one question admission depends on: is a peer
// staked in a subnet.
//
// The authoritative answer comes from the ledger node, queried over JSON-RPC
// (RPCOracle). Local networks and tests use a SQLite ledger (LedgerOracle) or
// an in-memory table (StaticOracle). Every implementation reports transport
// failures and timeouts as ErrUnavailable, so that callers can tell "no
// answer" apart from "not staked".
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mosaicnetworks/stakenet/src/config"
	"github.com/sirupsen/logrus"
)

// ErrUnavailable is returned, wrapped, when the oracle cannot be reached or
// does not answer in time.
var ErrUnavailable = errors.New("stake oracle unavailable")

// StakeInfo is the answer to a stake query.
type StakeInfo struct {
	// Registered is false when the ledger has no node with this peer ID in the
	// subnet.
	Registered bool
	// Staked is the ledger's verdict. It is never true for an unregistered
	// peer.
	Staked bool
	// StakeAmount is the stake balance of the node, when known.
	StakeAmount uint64
}

// LedgerRecord is a subnet node as registered on the ledger.
type LedgerRecord struct {
	SubnetID       uint64 `json:"subnet_id"`
	SubnetNodeID   uint64 `json:"subnet_node_id"`
	PeerID         string `json:"peer_id"`
	BootnodePeerID string `json:"bootnode_peer_id"`
	Hotkey         string `json:"hotkey"`
	Coldkey        string `json:"coldkey"`
	StakeBalance   uint64 `json:"stake_balance"`
}

// Oracle queries stake status.
type Oracle interface {
	// QueryStake reports the stake status of peerID in subnetID. Callers are
	// expected to bound ctx.
	QueryStake(ctx context.Context, peerID, subnetID string) (StakeInfo, error)

	// PeerRecord returns the ledger record of peerID, or nil if the peer is
	// not registered.
	PeerRecord(ctx context.Context, peerID string) (*LedgerRecord, error)

	// Close releases the connection to the ledger.
	Close() error
}

// New creates the oracle selected by the configuration.
func New(ctx context.Context, conf *config.Config) (Oracle, error) {
	logger := conf.Logger().WithField("prefix", "oracle")

	switch conf.OracleMode {
	case config.OracleRPC, "":
		return NewRPCOracle(ctx, conf.OracleAddr, logger)
	case config.OracleLedger:
		return OpenLedger(conf.LedgerDB, logger)
	default:
		return nil, fmt.Errorf("unknown oracle mode %q", conf.OracleMode)
	}
}

// unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
func unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// parseSubnetID converts the configured subnet ID to the ledger's numeric ID.
func parseSubnetID(subnetID string) (uint64, bool) {
	id, err := strconv.ParseUint(subnetID, 10, 64)
	return id, err == nil
}

func nopLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}
