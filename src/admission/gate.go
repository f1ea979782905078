// Package admission decides which peers belong to the subnet.
//
// The Gate is consulted for every candidate the discovery loop learns about,
// and again for every tracked peer on each heartbeat. Configured bootstrap
// peers are admitted without asking the oracle. Every other peer is admitted
// only while the oracle reports it staked. When the oracle cannot be reached
// the decision is deferred: membership does not change in either direction.
//
// The Gate owns the membership set and its mirror in the store. Callers must
// not evaluate the same peer from two goroutines at once; the node serialises
// evaluations per peer.
package admission

import (
	"context"
	"time"

	"github.com/mosaicnetworks/stakenet/src/config"
	"github.com/mosaicnetworks/stakenet/src/identity"
	"github.com/mosaicnetworks/stakenet/src/oracle"
	"github.com/mosaicnetworks/stakenet/src/peers"
	"github.com/sirupsen/logrus"
)

// Gate evaluates candidates against the stake oracle.
type Gate struct {
	subnetID      string
	oracleTimeout time.Duration
	minStake      uint64
	bootstrap     map[string]bool

	oracle  oracle.Oracle
	book    *peers.Book
	members *peers.MembershipSet

	logger *logrus.Entry
	now    func() time.Time
}

// NewGate creates a Gate for the subnet of conf. bootstrapIDs are the peer IDs
// of the configured bootstrap peers.
func NewGate(conf *config.Config,
	bootstrapIDs []string,
	o oracle.Oracle,
	book *peers.Book,
	members *peers.MembershipSet,
) *Gate {
	bs := make(map[string]bool, len(bootstrapIDs))
	for _, id := range bootstrapIDs {
		bs[id] = true
	}

	return &Gate{
		subnetID:      conf.SubnetID,
		oracleTimeout: conf.OracleTimeout,
		minStake:      conf.MinStake,
		bootstrap:     bs,
		oracle:        o,
		book:          book,
		members:       members,
		logger:        conf.Logger().WithField("prefix", "gate"),
		now:           time.Now,
	}
}

// IsBootstrap reports whether peerID is a configured bootstrap peer.
func (g *Gate) IsBootstrap(peerID string) bool {
	return g.bootstrap[peerID]
}

// Members returns the membership set owned by the gate.
func (g *Gate) Members() *peers.MembershipSet {
	return g.members
}

// Evaluate decides whether candidate may be a member of subnetID and applies
// the decision to the membership set and the store. On Admit and Reject,
// candidate is updated to the record that was written. When a store write
// fails the decision is returned together with the error and the membership
// set is left as it was.
func (g *Gate) Evaluate(ctx context.Context, candidate *peers.PeerRecord, subnetID string) (Decision, error) {
	d := g.decide(ctx, candidate, subnetID)

	logger := g.logger.WithFields(logrus.Fields{
		"peer":    candidate.PeerID,
		"verdict": d.Verdict,
		"reason":  d.Reason,
	})

	var err error
	switch d.Verdict {
	case Admit:
		err = g.applyAdmit(candidate, d)
	case Reject:
		if d.Reason == ReasonMalformedPeerID || d.Reason == ReasonSubnetMismatch {
			break
		}
		d.Evicted, err = g.applyReject(candidate, d)
	case Defer:
		logger.Warn("Admission deferred")
	}

	if err != nil {
		logger.WithError(err).Error("Failed to record admission decision")
		return d, err
	}

	logger.Debug("Evaluated peer")
	return d, nil
}

// decide is the pure part of Evaluate.
func (g *Gate) decide(ctx context.Context, candidate *peers.PeerRecord, subnetID string) Decision {
	if err := identity.ValidatePeerID(candidate.PeerID); err != nil {
		return reject(ReasonMalformedPeerID)
	}
	if subnetID != g.subnetID {
		return reject(ReasonSubnetMismatch)
	}

	if g.IsBootstrap(candidate.PeerID) {
		return admit(ReasonBootstrap, 0)
	}

	qctx, cancel := context.WithTimeout(ctx, g.oracleTimeout)
	defer cancel()

	info, err := g.oracle.QueryStake(qctx, candidate.PeerID, subnetID)
	if err != nil {
		g.logger.WithError(err).WithField("peer", candidate.PeerID).Debug("Stake query failed")
		return deferred(ReasonOracleUnavailable)
	}

	switch {
	case !info.Registered:
		d := reject(ReasonNotStaked)
		d.Detail = DetailUnregistered
		return d
	case !info.Staked || info.StakeAmount < g.minStake:
		d := reject(ReasonNotStaked)
		d.StakeAmount = info.StakeAmount
		return d
	default:
		return admit(ReasonStaked, info.StakeAmount)
	}
}

func (g *Gate) applyAdmit(candidate *peers.PeerRecord, d Decision) error {
	rec := candidate.Copy()
	rec.SubnetID = g.subnetID
	rec.LastSeen = g.now()
	rec.Reason = ""
	rec.Detail = ""

	rec.StakeStatus = peers.Staked
	rec.StakeAmount = d.StakeAmount
	rec.Bootstrap = d.Reason == ReasonBootstrap

	if err := g.book.Upsert(rec); err != nil {
		return err
	}

	*candidate = *rec
	if g.members.Add(rec.PeerID) {
		g.logger.WithFields(logrus.Fields{
			"peer":      rec.PeerID,
			"bootstrap": rec.Bootstrap,
			"stake":     rec.StakeAmount,
		}).Info("Peer admitted")
	}
	return nil
}

// applyReject archives the candidate and evicts it if it was a member.
func (g *Gate) applyReject(candidate *peers.PeerRecord, d Decision) (bool, error) {
	rec := candidate.Copy()
	rec.SubnetID = g.subnetID
	rec.StakeStatus = peers.Rejected
	rec.StakeAmount = d.StakeAmount
	rec.Reason = string(d.Reason)
	rec.Detail = d.Detail
	if rec.LastSeen.IsZero() {
		rec.LastSeen = g.now()
	}

	if !g.members.Contains(rec.PeerID) {
		if err := g.book.Archive(rec); err != nil {
			return false, err
		}
		*candidate = *rec
		return false, nil
	}

	if err := g.book.Evict(rec); err != nil {
		return false, err
	}
	*candidate = *rec
	g.members.Remove(rec.PeerID)

	g.logger.WithFields(logrus.Fields{
		"peer":   rec.PeerID,
		"reason": d.Reason,
	}).Info("Peer evicted")
	return true, nil
}

// EvictStale removes a member whose liveness timeout expired. Its stake status
// is kept; the history record carries ReasonStale. Evicting a non-member is a
// no-op.
func (g *Gate) EvictStale(rec *peers.PeerRecord) (bool, error) {
	if !g.members.Contains(rec.PeerID) {
		return false, nil
	}

	hist := rec.Copy()
	hist.SubnetID = g.subnetID
	hist.Reason = string(ReasonStale)

	if err := g.book.Evict(hist); err != nil {
		return false, err
	}
	g.members.Remove(rec.PeerID)

	g.logger.WithFields(logrus.Fields{
		"peer":      rec.PeerID,
		"last_seen": rec.LastSeen,
	}).Info("Peer evicted, liveness timeout")
	return true, nil
}

// Restore adds persisted members back to the membership set after a restart
// and returns them. Records that no longer qualify, because they belong to
// another subnet or name a peer that is no longer a configured bootstrap peer,
// are moved to the history map so that the active map keeps mirroring the
// membership set. Restored members are re-evaluated on the next heartbeat like
// any other member.
func (g *Gate) Restore(records []*peers.PeerRecord) ([]*peers.PeerRecord, error) {
	restored := []*peers.PeerRecord{}
	for _, r := range records {
		if r.SubnetID == g.subnetID && r.StakeStatus == peers.Staked &&
			(!r.Bootstrap || g.IsBootstrap(r.PeerID)) {
			g.members.Add(r.PeerID)
			restored = append(restored, r)
			continue
		}

		hist := r.Copy()
		hist.Reason = string(ReasonStale)
		if err := g.book.Evict(hist); err != nil {
			return restored, err
		}
	}
	return restored, nil
}
