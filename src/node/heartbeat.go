package node

import (
	"context"

	"github.com/mosaicnetworks/stakenet/src/admission"
	"github.com/mosaicnetworks/stakenet/src/net"
	"github.com/mosaicnetworks/stakenet/src/peers"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// heartbeat probes every tracked peer once, with at most MaxConcurrency
// probes in flight, and returns when all of them are done.
func (n *Node) heartbeat(ctx context.Context) {
	tracked := n.tracker.list()

	n.logger.WithField("tracked", len(tracked)).Debug("Heartbeat")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.conf.MaxConcurrency)

	for _, tp := range tracked {
		tp := tp
		g.Go(func() error {
			n.checkPeer(gctx, tp)
			return nil
		})
	}

	g.Wait()
	n.metrics.cycles.Inc()
}

// checkPeer probes one peer. A successful probe refreshes the peer's liveness
// and resubmits it to the gate. A failed probe only counts; once the liveness
// timeout has passed since the last success, the peer is evicted without
// consulting the oracle.
func (n *Node) checkPeer(ctx context.Context, tp *trackedPeer) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.removed || ctx.Err() != nil {
		return
	}

	logger := n.logger.WithField("peer", tp.peerID)

	pctx, cancel := context.WithTimeout(ctx, n.conf.ProbeTimeout)
	_, err := n.trans.Probe(pctx, tp.record)
	cancel()

	now := n.now()

	if err != nil {
		if ctx.Err() != nil {
			return
		}

		tp.failures++
		n.metrics.probeFailures.Inc()

		silence := now.Sub(tp.lastSuccess)
		logger.WithFields(logrus.Fields{
			"failures": tp.failures,
			"silence":  silence,
		}).WithError(err).Debug("Probe failed")

		if silence < n.conf.EffectiveLivenessTimeout() {
			return
		}

		evicted, err := n.gate.EvictStale(tp.record)
		if err != nil {
			n.metrics.storeFailures.Inc()
			logger.WithError(err).Error("Evicting stale peer")
			return
		}
		if evicted {
			n.metrics.observeEviction(admission.ReasonStale)
		}

		// Bootstrap peers stay in the probe list and are re-admitted once
		// they answer again.
		if !tp.bootstrap {
			n.tracker.remove(tp)
		}
		return
	}

	tp.failures = 0
	tp.lastSuccess = now
	tp.record.LastSeen = now

	if err := n.book.Heartbeat(tp.peerID, now); err != nil {
		n.metrics.storeFailures.Inc()
		logger.WithError(err).Error("Recording heartbeat")
	}

	n.evaluate(ctx, tp)
}

// evaluate submits a tracked peer to the gate. The caller holds tp.mu.
// Rejected peers stop being tracked unless they are bootstrap peers.
func (n *Node) evaluate(ctx context.Context, tp *trackedPeer) admission.Decision {
	d, err := n.gate.Evaluate(ctx, tp.record, tp.record.SubnetID)
	n.metrics.observeDecision(d, err)
	if err != nil {
		return d
	}

	if d.Verdict == admission.Reject && !tp.bootstrap {
		n.tracker.remove(tp)
	}
	return d
}

// discover handles a candidate published by the transport. An untracked peer
// must answer one verified probe before it is submitted to the gate; later
// events for a tracked peer only refresh it. Each event takes a slot of the
// discovery semaphore before any work starts, and events arriving while all
// slots are busy are dropped, like the transport drops them when its queue is
// full.
func (n *Node) discover(ctx context.Context, c net.Candidate) {
	if c.PeerID == "" || c.PeerID == n.id.PeerID() {
		return
	}

	if !n.discoverSem.TryAcquire(1) {
		n.metrics.droppedCandidates.Inc()
		n.logger.WithField("peer", c.PeerID).Debug("Discovery busy, dropping candidate")
		return
	}

	subnetID := c.SubnetID
	if subnetID == "" {
		subnetID = n.conf.SubnetID
	}

	rec := peers.NewPeerRecord(c.PeerID, subnetID, c.Addresses...)
	if c.Via != "" && n.gate.IsBootstrap(c.Via) {
		rec.BootnodePeerID = c.Via
	}

	tp, added := n.tracker.track(rec, n.gate.IsBootstrap(c.PeerID), n.now())

	n.logger.WithFields(logrus.Fields{
		"peer":    c.PeerID,
		"via":     c.Via,
		"inbound": c.Inbound,
		"new":     added,
	}).Debug("Discovered peer")

	n.goFunc(func() {
		defer n.discoverSem.Release(1)

		tp.mu.Lock()
		defer tp.mu.Unlock()

		if tp.removed || ctx.Err() != nil {
			return
		}

		if !added {
			n.refresh(tp, c)
			return
		}

		if n.firstContact(ctx, tp) {
			n.evaluate(ctx, tp)
		}
	})
}

// firstContact probes a newly discovered peer. A peer that does not answer
// as the holder of its key stops being tracked, unless it is a bootstrap
// peer. The caller holds tp.mu.
func (n *Node) firstContact(ctx context.Context, tp *trackedPeer) bool {
	pctx, cancel := context.WithTimeout(ctx, n.conf.ProbeTimeout)
	_, err := n.trans.Probe(pctx, tp.record)
	cancel()

	if err != nil {
		n.metrics.probeFailures.Inc()
		n.logger.WithField("peer", tp.peerID).WithError(err).Debug("Candidate did not answer")
		if !tp.bootstrap {
			n.tracker.remove(tp)
		}
		return false
	}

	now := n.now()
	tp.lastSuccess = now
	tp.failures = 0
	tp.record.LastSeen = now
	return true
}

// refresh merges what a discovery event says about a tracked peer. An inbound
// event carries a fresh ping signed by the peer, which counts as a sign of
// life. Unverified events change nothing. The caller holds tp.mu.
func (n *Node) refresh(tp *trackedPeer, c net.Candidate) {
	if c.Unverified {
		return
	}

	changed := tp.record.MergeAddresses(c.Addresses...)

	if c.Inbound {
		now := n.now()
		tp.lastSuccess = now
		tp.failures = 0
		tp.record.LastSeen = now
	}

	if changed && n.gate.Members().Contains(tp.peerID) {
		if err := n.book.Upsert(tp.record); err != nil {
			n.metrics.storeFailures.Inc()
			n.logger.WithError(err).WithField("peer", tp.peerID).Error("Updating peer addresses")
		}
	}
}
