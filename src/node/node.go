package node

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/mosaicnetworks/stakenet/src/admission"
	"github.com/mosaicnetworks/stakenet/src/config"
	"github.com/mosaicnetworks/stakenet/src/identity"
	"github.com/mosaicnetworks/stakenet/src/net"
	"github.com/mosaicnetworks/stakenet/src/oracle"
	"github.com/mosaicnetworks/stakenet/src/peers"
	"github.com/mosaicnetworks/stakenet/src/store"
	"github.com/mosaicnetworks/stakenet/src/version"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Node defines a stakenet node
type Node struct {
	state

	conf   *config.Config
	logger *logrus.Entry

	id        *identity.NodeIdentity
	bootstrap []peers.BootstrapPeer

	trans  net.Transport
	oracle oracle.Oracle
	store  store.ReadWriter
	book   *peers.Book
	gate   *admission.Gate

	tracker     *tracker
	metrics     *Metrics
	discoverSem *semaphore.Weighted

	controlTimer *ControlTimer

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	start time.Time
	now   func() time.Time
}

// NewNode is a factory method that returns a Node instance. The node takes
// ownership of the store, the transport and the oracle, and closes them on
// Shutdown.
func NewNode(conf *config.Config,
	id *identity.NodeIdentity,
	bootstrap []peers.BootstrapPeer,
	st store.ReadWriter,
	trans net.Transport,
	o oracle.Oracle,
) *Node {
	bootstrapIDs := make([]string, 0, len(bootstrap))
	for _, bp := range bootstrap {
		bootstrapIDs = append(bootstrapIDs, bp.PeerID)
	}

	book := peers.NewBook(st, conf.SubnetID)
	members := peers.NewMembershipSet()

	node := &Node{
		conf:         conf,
		logger:       conf.Logger().WithField("this_id", id.PeerID()),
		id:           id,
		bootstrap:    bootstrap,
		trans:        trans,
		oracle:       o,
		store:        st,
		book:         book,
		gate:         admission.NewGate(conf, bootstrapIDs, o, book, members),
		tracker:      newTracker(),
		discoverSem:  semaphore.NewWeighted(int64(conf.MaxConcurrency)),
		controlTimer: NewHeartbeatTimer(),
		shutdownCh:   make(chan struct{}),
		now:          time.Now,
	}

	node.metrics = newMetrics(
		func() float64 { return float64(members.Len()) },
		func() float64 { return float64(node.tracker.len()) },
	)

	return node
}

// Init writes the node info, restores the membership persisted by a previous
// run, admits the bootstrap peers and selects the initial state.
func (n *Node) Init() error {
	n.start = n.now()

	if err := n.writeNodeInfo(); err != nil {
		return err
	}

	if err := n.restore(); err != nil {
		return err
	}

	for _, bp := range n.bootstrap {
		if bp.PeerID == n.id.PeerID() {
			continue
		}
		rec := peers.NewPeerRecord(bp.PeerID, n.conf.SubnetID, bp.NetAddr)
		tp, added := n.tracker.track(rec, true, n.start)
		tp.mu.Lock()
		if added {
			n.evaluate(context.Background(), tp)
		} else {
			tp.record.MergeAddresses(bp.NetAddr)
		}
		tp.mu.Unlock()
	}

	if n.conf.IsBootstrap || n.conf.SkipSelfCheck {
		n.logger.Debug("Self check skipped => Running")
		n.setState(Running)
	} else {
		n.logger.Debug("Waiting for own stake => Joining")
		n.setState(Joining)
	}

	return nil
}

func (n *Node) writeNodeInfo() error {
	return n.book.WriteNodeInfo(&peers.NodeInfo{
		PeerID:    n.id.PeerID(),
		Moniker:   n.id.Moniker,
		SubnetID:  n.conf.SubnetID,
		PublicKey: n.id.PublicKeyHex(),
		Transport: n.conf.Transport,
		Addresses: []string{n.trans.AdvertiseAddr()},
		Bootstrap: n.conf.IsBootstrap,
		Version:   version.Version,
		StartedAt: n.start,
	})
}

// restore reloads the members of a previous run. They get a full liveness
// timeout to answer their first probe.
func (n *Node) restore() error {
	records, err := n.book.ListActive()
	if err != nil {
		return err
	}

	restored, err := n.gate.Restore(records)
	if err != nil {
		return err
	}

	for _, r := range restored {
		n.tracker.track(r, n.gate.IsBootstrap(r.PeerID), n.start)
	}

	if len(records) > 0 {
		n.logger.WithFields(logrus.Fields{
			"records":  len(records),
			"restored": len(restored),
		}).Info("Restored membership")
	}
	return nil
}

// RunAsync calls Run as a separate thread
func (n *Node) RunAsync(ctx context.Context) {
	n.logger.Debug("runasync")
	n.goFunc(func() { n.loop(ctx) })
}

// Run invokes the main loop of the node. It returns when ctx is cancelled or
// the node is shut down.
func (n *Node) Run(ctx context.Context) {
	n.wg.Add(1)
	defer n.wg.Done()
	n.loop(ctx)
}

func (n *Node) loop(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-n.shutdownCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	//Listen returns when the transport is closed, after waitRoutines
	go n.trans.Listen()

	go n.controlTimer.Run(n.conf.HeartbeatTimeout)

	//Execute some background work regardless of the state of the node.
	n.goFunc(func() { n.doBackgroundWork(ctx) })

	//Execute Node State Machine
	for {
		if ctx.Err() != nil {
			n.setState(Shutdown)
		}

		state := n.getState()

		n.logger.WithField("state", state.String()).Debug("Run loop")

		switch state {
		case Joining:
			n.join(ctx)
		case Running:
			n.run(ctx)
		case Shutdown:
			return
		}
	}
}

func (n *Node) doBackgroundWork(ctx context.Context) {
	rpcCh := n.trans.Consumer()
	candidateCh := n.trans.Candidates()

	for {
		select {
		case rpc := <-rpcCh:
			n.goFunc(func() {
				n.logger.Debug("Processing RPC")
				n.processRPC(rpc)
			})
		case c := <-candidateCh:
			n.discover(ctx, c)
		case <-ctx.Done():
			return
		}
	}
}

// join checks the node's own stake once per heartbeat until the oracle
// reports it staked.
func (n *Node) join(ctx context.Context) {
	n.logger.Debug("JOINING")

	if n.selfStaked(ctx) {
		n.logger.Info("Own stake verified => Running")
		n.setState(Running)
		return
	}

	select {
	case <-n.controlTimer.tickCh:
		n.controlTimer.Reset(n.conf.HeartbeatTimeout)
	case <-ctx.Done():
	}
}

func (n *Node) selfStaked(ctx context.Context) bool {
	qctx, cancel := context.WithTimeout(ctx, n.conf.OracleTimeout)
	defer cancel()

	info, err := n.oracle.QueryStake(qctx, n.id.PeerID(), n.conf.SubnetID)
	if err != nil {
		n.metrics.oracleFailures.Inc()
		n.logger.WithError(err).Warn("Cannot verify own stake")
		return false
	}

	if !info.Registered || !info.Staked || info.StakeAmount < n.conf.MinStake {
		n.logger.WithFields(logrus.Fields{
			"registered": info.Registered,
			"staked":     info.Staked,
			"stake":      info.StakeAmount,
		}).Warn("Node is not staked on its subnet")
		return false
	}

	return true
}

// run runs one heartbeat cycle per tick.
func (n *Node) run(ctx context.Context) {
	n.logger.Debug("RUNNING")

	for {
		select {
		case <-n.controlTimer.tickCh:
			n.heartbeat(ctx)
			n.prune()
			n.logStats()
			n.controlTimer.Reset(n.conf.HeartbeatTimeout)
		case <-ctx.Done():
			return
		}
	}
}

// prune deletes old history records when PruneAfter is set.
func (n *Node) prune() {
	if n.conf.PruneAfter <= 0 {
		return
	}

	pruned, err := n.book.PruneHistory(n.now().Add(-n.conf.PruneAfter))
	if err != nil {
		n.metrics.storeFailures.Inc()
		n.logger.WithError(err).Error("Pruning peer history")
		return
	}
	if pruned > 0 {
		n.logger.WithField("pruned", pruned).Debug("Pruned peer history")
	}
}

// Shutdown stops the node and closes its transport, oracle and store. It is
// safe to call more than once.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.logger.Debug("Shutdown")

		//Exit any non-shutdown state immediately
		n.setState(Shutdown)

		close(n.shutdownCh)

		//Wait for the main loop and for in-flight probes and admissions, up
		//to ShutdownTimeout
		done := make(chan struct{})
		go func() {
			n.waitRoutines()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(n.conf.ShutdownTimeout):
			n.logger.Warn("Shutdown timeout, abandoning in-flight operations")
		}

		n.controlTimer.Shutdown()

		//transport and store should only be closed once all concurrent
		//operations are finished
		n.trans.Close()

		if err := n.oracle.Close(); err != nil {
			n.logger.WithError(err).Debug("Closing oracle")
		}

		if err := n.store.Close(); err != nil {
			n.logger.WithError(err).Error("Closing store")
		}
	})
}

// GetStats returns stats
func (n *Node) GetStats() map[string]string {
	return map[string]string{
		"id":           n.id.PeerID(),
		"moniker":      n.id.Moniker,
		"state":        n.getState().String(),
		"subnet":       n.conf.SubnetID,
		"transport":    n.conf.Transport,
		"addr":         n.trans.AdvertiseAddr(),
		"num_peers":    strconv.Itoa(n.gate.Members().Len()),
		"tracked":      strconv.Itoa(n.tracker.len()),
		"is_bootstrap": strconv.FormatBool(n.conf.IsBootstrap),
		"uptime":       n.now().Sub(n.start).Truncate(time.Second).String(),
	}
}

func (n *Node) logStats() {
	stats := n.GetStats()

	n.logger.WithFields(logrus.Fields{
		"state":     stats["state"],
		"num_peers": stats["num_peers"],
		"tracked":   stats["tracked"],
	}).Debug("Stats")
}

// ID returns the peer ID of the node.
func (n *Node) ID() string {
	return n.id.PeerID()
}

// State returns the current state of the node.
func (n *Node) State() State {
	return n.getState()
}

// Members returns the IDs of the admitted peers, in lexical order.
func (n *Node) Members() []string {
	return n.gate.Members().IDs()
}

// GetPeers returns the records of the admitted peers.
func (n *Node) GetPeers() ([]*peers.PeerRecord, error) {
	return n.book.ListActive()
}

// Metrics returns the node's prometheus collectors.
func (n *Node) Metrics() *Metrics {
	return n.metrics
}
