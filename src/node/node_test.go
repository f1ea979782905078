package node

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mosaicnetworks/stakenet/src/admission"
	"github.com/mosaicnetworks/stakenet/src/common"
	"github.com/mosaicnetworks/stakenet/src/config"
	"github.com/mosaicnetworks/stakenet/src/identity"
	"github.com/mosaicnetworks/stakenet/src/net"
	"github.com/mosaicnetworks/stakenet/src/oracle"
	"github.com/mosaicnetworks/stakenet/src/peers"
	"github.com/mosaicnetworks/stakenet/src/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSubnet = "1"
	waitFor    = 3 * time.Second
	tick       = 10 * time.Millisecond
)

type testNode struct {
	node   *Node
	id     *identity.NodeIdentity
	conf   *config.Config
	trans  *net.InmemTransport
	oracle *oracle.StaticOracle
}

func newIdentity(t *testing.T) *identity.NodeIdentity {
	t.Helper()
	id, err := identity.Generate("")
	require.NoError(t, err)
	return id
}

// newTestNode creates a node on the in-memory transport with its own store
// and oracle. The node is initialised but not running.
func newTestNode(t *testing.T, id *identity.NodeIdentity, bootstrap []peers.BootstrapPeer, mod func(*config.Config)) *testNode {
	t.Helper()

	conf := config.NewTestConfig(t, logrus.InfoLevel)
	conf.SubnetID = testSubnet
	if mod != nil {
		mod(conf)
	}

	st, err := store.OpenWriter(context.Background(), conf.StoreBackend, conf.DatabaseDir,
		store.Options{}, common.NewTestEntry(t, "store"))
	require.NoError(t, err)

	_, trans := net.NewInmemTransport(net.Local{PeerID: id.PeerID(), SubnetID: conf.SubnetID, Key: id.Key}, "",
		common.NewTestEntry(t, "net"))

	o := oracle.NewStaticOracle()

	n := NewNode(conf, id, bootstrap, st, trans, o)
	t.Cleanup(n.Shutdown)

	return &testNode{node: n, id: id, conf: conf, trans: trans, oracle: o}
}

func (tn *testNode) initAndRun(t *testing.T) {
	t.Helper()
	require.NoError(t, tn.node.Init())
	tn.node.RunAsync(context.Background())
}

func (tn *testNode) asBootstrap() peers.BootstrapPeer {
	return peers.BootstrapPeer{PeerID: tn.id.PeerID(), NetAddr: tn.trans.LocalAddr()}
}

func connect(nodes ...*testNode) {
	for _, a := range nodes {
		for _, b := range nodes {
			if a != b {
				a.trans.Connect(b.trans.LocalAddr(), b.trans)
			}
		}
	}
}

// newResponder returns a bare transport that holds id's key and answers every
// ping, without running a node. It is connected to a.
func newResponder(t *testing.T, id *identity.NodeIdentity, a *testNode) *net.InmemTransport {
	t.Helper()

	_, trans := net.NewInmemTransport(net.Local{PeerID: id.PeerID(), SubnetID: testSubnet, Key: id.Key}, "",
		common.NewTestEntry(t, "net"))
	a.trans.Connect(trans.LocalAddr(), trans)
	trans.Connect(a.trans.LocalAddr(), a.trans)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case rpc := <-trans.Consumer():
				req, ok := rpc.Command.(*net.PingRequest)
				if !ok {
					rpc.Respond(nil, fmt.Errorf("unexpected command %T", rpc.Command))
					continue
				}
				resp, err := net.NewPingResponse(id.Key, testSubnet, req, nil)
				rpc.Respond(resp, err)
			case <-done:
				return
			}
		}
	}()
	t.Cleanup(func() {
		close(done)
		trans.Close()
	})

	return trans
}

func gaugeValue(t *testing.T, n *Node, name string) float64 {
	t.Helper()
	families, err := n.Metrics().Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}

func isMember(n *Node, peerID string) bool {
	return n.gate.Members().Contains(peerID)
}

// startPair runs a bootstrap node A and a node C that knows A as its bootstrap
// peer. C is staked in A's oracle.
func startPair(t *testing.T, modA func(*config.Config)) (a, c *testNode) {
	t.Helper()

	a = newTestNode(t, newIdentity(t), nil, func(conf *config.Config) {
		conf.IsBootstrap = true
		if modA != nil {
			modA(conf)
		}
	})
	c = newTestNode(t, newIdentity(t), []peers.BootstrapPeer{a.asBootstrap()}, func(conf *config.Config) {
		conf.SkipSelfCheck = true
	})
	connect(a, c)

	a.oracle.SetStaked(c.id.PeerID(), 200)

	a.initAndRun(t)
	c.initAndRun(t)

	require.Eventually(t, func() bool { return isMember(a.node, c.id.PeerID()) }, waitFor, tick,
		"staked peer never admitted")
	return a, c
}

func TestBootstrapAlwaysAdmitted(t *testing.T) {
	a := newTestNode(t, newIdentity(t), nil, func(conf *config.Config) { conf.IsBootstrap = true })
	b := newTestNode(t, newIdentity(t), []peers.BootstrapPeer{a.asBootstrap()}, func(conf *config.Config) {
		conf.SkipSelfCheck = true
	})
	connect(a, b)

	b.oracle.SetUnavailable(true)

	b.initAndRun(t)
	a.initAndRun(t)

	// admitted by Init, before any probe
	assert.True(t, isMember(b.node, a.id.PeerID()))

	rec, err := b.node.book.Active(a.id.PeerID())
	require.NoError(t, err)
	assert.True(t, rec.Bootstrap)
	assert.Equal(t, peers.Staked, rec.StakeStatus)

	// still a member after a few cycles with the oracle down
	time.Sleep(5 * b.conf.HeartbeatTimeout)
	assert.True(t, isMember(b.node, a.id.PeerID()))
	assert.Equal(t, int64(0), b.oracle.Calls())

	_, err = b.node.book.LastHeartbeat(a.id.PeerID())
	assert.NoError(t, err)
}

func TestStakedPeerAdmitted(t *testing.T) {
	a, c := startPair(t, nil)

	rec, err := a.node.book.Active(c.id.PeerID())
	require.NoError(t, err)
	assert.Equal(t, testSubnet, rec.SubnetID)
	assert.Equal(t, peers.Staked, rec.StakeStatus)
	assert.Equal(t, uint64(200), rec.StakeAmount)
	assert.Contains(t, rec.Addresses, c.trans.LocalAddr())

	assert.GreaterOrEqual(t,
		testutil.ToFloat64(a.node.metrics.decisions.WithLabelValues("Admit", string(admission.ReasonStaked))),
		1.0)
	assert.Equal(t, 1.0, gaugeValue(t, a.node, "stakenet_active_peers"))
}

func TestUnstakedMemberEvictedWithinOneCycle(t *testing.T) {
	a, c := startPair(t, nil)

	a.oracle.SetStaked(c.id.PeerID(), 0)

	// one cycle, plus slack for the probe and the scheduling
	require.Eventually(t, func() bool { return !isMember(a.node, c.id.PeerID()) },
		4*a.conf.HeartbeatTimeout, tick)

	_, err := a.node.book.Active(c.id.PeerID())
	assert.True(t, store.IsNotFound(err))

	hist, err := a.node.book.History(c.id.PeerID())
	require.NoError(t, err)
	assert.Equal(t, peers.Rejected, hist.StakeStatus)
	assert.Equal(t, string(admission.ReasonNotStaked), hist.Reason)
}

func TestUnregisteredCandidateRejected(t *testing.T) {
	a := newTestNode(t, newIdentity(t), nil, func(conf *config.Config) { conf.IsBootstrap = true })
	a.initAndRun(t)

	y := newIdentity(t)
	ry := newResponder(t, y, a)
	a.trans.Discover(net.Candidate{PeerID: y.PeerID(), SubnetID: testSubnet, Addresses: []string{ry.LocalAddr()}})

	require.Eventually(t, func() bool {
		_, err := a.node.book.History(y.PeerID())
		return err == nil && a.node.tracker.get(y.PeerID()) == nil
	}, waitFor, tick)

	assert.False(t, isMember(a.node, y.PeerID()))
	hist, err := a.node.book.History(y.PeerID())
	require.NoError(t, err)
	assert.Equal(t, peers.Rejected, hist.StakeStatus)
	assert.Equal(t, string(admission.ReasonNotStaked), hist.Reason)
	assert.Equal(t, admission.DetailUnregistered, hist.Detail)

	active, err := a.node.GetPeers()
	require.NoError(t, err)
	for _, r := range active {
		assert.NotEqual(t, y.PeerID(), r.PeerID)
	}
}

func TestLivenessEvictionWithoutOracle(t *testing.T) {
	a, c := startPair(t, nil)
	cID := c.id.PeerID()

	c.node.Shutdown()
	a.trans.Disconnect(c.trans.LocalAddr())

	// let in-flight cycles finish before counting oracle calls
	time.Sleep(2 * a.conf.HeartbeatTimeout)
	calls := a.oracle.Calls()

	require.Eventually(t, func() bool {
		return !isMember(a.node, cID) && a.node.tracker.get(cID) == nil
	}, waitFor, tick)

	assert.Equal(t, calls, a.oracle.Calls())

	hist, err := a.node.book.History(cID)
	require.NoError(t, err)
	assert.Equal(t, string(admission.ReasonStale), hist.Reason)
	assert.Equal(t, peers.Staked, hist.StakeStatus)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.node.metrics.evictions.WithLabelValues(string(admission.ReasonStale))))
}

func TestBootstrapReadmittedAfterOutage(t *testing.T) {
	a := newTestNode(t, newIdentity(t), nil, func(conf *config.Config) { conf.IsBootstrap = true })
	b := newTestNode(t, newIdentity(t), []peers.BootstrapPeer{a.asBootstrap()}, func(conf *config.Config) {
		conf.SkipSelfCheck = true
	})
	connect(a, b)
	a.initAndRun(t)
	b.initAndRun(t)

	aID := a.id.PeerID()
	require.True(t, isMember(b.node, aID))

	b.trans.Disconnect(a.trans.LocalAddr())
	require.Eventually(t, func() bool { return !isMember(b.node, aID) }, waitFor, tick)

	// still probed
	assert.NotNil(t, b.node.tracker.get(aID))

	b.trans.Connect(a.trans.LocalAddr(), a.trans)
	require.Eventually(t, func() bool { return isMember(b.node, aID) }, waitFor, tick)
}

func TestDuplicateDiscoveryIsRefresh(t *testing.T) {
	// no heartbeat cycle runs during the test, so every oracle call comes
	// from discovery
	a := newTestNode(t, newIdentity(t), nil, func(conf *config.Config) {
		conf.IsBootstrap = true
		conf.HeartbeatTimeout = time.Minute
		conf.LivenessTimeout = 3 * time.Minute
	})
	a.initAndRun(t)

	x := newIdentity(t)
	a.oracle.SetStaked(x.PeerID(), 10)
	rx := newResponder(t, x, a)

	a.trans.Discover(net.Candidate{PeerID: x.PeerID(), SubnetID: testSubnet, Addresses: []string{rx.LocalAddr()}})
	require.Eventually(t, func() bool { return isMember(a.node, x.PeerID()) }, waitFor, tick)
	require.Equal(t, int64(1), a.oracle.Calls())

	a.trans.Discover(net.Candidate{PeerID: x.PeerID(), SubnetID: testSubnet, Addresses: []string{"addr-2"}})
	require.Eventually(t, func() bool {
		rec, err := a.node.book.Active(x.PeerID())
		return err == nil && len(rec.Addresses) == 2
	}, waitFor, tick)

	assert.Equal(t, int64(1), a.oracle.Calls())
}

func TestUnreachableCandidateNotEvaluated(t *testing.T) {
	a := newTestNode(t, newIdentity(t), nil, func(conf *config.Config) { conf.IsBootstrap = true })
	a.initAndRun(t)

	x := newIdentity(t)
	a.oracle.SetStaked(x.PeerID(), 10)

	a.trans.Discover(net.Candidate{PeerID: x.PeerID(), SubnetID: testSubnet, Addresses: []string{"nowhere"}})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(a.node.metrics.probeFailures) >= 1 && a.node.tracker.get(x.PeerID()) == nil
	}, waitFor, tick)

	assert.False(t, isMember(a.node, x.PeerID()))
	assert.Equal(t, int64(0), a.oracle.Calls())
}

// forgePings pings a as victim, without victim's key, until the test ends.
func forgePings(t *testing.T, a *testNode, victim *identity.NodeIdentity) *net.InmemTransport {
	t.Helper()

	_, forger := net.NewInmemTransport(net.Local{PeerID: victim.PeerID(), SubnetID: testSubnet}, "",
		common.NewTestEntry(t, "net"))
	forger.Connect(a.trans.LocalAddr(), a.trans)
	a.trans.Connect(forger.LocalAddr(), forger)

	target := peers.NewPeerRecord(a.id.PeerID(), testSubnet, a.trans.LocalAddr())

	// answers a's pings with a response that cannot carry victim's signature
	impostor := newIdentity(t)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case rpc := <-forger.Consumer():
				req := rpc.Command.(*net.PingRequest)
				resp, err := net.NewPingResponse(impostor.Key, testSubnet, req, nil)
				if err == nil {
					resp.PeerID = victim.PeerID()
				}
				rpc.Respond(resp, err)
			case <-done:
				return
			}
		}
	}()
	go func() {
		for {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			forger.Probe(ctx, target)
			cancel()
			select {
			case <-time.After(tick):
			case <-done:
				return
			}
		}
	}()
	t.Cleanup(func() {
		close(done)
		forger.Close()
	})

	return forger
}

func TestForgedPingDoesNotAdmit(t *testing.T) {
	a := newTestNode(t, newIdentity(t), nil, func(conf *config.Config) { conf.IsBootstrap = true })
	a.initAndRun(t)

	victim := newIdentity(t)
	a.oracle.SetStaked(victim.PeerID(), 100)

	forgePings(t, a, victim)

	time.Sleep(10 * a.conf.HeartbeatTimeout)
	assert.False(t, isMember(a.node, victim.PeerID()))
	assert.Equal(t, int64(0), a.oracle.Calls())
	assert.Greater(t, testutil.ToFloat64(a.node.metrics.probeFailures), 0.0)
}

func TestForgedPingDoesNotKeepPeerAlive(t *testing.T) {
	a := newTestNode(t, newIdentity(t), nil, func(conf *config.Config) { conf.IsBootstrap = true })
	a.initAndRun(t)

	victim := newIdentity(t)
	a.oracle.SetStaked(victim.PeerID(), 100)
	rv := newResponder(t, victim, a)

	a.trans.Discover(net.Candidate{PeerID: victim.PeerID(), SubnetID: testSubnet, Addresses: []string{rv.LocalAddr()}})
	require.Eventually(t, func() bool { return isMember(a.node, victim.PeerID()) }, waitFor, tick)

	// the victim goes silent while someone else keeps pinging in its name
	a.trans.Disconnect(rv.LocalAddr())
	forger := forgePings(t, a, victim)

	require.Eventually(t, func() bool { return !isMember(a.node, victim.PeerID()) }, waitFor, tick)

	hist, err := a.node.book.History(victim.PeerID())
	require.NoError(t, err)
	assert.Equal(t, string(admission.ReasonStale), hist.Reason)
	assert.NotContains(t, hist.Addresses, forger.LocalAddr())
}

func TestDiscoveryDropsCandidatesWhenBusy(t *testing.T) {
	a := newTestNode(t, newIdentity(t), nil, func(conf *config.Config) {
		conf.IsBootstrap = true
		conf.MaxConcurrency = 1
	})
	require.NoError(t, a.node.Init())

	require.True(t, a.node.discoverSem.TryAcquire(1))

	x := newIdentity(t)
	a.node.discover(context.Background(), net.Candidate{PeerID: x.PeerID(), SubnetID: testSubnet, Addresses: []string{"addr"}})

	assert.Nil(t, a.node.tracker.get(x.PeerID()))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.node.metrics.droppedCandidates))

	a.node.discoverSem.Release(1)
}

func TestDeferKeepsMembership(t *testing.T) {
	a, c := startPair(t, nil)

	a.oracle.SetUnavailable(true)
	time.Sleep(5 * a.conf.HeartbeatTimeout)

	assert.True(t, isMember(a.node, c.id.PeerID()))
	assert.Greater(t, testutil.ToFloat64(a.node.metrics.oracleFailures), 0.0)

	rec, err := a.node.book.Active(c.id.PeerID())
	require.NoError(t, err)
	assert.Equal(t, peers.Staked, rec.StakeStatus)
}

func TestDeferredCandidateAdmittedLater(t *testing.T) {
	a := newTestNode(t, newIdentity(t), nil, func(conf *config.Config) { conf.IsBootstrap = true })
	c := newTestNode(t, newIdentity(t), []peers.BootstrapPeer{a.asBootstrap()}, func(conf *config.Config) {
		conf.SkipSelfCheck = true
	})
	connect(a, c)

	a.oracle.SetStaked(c.id.PeerID(), 5)
	a.oracle.SetUnavailable(true)

	a.initAndRun(t)
	c.initAndRun(t)

	require.Eventually(t, func() bool { return a.node.tracker.get(c.id.PeerID()) != nil }, waitFor, tick)
	assert.False(t, isMember(a.node, c.id.PeerID()))

	a.oracle.SetUnavailable(false)
	require.Eventually(t, func() bool { return isMember(a.node, c.id.PeerID()) }, waitFor, tick)
}

func TestJoiningWaitsForOwnStake(t *testing.T) {
	id := newIdentity(t)
	b := newTestNode(t, id, nil, nil)
	b.initAndRun(t)

	assert.Equal(t, Joining, b.node.State())
	time.Sleep(3 * b.conf.HeartbeatTimeout)
	assert.Equal(t, Joining, b.node.State())

	b.oracle.SetStaked(id.PeerID(), 1)
	require.Eventually(t, func() bool { return b.node.State() == Running }, waitFor, tick)
}

func TestPingAnswersWithActivePeers(t *testing.T) {
	a, c := startPair(t, nil)

	prober := newIdentity(t)
	_, raw := net.NewInmemTransport(net.Local{PeerID: prober.PeerID(), SubnetID: testSubnet, Key: prober.Key}, "",
		common.NewTestEntry(t, "net"))
	raw.Connect(a.trans.LocalAddr(), a.trans)

	target := peers.NewPeerRecord(a.id.PeerID(), testSubnet, a.trans.LocalAddr())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := raw.Probe(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, a.id.PeerID(), resp.PeerID)

	ids := []string{}
	for _, p := range resp.Peers {
		ids = append(ids, p.PeerID)
	}
	assert.Contains(t, ids, c.id.PeerID())
}

func TestRestartRestoresMembers(t *testing.T) {
	id := newIdentity(t)
	a := newTestNode(t, id, nil, func(conf *config.Config) {
		conf.IsBootstrap = true
		conf.LivenessTimeout = time.Minute
	})
	a.initAndRun(t)

	x := newIdentity(t)
	a.oracle.SetStaked(x.PeerID(), 10)
	rx := newResponder(t, x, a)
	a.trans.Discover(net.Candidate{PeerID: x.PeerID(), SubnetID: testSubnet, Addresses: []string{rx.LocalAddr()}})
	require.Eventually(t, func() bool { return isMember(a.node, x.PeerID()) }, waitFor, tick)

	a.node.Shutdown()

	// same data directory
	st, err := store.OpenWriter(context.Background(), a.conf.StoreBackend, a.conf.DatabaseDir,
		store.Options{}, common.NewTestEntry(t, "store"))
	require.NoError(t, err)
	_, trans := net.NewInmemTransport(net.Local{PeerID: id.PeerID(), SubnetID: testSubnet, Key: id.Key}, "",
		common.NewTestEntry(t, "net"))

	restarted := NewNode(a.conf, id, nil, st, trans, oracle.NewStaticOracle())
	t.Cleanup(restarted.Shutdown)
	require.NoError(t, restarted.Init())

	assert.Equal(t, []string{x.PeerID()}, restarted.Members())
	assert.NotNil(t, restarted.tracker.get(x.PeerID()))
}

func TestNodeInfoAndStats(t *testing.T) {
	a := newTestNode(t, newIdentity(t), nil, func(conf *config.Config) { conf.IsBootstrap = true })
	require.NoError(t, a.node.Init())

	data, err := a.node.store.Get(peers.NodeInfoKey)
	require.NoError(t, err)
	info := new(peers.NodeInfo)
	require.NoError(t, info.Unmarshal(data))
	assert.Equal(t, a.id.PeerID(), info.PeerID)
	assert.Equal(t, testSubnet, info.SubnetID)
	assert.True(t, info.Bootstrap)

	stats := a.node.GetStats()
	assert.Equal(t, a.id.PeerID(), stats["id"])
	assert.Equal(t, "Running", stats["state"])
	assert.Equal(t, "0", stats["num_peers"])
}

func TestPruneHistory(t *testing.T) {
	a := newTestNode(t, newIdentity(t), nil, func(conf *config.Config) {
		conf.IsBootstrap = true
		conf.PruneAfter = time.Hour
	})
	require.NoError(t, a.node.Init())

	old := peers.NewPeerRecord(newIdentity(t).PeerID(), testSubnet)
	old.LastSeen = time.Now().Add(-2 * time.Hour)
	recent := peers.NewPeerRecord(newIdentity(t).PeerID(), testSubnet)
	recent.LastSeen = time.Now()
	require.NoError(t, a.node.book.Archive(old))
	require.NoError(t, a.node.book.Archive(recent))

	a.node.prune()

	_, err := a.node.book.History(old.PeerID)
	assert.True(t, store.IsNotFound(err))
	_, err = a.node.book.History(recent.PeerID)
	assert.NoError(t, err)
}
