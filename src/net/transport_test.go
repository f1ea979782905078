package net

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mosaicnetworks/stakenet/src/common"
	"github.com/mosaicnetworks/stakenet/src/identity"
	"github.com/mosaicnetworks/stakenet/src/peers"
)

const (
	INMEM = iota
	TCP
	LIBP2P
	numTestTransports // NOTE: must be last
)

const testSubnet = "1"

type testNode struct {
	id    *identity.NodeIdentity
	trans Transport
}

func newTestNode(ttype int, t *testing.T) *testNode {
	id, err := identity.Generate("")
	if err != nil {
		t.Fatal(err)
	}
	local := Local{PeerID: id.PeerID(), SubnetID: testSubnet, Key: id.Key}
	logger := common.NewTestEntry(t, "net")

	var trans Transport
	switch ttype {
	case INMEM:
		_, trans = NewInmemTransport(local, "", logger)
	case TCP:
		tt, err := NewTCPTransport("127.0.0.1:0", "", local, 2, time.Second, logger)
		if err != nil {
			t.Fatal(err)
		}
		trans = tt
	case LIBP2P:
		key, err := id.LibP2PKey()
		if err != nil {
			t.Fatal(err)
		}
		lt, err := NewLibp2pTransport(key, "/ip4/127.0.0.1/tcp/0", local, time.Second, true, logger)
		if err != nil {
			t.Fatal(err)
		}
		trans = lt
	default:
		panic("Unknown transport type")
	}

	go trans.Listen()
	return &testNode{id: id, trans: trans}
}

func (n *testNode) record() *peers.PeerRecord {
	return peers.NewPeerRecord(n.id.PeerID(), testSubnet, n.trans.AdvertiseAddr())
}

// respond answers one ping on behalf of n, sharing active.
func (n *testNode) respond(t *testing.T, active []PeerInfo) {
	select {
	case rpc := <-n.trans.Consumer():
		req, ok := rpc.Command.(*PingRequest)
		if !ok {
			t.Errorf("unexpected command %T", rpc.Command)
			return
		}
		resp, err := NewPingResponse(n.id.Key, testSubnet, req, active)
		rpc.Respond(resp, err)
	case <-time.After(2 * time.Second):
		t.Errorf("timeout")
	}
}

func connect(ttype int, a, b *testNode) {
	if ttype == INMEM {
		a.trans.(*InmemTransport).Connect(b.trans.LocalAddr(), b.trans)
		b.trans.(*InmemTransport).Connect(a.trans.LocalAddr(), a.trans)
	}
}

func TestTransport_StartStop(t *testing.T) {
	for ttype := 0; ttype < numTestTransports; ttype++ {
		n := newTestNode(ttype, t)
		if err := n.trans.Close(); err != nil {
			t.Fatalf("err: %v", err)
		}
	}
}

func TestTransport_Probe(t *testing.T) {
	for ttype := 0; ttype < numTestTransports; ttype++ {
		n1 := newTestNode(ttype, t)
		n2 := newTestNode(ttype, t)
		connect(ttype, n1, n2)

		third, err := identity.Generate("")
		if err != nil {
			t.Fatal(err)
		}
		shared := []PeerInfo{
			{PeerID: third.PeerID(), Addresses: []string{"10.0.0.3:1337"}},
			// the prober itself is never a candidate
			{PeerID: n2.id.PeerID(), Addresses: []string{n2.trans.AdvertiseAddr()}},
		}

		go n1.respond(t, shared)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		resp, err := n2.trans.Probe(ctx, n1.record())
		cancel()
		if err != nil {
			t.Fatalf("transport %d: probe: %v", ttype, err)
		}
		if resp.PeerID != n1.id.PeerID() {
			t.Fatalf("transport %d: responder %s, expected %s", ttype, resp.PeerID, n1.id.PeerID())
		}

		// the peer exchange surfaces the third peer
		found := false
		timeout := time.After(2 * time.Second)
		for !found {
			select {
			case c := <-n2.trans.Candidates():
				if c.PeerID == n2.id.PeerID() {
					t.Fatalf("transport %d: own id published as candidate", ttype)
				}
				if c.PeerID == third.PeerID() {
					if c.Via != n1.id.PeerID() {
						t.Fatalf("transport %d: via %q", ttype, c.Via)
					}
					found = true
				}
			case <-timeout:
				t.Fatalf("transport %d: exchanged peer not published", ttype)
			}
		}

		// the prober is a candidate on the responder side
		inbound := false
		timeout = time.After(2 * time.Second)
		for !inbound {
			select {
			case c := <-n1.trans.Candidates():
				if c.PeerID == n2.id.PeerID() && c.Inbound {
					inbound = true
				}
			case <-timeout:
				t.Fatalf("transport %d: inbound ping not published", ttype)
			}
		}

		n1.trans.Close()
		n2.trans.Close()
	}
}

func TestTransport_ProbeWrongIdentity(t *testing.T) {
	for _, ttype := range []int{INMEM, TCP} {
		n1 := newTestNode(ttype, t)
		n2 := newTestNode(ttype, t)
		connect(ttype, n1, n2)

		impostor, err := identity.Generate("")
		if err != nil {
			t.Fatal(err)
		}

		// n1 answers at the address we believe belongs to impostor
		go n1.respond(t, nil)

		target := peers.NewPeerRecord(impostor.PeerID(), testSubnet, n1.trans.AdvertiseAddr())
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err = n2.trans.Probe(ctx, target)
		cancel()
		if !errors.Is(err, ErrPeerUnreachable) {
			t.Fatalf("transport %d: expected ErrPeerUnreachable, got %v", ttype, err)
		}

		n1.trans.Close()
		n2.trans.Close()
	}
}

func TestTransport_ProbeUnreachable(t *testing.T) {
	for _, ttype := range []int{INMEM, TCP} {
		n := newTestNode(ttype, t)
		gone := newTestNode(ttype, t)
		record := gone.record()
		gone.trans.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_, err := n.trans.Probe(ctx, record)
		cancel()
		if !errors.Is(err, ErrPeerUnreachable) {
			t.Fatalf("transport %d: expected ErrPeerUnreachable, got %v", ttype, err)
		}

		_, err = n.trans.Probe(context.Background(), peers.NewPeerRecord(record.PeerID, testSubnet))
		if !errors.Is(err, ErrPeerUnreachable) {
			t.Fatalf("transport %d: expected ErrPeerUnreachable for a peer without address, got %v", ttype, err)
		}

		n.trans.Close()
	}
}

func TestPingResponseVerify(t *testing.T) {
	id, err := identity.Generate("")
	if err != nil {
		t.Fatal(err)
	}
	req, err := NewPingRequest(Local{PeerID: "sender", SubnetID: testSubnet}, "")
	if err != nil {
		t.Fatal(err)
	}

	resp, err := NewPingResponse(id.Key, testSubnet, req, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := resp.Verify(req, id.PeerID()); err != nil {
		t.Fatalf("valid response rejected: %v", err)
	}

	// replayed against a fresh nonce
	fresh, err := NewPingRequest(Local{PeerID: "sender", SubnetID: testSubnet}, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := resp.Verify(fresh, id.PeerID()); err == nil {
		t.Fatalf("replayed response accepted")
	}

	tampered := *resp
	tampered.SubnetID = "2"
	if err := tampered.Verify(req, id.PeerID()); err == nil {
		t.Fatalf("tampered response accepted")
	}
}

func TestPingRequestVerify(t *testing.T) {
	sender, err := identity.Generate("")
	if err != nil {
		t.Fatal(err)
	}
	victim, err := identity.Generate("")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	req, err := NewPingRequest(Local{PeerID: sender.PeerID(), SubnetID: testSubnet, Key: sender.Key}, "10.0.0.1:1337")
	if err != nil {
		t.Fatal(err)
	}
	if err := req.Verify(now, pingMaxAge); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	unsigned, err := NewPingRequest(Local{PeerID: victim.PeerID(), SubnetID: testSubnet}, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := unsigned.Verify(now, pingMaxAge); err != errUnsignedPing {
		t.Fatalf("expected errUnsignedPing, got %v", err)
	}

	// signed with the sender's key on behalf of the victim
	claimed, err := NewPingRequest(Local{PeerID: victim.PeerID(), SubnetID: testSubnet, Key: sender.Key}, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := claimed.Verify(now, pingMaxAge); err == nil {
		t.Fatalf("request for another peer ID accepted")
	}

	redirected := *req
	redirected.NetAddr = "10.6.6.6:1337"
	if err := redirected.Verify(now, pingMaxAge); err == nil {
		t.Fatalf("tampered address accepted")
	}

	if err := req.Verify(now.Add(2*pingMaxAge), pingMaxAge); err == nil {
		t.Fatalf("stale request accepted")
	}
}

// A ping that claims someone else's ID is published, but never as Inbound.
func TestTransport_ForgedPingNotInbound(t *testing.T) {
	for _, ttype := range []int{INMEM, TCP} {
		n1 := newTestNode(ttype, t)
		victim, err := identity.Generate("")
		if err != nil {
			t.Fatal(err)
		}

		logger := common.NewTestEntry(t, "net")
		forged := Local{PeerID: victim.PeerID(), SubnetID: testSubnet}
		var forger Transport
		if ttype == INMEM {
			_, it := NewInmemTransport(forged, "", logger)
			it.Connect(n1.trans.LocalAddr(), n1.trans)
			forger = it
		} else {
			tt, err := NewTCPTransport("127.0.0.1:0", "", forged, 2, time.Second, logger)
			if err != nil {
				t.Fatal(err)
			}
			forger = tt
		}

		go n1.respond(t, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err = forger.Probe(ctx, n1.record())
		cancel()
		if err != nil {
			t.Fatalf("transport %d: ping: %v", ttype, err)
		}

		select {
		case c := <-n1.trans.Candidates():
			if c.PeerID != victim.PeerID() {
				t.Fatalf("transport %d: unexpected candidate %s", ttype, c.PeerID)
			}
			if c.Inbound || !c.Unverified {
				t.Fatalf("transport %d: forged ping published as verified", ttype)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("transport %d: candidate not published", ttype)
		}

		forger.Close()
		n1.trans.Close()
	}
}

func TestReplayedPingNotInbound(t *testing.T) {
	sender, err := identity.Generate("")
	if err != nil {
		t.Fatal(err)
	}
	req, err := NewPingRequest(Local{PeerID: sender.PeerID(), SubnetID: testSubnet, Key: sender.Key}, "addr")
	if err != nil {
		t.Fatal(err)
	}

	feed := newCandidateFeed("self", common.NewTestEntry(t, "net"))
	feed.emitPing(req)
	feed.emitPing(req)

	if c := <-feed.ch; !c.Inbound {
		t.Fatalf("first ping should be inbound")
	}
	if c := <-feed.ch; c.Inbound || !c.Unverified {
		t.Fatalf("replayed ping published as verified")
	}
}
