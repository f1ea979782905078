package node

import (
	"sort"
	"sync"
	"time"

	"github.com/mosaicnetworks/stakenet/src/peers"
)

// trackedPeer is a peer the node probes on every heartbeat: a bootstrap peer,
// a member, or a candidate whose admission was deferred.
type trackedPeer struct {
	peerID    string
	bootstrap bool

	// mu serialises probes, admissions and refreshes of the peer, and guards
	// the fields below.
	mu sync.Mutex

	record      *peers.PeerRecord
	lastSuccess time.Time
	failures    int

	// removed is set when the peer stops being tracked. A removed entry is
	// never probed again; rediscovering the peer creates a new entry.
	removed bool
}

// tracker holds the tracked peers by peer ID.
type tracker struct {
	sync.RWMutex
	peers map[string]*trackedPeer
}

func newTracker() *tracker {
	return &tracker{
		peers: make(map[string]*trackedPeer),
	}
}

// track returns the entry of rec.PeerID, creating it from rec when the peer is
// not tracked yet. added reports whether the entry was created, which happens
// at most once per peer until it is removed.
func (t *tracker) track(rec *peers.PeerRecord, bootstrap bool, now time.Time) (tp *trackedPeer, added bool) {
	t.Lock()
	defer t.Unlock()

	if tp, ok := t.peers[rec.PeerID]; ok {
		return tp, false
	}

	tp = &trackedPeer{
		peerID:      rec.PeerID,
		record:      rec,
		bootstrap:   bootstrap,
		lastSuccess: now,
	}
	t.peers[rec.PeerID] = tp
	return tp, true
}

func (t *tracker) get(peerID string) *trackedPeer {
	t.RLock()
	defer t.RUnlock()
	return t.peers[peerID]
}

// remove stops tracking tp. The caller holds tp.mu.
func (t *tracker) remove(tp *trackedPeer) {
	t.Lock()
	defer t.Unlock()

	tp.removed = true
	if t.peers[tp.peerID] == tp {
		delete(t.peers, tp.peerID)
	}
}

// list returns the tracked peers in lexical order of peer ID.
func (t *tracker) list() []*trackedPeer {
	t.RLock()
	defer t.RUnlock()

	res := make([]*trackedPeer, 0, len(t.peers))
	for _, tp := range t.peers {
		res = append(res, tp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].peerID < res[j].peerID })
	return res
}

func (t *tracker) len() int {
	t.RLock()
	defer t.RUnlock()
	return len(t.peers)
}
