package peers

import (
	"fmt"
	"time"

	"github.com/mosaicnetworks/stakenet/src/store"
)

// Locations of the peer namespace in the store.
const (
	PeersMap     = "peers"
	HistoryMap   = "peer_history"
	HeartbeatsK1 = "heartbeats"
	NodeInfoKey  = "node_info"
)

// HistoryKey returns the composite key of a peer in the history map.
func HistoryKey(subnetID, peerID string) string {
	return subnetID + ":" + peerID
}

// Book persists peer records in the store. It holds the write capability and
// is only used by the node process.
type Book struct {
	store    store.ReadWriter
	subnetID string
}

// NewBook creates a Book for one subnet.
func NewBook(s store.ReadWriter, subnetID string) *Book {
	return &Book{
		store:    s,
		subnetID: subnetID,
	}
}

// SubnetID returns the subnet the book belongs to.
func (b *Book) SubnetID() string {
	return b.subnetID
}

// Upsert writes the active record of a peer.
func (b *Book) Upsert(r *PeerRecord) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	return b.store.PutMap(PeersMap, r.PeerID, data)
}

// Active returns the active record of a peer.
func (b *Book) Active(peerID string) (*PeerRecord, error) {
	data, err := b.store.GetMapEntry(PeersMap, peerID)
	if err != nil {
		return nil, err
	}
	r := new(PeerRecord)
	if err := r.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("decode record of %s: %w", peerID, err)
	}
	return r, nil
}

// ListActive returns every active record, in lexical order of peer ID.
func (b *Book) ListActive() ([]*PeerRecord, error) {
	return b.listAll(PeersMap)
}

// Archive writes the record to the history map without touching the active
// map. It is used for candidates that were never admitted.
func (b *Book) Archive(r *PeerRecord) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	return b.store.PutMap(HistoryMap, HistoryKey(b.subnetID, r.PeerID), data)
}

// Evict moves a peer from the active map to the history map. The history
// entry is written first, so a peer is never lost from both maps.
func (b *Book) Evict(r *PeerRecord) error {
	if err := b.Archive(r); err != nil {
		return err
	}
	return b.store.DeleteMapEntry(PeersMap, r.PeerID)
}

// History returns the last archived record of a peer.
func (b *Book) History(peerID string) (*PeerRecord, error) {
	data, err := b.store.GetMapEntry(HistoryMap, HistoryKey(b.subnetID, peerID))
	if err != nil {
		return nil, err
	}
	r := new(PeerRecord)
	if err := r.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("decode history of %s: %w", peerID, err)
	}
	return r, nil
}

// Heartbeat records the time of the last successful probe of a peer.
func (b *Book) Heartbeat(peerID string, t time.Time) error {
	return b.store.PutNested(HeartbeatsK1, peerID, []byte(t.UTC().Format(time.RFC3339Nano)))
}

// LastHeartbeat returns the time recorded by Heartbeat.
func (b *Book) LastHeartbeat(peerID string) (time.Time, error) {
	data, err := b.store.GetNested(HeartbeatsK1, peerID)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, string(data))
}

// PruneHistory deletes the history entries of this subnet whose last_seen is
// before cutoff. Records that cannot be decoded are left alone. It returns
// the number of deleted entries.
func (b *Book) PruneHistory(cutoff time.Time) (int, error) {
	records, err := b.listAll(HistoryMap)
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, r := range records {
		if r.SubnetID != b.subnetID || !r.LastSeen.Before(cutoff) {
			continue
		}
		if err := b.store.DeleteMapEntry(HistoryMap, HistoryKey(b.subnetID, r.PeerID)); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

// WriteNodeInfo stores the description of the local node.
func (b *Book) WriteNodeInfo(info *NodeInfo) error {
	data, err := info.Marshal()
	if err != nil {
		return err
	}
	return b.store.Put(NodeInfoKey, data)
}

// listAll walks a map page by page. Entries that fail to decode are skipped.
func (b *Book) listAll(mapName string) ([]*PeerRecord, error) {
	res := []*PeerRecord{}
	offset := 0
	for {
		page, err := b.store.ListMap(mapName, 0, offset)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return res, nil
		}
		for _, e := range page {
			r := new(PeerRecord)
			if err := r.Unmarshal(e.Value); err != nil {
				continue
			}
			res = append(res, r)
		}
		offset += len(page)
	}
}
