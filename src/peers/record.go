package peers

import (
	"bytes"
	"time"

	"github.com/ugorji/go/codec"
)

// StakeStatus is the outcome of the last stake verification of a peer.
type StakeStatus string

const (
	// Unverified peers have not been checked against the oracle yet.
	Unverified StakeStatus = "Unverified"
	// Staked peers were reported staked by the oracle, or admitted as
	// bootstrap peers, in which case Bootstrap is set.
	Staked StakeStatus = "Staked"
	// Rejected peers were refused admission or evicted.
	Rejected StakeStatus = "Rejected"
)

// PeerRecord is what the node knows about a peer of its subnet.
type PeerRecord struct {
	PeerID         string      `json:"peer_id"`
	SubnetID       string      `json:"subnet_id"`
	BootnodePeerID string      `json:"bootnode_peer_id,omitempty"`
	StakeStatus    StakeStatus `json:"stake_status"`
	StakeAmount    uint64      `json:"stake_amount"`
	LastSeen       time.Time   `json:"last_seen"`
	Addresses      []string    `json:"addresses"`
	Bootstrap      bool        `json:"bootstrap"`
	Reason         string      `json:"reason,omitempty"`
	Detail         string      `json:"detail,omitempty"`
}

// NewPeerRecord creates an Unverified record for a newly observed peer.
func NewPeerRecord(peerID, subnetID string, addresses ...string) *PeerRecord {
	return &PeerRecord{
		PeerID:      peerID,
		SubnetID:    subnetID,
		StakeStatus: Unverified,
		Addresses:   addresses,
	}
}

// Copy returns a deep copy of the record.
func (r *PeerRecord) Copy() *PeerRecord {
	c := *r
	c.Addresses = append([]string(nil), r.Addresses...)
	return &c
}

// NetAddr returns the first known address of the peer, or the empty string.
func (r *PeerRecord) NetAddr() string {
	if len(r.Addresses) == 0 {
		return ""
	}
	return r.Addresses[0]
}

// MergeAddresses appends the addresses that are not already known, keeping
// the existing order. It reports whether anything was added.
func (r *PeerRecord) MergeAddresses(addrs ...string) bool {
	changed := false
	for _, a := range addrs {
		if a == "" {
			continue
		}
		known := false
		for _, e := range r.Addresses {
			if e == a {
				known = true
				break
			}
		}
		if !known {
			r.Addresses = append(r.Addresses, a)
			changed = true
		}
	}
	return changed
}

// Marshal returns the JSON encoding of the record.
func (r *PeerRecord) Marshal() ([]byte, error) {
	return encode(r)
}

// Unmarshal decodes a record produced by Marshal.
func (r *PeerRecord) Unmarshal(data []byte) error {
	return decode(data, r)
}

// NodeInfo describes the local node. It is written to the flat key
// "node_info" when the node starts.
type NodeInfo struct {
	PeerID    string    `json:"peer_id"`
	Moniker   string    `json:"moniker,omitempty"`
	SubnetID  string    `json:"subnet_id"`
	PublicKey string    `json:"public_key"`
	Transport string    `json:"transport"`
	Addresses []string  `json:"addresses"`
	Bootstrap bool      `json:"bootstrap"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// Marshal returns the JSON encoding of the node info.
func (n *NodeInfo) Marshal() ([]byte, error) {
	return encode(n)
}

// Unmarshal decodes node info produced by Marshal.
func (n *NodeInfo) Unmarshal(data []byte) error {
	return decode(data, n)
}

func encode(v interface{}) ([]byte, error) {
	bf := bytes.NewBuffer([]byte{})

	jh := new(codec.JsonHandle)
	jh.Canonical = true

	enc := codec.NewEncoder(bf, jh)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return bf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	bf := bytes.NewBuffer(data)

	jh := new(codec.JsonHandle)

	dec := codec.NewDecoder(bf, jh)

	return dec.Decode(v)
}
