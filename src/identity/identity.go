// Package identity derives the network identity of a stakenet node from its
// secp256k1 key.
//
// Peer IDs follow the libp2p convention: the multihash of the protobuf-encoded
// public key, printed in base58. The same string identifies the node on the
// ledger, in the store and on every transport.
package identity

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/mosaicnetworks/stakenet/src/crypto/keys"
)

// ErrMalformedPeerID is returned by ValidatePeerID.
var ErrMalformedPeerID = errors.New("malformed peer id")

// NodeIdentity holds the key material and the derived identifiers of the local
// node. It is immutable once created.
type NodeIdentity struct {
	Key     *ecdsa.PrivateKey
	Moniker string

	id     peer.ID
	pubHex string
}

// New derives a NodeIdentity from a private key.
func New(key *ecdsa.PrivateKey, moniker string) (*NodeIdentity, error) {
	if key == nil {
		return nil, errors.New("nil private key")
	}

	id, err := PeerIDFromPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	return &NodeIdentity{
		Key:     key,
		Moniker: moniker,
		id:      id,
		pubHex:  keys.PublicKeyHex(&key.PublicKey),
	}, nil
}

// Generate creates an identity from a fresh key.
func Generate(moniker string) (*NodeIdentity, error) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}
	return New(key, moniker)
}

// ID returns the libp2p peer ID.
func (n *NodeIdentity) ID() peer.ID {
	return n.id
}

// PeerID returns the string form of the peer ID.
func (n *NodeIdentity) PeerID() string {
	return n.id.String()
}

// PublicKeyHex returns the uncompressed public key in hex.
func (n *NodeIdentity) PublicKeyHex() string {
	return n.pubHex
}

// LibP2PKey converts the private key for use by a libp2p host.
func (n *NodeIdentity) LibP2PKey() (crypto.PrivKey, error) {
	return crypto.UnmarshalSecp256k1PrivateKey(keys.DumpPrivateKey(n.Key))
}

// PeerIDFromPublicKey computes the peer ID of a secp256k1 public key.
func PeerIDFromPublicKey(pub *ecdsa.PublicKey) (peer.ID, error) {
	lpub, err := crypto.UnmarshalSecp256k1PublicKey(keys.CompressPublicKey(pub))
	if err != nil {
		return "", err
	}
	return peer.IDFromPublicKey(lpub)
}

// PeerIDFromHex computes the peer ID of a public key in the PublicKeyHex
// format.
func PeerIDFromHex(pubHex string) (string, error) {
	pub, err := keys.PublicKeyFromHex(pubHex)
	if err != nil {
		return "", err
	}
	id, err := PeerIDFromPublicKey(pub)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// ValidatePeerID checks that s is a well-formed peer ID.
func ValidatePeerID(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrMalformedPeerID)
	}
	id, err := peer.Decode(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPeerID, err)
	}
	if err := id.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPeerID, err)
	}
	return nil
}
