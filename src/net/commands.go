package net

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicnetworks/stakenet/src/crypto"
	"github.com/mosaicnetworks/stakenet/src/crypto/keys"
	"github.com/mosaicnetworks/stakenet/src/identity"
)

// PingRequest is sent by Probe. Nonce is fresh for every probe, so a signed
// response cannot be replayed. The prober signs the request with its own key
// so that the receiver can tell a live peer from one that only claims its ID.
type PingRequest struct {
	FromID    string
	SubnetID  string
	NetAddr   string
	Nonce     string
	Timestamp int64
	PubKeyHex string
	Signature string
}

// NewPingRequest creates a request with a random nonce, signed with local.Key.
// Without a key the request goes out unsigned, and receivers do not take it
// as a sign of life.
func NewPingRequest(local Local, netAddr string) (*PingRequest, error) {
	req := &PingRequest{
		FromID:    local.PeerID,
		SubnetID:  local.SubnetID,
		NetAddr:   netAddr,
		Nonce:     uuid.NewString(),
		Timestamp: time.Now().Unix(),
	}
	if local.Key == nil {
		return req, nil
	}

	sig, err := keys.Sign(local.Key, req.digest())
	if err != nil {
		return nil, err
	}
	req.PubKeyHex = keys.PublicKeyHex(&local.Key.PublicKey)
	req.Signature = keys.EncodeSignature(sig)
	return req, nil
}

func (req *PingRequest) digest() []byte {
	return digest("ping-request", req.Nonce, req.FromID, req.SubnetID, req.NetAddr,
		strconv.FormatInt(req.Timestamp, 10))
}

// Verify checks that the request was signed by the holder of FromID's key,
// less than maxAge away from now.
func (req *PingRequest) Verify(now time.Time, maxAge time.Duration) error {
	if req.Signature == "" {
		return errUnsignedPing
	}

	age := now.Sub(time.Unix(req.Timestamp, 0))
	if age > maxAge || age < -maxAge {
		return fmt.Errorf("ping from %s is %v old", req.FromID, age.Truncate(time.Second))
	}

	if err := checkSigner(req.PubKeyHex, req.FromID); err != nil {
		return err
	}

	pub, err := keys.PublicKeyFromHex(req.PubKeyHex)
	if err != nil {
		return fmt.Errorf("bad public key: %v", err)
	}
	sig, err := keys.DecodeSignature(req.Signature)
	if err != nil {
		return fmt.Errorf("bad signature: %v", err)
	}
	if !keys.Verify(pub, req.digest(), sig) {
		return fmt.Errorf("invalid signature from %s", req.FromID)
	}
	return nil
}

// PeerInfo is an entry of the peer list exchanged in ping responses.
type PeerInfo struct {
	PeerID    string
	Addresses []string
}

// PingResponse proves that the responder holds the key of PeerID, and shares
// the responder's active peers.
type PingResponse struct {
	PeerID    string
	SubnetID  string
	PubKeyHex string
	Signature string
	Peers     []PeerInfo

	// RTT is measured by the prober and not sent over the wire.
	RTT time.Duration `codec:"-" json:"-"`
}

var errUnsignedPing = errors.New("unsigned ping")

// digest hashes a tag and the fields, each prefixed with its length, so that
// no two distinct field lists share a digest.
func digest(tag string, fields ...string) []byte {
	parts := make([][]byte, 0, 2*len(fields)+2)
	for _, f := range append([]string{tag}, fields...) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(f)))
		parts = append(parts, n[:], []byte(f))
	}
	return crypto.SHA256Concat(parts...)
}

func pingDigest(nonce, peerID, subnetID string) []byte {
	return digest("ping-response", nonce, peerID, subnetID)
}

// checkSigner checks that pubHex is the key behind peerID.
func checkSigner(pubHex, peerID string) error {
	derived, err := identity.PeerIDFromHex(pubHex)
	if err != nil {
		return fmt.Errorf("bad public key: %v", err)
	}
	if derived != peerID {
		return fmt.Errorf("public key belongs to %s, expected %s", derived, peerID)
	}
	return nil
}

// NewPingResponse answers req on behalf of the node holding key.
func NewPingResponse(key *ecdsa.PrivateKey, subnetID string, req *PingRequest, active []PeerInfo) (*PingResponse, error) {
	id, err := identity.PeerIDFromPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	sig, err := keys.Sign(key, pingDigest(req.Nonce, id.String(), subnetID))
	if err != nil {
		return nil, err
	}

	return &PingResponse{
		PeerID:    id.String(),
		SubnetID:  subnetID,
		PubKeyHex: keys.PublicKeyHex(&key.PublicKey),
		Signature: keys.EncodeSignature(sig),
		Peers:     active,
	}, nil
}

// Verify checks that resp answers req and was produced by expectedID.
func (resp *PingResponse) Verify(req *PingRequest, expectedID string) error {
	if resp.PeerID != expectedID {
		return fmt.Errorf("responder is %s, expected %s", resp.PeerID, expectedID)
	}

	if err := checkSigner(resp.PubKeyHex, expectedID); err != nil {
		return err
	}

	pub, err := keys.PublicKeyFromHex(resp.PubKeyHex)
	if err != nil {
		return fmt.Errorf("bad public key: %v", err)
	}
	sig, err := keys.DecodeSignature(resp.Signature)
	if err != nil {
		return fmt.Errorf("bad signature: %v", err)
	}
	if !keys.Verify(pub, pingDigest(req.Nonce, resp.PeerID, resp.SubnetID), sig) {
		return fmt.Errorf("invalid signature from %s", expectedID)
	}

	return nil
}
