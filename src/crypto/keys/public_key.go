package keys

import (
	"crypto/ecdsa"

	"github.com/btcsuite/btcd/btcec"
	"github.com/mosaicnetworks/stakenet/src/common"
)

// ToPublicKey parses a serialized point, compressed or not. It returns nil if
// pub is not a point of the curve.
func ToPublicKey(pub []byte) *ecdsa.PublicKey {
	if len(pub) == 0 {
		return nil
	}
	p, err := btcec.ParsePubKey(pub, btcec.S256())
	if err != nil {
		return nil
	}
	return p.ToECDSA()
}

// FromPublicKey outputs the point in uncompressed form.
func FromPublicKey(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return (*btcec.PublicKey)(pub).SerializeUncompressed()
}

// CompressPublicKey returns the 33-byte compressed form of the public key.
// libp2p derives secp256k1 peer IDs from this form.
func CompressPublicKey(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return (*btcec.PublicKey)(pub).SerializeCompressed()
}

// PublicKeyHex returns the hexadecimal reprentation of the uncompressed form of
// the public key
func PublicKeyHex(pub *ecdsa.PublicKey) string {
	return common.EncodeToString(FromPublicKey(pub))
}

// PublicKeyFromHex parses the output of PublicKeyHex.
func PublicKeyFromHex(pubHex string) (*ecdsa.PublicKey, error) {
	pubBytes, err := common.DecodeFromString(pubHex)
	if err != nil {
		return nil, err
	}
	pub := ToPublicKey(pubBytes)
	if pub == nil {
		return nil, errInvalidPublicKey
	}
	return pub, nil
}
