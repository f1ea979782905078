package keys

import (
	"crypto/elliptic"

	"github.com/btcsuite/btcd/btcec"
)

// Curve returns secp256k1, the curve of libp2p secp256k1 identities.
func Curve() elliptic.Curve {
	return btcec.S256()
}
