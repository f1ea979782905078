package keys

import (
	"crypto/ecdsa"

	"github.com/btcsuite/btcd/btcec"
	"github.com/mosaicnetworks/stakenet/src/common"
)

// Sign signs hash with priv and returns the DER encoding of the signature.
// Signatures are deterministic (RFC 6979) and use the low-S form.
func Sign(priv *ecdsa.PrivateKey, hash []byte) ([]byte, error) {
	sig, err := (*btcec.PrivateKey)(priv).Sign(hash)
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// Verify reports whether sig, in DER form, is a signature of hash by pub.
func Verify(pub *ecdsa.PublicKey, hash, sig []byte) bool {
	if pub == nil {
		return false
	}
	s, err := btcec.ParseDERSignature(sig, btcec.S256())
	if err != nil {
		return false
	}
	return s.Verify(hash, (*btcec.PublicKey)(pub))
}

// EncodeSignature returns the hex form of a DER signature.
func EncodeSignature(sig []byte) string {
	return common.EncodeToString(sig)
}

// DecodeSignature parses the output of EncodeSignature.
func DecodeSignature(s string) ([]byte, error) {
	return common.DecodeFromString(s)
}
