package crypto

import (
	"crypto/sha256"
)

// SHA256Concat returns the SHA256 hash of the concatenation of all the parts.
func SHA256Concat(parts ...[]byte) []byte {
	hasher := sha256.New()
	for _, p := range parts {
		hasher.Write(p)
	}
	return hasher.Sum(nil)
}
