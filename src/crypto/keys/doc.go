// Package keys implements the key material of a stakenet node.
//
// Every node owns a secp256k1 key-pair. The private key lives in a keyfile in
// the data directory (see SimpleKeyfile) and is loaded once at start-up. The
// public key determines the node's peer ID, which is the identity registered
// on the ledger and checked by the admission gate of other nodes.
//
// The same key signs the responses to liveness probes on the TCP transport, so
// that a prober can verify that the peer answering on an address is the peer it
// expects.
package keys
