// Package keys implements the public key cryptography used throughout braid.
//
// Every node owns a long-term key-pair that constitutes its identity. The
// private key is secret but the public key is shared with other nodes, which
// use it to verify handshake signatures. The PeerID, which indexes all
// peer-scoped state in the networking layer, is derived from the public key
// by hashing, so a node cannot claim an identity it does not hold the private
// key for.
//
// Braid uses elliptic curve cryptography (ECDSA) with the secp256k1 curve. We
// chose the secp256k1 curve because it is also used by Bitcoin and Ethereum,
// which means that Bitcoin and Ethereum keys can be used to operate a braid
// node.
package keys
