package keys

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/braidnetworks/braid/src/crypto"
)

// PeerIDLength is the size of a PeerID in bytes.
const PeerIDLength = 32

// PeerID is the cryptographic identifier of a peer. It is the SHA256 hash of
// the uncompressed public key, so a peer cannot claim an identity without
// holding the corresponding private key. PeerIDs index all peer-scoped state
// in the networking layer.
type PeerID [PeerIDLength]byte

// PeerIDFromPublicKey derives the PeerID of the owner of an ECDSA public key.
func PeerIDFromPublicKey(pub *ecdsa.PublicKey) PeerID {
	var id PeerID
	copy(id[:], crypto.SHA256(FromPublicKey(pub)))
	return id
}

// PeerIDFromBytes parses a raw 32-byte PeerID.
func PeerIDFromBytes(raw []byte) (PeerID, error) {
	var id PeerID
	if len(raw) != PeerIDLength {
		return id, fmt.Errorf("invalid PeerID length, need %d bytes, got %d", PeerIDLength, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// PeerIDFromHex parses the hexadecimal form of a PeerID.
func PeerIDFromHex(s string) (PeerID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, err
	}
	return PeerIDFromBytes(raw)
}

// Bytes returns the raw 32 bytes of the PeerID.
func (id PeerID) Bytes() []byte {
	return id[:]
}

// String returns the hexadecimal form of the PeerID.
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns a truncated hexadecimal form for log output.
func (id PeerID) Short() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether the PeerID is the zero value, which is never a valid
// identity.
func (id PeerID) IsZero() bool {
	var zero PeerID
	return bytes.Equal(id[:], zero[:])
}
