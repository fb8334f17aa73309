package net

import (
	"fmt"
	"strings"

	"github.com/braidnetworks/braid/src/crypto/keys"
)

// Scheme identifies the transport stack of a Multiaddress.
type Scheme string

const (
	// SchemeTCP addresses a peer over the native TCP stream layer.
	SchemeTCP Scheme = "tcp"

	// SchemeWebRTC addresses a peer over a WebRTC data channel. The address
	// part is the peer's identifier on the signaling server.
	SchemeWebRTC Scheme = "webrtc"

	// SchemeInmem addresses a peer on the in-memory test network.
	SchemeInmem Scheme = "inmem"
)

// Multiaddress is a transport-qualified network address: a scheme, a
// transport-specific address, and optionally the PeerID expected at that
// address. The string form is "scheme://address" or
// "scheme://address/p2p/<peer-id-hex>".
type Multiaddress struct {
	Scheme Scheme
	Addr   string
	PeerID keys.PeerID
}

// ParseMultiaddress parses the string form of a Multiaddress.
func ParseMultiaddress(s string) (Multiaddress, error) {
	var ma Multiaddress

	scheme, rest, found := strings.Cut(s, "://")
	if !found || scheme == "" || rest == "" {
		return ma, fmt.Errorf("invalid multiaddress %q", s)
	}

	switch Scheme(scheme) {
	case SchemeTCP, SchemeWebRTC, SchemeInmem:
		ma.Scheme = Scheme(scheme)
	default:
		return ma, fmt.Errorf("unknown multiaddress scheme %q", scheme)
	}

	addr, peerPart, found := strings.Cut(rest, "/p2p/")
	if addr == "" {
		return ma, fmt.Errorf("invalid multiaddress %q: empty address", s)
	}
	ma.Addr = addr

	if found {
		id, err := keys.PeerIDFromHex(peerPart)
		if err != nil {
			return ma, fmt.Errorf("invalid multiaddress %q: %v", s, err)
		}
		ma.PeerID = id
	}

	return ma, nil
}

// String returns the canonical string form.
func (ma Multiaddress) String() string {
	s := fmt.Sprintf("%s://%s", ma.Scheme, ma.Addr)
	if !ma.PeerID.IsZero() {
		s += "/p2p/" + ma.PeerID.String()
	}
	return s
}

// WithPeer returns a copy of the multiaddress qualified with a PeerID.
func (ma Multiaddress) WithPeer(id keys.PeerID) Multiaddress {
	ma.PeerID = id
	return ma
}
