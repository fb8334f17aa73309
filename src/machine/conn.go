package machine

import (
	"github.com/braidnetworks/braid/src/crypto/keys"
	"github.com/braidnetworks/braid/src/crypto/session"
	bnet "github.com/braidnetworks/braid/src/net"
)

// ConnState is the lifecycle state of one connection.
type ConnState uint8

const (
	// Dialing means an outbound dial is in progress.
	Dialing ConnState = iota

	// Accepting means an inbound connection arrived but the handshake has
	// not started yet.
	Accepting

	// HandshakeInProgress means handshake frames are being exchanged.
	HandshakeInProgress

	// AuthenticatedOpen means the session is established and the peer's
	// identity verified. Only connections in this state carry protocol
	// traffic.
	AuthenticatedOpen

	// Closing means a close was requested but the transport has not
	// confirmed it yet.
	Closing

	// Closed is terminal. Reason says why.
	Closed
)

// String returns the name of the connection state.
func (s ConnState) String() string {
	switch s {
	case Dialing:
		return "Dialing"
	case Accepting:
		return "Accepting"
	case HandshakeInProgress:
		return "HandshakeInProgress"
	case AuthenticatedOpen:
		return "AuthenticatedOpen"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CloseReason says why a connection was closed.
type CloseReason uint8

const (
	ReasonNone CloseReason = iota
	ReasonLocalShutdown
	ReasonHandshakeFailed
	ReasonHandshakeTimeout
	ReasonProtocolViolation
	ReasonDuplicatePeer
	ReasonCapacity
	ReasonTransport
)

// String returns the name of the close reason.
func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonLocalShutdown:
		return "LocalShutdown"
	case ReasonHandshakeFailed:
		return "HandshakeFailed"
	case ReasonHandshakeTimeout:
		return "HandshakeTimeout"
	case ReasonProtocolViolation:
		return "ProtocolViolation"
	case ReasonDuplicatePeer:
		return "DuplicatePeer"
	case ReasonCapacity:
		return "Capacity"
	case ReasonTransport:
		return "Transport"
	default:
		return "Unknown"
	}
}

// Conn is the machine's view of one transport connection.
type Conn struct {
	ID        bnet.ConnID
	Addr      string
	State     ConnState
	Initiator bool

	// Expected is the peer id announced in the dialed multiaddress, zero
	// when unknown. The handshake must match it.
	Expected keys.PeerID

	// Peer is set once the handshake verified the remote identity.
	Peer keys.PeerID

	// AdvertiseAddr is the dialable address the peer announced during the
	// handshake. On inbound connections Addr only holds the remote's
	// ephemeral source port, so this is what goes into the routing table.
	AdvertiseAddr string

	// Session seals and opens all post-handshake frames.
	Session *session.Session

	OpenedAt int64
	BytesIn  uint64
	BytesOut uint64
	Reason   CloseReason
}

// open reports whether the connection carries protocol traffic.
func (c *Conn) open() bool {
	return c.State == AuthenticatedOpen
}
