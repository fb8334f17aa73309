package machine

import (
	"github.com/braidnetworks/braid/src/crypto/keys"
	"github.com/braidnetworks/braid/src/crypto/session"
	"github.com/braidnetworks/braid/src/discovery"
	bnet "github.com/braidnetworks/braid/src/net"
	"github.com/braidnetworks/braid/src/rpc"
)

// Effect is one piece of I/O the node must perform after a dispatch. Effects
// are returned in a deterministic order and executed by the node outside the
// machine.
type Effect interface {
	isEffect()
}

// SendFrameEffect writes one transport frame, already stream-framed and
// sealed if the connection has a session.
type SendFrameEffect struct {
	Conn  bnet.ConnID
	Frame []byte
}

// DialEffect asks the transport to dial a multiaddress.
type DialEffect struct {
	Addr bnet.Multiaddress
}

// CloseConnEffect asks the transport to close a connection.
type CloseConnEffect struct {
	Conn   bnet.ConnID
	Reason CloseReason
}

// StartHandshakeEffect hands a fresh connection to the handshake worker.
type StartHandshakeEffect struct {
	Conn      bnet.ConnID
	Initiator bool
	Expected  keys.PeerID
}

// FeedHandshakeEffect forwards an inbound handshake frame to the worker
// driving the exchange on this connection.
type FeedHandshakeEffect struct {
	Conn    bnet.ConnID
	Payload []byte
}

// DeliverGossipEffect delivers a gossip payload to the application, at most
// once per message id.
type DeliverGossipEffect struct {
	Topic   string
	Payload []byte
	From    keys.PeerID
}

// DeliverRequestEffect hands an inbound rpc request to the application. The
// application answers with a RespondAction carrying the same connection and
// correlation id.
type DeliverRequestEffect struct {
	Conn    bnet.ConnID
	Peer    keys.PeerID
	Request *rpc.Request
}

// CompleteRequestEffect resolves one outgoing call with its terminal outcome.
type CompleteRequestEffect struct {
	Outcome *rpc.Outcome
	Resp    chan *rpc.Outcome
}

// WipeSessionEffect zeroes the key material of a dead session.
type WipeSessionEffect struct {
	Session *session.Session
}

// SavePeerEffect persists a routing table entry to the peer store.
type SavePeerEffect struct {
	Entry discovery.Entry
}

// DropPeerEffect removes a routing table entry from the peer store.
type DropPeerEffect struct {
	Peer keys.PeerID
}

// DiagnosticEffect surfaces a condition worth logging, such as an action for
// an unknown connection id.
type DiagnosticEffect struct {
	Msg  string
	Conn bnet.ConnID
}

// ShutdownDoneEffect tells the node the machine has released everything.
type ShutdownDoneEffect struct{}

func (SendFrameEffect) isEffect()       {}
func (DialEffect) isEffect()            {}
func (CloseConnEffect) isEffect()       {}
func (StartHandshakeEffect) isEffect()  {}
func (FeedHandshakeEffect) isEffect()   {}
func (DeliverGossipEffect) isEffect()   {}
func (DeliverRequestEffect) isEffect()  {}
func (CompleteRequestEffect) isEffect() {}
func (WipeSessionEffect) isEffect()     {}
func (SavePeerEffect) isEffect()        {}
func (DropPeerEffect) isEffect()        {}
func (DiagnosticEffect) isEffect()      {}
func (ShutdownDoneEffect) isEffect()    {}
