package machine

import (
	"github.com/braidnetworks/braid/src/crypto/keys"
	"github.com/braidnetworks/braid/src/crypto/session"
	"github.com/braidnetworks/braid/src/gossip"
	bnet "github.com/braidnetworks/braid/src/net"
	"github.com/braidnetworks/braid/src/rpc"
)

// Action is one input to the state machine. The dispatch loop applies actions
// in a single total order; that order fully determines the run.
type Action interface {
	isAction()
}

// TransportAction wraps one transport boundary event. Now is the time the
// event was observed, stamped by the dispatch loop (or taken from the record
// log during replay).
type TransportAction struct {
	Event bnet.Event
	Now   int64
}

// TickAction carries the current time into the machine. It is the only way
// time enters; Now is in nanoseconds.
type TickAction struct {
	Now int64
}

// DialAction asks the machine to connect to a multiaddress.
type DialAction struct {
	Addr bnet.Multiaddress
	Now  int64
}

// HandshakeSucceededAction reports a completed handshake for a connection.
// The session and verified peer identity were produced by the handshake
// worker at the boundary. AdvertiseAddr is the dialable address the peer
// announced during the handshake, empty when it announced none.
type HandshakeSucceededAction struct {
	Conn          bnet.ConnID
	Peer          keys.PeerID
	Session       *session.Session
	AdvertiseAddr string
	Now           int64
}

// HandshakeFailedAction reports a failed handshake.
type HandshakeFailedAction struct {
	Conn bnet.ConnID
	Err  string
}

// SubscribeAction subscribes the application to a topic.
type SubscribeAction struct {
	Topic string
}

// UnsubscribeAction withdraws an application subscription.
type UnsubscribeAction struct {
	Topic string
}

// PublishAction publishes a signed envelope. The envelope is built and signed
// by the caller because signing draws randomness.
type PublishAction struct {
	Envelope *gossip.Envelope
	Now      int64
}

// RequestAction starts a correlated call to a peer. Resp receives the single
// terminal outcome.
type RequestAction struct {
	Peer    keys.PeerID
	Kind    string
	Payload []byte
	Resp    chan *rpc.Outcome
	Now     int64
}

// RespondAction answers an inbound request previously handed to the
// application through a DeliverRequestEffect.
type RespondAction struct {
	Conn     bnet.ConnID
	Response *rpc.Response
}

// ShutdownAction closes every connection and stops the machine.
type ShutdownAction struct{}

func (TransportAction) isAction()          {}
func (TickAction) isAction()               {}
func (DialAction) isAction()               {}
func (HandshakeSucceededAction) isAction() {}
func (HandshakeFailedAction) isAction()    {}
func (SubscribeAction) isAction()          {}
func (UnsubscribeAction) isAction()        {}
func (PublishAction) isAction()            {}
func (RequestAction) isAction()            {}
func (RespondAction) isAction()            {}
func (ShutdownAction) isAction()           {}
