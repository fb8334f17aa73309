// Package wamp implements a WebRTC signaling system using RPC over
// WebSockets.
//
// This package contains a WAMP server that relays RPC requests between
// connected clients, and a client which implements the Signal interface, and
// which can be used to instantiate a WebRTCStreamLayer.
//
// Clients register a procedure under their PeerID. To establish a data
// channel, the dialer calls the target's procedure with an SDP offer and
// receives the SDP answer as the call result. The server never sees peer
// traffic, only session negotiation.
package wamp

const (
	// ErrProcessingOffer indicates that the client who received the offer
	// ran into an error while processing it.
	ErrProcessingOffer = "io.braid.processing_offer"
)
