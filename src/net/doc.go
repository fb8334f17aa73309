// Package net provides the transport abstraction of the braid networking
// layer.
//
// A StreamLayer supplies raw connections: plain TCP for native deployments,
// or WebRTC data channels negotiated through a signaling server for
// browser-compatible deployments. A Transport wraps a StreamLayer, frames
// messages, and converts all I/O into Events on a single consumer channel.
// The connection lifecycle state machine consumes these events without
// knowing which stream layer produced them; both variants emit the exact
// same event vocabulary, which is what allows a recorded session from one
// backend to be replayed against a node compiled with the other.
package net
