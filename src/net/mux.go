package net

import (
	"encoding/binary"
	"errors"
)

// ProtocolID tags a multiplexed stream with the sub-protocol it carries.
type ProtocolID uint8

const (
	// ProtocolHandshake frames are exchanged before the session is
	// established; they are the only frames sent in clear.
	ProtocolHandshake ProtocolID = iota

	// ProtocolDiscovery carries find-node queries and responses.
	ProtocolDiscovery

	// ProtocolGossip carries topic control messages and message envelopes.
	ProtocolGossip

	// ProtocolRPC carries correlated request/response envelopes.
	ProtocolRPC
)

// String returns the protocol name.
func (p ProtocolID) String() string {
	switch p {
	case ProtocolHandshake:
		return "handshake"
	case ProtocolDiscovery:
		return "discovery"
	case ProtocolGossip:
		return "gossip"
	case ProtocolRPC:
		return "rpc"
	default:
		return "unknown"
	}
}

// StreamID identifies a logical stream within a connection.
type StreamID uint32

// ErrShortFrame is returned when a frame is too short to carry the stream
// header.
var ErrShortFrame = errors.New("frame too short for stream header")

const streamHeaderLen = 5

// EncodeStreamFrame prepends the stream header (stream id, protocol id) to a
// payload. The result is what gets sealed by the session cipher and framed by
// the transport.
func EncodeStreamFrame(stream StreamID, proto ProtocolID, payload []byte) []byte {
	frame := make([]byte, streamHeaderLen+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(stream))
	frame[4] = byte(proto)
	copy(frame[streamHeaderLen:], payload)
	return frame
}

// DecodeStreamFrame splits a frame into its stream header and payload. The
// payload aliases the input.
func DecodeStreamFrame(frame []byte) (StreamID, ProtocolID, []byte, error) {
	if len(frame) < streamHeaderLen {
		return 0, 0, nil, ErrShortFrame
	}
	stream := StreamID(binary.BigEndian.Uint32(frame[:4]))
	proto := ProtocolID(frame[4])
	return stream, proto, frame[streamHeaderLen:], nil
}
