package rpc

import (
	"bytes"
	"fmt"

	"github.com/ugorji/go/codec"
)

// Message types of the rpc wire protocol.
const (
	msgRequest uint8 = iota
	msgResponse
)

// Response status codes.
const (
	StatusOK uint8 = iota
	StatusError
	StatusUnsupported
)

var cborHandle = &codec.CborHandle{}

// Request is one correlated call. Kind names the operation; Payload is opaque
// to this layer and interpreted by the application's handler.
type Request struct {
	CorrelationID uint64
	Kind          string
	Payload       []byte
}

// Response answers the Request with the same correlation id.
type Response struct {
	CorrelationID uint64
	Status        uint8
	Payload       []byte
}

// EncodeMessage serializes an rpc message with a one-byte type tag.
func EncodeMessage(msg interface{}) ([]byte, error) {
	var tag uint8
	switch msg.(type) {
	case *Request:
		tag = msgRequest
	case *Response:
		tag = msgResponse
	default:
		return nil, fmt.Errorf("unknown rpc message type %T", msg)
	}

	var buf bytes.Buffer
	buf.WriteByte(tag)
	enc := codec.NewEncoder(&buf, cborHandle)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage parses an rpc message. It returns *Request or *Response.
func DecodeMessage(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty rpc message")
	}

	dec := codec.NewDecoder(bytes.NewReader(data[1:]), cborHandle)

	switch data[0] {
	case msgRequest:
		var msg Request
		if err := dec.Decode(&msg); err != nil {
			return nil, err
		}
		return &msg, nil
	case msgResponse:
		var msg Response
		if err := dec.Decode(&msg); err != nil {
			return nil, err
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("unknown rpc message tag %d", data[0])
	}
}
