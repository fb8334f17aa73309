package discovery

import (
	"bytes"
	"fmt"

	"github.com/braidnetworks/braid/src/crypto/keys"
	"github.com/ugorji/go/codec"
)

// Message types of the discovery wire protocol.
const (
	msgFindNode uint8 = iota
	msgNodes
)

var cborHandle = &codec.CborHandle{}

// NodeInfo is the wire form of a routing table entry.
type NodeInfo struct {
	ID   []byte
	Addr string
}

// FindNode asks a peer for the k closest peers to Target that it knows of.
type FindNode struct {
	QueryID uint64
	Target  []byte
}

// Nodes answers a FindNode with a bounded list of (PeerID, address) pairs.
type Nodes struct {
	QueryID uint64
	Found   []NodeInfo
}

// EncodeMessage serializes a discovery message with a one-byte type tag.
func EncodeMessage(msg interface{}) ([]byte, error) {
	var tag uint8
	switch msg.(type) {
	case *FindNode:
		tag = msgFindNode
	case *Nodes:
		tag = msgNodes
	default:
		return nil, fmt.Errorf("unknown discovery message type %T", msg)
	}

	var buf bytes.Buffer
	buf.WriteByte(tag)
	enc := codec.NewEncoder(&buf, cborHandle)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage parses a discovery message. It returns *FindNode or *Nodes.
func DecodeMessage(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty discovery message")
	}

	dec := codec.NewDecoder(bytes.NewReader(data[1:]), cborHandle)

	switch data[0] {
	case msgFindNode:
		var msg FindNode
		if err := dec.Decode(&msg); err != nil {
			return nil, err
		}
		return &msg, nil
	case msgNodes:
		var msg Nodes
		if err := dec.Decode(&msg); err != nil {
			return nil, err
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("unknown discovery message tag %d", data[0])
	}
}

// NodeInfoFromEntry converts a table entry to its wire form.
func NodeInfoFromEntry(e Entry) NodeInfo {
	return NodeInfo{ID: e.ID.Bytes(), Addr: e.Addr}
}

// EntryFromNodeInfo converts a wire NodeInfo back to a table entry.
func EntryFromNodeInfo(n NodeInfo, now int64) (Entry, error) {
	id, err := keys.PeerIDFromBytes(n.ID)
	if err != nil {
		return Entry{}, err
	}
	return Entry{ID: id, Addr: n.Addr, LastSeen: now}, nil
}
