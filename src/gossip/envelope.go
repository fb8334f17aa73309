package gossip

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"

	bcrypto "github.com/braidnetworks/braid/src/crypto"
	"github.com/braidnetworks/braid/src/crypto/keys"
	"github.com/ugorji/go/codec"
)

// Message types of the gossip wire protocol.
const (
	msgSubscribe uint8 = iota
	msgUnsubscribe
	msgEnvelope
)

var cborHandle = &codec.CborHandle{}

// Subscribe announces interest in a topic to a connected peer.
type Subscribe struct {
	Topic string
}

// Unsubscribe withdraws a previously announced subscription.
type Unsubscribe struct {
	Topic string
}

// Envelope carries one published message. From is the origin's uncompressed
// public key, so any hop can verify the signature and derive the origin's
// peer id without extra lookups. Payload is opaque to this layer.
type Envelope struct {
	MessageID []byte
	Topic     string
	Payload   []byte
	From      []byte
	Signature string
}

// ComputeMessageID derives the content-addressed message id.
func ComputeMessageID(topic string, payload, from []byte) []byte {
	return bcrypto.SHA256(append(append([]byte(topic), payload...), from...))
}

// NewEnvelope builds and signs an envelope with the origin's identity key.
func NewEnvelope(priv *ecdsa.PrivateKey, topic string, payload []byte) (*Envelope, error) {
	from := keys.FromPublicKey(&priv.PublicKey)
	id := ComputeMessageID(topic, payload, from)

	r, s, err := keys.Sign(priv, id)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		MessageID: id,
		Topic:     topic,
		Payload:   payload,
		From:      from,
		Signature: keys.EncodeSignature(r, s),
	}, nil
}

// Origin returns the peer id of the envelope's signer.
func (e *Envelope) Origin() keys.PeerID {
	var id keys.PeerID
	copy(id[:], bcrypto.SHA256(e.From))
	return id
}

// Validate checks the message id against the content and verifies the
// origin's signature.
func (e *Envelope) Validate() error {
	if !bytes.Equal(e.MessageID, ComputeMessageID(e.Topic, e.Payload, e.From)) {
		return fmt.Errorf("message id does not match content")
	}

	pub := keys.ToPublicKey(e.From)
	if pub == nil || pub.X == nil {
		return fmt.Errorf("malformed origin public key")
	}

	r, s, err := keys.DecodeSignature(e.Signature)
	if err != nil {
		return err
	}
	if !keys.Verify(pub, e.MessageID, r, s) {
		return fmt.Errorf("invalid envelope signature")
	}
	return nil
}

// EncodeMessage serializes a gossip message with a one-byte type tag.
func EncodeMessage(msg interface{}) ([]byte, error) {
	var tag uint8
	switch msg.(type) {
	case *Subscribe:
		tag = msgSubscribe
	case *Unsubscribe:
		tag = msgUnsubscribe
	case *Envelope:
		tag = msgEnvelope
	default:
		return nil, fmt.Errorf("unknown gossip message type %T", msg)
	}

	var buf bytes.Buffer
	buf.WriteByte(tag)
	enc := codec.NewEncoder(&buf, cborHandle)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage parses a gossip message. It returns *Subscribe, *Unsubscribe
// or *Envelope.
func DecodeMessage(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty gossip message")
	}

	dec := codec.NewDecoder(bytes.NewReader(data[1:]), cborHandle)

	switch data[0] {
	case msgSubscribe:
		var msg Subscribe
		if err := dec.Decode(&msg); err != nil {
			return nil, err
		}
		return &msg, nil
	case msgUnsubscribe:
		var msg Unsubscribe
		if err := dec.Decode(&msg); err != nil {
			return nil, err
		}
		return &msg, nil
	case msgEnvelope:
		var msg Envelope
		if err := dec.Decode(&msg); err != nil {
			return nil, err
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("unknown gossip message tag %d", data[0])
	}
}
