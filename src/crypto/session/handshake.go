package session

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/braidnetworks/braid/src/crypto/keys"
	"github.com/ugorji/go/codec"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// AuthPolicy determines which of the two authentication mechanisms are
// enforced during the handshake: the pre-shared network key gate, the
// per-peer identity signature, or both. It is an explicit configuration
// option rather than a hardcoded rule.
type AuthPolicy string

const (
	// AuthBoth requires the network key gate and a valid identity signature.
	// This is the default.
	AuthBoth AuthPolicy = "both"

	// AuthNetworkKeyOnly only requires the network key gate. The peer's
	// identity is still exchanged but its signature is not enforced.
	AuthNetworkKeyOnly AuthPolicy = "network-key-only"

	// AuthIdentityOnly only requires a valid identity signature. The network
	// key gate is skipped, which allows open networks without a shared
	// secret.
	AuthIdentityOnly AuthPolicy = "identity-only"
)

// Valid reports whether p is one of the recognised policies.
func (p AuthPolicy) Valid() bool {
	switch p {
	case AuthBoth, AuthNetworkKeyOnly, AuthIdentityOnly:
		return true
	}
	return false
}

// Handshake failure reasons. Each maps to a distinct HandshakeFailed close
// reason in the connection lifecycle state machine.
var (
	ErrNetworkKeyMismatch = errors.New("network key mismatch")
	ErrBadSignature       = errors.New("bad identity signature")
	ErrPeerIDMismatch     = errors.New("peer id does not match expected identity")
	ErrReplayedTranscript = errors.New("replayed handshake transcript")
	ErrMalformedHello     = errors.New("malformed hello message")
	ErrOutOfOrder         = errors.New("handshake message out of order")
)

const (
	nonceLength = 32

	labelInitiator = "braid/1/initiator"
	labelResponder = "braid/1/responder"
)

var cborHandle = &codec.CborHandle{}

// Hello is the first handshake message. It reveals nothing about the sender's
// identity: only an ephemeral curve25519 point, a random nonce, and a keyed
// hash proving knowledge of the network key. A connection that fails the gate
// check is aborted before identities are exchanged.
type Hello struct {
	Ephemeral []byte
	Nonce     []byte
	Gate      []byte
}

// Auth is the second handshake message. It is sealed with the freshly derived
// session keys and carries the sender's long-term public key along with a
// signature of the transcript hash, binding the session to the PeerID. It also
// announces the sender's dialable address, which for inbound connections is
// the only way to learn anything better than the ephemeral source port.
type Auth struct {
	PubKey        []byte
	Signature     string
	AdvertiseAddr string
}

// Config carries the local parameters of a handshake.
type Config struct {
	// Identity is the local long-term key used to sign the transcript.
	Identity *ecdsa.PrivateKey

	// NetworkKey is the pre-shared secret gating access to the network. It
	// may be empty when Policy is AuthIdentityOnly.
	NetworkKey []byte

	// Policy selects which authentication mechanisms are enforced.
	Policy AuthPolicy

	// AdvertiseAddr is the local dialable address announced to the peer in
	// the Auth message. It may be empty.
	AdvertiseAddr string

	// Rand is the entropy source for the ephemeral key and nonce. It
	// defaults to crypto/rand.Reader. Tests inject a deterministic reader to
	// make handshakes reproducible.
	Rand io.Reader
}

// Handshake drives the four-step upgrade of an anonymous byte stream into an
// authenticated encrypted session: network-key gate, X25519 ephemeral key
// exchange, HKDF key derivation, and mutual transcript signatures. It runs on
// a session worker at the system boundary; the state machine only sees the
// resulting actions.
type Handshake struct {
	cfg       Config
	initiator bool

	ephPriv []byte
	local   Hello
	remote  Hello

	helloConsumed bool
	session       *Session
	peerID        keys.PeerID
	remoteAddr    string
}

// New prepares a handshake and generates the local Hello.
func New(cfg Config, initiator bool) (*Handshake, error) {
	if cfg.Identity == nil {
		return nil, errors.New("handshake requires an identity key")
	}
	if !cfg.Policy.Valid() {
		return nil, fmt.Errorf("unknown auth policy %q", cfg.Policy)
	}
	if cfg.Policy != AuthIdentityOnly && len(cfg.NetworkKey) == 0 {
		return nil, errors.New("auth policy requires a network key")
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}

	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(cfg.Rand, ephPriv); err != nil {
		return nil, err
	}

	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(cfg.Rand, nonce); err != nil {
		return nil, err
	}

	h := &Handshake{
		cfg:       cfg,
		initiator: initiator,
		ephPriv:   ephPriv,
		local: Hello{
			Ephemeral: ephPub,
			Nonce:     nonce,
		},
	}
	h.local.Gate = h.gate(h.local)

	return h, nil
}

// HelloMessage returns the encoded local Hello. It is sent in clear as the
// first bytes on the wire.
func (h *Handshake) HelloMessage() ([]byte, error) {
	return encode(h.local)
}

// ConsumeHello processes the peer's Hello: it checks the network-key gate,
// performs the Diffie-Hellman exchange, and derives the per-direction session
// keys.
func (h *Handshake) ConsumeHello(data []byte) error {
	if h.helloConsumed {
		return ErrOutOfOrder
	}

	var remote Hello
	if err := decode(data, &remote); err != nil {
		return ErrMalformedHello
	}
	if len(remote.Ephemeral) != curve25519.PointSize || len(remote.Nonce) != nonceLength {
		return ErrMalformedHello
	}

	// The gate check comes first: a peer without the network key learns
	// nothing beyond the ephemeral point.
	if h.cfg.Policy != AuthIdentityOnly {
		if !hmac.Equal(remote.Gate, h.gate(remote)) {
			return ErrNetworkKeyMismatch
		}
	}

	// A peer echoing our own hello back at us is replaying the transcript.
	if bytes.Equal(remote.Ephemeral, h.local.Ephemeral) && bytes.Equal(remote.Nonce, h.local.Nonce) {
		return ErrReplayedTranscript
	}

	secret, err := curve25519.X25519(h.ephPriv, remote.Ephemeral)
	if err != nil {
		return ErrMalformedHello
	}

	h.remote = remote
	h.helloConsumed = true

	sendKey, recvKey, err := h.deriveKeys(secret)
	zero(secret)
	zero(h.ephPriv)
	if err != nil {
		return err
	}

	h.session, err = newSession(sendKey, recvKey)
	return err
}

// AuthMessage returns the encoded and sealed local Auth message. It must be
// called after ConsumeHello.
func (h *Handshake) AuthMessage() ([]byte, error) {
	if h.session == nil {
		return nil, ErrOutOfOrder
	}

	digest := h.transcriptDigest(h.initiator)

	r, s, err := keys.Sign(h.cfg.Identity, digest)
	if err != nil {
		return nil, err
	}

	auth := Auth{
		PubKey:        keys.FromPublicKey(&h.cfg.Identity.PublicKey),
		Signature:     keys.EncodeSignature(r, s),
		AdvertiseAddr: h.cfg.AdvertiseAddr,
	}

	plain, err := encode(auth)
	if err != nil {
		return nil, err
	}

	return h.session.Seal(plain)
}

// ConsumeAuth opens and verifies the peer's Auth message, binding the session
// to the peer's identity. The expected argument restricts which PeerID is
// acceptable; pass the zero PeerID for inbound connections where the identity
// is not known in advance.
func (h *Handshake) ConsumeAuth(data []byte, expected keys.PeerID) (keys.PeerID, error) {
	if h.session == nil {
		return keys.PeerID{}, ErrOutOfOrder
	}

	plain, err := h.session.Open(data)
	if err != nil {
		return keys.PeerID{}, ErrBadSignature
	}

	var auth Auth
	if err := decode(plain, &auth); err != nil {
		return keys.PeerID{}, ErrBadSignature
	}

	pub := keys.ToPublicKey(auth.PubKey)
	if pub == nil {
		return keys.PeerID{}, ErrBadSignature
	}

	if h.cfg.Policy != AuthNetworkKeyOnly {
		r, s, err := keys.DecodeSignature(auth.Signature)
		if err != nil {
			return keys.PeerID{}, ErrBadSignature
		}

		digest := h.transcriptDigest(!h.initiator)
		if !keys.Verify(pub, digest, r, s) {
			return keys.PeerID{}, ErrBadSignature
		}
	}

	peerID := keys.PeerIDFromPublicKey(pub)
	if !expected.IsZero() && peerID != expected {
		return keys.PeerID{}, ErrPeerIDMismatch
	}

	h.peerID = peerID
	h.remoteAddr = auth.AdvertiseAddr
	return peerID, nil
}

// Session surrenders the established session to the caller. The connection
// takes ownership and becomes responsible for wiping it on close.
func (h *Handshake) Session() *Session {
	s := h.session
	h.session = nil
	return s
}

// PeerID returns the authenticated identity of the peer. It is only valid
// after a successful ConsumeAuth.
func (h *Handshake) PeerID() keys.PeerID {
	return h.peerID
}

// RemoteAddr returns the dialable address the peer announced in its Auth
// message. It is only valid after a successful ConsumeAuth and may be empty.
func (h *Handshake) RemoteAddr() string {
	return h.remoteAddr
}

// gate computes the network-key check value for a hello: an HMAC-SHA256 of
// the ephemeral point and nonce, keyed with the pre-shared network key.
func (h *Handshake) gate(hello Hello) []byte {
	mac := hmac.New(sha256.New, h.cfg.NetworkKey)
	mac.Write(hello.Ephemeral)
	mac.Write(hello.Nonce)
	return mac.Sum(nil)
}

// transcriptDigest hashes the two hellos, in initiator-first order, together
// with a role label. Signing the role-qualified digest prevents a reflected
// signature from verifying.
func (h *Handshake) transcriptDigest(signerIsInitiator bool) []byte {
	initHello, respHello := h.local, h.remote
	if !h.initiator {
		initHello, respHello = h.remote, h.local
	}

	label := labelResponder
	if signerIsInitiator {
		label = labelInitiator
	}

	hasher := sha256.New()
	hasher.Write(initHello.Ephemeral)
	hasher.Write(initHello.Nonce)
	hasher.Write(respHello.Ephemeral)
	hasher.Write(respHello.Nonce)
	hasher.Write([]byte(label))
	return hasher.Sum(nil)
}

// deriveKeys expands the shared secret into one key per direction. Both sides
// derive the same pair; the initiator sends with the first key while the
// responder sends with the second.
func (h *Handshake) deriveKeys(secret []byte) (sendKey, recvKey []byte, err error) {
	salt := sha256.New()
	initHello, respHello := h.local, h.remote
	if !h.initiator {
		initHello, respHello = h.remote, h.local
	}
	salt.Write(initHello.Nonce)
	salt.Write(respHello.Nonce)

	kdf := hkdf.New(sha256.New, secret, salt.Sum(nil), []byte("braid/1/session"))

	initKey := make([]byte, 32)
	respKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, initKey); err != nil {
		return nil, nil, err
	}
	if _, err := io.ReadFull(kdf, respKey); err != nil {
		return nil, nil, err
	}

	if h.initiator {
		return initKey, respKey, nil
	}
	return respKey, initKey, nil
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, cborHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(data), cborHandle)
	return dec.Decode(v)
}
