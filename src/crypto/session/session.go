package session

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrSessionClosed is returned when sealing or opening with a session
	// whose key material has been wiped.
	ErrSessionClosed = errors.New("session closed")
)

// Session holds the symmetric encryption state of an established connection.
// There is one AEAD cipher and one nonce counter per direction. A Session is
// owned by exactly one connection and must be wiped when the connection
// closes; key material never outlives the connection.
type Session struct {
	l sync.Mutex

	sendKey []byte
	recvKey []byte

	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD

	sendNonce uint64
	recvNonce uint64

	closed bool
}

// newSession builds a Session from two direction keys. The keys slices are
// retained so that Wipe can zero them.
func newSession(sendKey, recvKey []byte) (*Session, error) {
	sendAEAD, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, err
	}

	recvAEAD, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, err
	}

	return &Session{
		sendKey:  sendKey,
		recvKey:  recvKey,
		sendAEAD: sendAEAD,
		recvAEAD: recvAEAD,
	}, nil
}

// Seal encrypts and authenticates plaintext for the peer. Nonces are derived
// from a send counter, so frames must be written in the order they were
// sealed.
func (s *Session) Seal(plaintext []byte) ([]byte, error) {
	s.l.Lock()
	defer s.l.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	nonce := counterNonce(s.sendNonce)
	s.sendNonce++

	return s.sendAEAD.Seal(nil, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts a frame received from the peer. A frame
// that fails authentication does not advance the receive counter.
func (s *Session) Open(ciphertext []byte) ([]byte, error) {
	s.l.Lock()
	defer s.l.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	nonce := counterNonce(s.recvNonce)

	plaintext, err := s.recvAEAD.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}

	s.recvNonce++

	return plaintext, nil
}

// Wipe zeroes the session's key material and renders the session unusable.
// It is safe to call multiple times. This is the explicit clear-on-close
// contract: the connection lifecycle state machine emits a wipe effect
// whenever a connection reaches the Closed state.
func (s *Session) Wipe() {
	s.l.Lock()
	defer s.l.Unlock()

	zero(s.sendKey)
	zero(s.recvKey)
	s.sendAEAD = nil
	s.recvAEAD = nil
	s.closed = true
}

func counterNonce(ctr uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], ctr)
	return nonce
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
