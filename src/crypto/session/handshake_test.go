package session

import (
	"bytes"
	"testing"

	"github.com/braidnetworks/braid/src/crypto/keys"
)

func runHandshake(t *testing.T, aCfg, bCfg Config) (*Handshake, *Handshake, error) {
	t.Helper()

	a, err := New(aCfg, true)
	if err != nil {
		t.Fatal(err)
	}

	b, err := New(bCfg, false)
	if err != nil {
		t.Fatal(err)
	}

	aHello, err := a.HelloMessage()
	if err != nil {
		t.Fatal(err)
	}
	bHello, err := b.HelloMessage()
	if err != nil {
		t.Fatal(err)
	}

	if err := b.ConsumeHello(aHello); err != nil {
		return a, b, err
	}
	if err := a.ConsumeHello(bHello); err != nil {
		return a, b, err
	}

	aAuth, err := a.AuthMessage()
	if err != nil {
		t.Fatal(err)
	}
	bAuth, err := b.AuthMessage()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := b.ConsumeAuth(aAuth, keys.PeerID{}); err != nil {
		return a, b, err
	}
	if _, err := a.ConsumeAuth(bAuth, keys.PeerID{}); err != nil {
		return a, b, err
	}

	return a, b, nil
}

func TestHandshake(t *testing.T) {
	aKey, _ := keys.GenerateECDSAKey()
	bKey, _ := keys.GenerateECDSAKey()

	networkKey := []byte("test-network-key")

	a, b, err := runHandshake(t,
		Config{Identity: aKey, NetworkKey: networkKey, Policy: AuthBoth},
		Config{Identity: bKey, NetworkKey: networkKey, Policy: AuthBoth},
	)
	if err != nil {
		t.Fatal(err)
	}

	if a.PeerID() != keys.PeerIDFromPublicKey(&bKey.PublicKey) {
		t.Fatalf("initiator bound to wrong PeerID")
	}
	if b.PeerID() != keys.PeerIDFromPublicKey(&aKey.PublicKey) {
		t.Fatalf("responder bound to wrong PeerID")
	}

	aSess := a.Session()
	bSess := b.Session()
	defer aSess.Wipe()
	defer bSess.Wipe()

	// Each direction encrypts independently.
	msg := []byte("payload bytes")

	sealed, err := aSess.Seal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(sealed, msg) {
		t.Fatalf("Seal should not return plaintext")
	}

	opened, err := bSess.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, msg) {
		t.Fatalf("round-trip mismatch: %q != %q", opened, msg)
	}

	back, err := bSess.Seal([]byte("reply"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := aSess.Open(back); err != nil {
		t.Fatal(err)
	}
}

func TestHandshakeExchangesAdvertisedAddr(t *testing.T) {
	aKey, _ := keys.GenerateECDSAKey()
	bKey, _ := keys.GenerateECDSAKey()

	networkKey := []byte("k")

	a, b, err := runHandshake(t,
		Config{Identity: aKey, NetworkKey: networkKey, Policy: AuthBoth, AdvertiseAddr: "tcp://10.0.0.1:1337"},
		Config{Identity: bKey, NetworkKey: networkKey, Policy: AuthBoth, AdvertiseAddr: "tcp://10.0.0.2:1337"},
	)
	if err != nil {
		t.Fatal(err)
	}

	if a.RemoteAddr() != "tcp://10.0.0.2:1337" {
		t.Fatalf("initiator learned %q", a.RemoteAddr())
	}
	if b.RemoteAddr() != "tcp://10.0.0.1:1337" {
		t.Fatalf("responder learned %q", b.RemoteAddr())
	}
}

func TestHandshakeNetworkKeyMismatch(t *testing.T) {
	aKey, _ := keys.GenerateECDSAKey()
	bKey, _ := keys.GenerateECDSAKey()

	_, _, err := runHandshake(t,
		Config{Identity: aKey, NetworkKey: []byte("network-one"), Policy: AuthBoth},
		Config{Identity: bKey, NetworkKey: []byte("network-two"), Policy: AuthBoth},
	)

	if err != ErrNetworkKeyMismatch {
		t.Fatalf("expected ErrNetworkKeyMismatch, got %v", err)
	}
}

func TestHandshakeIdentityOnlyIgnoresNetworkKey(t *testing.T) {
	aKey, _ := keys.GenerateECDSAKey()
	bKey, _ := keys.GenerateECDSAKey()

	_, _, err := runHandshake(t,
		Config{Identity: aKey, Policy: AuthIdentityOnly},
		Config{Identity: bKey, Policy: AuthIdentityOnly},
	)
	if err != nil {
		t.Fatal(err)
	}
}

func TestHandshakeExpectedPeer(t *testing.T) {
	aKey, _ := keys.GenerateECDSAKey()
	bKey, _ := keys.GenerateECDSAKey()
	otherKey, _ := keys.GenerateECDSAKey()

	networkKey := []byte("k")

	a, _ := New(Config{Identity: aKey, NetworkKey: networkKey, Policy: AuthBoth}, true)
	b, _ := New(Config{Identity: bKey, NetworkKey: networkKey, Policy: AuthBoth}, false)

	aHello, _ := a.HelloMessage()
	bHello, _ := b.HelloMessage()

	if err := b.ConsumeHello(aHello); err != nil {
		t.Fatal(err)
	}
	if err := a.ConsumeHello(bHello); err != nil {
		t.Fatal(err)
	}

	bAuth, _ := b.AuthMessage()

	// a dialed expecting otherKey's identity; b's auth must be rejected.
	_, err := a.ConsumeAuth(bAuth, keys.PeerIDFromPublicKey(&otherKey.PublicKey))
	if err != ErrPeerIDMismatch {
		t.Fatalf("expected ErrPeerIDMismatch, got %v", err)
	}
}

func TestHandshakeReplayedHello(t *testing.T) {
	aKey, _ := keys.GenerateECDSAKey()

	a, _ := New(Config{Identity: aKey, NetworkKey: []byte("k"), Policy: AuthBoth}, true)

	hello, _ := a.HelloMessage()

	// Feeding a node its own hello is a reflected transcript.
	if err := a.ConsumeHello(hello); err != ErrReplayedTranscript {
		t.Fatalf("expected ErrReplayedTranscript, got %v", err)
	}
}

func TestSessionWipe(t *testing.T) {
	aKey, _ := keys.GenerateECDSAKey()
	bKey, _ := keys.GenerateECDSAKey()

	a, _, err := runHandshake(t,
		Config{Identity: aKey, NetworkKey: []byte("k"), Policy: AuthBoth},
		Config{Identity: bKey, NetworkKey: []byte("k"), Policy: AuthBoth},
	)
	if err != nil {
		t.Fatal(err)
	}

	sess := a.Session()

	sess.Wipe()

	for _, b := range sess.sendKey {
		if b != 0 {
			t.Fatalf("send key not zeroed")
		}
	}
	for _, b := range sess.recvKey {
		if b != 0 {
			t.Fatalf("recv key not zeroed")
		}
	}

	if _, err := sess.Seal([]byte("x")); err != ErrSessionClosed {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := sess.Open([]byte("x")); err != ErrSessionClosed {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}

	// Wipe is idempotent
	sess.Wipe()
}
