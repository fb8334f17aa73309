package keys

import (
	"io/ioutil"
	"os"
	"path"
	"reflect"
	"testing"

	bcrypto "github.com/braidnetworks/braid/src/crypto"
)

func TestSimpleKeyfile(t *testing.T) {
	dir, err := ioutil.TempDir("", "braid")
	if err != nil {
		t.Fatalf("err: %v ", err)
	}
	defer os.RemoveAll(dir)

	simpleKeyfile := NewSimpleKeyfile(path.Join(dir, "priv_key"))

	// Try a read, should get nothing
	key, err := simpleKeyfile.ReadKey()
	if err == nil {
		t.Fatalf("ReadKey should generate an error")
	}
	if key != nil {
		t.Fatalf("key is not nil")
	}

	// Initialize a key and try a write
	key, _ = GenerateECDSAKey()

	if err := simpleKeyfile.WriteKey(key); err != nil {
		t.Fatalf("err: %v", err)
	}

	// Try a read, should get key
	nKey, err := simpleKeyfile.ReadKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if !reflect.DeepEqual(*nKey, *key) {
		t.Fatalf("Keys do not match")
	}
}

func TestSignatureEncoding(t *testing.T) {
	privKey, _ := GenerateECDSAKey()

	msg := "time is a flat circle"
	msgBytes := []byte(msg)
	msgHashBytes := bcrypto.SHA256(msgBytes)

	r, s, _ := Sign(privKey, msgHashBytes)

	encodedSig := EncodeSignature(r, s)

	dr, ds, err := DecodeSignature(encodedSig)
	if err != nil {
		t.Fatal(err)
	}

	if r.Cmp(dr) != 0 {
		t.Fatalf("Signature Rs differ")
	}

	if s.Cmp(ds) != 0 {
		t.Fatalf("Signature Ss differ")
	}

	if !Verify(&privKey.PublicKey, msgHashBytes, dr, ds) {
		t.Fatalf("decoded signature should verify")
	}
}

func TestSignatureLowS(t *testing.T) {
	privKey, _ := GenerateECDSAKey()

	msgHashBytes := bcrypto.SHA256([]byte("canonical form"))

	// signing is randomized, so exercise it enough times that both halves of
	// the curve order come up
	for i := 0; i < 64; i++ {
		r, s, err := Sign(privKey, msgHashBytes)
		if err != nil {
			t.Fatal(err)
		}
		if s.Cmp(secp256k1halfN) > 0 {
			t.Fatalf("s value above half the curve order: %s", s.Text(16))
		}
		if !Verify(&privKey.PublicKey, msgHashBytes, r, s) {
			t.Fatalf("normalized signature should verify")
		}
	}
}

func TestPeerID(t *testing.T) {
	key, _ := GenerateECDSAKey()

	id := PeerIDFromPublicKey(&key.PublicKey)

	if id.IsZero() {
		t.Fatalf("PeerID should not be zero")
	}

	// derivation is stable
	id2 := PeerIDFromPublicKey(&key.PublicKey)
	if id != id2 {
		t.Fatalf("PeerID derivation should be deterministic")
	}

	// round-trip through hex
	parsed, err := PeerIDFromHex(id.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != id {
		t.Fatalf("PeerID hex round-trip mismatch")
	}

	// different key, different id
	otherKey, _ := GenerateECDSAKey()
	if PeerIDFromPublicKey(&otherKey.PublicKey) == id {
		t.Fatalf("distinct keys should yield distinct PeerIDs")
	}
}
