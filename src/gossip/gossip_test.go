package gossip

import (
	"fmt"
	"testing"

	"github.com/braidnetworks/braid/src/crypto/keys"
)

func testID(b byte) keys.PeerID {
	var id keys.PeerID
	id[0] = b
	return id
}

func testEnvelope(t *testing.T, topic string, payload []byte) *Envelope {
	t.Helper()
	priv, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	env, err := NewEnvelope(priv, topic, payload)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestEnvelopeValidate(t *testing.T) {
	env := testEnvelope(t, "blocks", []byte("payload"))

	if err := env.Validate(); err != nil {
		t.Fatal(err)
	}

	tampered := *env
	tampered.Payload = []byte("other")
	if err := tampered.Validate(); err == nil {
		t.Fatal("expected validation to fail on tampered payload")
	}
}

func TestEnvelopeCodec(t *testing.T) {
	env := testEnvelope(t, "blocks", []byte("payload"))

	raw, err := EncodeMessage(env)
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := DecodeMessage(raw)
	if err != nil {
		t.Fatal(err)
	}

	got, ok := decoded.(*Envelope)
	if !ok {
		t.Fatalf("expected *Envelope, got %T", decoded)
	}
	if err := got.Validate(); err != nil {
		t.Fatal(err)
	}
	if got.Topic != "blocks" {
		t.Fatalf("wrong topic %s", got.Topic)
	}
}

func TestExactlyOnceDelivery(t *testing.T) {
	s := NewState(testID(0xAA), 0)
	s.SubscribeLocal("blocks")
	s.HandleSubscribe(testID(0x01), "blocks")
	s.HandleSubscribe(testID(0x02), "blocks")
	s.HandleSubscribe(testID(0x03), "blocks")

	env := testEnvelope(t, "blocks", []byte("b1"))

	res, err := s.HandleEnvelope(testID(0x01), env, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Deliver {
		t.Fatal("first sighting must be delivered to the application")
	}
	if res.Duplicate {
		t.Fatal("first sighting must not be a duplicate")
	}
	for _, p := range res.Forward {
		if p == testID(0x01) {
			t.Fatal("must not forward back to the sender")
		}
	}

	// the same message from another mesh peer
	res, err = s.HandleEnvelope(testID(0x02), env, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Duplicate {
		t.Fatal("second sighting must be a duplicate")
	}
	if res.Deliver {
		t.Fatal("duplicate must not be re-delivered")
	}
	if len(res.Forward) != 0 {
		t.Fatal("duplicate must not be re-forwarded")
	}
}

func TestPublishNotEchoedBack(t *testing.T) {
	s := NewState(testID(0xAA), 0)
	s.SubscribeLocal("blocks")
	s.HandleSubscribe(testID(0x01), "blocks")

	env := testEnvelope(t, "blocks", []byte("mine"))

	to := s.Publish(env, 1000)
	if len(to) != 1 || to[0] != testID(0x01) {
		t.Fatalf("expected publish to the single mesh peer, got %v", to)
	}

	// the mesh peer echoes our own message back
	res, err := s.HandleEnvelope(testID(0x01), env, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Deliver || !res.Duplicate {
		t.Fatal("own message echoed back must be treated as a duplicate")
	}
}

func TestInvalidEnvelopeScoresSender(t *testing.T) {
	s := NewState(testID(0xAA), 0)
	s.SubscribeLocal("blocks")
	s.HandleSubscribe(testID(0x01), "blocks")

	env := testEnvelope(t, "blocks", []byte("x"))
	env.Payload = []byte("forged")

	if _, err := s.HandleEnvelope(testID(0x01), env, 1000); err == nil {
		t.Fatal("expected an error for a forged envelope")
	}

	ts := s.topics["blocks"]
	if ts.Scores[testID(0x01)].Invalid != 1 {
		t.Fatal("invalid message must count against the sender")
	}
}

func TestMeshBounded(t *testing.T) {
	s := NewState(testID(0xAA), 0)
	s.SubscribeLocal("blocks")

	for b := byte(1); b <= 30; b++ {
		s.HandleSubscribe(testID(b), "blocks")
	}
	s.Tick(1000, 1<<40)

	mesh := s.Mesh("blocks")
	if len(mesh) > MeshHigh {
		t.Fatalf("mesh exceeds high watermark: %d", len(mesh))
	}
	if len(mesh) < MeshLow {
		t.Fatalf("mesh below low watermark with plenty of subscribers: %d", len(mesh))
	}
}

func TestMeshReshapePrefersFastPeers(t *testing.T) {
	s := NewState(testID(0xAA), 0)
	s.SubscribeLocal("blocks")

	for b := byte(1); b <= 20; b++ {
		s.HandleSubscribe(testID(b), "blocks")
	}

	ts := s.topics["blocks"]
	// make the first MeshDegree peers slow and a few outsiders fast
	for b := byte(1); b <= 20; b++ {
		sc := ts.score(testID(b))
		if b <= MeshDegree {
			sc.ObserveDelivery(500)
		} else {
			sc.ObserveDelivery(1)
		}
	}
	// force everyone into the mesh so pruning has work to do
	for b := byte(1); b <= 20; b++ {
		ts.Mesh[testID(b)] = struct{}{}
	}

	s.Tick(1000, 1<<40)

	mesh := s.Mesh("blocks")
	if len(mesh) != MeshDegree {
		t.Fatalf("expected mesh pruned to %d, got %d", MeshDegree, len(mesh))
	}
	for _, p := range mesh {
		if p[0] <= MeshDegree {
			t.Fatalf("slow peer %s survived pruning", p.Short())
		}
	}
}

func TestSeenCacheExpires(t *testing.T) {
	s := NewState(testID(0xAA), 0)
	s.SubscribeLocal("blocks")
	s.HandleSubscribe(testID(0x01), "blocks")

	env := testEnvelope(t, "blocks", []byte("old"))

	if _, err := s.HandleEnvelope(testID(0x01), env, 0); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < SeenWindows; i++ {
		s.Tick(int64(i+1)*1000, 1<<40)
	}

	if s.Seen(env.MessageID) {
		t.Fatal("message id must age out of the seen-cache")
	}
}

func TestUnsubscribeCleansUp(t *testing.T) {
	s := NewState(testID(0xAA), 0)

	s.HandleSubscribe(testID(0x01), "blocks")
	s.HandleUnsubscribe(testID(0x01), "blocks")

	if len(s.topics) != 0 {
		t.Fatalf("expected empty topic state dropped, have %d", len(s.topics))
	}

	s.SubscribeLocal("txs")
	s.HandleSubscribe(testID(0x02), "txs")
	s.RemovePeer(testID(0x02))

	if got := s.Subscribers("txs"); len(got) != 0 {
		t.Fatalf("expected no subscribers after RemovePeer, got %v", got)
	}
	if got := s.Topics(); len(got) != 1 || got[0] != "txs" {
		t.Fatalf("local subscription must survive peer removal, got %v", got)
	}
}

func TestMessageIDUniquePerContent(t *testing.T) {
	a := ComputeMessageID("t", []byte("p"), []byte("f"))
	b := ComputeMessageID("t", []byte("p"), []byte("g"))
	if fmt.Sprintf("%x", a) == fmt.Sprintf("%x", b) {
		t.Fatal("different origins must yield different message ids")
	}
}
