package rpc

import (
	"testing"

	"github.com/braidnetworks/braid/src/crypto/keys"
)

func testID(b byte) keys.PeerID {
	var id keys.PeerID
	id[0] = b
	return id
}

func TestRequestResponseCodec(t *testing.T) {
	req := &Request{CorrelationID: 7, Kind: "get_block", Payload: []byte("h")}

	raw, err := EncodeMessage(req)
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := DecodeMessage(raw)
	if err != nil {
		t.Fatal(err)
	}

	got, ok := decoded.(*Request)
	if !ok {
		t.Fatalf("expected *Request, got %T", decoded)
	}
	if got.CorrelationID != 7 || got.Kind != "get_block" {
		t.Fatalf("request corrupted: %+v", got)
	}
}

func TestResponseCompletesCall(t *testing.T) {
	p := NewPending(100, -1, 0, 0)
	peer := testID(0x01)

	token, req, dropped := p.Send(peer, "ping", nil, 0)
	if req == nil || dropped != nil {
		t.Fatal("expected an immediate request")
	}

	out, next := p.HandleResponse(peer, &Response{
		CorrelationID: req.CorrelationID,
		Status:        StatusOK,
		Payload:       []byte("pong"),
	}, 10)

	if out == nil {
		t.Fatal("expected an outcome")
	}
	if out.Token != token || out.Reason != ReasonNone || string(out.Payload) != "pong" {
		t.Fatalf("wrong outcome: %+v", out)
	}
	if next != nil {
		t.Fatal("nothing was queued")
	}
	if p.Len() != 0 {
		t.Fatal("table must be empty")
	}
}

func TestTimeoutExactlyOnce(t *testing.T) {
	p := NewPending(100, -1, 0, 0)
	peer := testID(0x01)

	token, req, _ := p.Send(peer, "ping", nil, 0)

	resend, failed := p.Tick(100)
	if len(resend) != 0 {
		t.Fatal("no retries were configured")
	}
	if len(failed) != 1 || failed[0].Token != token || failed[0].Reason != ReasonTimeout {
		t.Fatalf("expected one Timeout outcome, got %+v", failed)
	}

	// a second tick must not fail the same call again
	_, failed = p.Tick(200)
	if len(failed) != 0 {
		t.Fatal("timeout must be reported exactly once")
	}

	// a late response to the expired correlation id is discarded
	out, _ := p.HandleResponse(peer, &Response{CorrelationID: req.CorrelationID}, 300)
	if out != nil {
		t.Fatal("late response must be discarded")
	}
}

func TestRetryUsesFreshCorrelationID(t *testing.T) {
	p := NewPending(100, 1, 0, 0)
	peer := testID(0x01)

	token, first, _ := p.Send(peer, "ping", nil, 0)

	resend, failed := p.Tick(100)
	if len(failed) != 0 {
		t.Fatal("the call still has a retry left")
	}
	if len(resend) != 1 {
		t.Fatalf("expected one resend, got %d", len(resend))
	}
	second := resend[0]
	if second.CorrelationID == first.CorrelationID {
		t.Fatal("retry must use a fresh correlation id")
	}

	// the answer to the first attempt arrives after the retry went out
	if out, _ := p.HandleResponse(peer, &Response{CorrelationID: first.CorrelationID}, 150); out != nil {
		t.Fatal("answer to a superseded attempt must be discarded")
	}

	// the answer to the second attempt completes the call
	out, _ := p.HandleResponse(peer, &Response{CorrelationID: second.CorrelationID, Status: StatusOK}, 160)
	if out == nil || out.Token != token {
		t.Fatalf("expected completion of token %d, got %+v", token, out)
	}
}

func TestPerPeerInFlightBound(t *testing.T) {
	p := NewPending(1000, -1, 2, 0)
	peer := testID(0x01)

	_, r1, _ := p.Send(peer, "a", nil, 0)
	_, r2, _ := p.Send(peer, "b", nil, 0)
	t3, r3, _ := p.Send(peer, "c", nil, 0)

	if r1 == nil || r2 == nil {
		t.Fatal("first two calls fit the in-flight bound")
	}
	if r3 != nil {
		t.Fatal("third call must be queued")
	}
	if p.Queued() != 1 {
		t.Fatalf("expected 1 queued call, got %d", p.Queued())
	}

	// another peer is not affected by the bound
	if _, r, _ := p.Send(testID(0x02), "d", nil, 0); r == nil {
		t.Fatal("the bound is per peer")
	}

	// completing one call releases the queued one, FIFO
	out, next := p.HandleResponse(peer, &Response{CorrelationID: r1.CorrelationID}, 10)
	if out == nil {
		t.Fatal("expected an outcome")
	}
	if next == nil || next.Kind != "c" {
		t.Fatalf("expected the queued call to launch, got %+v", next)
	}

	out, _ = p.HandleResponse(peer, &Response{CorrelationID: next.CorrelationID, Status: StatusOK}, 20)
	if out == nil || out.Token != t3 {
		t.Fatal("queued call must complete under its original token")
	}
}

func TestRetryKeepsInFlightBound(t *testing.T) {
	p := NewPending(100, 1, 1, 0)
	peer := testID(0x01)

	_, r1, _ := p.Send(peer, "a", nil, 0)
	if r1 == nil {
		t.Fatal("first call fits the in-flight bound")
	}
	_, r2, _ := p.Send(peer, "b", nil, 0)
	if r2 != nil {
		t.Fatal("second call must be queued")
	}

	// the expired attempt frees its slot before the retry takes one, so the
	// bound holds through the tick and the queued call stays queued
	resend, failed := p.Tick(100)
	if len(failed) != 0 {
		t.Fatal("the call still has a retry left")
	}
	if len(resend) != 1 || resend[0].Kind != "a" {
		t.Fatalf("expected the retry only, got %+v", resend)
	}
	if p.Len() != 1 {
		t.Fatalf("in-flight count = %d, want 1", p.Len())
	}
	if p.Queued() != 1 {
		t.Fatalf("queued count = %d, want 1", p.Queued())
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	p := NewPending(1000, -1, 1, 2)
	peer := testID(0x01)

	p.Send(peer, "inflight", nil, 0)
	tOld, r, _ := p.Send(peer, "q1", nil, 0)
	if r != nil {
		t.Fatal("q1 must be queued")
	}
	p.Send(peer, "q2", nil, 0)

	_, _, dropped := p.Send(peer, "q3", nil, 0)
	if dropped == nil {
		t.Fatal("expected the oldest queued call dropped")
	}
	if dropped.Token != tOld || dropped.Reason != ReasonOverloaded {
		t.Fatalf("wrong drop outcome: %+v", dropped)
	}
	if p.Queued() != 2 {
		t.Fatalf("queue must stay at its cap, got %d", p.Queued())
	}
}

func TestConnectionLostFailsAll(t *testing.T) {
	p := NewPending(1000, -1, 1, 0)
	peer := testID(0x01)
	other := testID(0x02)

	t1, _, _ := p.Send(peer, "a", nil, 0)
	t2, _, _ := p.Send(peer, "b", nil, 0) // queued
	p.Send(other, "c", nil, 0)

	outs := p.ConnectionLost(peer)
	if len(outs) != 2 {
		t.Fatalf("expected 2 failed calls, got %d", len(outs))
	}
	if outs[0].Token != t1 || outs[1].Token != t2 {
		t.Fatalf("outcomes must be ordered by token: %+v", outs)
	}
	for _, o := range outs {
		if o.Reason != ReasonConnectionLost {
			t.Fatalf("expected ConnectionLost, got %s", o.Reason)
		}
	}

	// the other peer's call survives
	if p.Len() != 1 {
		t.Fatalf("expected 1 surviving call, got %d", p.Len())
	}
}

func TestTimeoutReleasesQueuedCall(t *testing.T) {
	p := NewPending(100, -1, 1, 0)
	peer := testID(0x01)

	p.Send(peer, "a", nil, 0)
	p.Send(peer, "b", nil, 0) // queued

	resend, failed := p.Tick(100)
	if len(failed) != 1 {
		t.Fatalf("expected the in-flight call to time out, got %d", len(failed))
	}
	if len(resend) != 1 || resend[0].Kind != "b" {
		t.Fatal("the freed slot must launch the queued call")
	}
}
