package net

import (
	"bytes"
	"testing"
	"time"

	"github.com/braidnetworks/braid/src/common"
	"github.com/sirupsen/logrus"
)

func testTransport(t *testing.T, network *InmemNetwork, addr string, maxConns int) *Transport {
	t.Helper()
	sl := network.NewStreamLayer(addr)
	trans := NewTransport(sl, maxConns, time.Second, common.NewTestEntry(t, logrus.DebugLevel))
	go trans.Listen()
	nextEvent(t, trans, EventListenerReady)
	return trans
}

func nextEvent(t *testing.T, trans *Transport, want EventType) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-trans.Consumer():
			if e.Type == want {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestTransportFrameRoundTrip(t *testing.T) {
	network := NewInmemNetwork()

	alice := testTransport(t, network, "alice", 10)
	defer alice.Close()
	bob := testTransport(t, network, "bob", 10)
	defer bob.Close()

	go alice.Dial(Multiaddress{Scheme: SchemeInmem, Addr: "bob"})

	dialed := nextEvent(t, alice, EventDialSuccess)
	accepted := nextEvent(t, bob, EventIncomingConn)

	frame := []byte("hello bob")
	if err := alice.WriteFrame(dialed.Conn, frame); err != nil {
		t.Fatal(err)
	}

	data := nextEvent(t, bob, EventData)
	if data.Conn != accepted.Conn {
		t.Fatalf("frame arrived on wrong connection")
	}
	if !bytes.Equal(data.Data, frame) {
		t.Fatalf("frame mismatch: %q != %q", data.Data, frame)
	}

	// frames flow both ways
	reply := []byte("hello alice")
	if err := bob.WriteFrame(accepted.Conn, reply); err != nil {
		t.Fatal(err)
	}

	data = nextEvent(t, alice, EventData)
	if !bytes.Equal(data.Data, reply) {
		t.Fatalf("reply mismatch: %q != %q", data.Data, reply)
	}
}

func TestTransportFrameOrdering(t *testing.T) {
	network := NewInmemNetwork()

	alice := testTransport(t, network, "alice", 10)
	defer alice.Close()
	bob := testTransport(t, network, "bob", 10)
	defer bob.Close()

	go alice.Dial(Multiaddress{Scheme: SchemeInmem, Addr: "bob"})

	dialed := nextEvent(t, alice, EventDialSuccess)
	nextEvent(t, bob, EventIncomingConn)

	go func() {
		for i := 0; i < 100; i++ {
			alice.WriteFrame(dialed.Conn, []byte{byte(i)})
		}
	}()

	for i := 0; i < 100; i++ {
		data := nextEvent(t, bob, EventData)
		if len(data.Data) != 1 || data.Data[0] != byte(i) {
			t.Fatalf("frame %d out of order: got %v", i, data.Data)
		}
	}
}

func TestTransportDialUnreachable(t *testing.T) {
	network := NewInmemNetwork()

	alice := testTransport(t, network, "alice", 10)
	defer alice.Close()

	go alice.Dial(Multiaddress{Scheme: SchemeInmem, Addr: "nobody"})

	failure := nextEvent(t, alice, EventDialFailure)
	if failure.Reason != DialUnreachable {
		t.Fatalf("expected Unreachable, got %s", failure.Reason)
	}
}

func TestTransportDialCapacity(t *testing.T) {
	network := NewInmemNetwork()

	alice := testTransport(t, network, "alice", 1)
	defer alice.Close()
	bob := testTransport(t, network, "bob", 10)
	defer bob.Close()
	carol := testTransport(t, network, "carol", 10)
	defer carol.Close()

	go alice.Dial(Multiaddress{Scheme: SchemeInmem, Addr: "bob"})
	nextEvent(t, alice, EventDialSuccess)

	go alice.Dial(Multiaddress{Scheme: SchemeInmem, Addr: "carol"})

	failure := nextEvent(t, alice, EventDialFailure)
	if failure.Reason != DialCapacity {
		t.Fatalf("expected Capacity, got %s", failure.Reason)
	}
}

func TestTransportConnClosed(t *testing.T) {
	network := NewInmemNetwork()

	alice := testTransport(t, network, "alice", 10)
	defer alice.Close()
	bob := testTransport(t, network, "bob", 10)
	defer bob.Close()

	go alice.Dial(Multiaddress{Scheme: SchemeInmem, Addr: "bob"})

	dialed := nextEvent(t, alice, EventDialSuccess)
	accepted := nextEvent(t, bob, EventIncomingConn)

	if err := alice.CloseConn(dialed.Conn); err != nil {
		t.Fatal(err)
	}

	closed := nextEvent(t, bob, EventConnClosed)
	if closed.Conn != accepted.Conn {
		t.Fatalf("wrong connection closed")
	}
}

func TestStreamFrameCodec(t *testing.T) {
	payload := []byte("payload")

	frame := EncodeStreamFrame(7, ProtocolGossip, payload)

	stream, proto, got, err := DecodeStreamFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if stream != 7 || proto != ProtocolGossip {
		t.Fatalf("header mismatch: stream=%d proto=%s", stream, proto)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}

	if _, _, _, err := DecodeStreamFrame([]byte{1, 2}); err != ErrShortFrame {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
}
