package machine

import (
	"reflect"
	"testing"

	"github.com/braidnetworks/braid/src/crypto/keys"
	"github.com/braidnetworks/braid/src/crypto/session"
	"github.com/braidnetworks/braid/src/gossip"
	bnet "github.com/braidnetworks/braid/src/net"
	"github.com/braidnetworks/braid/src/rpc"
)

func testID(b byte) keys.PeerID {
	var id keys.PeerID
	id[0] = b
	return id
}

// sessionPair runs a real handshake between two fresh identities and returns
// both session halves with the authenticated peer ids.
func sessionPair(t *testing.T) (sa, sb *session.Session, aID, bID keys.PeerID) {
	t.Helper()

	akey, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	bkey, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	netKey := []byte("test network key")

	ha, err := session.New(session.Config{Identity: akey, NetworkKey: netKey, Policy: session.AuthBoth}, true)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := session.New(session.Config{Identity: bkey, NetworkKey: netKey, Policy: session.AuthBoth}, false)
	if err != nil {
		t.Fatal(err)
	}

	helloA, err := ha.HelloMessage()
	if err != nil {
		t.Fatal(err)
	}
	helloB, err := hb.HelloMessage()
	if err != nil {
		t.Fatal(err)
	}
	if err := hb.ConsumeHello(helloA); err != nil {
		t.Fatal(err)
	}
	if err := ha.ConsumeHello(helloB); err != nil {
		t.Fatal(err)
	}

	authA, err := ha.AuthMessage()
	if err != nil {
		t.Fatal(err)
	}
	authB, err := hb.AuthMessage()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := hb.ConsumeAuth(authA, keys.PeerID{}); err != nil {
		t.Fatal(err)
	}
	if _, err := ha.ConsumeAuth(authB, keys.PeerID{}); err != nil {
		t.Fatal(err)
	}

	return ha.Session(), hb.Session(),
		keys.PeerIDFromPublicKey(&akey.PublicKey),
		keys.PeerIDFromPublicKey(&bkey.PublicKey)
}

// openConn drives a state through dial and handshake success so it holds an
// authenticated connection.
func openConn(t *testing.T, s *NodeState, id bnet.ConnID, peer keys.PeerID, sess *session.Session) *Conn {
	t.Helper()

	addr := "inmem://peer-" + peer.Short()
	Dispatch(s, TransportAction{Event: bnet.Event{Type: bnet.EventDialSuccess, Conn: id, Addr: addr}, Now: 1})

	effects := Dispatch(s, HandshakeSucceededAction{Conn: id, Peer: peer, Session: sess, Now: 2})
	for _, eff := range effects {
		if _, ok := eff.(CloseConnEffect); ok {
			t.Fatal("handshake success must not close the connection")
		}
	}

	c, ok := s.Conn(id)
	if !ok || c.State != AuthenticatedOpen {
		t.Fatalf("expected AuthenticatedOpen, got %+v", c)
	}
	return c
}

func TestDialLifecycle(t *testing.T) {
	s := NewNodeState(testID(0xAA), DefaultOptions())

	addr, _ := bnet.ParseMultiaddress("tcp://10.0.0.1:1337/p2p/" + testID(0x01).String())
	effects := Dispatch(s, DialAction{Addr: addr, Now: 1})
	if len(effects) != 1 {
		t.Fatalf("expected one effect, got %d", len(effects))
	}
	if _, ok := effects[0].(DialEffect); !ok {
		t.Fatalf("expected DialEffect, got %T", effects[0])
	}

	// a second dial to the same address while one is outstanding is a no-op
	if effects := Dispatch(s, DialAction{Addr: addr, Now: 2}); len(effects) != 0 {
		t.Fatal("duplicate dial must be suppressed")
	}

	effects = Dispatch(s, TransportAction{
		Event: bnet.Event{Type: bnet.EventDialSuccess, Conn: 1, Addr: addr.String()},
		Now:   3,
	})
	if len(effects) != 1 {
		t.Fatalf("expected one effect, got %d", len(effects))
	}
	start, ok := effects[0].(StartHandshakeEffect)
	if !ok {
		t.Fatalf("expected StartHandshakeEffect, got %T", effects[0])
	}
	if !start.Initiator {
		t.Fatal("dialer must initiate the handshake")
	}
	if start.Expected != testID(0x01) {
		t.Fatal("expected peer id from the multiaddress must be enforced")
	}

	c, _ := s.Conn(1)
	if c.State != HandshakeInProgress {
		t.Fatalf("expected HandshakeInProgress, got %s", c.State)
	}
}

func TestHandshakeFailureNeverEntersTable(t *testing.T) {
	s := NewNodeState(testID(0xAA), DefaultOptions())

	Dispatch(s, TransportAction{Event: bnet.Event{Type: bnet.EventIncomingConn, Conn: 1, Addr: "inmem://x"}, Now: 1})

	effects := Dispatch(s, HandshakeFailedAction{Conn: 1, Err: "network key mismatch"})

	closed := false
	for _, eff := range effects {
		if ce, ok := eff.(CloseConnEffect); ok {
			closed = true
			if ce.Reason != ReasonHandshakeFailed {
				t.Fatalf("expected HandshakeFailed close, got %s", ce.Reason)
			}
		}
	}
	if !closed {
		t.Fatal("failed handshake must close the connection")
	}
	if s.Table.Size() != 0 {
		t.Fatal("a peer that failed the handshake must never enter the routing table")
	}

	Dispatch(s, TransportAction{Event: bnet.Event{Type: bnet.EventConnClosed, Conn: 1}, Now: 2})
	if _, ok := s.Conn(1); ok {
		t.Fatal("closed connection must leave the table")
	}
}

func TestHandshakeSuccessEntersTable(t *testing.T) {
	s := NewNodeState(testID(0xAA), DefaultOptions())
	sa, _, _, bID := sessionPair(t)

	openConn(t, s, 1, bID, sa)

	if s.Table.Size() != 1 {
		t.Fatal("authenticated peer must enter the routing table")
	}
	if _, ok := s.PeerConn(bID); !ok {
		t.Fatal("peer must be reachable through the connection index")
	}
}

func TestDuplicatePeerConnClosed(t *testing.T) {
	s := NewNodeState(testID(0xAA), DefaultOptions())
	sa, sb, _, bID := sessionPair(t)

	openConn(t, s, 1, bID, sa)

	Dispatch(s, TransportAction{Event: bnet.Event{Type: bnet.EventIncomingConn, Conn: 2, Addr: "inmem://dup"}, Now: 5})
	effects := Dispatch(s, HandshakeSucceededAction{Conn: 2, Peer: bID, Session: sb, Now: 6})

	var reason CloseReason
	for _, eff := range effects {
		if ce, ok := eff.(CloseConnEffect); ok {
			reason = ce.Reason
		}
	}
	if reason != ReasonDuplicatePeer {
		t.Fatalf("expected the duplicate connection closed, got %s", reason)
	}

	// the established connection survives
	c, ok := s.PeerConn(bID)
	if !ok || c.ID != 1 {
		t.Fatal("the first connection must remain the peer's active one")
	}
}

func TestUnknownConnDiagnostic(t *testing.T) {
	s := NewNodeState(testID(0xAA), DefaultOptions())

	effects := Dispatch(s, TransportAction{
		Event: bnet.Event{Type: bnet.EventData, Conn: 99, Data: []byte("x")},
		Now:   1,
	})
	if len(effects) != 1 {
		t.Fatalf("expected one effect, got %d", len(effects))
	}
	if _, ok := effects[0].(DiagnosticEffect); !ok {
		t.Fatalf("unknown conn must yield a diagnostic, got %T", effects[0])
	}
}

func TestGossipDeliveryThroughDispatch(t *testing.T) {
	// A and B hold the two halves of one session. A publishes, the sealed
	// frame is fed to B as transport data, B delivers to its application.
	sa, sb, aID, bID := sessionPair(t)

	a := NewNodeState(aID, DefaultOptions())
	b := NewNodeState(bID, DefaultOptions())

	openConn(t, a, 1, bID, sa)
	openConn(t, b, 7, aID, sb)

	subA := Dispatch(a, SubscribeAction{Topic: "blocks"})
	subB := Dispatch(b, SubscribeAction{Topic: "blocks"})
	Dispatch(b, TransportAction{
		Event: bnet.Event{Type: bnet.EventData, Conn: 7, Data: subA[0].(SendFrameEffect).Frame},
		Now:   3,
	})
	Dispatch(a, TransportAction{
		Event: bnet.Event{Type: bnet.EventData, Conn: 1, Data: subB[0].(SendFrameEffect).Frame},
		Now:   3,
	})

	akey, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}
	env, err := gossip.NewEnvelope(akey, "blocks", []byte("block 1"))
	if err != nil {
		t.Fatal(err)
	}

	effects := Dispatch(a, PublishAction{Envelope: env, Now: 10})
	if len(effects) != 1 {
		t.Fatalf("expected one send, got %d effects", len(effects))
	}
	send, ok := effects[0].(SendFrameEffect)
	if !ok {
		t.Fatalf("expected SendFrameEffect, got %T", effects[0])
	}

	effects = Dispatch(b, TransportAction{
		Event: bnet.Event{Type: bnet.EventData, Conn: 7, Data: send.Frame},
		Now:   11,
	})

	delivered := false
	for _, eff := range effects {
		if d, ok := eff.(DeliverGossipEffect); ok {
			delivered = true
			if d.Topic != "blocks" || string(d.Payload) != "block 1" {
				t.Fatalf("wrong delivery: %+v", d)
			}
		}
	}
	if !delivered {
		t.Fatal("expected the envelope delivered to the application")
	}

	// replaying the same frame must not deliver again; the counter nonce has
	// moved on so the session rejects it outright
	effects = Dispatch(b, TransportAction{
		Event: bnet.Event{Type: bnet.EventData, Conn: 7, Data: send.Frame},
		Now:   12,
	})
	for _, eff := range effects {
		if _, ok := eff.(DeliverGossipEffect); ok {
			t.Fatal("duplicate frame must not be re-delivered")
		}
	}
}

func TestRPCRoundTripThroughDispatch(t *testing.T) {
	sa, sb, aID, bID := sessionPair(t)

	a := NewNodeState(aID, DefaultOptions())
	b := NewNodeState(bID, DefaultOptions())

	openConn(t, a, 1, bID, sa)
	openConn(t, b, 7, aID, sb)

	resp := make(chan *rpc.Outcome, 1)
	effects := Dispatch(a, RequestAction{Peer: bID, Kind: "ping", Payload: []byte("x"), Resp: resp, Now: 10})
	if len(effects) != 1 {
		t.Fatalf("expected one send, got %d", len(effects))
	}
	send := effects[0].(SendFrameEffect)

	effects = Dispatch(b, TransportAction{
		Event: bnet.Event{Type: bnet.EventData, Conn: 7, Data: send.Frame},
		Now:   11,
	})
	if len(effects) != 1 {
		t.Fatalf("expected one effect, got %d", len(effects))
	}
	deliver, ok := effects[0].(DeliverRequestEffect)
	if !ok {
		t.Fatalf("expected DeliverRequestEffect, got %T", effects[0])
	}
	if deliver.Request.Kind != "ping" || deliver.Peer != aID {
		t.Fatalf("wrong request: %+v", deliver)
	}

	effects = Dispatch(b, RespondAction{
		Conn: deliver.Conn,
		Response: &rpc.Response{
			CorrelationID: deliver.Request.CorrelationID,
			Status:        rpc.StatusOK,
			Payload:       []byte("pong"),
		},
	})
	answer := effects[0].(SendFrameEffect)

	effects = Dispatch(a, TransportAction{
		Event: bnet.Event{Type: bnet.EventData, Conn: 1, Data: answer.Frame},
		Now:   12,
	})

	completed := false
	for _, eff := range effects {
		if c, ok := eff.(CompleteRequestEffect); ok {
			completed = true
			if c.Outcome.Reason != rpc.ReasonNone || string(c.Outcome.Payload) != "pong" {
				t.Fatalf("wrong outcome: %+v", c.Outcome)
			}
			if c.Resp != resp {
				t.Fatal("outcome must be routed to the caller's channel")
			}
		}
	}
	if !completed {
		t.Fatal("expected the call completed")
	}
}

func TestRequestToDisconnectedPeerFailsFast(t *testing.T) {
	s := NewNodeState(testID(0xAA), DefaultOptions())

	resp := make(chan *rpc.Outcome, 1)
	effects := Dispatch(s, RequestAction{Peer: testID(0x01), Kind: "ping", Resp: resp, Now: 1})

	if len(effects) != 1 {
		t.Fatalf("expected one effect, got %d", len(effects))
	}
	c, ok := effects[0].(CompleteRequestEffect)
	if !ok {
		t.Fatalf("expected CompleteRequestEffect, got %T", effects[0])
	}
	if c.Outcome.Reason != rpc.ReasonConnectionLost {
		t.Fatalf("expected ConnectionLost, got %s", c.Outcome.Reason)
	}
}

func TestConnClosedFailsPendingAndCleansGossip(t *testing.T) {
	sa, _, _, bID := sessionPair(t)
	s := NewNodeState(testID(0xAA), DefaultOptions())

	openConn(t, s, 1, bID, sa)
	s.Gossip.HandleSubscribe(bID, "blocks")

	resp := make(chan *rpc.Outcome, 1)
	Dispatch(s, RequestAction{Peer: bID, Kind: "ping", Resp: resp, Now: 1})

	effects := Dispatch(s, TransportAction{
		Event: bnet.Event{Type: bnet.EventConnClosed, Conn: 1, Err: "EOF"},
		Now:   2,
	})

	var wiped, completed bool
	for _, eff := range effects {
		switch e := eff.(type) {
		case WipeSessionEffect:
			wiped = true
		case CompleteRequestEffect:
			completed = true
			if e.Outcome.Reason != rpc.ReasonConnectionLost {
				t.Fatalf("expected ConnectionLost, got %s", e.Outcome.Reason)
			}
		}
	}
	if !wiped {
		t.Fatal("session must be wiped on close")
	}
	if !completed {
		t.Fatal("pending calls must fail on connection loss")
	}
	if got := s.Gossip.Subscribers("blocks"); len(got) != 0 {
		t.Fatal("gossip links of a closed connection must be removed")
	}
}

func TestConnClosedDropsOutstandingQueries(t *testing.T) {
	sa, sb, _, bID := sessionPair(t)
	s := NewNodeState(testID(0xAA), DefaultOptions())

	openConn(t, s, 1, bID, sa)

	otherID := testID(0x02)
	openConn(t, s, 2, otherID, sb)

	// outstanding FindNode queries: two to b, one to the other peer
	s.queries[1] = bID
	s.queries[2] = bID
	s.queries[3] = otherID

	Dispatch(s, TransportAction{
		Event: bnet.Event{Type: bnet.EventConnClosed, Conn: 1, Err: "EOF"},
		Now:   5,
	})

	if len(s.queries) != 1 {
		t.Fatalf("expected 1 outstanding query, got %d", len(s.queries))
	}
	if peer, ok := s.queries[3]; !ok || peer != otherID {
		t.Fatal("queries to other peers must survive the close")
	}
}

func TestInboundConnUsesAdvertisedAddr(t *testing.T) {
	sa, _, _, bID := sessionPair(t)
	s := NewNodeState(testID(0xAA), DefaultOptions())

	// an inbound connection's transport address is the remote's ephemeral
	// source port, useless for dialing back
	Dispatch(s, TransportAction{
		Event: bnet.Event{Type: bnet.EventIncomingConn, Conn: 1, Addr: "10.0.0.5:53121"},
		Now:   1,
	})

	Dispatch(s, HandshakeSucceededAction{
		Conn:          1,
		Peer:          bID,
		Session:       sa,
		AdvertiseAddr: "tcp://10.0.0.5:1337",
		Now:           2,
	})

	entry, ok := s.Table.Get(bID)
	if !ok {
		t.Fatal("authenticated peer must enter the routing table")
	}
	want := "tcp://10.0.0.5:1337/p2p/" + bID.String()
	if entry.Addr != want {
		t.Fatalf("table entry addr = %q, want the advertised address %q", entry.Addr, want)
	}
}

func TestInboundConnWithoutAdvertisedAddr(t *testing.T) {
	sa, _, _, bID := sessionPair(t)
	s := NewNodeState(testID(0xAA), DefaultOptions())

	Dispatch(s, TransportAction{
		Event: bnet.Event{Type: bnet.EventIncomingConn, Conn: 1, Addr: "10.0.0.5:53121"},
		Now:   1,
	})

	Dispatch(s, HandshakeSucceededAction{Conn: 1, Peer: bID, Session: sa, Now: 2})

	// with nothing announced, the transport address is all there is
	entry, ok := s.Table.Get(bID)
	if !ok {
		t.Fatal("authenticated peer must enter the routing table")
	}
	if entry.Addr != "10.0.0.5:53121" {
		t.Fatalf("table entry addr = %q, want the transport address", entry.Addr)
	}
}

func TestHandshakeTimeoutOnTick(t *testing.T) {
	opts := DefaultOptions()
	opts.HandshakeTimeout = 100
	s := NewNodeState(testID(0xAA), opts)

	Dispatch(s, TransportAction{Event: bnet.Event{Type: bnet.EventIncomingConn, Conn: 1, Addr: "inmem://x"}, Now: 0})

	effects := Dispatch(s, TickAction{Now: 100})

	closed := false
	for _, eff := range effects {
		if ce, ok := eff.(CloseConnEffect); ok && ce.Reason == ReasonHandshakeTimeout {
			closed = true
		}
	}
	if !closed {
		t.Fatal("stalled handshake must be closed on tick")
	}
}

func TestDispatchDeterminism(t *testing.T) {
	// the same action sequence on two fresh states must yield identical
	// effect sequences and identical snapshots
	actions := []Action{
		TransportAction{Event: bnet.Event{Type: bnet.EventListenerReady, Addr: "tcp://127.0.0.1:1337"}, Now: 1},
		TransportAction{Event: bnet.Event{Type: bnet.EventIncomingConn, Conn: 1, Addr: "inmem://x"}, Now: 2},
		SubscribeAction{Topic: "blocks"},
		SubscribeAction{Topic: "txs"},
		TransportAction{Event: bnet.Event{Type: bnet.EventDialFailure, Addr: "tcp://10.0.0.9:1/p2p/" + testID(9).String(), Reason: bnet.DialUnreachable, Err: "refused"}, Now: 3},
		HandshakeFailedAction{Conn: 1, Err: "network key mismatch"},
		TransportAction{Event: bnet.Event{Type: bnet.EventConnClosed, Conn: 1, Err: "closed"}, Now: 4},
		TickAction{Now: 5_000_000_000},
		TickAction{Now: 10_000_000_000},
		ShutdownAction{},
	}

	run := func() ([][]Effect, Stats) {
		s := NewNodeState(testID(0xAA), DefaultOptions())
		var out [][]Effect
		for _, a := range actions {
			out = append(out, Dispatch(s, a))
		}
		return out, s.Snapshot()
	}

	eff1, snap1 := run()
	eff2, snap2 := run()

	if !reflect.DeepEqual(eff1, eff2) {
		t.Fatal("effect sequences diverged between identical runs")
	}
	if !reflect.DeepEqual(snap1, snap2) {
		t.Fatal("state snapshots diverged between identical runs")
	}
}

func TestShutdownStopsDispatch(t *testing.T) {
	s := NewNodeState(testID(0xAA), DefaultOptions())

	effects := Dispatch(s, ShutdownAction{})
	if _, ok := effects[len(effects)-1].(ShutdownDoneEffect); !ok {
		t.Fatal("shutdown must finish with ShutdownDoneEffect")
	}
	if !s.Shutdown() {
		t.Fatal("state must record the shutdown")
	}

	if effects := Dispatch(s, TickAction{Now: 1}); effects != nil {
		t.Fatal("actions after shutdown must be ignored")
	}
}
