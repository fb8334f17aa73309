package machine

import (
	"fmt"
	"sort"

	"github.com/braidnetworks/braid/src/discovery"
	"github.com/braidnetworks/braid/src/gossip"
	bnet "github.com/braidnetworks/braid/src/net"
	"github.com/braidnetworks/braid/src/rpc"
)

// maxAutoRedial bounds automatic reconnection attempts per address. After
// this many consecutive failures the address is only retried on an explicit
// DialAction.
const maxAutoRedial = 6

// Dispatch applies one action to the state and returns the effects to
// execute. It is the only way the state changes.
func Dispatch(s *NodeState, a Action) []Effect {
	if s.shutdown {
		return nil
	}

	switch act := a.(type) {
	case TransportAction:
		return s.handleEvent(act.Event, act.Now)
	case TickAction:
		return s.handleTick(act.Now)
	case DialAction:
		return s.handleDial(act)
	case HandshakeSucceededAction:
		return s.handleHandshakeSucceeded(act)
	case HandshakeFailedAction:
		return s.handleHandshakeFailed(act)
	case SubscribeAction:
		return s.handleSubscribe(act.Topic)
	case UnsubscribeAction:
		return s.handleUnsubscribe(act.Topic)
	case PublishAction:
		return s.handlePublish(act)
	case RequestAction:
		return s.handleRequest(act)
	case RespondAction:
		return s.handleRespond(act)
	case ShutdownAction:
		return s.handleShutdown()
	default:
		return []Effect{DiagnosticEffect{Msg: fmt.Sprintf("unknown action %T", a)}}
	}
}

func (s *NodeState) handleEvent(e bnet.Event, now int64) []Effect {
	switch e.Type {
	case bnet.EventListenerReady:
		s.Listening = true
		s.AdvertiseAddr = e.Addr
		return nil

	case bnet.EventListenerError:
		return []Effect{DiagnosticEffect{Msg: "listener error: " + e.Err}}

	case bnet.EventIncomingConn:
		c := &Conn{
			ID:       e.Conn,
			Addr:     e.Addr,
			State:    Accepting,
			OpenedAt: now,
		}
		s.addConn(c)

		if s.NumOpen()+len(s.dials) >= s.opts.MaxConns {
			return []Effect{s.requestClose(c, ReasonCapacity)}
		}

		c.State = HandshakeInProgress
		return []Effect{StartHandshakeEffect{Conn: c.ID, Initiator: false}}

	case bnet.EventDialSuccess:
		var expected [32]byte
		if d, ok := s.dials[e.Addr]; ok {
			expected = d.expected
			delete(s.dials, e.Addr)
		}
		c := &Conn{
			ID:        e.Conn,
			Addr:      e.Addr,
			State:     HandshakeInProgress,
			Initiator: true,
			Expected:  expected,
			OpenedAt:  now,
		}
		s.addConn(c)
		return []Effect{StartHandshakeEffect{Conn: c.ID, Initiator: true, Expected: expected}}

	case bnet.EventDialFailure:
		delete(s.dials, e.Addr)
		b := s.backoffFor(e.Addr)
		b.failures++
		b.nextAttempt = now + s.backoffDelay(b.failures)
		return []Effect{DiagnosticEffect{Msg: fmt.Sprintf("dial %s failed (%s): %s", e.Addr, e.Reason, e.Err)}}

	case bnet.EventData:
		return s.handleData(e, now)

	case bnet.EventConnClosed:
		return s.handleConnClosed(e)

	default:
		return []Effect{DiagnosticEffect{Msg: "unknown transport event " + e.Type.String()}}
	}
}

// backoffDelay computes the exponential redial delay for a failure count.
func (s *NodeState) backoffDelay(failures int) int64 {
	d := s.opts.BackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= s.opts.BackoffMax {
			return s.opts.BackoffMax
		}
	}
	return d
}

func (s *NodeState) handleData(e bnet.Event, now int64) []Effect {
	c, ok := s.conns[e.Conn]
	if !ok {
		return []Effect{DiagnosticEffect{Msg: "data for unknown connection", Conn: e.Conn}}
	}
	c.BytesIn += uint64(len(e.Data))

	switch c.State {
	case HandshakeInProgress:
		stream, proto, payload, err := bnet.DecodeStreamFrame(e.Data)
		if err != nil || proto != bnet.ProtocolHandshake {
			return []Effect{s.requestClose(c, ReasonProtocolViolation)}
		}
		_ = stream
		return []Effect{FeedHandshakeEffect{Conn: c.ID, Payload: payload}}

	case AuthenticatedOpen:
		plain, err := c.Session.Open(e.Data)
		if err != nil {
			return []Effect{s.requestClose(c, ReasonProtocolViolation)}
		}
		_, proto, payload, err := bnet.DecodeStreamFrame(plain)
		if err != nil {
			return []Effect{s.requestClose(c, ReasonProtocolViolation)}
		}
		switch proto {
		case bnet.ProtocolDiscovery:
			return s.handleDiscoveryFrame(c, payload, now)
		case bnet.ProtocolGossip:
			return s.handleGossipFrame(c, payload, now)
		case bnet.ProtocolRPC:
			return s.handleRPCFrame(c, payload, now)
		default:
			return []Effect{s.requestClose(c, ReasonProtocolViolation)}
		}

	default:
		return []Effect{DiagnosticEffect{Msg: "data on connection in state " + c.State.String(), Conn: c.ID}}
	}
}

func (s *NodeState) handleConnClosed(e bnet.Event) []Effect {
	c, ok := s.conns[e.Conn]
	if !ok {
		return []Effect{DiagnosticEffect{Msg: "close for unknown connection", Conn: e.Conn}}
	}

	var effects []Effect

	if c.Session != nil {
		effects = append(effects, WipeSessionEffect{Session: c.Session})
	}

	// fail pending rpc and drop gossip links only if this connection was the
	// peer's active one
	if !c.Peer.IsZero() {
		if id, ok := s.byPeer[c.Peer]; ok && id == c.ID {
			for _, out := range s.Pending.ConnectionLost(c.Peer) {
				effects = append(effects, s.completeOutcome(out)...)
			}
			s.Gossip.RemovePeer(c.Peer)

			// outstanding discovery queries to the peer can never be answered
			for qid, peer := range s.queries {
				if peer == c.Peer {
					delete(s.queries, qid)
				}
			}
			if s.lookup != nil {
				s.lookup.Fail(c.Peer)
			}
		}
	}

	s.dropConn(c, ReasonTransport)
	delete(s.conns, c.ID)
	return effects
}

func (s *NodeState) handleDial(act DialAction) []Effect {
	key := act.Addr.String()

	if _, ok := s.dials[key]; ok {
		return nil
	}
	if !act.Addr.PeerID.IsZero() {
		if _, ok := s.PeerConn(act.Addr.PeerID); ok {
			return nil
		}
	}
	if b, ok := s.backoff[key]; ok && b.blacklisted {
		return []Effect{DiagnosticEffect{Msg: "refusing dial to blacklisted address " + key}}
	}

	s.dials[key] = &dialState{expected: act.Addr.PeerID, since: act.Now}
	return []Effect{DialEffect{Addr: act.Addr}}
}

func (s *NodeState) handleHandshakeSucceeded(act HandshakeSucceededAction) []Effect {
	c, ok := s.conns[act.Conn]
	if !ok {
		return []Effect{DiagnosticEffect{Msg: "handshake result for unknown connection", Conn: act.Conn}}
	}
	if c.State != HandshakeInProgress {
		return []Effect{DiagnosticEffect{Msg: "handshake result on connection in state " + c.State.String(), Conn: c.ID}}
	}

	// one active connection per peer; the established one wins
	if _, ok := s.PeerConn(act.Peer); ok {
		c.Session = act.Session
		effects := []Effect{s.requestClose(c, ReasonDuplicatePeer)}
		return effects
	}

	c.State = AuthenticatedOpen
	c.Peer = act.Peer
	c.Session = act.Session
	c.AdvertiseAddr = act.AdvertiseAddr
	s.byPeer[act.Peer] = c.ID

	var effects []Effect

	// the verified peer enters the routing table; a failed handshake never
	// gets here
	addr := s.tableAddr(c)
	if evicted := s.Table.Add(act.Peer, addr, act.Now); evicted != nil {
		effects = append(effects, DropPeerEffect{Peer: evicted.ID})
	}
	if entry, ok := s.Table.Get(act.Peer); ok {
		effects = append(effects, SavePeerEffect{Entry: entry})
	}

	delete(s.backoff, c.Addr)

	// announce local subscriptions to the new peer
	for _, topic := range s.Gossip.Topics() {
		eff, err := s.sendGossip(c, &gossip.Subscribe{Topic: topic})
		if err != nil {
			return append(effects, s.requestClose(c, ReasonProtocolViolation))
		}
		effects = append(effects, eff)
	}

	return effects
}

// tableAddr normalizes the connection address into a dialable multiaddress
// qualified with the verified peer id. On inbound connections Addr is the
// remote's ephemeral source port, so the address the peer announced during
// the handshake takes precedence when it parses.
func (s *NodeState) tableAddr(c *Conn) string {
	if !c.Initiator && c.AdvertiseAddr != "" {
		if ma, err := bnet.ParseMultiaddress(c.AdvertiseAddr); err == nil {
			return ma.WithPeer(c.Peer).String()
		}
	}
	ma, err := bnet.ParseMultiaddress(c.Addr)
	if err != nil {
		return c.Addr
	}
	return ma.WithPeer(c.Peer).String()
}

func (s *NodeState) handleHandshakeFailed(act HandshakeFailedAction) []Effect {
	c, ok := s.conns[act.Conn]
	if !ok {
		return []Effect{DiagnosticEffect{Msg: "handshake failure for unknown connection", Conn: act.Conn}}
	}

	if c.Initiator && s.opts.BlacklistAuthFail {
		s.backoffFor(c.Addr).blacklisted = true
	}

	return []Effect{
		DiagnosticEffect{Msg: "handshake failed: " + act.Err, Conn: c.ID},
		s.requestClose(c, ReasonHandshakeFailed),
	}
}

func (s *NodeState) handleSubscribe(topic string) []Effect {
	if !s.Gossip.SubscribeLocal(topic) {
		return nil
	}
	var effects []Effect
	for _, c := range s.OpenConns() {
		eff, err := s.sendGossip(c, &gossip.Subscribe{Topic: topic})
		if err != nil {
			effects = append(effects, s.requestClose(c, ReasonProtocolViolation))
			continue
		}
		effects = append(effects, eff)
	}
	return effects
}

func (s *NodeState) handleUnsubscribe(topic string) []Effect {
	if !s.Gossip.UnsubscribeLocal(topic) {
		return nil
	}
	var effects []Effect
	for _, c := range s.OpenConns() {
		eff, err := s.sendGossip(c, &gossip.Unsubscribe{Topic: topic})
		if err != nil {
			effects = append(effects, s.requestClose(c, ReasonProtocolViolation))
			continue
		}
		effects = append(effects, eff)
	}
	return effects
}

func (s *NodeState) handlePublish(act PublishAction) []Effect {
	peers := s.Gossip.Publish(act.Envelope, act.Now)

	var effects []Effect
	for _, peer := range peers {
		c, ok := s.PeerConn(peer)
		if !ok {
			continue
		}
		eff, err := s.sendGossip(c, act.Envelope)
		if err != nil {
			effects = append(effects, s.requestClose(c, ReasonProtocolViolation))
			continue
		}
		effects = append(effects, eff)
	}
	return effects
}

func (s *NodeState) handleRequest(act RequestAction) []Effect {
	c, ok := s.PeerConn(act.Peer)
	if !ok {
		out := &rpc.Outcome{Peer: act.Peer, Reason: rpc.ReasonConnectionLost}
		return []Effect{CompleteRequestEffect{Outcome: out, Resp: act.Resp}}
	}

	token, req, dropped := s.Pending.Send(act.Peer, act.Kind, act.Payload, act.Now)
	s.respCh[token] = act.Resp

	var effects []Effect
	if dropped != nil {
		effects = append(effects, s.completeOutcome(dropped)...)
	}
	if req != nil {
		eff, err := s.sendRPC(c, req)
		if err != nil {
			effects = append(effects, s.requestClose(c, ReasonProtocolViolation))
			return effects
		}
		effects = append(effects, eff)
	}
	return effects
}

func (s *NodeState) handleRespond(act RespondAction) []Effect {
	c, ok := s.conns[act.Conn]
	if !ok || !c.open() {
		return []Effect{DiagnosticEffect{Msg: "response for gone connection", Conn: act.Conn}}
	}
	eff, err := s.sendRPC(c, act.Response)
	if err != nil {
		return []Effect{s.requestClose(c, ReasonProtocolViolation)}
	}
	return []Effect{eff}
}

func (s *NodeState) handleShutdown() []Effect {
	s.shutdown = true

	var effects []Effect
	for _, c := range s.OpenConns() {
		if !c.Peer.IsZero() {
			for _, out := range s.Pending.ConnectionLost(c.Peer) {
				effects = append(effects, s.completeOutcome(out)...)
			}
		}
	}

	ids := make([]bnet.ConnID, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sortConnIDs(ids)
	for _, id := range ids {
		c := s.conns[id]
		if c.Session != nil {
			effects = append(effects, WipeSessionEffect{Session: c.Session})
		}
		if c.State != Closed && c.State != Closing {
			c.State = Closing
			c.Reason = ReasonLocalShutdown
			effects = append(effects, CloseConnEffect{Conn: c.ID, Reason: ReasonLocalShutdown})
		}
	}

	effects = append(effects, ShutdownDoneEffect{})
	return effects
}

func (s *NodeState) handleTick(now int64) []Effect {
	var effects []Effect

	// handshake deadlines
	ids := make([]bnet.ConnID, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sortConnIDs(ids)
	for _, id := range ids {
		c := s.conns[id]
		if (c.State == HandshakeInProgress || c.State == Accepting) &&
			now-c.OpenedAt >= s.opts.HandshakeTimeout {
			effects = append(effects, s.requestClose(c, ReasonHandshakeTimeout))
		}
	}

	// rpc deadlines and retries
	resend, failed := s.Pending.Tick(now)
	for _, req := range resend {
		peer, ok := s.Pending.PeerOf(req.CorrelationID)
		if !ok {
			continue
		}
		c, ok := s.PeerConn(peer)
		if !ok {
			continue
		}
		eff, err := s.sendRPC(c, req)
		if err != nil {
			effects = append(effects, s.requestClose(c, ReasonProtocolViolation))
			continue
		}
		effects = append(effects, eff)
	}
	for _, out := range failed {
		effects = append(effects, s.completeOutcome(out)...)
	}

	// gossip seen-cache aging and mesh reshaping
	s.Gossip.Tick(now, s.opts.SeenTTL)

	// routing table decay
	if s.opts.StaleAfter > 0 {
		for _, e := range s.Table.EvictStale(now - s.opts.StaleAfter) {
			effects = append(effects, DropPeerEffect{Peer: e.ID})
		}
	}

	// periodic bucket refresh
	if s.lookup == nil && now-s.lastRefresh >= s.opts.RefreshEvery && s.Table.Size() > 0 {
		s.lastRefresh = now
		target := discovery.RefreshTarget(s.Local, s.refreshBucket)
		s.refreshBucket = (s.refreshBucket + 1) % discovery.NumBuckets
		seeds := s.Table.Closest(target, s.Table.K())
		s.lookup = discovery.NewLookup(target, seeds, s.Table.K(), discovery.DefaultAlpha, 0)
		effects = append(effects, s.stepLookup(now)...)
	}

	// automatic redial of backed-off addresses
	for _, addr := range sortedBackoffAddrs(s.backoff) {
		b := s.backoff[addr]
		if b.blacklisted || b.failures == 0 || b.failures > maxAutoRedial {
			continue
		}
		if now < b.nextAttempt {
			continue
		}
		if _, ok := s.dials[addr]; ok {
			continue
		}
		ma, err := bnet.ParseMultiaddress(addr)
		if err != nil {
			continue
		}
		if !ma.PeerID.IsZero() {
			if _, ok := s.PeerConn(ma.PeerID); ok {
				continue
			}
		}
		b.nextAttempt = now + s.backoffDelay(b.failures+1)
		s.dials[addr] = &dialState{expected: ma.PeerID, since: now}
		effects = append(effects, DialEffect{Addr: ma})
	}

	return effects
}

func (s *NodeState) handleDiscoveryFrame(c *Conn, payload []byte, now int64) []Effect {
	msg, err := discovery.DecodeMessage(payload)
	if err != nil {
		return []Effect{s.requestClose(c, ReasonProtocolViolation)}
	}

	var effects []Effect

	// discovery traffic refreshes the peer's table entry
	if evicted := s.Table.Add(c.Peer, s.tableAddr(c), now); evicted != nil {
		effects = append(effects, DropPeerEffect{Peer: evicted.ID})
	}

	switch m := msg.(type) {
	case *discovery.FindNode:
		target, err := castPeerID(m.Target)
		if err != nil {
			return append(effects, s.requestClose(c, ReasonProtocolViolation))
		}
		closest := s.Table.Closest(target, s.Table.K())
		found := make([]discovery.NodeInfo, len(closest))
		for i, e := range closest {
			found[i] = discovery.NodeInfoFromEntry(e)
		}
		eff, err := s.sendDiscovery(c, &discovery.Nodes{QueryID: m.QueryID, Found: found})
		if err != nil {
			return append(effects, s.requestClose(c, ReasonProtocolViolation))
		}
		return append(effects, eff)

	case *discovery.Nodes:
		peer, ok := s.queries[m.QueryID]
		if !ok || peer != c.Peer {
			return append(effects, DiagnosticEffect{Msg: "unsolicited discovery answer", Conn: c.ID})
		}
		delete(s.queries, m.QueryID)

		var learned []discovery.Entry
		for _, info := range m.Found {
			e, err := discovery.EntryFromNodeInfo(info, now)
			if err != nil {
				continue
			}
			if e.ID == s.Local {
				continue
			}
			learned = append(learned, e)
		}

		if s.lookup != nil {
			for _, e := range s.lookup.Update(c.Peer, learned) {
				if evicted := s.Table.Add(e.ID, e.Addr, now); evicted != nil {
					effects = append(effects, DropPeerEffect{Peer: evicted.ID})
				}
				if entry, ok := s.Table.Get(e.ID); ok {
					effects = append(effects, SavePeerEffect{Entry: entry})
				}
			}
			effects = append(effects, s.stepLookup(now)...)
		}
		return effects

	default:
		return append(effects, s.requestClose(c, ReasonProtocolViolation))
	}
}

// stepLookup issues the next round of lookup queries. Peers without an open
// connection are dialed for future rounds and marked failed for this one.
func (s *NodeState) stepLookup(now int64) []Effect {
	if s.lookup == nil {
		return nil
	}

	var effects []Effect
	for {
		queries := s.lookup.NextQueries()
		if len(queries) == 0 {
			break
		}
		progressed := false
		for _, q := range queries {
			c, ok := s.PeerConn(q.ID)
			if !ok {
				s.lookup.Fail(q.ID)
				if ma, err := bnet.ParseMultiaddress(q.Addr); err == nil {
					if _, dialing := s.dials[q.Addr]; !dialing {
						s.dials[q.Addr] = &dialState{expected: ma.PeerID, since: now}
						effects = append(effects, DialEffect{Addr: ma})
					}
				}
				continue
			}
			s.nextQueryID++
			qid := s.nextQueryID
			s.queries[qid] = q.ID
			eff, err := s.sendDiscovery(c, &discovery.FindNode{
				QueryID: qid,
				Target:  s.lookup.Target().Bytes(),
			})
			if err != nil {
				effects = append(effects, s.requestClose(c, ReasonProtocolViolation))
				s.lookup.Fail(q.ID)
				continue
			}
			effects = append(effects, eff)
			progressed = true
		}
		if progressed {
			break
		}
	}

	if s.lookup.Done() {
		s.lookup = nil
	}
	return effects
}

func (s *NodeState) handleGossipFrame(c *Conn, payload []byte, now int64) []Effect {
	msg, err := gossip.DecodeMessage(payload)
	if err != nil {
		return []Effect{s.requestClose(c, ReasonProtocolViolation)}
	}

	switch m := msg.(type) {
	case *gossip.Subscribe:
		s.Gossip.HandleSubscribe(c.Peer, m.Topic)
		return nil

	case *gossip.Unsubscribe:
		s.Gossip.HandleUnsubscribe(c.Peer, m.Topic)
		return nil

	case *gossip.Envelope:
		res, err := s.Gossip.HandleEnvelope(c.Peer, m, now)
		if err != nil {
			return []Effect{DiagnosticEffect{Msg: "invalid gossip envelope: " + err.Error(), Conn: c.ID}}
		}

		var effects []Effect
		if res.Deliver {
			effects = append(effects, DeliverGossipEffect{
				Topic:   m.Topic,
				Payload: m.Payload,
				From:    m.Origin(),
			})
		}
		for _, peer := range res.Forward {
			fc, ok := s.PeerConn(peer)
			if !ok {
				continue
			}
			eff, err := s.sendGossip(fc, m)
			if err != nil {
				effects = append(effects, s.requestClose(fc, ReasonProtocolViolation))
				continue
			}
			effects = append(effects, eff)
		}
		return effects

	default:
		return []Effect{s.requestClose(c, ReasonProtocolViolation)}
	}
}

func (s *NodeState) handleRPCFrame(c *Conn, payload []byte, now int64) []Effect {
	msg, err := rpc.DecodeMessage(payload)
	if err != nil {
		return []Effect{s.requestClose(c, ReasonProtocolViolation)}
	}

	switch m := msg.(type) {
	case *rpc.Request:
		return []Effect{DeliverRequestEffect{Conn: c.ID, Peer: c.Peer, Request: m}}

	case *rpc.Response:
		out, next := s.Pending.HandleResponse(c.Peer, m, now)
		var effects []Effect
		if out != nil {
			effects = append(effects, s.completeOutcome(out)...)
		}
		if next != nil {
			eff, err := s.sendRPC(c, next)
			if err != nil {
				effects = append(effects, s.requestClose(c, ReasonProtocolViolation))
				return effects
			}
			effects = append(effects, eff)
		}
		return effects

	default:
		return []Effect{s.requestClose(c, ReasonProtocolViolation)}
	}
}

// completeOutcome pairs an rpc outcome with the caller's response channel.
func (s *NodeState) completeOutcome(out *rpc.Outcome) []Effect {
	ch := s.respCh[out.Token]
	delete(s.respCh, out.Token)
	return []Effect{CompleteRequestEffect{Outcome: out, Resp: ch}}
}

// requestClose transitions a connection to Closing and emits the close
// effect. Final cleanup happens when the transport confirms with ConnClosed.
func (s *NodeState) requestClose(c *Conn, reason CloseReason) Effect {
	if c.State == Closing || c.State == Closed {
		return DiagnosticEffect{Msg: "close already in progress", Conn: c.ID}
	}
	c.State = Closing
	c.Reason = reason
	return CloseConnEffect{Conn: c.ID, Reason: reason}
}

// sendDiscovery seals and frames a discovery message for a connection.
func (s *NodeState) sendDiscovery(c *Conn, msg interface{}) (Effect, error) {
	raw, err := discovery.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	return s.seal(c, bnet.ProtocolDiscovery, raw)
}

// sendGossip seals and frames a gossip message for a connection.
func (s *NodeState) sendGossip(c *Conn, msg interface{}) (Effect, error) {
	raw, err := gossip.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	return s.seal(c, bnet.ProtocolGossip, raw)
}

// sendRPC seals and frames an rpc message for a connection.
func (s *NodeState) sendRPC(c *Conn, msg interface{}) (Effect, error) {
	raw, err := rpc.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	return s.seal(c, bnet.ProtocolRPC, raw)
}

func (s *NodeState) seal(c *Conn, proto bnet.ProtocolID, payload []byte) (Effect, error) {
	frame := bnet.EncodeStreamFrame(bnet.StreamID(proto), proto, payload)
	sealed, err := c.Session.Seal(frame)
	if err != nil {
		return nil, err
	}
	c.BytesOut += uint64(len(sealed))
	return SendFrameEffect{Conn: c.ID, Frame: sealed}, nil
}

func castPeerID(raw []byte) ([32]byte, error) {
	var id [32]byte
	if len(raw) != len(id) {
		return id, fmt.Errorf("bad peer id length %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func sortConnIDs(ids []bnet.ConnID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func sortedBackoffAddrs(m map[string]*backoffState) []string {
	addrs := make([]string, 0, len(m))
	for a := range m {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	return addrs
}
