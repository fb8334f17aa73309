package node

import (
	"crypto/ecdsa"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/braidnetworks/braid/src/crypto/keys"
	"github.com/braidnetworks/braid/src/crypto/session"
	"github.com/braidnetworks/braid/src/discovery"
	"github.com/braidnetworks/braid/src/gossip"
	"github.com/braidnetworks/braid/src/machine"
	bnet "github.com/braidnetworks/braid/src/net"
	"github.com/braidnetworks/braid/src/replay"
	"github.com/braidnetworks/braid/src/rpc"
)

// Config carries everything a Node needs besides its transport.
type Config struct {
	Identity   *ecdsa.PrivateKey
	NetworkKey []byte
	Policy     session.AuthPolicy
	Options    machine.Options

	// HeartbeatTimeout is the tick period of the dispatch loop.
	HeartbeatTimeout time.Duration

	// Seeds are dialed at startup, alongside any persisted peers.
	Seeds []bnet.Multiaddress

	Logger *logrus.Entry
}

// Message is one gossip payload delivered to a subscriber.
type Message struct {
	Topic   string
	Payload []byte
	From    keys.PeerID
}

// RequestHandler answers inbound rpc requests. It runs outside the dispatch
// loop and may block.
type RequestHandler func(from keys.PeerID, req *rpc.Request) *rpc.Response

// RPCPromise resolves an outgoing call.
type RPCPromise struct {
	// RespCh is buffered so a caller that went away does not block the
	// effect executor.
	RespCh chan *rpc.Outcome
}

// Node owns the dispatch loop. It is the sole writer of the machine state:
// every input, transport event, timer tick, or API call, becomes an action
// applied in one total order.
type Node struct {
	conf   Config
	logger *logrus.Entry

	trans    *bnet.Transport
	store    *discovery.BadgerPeerStore
	recorder *replay.Recorder
	replayer *replay.Replayer

	state        *machine.NodeState
	actionCh     chan machine.Action
	controlTimer *ControlTimer

	hsLock     sync.Mutex
	handshakes map[bnet.ConnID]*handshakeWorker

	subsLock sync.Mutex
	subs     map[string][]chan Message

	handler RequestHandler

	stats   atomic.Value
	peers   atomic.Value
	routing atomic.Value

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	doneCh       chan struct{}
}

// NewNode wires a node together. The store and recorder may be nil.
func NewNode(conf Config, trans *bnet.Transport, store *discovery.BadgerPeerStore, recorder *replay.Recorder) *Node {
	local := keys.PeerIDFromPublicKey(&conf.Identity.PublicKey)

	logger := conf.Logger
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}
	logger = logger.WithField("this_id", local.Short())

	n := &Node{
		conf:         conf,
		logger:       logger,
		trans:        trans,
		store:        store,
		recorder:     recorder,
		state:        machine.NewNodeState(local, conf.Options),
		actionCh:     make(chan machine.Action, 256),
		controlTimer: NewPeriodicControlTimer(),
		handshakes:   make(map[bnet.ConnID]*handshakeWorker),
		subs:         make(map[string][]chan Message),
		shutdownCh:   make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	n.stats.Store(n.state.Snapshot())
	return n
}

// ID returns the local peer id.
func (n *Node) ID() keys.PeerID {
	return n.state.Local
}

// SetRequestHandler installs the application's rpc handler. It must be called
// before Run.
func (n *Node) SetRequestHandler(h RequestHandler) {
	n.handler = h
}

// Init dials the configured seeds and any peers persisted from a previous
// run.
func (n *Node) Init() error {
	now := time.Now().UnixNano()

	for _, seed := range n.conf.Seeds {
		n.enqueue(machine.DialAction{Addr: seed, Now: now})
	}

	if n.store != nil {
		entries, err := n.store.LoadAll(now)
		if err != nil {
			n.logger.WithField("error", err).Warn("peer store unreadable, starting memory-only")
			return nil
		}
		for _, e := range entries {
			ma, err := bnet.ParseMultiaddress(e.Addr)
			if err != nil {
				continue
			}
			n.enqueue(machine.DialAction{Addr: ma, Now: now})
		}
		n.logger.WithField("peers", len(entries)).Debug("loaded persisted peers")
	}

	return nil
}

// SetReplayer puts the node in replay mode: Run feeds the recorded transport
// events through the dispatch loop in place of live I/O. It must be called
// before Run.
func (n *Node) SetReplayer(r *replay.Replayer) {
	n.replayer = r
}

// RunAsync calls Run on its own goroutine.
func (n *Node) RunAsync() {
	go n.Run()
}

// Run executes the dispatch loop until Shutdown. It is the only goroutine
// that touches the machine state. In replay mode the loop is driven by the
// recorded log instead and returns when the log is exhausted.
func (n *Node) Run() {
	if n.replayer != nil {
		n.runReplay()
		return
	}

	go n.controlTimer.Run(n.conf.HeartbeatTimeout)
	go n.trans.Listen()

	events := n.trans.Consumer()

	for {
		select {
		case ev := <-events:
			now := time.Now().UnixNano()
			if n.recorder != nil {
				if err := n.recorder.RecordEvent(ev, now); err != nil {
					n.logger.WithField("error", err).Error("record append failed")
				}
			}
			if ev.Type == bnet.EventConnClosed {
				n.stopHandshake(ev.Conn)
			}
			n.dispatch(machine.TransportAction{Event: ev, Now: now})

		case <-n.controlTimer.tickCh:
			n.dispatch(machine.TickAction{Now: time.Now().UnixNano()})

		case a := <-n.actionCh:
			n.dispatch(a)
		}

		if n.state.Shutdown() {
			n.teardown()
			return
		}
	}
}

// runReplay drives the dispatch loop from the recorded log. Each inbound
// record becomes a TransportAction stamped with the recorded wall clock;
// outbound records are informational and skipped. The final state digest is
// logged so two runs of the same log can be compared.
func (n *Node) runReplay() {
	n.logger.Info("replaying recorded transport events")

	count := 0
	for {
		rec, err := n.replayer.NextIn()
		if err == io.EOF {
			break
		}
		if err != nil {
			n.logger.WithField("error", err).Error("replay log read failed")
			break
		}
		n.dispatch(machine.TransportAction{Event: rec.Event(), Now: rec.WallNanos})
		count++
	}

	n.logger.WithFields(logrus.Fields{
		"events": count,
		"digest": replay.DigestHex(n.state),
	}).Info("replay complete")

	n.teardown()
}

// dispatch applies one action, executes the resulting effects, and refreshes
// the read-only snapshots served to other goroutines.
func (n *Node) dispatch(a machine.Action) {
	effects := machine.Dispatch(n.state, a)
	for _, eff := range effects {
		n.execute(eff)
	}

	n.stats.Store(n.state.Snapshot())

	peers := []PeerInfo{}
	for _, c := range n.state.OpenConns() {
		peers = append(peers, PeerInfo{
			ID:       c.Peer.String(),
			Addr:     c.Addr,
			State:    c.State.String(),
			BytesIn:  c.BytesIn,
			BytesOut: c.BytesOut,
		})
	}
	n.peers.Store(peers)
	n.routing.Store(n.state.Table.Entries())
}

func (n *Node) execute(eff machine.Effect) {
	if n.replayer != nil {
		// during replay there is no live peer to talk to and no session
		// randomness to reproduce; the log carries the observable consequences
		// of these effects as inbound events
		switch eff.(type) {
		case machine.SendFrameEffect, machine.DialEffect, machine.CloseConnEffect,
			machine.StartHandshakeEffect, machine.FeedHandshakeEffect:
			return
		}
	}

	switch e := eff.(type) {
	case machine.SendFrameEffect:
		if err := n.trans.WriteFrame(e.Conn, e.Frame); err != nil {
			n.logger.WithFields(logrus.Fields{"conn": e.Conn, "error": err}).Debug("write failed")
			return
		}
		if n.recorder != nil {
			n.recorder.RecordSend(e.Conn, e.Frame, time.Now().UnixNano())
		}

	case machine.DialEffect:
		go n.trans.Dial(e.Addr)

	case machine.CloseConnEffect:
		n.stopHandshake(e.Conn)
		if err := n.trans.CloseConn(e.Conn); err != nil {
			n.logger.WithFields(logrus.Fields{"conn": e.Conn, "error": err}).Debug("close failed")
		}

	case machine.StartHandshakeEffect:
		n.startHandshake(e.Conn, e.Initiator, e.Expected)

	case machine.FeedHandshakeEffect:
		n.feedHandshake(e.Conn, e.Payload)

	case machine.DeliverGossipEffect:
		n.deliverGossip(e)

	case machine.DeliverRequestEffect:
		n.deliverRequest(e)

	case machine.CompleteRequestEffect:
		if e.Resp != nil {
			select {
			case e.Resp <- e.Outcome:
			default:
			}
		}

	case machine.WipeSessionEffect:
		e.Session.Wipe()

	case machine.SavePeerEffect:
		if n.store != nil {
			if err := n.store.Save(e.Entry); err != nil {
				n.logger.WithField("error", err).Warn("peer store write failed")
			}
		}

	case machine.DropPeerEffect:
		if n.store != nil {
			if err := n.store.Delete(e.Peer); err != nil {
				n.logger.WithField("error", err).Warn("peer store delete failed")
			}
		}

	case machine.DiagnosticEffect:
		n.logger.WithField("conn", e.Conn).Debug(e.Msg)

	case machine.ShutdownDoneEffect:
		// teardown happens in Run once the loop drains

	default:
		n.logger.Errorf("unknown effect %T", eff)
	}
}

// deliverGossip fans a message out to the topic's subscribers. The lock is
// held across the sends so a concurrent Unsubscribe cannot close a channel
// mid-delivery; the sends never block, so the loop cannot stall on it.
func (n *Node) deliverGossip(e machine.DeliverGossipEffect) {
	msg := Message{Topic: e.Topic, Payload: e.Payload, From: e.From}

	n.subsLock.Lock()
	defer n.subsLock.Unlock()

	for _, ch := range n.subs[e.Topic] {
		select {
		case ch <- msg:
		default:
			// slow subscribers lose messages rather than stall the loop
		}
	}
}

func (n *Node) deliverRequest(e machine.DeliverRequestEffect) {
	h := n.handler
	if h == nil {
		n.enqueue(machine.RespondAction{
			Conn: e.Conn,
			Response: &rpc.Response{
				CorrelationID: e.Request.CorrelationID,
				Status:        rpc.StatusUnsupported,
			},
		})
		return
	}

	go func() {
		resp := h(e.Peer, e.Request)
		if resp == nil {
			resp = &rpc.Response{
				CorrelationID: e.Request.CorrelationID,
				Status:        rpc.StatusError,
			}
		}
		resp.CorrelationID = e.Request.CorrelationID
		n.enqueue(machine.RespondAction{Conn: e.Conn, Response: resp})
	}()
}

// enqueue posts an action to the dispatch loop.
func (n *Node) enqueue(a machine.Action) {
	select {
	case n.actionCh <- a:
	case <-n.shutdownCh:
	}
}

// Dial connects to a multiaddress.
func (n *Node) Dial(addr string) error {
	ma, err := bnet.ParseMultiaddress(addr)
	if err != nil {
		return err
	}
	n.enqueue(machine.DialAction{Addr: ma, Now: time.Now().UnixNano()})
	return nil
}

// Subscribe registers interest in a topic and returns the delivery channel.
func (n *Node) Subscribe(topic string) <-chan Message {
	ch := make(chan Message, 64)
	n.subsLock.Lock()
	n.subs[topic] = append(n.subs[topic], ch)
	n.subsLock.Unlock()

	n.enqueue(machine.SubscribeAction{Topic: topic})
	return ch
}

// Unsubscribe withdraws the topic subscription and closes its channels. The
// channels are closed under the same lock deliverGossip sends under, so no
// delivery can hit a closed channel.
func (n *Node) Unsubscribe(topic string) {
	n.subsLock.Lock()
	for _, ch := range n.subs[topic] {
		close(ch)
	}
	delete(n.subs, topic)
	n.subsLock.Unlock()

	n.enqueue(machine.UnsubscribeAction{Topic: topic})
}

// Publish signs a payload under the local identity and disseminates it.
func (n *Node) Publish(topic string, payload []byte) error {
	env, err := gossip.NewEnvelope(n.conf.Identity, topic, payload)
	if err != nil {
		return fmt.Errorf("signing envelope: %v", err)
	}
	n.enqueue(machine.PublishAction{Envelope: env, Now: time.Now().UnixNano()})
	return nil
}

// Request starts a correlated call and returns its promise.
func (n *Node) Request(peer keys.PeerID, kind string, payload []byte) *RPCPromise {
	p := &RPCPromise{RespCh: make(chan *rpc.Outcome, 2)}
	n.enqueue(machine.RequestAction{
		Peer:    peer,
		Kind:    kind,
		Payload: payload,
		Resp:    p.RespCh,
		Now:     time.Now().UnixNano(),
	})
	return p
}

// Stats returns the latest state snapshot.
func (n *Node) Stats() machine.Stats {
	return n.stats.Load().(machine.Stats)
}

// Ready reports the liveness predicate from the latest snapshot.
func (n *Node) Ready() bool {
	return n.Stats().Ready
}

// PeerInfo describes one authenticated connection in API snapshots.
type PeerInfo struct {
	ID       string `json:"id"`
	Addr     string `json:"addr"`
	State    string `json:"state"`
	BytesIn  uint64 `json:"bytes_in"`
	BytesOut uint64 `json:"bytes_out"`
}

// Peers returns the authenticated connections from the latest dispatch.
func (n *Node) Peers() []PeerInfo {
	if v := n.peers.Load(); v != nil {
		return v.([]PeerInfo)
	}
	return nil
}

// RoutingTable returns the routing table entries from the latest dispatch.
func (n *Node) RoutingTable() []discovery.Entry {
	if v := n.routing.Load(); v != nil {
		return v.([]discovery.Entry)
	}
	return nil
}

// Shutdown stops the dispatch loop, closes every connection, and flushes the
// peer store. It blocks until the loop has exited.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.actionCh <- machine.ShutdownAction{}
		close(n.shutdownCh)
	})
	<-n.doneCh
}

func (n *Node) teardown() {
	n.logger.Debug("node teardown")

	n.controlTimer.Shutdown()
	n.trans.Close()

	n.hsLock.Lock()
	for id, w := range n.handshakes {
		close(w.quitCh)
		delete(n.handshakes, id)
	}
	n.hsLock.Unlock()

	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.WithField("error", err).Warn("peer store close failed")
		}
	}

	close(n.doneCh)
}
