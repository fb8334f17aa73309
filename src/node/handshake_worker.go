package node

import (
	"time"

	"github.com/braidnetworks/braid/src/crypto/keys"
	"github.com/braidnetworks/braid/src/crypto/session"
	"github.com/braidnetworks/braid/src/machine"
	bnet "github.com/braidnetworks/braid/src/net"
)

// handshakeWorker drives one handshake exchange on its own goroutine. The
// state machine never touches handshake crypto: it forwards inbound handshake
// frames here and receives the result as an action. Outbound handshake frames
// are written straight to the transport; they are the only frames sent in
// clear.
type handshakeWorker struct {
	conn      bnet.ConnID
	initiator bool
	expected  keys.PeerID
	hs        *session.Handshake
	inCh      chan []byte
	quitCh    chan struct{}
}

// startHandshake creates the worker and begins the exchange.
func (n *Node) startHandshake(conn bnet.ConnID, initiator bool, expected keys.PeerID) {
	hs, err := session.New(session.Config{
		Identity:      n.conf.Identity,
		NetworkKey:    n.conf.NetworkKey,
		Policy:        n.conf.Policy,
		AdvertiseAddr: n.trans.AdvertiseAddr(),
	}, initiator)
	if err != nil {
		n.enqueue(machine.HandshakeFailedAction{Conn: conn, Err: err.Error()})
		return
	}

	w := &handshakeWorker{
		conn:      conn,
		initiator: initiator,
		expected:  expected,
		hs:        hs,
		inCh:      make(chan []byte, 4),
		quitCh:    make(chan struct{}),
	}

	n.hsLock.Lock()
	n.handshakes[conn] = w
	n.hsLock.Unlock()

	go w.run(n)
}

// feedHandshake routes an inbound handshake frame to the worker.
func (n *Node) feedHandshake(conn bnet.ConnID, payload []byte) {
	n.hsLock.Lock()
	w, ok := n.handshakes[conn]
	n.hsLock.Unlock()
	if !ok {
		return
	}
	select {
	case w.inCh <- payload:
	default:
		// a peer flooding handshake frames gets them dropped; the machine
		// will time the handshake out
	}
}

// stopHandshake tears the worker down, if one is still running.
func (n *Node) stopHandshake(conn bnet.ConnID) {
	n.hsLock.Lock()
	w, ok := n.handshakes[conn]
	if ok {
		delete(n.handshakes, conn)
	}
	n.hsLock.Unlock()
	if ok {
		close(w.quitCh)
	}
}

func (w *handshakeWorker) run(n *Node) {
	timeout := time.Duration(n.conf.Options.HandshakeTimeout)
	deadline := time.After(timeout)

	fail := func(err error) {
		n.enqueue(machine.HandshakeFailedAction{Conn: w.conn, Err: err.Error()})
	}

	send := func(payload []byte) bool {
		frame := bnet.EncodeStreamFrame(0, bnet.ProtocolHandshake, payload)
		if err := n.trans.WriteFrame(w.conn, frame); err != nil {
			fail(err)
			return false
		}
		return true
	}

	recv := func() ([]byte, bool) {
		select {
		case payload := <-w.inCh:
			return payload, true
		case <-deadline:
			return nil, false
		case <-w.quitCh:
			return nil, false
		}
	}

	// Both sides send a Hello; the initiator speaks first. Once both Hellos
	// are consumed the session keys exist and each side sends its sealed
	// Auth.
	if w.initiator {
		hello, err := w.hs.HelloMessage()
		if err != nil {
			fail(err)
			return
		}
		if !send(hello) {
			return
		}
	}

	remoteHello, ok := recv()
	if !ok {
		return
	}
	if err := w.hs.ConsumeHello(remoteHello); err != nil {
		fail(err)
		return
	}

	if !w.initiator {
		hello, err := w.hs.HelloMessage()
		if err != nil {
			fail(err)
			return
		}
		if !send(hello) {
			return
		}
	}

	auth, err := w.hs.AuthMessage()
	if err != nil {
		fail(err)
		return
	}
	if !send(auth) {
		return
	}

	remoteAuth, ok := recv()
	if !ok {
		return
	}
	peer, err := w.hs.ConsumeAuth(remoteAuth, w.expected)
	if err != nil {
		fail(err)
		return
	}

	n.enqueue(machine.HandshakeSucceededAction{
		Conn:          w.conn,
		Peer:          peer,
		Session:       w.hs.Session(),
		AdvertiseAddr: w.hs.RemoteAddr(),
		Now:           time.Now().UnixNano(),
	})
}
