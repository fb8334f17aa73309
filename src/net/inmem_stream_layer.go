package net

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// InmemNetwork connects InmemStreamLayers together in memory. It is used in
// tests to run multi-node scenarios without touching the loopback interface,
// and to produce fully deterministic transport traffic for the record/replay
// harness. There is no global registry: tests construct a network explicitly
// and attach stream layers to it.
type InmemNetwork struct {
	l         sync.Mutex
	listeners map[string]*InmemStreamLayer
}

// NewInmemNetwork creates an empty in-memory network.
func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{
		listeners: make(map[string]*InmemStreamLayer),
	}
}

// NewStreamLayer attaches a new stream layer to the network under the given
// address.
func (n *InmemNetwork) NewStreamLayer(addr string) *InmemStreamLayer {
	n.l.Lock()
	defer n.l.Unlock()

	sl := &InmemStreamLayer{
		network:  n,
		addr:     addr,
		acceptCh: make(chan net.Conn),
		closeCh:  make(chan struct{}),
	}
	n.listeners[addr] = sl
	return sl
}

func (n *InmemNetwork) connect(target string, timeout time.Duration) (net.Conn, error) {
	n.l.Lock()
	sl, ok := n.listeners[target]
	n.l.Unlock()

	if !ok {
		return nil, fmt.Errorf("inmem: no listener at %s", target)
	}

	local, remote := net.Pipe()

	select {
	case sl.acceptCh <- remote:
		return local, nil
	case <-sl.closeCh:
		local.Close()
		remote.Close()
		return nil, fmt.Errorf("inmem: listener at %s closed", target)
	case <-time.After(timeout):
		local.Close()
		remote.Close()
		return nil, fmt.Errorf("inmem: dial to %s timed out", target)
	}
}

func (n *InmemNetwork) remove(addr string) {
	n.l.Lock()
	defer n.l.Unlock()
	delete(n.listeners, addr)
}

// InmemStreamLayer implements the StreamLayer interface over an InmemNetwork.
type InmemStreamLayer struct {
	network  *InmemNetwork
	addr     string
	acceptCh chan net.Conn
	closeCh  chan struct{}
	closeSeq sync.Once
}

// Dial implements the StreamLayer interface.
func (i *InmemStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return i.network.connect(address, timeout)
}

// Accept implements the net.Listener interface.
func (i *InmemStreamLayer) Accept() (net.Conn, error) {
	select {
	case conn := <-i.acceptCh:
		return conn, nil
	case <-i.closeCh:
		return nil, errors.New("inmem: stream layer closed")
	}
}

// Close implements the net.Listener interface.
func (i *InmemStreamLayer) Close() error {
	i.closeSeq.Do(func() {
		close(i.closeCh)
		i.network.remove(i.addr)
	})
	return nil
}

// Addr implements the net.Listener interface.
func (i *InmemStreamLayer) Addr() net.Addr {
	return inmemAddr(i.addr)
}

// AdvertiseAddr implements the StreamLayer interface.
func (i *InmemStreamLayer) AdvertiseAddr() string {
	return i.addr
}

// Scheme implements the StreamLayer interface.
func (i *InmemStreamLayer) Scheme() Scheme {
	return SchemeInmem
}

type inmemAddr string

func (a inmemAddr) Network() string { return "inmem" }
func (a inmemAddr) String() string  { return string(a) }
