package machine

import (
	"sort"
	"time"

	"github.com/braidnetworks/braid/src/crypto/keys"
	"github.com/braidnetworks/braid/src/discovery"
	"github.com/braidnetworks/braid/src/gossip"
	bnet "github.com/braidnetworks/braid/src/net"
	"github.com/braidnetworks/braid/src/rpc"
)

// Options are the tunables of the state machine. All durations are
// nanoseconds so they compare directly against action timestamps.
type Options struct {
	MaxConns         int
	HandshakeTimeout int64

	RPCTimeout     int64
	RPCRetries     int
	RPCMaxInFlight int
	RPCQueueCap    int

	MeshDegree int
	SeenTTL    int64

	BucketSize   int
	StaleAfter   int64
	RefreshEvery int64

	BackoffBase int64
	BackoffMax  int64

	// BlacklistAuthFail permanently bans an address after a handshake
	// authentication failure instead of backing off.
	BlacklistAuthFail bool
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxConns:         64,
		HandshakeTimeout: int64(10 * time.Second),
		RPCTimeout:       int64(5 * time.Second),
		RPCRetries:       rpc.DefaultRetries,
		RPCMaxInFlight:   rpc.DefaultMaxInFlight,
		RPCQueueCap:      rpc.DefaultQueueCap,
		MeshDegree:       gossip.MeshDegree,
		SeenTTL:          int64(2 * time.Minute),
		BucketSize:       discovery.DefaultBucketSize,
		StaleAfter:       int64(30 * time.Minute),
		RefreshEvery:     int64(1 * time.Minute),
		BackoffBase:      int64(2 * time.Second),
		BackoffMax:       int64(5 * time.Minute),
	}
}

// dialState tracks one outstanding dial keyed by the dialed multiaddress.
type dialState struct {
	expected keys.PeerID
	since    int64
}

// backoffState tracks dial failures per address.
type backoffState struct {
	failures    int
	nextAttempt int64
	blacklisted bool
}

// NodeState is the single mutable root of the node. Only the dispatch loop
// writes it.
type NodeState struct {
	Local keys.PeerID
	opts  Options

	Listening     bool
	AdvertiseAddr string

	conns  map[bnet.ConnID]*Conn
	byPeer map[keys.PeerID]bnet.ConnID

	dials   map[string]*dialState
	backoff map[string]*backoffState

	Table   *discovery.Table
	Gossip  *gossip.State
	Pending *rpc.Pending

	// lookup is the single active discovery lookup, nil when idle. queries
	// maps outstanding FindNode query ids to the queried peer.
	lookup      *discovery.Lookup
	queries     map[uint64]keys.PeerID
	nextQueryID uint64

	// respCh maps rpc call tokens to the caller's response channel.
	respCh map[uint64]chan *rpc.Outcome

	lastRefresh   int64
	refreshBucket int
	shutdown      bool
}

// NewNodeState creates the initial state for a node with the given identity.
func NewNodeState(local keys.PeerID, opts Options) *NodeState {
	return &NodeState{
		Local:   local,
		opts:    opts,
		conns:   make(map[bnet.ConnID]*Conn),
		byPeer:  make(map[keys.PeerID]bnet.ConnID),
		dials:   make(map[string]*dialState),
		backoff: make(map[string]*backoffState),
		Table:   discovery.NewTable(local, opts.BucketSize),
		Gossip:  gossip.NewState(local, opts.MeshDegree),
		Pending: rpc.NewPending(opts.RPCTimeout, opts.RPCRetries, opts.RPCMaxInFlight, opts.RPCQueueCap),
		queries: make(map[uint64]keys.PeerID),
		respCh:  make(map[uint64]chan *rpc.Outcome),
	}
}

// Conn returns the connection entry for an id.
func (s *NodeState) Conn(id bnet.ConnID) (*Conn, bool) {
	c, ok := s.conns[id]
	return c, ok
}

// PeerConn returns the open connection to a peer.
func (s *NodeState) PeerConn(peer keys.PeerID) (*Conn, bool) {
	id, ok := s.byPeer[peer]
	if !ok {
		return nil, false
	}
	c, ok := s.conns[id]
	if !ok || !c.open() {
		return nil, false
	}
	return c, true
}

// OpenConns returns all authenticated connections ordered by id.
func (s *NodeState) OpenConns() []*Conn {
	var res []*Conn
	for _, c := range s.conns {
		if c.open() {
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// NumOpen returns the number of authenticated connections.
func (s *NodeState) NumOpen() int {
	n := 0
	for _, c := range s.conns {
		if c.open() {
			n++
		}
	}
	return n
}

// Ready reports the liveness predicate: the node listens, knows at least one
// routing table entry, and holds at least one authenticated connection.
func (s *NodeState) Ready() bool {
	return s.Listening && s.Table.Size() > 0 && s.NumOpen() > 0
}

// Shutdown reports whether a ShutdownAction was processed.
func (s *NodeState) Shutdown() bool {
	return s.shutdown
}

// Stats is a point-in-time snapshot of the node's public counters.
type Stats struct {
	PeerID        string   `json:"peer_id"`
	AdvertiseAddr string   `json:"advertise_addr"`
	Listening     bool     `json:"listening"`
	NumConns      int      `json:"num_conns"`
	NumOpen       int      `json:"num_open"`
	TableSize     int      `json:"table_size"`
	PendingRPC    int      `json:"pending_rpc"`
	QueuedRPC     int      `json:"queued_rpc"`
	Topics        []string `json:"topics"`
	Ready         bool     `json:"ready"`
}

// Snapshot builds a Stats from the current state.
func (s *NodeState) Snapshot() Stats {
	return Stats{
		PeerID:        s.Local.String(),
		AdvertiseAddr: s.AdvertiseAddr,
		Listening:     s.Listening,
		NumConns:      len(s.conns),
		NumOpen:       s.NumOpen(),
		TableSize:     s.Table.Size(),
		PendingRPC:    s.Pending.Len(),
		QueuedRPC:     s.Pending.Queued(),
		Topics:        s.Gossip.Topics(),
		Ready:         s.Ready(),
	}
}

// addConn registers a new connection entry.
func (s *NodeState) addConn(c *Conn) {
	s.conns[c.ID] = c
}

// dropConn transitions a connection to Closed and unlinks its peer mapping.
func (s *NodeState) dropConn(c *Conn, reason CloseReason) {
	if c.State == Closed {
		return
	}
	c.State = Closed
	if c.Reason == ReasonNone {
		c.Reason = reason
	}
	if id, ok := s.byPeer[c.Peer]; ok && id == c.ID {
		delete(s.byPeer, c.Peer)
	}
}

// backoffFor returns (creating if needed) the backoff entry of an address.
func (s *NodeState) backoffFor(addr string) *backoffState {
	b, ok := s.backoff[addr]
	if !ok {
		b = &backoffState{}
		s.backoff[addr] = b
	}
	return b
}
