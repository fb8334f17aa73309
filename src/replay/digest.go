package replay

import (
	"bytes"
	"fmt"
	"sort"

	bcrypto "github.com/braidnetworks/braid/src/crypto"
	"github.com/braidnetworks/braid/src/machine"
)

// digestConn is the canonical form of one connection for digesting.
type digestConn struct {
	ID    uint64
	Addr  string
	State string
	Peer  string
}

// digestEntry is the canonical form of one routing table entry.
type digestEntry struct {
	ID       string
	Addr     string
	LastSeen int64
}

// canonicalState is the deterministic projection of a NodeState. Everything
// in it is either sorted or scalar, so its encoding is stable.
type canonicalState struct {
	Local         string
	Listening     bool
	AdvertiseAddr string
	Conns         []digestConn
	Table         []digestEntry
	Topics        []string
	PendingRPC    int
	QueuedRPC     int
}

// Digest computes a SHA256 summary of the replay-relevant state. Two runs
// that processed the same action sequence produce the same digest.
func Digest(s *machine.NodeState) []byte {
	cs := canonicalState{
		Local:         s.Local.String(),
		Listening:     s.Listening,
		AdvertiseAddr: s.AdvertiseAddr,
		Topics:        s.Gossip.Topics(),
		PendingRPC:    s.Pending.Len(),
		QueuedRPC:     s.Pending.Queued(),
	}

	for _, c := range s.OpenConns() {
		cs.Conns = append(cs.Conns, digestConn{
			ID:    uint64(c.ID),
			Addr:  c.Addr,
			State: c.State.String(),
			Peer:  c.Peer.String(),
		})
	}

	entries := s.Table.Entries()
	for _, e := range entries {
		cs.Table = append(cs.Table, digestEntry{
			ID:       e.ID.String(),
			Addr:     e.Addr,
			LastSeen: e.LastSeen,
		})
	}
	sort.Slice(cs.Table, func(i, j int) bool { return cs.Table[i].ID < cs.Table[j].ID })

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%+v", cs)
	return bcrypto.SHA256(buf.Bytes())
}

// DigestHex returns the digest as a hex string for logs and test failures.
func DigestHex(s *machine.NodeState) string {
	return fmt.Sprintf("%x", Digest(s))
}
