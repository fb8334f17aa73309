package discovery

import (
	"github.com/braidnetworks/braid/src/crypto/keys"
)

const (
	// NumBuckets is the number of distance buckets: one per bit of a PeerID.
	NumBuckets = keys.PeerIDLength * 8

	// DefaultBucketSize is the default capacity of each bucket (the k
	// parameter of the lookup protocol).
	DefaultBucketSize = 20
)

// Entry is one routing table entry: a peer, its best-known multiaddress in
// string form, and the logical timestamp at which it was last seen.
type Entry struct {
	ID       keys.PeerID
	Addr     string
	LastSeen int64
}

// Table is the XOR-distance routing table. Buckets are ordered
// least-recently-seen first; when a bucket is full, the least-recently-seen
// entry is evicted. The table is a plain data structure owned by the
// dispatch loop and is never accessed concurrently.
type Table struct {
	local   keys.PeerID
	k       int
	buckets [NumBuckets][]Entry
	size    int
}

// NewTable creates an empty routing table centred on the local identifier.
// A k of zero selects DefaultBucketSize.
func NewTable(local keys.PeerID, k int) *Table {
	if k <= 0 {
		k = DefaultBucketSize
	}
	return &Table{
		local: local,
		k:     k,
	}
}

// Local returns the identifier the table is centred on.
func (t *Table) Local() keys.PeerID {
	return t.local
}

// K returns the bucket capacity.
func (t *Table) K() int {
	return t.k
}

// Size returns the total number of entries.
func (t *Table) Size() int {
	return t.size
}

// Add inserts or refreshes an entry. A known peer is moved to the
// most-recently-seen end of its bucket and its address updated. When the
// bucket is full the least-recently-seen entry is evicted. Adding the local
// id is a no-op. It returns the evicted entry, if any.
func (t *Table) Add(id keys.PeerID, addr string, now int64) (evicted *Entry) {
	if id == t.local || id.IsZero() {
		return nil
	}

	idx := XORDistance(id, t.local).BucketIndex()
	bucket := t.buckets[idx]

	for i := range bucket {
		if bucket[i].ID == id {
			// refresh: move to tail
			entry := bucket[i]
			entry.Addr = addr
			entry.LastSeen = now
			bucket = append(append(bucket[:i:i], bucket[i+1:]...), entry)
			t.buckets[idx] = bucket
			return nil
		}
	}

	entry := Entry{ID: id, Addr: addr, LastSeen: now}

	if len(bucket) >= t.k {
		old := bucket[0]
		bucket = append(bucket[1:len(bucket):len(bucket)], entry)
		t.buckets[idx] = bucket
		return &old
	}

	t.buckets[idx] = append(bucket, entry)
	t.size++
	return nil
}

// Remove deletes a peer from the table.
func (t *Table) Remove(id keys.PeerID) bool {
	idx := XORDistance(id, t.local).BucketIndex()
	bucket := t.buckets[idx]

	for i := range bucket {
		if bucket[i].ID == id {
			t.buckets[idx] = append(bucket[:i:i], bucket[i+1:]...)
			t.size--
			return true
		}
	}
	return false
}

// Get returns the entry for a peer, if present.
func (t *Table) Get(id keys.PeerID) (Entry, bool) {
	idx := XORDistance(id, t.local).BucketIndex()
	for _, e := range t.buckets[idx] {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Closest returns up to n entries closest to target, ordered by XOR
// distance. The result is deterministic for a given table state.
func (t *Table) Closest(target keys.PeerID, n int) []Entry {
	all := t.Entries()

	ids := make([]keys.PeerID, len(all))
	byID := make(map[keys.PeerID]Entry, len(all))
	for i, e := range all {
		ids[i] = e.ID
		byID[e.ID] = e
	}

	SortByDistance(ids, target)

	if n > len(ids) {
		n = len(ids)
	}

	res := make([]Entry, n)
	for i := 0; i < n; i++ {
		res[i] = byID[ids[i]]
	}
	return res
}

// Entries returns all entries in bucket order, least-recently-seen first
// within each bucket.
func (t *Table) Entries() []Entry {
	res := make([]Entry, 0, t.size)
	for i := range t.buckets {
		res = append(res, t.buckets[i]...)
	}
	return res
}

// EvictStale removes entries whose LastSeen is older than cutoff, returning
// the removed entries in bucket order.
func (t *Table) EvictStale(cutoff int64) []Entry {
	var stale []Entry
	for i := range t.buckets {
		kept := t.buckets[i][:0]
		for _, e := range t.buckets[i] {
			if e.LastSeen < cutoff {
				stale = append(stale, e)
				t.size--
			} else {
				kept = append(kept, e)
			}
		}
		t.buckets[i] = kept
	}
	return stale
}
