package discovery

import (
	"github.com/braidnetworks/braid/src/crypto/keys"
)

const (
	// DefaultAlpha is the number of parallel queries per lookup round.
	DefaultAlpha = 3

	// DefaultQueryBudget bounds the total number of queries a single lookup
	// may issue. Lookups converge because every round strictly improves the
	// closest-distance frontier, but a budget caps pathological topologies.
	DefaultQueryBudget = 64
)

// candidate tracks the query status of one peer within a lookup.
type candidate struct {
	addr    string
	queried bool
	failed  bool
}

// Lookup is the state of one iterative find-peers query. It is pure
// bookkeeping: the state machine asks NextQueries for the peers to contact,
// emits query effects, and feeds answers back through Update. The lookup
// terminates when no closer peers are being learned or the query budget is
// exhausted.
type Lookup struct {
	target     keys.PeerID
	k          int
	alpha      int
	budget     int
	issued     int
	inFlight   int
	candidates map[keys.PeerID]*candidate
}

// NewLookup starts a lookup for target seeded with the closest entries
// currently in the routing table.
func NewLookup(target keys.PeerID, seeds []Entry, k, alpha, budget int) *Lookup {
	if k <= 0 {
		k = DefaultBucketSize
	}
	if alpha <= 0 {
		alpha = DefaultAlpha
	}
	if budget <= 0 {
		budget = DefaultQueryBudget
	}

	l := &Lookup{
		target:     target,
		k:          k,
		alpha:      alpha,
		budget:     budget,
		candidates: make(map[keys.PeerID]*candidate),
	}

	for _, e := range seeds {
		l.candidates[e.ID] = &candidate{addr: e.Addr}
	}

	return l
}

// Target returns the identifier being looked up.
func (l *Lookup) Target() keys.PeerID {
	return l.target
}

// NextQueries returns up to alpha peers to query next: the closest known
// candidates that have not been queried yet. The selection is deterministic.
// The returned peers are marked queried.
func (l *Lookup) NextQueries() []Entry {
	if l.issued >= l.budget {
		return nil
	}

	ids := make([]keys.PeerID, 0, len(l.candidates))
	for id, c := range l.candidates {
		if !c.queried {
			ids = append(ids, id)
		}
	}
	SortByDistance(ids, l.target)

	n := l.alpha - l.inFlight
	if n <= 0 {
		return nil
	}
	if n > len(ids) {
		n = len(ids)
	}
	if l.issued+n > l.budget {
		n = l.budget - l.issued
	}

	queries := make([]Entry, 0, n)
	for _, id := range ids[:n] {
		c := l.candidates[id]
		c.queried = true
		l.issued++
		l.inFlight++
		queries = append(queries, Entry{ID: id, Addr: c.addr})
	}
	return queries
}

// Update records the answer from one queried peer and merges newly learned
// candidates. It returns the entries that were new to this lookup, in the
// order they appeared in the answer.
func (l *Lookup) Update(from keys.PeerID, learned []Entry) []Entry {
	if c, ok := l.candidates[from]; ok && c.queried && !c.failed {
		l.inFlight--
	}

	var fresh []Entry
	for _, e := range learned {
		if e.ID.IsZero() {
			continue
		}
		if _, ok := l.candidates[e.ID]; ok {
			continue
		}
		l.candidates[e.ID] = &candidate{addr: e.Addr}
		fresh = append(fresh, e)
	}
	return fresh
}

// Fail records that a queried peer did not answer (timeout or connection
// loss), freeing its query slot.
func (l *Lookup) Fail(from keys.PeerID) {
	if c, ok := l.candidates[from]; ok && c.queried && !c.failed {
		c.failed = true
		l.inFlight--
	}
}

// Done reports whether the lookup has terminated: nothing is in flight and
// either every useful candidate has been queried or the budget is spent.
func (l *Lookup) Done() bool {
	if l.inFlight > 0 {
		return false
	}
	if l.issued >= l.budget {
		return true
	}
	for _, c := range l.candidates {
		if !c.queried {
			return false
		}
	}
	return true
}

// Result returns the k closest responsive candidates found, ordered by
// distance to the target.
func (l *Lookup) Result() []Entry {
	ids := make([]keys.PeerID, 0, len(l.candidates))
	for id, c := range l.candidates {
		if c.failed {
			continue
		}
		ids = append(ids, id)
	}
	SortByDistance(ids, l.target)

	if len(ids) > l.k {
		ids = ids[:l.k]
	}

	res := make([]Entry, len(ids))
	for i, id := range ids {
		res[i] = Entry{ID: id, Addr: l.candidates[id].addr}
	}
	return res
}
