package discovery

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/braidnetworks/braid/src/crypto/keys"
)

func TestLookupConvergence(t *testing.T) {
	target := testID(0x01)

	// a small static network where every node knows its numeric neighbours
	network := map[keys.PeerID][]Entry{
		testID(0x10): {{ID: testID(0x08), Addr: "tcp://h:1"}},
		testID(0x08): {{ID: testID(0x04), Addr: "tcp://d:1"}},
		testID(0x04): {{ID: testID(0x02), Addr: "tcp://b:1"}},
		testID(0x02): {{ID: testID(0x01), Addr: "tcp://a:1"}},
		testID(0x01): {},
	}

	seeds := []Entry{{ID: testID(0x10), Addr: "tcp://p:1"}}
	l := NewLookup(target, seeds, 20, 1, 0)

	rounds := 0
	for !l.Done() {
		rounds++
		if rounds > 20 {
			t.Fatal("lookup did not converge")
		}
		queries := l.NextQueries()
		if len(queries) == 0 {
			t.Fatal("lookup stalled with no queries and not done")
		}
		for _, q := range queries {
			l.Update(q.ID, network[q.ID])
		}
	}

	res := l.Result()
	if len(res) == 0 {
		t.Fatal("expected a non-empty result")
	}
	if res[0].ID != target {
		t.Fatalf("expected the target to be found first, got %v", res[0].ID.Short())
	}
}

func TestLookupAlphaBound(t *testing.T) {
	seeds := []Entry{
		{ID: testID(0x10), Addr: "tcp://a:1"},
		{ID: testID(0x20), Addr: "tcp://b:1"},
		{ID: testID(0x30), Addr: "tcp://c:1"},
		{ID: testID(0x40), Addr: "tcp://d:1"},
		{ID: testID(0x50), Addr: "tcp://e:1"},
	}

	l := NewLookup(testID(0x01), seeds, 20, 3, 0)

	queries := l.NextQueries()
	if len(queries) != 3 {
		t.Fatalf("expected alpha=3 queries, got %d", len(queries))
	}

	// nothing more until at least one answer frees a slot
	if more := l.NextQueries(); len(more) != 0 {
		t.Fatalf("expected no queries while alpha are in flight, got %d", len(more))
	}

	l.Update(queries[0].ID, nil)

	if more := l.NextQueries(); len(more) != 1 {
		t.Fatalf("expected exactly one query after one answer, got %d", len(more))
	}
}

func TestLookupFailedPeersExcluded(t *testing.T) {
	seeds := []Entry{
		{ID: testID(0x10), Addr: "tcp://a:1"},
		{ID: testID(0x20), Addr: "tcp://b:1"},
	}

	l := NewLookup(testID(0x01), seeds, 20, 2, 0)

	queries := l.NextQueries()
	if len(queries) != 2 {
		t.Fatalf("expected 2 queries, got %d", len(queries))
	}

	l.Fail(queries[0].ID)
	l.Update(queries[1].ID, nil)

	if !l.Done() {
		t.Fatal("expected lookup to be done")
	}

	res := l.Result()
	if len(res) != 1 {
		t.Fatalf("expected 1 responsive peer, got %d", len(res))
	}
	if res[0].ID != queries[1].ID {
		t.Fatal("failed peer must not appear in the result")
	}
}

func TestLookupBudget(t *testing.T) {
	// every node answers with one new peer, forever
	next := byte(2)
	seeds := []Entry{{ID: testID(1), Addr: "tcp://s:1"}}

	l := NewLookup(testID(0xFF), seeds, 20, 1, 5)

	for !l.Done() {
		queries := l.NextQueries()
		for _, q := range queries {
			l.Update(q.ID, []Entry{{ID: testID(next), Addr: "tcp://n:1"}})
			next++
		}
	}

	if next-2 > 5 {
		t.Fatalf("budget exceeded: %d answers consumed", next-2)
	}
}

func TestDiscoveryMessageCodec(t *testing.T) {
	find := &FindNode{QueryID: 42, Target: testID(0x07).Bytes()}

	raw, err := EncodeMessage(find)
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := DecodeMessage(raw)
	if err != nil {
		t.Fatal(err)
	}

	got, ok := decoded.(*FindNode)
	if !ok {
		t.Fatalf("expected *FindNode, got %T", decoded)
	}
	if got.QueryID != 42 {
		t.Fatalf("expected QueryID 42, got %d", got.QueryID)
	}

	id, err := keys.PeerIDFromBytes(got.Target)
	if err != nil {
		t.Fatal(err)
	}
	if id != testID(0x07) {
		t.Fatal("target corrupted in transit")
	}
}

func TestBadgerPeerStoreRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "braid_peerstore")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := NewBadgerPeerStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	entries := []Entry{
		{ID: testID(0x01), Addr: "tcp://a:1", LastSeen: 1},
		{ID: testID(0x02), Addr: "tcp://b:1", LastSeen: 2},
	}
	for _, e := range entries {
		if err := store.Save(e); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.Delete(testID(0x02)); err != nil {
		t.Fatal(err)
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = NewBadgerPeerStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	loaded, err := store.LoadAll(99)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(loaded))
	}
	if loaded[0].ID != testID(0x01) || loaded[0].Addr != "tcp://a:1" {
		t.Fatalf("wrong entry loaded: %+v", loaded[0])
	}
	if loaded[0].LastSeen != 99 {
		t.Fatalf("expected LastSeen reset to 99, got %d", loaded[0].LastSeen)
	}
}
