package discovery

import (
	"bytes"
	"fmt"

	"github.com/braidnetworks/braid/src/crypto/keys"
	"github.com/dgraph-io/badger"
	"github.com/ugorji/go/codec"
)

const peerPrefix = "peer"

// BadgerPeerStore persists routing table entries so a restarted node can
// rejoin the network without contacting its seed peers again. It lives at the
// effect-execution boundary; the routing table itself never touches the disk.
type BadgerPeerStore struct {
	db   *badger.DB
	path string
}

// NewBadgerPeerStore opens (or creates) the peer database at path.
func NewBadgerPeerStore(path string) (*BadgerPeerStore, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(false).
		WithLogger(nil)
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerPeerStore{
		db:   handle,
		path: path,
	}, nil
}

// Path returns the directory backing the store.
func (s *BadgerPeerStore) Path() string {
	return s.path
}

func peerKey(id keys.PeerID) []byte {
	return []byte(fmt.Sprintf("%s_%s", peerPrefix, id.String()))
}

// Save upserts one entry.
func (s *BadgerPeerStore) Save(e Entry) error {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, cborHandle)
	if err := enc.Encode(NodeInfoFromEntry(e)); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(peerKey(e.ID), buf.Bytes())
	})
}

// Delete removes one entry, if present.
func (s *BadgerPeerStore) Delete(id keys.PeerID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(peerKey(id))
	})
}

// LoadAll returns every persisted entry. LastSeen is set to the supplied
// logical timestamp because persisted ages are meaningless after a restart.
func (s *BadgerPeerStore) LoadAll(now int64) ([]Entry, error) {
	var res []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(peerPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var info NodeInfo
			dec := codec.NewDecoder(bytes.NewReader(val), cborHandle)
			if err := dec.Decode(&info); err != nil {
				return err
			}
			entry, err := EntryFromNodeInfo(info, now)
			if err != nil {
				return err
			}
			res = append(res, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Close releases the underlying database.
func (s *BadgerPeerStore) Close() error {
	return s.db.Close()
}
