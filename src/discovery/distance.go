package discovery

import (
	"bytes"
	"math/bits"
	"sort"

	"github.com/braidnetworks/braid/src/crypto/keys"
)

// Distance is the XOR metric between two PeerIDs.
type Distance [keys.PeerIDLength]byte

// XORDistance computes the XOR distance between two identifiers.
func XORDistance(a, b keys.PeerID) Distance {
	var d Distance
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less compares two distances as big-endian integers.
func (d Distance) Less(other Distance) bool {
	return bytes.Compare(d[:], other[:]) < 0
}

// BucketIndex returns the index of the bucket that holds identifiers at this
// distance: the length of the common prefix between the two identifiers. The
// zero distance (self) maps to the last bucket, though a node never inserts
// itself.
func (d Distance) BucketIndex() int {
	for i, b := range d {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return NumBuckets - 1
}

// SortByDistance orders ids by XOR distance to target, closest first. Ties
// are impossible since the metric is injective for distinct ids.
func SortByDistance(ids []keys.PeerID, target keys.PeerID) {
	sort.Slice(ids, func(i, j int) bool {
		return XORDistance(ids[i], target).Less(XORDistance(ids[j], target))
	})
}

// RefreshTarget derives a deterministic lookup target inside the given
// bucket, by flipping the bucket's distinguishing bit of the local id.
// Cycling through buckets on successive refresh ticks keeps the whole table
// warm without needing a random source in the reducer.
func RefreshTarget(local keys.PeerID, bucket int) keys.PeerID {
	target := local
	byteIdx := bucket / 8
	bitIdx := uint(7 - bucket%8)
	target[byteIdx] ^= 1 << bitIdx
	return target
}
