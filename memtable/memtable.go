// Package memtable implements the in-memory skiplist every write
// lands in before it is durable in a sorted run, following the
// teacher's node-array skiplist (see
// _examples/twlk9-lgdb/memtable/memtable.go) with two departures: the
// arena stores decoded keys.TableKey values instead of a raw byte
// buffer, since keys are fixed-width now and no longer benefit from
// packed encoding, and there is no mutex, since the engine this
// memtable belongs to is single-threaded end to end.
package memtable

import (
	"math/rand/v2"

	"github.com/mbkv/lsmkv/keys"
)

const maxHeight = 12

type node struct {
	key  keys.TableKey
	next [maxHeight]int
}

// MemTable is a skiplist over table keys, bounded by key count.
type MemTable struct {
	rnd       *rand.Rand
	nodes     []node // nodes[0] is the head sentinel; its key is never read
	prev      [maxHeight]int
	maxHeight int
	n         int
	capacity  int
}

// New returns an empty memtable that reports WouldOverflow once it
// holds capacity keys. rnd drives the skiplist's level assignment; the
// caller supplies it so randomness is seeded once per database rather
// than once per memtable, matching the tree's compaction shuffle.
func New(capacity int, rnd *rand.Rand) *MemTable {
	return &MemTable{
		rnd:       rnd,
		nodes:     make([]node, 1, capacity+1),
		maxHeight: 1,
		capacity:  capacity,
	}
}

func (mt *MemTable) randHeight() int {
	const branching = 4
	h := 1
	for h < maxHeight && mt.rnd.IntN(branching) == 0 {
		h++
	}
	return h
}

// findGE walks the skiplist for the first node with key >= target. It
// returns the node index, or 0 if none exists. When recordPath is
// true, mt.prev is filled with, at every level, the last node visited
// before overshooting target -- the predecessors Insert needs to
// splice a new node in after.
func (mt *MemTable) findGE(target keys.TableKey, recordPath bool) int {
	n := 0
	h := mt.maxHeight - 1
	for {
		next := mt.nodes[n].next[h]
		cmp := 1
		if next != 0 {
			cmp = keys.Compare(mt.nodes[next].key, target)
		}
		if cmp < 0 {
			n = next
			continue
		}
		if recordPath {
			mt.prev[h] = n
		}
		if h == 0 {
			return next
		}
		h--
	}
}

// Insert adds tk to the memtable. Table keys are never updated in
// place: every write carries a fresh, higher sequence number, so no
// two inserts ever compare equal under keys.Compare.
func (mt *MemTable) Insert(tk keys.TableKey) {
	mt.findGE(tk, true)

	h := mt.randHeight()
	if h > mt.maxHeight {
		for i := mt.maxHeight; i < h; i++ {
			mt.prev[i] = 0
		}
		mt.maxHeight = h
	}

	idx := len(mt.nodes)
	n := node{key: tk}
	for i := 0; i < h; i++ {
		n.next[i] = mt.nodes[mt.prev[i]].next[i]
	}
	mt.nodes = append(mt.nodes, n)
	for i := 0; i < h; i++ {
		mt.nodes[mt.prev[i]].next[i] = idx
	}
	mt.n++
}

// Get returns the table key that answers lk, if the memtable holds
// one: the entry with the least table key >= lk's synthetic lookup
// key, provided it shares lk's user key.
func (mt *MemTable) Get(lk keys.LookupKey) (keys.TableKey, bool) {
	idx := mt.findGE(lk.AsTableKey(), false)
	if idx == 0 {
		return keys.TableKey{}, false
	}
	if mt.nodes[idx].key.UserKey != lk.UserKey {
		return keys.TableKey{}, false
	}
	return mt.nodes[idx].key, true
}

// Len returns the number of keys inserted so far.
func (mt *MemTable) Len() int {
	return mt.n
}

// WouldOverflow reports whether inserting one more key would take the
// memtable past its capacity. The write path checks this after every
// insert and triggers a minor compaction when it does.
func (mt *MemTable) WouldOverflow() bool {
	return mt.n+1 > mt.capacity
}
