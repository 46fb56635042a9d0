package lsmkv

import (
	"container/heap"

	"github.com/mbkv/lsmkv/keys"
	"github.com/mbkv/lsmkv/memtable"
)

// dbHeapItem tags a source iterator's current key with its rank: the
// memtable is always more recent than anything already flushed, so
// ties (same user key, same sequence number can't happen, but the
// memtable's copy of a key always dominates the tree's during the
// window between a flush being queued and completing) resolve toward
// the lower rank.
type dbHeapItem struct {
	it   keys.TableKeyIterator
	key  keys.TableKey
	rank int
}

type dbHeap []*dbHeapItem

func (h dbHeap) Len() int { return len(h) }
func (h dbHeap) Less(i, j int) bool {
	if c := keys.Compare(h[i].key, h[j].key); c != 0 {
		return c < 0
	}
	return h[i].rank < h[j].rank
}
func (h dbHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *dbHeap) Push(x interface{}) { *h = append(*h, x.(*dbHeapItem)) }
func (h *dbHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// dbIterator merges the active memtable with the on-disk tree in
// ascending table-key order and, for range scans, collapses each
// user key down to its newest visible version -- dropping both older
// versions and (once a delete is the newest version seen) the user
// key entirely.
type dbIterator struct {
	mtIt   *memtable.Iterator
	treeIt *treeIterator
	h      dbHeap
	cur    keys.TableKey
	seeded bool
}

func newDBIterator(mtIt *memtable.Iterator, treeIt *treeIterator) *dbIterator {
	return &dbIterator{mtIt: mtIt, treeIt: treeIt}
}

func (it *dbIterator) rebuildHeap(advanceMt func() bool, advanceTree func() bool) {
	it.h = it.h[:0]
	if advanceMt() {
		it.h = append(it.h, &dbHeapItem{it: it.mtIt, key: it.mtIt.Key(), rank: 0})
	}
	if advanceTree() {
		it.h = append(it.h, &dbHeapItem{it: it.treeIt, key: it.treeIt.Key(), rank: 1})
	}
	heap.Init(&it.h)
}

// nextRaw advances to the next table key without any deduplication,
// the primitive both Next and the dedup-aware NextUserKey build on.
func (it *dbIterator) nextRaw() bool {
	if !it.seeded {
		it.seeded = true
		it.rebuildHeap(func() bool { return it.mtIt.Next() }, func() bool { return it.treeIt.Next() })
	} else if it.h.Len() > 0 {
		top := it.h[0]
		if top.it.Next() {
			top.key = top.it.Key()
			heap.Fix(&it.h, 0)
		} else {
			heap.Pop(&it.h)
		}
	}
	if it.h.Len() == 0 {
		return false
	}
	it.cur = it.h[0].key
	return true
}

// Next advances to the very next table key, with no deduplication:
// every version of every user key is visited, in order.
func (it *dbIterator) Next() bool {
	return it.nextRaw()
}

func (it *dbIterator) Key() keys.TableKey {
	return it.cur
}

func (it *dbIterator) Seek(target keys.TableKey) {
	it.seeded = true
	it.rebuildHeap(
		func() bool { it.mtIt.Seek(target); return it.mtIt.Valid() },
		func() bool { it.treeIt.Seek(target); return it.treeIt.h.Len() > 0 },
	)
	if it.h.Len() > 0 {
		it.cur = it.h[0].key
	}
}

func (it *dbIterator) Close() error {
	err1 := it.mtIt.Close()
	err2 := it.treeIt.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// NextUserKey consumes, starting at the key at the top of the merge
// heap, every version of each user key in turn and stops at the first
// user key whose newest version is a live Put, skipping user keys
// whose newest version is a Delete. That newest version becomes Key.
// It reports whether such a key was found.
func (it *dbIterator) NextUserKey() bool {
	for it.h.Len() > 0 {
		newest := it.h[0].key
		for it.h.Len() > 0 && it.h[0].key.UserKey == newest.UserKey {
			it.nextRaw()
		}
		if newest.WriteType == keys.WriteTypePut {
			it.cur = newest
			return true
		}
	}
	return false
}
