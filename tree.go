package lsmkv

import (
	"container/heap"

	"github.com/mbkv/lsmkv/keys"
)

// Tree is the on-disk LSM structure: a sequence of levels, each
// deeper level holding (in general) larger, less frequently rewritten
// data than the one above it. Levels are grown lazily as compaction
// pushes data past the last existing level, rather than allocated up
// front to MaxLevel.
type Tree struct {
	levels      []*Level
	maxLevel    int
	fanout      int
	runCapacity int
	size0       int64
}

// newTree builds an empty tree. size0 is level 0's size capacity,
// run_capacity_0 x memtable_capacity; every deeper level's capacity is
// size0 scaled up by fanout once per level.
func newTree(maxLevel, fanout, runCapacity int, size0 int64) *Tree {
	return &Tree{
		maxLevel:    maxLevel,
		fanout:      fanout,
		runCapacity: runCapacity,
		size0:       size0,
	}
}

// sizeCapForLevel grows geometrically with depth: level 0 holds size0,
// level 1 holds size0*fanout, and so on. No level is exempt -- level 0
// fills up and spills into level 1 exactly like every other level.
func (t *Tree) sizeCapForLevel(level int) int64 {
	sizeCap := t.size0
	for i := 0; i < level; i++ {
		sizeCap *= int64(t.fanout)
	}
	return sizeCap
}

// levelAt returns the level at index i, growing the tree with empty
// levels as needed. Callers are expected to keep i <= maxLevel.
func (t *Tree) levelAt(i int) *Level {
	for len(t.levels) <= i {
		idx := len(t.levels)
		t.levels = append(t.levels, newLevel(t.runCapacity, t.sizeCapForLevel(idx)))
	}
	return t.levels[i]
}

// NumLevels returns how many levels currently exist (may be less than
// MaxLevel+1 if the tree has never grown that deep).
func (t *Tree) NumLevels() int {
	return len(t.levels)
}

// Get queries every existing level and returns the version with the
// highest sequence number among the results. Sequence numbers are
// globally monotonic and assigned once per write, so the newest
// visible version is correct regardless of which level currently
// holds it.
func (t *Tree) Get(lk keys.LookupKey) (keys.TableKey, bool, error) {
	var best keys.TableKey
	found := false
	for _, l := range t.levels {
		tk, ok, err := l.Get(lk)
		if err != nil {
			return keys.TableKey{}, false, err
		}
		if ok && (!found || tk.SeqNum > best.SeqNum) {
			best = tk
			found = true
		}
	}
	return best, found, nil
}

type treeHeapItem struct {
	it  *levelIterator
	key keys.TableKey
}

type treeHeap []*treeHeapItem

func (h treeHeap) Len() int            { return len(h) }
func (h treeHeap) Less(i, j int) bool  { return keys.Less(h[i].key, h[j].key) }
func (h treeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *treeHeap) Push(x interface{}) { *h = append(*h, x.(*treeHeapItem)) }
func (h *treeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// treeIterator merges every level's iterator in ascending table-key
// order via a min-heap.
type treeIterator struct {
	levelIts []*levelIterator
	h        treeHeap
	cur      keys.TableKey
	seeded   bool
}

// NewIterator returns a merging iterator over every level currently
// in the tree.
func (t *Tree) NewIterator() (*treeIterator, error) {
	its := make([]*levelIterator, 0, len(t.levels))
	for _, l := range t.levels {
		it, err := l.NewIterator()
		if err != nil {
			for _, prev := range its {
				prev.Close()
			}
			return nil, err
		}
		its = append(its, it)
	}
	return &treeIterator{levelIts: its}, nil
}

func (it *treeIterator) rebuildHeap(advance func(*levelIterator) bool) {
	it.h = it.h[:0]
	for _, li := range it.levelIts {
		if advance(li) {
			it.h = append(it.h, &treeHeapItem{it: li, key: li.Key()})
		}
	}
	heap.Init(&it.h)
}

func (it *treeIterator) Next() bool {
	if !it.seeded {
		it.seeded = true
		it.rebuildHeap(func(li *levelIterator) bool { return li.Next() })
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

func (it *treeIterator) Key() keys.TableKey {
	return it.cur
}

func (it *treeIterator) Seek(target keys.TableKey) {
	it.seeded = true
	it.rebuildHeap(func(li *levelIterator) bool {
		li.Seek(target)
		return li.h.Len() > 0
	})
	if it.h.Len() > 0 {
		it.cur = it.h[0].key
	}
}

func (it *treeIterator) Close() error {
	var first error
	for _, li := range it.levelIts {
		if err := li.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
