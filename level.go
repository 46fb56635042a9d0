package lsmkv

import (
	"container/heap"

	"github.com/mbkv/lsmkv/keys"
)

// LevelState describes how a level's occupancy compares to its
// configured capacities, the signal the compaction engine uses to
// decide when a level needs attention.
type LevelState int

const (
	// LevelNormal means the level is within both its run and size
	// capacities.
	LevelNormal LevelState = iota
	// LevelExceedRun means the level holds more runs than its run
	// capacity allows; a horizontal compaction should merge them.
	LevelExceedRun
	// LevelExceedSize means the level holds more bytes than its size
	// capacity allows; a vertical compaction should push data down.
	LevelExceedSize
)

// Level is an unordered collection of sorted runs. Runs within a
// level may overlap in key range with each other: L0 in particular
// accumulates one run per memtable flush, with no merging until a
// horizontal compaction runs.
type Level struct {
	runs         []*Run
	runCapacity  int
	sizeCapacity int64
}

func newLevel(runCapacity int, sizeCapacity int64) *Level {
	return &Level{runCapacity: runCapacity, sizeCapacity: sizeCapacity}
}

// Size is the sum of every run's on-disk size.
func (l *Level) Size() int64 {
	var total int64
	for _, r := range l.runs {
		total += r.Size()
	}
	return total
}

// NumRuns returns how many runs currently make up this level.
func (l *Level) NumRuns() int {
	return len(l.runs)
}

// State reports the level's capacity status. A level that exceeds
// both its run and size capacity is reported as ExceedSize: growing
// too large is the more urgent condition, since it directly predicts
// read amplification, while too many small runs is comparatively
// cheap to leave for the next compaction pass.
func (l *Level) State() LevelState {
	if l.Size() > l.sizeCapacity {
		return LevelExceedSize
	}
	if len(l.runs) > l.runCapacity {
		return LevelExceedRun
	}
	return LevelNormal
}

// Get queries every run in the level and returns the version with the
// highest sequence number among the results, since a key may live in
// more than one of the level's runs when they have not yet been
// merged by a horizontal compaction.
func (l *Level) Get(lk keys.LookupKey) (keys.TableKey, bool, error) {
	var best keys.TableKey
	found := false
	for _, r := range l.runs {
		tk, ok, err := r.Get(lk)
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

// heap item wrapping one run's iterator for the level's merge heap.
type levelHeapItem struct {
	it  *runIterator
	key keys.TableKey
}

type levelHeap []*levelHeapItem

func (h levelHeap) Len() int            { return len(h) }
func (h levelHeap) Less(i, j int) bool  { return keys.Less(h[i].key, h[j].key) }
func (h levelHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *levelHeap) Push(x interface{}) { *h = append(*h, x.(*levelHeapItem)) }
func (h *levelHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// levelIterator merges a level's runs in ascending table-key order
// via a min-heap, since unlike a single run's tables, a level's runs
// may overlap.
type levelIterator struct {
	runIts []*runIterator
	h      levelHeap
	cur    keys.TableKey
	seeded bool
}

// NewIterator returns a merging iterator over every run in the level.
func (l *Level) NewIterator() (*levelIterator, error) {
	its := make([]*runIterator, 0, len(l.runs))
	for _, r := range l.runs {
		it, err := r.NewIterator()
		if err != nil {
			for _, prev := range its {
				prev.Close()
			}
			return nil, err
		}
		its = append(its, it)
	}
	return &levelIterator{runIts: its}, nil
}

func (it *levelIterator) rebuildHeap(advance func(*runIterator) bool) {
	it.h = it.h[:0]
	for _, ri := range it.runIts {
		if advance(ri) {
			it.h = append(it.h, &levelHeapItem{it: ri, key: ri.Key()})
		}
	}
	heap.Init(&it.h)
}

func (it *levelIterator) Next() bool {
	if !it.seeded {
		it.seeded = true
		it.rebuildHeap(func(ri *runIterator) bool { return ri.Next() })
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

func (it *levelIterator) Key() keys.TableKey {
	return it.cur
}

func (it *levelIterator) Seek(target keys.TableKey) {
	it.seeded = true
	it.rebuildHeap(func(ri *runIterator) bool {
		ri.Seek(target)
		return ri.cur != nil
	})
	if it.h.Len() > 0 {
		it.cur = it.h[0].key
	}
}

func (it *levelIterator) Close() error {
	var first error
	for _, ri := range it.runIts {
		if err := ri.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
