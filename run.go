package lsmkv

import (
	"sort"

	"github.com/mbkv/lsmkv/keys"
	"github.com/mbkv/lsmkv/sstable"
)

// Run is a sorted, non-overlapping sequence of SSTables: table i's
// keys all sort before table i+1's. Because the ranges are disjoint,
// a lookup only ever needs the one table whose range could hold the
// target, found by binary search on each table's maximum key.
type Run struct {
	tables []*sstable.Reader
}

func newRun(tables []*sstable.Reader) *Run {
	return &Run{tables: tables}
}

// Size is the sum, in bytes, of every table's on-disk size.
func (r *Run) Size() int64 {
	var total int64
	for _, t := range r.tables {
		total += t.Meta().Size
	}
	return total
}

// NumTables returns how many physical SSTable files make up this run.
func (r *Run) NumTables() int {
	return len(r.tables)
}

func (r *Run) tableFor(target keys.TableKey) (int, bool) {
	idx := sort.Search(len(r.tables), func(i int) bool {
		return keys.Compare(r.tables[i].Meta().Max, target) >= 0
	})
	if idx == len(r.tables) {
		return 0, false
	}
	return idx, true
}

// Get looks up lk within this run.
func (r *Run) Get(lk keys.LookupKey) (keys.TableKey, bool, error) {
	target := lk.AsTableKey()
	idx, ok := r.tableFor(target)
	if !ok {
		return keys.TableKey{}, false, nil
	}
	t := r.tables[idx]
	if !t.MayContain(lk.UserKey) {
		return keys.TableKey{}, false, nil
	}
	return t.Get(lk)
}

// NewIterator returns an iterator that concatenates the run's tables
// in order. No heap is needed: since the tables' ranges are disjoint,
// exhausting one and moving to the next is already the correct global
// order.
func (r *Run) NewIterator() (*runIterator, error) {
	return &runIterator{run: r, idx: -1}, nil
}

type runIterator struct {
	run *Run
	idx int
	cur *sstable.Iterator
}

func (it *runIterator) Next() bool {
	for {
		if it.cur == nil {
			it.idx++
			if it.idx >= len(it.run.tables) {
				return false
			}
			c, err := it.run.tables[it.idx].NewIterator()
			if err != nil {
				return false
			}
			it.cur = c
		}
		if it.cur.Next() {
			return true
		}
		it.cur.Close()
		it.cur = nil
	}
}

func (it *runIterator) Key() keys.TableKey {
	return it.cur.Key()
}

func (it *runIterator) Seek(target keys.TableKey) {
	if it.cur != nil {
		it.cur.Close()
		it.cur = nil
	}
	idx, ok := it.run.tableFor(target)
	if !ok {
		it.idx = len(it.run.tables)
		return
	}
	it.idx = idx
	c, err := it.run.tables[idx].NewIterator()
	if err != nil {
		return
	}
	c.Seek(target)
	it.cur = c
}

func (it *runIterator) Close() error {
	if it.cur != nil {
		return it.cur.Close()
	}
	return nil
}
