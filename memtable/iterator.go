package memtable

import "github.com/mbkv/lsmkv/keys"

// Iterator walks a MemTable's keys in ascending table-key order. It
// implements keys.TableKeyIterator.
type Iterator struct {
	mt      *MemTable
	idx     int
	started bool
}

// NewIterator returns an iterator positioned before the first key.
func (mt *MemTable) NewIterator() *Iterator {
	return &Iterator{mt: mt}
}

func (it *Iterator) Next() bool {
	if !it.started {
		it.started = true
		it.idx = it.mt.nodes[0].next[0]
	} else if it.idx != 0 {
		it.idx = it.mt.nodes[it.idx].next[0]
	}
	return it.idx != 0
}

func (it *Iterator) Key() keys.TableKey {
	return it.mt.nodes[it.idx].key
}

// Valid reports whether the iterator is currently positioned at a key.
func (it *Iterator) Valid() bool {
	return it.idx != 0
}

func (it *Iterator) Seek(target keys.TableKey) {
	it.started = true
	it.idx = it.mt.findGE(target, false)
}

func (it *Iterator) Close() error {
	return nil
}
