package sstable

import (
	"github.com/mbkv/lsmkv/bufferpool"
	"github.com/mbkv/lsmkv/keys"
)

// blockBuilder accumulates fixed-width table keys into a single data
// block. Unlike the teacher's Pebble-style block, entries are all the
// same size, so there is no shared-prefix compression and no restart
// points: any offset that is a multiple of keys.EncodedSize is a valid
// entry boundary.
type blockBuilder struct {
	buf        []byte
	numEntries int
}

func newBlockBuilder(budget int) *blockBuilder {
	return &blockBuilder{buf: make([]byte, 0, budget)}
}

// add appends tk to the block. The caller is responsible for deciding
// when the block is full; add never refuses a key.
func (b *blockBuilder) add(tk keys.TableKey) {
	var enc [keys.EncodedSize]byte
	tk.Encode(enc[:])
	b.buf = append(b.buf, enc[:]...)
	b.numEntries++
}

func (b *blockBuilder) size() int {
	return len(b.buf)
}

func (b *blockBuilder) empty() bool {
	return b.numEntries == 0
}

// finish returns the block's encoded bytes. The builder is left ready
// for reuse via reset.
func (b *blockBuilder) finish() []byte {
	return b.buf
}

func (b *blockBuilder) reset() {
	b.buf = b.buf[:0]
	b.numEntries = 0
}

// blockIterator walks the fixed-width entries of a single decoded data
// block in order.
type blockIterator struct {
	data []byte
	pos  int
	cur  keys.TableKey
}

func newBlockIterator(data []byte) *blockIterator {
	return &blockIterator{data: data, pos: -keys.EncodedSize}
}

func (it *blockIterator) Next() bool {
	next := it.pos + keys.EncodedSize
	if next+keys.EncodedSize > len(it.data) {
		it.pos = len(it.data)
		return false
	}
	tk, err := keys.Decode(it.data[next : next+keys.EncodedSize])
	if err != nil {
		it.pos = len(it.data)
		return false
	}
	it.pos = next
	it.cur = tk
	return true
}

func (it *blockIterator) Key() keys.TableKey {
	return it.cur
}

// seekFrom scans forward from the iterator's current position looking
// for the first key >= target. Blocks are small (a handful of KB), so
// a linear scan is simpler than a binary search and, per entry count,
// no slower in practice.
func (it *blockIterator) seekFrom(target keys.TableKey) bool {
	for {
		if it.pos < 0 || keys.Less(it.cur, target) {
			if !it.Next() {
				return false
			}
			continue
		}
		return true
	}
}

// Close returns the block's backing buffer to the shared pool it was
// drawn from. Buffers built locally (in tests, say) rather than pulled
// from the pool are simply dropped by Put, which only recycles slices
// matching one of its size classes exactly.
func (it *blockIterator) Close() error {
	if it.data != nil {
		bufferpool.PutBuffer(it.data)
	}
	it.data = nil
	return nil
}
