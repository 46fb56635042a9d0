// Package keys implements the fixed-width table-key encoding shared by
// every storage component: the memtable, the sorted-table format, the
// write-ahead log, and the iterator stack. A table key is the unit of
// ordering for the whole engine, so its comparator is the one place
// the total order lives.
package keys

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// UserKey is the user-visible key: a fixed-width signed 32-bit integer.
type UserKey int32

// UserValue is the user-visible value: a fixed-width signed 32-bit integer.
type UserValue int32

// SeqNum is a monotonically increasing write counter, allocated once
// per logical put/delete.
type SeqNum uint64

// WriteType distinguishes a live write from a tombstone. Empty exists
// solely so a LookupKey can be turned into a comparable TableKey.
type WriteType uint8

const (
	WriteTypeEmpty WriteType = iota
	WriteTypePut
	WriteTypeDelete
)

func (w WriteType) Valid() bool {
	return w == WriteTypeEmpty || w == WriteTypePut || w == WriteTypeDelete
}

// EncodedSize is the fixed on-disk/in-log size of a table key: 4 bytes
// user key, 8 bytes sequence number, 1 byte write type, 4 bytes user
// value.
const EncodedSize = 4 + 8 + 1 + 4

// ErrInvalidKey is returned when a decoded write type falls outside
// the enum range.
var ErrInvalidKey = errors.New("keys: invalid table key")

// TableKey is the unit of storage: a user key tagged with the sequence
// number and write type of the write that produced it, plus the user
// value (ignored but still encoded for deletes).
type TableKey struct {
	UserKey   UserKey
	SeqNum    SeqNum
	WriteType WriteType
	UserVal   UserValue
}

// Identity returns a table key whose value equals its key, sequence
// number n, and write type Put. Used throughout the test suite to
// build readable put(i, i) sweeps without repeating all four fields.
func Identity(n int32) TableKey {
	return TableKey{UserKey: UserKey(n), SeqNum: SeqNum(n), WriteType: WriteTypePut, UserVal: UserValue(n)}
}

// LookupKey is a query: a user key evaluated at a snapshot sequence
// number. It never names a write type or value.
type LookupKey struct {
	UserKey UserKey
	SeqNum  SeqNum
}

// AsTableKey converts a lookup key into the table key used to compare
// it against stored table keys: the snapshot's user key and sequence
// number with WriteTypeEmpty and a zero value. Because Empty sorts
// below Put and Delete for an equal (user key, seq) pair, this key
// sorts immediately before the newest real write visible to the
// snapshot.
func (lk LookupKey) AsTableKey() TableKey {
	return TableKey{UserKey: lk.UserKey, SeqNum: lk.SeqNum, WriteType: WriteTypeEmpty}
}

// Encode writes the table key's fixed 17-byte wire form into buf, which
// must be at least EncodedSize bytes long.
func (tk TableKey) Encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(tk.UserKey))
	binary.BigEndian.PutUint64(buf[4:12], uint64(tk.SeqNum))
	buf[12] = byte(tk.WriteType)
	binary.BigEndian.PutUint32(buf[13:17], uint32(tk.UserVal))
}

// Decode reads a table key from its fixed 17-byte wire form. It fails
// with ErrInvalidKey when buf is shorter than 17 bytes or the
// write-type byte is out of range, per spec §4.1.
func Decode(buf []byte) (TableKey, error) {
	if len(buf) < EncodedSize {
		return TableKey{}, errors.Wrapf(ErrInvalidKey, "short buffer: %d bytes", len(buf))
	}
	wt := WriteType(buf[12])
	if !wt.Valid() {
		return TableKey{}, errors.Wrapf(ErrInvalidKey, "write type %d out of range", buf[12])
	}
	return TableKey{
		UserKey:   UserKey(int32(binary.BigEndian.Uint32(buf[0:4]))),
		SeqNum:    SeqNum(binary.BigEndian.Uint64(buf[4:12])),
		WriteType: wt,
		UserVal:   UserValue(int32(binary.BigEndian.Uint32(buf[13:17]))),
	}, nil
}

// Compare implements the total order of spec §3: user key ascending,
// then sequence number descending (so the newest version of a user key
// sorts first), then write type ascending, then user value ascending.
// The write-type and value tie-breaks only matter for otherwise-equal
// (user key, seq) pairs, which in practice means comparing a LookupKey's
// synthetic TableKey against a real one.
func Compare(a, b TableKey) int {
	if a.UserKey != b.UserKey {
		if a.UserKey < b.UserKey {
			return -1
		}
		return 1
	}
	if a.SeqNum != b.SeqNum {
		if a.SeqNum > b.SeqNum {
			return -1
		}
		return 1
	}
	if a.WriteType != b.WriteType {
		if a.WriteType < b.WriteType {
			return -1
		}
		return 1
	}
	if a.UserVal != b.UserVal {
		if a.UserVal < b.UserVal {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether a sorts strictly before b under Compare.
func Less(a, b TableKey) bool {
	return Compare(a, b) < 0
}

// TableKeyIterator is the single capability every layer of the storage
// stack implements: the SSTable, the sorted run, the level, the tree,
// and the memtable all walk table keys in ascending
// order through this interface, per spec §4.7. It lives in this
// package, rather than a higher one, so that sstable, memtable, and
// the root package can all implement and consume it without an import
// cycle.
type TableKeyIterator interface {
	// Next advances to the next key and reports whether the iterator
	// is now positioned at a valid key. The current key, if any, is
	// available via Key until the next call to Next or Seek.
	Next() bool
	// Key returns the table key at the iterator's current position.
	// It is only valid to call after a call to Next returned true, or
	// after a Seek that left the iterator at a key.
	Key() TableKey
	// Seek positions the iterator at the least key >= target, as if
	// by repeated Next calls.
	Seek(target TableKey)
	// Close releases any resources (open file handles, buffers) held
	// by the iterator.
	Close() error
}
