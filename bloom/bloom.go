// Package bloom implements the fixed-parameter Bloom filter each
// SSTable carries in its filter block. The hash scheme is grounded in
// two families: a Murmur2-derived hash (adapted from
// cockroachdb/pebble's bloom package, widened to 64 bits) for h1, and
// github.com/cespare/xxhash/v2 for h2, combined by double hashing.
package bloom

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"github.com/mbkv/lsmkv/keys"
)

const (
	// DefaultM is the number of bits in the filter's bit array.
	DefaultM = 10000
	// DefaultK is the number of probes per key.
	DefaultK = 7
	// DefaultN is the expected number of keys the default parameters
	// are tuned for (bits-per-key ~= 9.57, targeting DefaultP).
	DefaultN = 1000
	// DefaultP is the target false-positive rate the defaults above
	// were chosen to hit.
	DefaultP = 0.01
)

// NumBytes returns the serialized size of a filter with m bits,
// rounded up to a whole number of bytes.
func NumBytes(m uint64) uint64 {
	return (m + 7) / 8
}

// Filter is a Bloom filter over UserKey values, sized by m bits and
// probed k times per key -- both settable per database, per spec
// §4.2's bloom_{p,k,m,n} configuration.
type Filter struct {
	m    uint64
	k    int
	bits []byte
}

// New returns an empty filter with m bits and k probes per key.
func New(m uint64, k int) *Filter {
	return &Filter{m: m, k: k, bits: make([]byte, NumBytes(m))}
}

// murmur2 is adapted from cockroachdb/pebble's bloom.hash: a
// Murmur2-family hash over a byte slice, widened here from 32 to 64
// bits by running it twice with two different seeds and concatenating
// the halves. Pebble only needs 32 bits per probe; this filter's
// double-hashing scheme needs a full 64-bit h1.
func murmur2(b []byte, seed uint32) uint32 {
	const m = 0xc6a4a793
	h := seed ^ (uint32(len(b)) * m)
	for len(b) >= 4 {
		h += uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
		h *= m
		h ^= h >> 16
		b = b[4:]
	}
	switch len(b) {
	case 3:
		h += uint32(int8(b[2])) << 16
		fallthrough
	case 2:
		h += uint32(int8(b[1])) << 8
		fallthrough
	case 1:
		h += uint32(int8(b[0]))
		h *= m
		h ^= h >> 24
	}
	return h
}

func h1(key []byte) uint64 {
	lo := murmur2(key, 0xbc9f1d34)
	hi := murmur2(key, 0x9747b28c)
	return uint64(hi)<<32 | uint64(lo)
}

func h2(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// probeIndex returns the bit position for the i-th probe (0 <= i < k)
// of key, via double hashing: h_i(x) = h1(x) + i*h2(x) mod m.
func probeIndex(a, b, m uint64, i int) uint64 {
	return (a + uint64(i)*b) % m
}

func encodeUserKey(uk keys.UserKey) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(uk))
	return buf[:]
}

func (f *Filter) setBit(idx uint64) {
	f.bits[idx/8] |= 1 << (idx % 8)
}

func (f *Filter) testBit(idx uint64) bool {
	return f.bits[idx/8]&(1<<(idx%8)) != 0
}

// Insert adds uk to the filter.
func (f *Filter) Insert(uk keys.UserKey) {
	key := encodeUserKey(uk)
	a, b := h1(key), h2(key)
	for i := 0; i < f.k; i++ {
		f.setBit(probeIndex(a, b, f.m, i))
	}
}

// MayContain returns false only if uk is definitely not present.
func (f *Filter) MayContain(uk keys.UserKey) bool {
	key := encodeUserKey(uk)
	a, b := h1(key), h2(key)
	for i := 0; i < f.k; i++ {
		if !f.testBit(probeIndex(a, b, f.m, i)) {
			return false
		}
	}
	return true
}

// Bytes returns the filter's raw bit array, the on-disk filter-block
// form described in spec §3.
func (f *Filter) Bytes() []byte {
	return f.bits
}

// Decode reconstructs a filter from its raw bit-array encoding. m and
// k must match the values the filter was built with, normally the
// database's own bloom_m/bloom_k configuration: the encoding carries
// only bits, not the parameters that gave them meaning.
func Decode(m uint64, k int, b []byte) (*Filter, error) {
	want := NumBytes(m)
	if uint64(len(b)) != want {
		return nil, errors.Newf("bloom: expected %d bytes for m=%d, got %d", want, m, len(b))
	}
	bits := make([]byte, want)
	copy(bits, b)
	return &Filter{m: m, k: k, bits: bits}, nil
}
