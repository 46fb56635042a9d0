package lsmkv

import "github.com/cockroachdb/errors"

// Error definitions for the database. Standard Go practice: define
// all sentinel errors in one place so they're easy to find and check
// against with errors.Is.
var (
	// ErrNotFound is returned when a key has no value visible at the
	// requested snapshot.
	ErrNotFound = errors.New("lsmkv: key not found")

	// ErrDBClosed is returned when operating on a closed database.
	ErrDBClosed = errors.New("lsmkv: database is closed")

	// ErrDBAlreadyOpen is returned when Open finds another process
	// already holding the directory lock.
	ErrDBAlreadyOpen = errors.New("lsmkv: database is already open by another process")

	// ErrInvalidPath is returned when Options.Dir is empty.
	ErrInvalidPath = errors.New("lsmkv: invalid database directory")

	// ErrInvalidMemtableCapacity is returned by Options.Validate.
	ErrInvalidMemtableCapacity = errors.New("lsmkv: invalid memtable capacity")

	// ErrInvalidFanout is returned by Options.Validate.
	ErrInvalidFanout = errors.New("lsmkv: invalid fanout")

	// ErrInvalidRunCapacity is returned by Options.Validate.
	ErrInvalidRunCapacity = errors.New("lsmkv: invalid run capacity")

	// ErrInvalidMaxLevel is returned by Options.Validate.
	ErrInvalidMaxLevel = errors.New("lsmkv: invalid max level")

	// ErrInvalidBlockSize is returned by Options.Validate.
	ErrInvalidBlockSize = errors.New("lsmkv: invalid block size")

	// ErrInvalidBloomM is returned by Options.Validate.
	ErrInvalidBloomM = errors.New("lsmkv: invalid bloom filter bit count")

	// ErrInvalidBloomK is returned by Options.Validate.
	ErrInvalidBloomK = errors.New("lsmkv: invalid bloom filter probe count")

	// ErrInvalidBloomN is returned by Options.Validate.
	ErrInvalidBloomN = errors.New("lsmkv: invalid bloom filter expected key count")

	// ErrInvalidBloomP is returned by Options.Validate.
	ErrInvalidBloomP = errors.New("lsmkv: invalid bloom filter false-positive target")

	// ErrCorruptManifest is returned when the manifest fails its
	// checksum or cannot be decoded.
	ErrCorruptManifest = errors.New("lsmkv: corrupt manifest")

	// ErrNoManifest is returned by ReadManifest when no manifest exists
	// in the directory. Open does not return it: it initializes a fresh
	// database there instead.
	ErrNoManifest = errors.New("lsmkv: no manifest found")
)
