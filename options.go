package lsmkv

import (
	"log/slog"
	"os"

	"github.com/mbkv/lsmkv/bloom"
)

const (
	// KiB and its multiples follow LevelDB convention for sizing knobs.
	KiB = 1024
	MiB = KiB * 1024
)

// Default values, chosen the way the teacher chose its LevelDB-derived
// defaults: small enough to exercise every code path in tests, large
// enough to be a reasonable starting point in production.
var (
	DefaultMemtableCapacity = 1000
	DefaultFanout           = 10
	DefaultRunCapacity      = 4
	DefaultMaxLevel         = 6
	DefaultBlockSize        = 4 * KiB
	DefaultSSTableSizeCap   = int64(4 * MiB)
	DefaultBloomM           = uint64(bloom.DefaultM)
	DefaultBloomK           = bloom.DefaultK
	DefaultBloomN           = bloom.DefaultN
	DefaultBloomP           = bloom.DefaultP
)

// Options holds configuration for opening a database. There is no
// config-file format: like the teacher, callers build an Options
// value in code, generally starting from DefaultOptions.
type Options struct {
	// Dir is the directory the database's files live in.
	Dir string

	// MemtableCapacity is the number of table keys a memtable holds
	// before a minor compaction flushes it to L0.
	MemtableCapacity int

	// Fanout is the multiplier between one level's size capacity and
	// the next. It does not scale run capacity.
	Fanout int

	// RunCapacity is the number of sorted runs every level tolerates
	// before a horizontal compaction merges them.
	RunCapacity int

	// MaxLevel is the deepest level the tree will grow to; a vertical
	// compaction out of MaxLevel drops obsolete tombstones instead of
	// pushing them further down, since there is nowhere left for a
	// shadowed key to hide.
	MaxLevel int

	// BlockSize is the target size, in bytes, of one SSTable data
	// block.
	BlockSize int

	// SSTableSizeCap bounds the size of one physical SSTable file. A
	// flush or compaction that produces more data than this rolls over
	// into additional files.
	SSTableSizeCap int64

	// BloomM is the number of bits in each SSTable's Bloom filter.
	BloomM uint64

	// BloomK is the number of probes per key each SSTable's Bloom
	// filter performs.
	BloomK int

	// BloomN is the expected number of keys per SSTable that BloomM and
	// BloomK are tuned for. It does not change how the filter is built;
	// it documents the sizing assumption behind BloomM/BloomK so callers
	// can re-tune them for a different expected load.
	BloomN int

	// BloomP is the target false-positive rate BloomM/BloomK/BloomN were
	// chosen to hit. Like BloomN, it is informational: Open does not
	// derive BloomM/BloomK from it.
	BloomP float64

	// CreateIfMissing creates Dir when it does not exist. A directory
	// that exists but holds no manifest is initialized as a fresh
	// database whatever this is set to.
	CreateIfMissing bool

	// ErrorIfExists causes Open to fail if a database already exists
	// at Dir.
	ErrorIfExists bool

	// Sync selects the WAL's durability policy: when true, every write
	// is flushed and fsynced before Put/Delete returns; when false,
	// writes stay buffered until the WAL is synced or closed.
	Sync bool

	// Logger receives structured logs of recovery and compaction
	// activity. Defaults to DefaultLogger.
	Logger *slog.Logger
}

// DefaultOptions returns an Options value with sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		MemtableCapacity: DefaultMemtableCapacity,
		Fanout:           DefaultFanout,
		RunCapacity:      DefaultRunCapacity,
		MaxLevel:         DefaultMaxLevel,
		BlockSize:        DefaultBlockSize,
		SSTableSizeCap:   DefaultSSTableSizeCap,
		BloomM:           DefaultBloomM,
		BloomK:           DefaultBloomK,
		BloomN:           DefaultBloomN,
		BloomP:           DefaultBloomP,
		CreateIfMissing:  true,
		Sync:             true,
		Logger:           DefaultLogger(),
	}
}

// Validate checks that Options describes an openable database,
// catching the configuration mistakes that would otherwise surface as
// confusing failures deep in recovery or compaction.
func (o *Options) Validate() error {
	if o.Dir == "" {
		return ErrInvalidPath
	}
	if o.MemtableCapacity <= 0 {
		return ErrInvalidMemtableCapacity
	}
	if o.Fanout <= 1 {
		return ErrInvalidFanout
	}
	if o.RunCapacity <= 0 {
		return ErrInvalidRunCapacity
	}
	if o.MaxLevel <= 0 {
		return ErrInvalidMaxLevel
	}
	if o.BlockSize <= 0 {
		return ErrInvalidBlockSize
	}
	if o.BloomM <= 0 {
		return ErrInvalidBloomM
	}
	if o.BloomK <= 0 {
		return ErrInvalidBloomK
	}
	if o.BloomN <= 0 {
		return ErrInvalidBloomN
	}
	if o.BloomP <= 0 || o.BloomP >= 1 {
		return ErrInvalidBloomP
	}
	return nil
}

// Clone returns a shallow copy of o, or fresh defaults if o is nil.
// A nil Logger is filled in with DefaultLogger, so callers that build
// an Options literal by hand without setting one don't crash the
// first time Open tries to log.
func (o *Options) Clone() *Options {
	if o == nil {
		return DefaultOptions()
	}
	clone := *o
	if clone.Logger == nil {
		clone.Logger = DefaultLogger()
	}
	return &clone
}

func getLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// DefaultLogger logs warnings and errors only.
func DefaultLogger() *slog.Logger {
	return getLogger(slog.LevelWarn)
}

// DebugLogger logs everything, including per-compaction detail.
func DebugLogger() *slog.Logger {
	return getLogger(slog.LevelDebug)
}
