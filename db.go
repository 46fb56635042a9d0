// Package lsmkv implements an embedded, single-process key-value
// store over fixed-width int32 keys and values, backed by a
// log-structured merge tree: a skiplist memtable ahead of a
// write-ahead log, flushed into sorted runs of fixed-width SSTables
// and compacted down through a small number of geometrically sized
// levels. The whole engine is single-threaded -- one goroutine, one
// caller at a time -- so Put, Delete, Get, and Range never block on
// anything but disk I/O, and compaction runs synchronously on the
// write path instead of on a background worker.
package lsmkv

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mbkv/lsmkv/keys"
	"github.com/mbkv/lsmkv/memtable"
	"github.com/mbkv/lsmkv/sstable"
	"github.com/mbkv/lsmkv/wal"
)

// DB is an open handle to a database directory. A DB is not safe for
// concurrent use by more than one goroutine; the engine assumes a
// single caller, matching its synchronous compaction design.
type DB struct {
	opts   *Options
	dir    string
	locker Locker
	rnd    *rand.Rand

	mt   *memtable.MemTable
	log  *wal.WAL
	tree *Tree

	nextSeq    keys.SeqNum
	nextFileID uint64

	closed bool
}

// Open opens (or creates) the database at opts.Dir.
func Open(opts *Options) (*DB, error) {
	opts = opts.Clone()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(opts.Dir); err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "lsmkv: stat %s", opts.Dir)
		}
		if !opts.CreateIfMissing {
			return nil, errors.Wrapf(err, "lsmkv: open %s", opts.Dir)
		}
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "lsmkv: create %s", opts.Dir)
		}
	}

	locker, err := newFileLocker(opts.Dir)
	if err != nil {
		return nil, err
	}
	if err := locker.Lock(); err != nil {
		return nil, err
	}

	db := &DB{
		opts: opts,
		dir:  opts.Dir,
		rnd:  rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0xda7a)),
	}

	if err := db.load(); err != nil {
		locker.Unlock()
		return nil, err
	}
	db.locker = locker
	return db, nil
}

func (db *DB) load() error {
	m, err := ReadManifest(db.dir)
	if errors.Is(err, ErrNoManifest) {
		return db.initFresh()
	}
	if err != nil {
		return err
	}
	if db.opts.ErrorIfExists {
		return errors.Newf("lsmkv: %s already holds a database", db.dir)
	}
	return db.recover(m)
}

// initFresh sets up a brand-new, empty database directory.
func (db *DB) initFresh() error {
	db.opts.Logger.Info("initializing new database", "dir", db.dir)
	db.nextFileID = 1
	db.nextSeq = 1
	db.tree = newTree(db.opts.MaxLevel, db.opts.Fanout, db.opts.RunCapacity, db.size0())
	db.mt = memtable.New(db.opts.MemtableCapacity, db.rnd)

	walFileID := db.allocFileID()
	logFile, err := wal.Open(db.dir, walFileID, db.opts.Sync, db.opts.Logger)
	if err != nil {
		return err
	}
	db.log = logFile
	return db.writeManifest()
}

// size0 is level 0's size capacity: run_capacity_0 x memtable_capacity.
// Every deeper level's capacity grows geometrically from this by
// Fanout.
func (db *DB) size0() int64 {
	return int64(db.opts.RunCapacity) * int64(db.opts.MemtableCapacity)
}

// recover rebuilds the tree from a manifest, replays whatever WAL
// segment was left behind by an unflushed memtable, and sweeps any
// file on disk that neither the manifest nor the recovered WAL
// segment references -- the debris a crash between writing an
// SSTable and writing the manifest that would reference it can leave
// behind.
func (db *DB) recover(m *Manifest) error {
	db.opts.Logger.Info("recovering database", "dir", db.dir, "next_file_id", m.NextFileID, "next_seq", m.NextSeqNum)

	db.nextFileID = m.NextFileID
	db.nextSeq = keys.SeqNum(m.NextSeqNum)
	db.tree = newTree(db.opts.MaxLevel, db.opts.Fanout, db.opts.RunCapacity, db.size0())

	live := map[uint64]bool{}
	for _, lm := range m.Levels {
		lvl := newLevel(lm.RunCapacity, lm.SizeCapacity)
		for _, rm := range lm.Runs {
			tables := make([]*sstable.Reader, 0, len(rm.Tables))
			for _, tm := range rm.Tables {
				path := filepath.Join(db.dir, sstable.FileName(tm.FileID))
				r, err := sstable.Open(path, db.opts.BloomM, db.opts.BloomK, db.opts.Logger)
				if err != nil {
					return errors.Wrapf(err, "lsmkv: reopen %s", path)
				}
				tables = append(tables, r)
				live[tm.FileID] = true
			}
			lvl.runs = append(lvl.runs, newRun(tables))
		}
		db.tree.levels = append(db.tree.levels, lvl)
	}

	db.mt = memtable.New(db.opts.MemtableCapacity, db.rnd)

	walPath, walFileID, err := findWALSegment(db.dir)
	if err != nil {
		return err
	}
	if walPath != "" {
		live[walFileID] = true
		if err := db.replayWAL(walPath); err != nil {
			return err
		}
	} else {
		walFileID = db.allocFileID()
		live[walFileID] = true
		logFile, err := wal.Open(db.dir, walFileID, db.opts.Sync, db.opts.Logger)
		if err != nil {
			return err
		}
		db.log = logFile
	}

	if err := db.sweepOrphans(live); err != nil {
		return err
	}
	return db.writeManifest()
}

// replayWAL inserts every valid record from the segment at path
// directly into the fresh memtable -- no seq-num allocation, no
// re-append to the log, since these writes are already durable on
// disk. It then reopens that same segment for appending, truncating
// away whatever partial trailing record a crash may have left, so new
// writes resume immediately after the last valid one.
func (db *DB) replayWAL(path string) error {
	var maxSeq keys.SeqNum

	offset, err := wal.Replay(path, db.opts.Logger, func(r wal.Record) error {
		tk := keys.TableKey{UserKey: r.UserKey, SeqNum: r.Seq, WriteType: r.WriteType, UserVal: r.UserVal}
		db.mt.Insert(tk)
		if r.Seq > maxSeq {
			maxSeq = r.Seq
		}
		return nil
	})
	if err != nil {
		return err
	}
	if maxSeq >= db.nextSeq {
		db.nextSeq = maxSeq + 1
	}

	logFile, err := wal.OpenAppend(path, offset, db.opts.Sync, db.opts.Logger)
	if err != nil {
		return err
	}
	db.log = logFile
	return nil
}

// findWALSegment returns the path and file ID of the one WAL segment
// in dir, if any. There is never more than one: a new segment is only
// opened when the previous memtable is flushed, at which point its
// segment is deleted.
func findWALSegment(dir string) (string, uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, errors.Wrapf(err, "lsmkv: read dir %s", dir)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".wal") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, ".wal"), 10, 64)
		if err != nil {
			continue
		}
		return filepath.Join(dir, name), id, nil
	}
	return "", 0, nil
}

// sweepOrphans removes every .sst and .wal file in the directory
// whose file ID is not in live: on-disk debris from a file that was
// written but never made it into a persisted manifest.
func (db *DB) sweepOrphans(live map[uint64]bool) error {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		return errors.Wrapf(err, "lsmkv: read dir %s", db.dir)
	}
	for _, e := range entries {
		name := e.Name()
		var idStr string
		switch {
		case strings.HasSuffix(name, ".sst"):
			idStr = strings.TrimSuffix(name, ".sst")
		case strings.HasSuffix(name, ".wal"):
			idStr = strings.TrimSuffix(name, ".wal")
		default:
			continue
		}
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		if live[id] {
			continue
		}
		path := filepath.Join(db.dir, name)
		db.opts.Logger.Warn("removing orphaned file", "path", path)
		if err := os.Remove(path); err != nil {
			return errors.Wrapf(err, "lsmkv: remove orphan %s", path)
		}
	}
	return nil
}

func (db *DB) allocFileID() uint64 {
	id := db.nextFileID
	db.nextFileID++
	return id
}

// writeManifest persists the tree's current shape, the outstanding
// file-ID and sequence-number counters, replacing whatever manifest
// was on disk before. Called after every structural change: memtable
// flush, horizontal compaction, vertical compaction.
func (db *DB) writeManifest() error {
	m := &Manifest{
		NextFileID:       db.nextFileID,
		NextSeqNum:       uint64(db.nextSeq),
		MemtableCapacity: db.opts.MemtableCapacity,
		Fanout:           db.opts.Fanout,
		RunCapacity:      db.opts.RunCapacity,
		MaxLevel:         db.opts.MaxLevel,
	}
	for _, l := range db.tree.levels {
		lm := LevelManifest{RunCapacity: l.runCapacity, SizeCapacity: l.sizeCapacity}
		for _, r := range l.runs {
			rm := RunManifest{}
			for _, t := range r.tables {
				meta := t.Meta()
				rm.Tables = append(rm.Tables, SSTableManifest{
					FileID:   meta.FileID,
					Size:     meta.Size,
					KeyCount: meta.KeyCount,
					Min:      meta.Min,
					Max:      meta.Max,
				})
			}
			lm.Runs = append(lm.Runs, rm)
		}
		m.Levels = append(m.Levels, lm)
	}
	return WriteManifest(db.dir, m)
}

// Put writes a value for key, visible to any Get or Range issued
// after it returns.
func (db *DB) Put(key keys.UserKey, value keys.UserValue) error {
	if db.closed {
		return ErrDBClosed
	}
	seq := db.allocSeq()
	if err := db.log.WritePut(seq, key, value); err != nil {
		return err
	}
	db.mt.Insert(keys.TableKey{UserKey: key, SeqNum: seq, WriteType: keys.WriteTypePut, UserVal: value})
	return db.maybeCompact()
}

// Delete removes key, if present. A subsequent Get for key returns
// ErrNotFound until a later Put reintroduces it.
func (db *DB) Delete(key keys.UserKey) error {
	if db.closed {
		return ErrDBClosed
	}
	seq := db.allocSeq()
	if err := db.log.WriteDelete(seq, key); err != nil {
		return err
	}
	db.mt.Insert(keys.TableKey{UserKey: key, SeqNum: seq, WriteType: keys.WriteTypeDelete})
	return db.maybeCompact()
}

func (db *DB) allocSeq() keys.SeqNum {
	seq := db.nextSeq
	db.nextSeq++
	return seq
}

// maybeCompact flushes the memtable if the write that just landed
// pushed it to capacity, then brings every level back within its
// capacities.
func (db *DB) maybeCompact() error {
	if !db.mt.WouldOverflow() {
		return nil
	}
	if err := db.flushMemtable(); err != nil {
		return err
	}
	return db.checkLevelState()
}

// flushMemtable performs a minor compaction and rotates to a fresh
// WAL segment, deleting the one the flushed memtable was backed by.
func (db *DB) flushMemtable() error {
	old := db.mt
	oldLog := db.log

	if err := db.minorCompact(old); err != nil {
		return err
	}

	db.mt = memtable.New(db.opts.MemtableCapacity, db.rnd)
	walFileID := db.allocFileID()
	newLog, err := wal.Open(db.dir, walFileID, db.opts.Sync, db.opts.Logger)
	if err != nil {
		return err
	}
	db.log = newLog

	oldPath := oldLog.Path()
	if err := oldLog.Close(); err != nil {
		return err
	}
	if err := os.Remove(oldPath); err != nil {
		return err
	}
	return db.writeManifest()
}

// Get returns the value for key, or ErrNotFound if it has no value
// (either it was never written, or the newest write was a Delete).
func (db *DB) Get(key keys.UserKey) (keys.UserValue, error) {
	if db.closed {
		return 0, ErrDBClosed
	}
	lk := keys.LookupKey{UserKey: key, SeqNum: db.nextSeq}

	if tk, ok := db.mt.Get(lk); ok {
		if tk.WriteType == keys.WriteTypeDelete {
			return 0, ErrNotFound
		}
		return tk.UserVal, nil
	}

	tk, ok, err := db.tree.Get(lk)
	if err != nil {
		return 0, err
	}
	if !ok || tk.WriteType == keys.WriteTypeDelete {
		return 0, ErrNotFound
	}
	return tk.UserVal, nil
}

// Entry is one key-value pair visited by Range.
type Entry struct {
	Key   keys.UserKey
	Value keys.UserValue
}

// Range calls fn for every live key in [start, end) (end exclusive),
// in ascending key order, stopping early if fn returns false.
func (db *DB) Range(start, end keys.UserKey, fn func(Entry) bool) error {
	if db.closed {
		return ErrDBClosed
	}
	mtIt := db.mt.NewIterator()
	treeIt, err := db.tree.NewIterator()
	if err != nil {
		mtIt.Close()
		return err
	}
	it := newDBIterator(mtIt, treeIt)
	defer it.Close()

	target := keys.LookupKey{UserKey: start, SeqNum: db.nextSeq}.AsTableKey()
	it.Seek(target)

	for it.NextUserKey() {
		tk := it.Key()
		if tk.UserKey >= end {
			break
		}
		if !fn(Entry{Key: tk.UserKey, Value: tk.UserVal}) {
			break
		}
	}
	return nil
}

// DebugString renders the tree's current shape -- one line per level,
// one per run, one per table -- for use in tests and debug logging. It
// is not a stats API: nothing here is accumulated or exposed beyond
// this one on-demand dump of the tree as it stands right now.
func (db *DB) DebugString() string {
	var b strings.Builder
	for i, l := range db.tree.levels {
		fmt.Fprintf(&b, "L%d: %d runs, %d bytes (cap %d runs / %d bytes)\n", i, l.NumRuns(), l.Size(), l.runCapacity, l.sizeCapacity)
		for ri, r := range l.runs {
			fmt.Fprintf(&b, "  run %d: %d tables, %d bytes\n", ri, r.NumTables(), r.Size())
			for _, t := range r.tables {
				m := t.Meta()
				fmt.Fprintf(&b, "    table %d: keys [%d, %d], %d entries, %d bytes\n", m.FileID, m.Min.UserKey, m.Max.UserKey, m.KeyCount, m.Size)
			}
		}
	}
	return b.String()
}

// Close flushes and syncs the active WAL segment and releases the
// directory lock. It does not flush the memtable to a sorted run:
// whatever it holds is recovered from the WAL the next time the
// database is opened.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true
	if err := db.log.Sync(); err != nil {
		db.locker.Unlock()
		return err
	}
	if err := db.log.Close(); err != nil {
		db.locker.Unlock()
		return err
	}
	return db.locker.Unlock()
}
