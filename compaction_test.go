package lsmkv

import (
	"testing"

	"github.com/mbkv/lsmkv/keys"
)

// TestCompactionPromotesDataBeyondLevelZero forces level 0 to exceed
// its size capacity repeatedly and checks that data ends up in level
// 1, with every previously written key still retrievable, and every
// level still within both of its capacities once Put returns. The run
// capacity is set high enough that size, not run count, is what
// drives level 0's compactions here.
func TestCompactionPromotesDataBeyondLevelZero(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MemtableCapacity = 20
	opts.RunCapacity = 300
	opts.MaxLevel = 3

	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	const n = 200
	for i := 0; i < n; i++ {
		if err := db.Put(keys.UserKey(i), keys.UserValue(i*2)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	if db.tree.NumLevels() < 2 || db.tree.levels[1].NumRuns() == 0 {
		t.Fatalf("expected level 1 to hold data after repeated level-0 overflow, levels=%d", db.tree.NumLevels())
	}

	for _, l := range db.tree.levels {
		if l.NumRuns() > l.runCapacity {
			t.Errorf("level has %d runs, want <= %d", l.NumRuns(), l.runCapacity)
		}
		if l.Size() > l.sizeCapacity {
			t.Errorf("level has %d bytes, want <= %d", l.Size(), l.sizeCapacity)
		}
	}

	for i := 0; i < n; i++ {
		v, err := db.Get(keys.UserKey(i))
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if v != keys.UserValue(i*2) {
			t.Errorf("Get(%d) = %d, want %d", i, v, i*2)
		}
	}
}

// TestVerticalCompactionTombstoneLifecycle mirrors a delete's journey
// through the tree: retained by a vertical compaction into a
// non-final level, dropped once pushed into the final level, since
// there is nowhere deeper left for it to shadow a stale value.
func TestVerticalCompactionTombstoneLifecycle(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MemtableCapacity = 1
	opts.RunCapacity = 10000 // large enough that nothing auto-compacts underneath this test
	opts.MaxLevel = 2

	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := db.Put(5, 50); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Delete(5); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if db.tree.levels[0].NumRuns() != 2 {
		t.Fatalf("expected 2 runs in level 0 before compaction, got %d", db.tree.levels[0].NumRuns())
	}

	// Level 0 -> level 1 is not the final level: the tombstone must
	// survive the merge.
	if err := db.verticalCompact(0); err != nil {
		t.Fatalf("verticalCompact(0): %v", err)
	}
	if got := db.tree.levels[0].NumRuns(); got != 0 {
		t.Fatalf("level 0 should be empty after compaction, has %d runs", got)
	}
	if got := db.tree.levels[1].NumRuns(); got != 1 {
		t.Fatalf("level 1 should hold the merged run, has %d runs", got)
	}
	tk, ok := onlyKey(t, db.tree.levels[1])
	if !ok {
		t.Fatalf("expected the tombstone to survive the non-final compaction")
	}
	if tk.WriteType != keys.WriteTypeDelete {
		t.Fatalf("expected a delete marker, got %v", tk.WriteType)
	}

	// Level 1 -> level 2 is the final level: the tombstone has nothing
	// left to shadow and should be dropped.
	if err := db.verticalCompact(1); err != nil {
		t.Fatalf("verticalCompact(1): %v", err)
	}
	if got := db.tree.levels[1].NumRuns(); got != 0 {
		t.Fatalf("level 1 should be empty after compaction, has %d runs", got)
	}
	if got := db.tree.levels[2].NumRuns(); got != 0 {
		t.Fatalf("level 2 should hold nothing: the only entry was a dropped tombstone, got %d runs", got)
	}

	if _, err := db.Get(5); err != ErrNotFound {
		t.Errorf("Get(5) = %v, want ErrNotFound", err)
	}
}

// onlyKey returns the single table key stored across every run of a
// level that is expected to hold exactly one.
func onlyKey(t *testing.T, l *Level) (keys.TableKey, bool) {
	t.Helper()
	it, err := l.NewIterator()
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()
	if !it.Next() {
		return keys.TableKey{}, false
	}
	tk := it.Key()
	if it.Next() {
		t.Fatalf("expected exactly one key, found a second: %+v", it.Key())
	}
	return tk, true
}

// TestHorizontalCompactionMergesDisjointRuns builds up level 0's
// run count by flushing manually (bypassing the automatic
// checkLevelState that follows a Put-triggered flush), then checks
// that a single explicit checkLevelState call brings every level back
// within capacity without losing or duplicating any key. Each flushed
// run holds its own pair of keys, so no two runs overlap and the
// horizontal compaction falls back to merging all of a level's runs.
func TestHorizontalCompactionMergesDisjointRuns(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	// A memtable capacity this large, relative to the handful of keys
	// put per batch below, means flushMemtable never fires on its own:
	// every flush in this test is this test's own doing.
	opts.MemtableCapacity = 3000
	opts.RunCapacity = 3
	opts.MaxLevel = 3

	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	const batches = 5
	for b := 0; b < batches; b++ {
		if err := db.Put(keys.UserKey(b*2), keys.UserValue(b*2)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := db.Put(keys.UserKey(b*2+1), keys.UserValue(b*2+1)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := db.flushMemtable(); err != nil {
			t.Fatalf("flushMemtable: %v", err)
		}
	}
	if got := db.tree.levels[0].NumRuns(); got != batches {
		t.Fatalf("expected %d runs in level 0 before compaction, got %d", batches, got)
	}

	if err := db.checkLevelState(); err != nil {
		t.Fatalf("checkLevelState: %v", err)
	}

	for li, l := range db.tree.levels {
		if l.NumRuns() > l.runCapacity {
			t.Errorf("level %d has %d runs, want <= %d", li, l.NumRuns(), l.runCapacity)
		}
		if l.Size() > l.sizeCapacity {
			t.Errorf("level %d has %d bytes, want <= %d", li, l.Size(), l.sizeCapacity)
		}
	}

	n := batches * 2
	for i := 0; i < n; i++ {
		v, err := db.Get(keys.UserKey(i))
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if v != keys.UserValue(i) {
			t.Errorf("Get(%d) = %d, want %d", i, v, i)
		}
	}
}

// TestMinorCompactionSkipsEmptyMemtable checks that flushing an empty
// memtable produces no run at all, rather than an empty SSTable.
func TestMinorCompactionSkipsEmptyMemtable(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(testOptions(dir))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := db.minorCompact(db.mt); err != nil {
		t.Fatalf("minorCompact: %v", err)
	}
	if db.tree.NumLevels() != 0 {
		t.Fatalf("expected no levels to be created from an empty memtable, got %d", db.tree.NumLevels())
	}
}
