package lsmkv

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/mbkv/lsmkv/keys"
)

func testOptions(dir string) *Options {
	opts := DefaultOptions()
	opts.Dir = dir
	opts.Logger = DebugLogger()
	return opts
}

// TestBasicOperations covers the fundamental put/get/delete cycle.
// If this fails, nothing built on top of it is worth chasing.
func TestBasicOperations(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(testOptions(dir))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := db.Put(1, 100); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, err := db.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 100 {
		t.Errorf("Get(1) = %d, want 100", v)
	}

	if _, err := db.Get(2); err != ErrNotFound {
		t.Errorf("Get(2) = %v, want ErrNotFound", err)
	}

	if err := db.Delete(1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Get(1); err != ErrNotFound {
		t.Errorf("Get(1) after delete = %v, want ErrNotFound", err)
	}
}

// TestOverwriteReturnsNewestValue checks that a later Put shadows an
// earlier one at the same key, not just that both exist.
func TestOverwriteReturnsNewestValue(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(testOptions(dir))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	for i := 0; i < 5; i++ {
		if err := db.Put(7, keys.UserValue(i)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	v, err := db.Get(7)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != 4 {
		t.Errorf("Get(7) = %d, want 4", v)
	}
}

// TestMinorCompactionFlushesAndSurvivesRestart forces several
// memtable flushes with a tiny capacity, then reopens the database to
// confirm the flushed data is recoverable from what the manifest and
// SSTables persisted, with the unflushed tail replayed from the WAL.
func TestMinorCompactionFlushesAndSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MemtableCapacity = 4

	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const n = 50
	for i := 0; i < n; i++ {
		if err := db.Put(keys.UserKey(i), keys.UserValue(i*10)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if db.tree.NumLevels() == 0 {
		t.Fatal("expected at least one level after repeated flushes")
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	for i := 0; i < n; i++ {
		v, err := db2.Get(keys.UserKey(i))
		if err != nil {
			t.Fatalf("Get(%d) after restart: %v", i, err)
		}
		if v != keys.UserValue(i*10) {
			t.Errorf("Get(%d) after restart = %d, want %d", i, v, i*10)
		}
	}
}

// TestDebugStringReflectsTreeShape checks that DebugString mentions
// every level a round of flushing actually produced, without
// asserting on exact formatting.
func TestDebugStringReflectsTreeShape(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MemtableCapacity = 4

	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	const n = 20
	for i := 0; i < n; i++ {
		if err := db.Put(keys.UserKey(i), keys.UserValue(i)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	out := db.DebugString()
	if out == "" {
		t.Fatal("expected a non-empty debug dump once data has been flushed")
	}
	if !strings.Contains(out, "L0:") {
		t.Errorf("debug dump = %q, want it to mention L0", out)
	}
}

// TestCrashRecoveryReplaysWAL simulates a crash by releasing the
// directory lock without going through Close, which would otherwise
// flush cleanly. A fresh Open against the same directory should
// recover every write from the WAL segment left behind.
func TestCrashRecoveryReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MemtableCapacity = 1000 // keep everything in the WAL, nothing flushed

	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	const n = 20
	for i := 0; i < n; i++ {
		if err := db.Put(keys.UserKey(i), keys.UserValue(i+1)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if err := db.Delete(5); err != nil {
		t.Fatalf("Delete(5): %v", err)
	}
	if err := db.locker.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	db2, err := Open(opts)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer db2.Close()

	for i := 0; i < n; i++ {
		if i == 5 {
			if _, err := db2.Get(5); err != ErrNotFound {
				t.Errorf("Get(5) = %v, want ErrNotFound", err)
			}
			continue
		}
		v, err := db2.Get(keys.UserKey(i))
		if err != nil {
			t.Fatalf("Get(%d) after recovery: %v", i, err)
		}
		if v != keys.UserValue(i+1) {
			t.Errorf("Get(%d) after recovery = %d, want %d", i, v, i+1)
		}
	}
}

// TestRangeScanOrderingAndDedup checks that Range visits live keys in
// ascending order, shows only the newest value for an overwritten key,
// and skips keys whose newest write was a delete.
func TestRangeScanOrderingAndDedup(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MemtableCapacity = 8

	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	for i := 0; i < 30; i++ {
		if err := db.Put(keys.UserKey(i), keys.UserValue(i)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	// Overwrite a handful and delete a handful, spanning both the live
	// memtable and whatever has already been flushed.
	for _, i := range []int{3, 10, 20} {
		if err := db.Put(keys.UserKey(i), keys.UserValue(1000+i)); err != nil {
			t.Fatalf("overwrite Put(%d): %v", i, err)
		}
	}
	for _, i := range []int{7, 15, 25} {
		if err := db.Delete(keys.UserKey(i)); err != nil {
			t.Fatalf("Delete(%d): %v", i, err)
		}
	}

	deleted := map[keys.UserKey]bool{7: true, 15: true, 25: true}
	overwritten := map[keys.UserKey]keys.UserValue{3: 1003, 10: 1010, 20: 1020}

	var got []keys.UserKey
	err = db.Range(0, 30, func(e Entry) bool {
		got = append(got, e.Key)
		if deleted[e.Key] {
			t.Errorf("Range visited deleted key %d", e.Key)
		}
		want := keys.UserValue(e.Key)
		if v, ok := overwritten[e.Key]; ok {
			want = v
		}
		if e.Value != want {
			t.Errorf("Range key %d value = %d, want %d", e.Key, e.Value, want)
		}
		return true
	})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}

	wantCount := 30 - len(deleted)
	if len(got) != wantCount {
		t.Fatalf("Range visited %d keys, want %d", len(got), wantCount)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("Range not ascending at index %d: %d >= %d", i, got[i-1], got[i])
		}
	}
}

// TestErrorIfExists checks that Open refuses to reopen a directory
// that already holds a database when ErrorIfExists is set.
func TestErrorIfExists(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopenOpts := testOptions(dir)
	reopenOpts.ErrorIfExists = true
	if _, err := Open(reopenOpts); err == nil {
		t.Error("Open with ErrorIfExists succeeded against an existing database")
	}
}

// TestOpenRejectsMissingDirWithoutCreate checks that a missing
// directory is an error when CreateIfMissing is false.
func TestOpenRejectsMissingDirWithoutCreate(t *testing.T) {
	dir := t.TempDir() + "/does-not-exist"
	opts := testOptions(dir)
	opts.CreateIfMissing = false
	if _, err := Open(opts); err == nil {
		t.Error("Open succeeded against a missing directory with CreateIfMissing=false")
	}
}

// TestPropertyBasedOperations runs a long randomized mix of
// put/delete/get/range operations against a real DB and checks every
// result against a reference oracle: a plain map[keys.UserKey]
// keys.UserValue for live data plus a tombstone set for keys that have
// been deleted at least once. Disagreement between the two means an
// invariant from the ordering/layering/versioning list has broken,
// the same role the teacher's PropertyBasedTester/StateValidator pair
// plays in state_consistency_test.go, adapted here to this engine's
// fixed-width int32 keys and values and to its synchronous,
// no-goroutines compaction (there is no "wait for background work"
// step to reproduce).
func TestPropertyBasedOperations(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.MemtableCapacity = 16
	opts.RunCapacity = 3

	db, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	const (
		numOperations = 2000
		keySpace      = 200
	)

	rng := rand.New(rand.NewPCG(1, 2))
	live := make(map[keys.UserKey]keys.UserValue)
	tombstoned := make(map[keys.UserKey]bool)

	randKey := func() keys.UserKey {
		return keys.UserKey(rng.IntN(keySpace))
	}

	checkAgainstOracle := func(step int) {
		t.Helper()
		for k, wantV := range live {
			gotV, err := db.Get(k)
			if err != nil {
				t.Fatalf("step %d: Get(%d) = err %v, want value %d", step, k, err, wantV)
			}
			if gotV != wantV {
				t.Fatalf("step %d: Get(%d) = %d, want %d", step, k, gotV, wantV)
			}
		}
		for k := range tombstoned {
			if _, ok := live[k]; ok {
				continue
			}
			if _, err := db.Get(k); err != ErrNotFound {
				t.Fatalf("step %d: Get(%d) = %v, want ErrNotFound", step, k, err)
			}
		}

		var got []keys.UserKey
		if err := db.Range(0, keySpace, func(e Entry) bool {
			got = append(got, e.Key)
			want, ok := live[e.Key]
			if !ok {
				t.Fatalf("step %d: Range visited %d, which is not live in the oracle", step, e.Key)
			}
			if e.Value != want {
				t.Fatalf("step %d: Range(%d) = %d, want %d", step, e.Key, e.Value, want)
			}
			return true
		}); err != nil {
			t.Fatalf("step %d: Range: %v", step, err)
		}
		if len(got) != len(live) {
			t.Fatalf("step %d: Range visited %d keys, oracle has %d live", step, len(got), len(live))
		}
		for i := 1; i < len(got); i++ {
			if got[i-1] >= got[i] {
				t.Fatalf("step %d: Range not strictly ascending at %d: %d >= %d", step, i, got[i-1], got[i])
			}
		}
	}

	for i := 0; i < numOperations; i++ {
		k := randKey()
		switch rng.IntN(3) {
		case 0: // put
			v := keys.UserValue(rng.Int32())
			if err := db.Put(k, v); err != nil {
				t.Fatalf("step %d: Put(%d, %d): %v", i, k, v, err)
			}
			live[k] = v
			delete(tombstoned, k)
		case 1: // delete
			if err := db.Delete(k); err != nil {
				t.Fatalf("step %d: Delete(%d): %v", i, k, err)
			}
			delete(live, k)
			tombstoned[k] = true
		case 2: // get
			v, err := db.Get(k)
			if wantV, ok := live[k]; ok {
				if err != nil || v != wantV {
					t.Fatalf("step %d: Get(%d) = (%d, %v), want (%d, nil)", i, k, v, err, wantV)
				}
			} else if err != ErrNotFound {
				t.Fatalf("step %d: Get(%d) = (%d, %v), want ErrNotFound", i, k, v, err)
			}
		}

		if i%50 == 0 {
			checkAgainstOracle(i)
		}
	}

	checkAgainstOracle(numOperations)
}

// TestOperationsAfterCloseFail checks that the DB rejects further use
// once Close has run, rather than silently touching closed resources.
func TestOperationsAfterCloseFail(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(testOptions(dir))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := db.Put(1, 1); err != ErrDBClosed {
		t.Errorf("Put after Close = %v, want ErrDBClosed", err)
	}
	if _, err := db.Get(1); err != ErrDBClosed {
		t.Errorf("Get after Close = %v, want ErrDBClosed", err)
	}
}
