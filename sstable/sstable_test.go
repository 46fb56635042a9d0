package sstable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mbkv/lsmkv/bloom"
	"github.com/mbkv/lsmkv/keys"
)

func writeGarbageFile(path string, size int) error {
	return os.WriteFile(path, make([]byte, size), 0o644)
}

func writeTable(t *testing.T, dir string, blockSize int, sizeCap int64, tks []keys.TableKey) []*Meta {
	t.Helper()
	nextID := uint64(0)
	w := NewWriter(WriterOptions{
		Dir:       dir,
		BlockSize: blockSize,
		SizeCap:   sizeCap,
		NextFileID: func() uint64 {
			nextID++
			return nextID
		},
		BloomM: bloom.DefaultM,
		BloomK: bloom.DefaultK,
	})
	for _, tk := range tks {
		if err := w.Add(tk); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	metas, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return metas
}

func identitySweep(n int) []keys.TableKey {
	tks := make([]keys.TableKey, n)
	for i := 0; i < n; i++ {
		tks[i] = keys.Identity(int32(i))
	}
	return tks
}

func TestWriterSingleFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tks := identitySweep(200)
	metas := writeTable(t, dir, 1<<20, 0, tks)
	if len(metas) != 1 {
		t.Fatalf("expected a single file, got %d", len(metas))
	}
	if metas[0].KeyCount != 200 {
		t.Errorf("expected key count 200, got %d", metas[0].KeyCount)
	}

	r, err := Open(metas[0].Path, bloom.DefaultM, bloom.DefaultK, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 200; i++ {
		got, ok, err := r.Get(keys.LookupKey{UserKey: keys.UserKey(i), SeqNum: keys.SeqNum(i)})
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if !ok {
			t.Fatalf("Get(%d): not found", i)
		}
		if got != tks[i] {
			t.Errorf("Get(%d): got %+v, want %+v", i, got, tks[i])
		}
	}

	if _, ok, err := r.Get(keys.LookupKey{UserKey: 99999, SeqNum: 99999}); err != nil || ok {
		t.Errorf("Get on missing key: ok=%v err=%v", ok, err)
	}
}

func TestWriterSplitsOnSizeCap(t *testing.T) {
	dir := t.TempDir()
	tks := identitySweep(500)
	// A tiny cap forces the writer to roll to a new physical file
	// repeatedly.
	metas := writeTable(t, dir, 256, int64(keys.EncodedSize*10), tks)
	if len(metas) < 2 {
		t.Fatalf("expected multiple files from a tiny size cap, got %d", len(metas))
	}

	var total uint32
	for _, m := range metas {
		total += m.KeyCount
	}
	if total != 500 {
		t.Errorf("expected 500 keys across all files, got %d", total)
	}

	for i, m := range metas {
		if i > 0 && keys.Compare(metas[i-1].Max, m.Min) >= 0 {
			t.Errorf("file %d's min key does not sort after file %d's max key", i, i-1)
		}
	}
}

func TestReaderIteratorScansInOrder(t *testing.T) {
	dir := t.TempDir()
	tks := identitySweep(100)
	metas := writeTable(t, dir, 512, 0, tks)

	r, err := Open(metas[0].Path, bloom.DefaultM, bloom.DefaultK, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	it, err := r.NewIterator()
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	i := 0
	for it.Next() {
		if it.Key() != tks[i] {
			t.Fatalf("position %d: got %+v, want %+v", i, it.Key(), tks[i])
		}
		i++
	}
	if i != len(tks) {
		t.Errorf("expected %d keys, scanned %d", len(tks), i)
	}
}

func TestReaderIteratorSeek(t *testing.T) {
	dir := t.TempDir()
	tks := identitySweep(100)
	metas := writeTable(t, dir, 512, 0, tks)

	r, err := Open(metas[0].Path, bloom.DefaultM, bloom.DefaultK, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	it, err := r.NewIterator()
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	defer it.Close()

	it.Seek(keys.Identity(50))
	if it.Key() != tks[50] {
		t.Errorf("Seek(50): got %+v, want %+v", it.Key(), tks[50])
	}

	it.Seek(keys.TableKey{UserKey: 99999})
	if it.blockIt != nil {
		t.Errorf("Seek past the end should leave no active block")
	}
}

func TestMayContainHasNoFalseNegatives(t *testing.T) {
	dir := t.TempDir()
	tks := identitySweep(300)
	metas := writeTable(t, dir, 512, 0, tks)

	r, err := Open(metas[0].Path, bloom.DefaultM, bloom.DefaultK, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 300; i++ {
		if !r.MayContain(keys.UserKey(i)) {
			t.Errorf("MayContain(%d): false negative", i)
		}
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-a-table.sst")
	if err := writeGarbageFile(path, footerSize); err != nil {
		t.Fatalf("writeGarbageFile: %v", err)
	}
	if _, err := Open(path, bloom.DefaultM, bloom.DefaultK, nil); err == nil {
		t.Errorf("expected Open to reject a file with no valid footer")
	}
}
