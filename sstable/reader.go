package sstable

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/mbkv/lsmkv/bloom"
	"github.com/mbkv/lsmkv/bufferpool"
	"github.com/mbkv/lsmkv/keys"
)

// Reader opens a physical SSTable file and serves point lookups,
// membership tests, and full scans against it. The index and filter
// blocks are decoded once, at Open, and held for the Reader's
// lifetime; data blocks are read through short-lived file handles
// opened per access, since they dominate a working set that should
// not sit pinned in memory.
type Reader struct {
	path   string
	fences []fencePointer
	filter *bloom.Filter
	meta   Meta
	logger *slog.Logger
}

// defaultLogger is used when a caller passes a nil *slog.Logger.
func defaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Open reads path's footer, index block, and filter block and returns
// a Reader ready to serve lookups against it. bloomM and bloomK must
// match the database's bloom_m/bloom_k configuration: the filter block
// on disk carries only bits, not the parameters that gave them
// meaning. A nil logger disables logging.
func Open(path string, bloomM uint64, bloomK int, logger *slog.Logger) (*Reader, error) {
	if logger == nil {
		logger = defaultLogger()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: open %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: stat %s", path)
	}
	size := info.Size()
	if size < footerSize {
		return nil, errors.Newf("sstable: %s too small to hold a footer", path)
	}

	var footer [footerSize]byte
	if _, err := f.ReadAt(footer[:], size-footerSize); err != nil {
		return nil, errors.Wrapf(err, "sstable: read footer of %s", path)
	}
	if !bytes.Equal(footer[28+2*keys.EncodedSize:], magic[:]) {
		return nil, errors.Wrapf(ErrBadMagic, "sstable: %s", path)
	}

	indexOff := binary.BigEndian.Uint64(footer[0:8])
	indexSize := binary.BigEndian.Uint32(footer[8:12])
	filterOff := binary.BigEndian.Uint64(footer[12:20])
	filterSize := binary.BigEndian.Uint32(footer[20:24])
	keyCount := binary.BigEndian.Uint32(footer[24:28])
	min, err := keys.Decode(footer[28 : 28+keys.EncodedSize])
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: decode min key of %s", path)
	}
	max, err := keys.Decode(footer[28+keys.EncodedSize : 28+2*keys.EncodedSize])
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: decode max key of %s", path)
	}

	indexBuf := make([]byte, indexSize)
	if indexSize > 0 {
		if _, err := f.ReadAt(indexBuf, int64(indexOff)); err != nil {
			return nil, errors.Wrapf(err, "sstable: read index block of %s", path)
		}
	}
	fences := make([]fencePointer, 0, indexSize/fenceEncodedSize)
	for off := 0; off+fenceEncodedSize <= len(indexBuf); off += fenceEncodedSize {
		entry := indexBuf[off : off+fenceEncodedSize]
		fmax, err := keys.Decode(entry[:keys.EncodedSize])
		if err != nil {
			return nil, errors.Wrapf(err, "sstable: decode fence pointer in %s", path)
		}
		fences = append(fences, fencePointer{
			max:    fmax,
			offset: binary.BigEndian.Uint64(entry[keys.EncodedSize : keys.EncodedSize+8]),
			size:   binary.BigEndian.Uint32(entry[keys.EncodedSize+8:]),
		})
	}

	filterBuf := make([]byte, filterSize)
	if _, err := f.ReadAt(filterBuf, int64(filterOff)); err != nil {
		return nil, errors.Wrapf(err, "sstable: read filter block of %s", path)
	}
	filter, err := bloom.Decode(bloomM, bloomK, filterBuf)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: decode filter block of %s", path)
	}

	fileID, err := ParseFileID(path)
	if err != nil {
		return nil, err
	}

	logger.Debug("opened sstable", "path", path, "key_count", keyCount, "blocks", len(fences))
	return &Reader{
		path:   path,
		fences: fences,
		filter: filter,
		logger: logger,
		meta: Meta{
			FileID:   fileID,
			Path:     path,
			Size:     size,
			KeyCount: keyCount,
			Min:      min,
			Max:      max,
		},
	}, nil
}

// Meta returns the metadata recovered from this file's footer.
func (r *Reader) Meta() Meta {
	return r.meta
}

// MayContain reports whether uk might be present in this table. A
// false result is a definitive answer; a true result requires an
// actual lookup to confirm.
func (r *Reader) MayContain(uk keys.UserKey) bool {
	return r.filter.MayContain(uk)
}

func (r *Reader) fenceFor(target keys.TableKey) (int, bool) {
	for i := range r.fences {
		if keys.Compare(r.fences[i].max, target) >= 0 {
			return i, true
		}
	}
	return 0, false
}

func (r *Reader) readBlock(fp fencePointer) ([]byte, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: open %s", r.path)
	}
	defer f.Close()
	buf := bufferpool.GetBuffer(int(fp.size))
	if _, err := f.ReadAt(buf, int64(fp.offset)); err != nil {
		return nil, errors.Wrapf(err, "sstable: read data block of %s", r.path)
	}
	r.logger.Debug("read data block", "path", r.path, "offset", fp.offset, "size", fp.size)
	return buf, nil
}

// Get looks up lk's user key at its snapshot sequence number. It
// returns the table key that answers the lookup (which may be a
// tombstone; the caller decides what a Delete write type means) and
// false if the key is absent from this table.
//
// The index is scanned linearly rather than by binary search: a
// table's block count is small enough that the difference is not
// measurable, and it keeps the on-disk index format free of any
// ordering requirement beyond "ascending", matching the fixed-width
// data blocks it points at.
func (r *Reader) Get(lk keys.LookupKey) (keys.TableKey, bool, error) {
	if !r.filter.MayContain(lk.UserKey) {
		return keys.TableKey{}, false, nil
	}
	target := lk.AsTableKey()
	idx, ok := r.fenceFor(target)
	if !ok {
		return keys.TableKey{}, false, nil
	}
	data, err := r.readBlock(r.fences[idx])
	if err != nil {
		return keys.TableKey{}, false, err
	}
	it := newBlockIterator(data)
	defer it.Close()
	if !it.seekFrom(target) {
		return keys.TableKey{}, false, nil
	}
	if it.Key().UserKey != lk.UserKey {
		return keys.TableKey{}, false, nil
	}
	return it.Key(), true, nil
}

// Iterator walks every table key in a Reader's file in ascending
// order.
type Iterator struct {
	r        *Reader
	f        *os.File
	fenceIdx int
	blockIt  *blockIterator
}

// NewIterator opens a file handle for scanning and returns an
// iterator positioned before the first key.
func (r *Reader) NewIterator() (*Iterator, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: open %s for iteration", r.path)
	}
	return &Iterator{r: r, f: f, fenceIdx: -1}, nil
}

func (it *Iterator) loadBlock(idx int) error {
	if it.blockIt != nil {
		it.blockIt.Close()
		it.blockIt = nil
	}
	fp := it.r.fences[idx]
	buf := bufferpool.GetBuffer(int(fp.size))
	if _, err := it.f.ReadAt(buf, int64(fp.offset)); err != nil {
		return errors.Wrapf(err, "sstable: read data block of %s", it.r.path)
	}
	it.r.logger.Debug("read data block", "path", it.r.path, "offset", fp.offset, "size", fp.size)
	it.blockIt = newBlockIterator(buf)
	it.fenceIdx = idx
	return nil
}

func (it *Iterator) Next() bool {
	for {
		if it.blockIt == nil {
			if it.fenceIdx+1 >= len(it.r.fences) {
				return false
			}
			if err := it.loadBlock(it.fenceIdx + 1); err != nil {
				return false
			}
		}
		if it.blockIt.Next() {
			return true
		}
		it.blockIt.Close()
		it.blockIt = nil
	}
}

func (it *Iterator) Key() keys.TableKey {
	return it.blockIt.Key()
}

// Seek positions the iterator at the least key >= target by scanning
// the fence pointers for the block that must contain it, then
// scanning that block, mirroring Reader.Get's lookup strategy.
func (it *Iterator) Seek(target keys.TableKey) {
	idx, ok := it.r.fenceFor(target)
	if !ok {
		if it.blockIt != nil {
			it.blockIt.Close()
		}
		it.blockIt = nil
		it.fenceIdx = len(it.r.fences)
		return
	}
	if err := it.loadBlock(idx); err != nil {
		it.blockIt = nil
		return
	}
	if !it.blockIt.seekFrom(target) {
		it.blockIt.Close()
		it.blockIt = nil
	}
}

func (it *Iterator) Close() error {
	if it.blockIt != nil {
		it.blockIt.Close()
	}
	return it.f.Close()
}
