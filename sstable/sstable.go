// Package sstable implements the on-disk sorted-table format: fixed
// stride data blocks, a fence-pointer index block, a Bloom filter
// block, and a fixed-size footer, following the layout described in
// spec §6. It is the fixed-width, uncompressed descendant of the
// teacher's Pebble-style block format (see block.go).
package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/mbkv/lsmkv/bloom"
	"github.com/mbkv/lsmkv/keys"
)

// fenceEncodedSize is the on-disk size of one index-block entry:
// max table key (17 bytes) + block offset (8 bytes) + block size (4
// bytes).
const fenceEncodedSize = keys.EncodedSize + 8 + 4

// footerSize is the fixed size, in bytes, of the trailer every
// SSTable file ends with.
const footerSize = 8 + 4 + 8 + 4 + 4 + keys.EncodedSize + keys.EncodedSize + 8

// magic identifies a valid SSTable footer.
var magic = [8]byte{'l', 's', 'm', 'k', 'v', 's', 's', 't'}

// ErrBadMagic is returned by Open when a file's footer does not carry
// the expected magic number.
var ErrBadMagic = errors.New("sstable: bad magic number")

type fencePointer struct {
	max    keys.TableKey
	offset uint64
	size   uint32
}

// Meta describes one physical SSTable file produced by a Writer.
type Meta struct {
	FileID   uint64
	Path     string
	Size     int64
	KeyCount uint32
	Min, Max keys.TableKey
}

// WriterOptions configures a Writer. NextFileID is called once per
// physical file the writer opens, so the caller's file-ID counter
// (normally the tree's manifest-tracked counter) advances exactly
// once per output file.
type WriterOptions struct {
	Dir        string
	BlockSize  int
	SizeCap    int64 // 0 disables the per-file size cap
	NextFileID func() uint64

	// BloomM and BloomK configure the Bloom filter written into each
	// output file's filter block, per the database's bloom_m/bloom_k
	// settings.
	BloomM uint64
	BloomK int

	// Logger receives per-operation tracing. A nil Logger disables
	// logging.
	Logger *slog.Logger
}

// Writer builds one or more SSTable files from a strictly ascending
// stream of table keys. A single Writer may emit multiple physical
// files when SizeCap is reached, exactly as a memtable flush or a
// compaction that spans more data than one file should hold.
type Writer struct {
	opts  WriterOptions
	cur   *fileState
	metas []*Meta
}

type fileState struct {
	fileID   uint64
	path     string
	f        *os.File
	bw       *bufio.Writer
	offset   uint64
	block    *blockBuilder
	fences   []fencePointer
	filter   *bloom.Filter
	keyCount uint32
	min, max keys.TableKey
	haveMin  bool
}

// NewWriter returns a Writer that has not yet opened any file; the
// first physical file is created on the first call to Add.
func NewWriter(opts WriterOptions) *Writer {
	if opts.Logger == nil {
		opts.Logger = defaultLogger()
	}
	return &Writer{opts: opts}
}

// FileName returns the conventional file name for fileID, the
// %06d.sst scheme every SSTable file on disk follows.
func FileName(fileID uint64) string {
	return fmt.Sprintf("%06d.sst", fileID)
}

// ParseFileID recovers the file ID encoded in an SSTable's
// conventional file name, the inverse of FileName.
func ParseFileID(path string) (uint64, error) {
	name := strings.TrimSuffix(filepath.Base(path), ".sst")
	id, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "sstable: parse file id from %s", path)
	}
	return id, nil
}

func (w *Writer) openFile() error {
	id := w.opts.NextFileID()
	path := filepath.Join(w.opts.Dir, FileName(id))
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "sstable: create %s", path)
	}
	w.cur = &fileState{
		fileID: id,
		path:   path,
		f:      f,
		bw:     bufio.NewWriter(f),
		block:  newBlockBuilder(w.opts.BlockSize),
		filter: bloom.New(w.opts.BloomM, w.opts.BloomK),
	}
	w.opts.Logger.Debug("opened sstable for writing", "path", path, "file_id", id)
	return nil
}

// Add appends tk to the table currently being built. Table keys must
// be added in strictly ascending order; Writer trusts its caller
// (always the memtable flush or compaction path) to have merged its
// inputs already.
func (w *Writer) Add(tk keys.TableKey) error {
	if w.cur != nil && w.opts.SizeCap > 0 && w.cur.keyCount > 0 {
		projected := int64(w.cur.offset) + int64(w.cur.block.size())
		if projected >= w.opts.SizeCap {
			if err := w.closeCurrent(); err != nil {
				return err
			}
		}
	}
	if w.cur == nil {
		if err := w.openFile(); err != nil {
			return err
		}
	}

	fs := w.cur
	fs.block.add(tk)
	fs.filter.Insert(tk.UserKey)
	fs.keyCount++
	if !fs.haveMin {
		fs.min = tk
		fs.haveMin = true
	}
	fs.max = tk

	if fs.block.size()+keys.EncodedSize > w.opts.BlockSize {
		return w.flushBlock(fs)
	}
	return nil
}

func (w *Writer) flushBlock(fs *fileState) error {
	if fs.block.empty() {
		return nil
	}
	data := fs.block.finish()
	if _, err := fs.bw.Write(data); err != nil {
		return errors.Wrapf(err, "sstable: write data block to %s", fs.path)
	}
	fs.fences = append(fs.fences, fencePointer{
		max:    fs.max,
		offset: fs.offset,
		size:   uint32(len(data)),
	})
	fs.offset += uint64(len(data))
	fs.block.reset()
	w.opts.Logger.Debug("flushed data block", "path", fs.path, "offset", fs.fences[len(fs.fences)-1].offset, "size", len(data))
	return nil
}

func (w *Writer) closeCurrent() error {
	fs := w.cur
	w.cur = nil

	if err := w.flushBlock(fs); err != nil {
		return err
	}

	indexOff := fs.offset
	for _, fp := range fs.fences {
		var enc [fenceEncodedSize]byte
		fp.max.Encode(enc[:keys.EncodedSize])
		binary.BigEndian.PutUint64(enc[keys.EncodedSize:keys.EncodedSize+8], fp.offset)
		binary.BigEndian.PutUint32(enc[keys.EncodedSize+8:], fp.size)
		if _, err := fs.bw.Write(enc[:]); err != nil {
			return errors.Wrapf(err, "sstable: write index entry to %s", fs.path)
		}
		fs.offset += uint64(len(enc))
	}
	indexSize := fs.offset - indexOff

	filterOff := fs.offset
	filterBytes := fs.filter.Bytes()
	if _, err := fs.bw.Write(filterBytes); err != nil {
		return errors.Wrapf(err, "sstable: write filter block to %s", fs.path)
	}
	fs.offset += uint64(len(filterBytes))
	filterSize := len(filterBytes)

	var footer [footerSize]byte
	binary.BigEndian.PutUint64(footer[0:8], indexOff)
	binary.BigEndian.PutUint32(footer[8:12], uint32(indexSize))
	binary.BigEndian.PutUint64(footer[12:20], filterOff)
	binary.BigEndian.PutUint32(footer[20:24], uint32(filterSize))
	binary.BigEndian.PutUint32(footer[24:28], fs.keyCount)
	fs.min.Encode(footer[28 : 28+keys.EncodedSize])
	fs.max.Encode(footer[28+keys.EncodedSize : 28+2*keys.EncodedSize])
	copy(footer[28+2*keys.EncodedSize:], magic[:])
	if _, err := fs.bw.Write(footer[:]); err != nil {
		return errors.Wrapf(err, "sstable: write footer to %s", fs.path)
	}

	if err := fs.bw.Flush(); err != nil {
		return errors.Wrapf(err, "sstable: flush %s", fs.path)
	}
	if err := fs.f.Sync(); err != nil {
		return errors.Wrapf(err, "sstable: sync %s", fs.path)
	}
	size := int64(fs.offset) + footerSize
	if err := fs.f.Close(); err != nil {
		return errors.Wrapf(err, "sstable: close %s", fs.path)
	}

	w.metas = append(w.metas, &Meta{
		FileID:   fs.fileID,
		Path:     fs.path,
		Size:     size,
		KeyCount: fs.keyCount,
		Min:      fs.min,
		Max:      fs.max,
	})
	w.opts.Logger.Debug("closed sstable", "path", fs.path, "key_count", fs.keyCount, "size", size)
	return nil
}

// Finish closes the file currently being written, if any, and returns
// metadata for every physical file this Writer produced.
func (w *Writer) Finish() ([]*Meta, error) {
	if w.cur != nil {
		if err := w.closeCurrent(); err != nil {
			return nil, err
		}
	}
	return w.metas, nil
}
