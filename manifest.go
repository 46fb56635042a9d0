package lsmkv

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/mbkv/lsmkv/keys"
)

// The manifest is a single file holding a complete snapshot of the
// tree's shape -- every level's capacities and every run's table
// metadata -- rather than the teacher's incremental log of version
// edits. A single-threaded engine only ever has one writer and never
// needs to replay a history of edits to reach the current state, so
// there is nothing an incremental log buys that a full rewrite on
// every structural change doesn't; it also makes recovery a single
// read instead of a log replay.

const manifestFileName = "MANIFEST"

var manifestMagic = [4]byte{'L', 'M', 'F', '1'}

var manifestCrc32Table = crc32.MakeTable(0xEDB88320)

// SSTableManifest records one physical file's metadata. Its path is
// not stored: file names are derived from FileID by the sstable
// package's own naming convention, so recovery only needs the number.
type SSTableManifest struct {
	FileID   uint64
	Size     int64
	KeyCount uint32
	Min, Max keys.TableKey
}

// RunManifest records one sorted run as the ordered sequence of
// tables that make it up.
type RunManifest struct {
	Tables []SSTableManifest
}

// LevelManifest records one level's capacities and its runs.
type LevelManifest struct {
	RunCapacity  int
	SizeCapacity int64
	Runs         []RunManifest
}

// Manifest is the full persisted state of a database, everything
// needed to reconstruct a Tree and resume allocating file IDs and
// sequence numbers without reusing one already on disk.
type Manifest struct {
	NextFileID       uint64
	NextSeqNum       uint64
	MemtableCapacity int
	Fanout           int
	RunCapacity      int
	MaxLevel         int
	Levels           []LevelManifest
}

func encodeManifest(m *Manifest) []byte {
	var buf bytes.Buffer
	putU64(&buf, m.NextFileID)
	putU64(&buf, m.NextSeqNum)
	putU32(&buf, uint32(m.MemtableCapacity))
	putU32(&buf, uint32(m.Fanout))
	putU32(&buf, uint32(m.RunCapacity))
	putU32(&buf, uint32(m.MaxLevel))
	putU32(&buf, uint32(len(m.Levels)))
	for _, l := range m.Levels {
		putU32(&buf, uint32(l.RunCapacity))
		putU64(&buf, uint64(l.SizeCapacity))
		putU32(&buf, uint32(len(l.Runs)))
		for _, r := range l.Runs {
			putU32(&buf, uint32(len(r.Tables)))
			for _, t := range r.Tables {
				putU64(&buf, t.FileID)
				putU64(&buf, uint64(t.Size))
				putU32(&buf, t.KeyCount)
				var enc [keys.EncodedSize]byte
				t.Min.Encode(enc[:])
				buf.Write(enc[:])
				t.Max.Encode(enc[:])
				buf.Write(enc[:])
			}
		}
	}
	return buf.Bytes()
}

func decodeManifest(data []byte) (*Manifest, error) {
	r := bytes.NewReader(data)
	m := &Manifest{}
	var err error
	if m.NextFileID, err = getU64(r); err != nil {
		return nil, err
	}
	if m.NextSeqNum, err = getU64(r); err != nil {
		return nil, err
	}
	memCap, err := getU32(r)
	if err != nil {
		return nil, err
	}
	m.MemtableCapacity = int(memCap)
	fanout, err := getU32(r)
	if err != nil {
		return nil, err
	}
	m.Fanout = int(fanout)
	runCap, err := getU32(r)
	if err != nil {
		return nil, err
	}
	m.RunCapacity = int(runCap)
	maxLevel, err := getU32(r)
	if err != nil {
		return nil, err
	}
	m.MaxLevel = int(maxLevel)

	numLevels, err := getU32(r)
	if err != nil {
		return nil, err
	}
	m.Levels = make([]LevelManifest, numLevels)
	for i := range m.Levels {
		lrc, err := getU32(r)
		if err != nil {
			return nil, err
		}
		lsc, err := getU64(r)
		if err != nil {
			return nil, err
		}
		m.Levels[i].RunCapacity = int(lrc)
		m.Levels[i].SizeCapacity = int64(lsc)

		numRuns, err := getU32(r)
		if err != nil {
			return nil, err
		}
		m.Levels[i].Runs = make([]RunManifest, numRuns)
		for j := range m.Levels[i].Runs {
			numTables, err := getU32(r)
			if err != nil {
				return nil, err
			}
			tables := make([]SSTableManifest, numTables)
			for k := range tables {
				fileID, err := getU64(r)
				if err != nil {
					return nil, err
				}
				size, err := getU64(r)
				if err != nil {
					return nil, err
				}
				keyCount, err := getU32(r)
				if err != nil {
					return nil, err
				}
				var enc [keys.EncodedSize]byte
				if _, err := io.ReadFull(r, enc[:]); err != nil {
					return nil, errors.Wrap(err, "manifest: read min key")
				}
				min, err := keys.Decode(enc[:])
				if err != nil {
					return nil, errors.Wrap(err, "manifest: decode min key")
				}
				if _, err := io.ReadFull(r, enc[:]); err != nil {
					return nil, errors.Wrap(err, "manifest: read max key")
				}
				max, err := keys.Decode(enc[:])
				if err != nil {
					return nil, errors.Wrap(err, "manifest: decode max key")
				}
				tables[k] = SSTableManifest{
					FileID:   fileID,
					Size:     int64(size),
					KeyCount: keyCount,
					Min:      min,
					Max:      max,
				}
			}
			m.Levels[i].Runs[j].Tables = tables
		}
	}
	return m, nil
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func getU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrap(err, "manifest: truncated")
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func getU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrap(err, "manifest: truncated")
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// WriteManifest serializes m and atomically replaces dir's manifest
// file: written to a temporary file and fsynced, then renamed over
// the previous manifest, so a crash mid-write never leaves a
// half-written manifest in place of a good one.
func WriteManifest(dir string, m *Manifest) error {
	payload := encodeManifest(m)
	checksum := crc32.Checksum(payload, manifestCrc32Table)

	var header [4 + 4 + 4]byte
	copy(header[0:4], manifestMagic[:])
	binary.BigEndian.PutUint32(header[4:8], checksum)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(payload)))

	finalPath := filepath.Join(dir, manifestFileName)
	tmpPath := finalPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrapf(err, "manifest: create %s", tmpPath)
	}
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		return errors.Wrapf(err, "manifest: write header to %s", tmpPath)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return errors.Wrapf(err, "manifest: write payload to %s", tmpPath)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "manifest: sync %s", tmpPath)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "manifest: close %s", tmpPath)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return errors.Wrapf(err, "manifest: rename %s to %s", tmpPath, finalPath)
	}
	return nil
}

// ReadManifest reads and validates dir's manifest file.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, manifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoManifest
		}
		return nil, errors.Wrapf(err, "manifest: read %s", path)
	}
	if len(data) < 12 {
		return nil, errors.Wrapf(ErrCorruptManifest, "%s: too short", path)
	}
	if !bytes.Equal(data[0:4], manifestMagic[:]) {
		return nil, errors.Wrapf(ErrCorruptManifest, "%s: bad magic", path)
	}
	checksum := binary.BigEndian.Uint32(data[4:8])
	length := binary.BigEndian.Uint32(data[8:12])
	payload := data[12:]
	if uint32(len(payload)) != length {
		return nil, errors.Wrapf(ErrCorruptManifest, "%s: length mismatch", path)
	}
	if crc32.Checksum(payload, manifestCrc32Table) != checksum {
		return nil, errors.Wrapf(ErrCorruptManifest, "%s: checksum mismatch", path)
	}
	m, err := decodeManifest(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "manifest: decode %s", path)
	}
	return m, nil
}
