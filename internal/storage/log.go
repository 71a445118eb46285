package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/KilimcininKorOglu/kervan/internal/raft"
)

// Log segment constants.
const (
	// segmentHeaderSize is the size of the fixed header at the start of
	// every segment file.
	segmentHeaderSize = 21

	// recordLengthSize is the size of the length prefix for each record.
	recordLengthSize = 4

	// recordCRCSize is the size of the checksum trailing each record.
	recordCRCSize = 4

	// maxRecordSize bounds a single record during recovery; a longer
	// length prefix is treated as corruption.
	maxRecordSize = 256 << 20

	segmentVersion = 1
	segmentSuffix  = ".seg"
)

// segmentMagic identifies a kervan log segment file.
var segmentMagic = [4]byte{'K', 'L', 'G', 0x00}

// Storage errors.
var (
	// ErrClosed is returned when a store is used after Close.
	ErrClosed = errors.New("storage: store closed")

	// ErrCorruptedLog is returned when a sealed log segment fails its
	// integrity checks. A torn tail on the newest segment is repaired
	// by truncation instead.
	ErrCorruptedLog = errors.New("storage: log corrupted")
)

// recordRef locates one entry inside a segment file.
type recordRef struct {
	offset int64  // offset of the entry bytes, past the length prefix
	length uint32 // entry length in bytes
	term   uint64
}

// segment is a single log file. base is the position immediately before
// the segment's first entry, so entry i lives at refs[i-base.Index-1].
//
// Segment file layout:
//   - Header: [Magic:4][Version:1][BaseTerm:8][BaseIndex:8]
//   - Records: [Len:4][Entry:Len][CRC:4], checksum over the entry bytes
type segment struct {
	path string
	file *os.File
	base raft.LogID
	refs []recordRef
	size int64 // current file size, the next write offset
}

// lastID returns the position of the segment's last entry, or base when
// the segment is empty.
func (s *segment) lastID() raft.LogID {
	if n := len(s.refs); n > 0 {
		return raft.LogID{Term: s.refs[n-1].term, Index: s.base.Index + uint64(n)}
	}
	return s.base
}

// entryAt reads and decodes the entry at index. The caller must hold
// the store lock and have checked that the segment contains index.
func (s *segment) entryAt(index uint64) (*raft.Entry, error) {
	ref := s.refs[index-s.base.Index-1]
	buf := make([]byte, int(ref.length)+recordCRCSize)
	if _, err := s.file.ReadAt(buf, ref.offset); err != nil {
		return nil, err
	}
	stored := binary.LittleEndian.Uint32(buf[ref.length:])
	if crc32.ChecksumIEEE(buf[:ref.length]) != stored {
		return nil, fmt.Errorf("%w: %s: entry %d checksum mismatch", ErrCorruptedLog, filepath.Base(s.path), index)
	}
	return raft.DeserializeEntry(buf[:ref.length])
}

func segmentPath(dir string, firstIndex uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", firstIndex, segmentSuffix))
}

// createSegment creates an empty segment positioned after base and
// syncs its header to disk. The caller syncs the directory.
func createSegment(dir string, base raft.LogID) (*segment, error) {
	path := segmentPath(dir, base.Index+1)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	hdr := make([]byte, segmentHeaderSize)
	copy(hdr[0:4], segmentMagic[:])
	hdr[4] = segmentVersion
	binary.LittleEndian.PutUint64(hdr[5:13], base.Term)
	binary.LittleEndian.PutUint64(hdr[13:21], base.Index)
	if _, err := file.WriteAt(hdr, 0); err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, err
	}
	return &segment{path: path, file: file, base: base, size: segmentHeaderSize}, nil
}

// openSegment opens an existing segment and rebuilds its record index,
// verifying the checksum and index continuity of every record. On the
// newest segment a torn tail is truncated away; on sealed segments any
// damage is fatal. A nil segment with nil error means the file holds a
// torn header from an interrupted creation and should be removed; that
// too is allowed only on the newest segment.
func openSegment(path string, newest bool) (*segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	size := info.Size()
	if size < segmentHeaderSize {
		file.Close()
		if newest {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s: short header", ErrCorruptedLog, filepath.Base(path))
	}

	hdr := make([]byte, segmentHeaderSize)
	if _, err := file.ReadAt(hdr, 0); err != nil {
		file.Close()
		return nil, err
	}
	if !bytes.Equal(hdr[0:4], segmentMagic[:]) {
		file.Close()
		return nil, fmt.Errorf("%w: %s: bad magic", ErrCorruptedLog, filepath.Base(path))
	}
	if hdr[4] != segmentVersion {
		file.Close()
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrCorruptedLog, filepath.Base(path), hdr[4])
	}

	seg := &segment{
		path: path,
		file: file,
		base: raft.LogID{
			Term:  binary.LittleEndian.Uint64(hdr[5:13]),
			Index: binary.LittleEndian.Uint64(hdr[13:21]),
		},
	}

	offset := int64(segmentHeaderSize)
	next := seg.base.Index + 1
	torn := false
	for offset < size {
		if size-offset < recordLengthSize {
			torn = true
			break
		}
		lengthBuf := make([]byte, recordLengthSize)
		if _, err := file.ReadAt(lengthBuf, offset); err != nil {
			file.Close()
			return nil, err
		}
		recordLen := binary.LittleEndian.Uint32(lengthBuf)
		if recordLen < 21 || recordLen > maxRecordSize {
			torn = true
			break
		}
		if offset+recordLengthSize+int64(recordLen)+recordCRCSize > size {
			torn = true
			break
		}
		buf := make([]byte, int(recordLen)+recordCRCSize)
		if _, err := file.ReadAt(buf, offset+recordLengthSize); err != nil {
			file.Close()
			return nil, err
		}
		stored := binary.LittleEndian.Uint32(buf[recordLen:])
		if crc32.ChecksumIEEE(buf[:recordLen]) != stored {
			torn = true
			break
		}
		// A checksum-valid record with the wrong index is real
		// corruption, not a torn write.
		if idx := binary.LittleEndian.Uint64(buf[8:16]); idx != next {
			file.Close()
			return nil, fmt.Errorf("%w: %s: index %d where %d expected", ErrCorruptedLog, filepath.Base(path), idx, next)
		}
		seg.refs = append(seg.refs, recordRef{
			offset: offset + recordLengthSize,
			length: recordLen,
			term:   binary.LittleEndian.Uint64(buf[0:8]),
		})
		next++
		offset += recordLengthSize + int64(recordLen) + recordCRCSize
	}
	if torn {
		if !newest {
			file.Close()
			return nil, fmt.Errorf("%w: %s: damaged record before end of sealed segment", ErrCorruptedLog, filepath.Base(path))
		}
		// Truncate the torn tail at the last intact record.
		if err := file.Truncate(offset); err != nil {
			file.Close()
			return nil, err
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, err
		}
	}
	seg.size = offset
	return seg, nil
}

// FileLogStore is a durable raft.LogStore backed by segment files under
// <dir>/log. Records are length-prefixed and checksummed, and every
// segment keeps an in-memory index from entry index to file offset.
//
// Only one goroutine may mutate the store, matching the single log
// writer in the consensus core. Reads may run concurrently with an
// append: appended entries become visible to readers only after the
// data has been synced.
type FileLogStore struct {
	mu     sync.RWMutex
	dir    string
	segs   []*segment // ascending by base index; the last one is active
	closed bool
}

// OpenLogStore opens the segmented log under <dir>/log, creating it if
// needed. Recovery scans every segment, verifies record checksums and
// index continuity, and truncates a torn tail on the newest segment.
func OpenLogStore(dir string) (*FileLogStore, error) {
	logDir := filepath.Join(dir, "log")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}
	names, err := segmentNames(logDir)
	if err != nil {
		return nil, err
	}

	s := &FileLogStore{dir: logDir}
	for i, name := range names {
		path := filepath.Join(logDir, name)
		seg, err := openSegment(path, i == len(names)-1)
		if err != nil {
			s.closeSegments()
			return nil, err
		}
		if seg == nil {
			// Interrupted creation: the header never made it to disk.
			if err := os.Remove(path); err != nil {
				s.closeSegments()
				return nil, err
			}
			if err := syncDir(logDir); err != nil {
				s.closeSegments()
				return nil, err
			}
			continue
		}
		if n := len(s.segs); n > 0 {
			if prev := s.segs[n-1].lastID(); seg.base != prev {
				seg.file.Close()
				s.closeSegments()
				return nil, fmt.Errorf("%w: %s: starts at %s, previous segment ends at %s", ErrCorruptedLog, name, seg.base, prev)
			}
		}
		s.segs = append(s.segs, seg)
	}

	if len(s.segs) == 0 {
		seg, err := createSegment(logDir, raft.LogID{})
		if err != nil {
			return nil, err
		}
		if err := syncDir(logDir); err != nil {
			seg.file.Close()
			return nil, err
		}
		s.segs = []*segment{seg}
	}
	return s, nil
}

// segmentNames lists segment files in the log directory in index order.
func segmentNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), segmentSuffix) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (s *FileLogStore) closeSegments() {
	for _, seg := range s.segs {
		seg.file.Close()
	}
	s.segs = nil
}

// firstIndexLocked returns the index of the first retained entry, or 0
// when the log holds no entries.
func (s *FileLogStore) firstIndexLocked() uint64 {
	for _, seg := range s.segs {
		if len(seg.refs) > 0 {
			return seg.base.Index + 1
		}
	}
	return 0
}

func (s *FileLogStore) lastIndexLocked() uint64 {
	return s.segs[len(s.segs)-1].lastID().Index
}

// findSegmentLocked returns the segment holding index, or nil when
// index is beyond the last entry.
func (s *FileLogStore) findSegmentLocked(index uint64) *segment {
	for i := len(s.segs) - 1; i >= 0; i-- {
		seg := s.segs[i]
		if index > seg.base.Index {
			if index <= seg.base.Index+uint64(len(seg.refs)) {
				return seg
			}
			return nil
		}
	}
	return nil
}

// FirstIndex returns the index of the first retained entry, or 0 when
// the log holds no entries.
func (s *FileLogStore) FirstIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.firstIndexLocked(), nil
}

// LastIndex returns the index of the last entry, or the covered
// position appends continue from when the log holds no entries.
func (s *FileLogStore) LastIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.lastIndexLocked(), nil
}

// Term returns the term of the entry at index.
func (s *FileLogStore) Term(index uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	if index <= s.segs[0].base.Index {
		return 0, raft.ErrCompacted
	}
	seg := s.findSegmentLocked(index)
	if seg == nil {
		return 0, raft.ErrIndexOutOfRange
	}
	return seg.refs[index-seg.base.Index-1].term, nil
}

// Entry returns the entry at index.
func (s *FileLogStore) Entry(index uint64) (*raft.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if index <= s.segs[0].base.Index {
		return nil, raft.ErrCompacted
	}
	seg := s.findSegmentLocked(index)
	if seg == nil {
		return nil, raft.ErrIndexOutOfRange
	}
	return seg.entryAt(index)
}

// Entries returns entries in [lo, hi], stopping once maxBytes of data
// has been collected. The first entry is always included.
func (s *FileLogStore) Entries(lo, hi uint64, maxBytes int) ([]*raft.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if lo <= s.segs[0].base.Index {
		return nil, raft.ErrCompacted
	}
	last := s.lastIndexLocked()
	if lo > last {
		return nil, raft.ErrIndexOutOfRange
	}
	if hi > last {
		hi = last
	}
	out := make([]*raft.Entry, 0, hi-lo+1)
	total := 0
	for idx := lo; idx <= hi; idx++ {
		e, err := s.findSegmentLocked(idx).entryAt(idx)
		if err != nil {
			return nil, err
		}
		if len(out) > 0 && total+len(e.Data) > maxBytes {
			break
		}
		out = append(out, e)
		total += len(e.Data)
	}
	return out, nil
}

// Append serializes the batch into a single write on the active segment
// and syncs before the entries become visible to readers. Reads may run
// while the write is in flight; they see the log as it was.
func (s *FileLogStore) Append(entries []*raft.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	active := s.segs[len(s.segs)-1]
	next := active.lastID().Index + 1
	s.mu.RUnlock()

	if entries[0].ID.Index != next {
		return raft.ErrIndexOutOfRange
	}

	offset := active.size
	var buf []byte
	refs := make([]recordRef, 0, len(entries))
	for _, e := range entries {
		data := e.Serialize()
		refs = append(refs, recordRef{
			offset: offset + int64(len(buf)) + recordLengthSize,
			length: uint32(len(data)),
			term:   e.ID.Term,
		})
		var hdr [recordLengthSize]byte
		binary.LittleEndian.PutUint32(hdr[:], uint32(len(data)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, data...)
		var crc [recordCRCSize]byte
		binary.LittleEndian.PutUint32(crc[:], crc32.ChecksumIEEE(data))
		buf = append(buf, crc[:]...)
	}

	if _, err := active.file.WriteAt(buf, offset); err != nil {
		return err
	}
	if err := active.file.Sync(); err != nil {
		return err
	}

	s.mu.Lock()
	active.refs = append(active.refs, refs...)
	active.size = offset + int64(len(buf))
	s.mu.Unlock()
	return nil
}

// TruncateAfter removes all entries with index > index. Whole segments
// past the boundary are deleted newest first, so a crash mid-way leaves
// a contiguous prefix; the boundary segment is then cut at a record
// boundary and becomes the active segment again.
func (s *FileLogStore) TruncateAfter(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if index >= s.lastIndexLocked() {
		return nil
	}
	if index < s.segs[0].base.Index {
		return raft.ErrCompacted
	}

	keep := len(s.segs)
	for keep > 1 && s.segs[keep-1].base.Index >= index {
		keep--
	}
	removed := false
	for i := len(s.segs) - 1; i >= keep; i-- {
		seg := s.segs[i]
		seg.file.Close()
		if err := os.Remove(seg.path); err != nil {
			return err
		}
		s.segs = s.segs[:i]
		removed = true
	}
	if removed {
		if err := syncDir(s.dir); err != nil {
			return err
		}
	}

	seg := s.segs[len(s.segs)-1]
	n := index - seg.base.Index
	if n < uint64(len(seg.refs)) {
		cut := seg.refs[n].offset - recordLengthSize
		if err := seg.file.Truncate(cut); err != nil {
			return err
		}
		if err := seg.file.Sync(); err != nil {
			return err
		}
		seg.refs = seg.refs[:n]
		seg.size = cut
	}
	return nil
}

// PurgeTo removes entries covered by a snapshot. The active segment is
// sealed and a fresh one is started, then whole segments whose entries
// all fall at or below index are deleted. A segment straddling the
// boundary is kept until a later purge covers it, so slightly more than
// asked may be retained.
func (s *FileLogStore) PurgeTo(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if index <= s.segs[0].base.Index {
		return nil
	}
	if index > s.lastIndexLocked() {
		return raft.ErrIndexOutOfRange
	}

	active := s.segs[len(s.segs)-1]
	if len(active.refs) > 0 {
		seg, err := createSegment(s.dir, active.lastID())
		if err != nil {
			return err
		}
		if err := syncDir(s.dir); err != nil {
			seg.file.Close()
			return err
		}
		s.segs = append(s.segs, seg)
	}

	// Drop covered segments oldest first; a crash mid-way only
	// over-retains.
	for len(s.segs) > 1 && s.segs[0].lastID().Index <= index {
		seg := s.segs[0]
		seg.file.Close()
		if err := os.Remove(seg.path); err != nil {
			return err
		}
		s.segs = s.segs[1:]
	}
	return syncDir(s.dir)
}

// Reset discards the whole log and restarts it immediately after the
// given snapshot position. The caller has already made the snapshot
// durable, so losing the log files here is safe: a crash mid-way is
// repaired at the next open by resetting again from the snapshot.
func (s *FileLogStore) Reset(snapshot raft.LogID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for i := len(s.segs) - 1; i >= 0; i-- {
		seg := s.segs[i]
		seg.file.Close()
		if err := os.Remove(seg.path); err != nil {
			return err
		}
		s.segs = s.segs[:i]
	}
	if err := syncDir(s.dir); err != nil {
		return err
	}
	seg, err := createSegment(s.dir, snapshot)
	if err != nil {
		return err
	}
	if err := syncDir(s.dir); err != nil {
		seg.file.Close()
		return err
	}
	s.segs = []*segment{seg}
	return nil
}

// Close closes every segment file. The store must not be used after.
func (s *FileLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var first error
	for _, seg := range s.segs {
		if err := seg.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.segs = nil
	return first
}

// syncDir flushes directory metadata so file creations and removals
// survive a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}
