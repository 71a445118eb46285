package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/KilimcininKorOglu/kervan/internal/raft"
)

const (
	snapshotFile    = "snapshot.snap"
	snapshotVersion = 1

	// snapshotHeaderSize covers magic, version and the meta length.
	snapshotHeaderSize = 4 + 1 + 4
)

// snapshotMagic identifies a kervan snapshot file.
var snapshotMagic = [4]byte{'K', 'S', 'N', 0x00}

// ErrCorruptedSnapshot is returned when the snapshot file exists but
// fails its integrity checks. The log below the snapshot is already
// purged, so starting without it would lose state; the open fails.
var ErrCorruptedSnapshot = errors.New("storage: snapshot corrupted")

// FileSnapshotStore keeps the latest snapshot in a single file,
// replaced atomically on every save via a temporary file and rename.
//
// File layout: [Magic:4][Version:1][MetaLen:4][Meta:N][Data:M][CRC:4],
// checksum over everything before it.
type FileSnapshotStore struct {
	mu      sync.Mutex
	dir     string
	path    string
	meta    *raft.SnapshotMeta // nil when no snapshot is stored
	dataOff int64
}

// OpenSnapshotStore opens the snapshot store under dir, creating the
// directory if needed, and verifies the checksum of any existing
// snapshot.
func OpenSnapshotStore(dir string) (*FileSnapshotStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	s := &FileSnapshotStore{dir: dir, path: filepath.Join(dir, snapshotFile)}

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	meta, dataOff, err := readSnapshotHeader(f)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if uint64(size) != uint64(dataOff)+meta.Size+4 {
		return nil, fmt.Errorf("%w: %d bytes where %d expected", ErrCorruptedSnapshot, size, uint64(dataOff)+meta.Size+4)
	}
	if err := verifySnapshotCRC(f, size); err != nil {
		return nil, err
	}
	s.meta = meta
	s.dataOff = dataOff
	return s, nil
}

// readSnapshotHeader reads and decodes the header and metadata,
// returning the offset where the data section starts.
func readSnapshotHeader(f *os.File) (*raft.SnapshotMeta, int64, error) {
	hdr := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return nil, 0, fmt.Errorf("%w: short header", ErrCorruptedSnapshot)
	}
	if !bytes.Equal(hdr[0:4], snapshotMagic[:]) {
		return nil, 0, fmt.Errorf("%w: bad magic", ErrCorruptedSnapshot)
	}
	if hdr[4] != snapshotVersion {
		return nil, 0, fmt.Errorf("%w: unsupported version %d", ErrCorruptedSnapshot, hdr[4])
	}
	metaLen := binary.LittleEndian.Uint32(hdr[5:9])
	if metaLen > maxRecordSize {
		return nil, 0, fmt.Errorf("%w: oversized metadata", ErrCorruptedSnapshot)
	}
	metaBuf := make([]byte, metaLen)
	if _, err := io.ReadFull(f, metaBuf); err != nil {
		return nil, 0, fmt.Errorf("%w: short metadata", ErrCorruptedSnapshot)
	}
	meta, err := raft.DeserializeSnapshotMeta(metaBuf)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	return meta, int64(snapshotHeaderSize) + int64(metaLen), nil
}

// verifySnapshotCRC streams the file through a checksum and compares it
// with the stored trailer.
func verifySnapshotCRC(f *os.File, size int64) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	h := crc32.NewIEEE()
	if _, err := io.CopyN(h, f, size-4); err != nil {
		return err
	}
	trailer := make([]byte, 4)
	if _, err := io.ReadFull(f, trailer); err != nil {
		return err
	}
	if h.Sum32() != binary.LittleEndian.Uint32(trailer) {
		return fmt.Errorf("%w: checksum mismatch", ErrCorruptedSnapshot)
	}
	return nil
}

// Save durably stores a snapshot, replacing any previous one. The
// meta's Size field is set from len(data).
func (s *FileSnapshotStore) Save(meta *raft.SnapshotMeta, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *meta
	stored.Size = uint64(len(data))
	metaBuf := stored.Serialize()

	buf := make([]byte, 0, snapshotHeaderSize+len(metaBuf)+len(data)+4)
	buf = append(buf, snapshotMagic[:]...)
	buf = append(buf, snapshotVersion)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(metaBuf)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, metaBuf...)
	buf = append(buf, data...)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(buf))
	buf = append(buf, crcBuf[:]...)

	tmp := s.path + ".tmp"
	if err := writeFileSync(tmp, buf); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	if err := syncDir(s.dir); err != nil {
		return err
	}
	s.meta = &stored
	s.dataOff = int64(snapshotHeaderSize) + int64(len(metaBuf))
	return nil
}

// Meta returns the metadata of the stored snapshot, or ErrNoSnapshot.
func (s *FileSnapshotStore) Meta() (*raft.SnapshotMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		return nil, raft.ErrNoSnapshot
	}
	meta := *s.meta
	return &meta, nil
}

// Open returns the stored snapshot's metadata and a reader over its
// data section. The reader holds its own file handle, so a concurrent
// Save does not disturb it: the rename unlinks the old file while the
// reader keeps reading it.
func (s *FileSnapshotStore) Open() (*raft.SnapshotMeta, io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		return nil, nil, raft.ErrNoSnapshot
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, nil, err
	}
	meta := *s.meta
	rc := &sectionReadCloser{
		SectionReader: io.NewSectionReader(f, s.dataOff, int64(meta.Size)),
		file:          f,
	}
	return &meta, rc, nil
}

type sectionReadCloser struct {
	*io.SectionReader
	file *os.File
}

func (r *sectionReadCloser) Close() error {
	return r.file.Close()
}
