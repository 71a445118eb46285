package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"

	"github.com/KilimcininKorOglu/kervan/internal/raft"
)

const (
	hardStateFile    = "hardstate.bin"
	hardStateVersion = 1

	// hardStateFileSize is the full file: header, state, checksum.
	hardStateFileSize = 4 + 1 + 17 + 4
)

// hardStateMagic identifies a kervan hard state file.
var hardStateMagic = [4]byte{'K', 'H', 'S', 0x00}

// ErrCorruptedState is returned when the hard state file exists but
// fails its integrity checks. A node must not guess its term or vote,
// so the open fails instead of starting fresh.
var ErrCorruptedState = errors.New("storage: hard state corrupted")

// FileStableStore persists the node's hard state in a single small
// file. Every store writes a temporary file, syncs it, and renames it
// into place, so a crash leaves either the old or the new state.
//
// File layout: [Magic:4][Version:1][HardState:17][CRC:4], checksum over
// everything before it.
type FileStableStore struct {
	mu   sync.Mutex
	dir  string
	path string
	hs   *raft.HardState // last stored state, nil before the first store
}

// OpenStableStore opens the hard state file under dir, creating the
// directory if needed. A missing file means no state has been stored; a
// damaged file is an error.
func OpenStableStore(dir string) (*FileStableStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	s := &FileStableStore{dir: dir, path: filepath.Join(dir, hardStateFile)}

	buf, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if len(buf) != hardStateFileSize {
		return nil, fmt.Errorf("%w: %d bytes where %d expected", ErrCorruptedState, len(buf), hardStateFileSize)
	}
	if !bytes.Equal(buf[0:4], hardStateMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptedState)
	}
	if buf[4] != hardStateVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptedState, buf[4])
	}
	stored := binary.LittleEndian.Uint32(buf[22:26])
	if crc32.ChecksumIEEE(buf[0:22]) != stored {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptedState)
	}
	hs, err := raft.DeserializeHardState(buf[5:22])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedState, err)
	}
	s.hs = hs
	return s, nil
}

// StoreHardState atomically replaces the stored hard state.
func (s *FileStableStore) StoreHardState(hs *raft.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, hardStateFileSize)
	copy(buf[0:4], hardStateMagic[:])
	buf[4] = hardStateVersion
	copy(buf[5:22], hs.Serialize())
	binary.LittleEndian.PutUint32(buf[22:26], crc32.ChecksumIEEE(buf[0:22]))

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
	s.hs = &raft.HardState{Term: hs.Term, VotedFor: hs.VotedFor, Committed: hs.Committed}
	return nil
}

// HardState returns the stored hard state, or nil if none has been
// stored yet.
func (s *FileStableStore) HardState() (*raft.HardState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hs == nil {
		return nil, nil
	}
	hs := *s.hs
	return &hs, nil
}

// writeFileSync writes data to path and syncs it to disk.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
