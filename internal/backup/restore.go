package backup

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/KilimcininKorOglu/kervan/internal/crypto"
)

// RestoreOptions configures a restore operation.
type RestoreOptions struct {
	// InputPath is the path of the archive to restore from.
	InputPath string

	// DataDir overrides the manager's target directory when set.
	DataDir string

	// Key decrypts an encrypted archive.
	Key *crypto.EncryptionKey
}

// Validate validates the restore options.
func (o *RestoreOptions) Validate() error {
	if o.InputPath == "" {
		return ErrInputPathEmpty
	}
	return nil
}

// RestoreManager unpacks archives into a data directory. The target
// must not exist or must be empty; restoring over live node state is
// refused rather than merged.
type RestoreManager struct {
	dataDir string
}

// NewRestoreManager creates a RestoreManager targeting dataDir.
func NewRestoreManager(dataDir string) *RestoreManager {
	return &RestoreManager{dataDir: dataDir}
}

// DataDir returns the manager's target directory.
func (rm *RestoreManager) DataDir() string {
	return rm.dataDir
}

// Restore unpacks an archive into the target directory and verifies
// the payload checksum against the header.
func (rm *RestoreManager) Restore(opts *RestoreOptions) (*RestoreStats, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	target := opts.DataDir
	if target == "" {
		target = rm.dataDir
	}

	startTime := time.Now()

	in, err := os.Open(opts.InputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}
	defer in.Close()

	header, src, err := openPayload(in, opts.Key)
	if err != nil {
		return nil, err
	}

	if err := ensureEmptyDir(target); err != nil {
		return nil, err
	}

	sum := newChecksumReader(src)
	stats := &RestoreStats{}

	for {
		relPath, mode, size, err := readRecordHeader(sum)
		if err != nil {
			return nil, err
		}
		if relPath == "" {
			break
		}

		dest := filepath.Join(target, filepath.FromSlash(relPath))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRestoreFailed, err)
		}

		if err := writeRestoredFile(dest, mode, size, sum); err != nil {
			return nil, err
		}
		stats.Files++
		stats.DataBytes += size
	}

	if sum.Checksum() != header.Checksum {
		return nil, ErrChecksumMismatch
	}
	if stats.Files != header.FileCount {
		return nil, ErrBackupCorrupted
	}

	stats.Duration = time.Since(startTime)
	return stats, nil
}

// VerifyBackup streams through an archive without writing anything,
// checking record structure and the payload checksum.
func (rm *RestoreManager) VerifyBackup(path string, key *crypto.EncryptionKey) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	defer in.Close()

	header, src, err := openPayload(in, key)
	if err != nil {
		return err
	}

	sum := newChecksumReader(src)
	var files uint64
	for {
		relPath, _, size, err := readRecordHeader(sum)
		if err != nil {
			return err
		}
		if relPath == "" {
			break
		}
		if _, err := io.CopyN(io.Discard, sum, size); err != nil {
			return payloadErr(err)
		}
		files++
	}

	if sum.Checksum() != header.Checksum {
		return ErrChecksumMismatch
	}
	if files != header.FileCount {
		return ErrBackupCorrupted
	}
	return nil
}

// openPayload reads and validates the header, then assembles the read
// pipeline matching the header flags:
// file -> decrypt -> decompress -> records.
func openPayload(in *os.File, key *crypto.EncryptionKey) (*BackupHeader, io.Reader, error) {
	buf := make([]byte, BackupHeaderSize)
	if _, err := io.ReadFull(in, buf); err != nil {
		return nil, nil, ErrInvalidBackup
	}

	header := &BackupHeader{}
	if err := header.Deserialize(buf); err != nil {
		return nil, nil, err
	}
	if err := header.Validate(); err != nil {
		return nil, nil, err
	}

	var src io.Reader = in
	if header.IsEncrypted() {
		if key == nil {
			return nil, nil, ErrKeyRequired
		}
		src = crypto.NewStreamReader(in, key)
	}
	if header.IsCompressed() {
		src = NewDecompressReader(src)
	}
	return header, src, nil
}

// payloadErr maps a payload read failure. Authentication failures pass
// through so a wrong key is not reported as corruption.
func payloadErr(err error) error {
	if err == crypto.ErrDecryptFailed {
		return err
	}
	return ErrBackupCorrupted
}

// readRecordHeader reads the next record header. An empty path marks
// the end of the payload.
func readRecordHeader(r io.Reader) (relPath string, mode fs.FileMode, size int64, err error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", 0, 0, payloadErr(err)
	}
	pathLen := binary.LittleEndian.Uint16(lenBuf[:])
	if pathLen == 0 {
		return "", 0, 0, nil
	}
	if int(pathLen) > maxPathBytes {
		return "", 0, 0, ErrBackupCorrupted
	}

	pathBuf := make([]byte, pathLen)
	if _, err := io.ReadFull(r, pathBuf); err != nil {
		return "", 0, 0, payloadErr(err)
	}
	relPath = string(pathBuf)
	if !validArchivePath(relPath) {
		return "", 0, 0, ErrBackupCorrupted
	}

	var metaBuf [12]byte
	if _, err := io.ReadFull(r, metaBuf[:]); err != nil {
		return "", 0, 0, payloadErr(err)
	}
	mode = fs.FileMode(binary.LittleEndian.Uint32(metaBuf[0:4])) & fs.ModePerm
	size = int64(binary.LittleEndian.Uint64(metaBuf[4:12]))
	if size < 0 {
		return "", 0, 0, ErrBackupCorrupted
	}
	return relPath, mode, size, nil
}

// writeRestoredFile creates dest and copies exactly size bytes into it.
func writeRestoredFile(dest string, mode fs.FileMode, size int64, r io.Reader) error {
	perm := mode & fs.ModePerm
	if perm == 0 {
		perm = 0600
	}

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}

	if _, err := io.CopyN(f, r, size); err != nil {
		f.Close()
		return payloadErr(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}
	return f.Close()
}

// ensureEmptyDir creates dir if missing and refuses a non-empty one.
func ensureEmptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRestoreFailed, err)
	}
	if len(entries) > 0 {
		return ErrTargetNotEmpty
	}
	return nil
}
