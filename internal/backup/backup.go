package backup

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"strings"
	"time"
)

// Backup format constants.
const (
	// BackupVersion is the current archive format version.
	BackupVersion uint32 = 1

	// BackupHeaderSize is the size of the archive header in bytes.
	BackupHeaderSize = 64

	// maxPathBytes bounds the path length a reader will accept.
	maxPathBytes = 4096
)

// BackupMagic identifies a kervan backup archive.
var BackupMagic = [4]byte{'K', 'B', 'K', 0x00}

// Backup errors.
var (
	ErrBackupFailed     = errors.New("backup failed")
	ErrRestoreFailed    = errors.New("restore failed")
	ErrInvalidBackup    = errors.New("invalid backup file")
	ErrInvalidMagic     = errors.New("invalid backup magic number")
	ErrUnsupportedVer   = errors.New("unsupported backup version")
	ErrChecksumMismatch = errors.New("backup checksum mismatch")
	ErrOutputPathEmpty  = errors.New("output path is empty")
	ErrInputPathEmpty   = errors.New("input path is empty")
	ErrBackupCorrupted  = errors.New("backup file is corrupted")
	ErrDataDirNotFound  = errors.New("data directory not found")
	ErrTargetNotEmpty   = errors.New("restore target directory is not empty")
	ErrKeyRequired      = errors.New("backup is encrypted: key required")
)

// Backup flags.
const (
	// BackupFlagCompressed indicates the archive payload is compressed.
	BackupFlagCompressed uint32 = 1 << iota
	// BackupFlagEncrypted indicates the archive payload is encrypted.
	BackupFlagEncrypted
)

// BackupHeader is the fixed plaintext header of an archive. It stays
// unencrypted so tools can identify an archive and pick the right read
// pipeline without the key.
//
// Layout (64 bytes):
//   - Bytes 0-3:   Magic number ("KBK\x00")
//   - Bytes 4-7:   Version (uint32)
//   - Bytes 8-15:  Timestamp (int64, Unix seconds)
//   - Bytes 16-19: Flags (uint32)
//   - Bytes 20-27: FileCount (uint64)
//   - Bytes 28-35: DataBytes (uint64, combined size of archived files)
//   - Bytes 36-39: Checksum (uint32, CRC32 of the plaintext record stream)
//   - Bytes 40-63: Reserved
type BackupHeader struct {
	Magic     [4]byte
	Version   uint32
	Timestamp int64
	Flags     uint32
	FileCount uint64
	DataBytes uint64
	Checksum  uint32
}

// NewBackupHeader creates a header stamped with the current time.
func NewBackupHeader() *BackupHeader {
	return &BackupHeader{
		Magic:     BackupMagic,
		Version:   BackupVersion,
		Timestamp: time.Now().Unix(),
	}
}

// IsCompressed reports whether the payload is compressed.
func (h *BackupHeader) IsCompressed() bool {
	return h.Flags&BackupFlagCompressed != 0
}

// SetCompressed sets the compressed flag.
func (h *BackupHeader) SetCompressed(compressed bool) {
	if compressed {
		h.Flags |= BackupFlagCompressed
	} else {
		h.Flags &^= BackupFlagCompressed
	}
}

// IsEncrypted reports whether the payload is encrypted.
func (h *BackupHeader) IsEncrypted() bool {
	return h.Flags&BackupFlagEncrypted != 0
}

// SetEncrypted sets the encrypted flag.
func (h *BackupHeader) SetEncrypted(encrypted bool) {
	if encrypted {
		h.Flags |= BackupFlagEncrypted
	} else {
		h.Flags &^= BackupFlagEncrypted
	}
}

// Serialize renders the header into a fresh 64-byte slice.
func (h *BackupHeader) Serialize() []byte {
	buf := make([]byte, BackupHeaderSize)
	copy(buf[0:4], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.Timestamp))
	binary.LittleEndian.PutUint32(buf[16:20], h.Flags)
	binary.LittleEndian.PutUint64(buf[20:28], h.FileCount)
	binary.LittleEndian.PutUint64(buf[28:36], h.DataBytes)
	binary.LittleEndian.PutUint32(buf[36:40], h.Checksum)
	return buf
}

// Deserialize reads the header from buf.
func (h *BackupHeader) Deserialize(buf []byte) error {
	if len(buf) < BackupHeaderSize {
		return ErrInvalidBackup
	}
	copy(h.Magic[:], buf[0:4])
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	h.Timestamp = int64(binary.LittleEndian.Uint64(buf[8:16]))
	h.Flags = binary.LittleEndian.Uint32(buf[16:20])
	h.FileCount = binary.LittleEndian.Uint64(buf[20:28])
	h.DataBytes = binary.LittleEndian.Uint64(buf[28:36])
	h.Checksum = binary.LittleEndian.Uint32(buf[36:40])
	return nil
}

// Validate checks magic and version.
func (h *BackupHeader) Validate() error {
	if h.Magic != BackupMagic {
		return ErrInvalidMagic
	}
	if h.Version == 0 || h.Version > BackupVersion {
		return ErrUnsupportedVer
	}
	return nil
}

// BackupStats reports the outcome of a backup operation.
type BackupStats struct {
	// Files is the number of files archived.
	Files uint64

	// DataBytes is the combined size of the archived files.
	DataBytes int64

	// ArchiveBytes is the final size of the archive on disk.
	ArchiveBytes int64

	// Duration is the time taken to complete the backup.
	Duration time.Duration
}

// CompressionRatio returns the size reduction achieved (0-1).
// Returns 0 when nothing was archived or the archive grew.
func (s *BackupStats) CompressionRatio() float64 {
	if s.DataBytes == 0 || s.ArchiveBytes >= s.DataBytes {
		return 0
	}
	return 1.0 - float64(s.ArchiveBytes)/float64(s.DataBytes)
}

// RestoreStats reports the outcome of a restore operation.
type RestoreStats struct {
	// Files is the number of files written.
	Files uint64

	// DataBytes is the combined size of the restored files.
	DataBytes int64

	// Duration is the time taken to complete the restore.
	Duration time.Duration
}

// validArchivePath reports whether a path read from an archive is safe
// to join under the restore target: relative, slash-separated, and free
// of traversal segments.
func validArchivePath(p string) bool {
	if p == "" || len(p) > maxPathBytes {
		return false
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

// checksumWriter wraps an io.Writer and maintains a CRC32 of everything
// written through it.
type checksumWriter struct {
	w        io.Writer
	checksum uint32
	written  int64
}

func newChecksumWriter(w io.Writer) *checksumWriter {
	return &checksumWriter{w: w}
}

func (cw *checksumWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 {
		cw.checksum = crc32.Update(cw.checksum, crc32.IEEETable, p[:n])
		cw.written += int64(n)
	}
	return n, err
}

func (cw *checksumWriter) Checksum() uint32 {
	return cw.checksum
}

// checksumReader wraps an io.Reader and maintains a CRC32 of everything
// read through it.
type checksumReader struct {
	r        io.Reader
	checksum uint32
}

func newChecksumReader(r io.Reader) *checksumReader {
	return &checksumReader{r: r}
}

func (cr *checksumReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 {
		cr.checksum = crc32.Update(cr.checksum, crc32.IEEETable, p[:n])
	}
	return n, err
}

func (cr *checksumReader) Checksum() uint32 {
	return cr.checksum
}
