package backup

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KilimcininKorOglu/kervan/internal/crypto"
)

// BackupOptions configures a backup operation.
type BackupOptions struct {
	// OutputPath is the path of the archive to create.
	OutputPath string

	// Compress enables block compression of the payload.
	Compress bool

	// Key, when set, encrypts the payload. The archive header stays
	// plaintext so tools can identify the file without the key.
	Key *crypto.EncryptionKey
}

// Validate validates the backup options.
func (o *BackupOptions) Validate() error {
	if o.OutputPath == "" {
		return ErrOutputPathEmpty
	}
	return nil
}

// BackupManager archives a node's data directory: log segments, hard
// state and snapshot. Take backups while the node is stopped; archiving
// a directory under active writes produces an inconsistent archive.
type BackupManager struct {
	dataDir string
}

// NewBackupManager creates a BackupManager for the given data directory.
func NewBackupManager(dataDir string) *BackupManager {
	return &BackupManager{dataDir: dataDir}
}

// Backup writes every regular file under the data directory into a
// single archive.
func (bm *BackupManager) Backup(opts *BackupOptions) (*BackupStats, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	info, err := os.Stat(bm.dataDir)
	if err != nil || !info.IsDir() {
		return nil, ErrDataDirNotFound
	}

	startTime := time.Now()
	stats := &BackupStats{}

	out, err := os.Create(opts.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}
	defer out.Close()

	// Placeholder header, rewritten with counts and checksum at the end.
	header := NewBackupHeader()
	header.SetCompressed(opts.Compress)
	header.SetEncrypted(opts.Key != nil)
	if _, err := out.Write(header.Serialize()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	// Payload pipeline: records -> checksum -> compress -> encrypt -> file.
	var sink io.Writer = out
	var encWriter *crypto.StreamWriter
	if opts.Key != nil {
		encWriter = crypto.NewStreamWriter(out, opts.Key)
		sink = encWriter
	}
	var compWriter *CompressWriter
	if opts.Compress {
		compWriter = NewCompressWriter(sink)
		sink = compWriter
	}
	sum := newChecksumWriter(sink)

	absOut, _ := filepath.Abs(opts.OutputPath)
	walkErr := filepath.WalkDir(bm.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		// Leftovers from interrupted atomic writes carry no state.
		if strings.HasSuffix(path, ".tmp") {
			return nil
		}
		// The archive itself, when written into the data directory.
		if abs, err := filepath.Abs(path); err == nil && abs == absOut {
			return nil
		}

		rel, err := filepath.Rel(bm.dataDir, path)
		if err != nil {
			return err
		}

		n, err := archiveFile(sum, filepath.ToSlash(rel), path)
		if err != nil {
			return err
		}
		stats.Files++
		stats.DataBytes += n
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupFailed, walkErr)
	}

	// End marker: zero-length path.
	if _, err := sum.Write([]byte{0, 0}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	if compWriter != nil {
		if err := compWriter.Close(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
		}
	}
	if encWriter != nil {
		if err := encWriter.Close(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
		}
	}

	header.FileCount = stats.Files
	header.DataBytes = uint64(stats.DataBytes)
	header.Checksum = sum.Checksum()

	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}
	if _, err := out.Write(header.Serialize()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}
	if err := out.Sync(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	if fi, err := out.Stat(); err == nil {
		stats.ArchiveBytes = fi.Size()
	}
	stats.Duration = time.Since(startTime)
	return stats, nil
}

// archiveFile writes one file record.
// Record layout: [pathLen:2][path][mode:4][size:8][data].
func archiveFile(w io.Writer, relPath, path string) (int64, error) {
	if len(relPath) > maxPathBytes {
		return 0, fmt.Errorf("path too long: %s", relPath)
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := fi.Size()

	hdr := make([]byte, 0, 2+len(relPath)+12)
	hdr = binary.LittleEndian.AppendUint16(hdr, uint16(len(relPath)))
	hdr = append(hdr, relPath...)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(fi.Mode().Perm()))
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(size))
	if _, err := w.Write(hdr); err != nil {
		return 0, err
	}

	n, err := io.CopyN(w, f, size)
	if err != nil {
		return n, fmt.Errorf("file %s changed during backup: %v", relPath, err)
	}
	return n, nil
}

// ReadHeader reads and validates just the archive header. The header is
// plaintext even for encrypted archives, so no key is needed.
func ReadHeader(path string) (*BackupHeader, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	defer in.Close()

	buf := make([]byte, BackupHeaderSize)
	if _, err := io.ReadFull(in, buf); err != nil {
		return nil, ErrInvalidBackup
	}

	header := &BackupHeader{}
	if err := header.Deserialize(buf); err != nil {
		return nil, err
	}
	if err := header.Validate(); err != nil {
		return nil, err
	}
	return header, nil
}
