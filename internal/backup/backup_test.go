package backup

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/KilimcininKorOglu/kervan/internal/crypto"
)

// writeTestDataDir lays out a directory shaped like a node's data
// directory, plus a .tmp leftover that must be excluded.
func writeTestDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	files := map[string][]byte{
		"00000000000000000001.seg": bytes.Repeat([]byte("log entry record "), 500),
		"hardstate.bin":            {1, 0, 0, 0, 0, 0, 0, 0, 7, 0, 0, 0, 0, 0, 0, 0, 1},
		"snapshot.snap":            bytes.Repeat([]byte{0x4B, 0x53, 0x4E, 0x00}, 100),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			t.Fatalf("WriteFile(%s) error = %v", name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "hardstate.bin.tmp"), []byte("torn"), 0644); err != nil {
		t.Fatalf("WriteFile(tmp) error = %v", err)
	}
	return dir
}

// readDirFiles collects every regular file under dir keyed by relative
// slash path.
func readDirFiles(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		t.Fatalf("walking %s: %v", dir, err)
	}
	return out
}

func roundTrip(t *testing.T, opts *BackupOptions, key *crypto.EncryptionKey) (map[string][]byte, map[string][]byte, *BackupStats) {
	t.Helper()
	dataDir := writeTestDataDir(t)

	bm := NewBackupManager(dataDir)
	stats, err := bm.Backup(opts)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	target := filepath.Join(t.TempDir(), "restored")
	rm := NewRestoreManager(target)
	rstats, err := rm.Restore(&RestoreOptions{InputPath: opts.OutputPath, Key: key})
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if rstats.Files != stats.Files {
		t.Errorf("restored %d files, backed up %d", rstats.Files, stats.Files)
	}

	want := readDirFiles(t, dataDir)
	delete(want, "hardstate.bin.tmp")
	got := readDirFiles(t, target)
	return want, got, stats
}

func compareDirs(t *testing.T, want, got map[string][]byte) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("restored %d files, want %d", len(got), len(want))
	}
	for name, data := range want {
		if !bytes.Equal(got[name], data) {
			t.Errorf("file %s mismatch: %d bytes, want %d", name, len(got[name]), len(data))
		}
	}
}

func TestBackupRestorePlain(t *testing.T) {
	out := filepath.Join(t.TempDir(), "plain.bak")
	want, got, stats := roundTrip(t, &BackupOptions{OutputPath: out}, nil)
	compareDirs(t, want, got)

	if stats.Files != 3 {
		t.Errorf("archived %d files, want 3 (tmp file must be skipped)", stats.Files)
	}

	header, err := ReadHeader(out)
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if header.IsCompressed() || header.IsEncrypted() {
		t.Errorf("plain archive flags = %#x", header.Flags)
	}
	if header.FileCount != 3 {
		t.Errorf("header file count = %d, want 3", header.FileCount)
	}
}

func TestBackupRestoreCompressed(t *testing.T) {
	out := filepath.Join(t.TempDir(), "compressed.bak")
	want, got, stats := roundTrip(t, &BackupOptions{OutputPath: out, Compress: true}, nil)
	compareDirs(t, want, got)

	if ratio := stats.CompressionRatio(); ratio <= 0 {
		t.Errorf("CompressionRatio() = %v, want > 0 for repetitive log data", ratio)
	}

	header, err := ReadHeader(out)
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if !header.IsCompressed() || header.IsEncrypted() {
		t.Errorf("compressed archive flags = %#x", header.Flags)
	}
}

func TestBackupRestoreEncrypted(t *testing.T) {
	raw, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	key, err := crypto.NewEncryptionKey(raw)
	if err != nil {
		t.Fatalf("NewEncryptionKey() error = %v", err)
	}

	out := filepath.Join(t.TempDir(), "encrypted.bak")
	want, got, _ := roundTrip(t, &BackupOptions{OutputPath: out, Compress: true, Key: key}, key)
	compareDirs(t, want, got)

	header, err := ReadHeader(out)
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if !header.IsEncrypted() || !header.IsCompressed() {
		t.Errorf("encrypted archive flags = %#x", header.Flags)
	}

	// No key: refused before touching the target.
	rm := NewRestoreManager(filepath.Join(t.TempDir(), "nokey"))
	if _, err := rm.Restore(&RestoreOptions{InputPath: out}); err != ErrKeyRequired {
		t.Errorf("Restore() without key error = %v, want %v", err, ErrKeyRequired)
	}

	// Wrong key: authentication failure, not silent corruption.
	raw2, _ := crypto.GenerateKey()
	wrong, _ := crypto.NewEncryptionKey(raw2)
	rm = NewRestoreManager(filepath.Join(t.TempDir(), "wrongkey"))
	if _, err := rm.Restore(&RestoreOptions{InputPath: out, Key: wrong}); err != crypto.ErrDecryptFailed {
		t.Errorf("Restore() with wrong key error = %v, want %v", err, crypto.ErrDecryptFailed)
	}
}

func TestRestoreRefusesNonEmptyTarget(t *testing.T) {
	out := filepath.Join(t.TempDir(), "a.bak")
	bm := NewBackupManager(writeTestDataDir(t))
	if _, err := bm.Backup(&BackupOptions{OutputPath: out}); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	target := t.TempDir()
	if err := os.WriteFile(filepath.Join(target, "existing.seg"), []byte("live"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	rm := NewRestoreManager(target)
	if _, err := rm.Restore(&RestoreOptions{InputPath: out}); err != ErrTargetNotEmpty {
		t.Errorf("Restore() error = %v, want %v", err, ErrTargetNotEmpty)
	}
}

func TestRestoreChecksumMismatch(t *testing.T) {
	out := filepath.Join(t.TempDir(), "flip.bak")
	bm := NewBackupManager(writeTestDataDir(t))
	if _, err := bm.Backup(&BackupOptions{OutputPath: out}); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	// Flip one byte well inside the first file's data region, past the
	// record header.
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	data[BackupHeaderSize+1000] ^= 0xFF
	if err := os.WriteFile(out, data, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	rm := NewRestoreManager(filepath.Join(t.TempDir(), "target"))
	if _, err := rm.Restore(&RestoreOptions{InputPath: out}); err != ErrChecksumMismatch {
		t.Errorf("Restore() error = %v, want %v", err, ErrChecksumMismatch)
	}
}

func TestVerifyBackup(t *testing.T) {
	out := filepath.Join(t.TempDir(), "verify.bak")
	bm := NewBackupManager(writeTestDataDir(t))
	if _, err := bm.Backup(&BackupOptions{OutputPath: out, Compress: true}); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	rm := NewRestoreManager("")
	if err := rm.VerifyBackup(out, nil); err != nil {
		t.Errorf("VerifyBackup() intact archive error = %v", err)
	}

	data, _ := os.ReadFile(out)

	// Stored checksum no longer matches the payload.
	flipped := append([]byte(nil), data...)
	flipped[36] ^= 0xFF
	bad := filepath.Join(t.TempDir(), "bad.bak")
	if err := os.WriteFile(bad, flipped, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := rm.VerifyBackup(bad, nil); err != ErrChecksumMismatch {
		t.Errorf("VerifyBackup() altered checksum error = %v, want %v", err, ErrChecksumMismatch)
	}

	// Truncated payload.
	cut := filepath.Join(t.TempDir(), "cut.bak")
	if err := os.WriteFile(cut, data[:len(data)-100], 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := rm.VerifyBackup(cut, nil); err != ErrBackupCorrupted {
		t.Errorf("VerifyBackup() truncated error = %v, want %v", err, ErrBackupCorrupted)
	}
}

func TestReadHeaderRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.bak")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xAB}, 128), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := ReadHeader(path); err != ErrInvalidMagic {
		t.Errorf("ReadHeader() error = %v, want %v", err, ErrInvalidMagic)
	}

	short := filepath.Join(t.TempDir(), "short.bak")
	if err := os.WriteFile(short, []byte("tiny"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := ReadHeader(short); err != ErrInvalidBackup {
		t.Errorf("ReadHeader() short file error = %v, want %v", err, ErrInvalidBackup)
	}
}

func TestBackupValidation(t *testing.T) {
	bm := NewBackupManager(t.TempDir())
	if _, err := bm.Backup(&BackupOptions{}); err != ErrOutputPathEmpty {
		t.Errorf("Backup() empty output error = %v, want %v", err, ErrOutputPathEmpty)
	}

	missing := NewBackupManager(filepath.Join(t.TempDir(), "does-not-exist"))
	out := filepath.Join(t.TempDir(), "x.bak")
	if _, err := missing.Backup(&BackupOptions{OutputPath: out}); err != ErrDataDirNotFound {
		t.Errorf("Backup() missing dir error = %v, want %v", err, ErrDataDirNotFound)
	}

	rm := NewRestoreManager(t.TempDir())
	if _, err := rm.Restore(&RestoreOptions{}); err != ErrInputPathEmpty {
		t.Errorf("Restore() empty input error = %v, want %v", err, ErrInputPathEmpty)
	}
}

func TestValidArchivePath(t *testing.T) {
	tests := []struct {
		path string
		ok   bool
	}{
		{"hardstate.bin", true},
		{"wal/00000000000000000001.seg", true},
		{"", false},
		{"/etc/passwd", false},
		{"../escape", false},
		{"a/../b", false},
		{"a//b", false},
		{"./a", false},
		{"a\\b", false},
	}
	for _, tt := range tests {
		if got := validArchivePath(tt.path); got != tt.ok {
			t.Errorf("validArchivePath(%q) = %v, want %v", tt.path, got, tt.ok)
		}
	}
}
