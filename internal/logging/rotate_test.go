package logging

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func rotatedFiles(t *testing.T, dir, base string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), base+".") {
			names = append(names, e.Name())
		}
	}
	return names
}

// TestRotatingWriterRotates tests that the file is renamed aside once
// the size limit is hit and writing continues on a fresh file.
func TestRotatingWriterRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kervan.log")

	w, err := newRotatingWriter(path, 64, 0, false)
	if err != nil {
		t.Fatalf("newRotatingWriter() error = %v", err)
	}

	line := bytes.Repeat([]byte{'x'}, 30)
	line = append(line, '\n')
	for i := 0; i < 4; i++ {
		if _, err := w.Write(line); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	// 31-byte lines against a 64-byte cap: rotation after every second
	// line, so two lines rotated away and two still active.
	rotated := rotatedFiles(t, dir, "kervan.log")
	if len(rotated) != 1 {
		t.Fatalf("rotated files = %v, want exactly 1", rotated)
	}
	active, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(active) != 62 {
		t.Errorf("active file is %d bytes, want 62", len(active))
	}
}

// TestRotatingWriterPrune tests the retention cap.
func TestRotatingWriterPrune(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kervan.log")

	w, err := newRotatingWriter(path, 10, 2, false)
	if err != nil {
		t.Fatalf("newRotatingWriter() error = %v", err)
	}
	for i := 0; i < 8; i++ {
		if _, err := w.Write([]byte("0123456789A\n")); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	rotated := rotatedFiles(t, dir, "kervan.log")
	if len(rotated) != 2 {
		t.Errorf("rotated files = %v, want 2 retained", rotated)
	}
}

// TestRotatingWriterCompress tests gzip of rotated files.
func TestRotatingWriterCompress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kervan.log")

	w, err := newRotatingWriter(path, 8, 0, true)
	if err != nil {
		t.Fatalf("newRotatingWriter() error = %v", err)
	}
	if _, err := w.Write([]byte("first line\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if _, err := w.Write([]byte("second\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	rotated := rotatedFiles(t, dir, "kervan.log")
	if len(rotated) != 1 || !strings.HasSuffix(rotated[0], ".gz") {
		t.Fatalf("rotated files = %v, want one .gz file", rotated)
	}

	f, err := os.Open(filepath.Join(dir, rotated[0]))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	content, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(content) != "first line\n" {
		t.Errorf("decompressed = %q, want %q", content, "first line\n")
	}
}
