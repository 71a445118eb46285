package logging

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// rotationStamp names rotated files so they sort oldest first.
const rotationStamp = "20060102-150405.000000000"

// rotatingWriter appends to a log file and rotates it once it grows
// past maxSize. Rotated files carry a timestamp suffix, are optionally
// gzip-compressed, and only the newest keep files are retained.
type rotatingWriter struct {
	mu       sync.Mutex
	path     string
	maxSize  int64
	keep     int
	compress bool
	file     *os.File
	size     int64
}

func newRotatingWriter(path string, maxSize int64, keep int, compress bool) (*rotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &rotatingWriter{
		path:     path,
		maxSize:  maxSize,
		keep:     keep,
		compress: compress,
		file:     file,
		size:     info.Size(),
	}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// rotate renames the active file aside, compresses it if configured,
// prunes old rotations, and starts a fresh file.
func (w *rotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	rotated := w.path + "." + time.Now().UTC().Format(rotationStamp)
	if err := os.Rename(w.path, rotated); err != nil {
		return err
	}
	if w.compress {
		// A failed compression keeps the uncompressed rotation.
		gzipFile(rotated)
	}
	if w.keep > 0 {
		w.prune()
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	w.file = file
	w.size = 0
	return nil
}

// prune removes the oldest rotated files beyond the retention cap.
func (w *rotatingWriter) prune() {
	dir := filepath.Dir(w.path)
	prefix := filepath.Base(w.path) + "."
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var rotated []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			rotated = append(rotated, e.Name())
		}
	}
	sort.Strings(rotated)
	for len(rotated) > w.keep {
		os.Remove(filepath.Join(dir, rotated[0]))
		rotated = rotated[1:]
	}
}

// gzipFile compresses path into path.gz and removes the original.
func gzipFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		os.Remove(path + ".gz")
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
