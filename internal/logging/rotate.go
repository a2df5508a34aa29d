package logging

import (
	"fmt"
	"os"
	"sync"
)

// rotatingWriter appends to path and, once the next write would pass
// maxBytes, shifts path to path.1 (path.1 to path.2, and so on) keeping at most
// keep old files. keep == 0 truncates in place.
type rotatingWriter struct {
	path     string
	maxBytes int64
	keep     int

	mu   sync.Mutex
	file *os.File
	size int64
}

func newRotatingWriter(path string, maxMB, keep int) (*rotatingWriter, error) {
	if maxMB <= 0 {
		maxMB = 10
	}
	if keep < 0 {
		keep = 0
	}
	w := &rotatingWriter{path: path, maxBytes: int64(maxMB) << 20, keep: keep}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *rotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	w.file, w.size = f, info.Size()
	return nil
}

func (w *rotatingWriter) rotate() error {
	_ = w.file.Close()
	w.file = nil
	if w.keep == 0 {
		if err := os.Truncate(w.path, 0); err != nil && !os.IsNotExist(err) {
			return err
		}
		return w.open()
	}
	_ = os.Remove(backupName(w.path, w.keep))
	for i := w.keep - 1; i >= 1; i-- {
		_ = os.Rename(backupName(w.path, i), backupName(w.path, i+1))
	}
	if err := os.Rename(w.path, backupName(w.path, 1)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return w.open()
}

func backupName(path string, n int) string { return fmt.Sprintf("%s.%d", path, n) }
