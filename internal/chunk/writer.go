package chunk

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileWriter appends one chunk into its part file under TempDir. An existing
// part file is resumed: its size is the starting progress.
type FileWriter struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	rng     Range
	written int64
	closed  bool
	onWrite ProgressFunc
}

// NewFileWriter creates or resumes the part file of rng for the download name.
func NewFileWriter(outDir, name string, rng Range, onWrite ProgressFunc) (*FileWriter, error) {
	path := PartPath(outDir, name, rng.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open part file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat part file: %w", err)
	}
	written := info.Size()
	if written > rng.Length {
		// A longer part file cannot be trusted past the range end.
		if err := f.Truncate(rng.Length); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate part file: %w", err)
		}
		written = rng.Length
	}
	if _, err := f.Seek(written, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seek part file: %w", err)
	}
	return &FileWriter{file: f, path: path, rng: rng, written: written, onWrite: onWrite}, nil
}

// NewFileWriters creates one writer per range. Existing part files are
// resumed only when the manifest in TempDir records the same plan; otherwise
// TempDir is cleared and a fresh manifest is written.
func NewFileWriters(outDir, name string, ranges []Range, onWrite ProgressFunc) ([]*FileWriter, error) {
	if err := prepareTempDir(outDir, name, ranges); err != nil {
		return nil, err
	}
	writers := make([]*FileWriter, 0, len(ranges))
	for _, r := range ranges {
		fw, err := NewFileWriter(outDir, name, r, onWrite)
		if err != nil {
			for _, opened := range writers {
				_ = opened.Close()
			}
			return nil, err
		}
		writers = append(writers, fw)
	}
	return writers, nil
}

func (w *FileWriter) ID() int {
	return w.rng.ID
}

func (w *FileWriter) Progress() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Write appends p. Bytes past the end of the range are dropped and reported
// as ErrOverflow.
func (w *FileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, os.ErrClosed
	}
	var overflow bool
	if remaining := w.rng.Length - w.written; int64(len(p)) > remaining {
		p = p[:remaining]
		overflow = true
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	if n > 0 && w.onWrite != nil {
		w.onWrite(w.rng.ID, n)
	}
	if err != nil {
		return n, err
	}
	if overflow {
		return n, ErrOverflow
	}
	return n, nil
}

func (w *FileWriter) Finished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written >= w.rng.Length
}

// Close syncs and closes the part file. It is safe to call more than once.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.file.Sync()
	return w.file.Close()
}

// Path returns the part file path.
func (w *FileWriter) Path() string {
	return w.path
}
