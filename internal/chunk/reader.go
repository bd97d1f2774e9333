package chunk

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// FileReader reads one byte range of a source file.
type FileReader struct {
	mu     sync.Mutex
	file   *os.File
	rng    Range
	pos    int64
	onRead ProgressFunc
}

// OpenFileReader opens path and binds the reader to rng. onRead, if set, is
// called with the chunk id and size of every successful read.
func OpenFileReader(path string, rng Range, onRead ProgressFunc) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if rng.End() > info.Size() {
		_ = f.Close()
		return nil, fmt.Errorf("chunk %d range [%d,%d) exceeds file size %d", rng.ID, rng.Offset, rng.End(), info.Size())
	}
	return &FileReader{file: f, rng: rng, onRead: onRead}, nil
}

// OpenFileReaders opens one reader per range.
func OpenFileReaders(path string, ranges []Range, onRead ProgressFunc) ([]*FileReader, error) {
	readers := make([]*FileReader, 0, len(ranges))
	for _, r := range ranges {
		fr, err := OpenFileReader(path, r, onRead)
		if err != nil {
			for _, opened := range readers {
				_ = opened.Close()
			}
			return nil, err
		}
		readers = append(readers, fr)
	}
	return readers, nil
}

func (r *FileReader) ID() int {
	return r.rng.ID
}

func (r *FileReader) SeekTo(offset int64) error {
	if offset < 0 || offset > r.rng.Length {
		return fmt.Errorf("seek chunk %d: offset %d outside [0,%d]", r.rng.ID, offset, r.rng.Length)
	}
	r.mu.Lock()
	r.pos = offset
	r.mu.Unlock()
	return nil
}

func (r *FileReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	remaining := r.rng.Length - r.pos
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := r.file.ReadAt(p, r.rng.Offset+r.pos)
	r.pos += int64(n)
	if n > 0 && r.onRead != nil {
		r.onRead(r.rng.ID, n)
	}
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (r *FileReader) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos >= r.rng.Length
}

// Close releases the underlying file handle.
func (r *FileReader) Close() error {
	return r.file.Close()
}
