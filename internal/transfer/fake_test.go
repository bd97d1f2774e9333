package transfer

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/xSeung/MultiThread-FileTransferr/internal/chunk"
)

// memWriter is an in-memory chunk.Writer.
type memWriter struct {
	mu     sync.Mutex
	id     int
	length int64
	buf    bytes.Buffer
	closed bool
	// failWrites makes the next n calls to Write fail without storing anything.
	failWrites int
	failed     int
}

func newMemWriter(id int, length int64, initial []byte) *memWriter {
	w := &memWriter{id: id, length: length}
	w.buf.Write(initial)
	return w
}

func (w *memWriter) ID() int {
	return w.id
}

func (w *memWriter) Progress() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(w.buf.Len())
}

func (w *memWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, os.ErrClosed
	}
	if w.failWrites > 0 {
		w.failWrites--
		w.failed++
		return 0, errors.New("disk full")
	}
	var overflow bool
	if remaining := w.length - int64(w.buf.Len()); int64(len(p)) > remaining {
		p = p[:remaining]
		overflow = true
	}
	n, _ := w.buf.Write(p)
	if overflow {
		return n, chunk.ErrOverflow
	}
	return n, nil
}

func (w *memWriter) Finished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(w.buf.Len()) >= w.length
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *memWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return bytes.Clone(w.buf.Bytes())
}

func (w *memWriter) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *memWriter) FailedWrites() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

// memReader is an in-memory chunk.Reader that records every seek.
type memReader struct {
	mu    sync.Mutex
	id    int
	data  []byte
	pos   int64
	seeks []int64
}

func newMemReader(id int, data []byte) *memReader {
	return &memReader{id: id, data: data}
}

func (r *memReader) ID() int {
	return r.id
}

func (r *memReader) SeekTo(offset int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset < 0 || offset > int64(len(r.data)) {
		return errors.New("offset out of range")
	}
	r.pos = offset
	r.seeks = append(r.seeks, offset)
	return nil
}

func (r *memReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pos >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += int64(n)
	return n, nil
}

func (r *memReader) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos >= int64(len(r.data))
}

func (r *memReader) Seeks() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.seeks...)
}

// zeroReader yields length zero bytes.
type zeroReader struct {
	mu     sync.Mutex
	length int64
	pos    int64
}

func (r *zeroReader) ID() int {
	return 0
}

func (r *zeroReader) SeekTo(offset int64) error {
	r.mu.Lock()
	r.pos = offset
	r.mu.Unlock()
	return nil
}

func (r *zeroReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	remaining := r.length - r.pos
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	clear(p)
	r.pos += int64(len(p))
	return len(p), nil
}

func (r *zeroReader) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos >= r.length
}

// logBuffer collects log output from concurrent units.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) Contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Contains(b.buf.Bytes(), []byte(s))
}

func newTestLogger(b *logBuffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(b, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
