// Package chunk provides the byte-range readers and writers that a transfer
// unit streams through, plus the planner that splits a file into chunks and
// the merge step that reassembles received chunks.
package chunk

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
)

const (
	tempDirSuffix = ".mtft"
	partSuffix    = ".part"
)

var (
	// ErrOverflow is returned when a writer receives bytes past the end of its range.
	ErrOverflow = errors.New("chunk: write past end of range")
	// ErrMissingChunk is returned by Merge when the part files do not match
	// the chunk plan: a part is absent, has the wrong length or is unexpected.
	ErrMissingChunk = errors.New("chunk: missing part file")
)

// ProgressFunc is told about every n bytes moved for chunk id.
type ProgressFunc func(id, n int)

// Reader is the sending side of one chunk.
type Reader interface {
	ID() int
	// SeekTo positions the reader at offset bytes from the start of the chunk.
	SeekTo(offset int64) error
	Read(p []byte) (int, error)
	// Finished reports whether every byte of the chunk has been read.
	Finished() bool
}

// Writer is the receiving side of one chunk.
type Writer interface {
	ID() int
	// Progress returns the number of bytes already durably written.
	Progress() int64
	Write(p []byte) (int, error)
	// Finished reports whether the whole chunk has been written.
	Finished() bool
	Close() error
}

// Range is a contiguous byte range of the source file.
type Range struct {
	ID     int   `json:"id"`
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// End returns the exclusive end offset of the range.
func (r Range) End() int64 {
	return r.Offset + r.Length
}

// Plan splits total bytes into parts contiguous ranges. The first total%parts
// ranges are one byte longer than the rest.
func Plan(total int64, parts int) ([]Range, error) {
	if total < 0 {
		return nil, fmt.Errorf("invalid size %d", total)
	}
	if parts < 1 {
		return nil, fmt.Errorf("invalid chunk count %d", parts)
	}
	ranges := make([]Range, parts)
	base := total / int64(parts)
	rem := total % int64(parts)
	var offset int64
	for i := 0; i < parts; i++ {
		length := base
		if int64(i) < rem {
			length++
		}
		ranges[i] = Range{ID: i, Offset: offset, Length: length}
		offset += length
	}
	return ranges, nil
}

// TempDir returns the directory holding the part files of a download.
func TempDir(outDir, name string) string {
	return filepath.Join(outDir, filepath.Base(name)+tempDirSuffix)
}

// PartPath returns the part file path of chunk id.
func PartPath(outDir, name string, id int) string {
	return filepath.Join(TempDir(outDir, name), strconv.Itoa(id)+partSuffix)
}

// FinalPath returns where Merge places the assembled file.
func FinalPath(outDir, name string) string {
	return filepath.Join(outDir, filepath.Base(name))
}
