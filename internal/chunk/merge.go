package chunk

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Merge concatenates the part files of name, in chunk order, into
// FinalPath(outDir, name). The parts must match the manifest written by
// NewFileWriters: one part per range, each exactly as long as its range.
// The final file only appears once it is complete.
func Merge(outDir, name string) error {
	m, err := ReadManifest(outDir, name)
	if err != nil {
		return fmt.Errorf("%w: no manifest for %s: %v", ErrMissingChunk, name, err)
	}
	return mergeRanges(outDir, name, m.Ranges)
}

// mergeRanges is Merge against an explicit plan.
func mergeRanges(outDir, name string, ranges []Range) error {
	if err := verifyParts(outDir, name, ranges); err != nil {
		return err
	}
	ids := make([]int, len(ranges))
	for i, r := range ranges {
		ids[i] = r.ID
	}

	final := FinalPath(outDir, name)
	tmp := filepath.Join(outDir, "."+filepath.Base(name)+".merging")
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create merge target: %w", err)
	}
	for _, id := range ids {
		if err := appendPart(out, PartPath(outDir, name, id)); err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync merged file: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close merged file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename merged file: %w", err)
	}
	return nil
}

func verifyParts(outDir, name string, ranges []Range) error {
	if len(ranges) == 0 {
		return fmt.Errorf("%w: empty plan for %s", ErrMissingChunk, name)
	}
	ids, err := partIDs(TempDir(outDir, name))
	if err != nil {
		return err
	}
	if len(ids) > len(ranges) {
		return fmt.Errorf("%w: %d parts for %d chunks of %s", ErrMissingChunk, len(ids), len(ranges), name)
	}
	for i, r := range ranges {
		if r.ID != i {
			return fmt.Errorf("chunk %d of %s has id %d", i, name, r.ID)
		}
		info, err := os.Stat(PartPath(outDir, name, i))
		if err != nil {
			return fmt.Errorf("%w: chunk %d of %s", ErrMissingChunk, i, name)
		}
		if info.Size() != r.Length {
			return fmt.Errorf("%w: chunk %d of %s has %d of %d bytes", ErrMissingChunk, i, name, info.Size(), r.Length)
		}
	}
	return nil
}

func appendPart(dst io.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMissingChunk, path, err)
	}
	defer src.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

func partIDs(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingChunk, err)
	}
	ids := make([]int, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), partSuffix) {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(e.Name(), partSuffix))
		if err != nil || id < 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// Merger assembles downloads rooted at OutDir. It satisfies taskpool.Merger.
type Merger struct {
	OutDir string
}

func (m Merger) Merge(name string) error {
	return Merge(m.OutDir, name)
}

// Cleanup removes the part directory of name.
func (m Merger) Cleanup(name string) error {
	return os.RemoveAll(TempDir(m.OutDir, name))
}
