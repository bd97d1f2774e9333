package chunk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

const manifestFile = "manifest.json"

// Manifest records the chunk plan that the part files under TempDir belong
// to. Part files are only resumed or merged under the plan they were written
// for.
type Manifest struct {
	Size   int64   `json:"size"`
	Ranges []Range `json:"ranges"`
}

func newManifest(ranges []Range) Manifest {
	var size int64
	for _, r := range ranges {
		size += r.Length
	}
	return Manifest{Size: size, Ranges: slices.Clone(ranges)}
}

// Matches reports whether m describes exactly the given plan.
func (m Manifest) Matches(ranges []Range) bool {
	return slices.Equal(m.Ranges, ranges) && m.Size == newManifest(ranges).Size
}

// ManifestPath returns the manifest location of a download.
func ManifestPath(outDir, name string) string {
	return filepath.Join(TempDir(outDir, name), manifestFile)
}

// ReadManifest loads the manifest of name. A missing manifest is reported as
// os.ErrNotExist.
func ReadManifest(outDir, name string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(ManifestPath(outDir, name))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode chunk manifest: %w", err)
	}
	return m, nil
}

// prepareTempDir makes TempDir hold parts of ranges only. Parts left by a
// different plan, or without a readable manifest, are discarded.
func prepareTempDir(outDir, name string, ranges []Range) error {
	if m, err := ReadManifest(outDir, name); err == nil && m.Matches(ranges) {
		return nil
	}
	dir := TempDir(outDir, name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("discard stale parts: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create chunk dir: %w", err)
	}
	return writeManifest(outDir, name, newManifest(ranges))
}

func writeManifest(outDir, name string, m Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode chunk manifest: %w", err)
	}
	path := ManifestPath(outDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write chunk manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write chunk manifest: %w", err)
	}
	return nil
}
