package sandbox

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cloveric/awe-agentforge-sub000/internal/ignore"
)

// Manifest maps slash-separated relative paths to content digests.
type Manifest map[string]string

// Paths returns the manifest's paths in sorted order.
func (m Manifest) Paths() []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Fingerprint digests the whole manifest. Equal trees yield equal
// fingerprints regardless of walk order or timestamps.
func (m Manifest) Fingerprint() string {
	h := sha256.New()
	for _, p := range m.Paths() {
		fmt.Fprintf(h, "%s\x00%s\n", p, m[p])
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil))
}

// Diff compares current against m as base.
func (m Manifest) Diff(current Manifest) (changed, deleted []string) {
	for _, p := range current.Paths() {
		if m[p] != current[p] {
			changed = append(changed, p)
		}
	}
	for _, p := range m.Paths() {
		if _, ok := current[p]; !ok {
			deleted = append(deleted, p)
		}
	}
	return changed, deleted
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func hashBytes(b []byte) string {
	return fmt.Sprintf("sha256:%x", sha256.Sum256(b))
}

// walkFiles visits every regular file under root that matcher does not
// exclude. Symlinks and other special files are skipped.
func walkFiles(root string, matcher *ignore.Matcher, fn func(rel, path string, info fs.FileInfo) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if matcher.Excluded(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || matcher.Excluded(rel, false) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(rel, path, info)
	})
}

func buildManifest(root string, matcher *ignore.Matcher) (Manifest, error) {
	m := Manifest{}
	err := walkFiles(root, matcher, func(rel, path string, _ fs.FileInfo) error {
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		m[rel] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return m, nil
}

// SaveManifest writes m as JSON.
func SaveManifest(path string, m Manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, fileMode)
}

// LoadManifest reads a manifest written by SaveManifest.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoManifest, path)
		}
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// within reports whether path is inside root.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
