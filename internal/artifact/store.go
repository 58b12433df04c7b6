// Package artifact manages enrichment artifacts: one markdown document per
// work item, stored under a project's enrichment directory as <id>.md.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultWindow bounds the recency fallback in Locate.
const DefaultWindow = 30 * time.Minute

// ErrNotFound is returned by Locate when no artifact can be found.
var ErrNotFound = errors.New("enrichment artifact not found")

// Store reads and writes enrichment artifacts.
// Layout: <Dir>/<id>.md
type Store struct {
	Dir string
	// Candidates are extra directories searched by Locate after Dir, in order.
	Candidates []string
	Window     time.Duration
	Now        func() time.Time
}

// NewStore creates a store rooted at dir. Locate also searches candidates.
func NewStore(dir string, candidates ...string) *Store {
	return &Store{Dir: dir, Candidates: candidates, Window: DefaultWindow, Now: time.Now}
}

// FileName is the canonical artifact file name for id.
func FileName(id string) string {
	return id + ".md"
}

// Path returns the canonical artifact path for id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.Dir, FileName(id))
}

// Exists returns the canonical path and whether a regular file is there.
func (s *Store) Exists(id string) (string, bool) {
	p := s.Path(id)
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return p, true
}

// Read returns the artifact content for id.
func (s *Store) Read(id string) (string, error) {
	b, err := os.ReadFile(s.Path(id))
	if err != nil {
		return "", fmt.Errorf("read artifact %s: %w", id, err)
	}
	return string(b), nil
}

func (s *Store) dirs() []string {
	dirs := []string{s.Dir}
	for _, d := range s.Candidates {
		if d != "" && d != s.Dir {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// Locate finds the artifact an agent produced for id. The exact file name is
// tried in every search directory first. Failing that, the newest *.md file
// modified within the recency window whose name mentions id is returned.
// Only the enrichment dir and the configured candidates are searched.
func (s *Store) Locate(id string) (string, error) {
	for _, dir := range s.dirs() {
		for _, name := range []string{FileName(id), FileName(strings.ToLower(id))} {
			p := filepath.Join(dir, name)
			if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
				return p, nil
			}
		}
	}

	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	window := s.Window
	if window <= 0 {
		window = DefaultWindow
	}

	var newest string
	var newestTime time.Time
	for _, dir := range s.dirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.EqualFold(filepath.Ext(name), ".md") {
				continue
			}
			if !mentionsID(strings.TrimSuffix(name, filepath.Ext(name)), id) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			mod := info.ModTime()
			if now.Sub(mod) > window {
				continue
			}
			if newest == "" || mod.After(newestTime) {
				newest = filepath.Join(dir, name)
				newestTime = mod
			}
		}
	}
	if newest == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return newest, nil
}

// mentionsID reports whether stem contains id, case-insensitively, as a run
// bounded by the string ends or by characters that are not letters or digits.
// "p1-plan" mentions "P1"; "p10" and "readme" do not.
func mentionsID(stem, id string) bool {
	stem, id = strings.ToLower(stem), strings.ToLower(id)
	if id == "" {
		return false
	}
	for off := 0; ; {
		i := strings.Index(stem[off:], id)
		if i < 0 {
			return false
		}
		start := off + i
		end := start + len(id)
		if (start == 0 || !isAlnum(stem[start-1])) && (end == len(stem) || !isAlnum(stem[end])) {
			return true
		}
		off = start + 1
	}
}

func isAlnum(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

// Install places src at the canonical path for id and returns that path.
// Files already inside the enrichment dir are moved; anything else is copied
// and left where it was.
func (s *Store) Install(src, id string) (string, error) {
	dst := s.Path(id)
	if filepath.Clean(src) == filepath.Clean(dst) {
		return dst, nil
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return "", fmt.Errorf("create enrichment dir: %w", err)
	}
	if filepath.Clean(filepath.Dir(src)) == filepath.Clean(s.Dir) {
		if err := os.Rename(src, dst); err == nil {
			return dst, nil
		}
	}
	if err := copyFile(src, dst); err != nil {
		return "", fmt.Errorf("install artifact %s: %w", id, err)
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Summary returns the first line of the artifact for display, or
// "not enriched" when it is missing.
func (s *Store) Summary(id string) string {
	content, err := s.Read(id)
	if err != nil {
		return "not enriched"
	}
	first := strings.TrimSpace(strings.SplitN(strings.TrimSpace(content), "\n", 2)[0])
	first = strings.TrimLeft(first, "# ")
	if len(first) > 60 {
		first = first[:57] + "..."
	}
	return first
}
