package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// StatusWriter persists the summary of the last run per project so the
// status command can report it. It is diagnostic output only; nothing reads
// it back to make decisions.
type StatusWriter struct {
	Dir string
}

// NewStatusWriter creates a writer that stores files under dir.
func NewStatusWriter(dir string) *StatusWriter {
	return &StatusWriter{Dir: dir}
}

// Path returns the status file for project.
func (w *StatusWriter) Path(project string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, project)
	return filepath.Join(w.Dir, name+".last-run.json")
}

// Write stores sum atomically: write to a temp file, then rename.
func (w *StatusWriter) Write(sum *RunSummary) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	data, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	path := w.Path(sum.Project)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Read returns the last stored summary for project, or nil when none exists.
func (w *StatusWriter) Read(project string) (*RunSummary, error) {
	data, err := os.ReadFile(w.Path(project))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	var sum RunSummary
	if err := json.Unmarshal(data, &sum); err != nil {
		return nil, fmt.Errorf("parse status %s: %w", w.Path(project), err)
	}
	return &sum, nil
}
