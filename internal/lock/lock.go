// Package lock provides per-project mutual exclusion through a marker file
// with staleness detection.
//
// A lock is live while its age is below the TTL. Older markers are treated as
// abandoned and removed before a new one is written. The lock is not
// distributed: it assumes one host drives a given project at a time.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL exceeds the longest single workflow timeout.
const DefaultTTL = 45 * time.Minute

// Record is the marker payload. It is diagnostic only.
type Record struct {
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	RunID      string    `json:"run_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Age returns how long ago the record was written.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.AcquiredAt)
}

// String renders the holder for log lines.
func (r Record) String() string {
	return fmt.Sprintf("%s (pid %d on %s, since %s)", r.Owner, r.PID, r.Host, r.AcquiredAt.Format(time.RFC3339))
}

// Manager acquires and releases lock markers under Dir.
type Manager struct {
	Dir string
	TTL time.Duration
	// Now returns the current time. Tests override it to age locks.
	Now func() time.Time
	// Owner is recorded in new markers. Defaults to "prpflow".
	Owner string
	// RunID is recorded in new markers. Defaults to a fresh UUID.
	RunID string
}

// NewManager returns a Manager storing markers in dir with the default TTL.
func NewManager(dir string) *Manager {
	return &Manager{Dir: dir, TTL: DefaultTTL, Now: time.Now, Owner: "prpflow", RunID: uuid.NewString()}
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Manager) ttl() time.Duration {
	if m.TTL <= 0 {
		return DefaultTTL
	}
	return m.TTL
}

// Path returns the marker file for lockID.
func (m *Manager) Path(lockID string) string {
	return filepath.Join(m.Dir, sanitize(lockID)+".lock")
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}

// Acquire takes the lock for lockID. It returns false without error when a
// live lock is held by anyone, including this process.
func (m *Manager) Acquire(lockID string) (bool, error) {
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return false, fmt.Errorf("create lock dir: %w", err)
	}
	path := m.Path(lockID)

	holder, err := m.Holder(lockID)
	if err != nil {
		return false, err
	}
	if holder != nil {
		if holder.Age(m.now()) < m.ttl() {
			return false, nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("remove stale lock: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		// Lost a race with another process.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create lock: %w", err)
	}

	rec := m.newRecord()
	data, _ := json.MarshalIndent(rec, "", "  ")
	_, werr := f.Write(append(data, '\n'))
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(path)
		return false, fmt.Errorf("write lock: %w", errors.Join(werr, cerr))
	}

	register(m, lockID)
	return true, nil
}

func (m *Manager) newRecord() Record {
	host, _ := os.Hostname()
	owner := m.Owner
	if owner == "" {
		owner = "prpflow"
	}
	runID := m.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	return Record{
		Owner:      owner,
		PID:        os.Getpid(),
		Host:       host,
		RunID:      runID,
		AcquiredAt: m.now(),
	}
}

// Holder returns the current marker record, or nil when no marker exists.
// A marker that cannot be decoded is reported with AcquiredAt set to the
// file's modification time.
func (m *Manager) Holder(lockID string) (*Record, error) {
	path := m.Path(lockID)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil || rec.AcquiredAt.IsZero() {
		info, statErr := os.Stat(path)
		if statErr != nil {
			if errors.Is(statErr, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, fmt.Errorf("stat lock: %w", statErr)
		}
		rec = Record{Owner: "unknown", AcquiredAt: info.ModTime()}
	}
	return &rec, nil
}

// Release removes the marker for lockID. A missing marker is not an error.
func (m *Manager) Release(lockID string) error {
	unregister(m, lockID)
	if err := os.Remove(m.Path(lockID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

type held struct {
	m  *Manager
	id string
}

var (
	registryMu sync.Mutex
	registry   = map[string]held{}
)

func register(m *Manager, id string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[m.Path(id)] = held{m: m, id: id}
}

func unregister(m *Manager, id string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, m.Path(id))
}

// Held returns the marker paths held by this process.
func Held() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	paths := make([]string, 0, len(registry))
	for p := range registry {
		paths = append(paths, p)
	}
	return paths
}

// ReleaseAll releases every lock this process holds. Intended for signal
// handlers and deferred cleanup in main.
func ReleaseAll() error {
	registryMu.Lock()
	locks := make([]held, 0, len(registry))
	for _, h := range registry {
		locks = append(locks, h)
	}
	registryMu.Unlock()

	var errs []error
	for _, h := range locks {
		if err := h.m.Release(h.id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
