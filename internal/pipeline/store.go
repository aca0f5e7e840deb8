package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a run has no stored record.
var ErrNotFound = errors.New("run not found")

// RunStatus is the externally visible progress record for a run.
type RunStatus struct {
	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	CurrentNode Node   `json:"current_node"`
	Iteration   int    `json:"iteration"`
	FinalStatus string `json:"final_status,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Queued is the sentinel returned for run ids the store has never seen.
func Queued(runID string) *RunStatus {
	return &RunStatus{RunID: runID, Status: StatusQueued, CurrentNode: NodeQueued}
}

var runIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidRunID reports whether id is safe to use as a directory name.
func ValidRunID(id string) bool {
	return runIDRe.MatchString(id) && id != "." && id != ".."
}

// Store keeps run status and state snapshots on disk, one directory per run,
// with an in-memory index in front of it. Safe for concurrent use.
type Store struct {
	baseDir string // defaults to ~/.healer/runs

	mu    sync.RWMutex
	index map[string]*RunStatus
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir, index: make(map[string]*RunStatus)}
}

// DefaultStore returns a Store at ~/.healer/runs, creating the directory if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	return OpenStore(filepath.Join(home, ".healer", "runs"))
}

// OpenStore returns a Store at dir, creating the directory if needed.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return NewStore(dir), nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.baseDir, runID)
}

func (s *Store) statusPath(runID string) string {
	return filepath.Join(s.runDir(runID), "status.json")
}

func (s *Store) statePath(runID string) string {
	return filepath.Join(s.runDir(runID), "state.json")
}

// Put inserts or replaces the status record for a run.
func (s *Store) Put(st RunStatus) error {
	if !ValidRunID(st.RunID) {
		return fmt.Errorf("invalid run id %q", st.RunID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if st.CreatedAt == "" {
		st.CreatedAt = now
	}
	st.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := WriteJSON(s.statusPath(st.RunID), &st); err != nil {
		return fmt.Errorf("write status.json: %w", err)
	}
	s.index[st.RunID] = &st
	return nil
}

// Get returns the status record for a run, or ErrNotFound.
func (s *Store) Get(runID string) (*RunStatus, error) {
	if !ValidRunID(runID) {
		return nil, ErrNotFound
	}
	s.mu.RLock()
	if st, ok := s.index[runID]; ok {
		cp := *st
		s.mu.RUnlock()
		return &cp, nil
	}
	s.mu.RUnlock()

	var st RunStatus
	if err := ReadJSON(s.statusPath(runID), &st); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.index[runID] = &st
	s.mu.Unlock()
	cp := st
	return &cp, nil
}

// Lookup returns the stored status, or the Queued sentinel for unknown runs.
func (s *Store) Lookup(runID string) *RunStatus {
	st, err := s.Get(runID)
	if err != nil {
		return Queued(runID)
	}
	return st
}

// Update performs a read-modify-write of a run's status.
func (s *Store) Update(runID string, fn func(*RunStatus)) error {
	st, err := s.Get(runID)
	if err != nil {
		return err
	}
	fn(st)
	st.RunID = runID
	return s.Put(*st)
}

// List returns all stored runs, optionally filtered by status.
// Pass "" for statusFilter to return every run.
func (s *Store) List(statusFilter string) ([]RunStatus, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []RunStatus
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		st, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		if statusFilter == "" || st.Status == statusFilter {
			runs = append(runs, *st)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt != runs[j].CreatedAt {
			return runs[i].CreatedAt < runs[j].CreatedAt
		}
		return runs[i].RunID < runs[j].RunID
	})
	return runs, nil
}

// Delete removes all data for a run.
func (s *Store) Delete(runID string) error {
	if !ValidRunID(runID) {
		return ErrNotFound
	}
	dir := s.runDir(runID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ErrNotFound
	}
	s.mu.Lock()
	delete(s.index, runID)
	s.mu.Unlock()
	return os.RemoveAll(dir)
}

// SaveState writes a snapshot of the full run state.
func (s *Store) SaveState(st *RunState) error {
	if !ValidRunID(st.RunID) {
		return fmt.Errorf("invalid run id %q", st.RunID)
	}
	return WriteJSON(s.statePath(st.RunID), st)
}

// GetState reads the last saved state snapshot for a run.
func (s *Store) GetState(runID string) (*RunState, error) {
	if !ValidRunID(runID) {
		return nil, ErrNotFound
	}
	var st RunState
	if err := ReadJSON(s.statePath(runID), &st); err != nil {
		return nil, err
	}
	return &st, nil
}
