// Package state persists run records so that status, stop and list work
// across separate invocations of the tool.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "devspin/internal/errors"
	"devspin/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	runsDir = "runs"
	logsDir = "logs"
	recExt  = ".yaml"
)

// For testing
var userHomeDir = os.UserHomeDir

// Store is the durable record of active projects.
type Store interface {
	Persist(rec *RunRecord) error
	Load(projectName string) (*RunRecord, error)
	Delete(projectName string) error
	List() ([]*RunRecord, error)
}

// FileStore keeps one YAML file per project under <dir>/runs.
type FileStore struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewFileStore creates a store rooted at dir. The directory is created on
// first write.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, now: time.Now}
}

// DefaultDir returns $XDG_STATE_HOME/devspin, or ~/.local/state/devspin.
func DefaultDir() (string, error) {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "devspin"), nil
	}
	home, err := userHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".local", "state", "devspin"), nil
}

// Dir returns the store root.
func (s *FileStore) Dir() string {
	return s.dir
}

// LogPath returns the log file of a service.
func (s *FileStore) LogPath(projectName, service string) string {
	return filepath.Join(s.dir, logsDir, projectName, service+".log")
}

func (s *FileStore) path(projectName string) (string, error) {
	if projectName == "" || strings.ContainsAny(projectName, `/\`) || strings.HasPrefix(projectName, ".") {
		return "", fmt.Errorf("invalid project name %q", projectName)
	}
	return filepath.Join(s.dir, runsDir, projectName+recExt), nil
}

// Persist writes the record atomically: temp file in the same directory,
// fsync, rename. Readers see either the old or the new record.
func (s *FileStore) Persist(rec *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.path(rec.Project)
	if err != nil {
		return err
	}
	rec.UpdatedAt = s.now()

	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode run record for %s: %w", rec.Project, err)
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+rec.Project+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write run record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync run record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close run record: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace run record: %w", err)
	}

	logging.Debug("StateStore", "Persisted %s (phase %s, %d services)", rec.Project, rec.Phase, len(rec.Services))
	return nil
}

// Load reads the record of a project. A missing record yields
// STATE_NOT_FOUND; an unreadable one STATE_CORRUPT.
func (s *FileStore) Load(projectName string) (*RunRecord, error) {
	target, err := s.path(projectName)
	if err != nil {
		return nil, apperrors.ErrStateNotFound(projectName)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.ErrStateNotFound(projectName)
		}
		return nil, apperrors.ErrStateCorrupt(projectName, err)
	}
	return decode(projectName, data)
}

func decode(projectName string, data []byte) (*RunRecord, error) {
	var rec RunRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, apperrors.ErrStateCorrupt(projectName, err)
	}
	if rec.Project != projectName {
		return nil, apperrors.ErrStateCorrupt(projectName,
			fmt.Errorf("record names project %q", rec.Project))
	}
	return &rec, nil
}

// Delete removes the record of a project. Deleting a missing record is not an error.
func (s *FileStore) Delete(projectName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.path(projectName)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete run record for %s: %w", projectName, err)
	}
	logging.Debug("StateStore", "Deleted run record for %s", projectName)
	return nil
}

// List returns every readable record sorted by project. Unreadable records
// are reported in the returned error alongside the readable ones.
func (s *FileStore) List() ([]*RunRecord, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, runsDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var records []*RunRecord
	var problems []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recExt) {
			continue
		}
		projectName := strings.TrimSuffix(name, recExt)
		rec, err := s.Load(projectName)
		if err != nil {
			logging.Warn("StateStore", "Skipping run record %s: %v", name, err)
			problems = append(problems, err)
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Project < records[j].Project })
	return records, errors.Join(problems...)
}
