package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// stateFileVersion guards against reading a future file layout.
const stateFileVersion = 1

// stateFile is the on-disk JSON document.
type stateFile struct {
	Version   int                       `json:"version"`
	Serial    uint64                    `json:"serial"`
	Resources map[string]*ResourceEntry `json:"resources"`
}

// FileStore persists state as a single JSON document. Writes go through a
// temp file and rename so a crash never leaves a torn state file.
type FileStore struct {
	mu   sync.Mutex
	path string
	doc  *stateFile
}

// NewFileStore creates a file store at path. The file is created lazily on
// the first mutation.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state path is required")
	}
	return &FileStore{path: path}, nil
}

// Load reads the state file, returning an empty snapshot when it does not
// exist yet.
func (s *FileStore) Load(_ context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return nil, err
	}

	// Return a copy so callers cannot mutate the store's view.
	snapshot := &Snapshot{
		Serial:    s.doc.Serial,
		Resources: make(map[string]*ResourceEntry, len(s.doc.Resources)),
	}
	for addr, entry := range s.doc.Resources {
		copied := *entry
		snapshot.Resources[addr] = &copied
	}
	return snapshot, nil
}

// Save replaces all recorded state with snapshot, keeping the higher serial.
func (s *FileStore) Save(_ context.Context, snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}

	serial := snapshot.Serial
	if s.doc.Serial > serial {
		serial = s.doc.Serial
	}

	doc := &stateFile{
		Version:   stateFileVersion,
		Serial:    serial + 1,
		Resources: make(map[string]*ResourceEntry, len(snapshot.Resources)),
	}
	for addr, entry := range snapshot.Resources {
		copied := *entry
		doc.Resources[addr] = &copied
	}

	s.doc = doc
	return s.writeLocked()
}

// UpsertResource records entry and persists the file before returning.
func (s *FileStore) UpsertResource(_ context.Context, entry *ResourceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}

	copied := *entry
	s.doc.Resources[entry.Address] = &copied
	s.doc.Serial++

	return s.writeLocked()
}

// DeleteResource removes the entry at addr and persists the file.
func (s *FileStore) DeleteResource(_ context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}

	if _, exists := s.doc.Resources[addr]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}

	delete(s.doc.Resources, addr)
	s.doc.Serial++

	return s.writeLocked()
}

// Lock creates a sibling .lock file exclusively, failing fast when another
// process already holds it.
func (s *FileStore) Lock(_ context.Context) error {
	file, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w (lock file %s)", ErrLocked, s.lockPath())
		}
		return fmt.Errorf("failed to acquire state lock: %w", err)
	}

	fmt.Fprintf(file, "pid=%d acquired=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return file.Close()
}

// Unlock removes the lock file.
func (s *FileStore) Unlock(_ context.Context) error {
	if err := os.Remove(s.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release state lock: %w", err)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) lockPath() string {
	return s.path + ".lock"
}

// loadLocked reads the file into memory if not already loaded.
func (s *FileStore) loadLocked() error {
	if s.doc != nil {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.doc = &stateFile{
				Version:   stateFileVersion,
				Resources: make(map[string]*ResourceEntry),
			}
			return nil
		}
		return fmt.Errorf("failed to read state file %s: %w", s.path, err)
	}

	doc := &stateFile{}
	if err := json.Unmarshal(data, doc); err != nil {
		return fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}
	if doc.Version != stateFileVersion {
		return fmt.Errorf("unsupported state file version %d in %s", doc.Version, s.path)
	}
	if doc.Resources == nil {
		doc.Resources = make(map[string]*ResourceEntry)
	}

	s.doc = doc
	return nil
}

// writeLocked persists the document atomically via temp file and rename.
func (s *FileStore) writeLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".loom-state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	return nil
}
