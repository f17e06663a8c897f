// Package stores persists resource state. Two backends share one interface:
// a JSON file store and a SQLite store, selected by the state path extension.
package stores

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// ErrLocked is returned when the state lock is already held.
var ErrLocked = errors.New("state is locked by another process")

// ErrNotFound is returned when a resource has no recorded state.
var ErrNotFound = errors.New("resource not found in state")

// ResourceEntry is the recorded state of one managed resource.
type ResourceEntry struct {
	// Address is "<type>.<name>".
	Address string `json:"address"`

	// Type and Name split the address.
	Type string `json:"type"`
	Name string `json:"name"`

	// Args are the fully resolved argument values the resource was last
	// applied with. Plan diffs compare declared arguments against these.
	Args map[string]interface{} `json:"args"`

	// Attributes are the provider-reported output values, including
	// computed attributes like id and arn.
	Attributes map[string]interface{} `json:"attributes"`

	// Dependencies lists the addresses this resource referenced when it
	// was applied. Destroy ordering is derived from these edges.
	Dependencies []string `json:"dependencies,omitempty"`

	// CreationSerial orders resources by when they were first created.
	CreationSerial uint64 `json:"creation_serial"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is a point-in-time view of all recorded state.
type Snapshot struct {
	// Serial increments on every state mutation. Plans record the serial
	// they were computed against so a stale plan can be rejected.
	Serial uint64 `json:"serial"`

	// Resources maps addresses to their entries.
	Resources map[string]*ResourceEntry `json:"resources"`
}

// Resource returns the entry at addr, or nil.
func (s *Snapshot) Resource(addr string) *ResourceEntry {
	return s.Resources[addr]
}

// NextCreationSerial returns one past the highest recorded creation serial.
func (s *Snapshot) NextCreationSerial() uint64 {
	var max uint64
	for _, entry := range s.Resources {
		if entry.CreationSerial > max {
			max = entry.CreationSerial
		}
	}
	return max + 1
}

// Store persists resource state. Mutations are incremental: each upsert or
// delete is durable before it returns, so a run that stops partway leaves
// every completed action recorded.
type Store interface {
	// Load returns the current snapshot. A store with no prior state
	// returns an empty snapshot at serial zero.
	Load(ctx context.Context) (*Snapshot, error)

	// Save replaces all recorded state with snapshot, keeping whichever
	// serial is higher so plans against the old state stay rejectable.
	// Used for state import and backend migration; normal applies write
	// incrementally through UpsertResource and DeleteResource.
	Save(ctx context.Context, snapshot *Snapshot) error

	// UpsertResource records entry and increments the state serial.
	UpsertResource(ctx context.Context, entry *ResourceEntry) error

	// DeleteResource removes the entry at addr and increments the state
	// serial. Deleting an absent address returns ErrNotFound.
	DeleteResource(ctx context.Context, addr string) error

	// Lock takes the exclusive state lock, failing fast with ErrLocked
	// if another process holds it.
	Lock(ctx context.Context) error

	// Unlock releases the state lock.
	Unlock(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Open creates the store backend matching the path extension: .json for the
// file store, .db, .sqlite or .sqlite3 for SQLite.
func Open(ctx context.Context, path string) (Store, error) {
	switch filepath.Ext(path) {
	case ".json":
		return NewFileStore(path)
	case ".db", ".sqlite", ".sqlite3":
		store, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported state path %q: expected .json, .db, .sqlite or .sqlite3", path)
	}
}
