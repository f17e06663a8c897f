package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// openBackends returns a fresh store per backend, all rooted in temp dirs.
func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	backends := make(map[string]Store)
	for name, file := range map[string]string{
		"file":   "state.json",
		"sqlite": "state.db",
	} {
		store, err := Open(ctx, filepath.Join(t.TempDir(), file))
		if err != nil {
			t.Fatalf("failed to open %s store: %v", name, err)
		}
		t.Cleanup(func() { _ = store.Close() })
		backends[name] = store
	}
	return backends
}

func testEntry(addr string, serial uint64) *ResourceEntry {
	now := time.Now().UTC().Truncate(time.Second)
	return &ResourceEntry{
		Address:        addr,
		Type:           "sim_table",
		Name:           "contacts",
		Args:           map[string]interface{}{"name": "contacts"},
		Attributes:     map[string]interface{}{"id": "abc", "arn": "sim:sim_table:abc"},
		Dependencies:   []string{},
		CreationSerial: serial,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestStoreLoadEmpty(t *testing.T) {
	ctx := context.Background()
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			snapshot, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if snapshot.Serial != 0 {
				t.Errorf("expected serial 0, got %d", snapshot.Serial)
			}
			if len(snapshot.Resources) != 0 {
				t.Errorf("expected empty state, got %d resources", len(snapshot.Resources))
			}
			if snapshot.NextCreationSerial() != 1 {
				t.Errorf("expected next creation serial 1, got %d", snapshot.NextCreationSerial())
			}
		})
	}
}

func TestStoreUpsertAndLoad(t *testing.T) {
	ctx := context.Background()
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			entry := testEntry("sim_table.contacts", 1)
			if err := store.UpsertResource(ctx, entry); err != nil {
				t.Fatalf("UpsertResource failed: %v", err)
			}

			snapshot, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if snapshot.Serial != 1 {
				t.Errorf("expected serial 1 after upsert, got %d", snapshot.Serial)
			}

			got := snapshot.Resource("sim_table.contacts")
			if got == nil {
				t.Fatal("expected entry for sim_table.contacts")
			}
			if got.Attributes["arn"] != "sim:sim_table:abc" {
				t.Errorf("unexpected arn attribute: %v", got.Attributes["arn"])
			}
			if got.CreationSerial != 1 {
				t.Errorf("expected creation serial 1, got %d", got.CreationSerial)
			}
		})
	}
}

func TestStoreUpdatePreservesCreationSerial(t *testing.T) {
	ctx := context.Background()
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			entry := testEntry("sim_table.contacts", 1)
			if err := store.UpsertResource(ctx, entry); err != nil {
				t.Fatalf("UpsertResource failed: %v", err)
			}

			updated := testEntry("sim_table.contacts", 1)
			updated.Args["name"] = "contacts-v2"
			if err := store.UpsertResource(ctx, updated); err != nil {
				t.Fatalf("second UpsertResource failed: %v", err)
			}

			snapshot, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if snapshot.Serial != 2 {
				t.Errorf("expected serial 2 after two upserts, got %d", snapshot.Serial)
			}

			got := snapshot.Resource("sim_table.contacts")
			if got.Args["name"] != "contacts-v2" {
				t.Errorf("expected updated args, got %v", got.Args["name"])
			}
			if got.CreationSerial != 1 {
				t.Errorf("expected creation serial preserved, got %d", got.CreationSerial)
			}
		})
	}
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.UpsertResource(ctx, testEntry("sim_table.contacts", 1)); err != nil {
				t.Fatalf("UpsertResource failed: %v", err)
			}
			if err := store.DeleteResource(ctx, "sim_table.contacts"); err != nil {
				t.Fatalf("DeleteResource failed: %v", err)
			}

			snapshot, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if snapshot.Serial != 2 {
				t.Errorf("expected serial 2 after upsert and delete, got %d", snapshot.Serial)
			}
			if snapshot.Resource("sim_table.contacts") != nil {
				t.Error("expected entry removed from state")
			}

			err = store.DeleteResource(ctx, "sim_table.contacts")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound for absent address, got %v", err)
			}
		})
	}
}

func TestStoreLock(t *testing.T) {
	ctx := context.Background()
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Lock(ctx); err != nil {
				t.Fatalf("Lock failed: %v", err)
			}

			if err := store.Lock(ctx); !errors.Is(err, ErrLocked) {
				t.Errorf("expected ErrLocked on second acquire, got %v", err)
			}

			if err := store.Unlock(ctx); err != nil {
				t.Fatalf("Unlock failed: %v", err)
			}
			if err := store.Lock(ctx); err != nil {
				t.Errorf("expected lock to be reacquirable after unlock, got %v", err)
			}
			if err := store.Unlock(ctx); err != nil {
				t.Fatalf("Unlock failed: %v", err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.UpsertResource(ctx, testEntry("sim_table.contacts", 1)); err != nil {
		t.Fatalf("UpsertResource failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	snapshot, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snapshot.Serial != 1 {
		t.Errorf("expected serial 1 after reopen, got %d", snapshot.Serial)
	}
	if snapshot.Resource("sim_table.contacts") == nil {
		t.Error("expected entry to survive reopen")
	}
}

func TestStoreSaveReplacesSnapshot(t *testing.T) {
	ctx := context.Background()
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.UpsertResource(ctx, testEntry("sim_table.contacts", 1)); err != nil {
				t.Fatalf("UpsertResource failed: %v", err)
			}

			imported := testEntry("sim_table.audit", 5)
			imported.Name = "audit"
			if err := store.Save(ctx, &Snapshot{
				Serial:    7,
				Resources: map[string]*ResourceEntry{imported.Address: imported},
			}); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			snapshot, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if snapshot.Resource("sim_table.contacts") != nil {
				t.Error("expected prior entry to be replaced")
			}
			if snapshot.Resource("sim_table.audit") == nil {
				t.Fatal("expected imported entry to be present")
			}
			// Serial must move past both the imported snapshot and the
			// store's own history so stale plans stay rejectable.
			if snapshot.Serial <= 7 {
				t.Errorf("expected serial above 7, got %d", snapshot.Serial)
			}
		})
	}
}

func TestOpenRejectsUnknownExtension(t *testing.T) {
	if _, err := Open(context.Background(), "state.toml"); err == nil {
		t.Error("expected error for unsupported extension")
	}
}
