package database

import (
	"errors"
	"path/filepath"
	"testing"

	"otaupdater/internal/model"
)

func newTestStore(t *testing.T) *UpdateStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "updates.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return NewUpdateStore(db)
}

func testUpdate(id string, timestamp int64) model.Update {
	return model.Update{
		UpdateInfo: model.UpdateInfo{
			DownloadID:  id,
			Name:        id + ".zip",
			DownloadURL: "https://ota.example.com/" + id + ".zip",
			Version:     "14",
			Timestamp:   timestamp,
			Type:        model.TypeAB,
			FileSize:    1000,
		},
		File:             "/data/ota/" + id + ".zip",
		PersistentStatus: model.PersistentIncomplete,
		Status:           model.StatusDownloading,
		Progress:         42,
	}
}

func TestUpdateStoreInsertOrReplace(t *testing.T) {
	store := newTestStore(t)

	update := testUpdate("u1", 100)
	if err := store.AddUpdate(update); err != nil {
		t.Fatalf("AddUpdate() error = %v", err)
	}

	update.FileSize = 2000
	update.PersistentStatus = model.PersistentVerified
	if err := store.AddUpdate(update); err != nil {
		t.Fatalf("AddUpdate() replace error = %v", err)
	}

	updates, err := store.GetUpdates()
	if err != nil {
		t.Fatalf("GetUpdates() error = %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("GetUpdates() returned %d records, want 1", len(updates))
	}

	got := updates[0]
	if got.FileSize != 2000 {
		t.Errorf("FileSize = %d, want 2000", got.FileSize)
	}
	if got.PersistentStatus != model.PersistentVerified {
		t.Errorf("PersistentStatus = %v, want verified", got.PersistentStatus)
	}
	if got.Type != model.TypeAB {
		t.Errorf("Type = %v, want ab", got.Type)
	}
	if got.File != update.File {
		t.Errorf("File = %q, want %q", got.File, update.File)
	}
	// Transient fields are never stored.
	if got.Status != model.StatusUnknown || got.Progress != 0 {
		t.Errorf("transient fields leaked into store: status=%v progress=%d", got.Status, got.Progress)
	}
}

func TestUpdateStoreChangeStatus(t *testing.T) {
	store := newTestStore(t)

	if err := store.AddUpdate(testUpdate("u1", 100)); err != nil {
		t.Fatalf("AddUpdate() error = %v", err)
	}

	tests := []struct {
		name    string
		id      string
		status  model.PersistentStatus
		wantErr error
	}{
		{name: "verified", id: "u1", status: model.PersistentVerified},
		{name: "missing record", id: "nope", status: model.PersistentVerified, wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.ChangeUpdateStatus(tt.id, tt.status)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ChangeUpdateStatus() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := store.ChangeUpdateStatus("u1", model.PersistentStatus(7)); err == nil {
		t.Error("ChangeUpdateStatus() accepted a transient status")
	}

	updates, err := store.GetUpdates()
	if err != nil {
		t.Fatalf("GetUpdates() error = %v", err)
	}
	if len(updates) != 1 || updates[0].PersistentStatus != model.PersistentVerified {
		t.Errorf("GetUpdates() = %+v, want u1 verified", updates)
	}
}

func TestUpdateStoreRemove(t *testing.T) {
	store := newTestStore(t)

	for i, id := range []string{"u1", "u2"} {
		if err := store.AddUpdate(testUpdate(id, int64(i))); err != nil {
			t.Fatalf("AddUpdate(%s) error = %v", id, err)
		}
	}

	if err := store.RemoveUpdate("u1"); err != nil {
		t.Fatalf("RemoveUpdate() error = %v", err)
	}
	if err := store.RemoveUpdate("u1"); err != nil {
		t.Fatalf("RemoveUpdate() of a missing record error = %v", err)
	}

	updates, err := store.GetUpdates()
	if err != nil {
		t.Fatalf("GetUpdates() error = %v", err)
	}
	if len(updates) != 1 || updates[0].DownloadID != "u2" {
		t.Errorf("GetUpdates() = %+v, want [u2]", updates)
	}
}
