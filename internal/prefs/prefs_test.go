package prefs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStoreTypedAccessors(t *testing.T) {
	s := NewMemory()

	err := s.Edit().
		PutString(KeyInstallPackagePath, "/data/ota/u1.zip").
		PutInt(KeyCheckInterval, CheckIntervalDaily).
		PutInt64(KeyInstallNewTimestamp, 1700000000).
		PutBool(KeyInstallAgain, true).
		Commit()
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if got := s.GetString(KeyInstallPackagePath, ""); got != "/data/ota/u1.zip" {
		t.Errorf("GetString() = %q", got)
	}
	if got := s.GetInt(KeyCheckInterval, CheckIntervalWeekly); got != CheckIntervalDaily {
		t.Errorf("GetInt() = %d, want %d", got, CheckIntervalDaily)
	}
	if got := s.GetInt64(KeyInstallNewTimestamp, 0); got != 1700000000 {
		t.Errorf("GetInt64() = %d", got)
	}
	if got := s.GetBool(KeyInstallAgain, false); !got {
		t.Error("GetBool() = false, want true")
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"missing string", s.GetString("nope", "def"), "def"},
		{"missing int", s.GetInt("nope", 7), 7},
		{"malformed int", s.GetInt(KeyInstallPackagePath, 3), 3},
		{"malformed bool", s.GetBool(KeyInstallPackagePath, true), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestStoreRemove(t *testing.T) {
	s := NewMemory()
	if err := s.Edit().PutString(KeyInstallingABID, "u1").PutString(KeyNeedsRebootID, "u0").Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if err := s.Edit().Remove(KeyInstallingABID).PutString(KeyNeedsRebootID, "u1").Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if s.Contains(KeyInstallingABID) {
		t.Error("installing marker still present after Remove")
	}
	if got := s.GetString(KeyNeedsRebootID, ""); got != "u1" {
		t.Errorf("needs reboot id = %q, want u1", got)
	}
}

func TestStorePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs", "updater.yaml")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Edit().PutString(KeyInstallingSuspended, "u1").PutBool(KeyCleanupDone, true).Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open() after commit error = %v", err)
	}
	if got := reopened.GetString(KeyInstallingSuspended, ""); got != "u1" {
		t.Errorf("suspended marker = %q, want u1", got)
	}
	if !reopened.GetBool(KeyCleanupDone, false) {
		t.Error("cleanup_done not persisted")
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("preferences dir has %d entries, want only the store file", len(entries))
	}
}

func TestOpenRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updater.yaml")
	if err := os.WriteFile(path, []byte("[not: a map"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("Open() accepted malformed YAML")
	}
}
