package service

import (
	"os"
	"path/filepath"
	"testing"

	"otaupdater/internal/model"
	"otaupdater/internal/prefs"
)

type fakeRecords []model.Update

func (r fakeRecords) GetUpdates() ([]model.Update, error) { return r, nil }

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestCleanupRemovesStrayFilesOnce(t *testing.T) {
	dir := t.TempDir()
	known := filepath.Join(dir, "u1.zip")
	stray := filepath.Join(dir, "old.zip")
	staged := filepath.Join(dir, "u1.zip.uncrypt")
	for _, p := range []string{known, stray, staged} {
		touch(t, p)
	}
	kv := prefs.NewMemory()
	records := fakeRecords{{UpdateInfo: model.UpdateInfo{DownloadID: "u1"}, File: known}}

	if err := CleanupDownloadsDir(dir, kv, records, 1000); err != nil {
		t.Fatalf("CleanupDownloadsDir() error = %v", err)
	}
	if !exists(known) {
		t.Error("file of a stored record deleted")
	}
	if exists(stray) || exists(staged) {
		t.Error("stray or staged file survived")
	}
	if !kv.GetBool(prefs.KeyCleanupDone, false) {
		t.Error("cleanup_done not set")
	}

	touch(t, stray)
	if err := CleanupDownloadsDir(dir, kv, records, 1000); err != nil {
		t.Fatalf("second CleanupDownloadsDir() error = %v", err)
	}
	if !exists(stray) {
		t.Error("second pass removed unknown files again")
	}
}

func TestCleanupInstalledPackage(t *testing.T) {
	tests := []struct {
		name       string
		oldBuild   int64
		again      bool
		wantRemove bool
	}{
		{"build changed", 900, false, true},
		{"reinstalling same build", 1000, true, true},
		{"install pending", 1000, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			pkg := filepath.Join(dir, "u1.zip")
			touch(t, pkg)
			kv := prefs.NewMemory()
			err := kv.Edit().
				PutInt64(prefs.KeyInstallOldTimestamp, tt.oldBuild).
				PutString(prefs.KeyInstallPackagePath, pkg).
				PutBool(prefs.KeyInstallAgain, tt.again).
				PutBool(prefs.KeyCleanupDone, true).
				Commit()
			if err != nil {
				t.Fatalf("Commit() error = %v", err)
			}

			if err := CleanupDownloadsDir(dir, kv, fakeRecords{}, 1000); err != nil {
				t.Fatalf("CleanupDownloadsDir() error = %v", err)
			}
			if removed := !exists(pkg); removed != tt.wantRemove {
				t.Errorf("package removed = %v, want %v", removed, tt.wantRemove)
			}
			if kv.Contains(prefs.KeyInstallPackagePath) == tt.wantRemove {
				t.Errorf("install_package_path present = %v", kv.Contains(prefs.KeyInstallPackagePath))
			}
		})
	}
}

func TestCleanupMissingDirectory(t *testing.T) {
	kv := prefs.NewMemory()
	if err := CleanupDownloadsDir(filepath.Join(t.TempDir(), "none"), kv, fakeRecords{}, 1); err != nil {
		t.Fatalf("CleanupDownloadsDir() error = %v", err)
	}
	if kv.GetBool(prefs.KeyCleanupDone, false) {
		t.Error("cleanup marked done without a directory")
	}
}
