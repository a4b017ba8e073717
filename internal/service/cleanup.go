package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"otaupdater/internal/installer"
	"otaupdater/internal/logging"
	"otaupdater/internal/model"
	"otaupdater/internal/prefs"
)

// RecordLister lists the stored update records.
type RecordLister interface {
	GetUpdates() ([]model.Update, error)
}

// CleanupDownloadsDir removes leftovers from the download directory: staged
// copies, the package of an installation that has completed, and, once per
// data lifetime, any file no stored record refers to.
func CleanupDownloadsDir(dir string, kv prefs.KV, records RecordLister, buildTimestamp int64) error {
	removeStagedFiles(dir)

	prevTimestamp := kv.GetInt64(prefs.KeyInstallOldTimestamp, 0)
	lastPath := kv.GetString(prefs.KeyInstallPackagePath, "")
	reinstalling := kv.GetBool(prefs.KeyInstallAgain, false)
	if lastPath != "" && (buildTimestamp != prevTimestamp || reinstalling) {
		if _, err := os.Stat(lastPath); err == nil {
			if err := os.Remove(lastPath); err != nil {
				logging.Warning("Failed to delete installed package %s: %v", lastPath, err)
			}
			if err := kv.Edit().Remove(prefs.KeyInstallPackagePath).Commit(); err != nil {
				return fmt.Errorf("failed to clear installed package path: %w", err)
			}
		}
	}

	if kv.GetBool(prefs.KeyCleanupDone, false) {
		return nil
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil
	}
	logging.Info("Cleaning %s", dir)

	updates, err := records.GetUpdates()
	if err != nil {
		return fmt.Errorf("failed to list stored updates: %w", err)
	}
	known := make(map[string]struct{}, len(updates))
	for _, u := range updates {
		if u.File != "" {
			known[absPath(u.File)] = struct{}{}
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read download directory: %w", err)
	}
	for _, entry := range entries {
		path := absPath(filepath.Join(dir, entry.Name()))
		if _, ok := known[path]; ok {
			continue
		}
		logging.Debug("Deleting %s", path)
		if err := os.RemoveAll(path); err != nil {
			logging.Warning("Failed to delete %s: %v", path, err)
		}
	}

	if err := kv.Edit().PutBool(prefs.KeyCleanupDone, true).Commit(); err != nil {
		return fmt.Errorf("failed to record cleanup: %w", err)
	}
	return nil
}

func removeStagedFiles(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), installer.StagingSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			logging.Warning("Failed to delete staged copy %s: %v", entry.Name(), err)
		}
	}
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
