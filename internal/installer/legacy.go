package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"otaupdater/internal/logging"
	"otaupdater/internal/model"
	"otaupdater/internal/notify"
	"otaupdater/internal/prefs"
	"otaupdater/internal/progress"
	"otaupdater/internal/telemetry"
)

const (
	// StagingSuffix is appended to a package copied for the recovery installer.
	StagingSuffix = ".uncrypt"

	copyReportInterval = 500 * time.Millisecond
	copyBufferSize     = 64 * 1024
)

// LegacyOptions configures a LegacyInstaller.
type LegacyOptions struct {
	Updates        Updates
	Prefs          prefs.KV
	Encryption     EncryptionChecker
	Platform       PlatformInstaller
	BuildTimestamp int64
}

// LegacyInstaller hands packages to the recovery installer. When the package
// sits on encrypted storage it is first copied next to itself; that copy is
// the only phase that can be cancelled.
type LegacyInstaller struct {
	updates        Updates
	kv             prefs.KV
	encryption     EncryptionChecker
	platform       PlatformInstaller
	buildTimestamp int64

	mu         sync.Mutex
	downloadID string
	cancelCopy context.CancelFunc
	wg         sync.WaitGroup
}

// NewLegacy creates a legacy installer.
func NewLegacy(opts LegacyOptions) *LegacyInstaller {
	return &LegacyInstaller{
		updates:        opts.Updates,
		kv:             opts.Prefs,
		encryption:     opts.Encryption,
		platform:       opts.Platform,
		buildTimestamp: opts.BuildTimestamp,
	}
}

// IsInstalling reports whether a package is being staged.
func (l *LegacyInstaller) IsInstalling() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.downloadID != ""
}

// IsInstallingUpdate reports whether id is being staged.
func (l *LegacyInstaller) IsInstallingUpdate(downloadID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.downloadID != "" && l.downloadID == downloadID
}

// Install starts the installation of id.
func (l *LegacyInstaller) Install(downloadID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.downloadID != "" {
		logging.Error("Already installing %s", l.downloadID)
		return ErrAlreadyInstalling
	}
	u, ok := l.updates.Update(downloadID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUpdate, downloadID)
	}

	if err := l.recordInstall(u); err != nil {
		logging.Warning("Failed to record install of %s: %v", downloadID, err)
	}

	if l.encryption != nil && l.encryption.IsEncrypted(u.File) {
		l.startStaging(u)
		return nil
	}
	return l.installPackage(downloadID, u.File)
}

// Cancel interrupts the staging copy. Once the package has been handed to
// the platform it does nothing.
func (l *LegacyInstaller) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelCopy != nil {
		logging.Info("Cancelling staging of %s", l.downloadID)
		l.cancelCopy()
	}
}

// Wait blocks until a running staging copy has finished.
func (l *LegacyInstaller) Wait() {
	l.wg.Wait()
}

func (l *LegacyInstaller) recordInstall(u model.Update) error {
	lastBuild := l.kv.GetInt64(prefs.KeyInstallOldTimestamp, l.buildTimestamp)
	return l.kv.Edit().
		PutInt64(prefs.KeyInstallOldTimestamp, l.buildTimestamp).
		PutInt64(prefs.KeyInstallNewTimestamp, u.Timestamp).
		PutString(prefs.KeyInstallPackagePath, u.File).
		PutBool(prefs.KeyInstallAgain, l.buildTimestamp == lastBuild).
		PutBool(prefs.KeyInstallNotified, false).
		Commit()
}

func (l *LegacyInstaller) installPackage(downloadID, path string) error {
	_, span := telemetry.StartUpdateSpan(context.Background(), "installer.legacy.install", downloadID)
	err := l.platform.InstallPackage(path)
	telemetry.EndSpan(span, err)
	if err != nil {
		logging.Error("Could not install %s: %v", path, err)
		markFailed(l.updates, downloadID)
		return fmt.Errorf("failed to install package: %w", err)
	}
	logging.Info("Handed %s to the recovery installer", path)
	return nil
}

// startStaging must be called with l.mu held.
func (l *LegacyInstaller) startStaging(u model.Update) {
	ctx, cancel := context.WithCancel(context.Background())
	l.downloadID = u.DownloadID
	l.cancelCopy = cancel

	l.updates.Mutate(u.DownloadID, func(u *model.Update) {
		u.Status = model.StatusInstalling
		u.InstallProgress = 0
	}, notify.UpdateStatusChanged)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer cancel()
		l.stage(ctx, u.DownloadID, u.File)
	}()
}

func (l *LegacyInstaller) stage(ctx context.Context, downloadID, file string) {
	staged := file + StagingSuffix
	defer func() {
		l.mu.Lock()
		l.downloadID = ""
		l.cancelCopy = nil
		l.mu.Unlock()
	}()

	var lastReport time.Time
	err := copyFile(ctx, file, staged, func(done, total int64) {
		now := time.Now()
		if now.Sub(lastReport) < copyReportInterval {
			return
		}
		lastReport = now
		pct := progress.Percent(done, total)
		l.updates.Mutate(downloadID, func(u *model.Update) {
			u.InstallProgress = pct
		}, notify.InstallProgressChanged)
	})
	if err == nil {
		err = l.commitStaging(ctx)
	}

	switch {
	case errors.Is(err, context.Canceled):
		logging.Info("Staging of %s cancelled", downloadID)
		removeStaged(staged)
		l.updates.Mutate(downloadID, func(u *model.Update) {
			u.InstallProgress = 0
			u.Status = model.StatusInstallationCancelled
		}, notify.UpdateStatusChanged)
		return
	case err != nil:
		logging.Error("Could not stage %s: %v", file, err)
		removeStaged(staged)
		markFailed(l.updates, downloadID)
		return
	}

	if err := os.Chmod(staged, 0644); err != nil {
		logging.Warning("Could not make %s readable: %v", staged, err)
	}
	_ = l.installPackage(downloadID, staged)
}

// commitStaging ends the cancellable phase. It returns the context error
// when a cancel arrived after the last chunk was copied.
func (l *LegacyInstaller) commitStaging(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	l.cancelCopy = nil
	return nil
}

func removeStaged(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Warning("Could not remove %s: %v", path, err)
	}
}

// copyFile copies src to dst, checking ctx between chunks.
func copyFile(ctx context.Context, src, dst string, onProgress func(done, total int64)) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}

	buf := make([]byte, copyBufferSize)
	var done int64
	for {
		if err := ctx.Err(); err != nil {
			out.Close()
			return err
		}
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				out.Close()
				return fmt.Errorf("failed to write %s: %w", dst, err)
			}
			done += int64(n)
			onProgress(done, info.Size())
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			return fmt.Errorf("failed to read %s: %w", src, readErr)
		}
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("failed to sync %s: %w", dst, err)
	}
	return out.Close()
}
