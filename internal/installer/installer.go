// Package installer applies verified update packages, either through the
// streaming A/B engine or by staging them for the recovery installer.
package installer

import (
	"errors"

	"otaupdater/internal/model"
	"otaupdater/internal/notify"
	"otaupdater/internal/prefs"
)

var (
	// ErrAlreadyInstalling is returned when an installation of the same kind
	// is already in flight.
	ErrAlreadyInstalling = errors.New("an installation is already in progress")
	// ErrNotInstalling is returned by control operations without an in-flight
	// installation.
	ErrNotInstalling = errors.New("no installation in progress")
	// ErrNotBound is returned when the streaming engine is not connected.
	ErrNotBound = errors.New("update engine not bound")
	// ErrUnknownUpdate is returned for ids the controller does not track.
	ErrUnknownUpdate = errors.New("unknown update")
)

// Updates is the controller surface the installers mutate entities through.
type Updates interface {
	Update(downloadID string) (model.Update, bool)
	Mutate(downloadID string, fn func(u *model.Update), events ...notify.EventType) bool
}

// Status combines both installers for the controller's install queries.
type Status struct {
	Legacy *LegacyInstaller
	AB     *ABInstaller
}

// IsInstalling reports whether either installer has an installation in
// flight.
func (s Status) IsInstalling() bool {
	return s.Legacy.IsInstalling() || s.AB.IsInstalling()
}

// IsInstallingUpdate reports whether id is held by either installer.
func (s Status) IsInstallingUpdate(downloadID string) bool {
	return s.Legacy.IsInstallingUpdate(downloadID) || s.AB.IsInstallingUpdate(downloadID)
}

// IsInstallingABUpdate reports whether the streaming installer is busy.
func (s Status) IsInstallingABUpdate() bool {
	return s.AB.IsInstalling()
}

// IsWaitingForReboot reports whether id was applied and needs a reboot.
func (s Status) IsWaitingForReboot(downloadID string) bool {
	return s.AB.IsWaitingForReboot(downloadID)
}

func setStatus(status model.Status) func(u *model.Update) {
	return func(u *model.Update) { u.Status = status }
}

func markFailed(updates Updates, downloadID string) {
	updates.Mutate(downloadID, func(u *model.Update) {
		u.InstallProgress = 0
		u.Status = model.StatusInstallationFailed
	}, notify.UpdateStatusChanged)
}

func isInstallingAB(kv prefs.KV) bool {
	return kv.Contains(prefs.KeyInstallingABID) || kv.Contains(prefs.KeyNeedsRebootID)
}
