// Package service is the entry point for download and install control and
// for cold-start recovery.
package service

import (
	"errors"
	"fmt"

	"otaupdater/internal/controller"
	"otaupdater/internal/installer"
	"otaupdater/internal/logging"
	"otaupdater/internal/model"
	"otaupdater/internal/notify"
)

// ErrNotVerified is returned when installing an update that has not passed
// verification.
var ErrNotVerified = errors.New("update is not verified")

// DownloadAction is a download control request.
type DownloadAction string

const (
	ActionStart  DownloadAction = "start"
	ActionResume DownloadAction = "resume"
	ActionPause  DownloadAction = "pause"
)

// Controller is the part of the controller the service drives.
type Controller interface {
	Update(id string) (model.Update, bool)
	Mutate(id string, fn func(u *model.Update), events ...notify.EventType) bool
	StartDownload(id string) error
	ResumeDownload(id string) error
	PauseDownload(id string)
	HasActiveDownloads() bool
	IsVerifying() bool
}

// Service routes control requests to the controller and the installers.
type Service struct {
	ctrl   Controller
	legacy *installer.LegacyInstaller
	ab     *installer.ABInstaller
}

// New creates a service.
func New(ctrl Controller, legacy *installer.LegacyInstaller, ab *installer.ABInstaller) *Service {
	return &Service{ctrl: ctrl, legacy: legacy, ab: ab}
}

var _ Controller = (*controller.Controller)(nil)

// DownloadControl starts, resumes or pauses the download of id.
func (s *Service) DownloadControl(id string, action DownloadAction) error {
	if _, ok := s.ctrl.Update(id); !ok {
		return fmt.Errorf("%w: %s", controller.ErrUnknownUpdate, id)
	}
	switch action {
	case ActionStart:
		return s.ctrl.StartDownload(id)
	case ActionResume:
		return s.ctrl.ResumeDownload(id)
	case ActionPause:
		s.ctrl.PauseDownload(id)
		return nil
	default:
		return fmt.Errorf("unknown download action %q", action)
	}
}

// InstallUpdate installs a verified update with the installer its package
// calls for.
func (s *Service) InstallUpdate(id string) error {
	u, ok := s.ctrl.Update(id)
	if !ok {
		return fmt.Errorf("%w: %s", controller.ErrUnknownUpdate, id)
	}
	if u.PersistentStatus != model.PersistentVerified {
		return fmt.Errorf("%w: %s", ErrNotVerified, id)
	}

	isAB, err := installer.IsABUpdate(u.File)
	if err != nil {
		logging.Error("Could not install update %s: %v", id, err)
		s.ctrl.Mutate(id, func(u *model.Update) {
			u.InstallProgress = 0
			u.Status = model.StatusInstallationFailed
		}, notify.UpdateStatusChanged)
		return fmt.Errorf("failed to inspect package: %w", err)
	}

	if isAB {
		logging.Info("Installing A/B update %s", id)
		return s.ab.Install(id)
	}
	logging.Info("Installing update %s through recovery", id)
	return s.legacy.Install(id)
}

// StopInstall cancels the legacy copy if one is running, otherwise the
// streaming installation.
func (s *Service) StopInstall() error {
	if s.legacy.IsInstalling() {
		s.legacy.Cancel()
		return nil
	}
	if !s.ab.IsInstalling() {
		return installer.ErrNotInstalling
	}
	if !s.ab.Reconnect() {
		return fmt.Errorf("failed to reconnect: %w", installer.ErrNotBound)
	}
	return s.ab.Cancel()
}

// SuspendInstall pauses the streaming installation.
func (s *Service) SuspendInstall() error {
	if !s.ab.Reconnect() {
		return installer.ErrNotInstalling
	}
	return s.ab.Suspend()
}

// ResumeInstall continues a suspended streaming installation.
func (s *Service) ResumeInstall() error {
	if !s.ab.Reconnect() {
		return installer.ErrNotInstalling
	}
	return s.ab.Resume()
}

// Recover reattaches to a streaming installation left by a previous process.
func (s *Service) Recover() {
	if s.ab.IsInstalling() && s.ab.Reconnect() {
		logging.Info("Resumed tracking of a pending A/B installation")
	}
}

// Idle reports whether nothing is downloading, verifying or installing.
func (s *Service) Idle() bool {
	return !s.ctrl.HasActiveDownloads() && !s.ctrl.IsVerifying() && !s.legacy.IsInstalling() && !s.ab.IsInstalling()
}
