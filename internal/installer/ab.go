package installer

import (
	"context"
	"fmt"
	"os"
	"sync"

	"otaupdater/internal/logging"
	"otaupdater/internal/model"
	"otaupdater/internal/notify"
	"otaupdater/internal/prefs"
	"otaupdater/internal/progress"
	"otaupdater/internal/telemetry"
)

const engineEventBuffer = 64

type engineEvent struct {
	complete bool
	status   EngineStatus
	percent  float64
	code     ErrorCode
	ack      chan struct{}
}

// ABInstaller drives the streaming update engine. The id being installed is
// kept in prefs so a restarted process can reconnect to the engine without
// applying the payload again. Engine callbacks are queued and handled on the
// installer's own goroutine.
type ABInstaller struct {
	updates Updates
	kv      prefs.KV
	engine  Engine

	mu         sync.Mutex
	bound      bool
	downloadID string
	applied    bool
	progress   int
	finalizing bool

	events chan engineEvent
	stop   chan struct{}
	done   chan struct{}
}

// NewAB creates a streaming installer and starts its event loop.
func NewAB(updates Updates, kv prefs.KV, engine Engine) *ABInstaller {
	a := &ABInstaller{
		updates: updates,
		kv:      kv,
		engine:  engine,
		events:  make(chan engineEvent, engineEventBuffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

// Close stops the event loop.
func (a *ABInstaller) Close() {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	<-a.done
}

// IsInstalling reports whether a streaming installation is in flight or
// waiting for a reboot.
func (a *ABInstaller) IsInstalling() bool {
	return isInstallingAB(a.kv)
}

// IsInstallingUpdate reports whether id is the update being applied or the
// one applied and waiting for a reboot.
func (a *ABInstaller) IsInstallingUpdate(downloadID string) bool {
	if downloadID == "" {
		return false
	}
	return a.kv.GetString(prefs.KeyInstallingABID, "") == downloadID ||
		a.kv.GetString(prefs.KeyNeedsRebootID, "") == downloadID
}

// IsWaitingForReboot reports whether id was applied and needs a reboot.
func (a *ABInstaller) IsWaitingForReboot(downloadID string) bool {
	return downloadID != "" && a.kv.GetString(prefs.KeyNeedsRebootID, "") == downloadID
}

// Install applies the payload of id.
func (a *ABInstaller) Install(downloadID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if isInstallingAB(a.kv) {
		logging.Error("Already installing an A/B update")
		return ErrAlreadyInstalling
	}
	u, ok := a.updates.Update(downloadID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUpdate, downloadID)
	}

	_, span := telemetry.StartUpdateSpan(context.Background(), "installer.ab.install", downloadID)
	err := a.applyLocked(u)
	telemetry.EndSpan(span, err)
	if err != nil {
		logging.Error("Could not install %s: %v", downloadID, err)
		markFailed(a.updates, downloadID)
		return err
	}
	return nil
}

func (a *ABInstaller) applyLocked(u model.Update) error {
	if _, err := os.Stat(u.File); err != nil {
		return fmt.Errorf("package not available: %w", err)
	}
	offset, err := PayloadOffset(u.File)
	if err != nil {
		return fmt.Errorf("failed to locate payload: %w", err)
	}
	headers, err := PayloadProperties(u.File)
	if err != nil {
		return fmt.Errorf("failed to read payload properties: %w", err)
	}
	if !a.bindLocked() {
		return fmt.Errorf("failed to bind: %w", ErrNotBound)
	}

	a.downloadID = u.DownloadID
	a.applied = true
	a.progress = 0
	a.finalizing = false
	if err := a.engine.ApplyPayload("file://"+u.File, offset, 0, headers); err != nil {
		a.downloadID = ""
		a.applied = false
		return fmt.Errorf("failed to apply payload: %w", err)
	}

	a.updates.Mutate(u.DownloadID, func(u *model.Update) {
		u.Status = model.StatusInstalling
		u.InstallProgress = 0
	}, notify.UpdateStatusChanged)

	if err := a.kv.Edit().PutString(prefs.KeyInstallingABID, u.DownloadID).Commit(); err != nil {
		logging.Warning("Failed to record A/B install of %s: %v", u.DownloadID, err)
	}
	logging.Info("Applying payload of %s at offset %d", u.DownloadID, offset)
	return nil
}

// Reconnect rebinds to an installation started by a previous process.
func (a *ABInstaller) Reconnect() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.kv.GetString(prefs.KeyInstallingABID, "")
	if id == "" {
		logging.Error("reconnect: Not installing any update")
		return false
	}
	if a.bound && a.downloadID == id {
		return true
	}
	if !a.bindLocked() {
		return false
	}
	a.downloadID = id
	a.applied = false
	logging.Info("Reconnected to A/B installation of %s", id)
	return true
}

func (a *ABInstaller) bindLocked() bool {
	if a.bound {
		return true
	}
	if !a.engine.Bind(engineCallback{a}) {
		logging.Error("Could not bind to the update engine")
		return false
	}
	a.bound = true
	return true
}

// Cancel aborts the in-flight installation.
func (a *ABInstaller) Cancel() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, err := a.activeLocked()
	if err != nil {
		return err
	}
	if err := a.engine.Cancel(); err != nil {
		return fmt.Errorf("failed to cancel installation: %w", err)
	}
	a.installationDoneLocked(false)
	a.updates.Mutate(id, setStatus(model.StatusInstallationCancelled), notify.UpdateStatusChanged)
	return nil
}

// Suspend pauses the in-flight installation.
func (a *ABInstaller) Suspend() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, err := a.activeLocked()
	if err != nil {
		return err
	}
	if err := a.engine.Suspend(); err != nil {
		return fmt.Errorf("failed to suspend installation: %w", err)
	}
	a.updates.Mutate(id, setStatus(model.StatusInstallationSuspended), notify.UpdateStatusChanged)
	if err := a.kv.Edit().PutString(prefs.KeyInstallingSuspended, id).Commit(); err != nil {
		logging.Warning("Failed to record suspension of %s: %v", id, err)
	}
	return nil
}

// Resume continues a suspended installation.
func (a *ABInstaller) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, err := a.activeLocked()
	if err != nil {
		return err
	}
	if !a.kv.Contains(prefs.KeyInstallingSuspended) {
		return fmt.Errorf("%w: installation is not suspended", ErrNotInstalling)
	}
	if err := a.engine.Resume(); err != nil {
		return fmt.Errorf("failed to resume installation: %w", err)
	}
	pct, finalizing := a.progress, a.finalizing
	a.updates.Mutate(id, func(u *model.Update) {
		u.Status = model.StatusInstalling
		u.InstallProgress = pct
		u.Finalizing = finalizing
	}, notify.UpdateStatusChanged, notify.InstallProgressChanged)
	if err := a.kv.Edit().Remove(prefs.KeyInstallingSuspended).Commit(); err != nil {
		logging.Warning("Failed to clear suspension of %s: %v", id, err)
	}
	return nil
}

func (a *ABInstaller) activeLocked() (string, error) {
	if a.downloadID == "" || !a.kv.Contains(prefs.KeyInstallingABID) {
		return "", ErrNotInstalling
	}
	if !a.bound {
		return "", ErrNotBound
	}
	return a.downloadID, nil
}

// installationDoneLocked clears the in-flight markers. A successful
// installation leaves the id behind as the one awaiting a reboot.
func (a *ABInstaller) installationDoneLocked(needsReboot bool) {
	edit := a.kv.Edit()
	if needsReboot && a.downloadID != "" {
		edit.PutString(prefs.KeyNeedsRebootID, a.downloadID)
	}
	edit.Remove(prefs.KeyInstallingABID).Remove(prefs.KeyInstallingSuspended)
	if err := edit.Commit(); err != nil {
		logging.Warning("Failed to clear A/B install markers: %v", err)
	}
	a.downloadID = ""
	a.applied = false
}

type engineCallback struct{ a *ABInstaller }

func (c engineCallback) OnStatusUpdate(status EngineStatus, percent float64) {
	c.a.enqueue(engineEvent{status: status, percent: percent})
}

func (c engineCallback) OnPayloadApplicationComplete(code ErrorCode) {
	c.a.enqueue(engineEvent{complete: true, code: code})
}

func (a *ABInstaller) enqueue(ev engineEvent) {
	select {
	case a.events <- ev:
	case <-a.stop:
	}
}

func (a *ABInstaller) loop() {
	defer close(a.done)
	for {
		select {
		case <-a.stop:
			return
		case ev := <-a.events:
			switch {
			case ev.ack != nil:
				close(ev.ack)
			case ev.complete:
				a.handleComplete(ev.code)
			default:
				a.handleStatus(ev.status, ev.percent)
			}
		}
	}
}

func (a *ABInstaller) handleStatus(status EngineStatus, percent float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.downloadID
	if id == "" {
		id = a.kv.GetString(prefs.KeyInstallingABID, "")
	}
	logging.Debug("Update engine status %s (%.3f) for %q", status, percent, id)

	u, ok := a.updates.Update(id)
	if !ok {
		// The id came from prefs and the update may be gone.
		a.downloadID = id
		a.installationDoneLocked(status == EngineUpdatedNeedReboot)
		return
	}

	switch status {
	case EngineDownloading, EngineFinalizing:
		a.progress = progress.FractionPercent(percent)
		a.finalizing = status == EngineFinalizing
		pct, finalizing := a.progress, a.finalizing
		events := []notify.EventType{notify.InstallProgressChanged}
		if u.Status != model.StatusInstalling {
			events = append(events, notify.UpdateStatusChanged)
		}
		a.updates.Mutate(id, func(u *model.Update) {
			u.Status = model.StatusInstalling
			u.InstallProgress = pct
			u.Finalizing = finalizing
		}, events...)
	case EngineUpdatedNeedReboot:
		a.downloadID = id
		a.installationDoneLocked(true)
		a.updates.Mutate(id, func(u *model.Update) {
			u.InstallProgress = 0
			u.Finalizing = false
			u.Status = model.StatusInstalled
		}, notify.UpdateStatusChanged)
	case EngineIdle:
		if a.applied {
			// Reported on bind, before the engine picked up the payload.
			return
		}
		// Nothing pending in the engine after a restart mid-install.
		a.downloadID = id
		a.installationDoneLocked(false)
	}
}

func (a *ABInstaller) handleComplete(code ErrorCode) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if code == ErrorSuccess {
		return
	}
	id := a.downloadID
	logging.Error("Payload application of %q failed with code %d", id, code)
	a.installationDoneLocked(false)
	if id != "" {
		markFailed(a.updates, id)
	}
}
