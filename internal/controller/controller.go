// Package controller owns the in-memory set of candidate updates and drives
// them through download, verification and installation.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"otaupdater/internal/download"
	"otaupdater/internal/logging"
	"otaupdater/internal/model"
	"otaupdater/internal/notify"
	"otaupdater/internal/progress"
	"otaupdater/internal/worker"
)

// ErrUnknownUpdate is returned for ids the controller does not track.
var ErrUnknownUpdate = errors.New("unknown update")

// Store is the durable record table.
type Store interface {
	AddUpdate(update model.Update) error
	ChangeUpdateStatus(downloadID string, status model.PersistentStatus) error
	RemoveUpdate(downloadID string) error
	GetUpdates() ([]model.Update, error)
}

// WakeLock keeps the device awake. Acquire is idempotent.
type WakeLock interface {
	Acquire() error
	Release() error
}

// Verifier checks a downloaded package.
type Verifier interface {
	Verify(ctx context.Context, path string) error
}

// Session is one transfer bound to an update.
type Session interface {
	Start()
	Resume()
	Cancel()
}

// SessionFactory builds a session. It must not call back synchronously.
type SessionFactory func(opts download.Options) (Session, error)

// SpaceChecker fails when dir cannot hold need more bytes.
type SpaceChecker func(dir string, need int64) error

// InstallStatus answers installation queries. It is provided by the
// installers once they are constructed.
type InstallStatus interface {
	IsInstalling() bool
	IsInstallingUpdate(downloadID string) bool
	IsInstallingABUpdate() bool
	IsWaitingForReboot(downloadID string) bool
}

// Options holds the controller's collaborators.
type Options struct {
	Store        Store
	Publisher    notify.Publisher
	WakeLock     WakeLock
	Verifier     Verifier
	NewSession   SessionFactory
	Queue        *worker.Queue
	SpaceChecker SpaceChecker
	DownloadRoot string
}

type entry struct {
	update   *model.Update
	session  Session
	attempt  uint64
	throttle *progress.Throttle
}

// Controller is safe for concurrent use. A single mutex guards the map, the
// entity fields, the active download count and the verifying set; events are
// published while it is held so every listener sees them in commit order.
type Controller struct {
	store        Store
	pub          notify.Publisher
	wakeLock     WakeLock
	verifier     Verifier
	newSession   SessionFactory
	queue        *worker.Queue
	spaceChecker SpaceChecker
	downloadRoot string

	mu              sync.Mutex
	updates         map[string]*entry
	verifying       map[string]struct{}
	activeDownloads int
	attempts        uint64
	installs        InstallStatus

	verifyWg sync.WaitGroup
}

// New creates a controller. Queue must already be started.
func New(opts Options) (*Controller, error) {
	if opts.Store == nil || opts.Publisher == nil || opts.Verifier == nil || opts.Queue == nil {
		return nil, errors.New("controller requires a store, a publisher, a verifier and a queue")
	}
	if opts.DownloadRoot == "" {
		return nil, errors.New("controller requires a download root")
	}
	if opts.NewSession == nil {
		opts.NewSession = func(o download.Options) (Session, error) {
			return download.New(o)
		}
	}
	if opts.WakeLock == nil {
		opts.WakeLock = noopWakeLock{}
	}

	return &Controller{
		store:        opts.Store,
		pub:          opts.Publisher,
		wakeLock:     opts.WakeLock,
		verifier:     opts.Verifier,
		newSession:   opts.NewSession,
		queue:        opts.Queue,
		spaceChecker: opts.SpaceChecker,
		downloadRoot: opts.DownloadRoot,
		updates:      make(map[string]*entry),
		verifying:    make(map[string]struct{}),
	}, nil
}

// AttachInstallStatus wires the installers' view into the query operations.
func (c *Controller) AttachInstallStatus(status InstallStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.installs = status
}

// DownloadRoot is the directory packages are written to.
func (c *Controller) DownloadRoot() string {
	return c.downloadRoot
}

// Load adds every stored record as an update that is not advertised online.
func (c *Controller) Load(ctx context.Context) error {
	records, err := c.store.GetUpdates()
	if err != nil {
		return fmt.Errorf("failed to load updates: %w", err)
	}
	added := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.addUpdate(rec, false) {
			added++
		}
	}
	logging.Info("Loaded %d of %d stored updates", added, len(records))
	return nil
}

// AddUpdate tracks an update advertised by the server. It reports whether a
// new entity was created.
func (c *Controller) AddUpdate(info model.UpdateInfo) bool {
	return c.addUpdate(model.Update{UpdateInfo: info}, true)
}

func (c *Controller) addUpdate(u model.Update, online bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	logging.Debug("Adding download: %s", u.DownloadID)
	if e, ok := c.updates[u.DownloadID]; ok {
		e.update.AvailableOnline = e.update.AvailableOnline && online
		e.update.DownloadURL = u.DownloadURL
		return false
	}

	fresh := u
	fresh.AvailableOnline = online
	if !fixUpdateStatus(&fresh) {
		fresh.PersistentStatus = model.PersistentUnknown
		fresh.Progress = 0
		c.deleteUpdateAsync(fresh)
		if !online {
			logging.Debug("%s had an invalid status and is not online", fresh.DownloadID)
			return false
		}
		fresh.File = ""
	}

	c.updates[fresh.DownloadID] = &entry{update: &fresh}
	return true
}

// fixUpdateStatus derives the transient status of a reloaded update from
// its persistent status and the file on disk. It returns false when the
// stored status cannot be trusted: the file is gone, or a verified package
// is shorter than its recorded size.
func fixUpdateStatus(u *model.Update) bool {
	switch u.PersistentStatus {
	case model.PersistentVerified, model.PersistentIncomplete:
		if u.File == "" {
			u.Status = model.StatusUnknown
			return false
		}
		info, err := os.Stat(u.File)
		if err != nil {
			u.Status = model.StatusUnknown
			return false
		}
		if u.FileSize <= 0 {
			return true
		}
		if u.PersistentStatus == model.PersistentVerified && info.Size() < u.FileSize {
			u.Status = model.StatusUnknown
			return false
		}
		u.Status = model.StatusPaused
		u.Progress = progress.Percent(info.Size(), u.FileSize)
	}
	return true
}

// SetUpdatesAvailableOnline marks exactly the given ids as advertised. With
// purge, offline updates that have nothing on disk are dropped.
func (c *Controller) SetUpdatesAvailableOnline(ids []string, purge bool) {
	online := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		online[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, e := range c.updates {
		_, ok := online[id]
		e.update.AvailableOnline = ok
		if !ok && purge && e.update.PersistentStatus == model.PersistentUnknown && e.session == nil {
			delete(c.updates, id)
			c.publish(notify.UpdateRemoved, id)
		}
	}
}

// StartDownload begins a fresh transfer for id.
func (c *Controller) StartDownload(id string) error {
	return c.startDownload(id, false)
}

// ResumeDownload continues a paused transfer for id. A file that is already
// complete goes straight to verification.
func (c *Controller) ResumeDownload(id string) error {
	return c.startDownload(id, true)
}

func (c *Controller) startDownload(id string, resume bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.updates[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUpdate, id)
	}
	if e.session != nil {
		logging.Debug("%s is already downloading", id)
		return nil
	}
	if _, ok := c.verifying[id]; ok {
		logging.Debug("%s is being verified", id)
		return nil
	}
	u := e.update

	if resume {
		info, err := os.Stat(u.File)
		if u.File == "" || err != nil {
			logging.Error("The destination file of %s doesn't exist, can't resume", id)
			u.Status = model.StatusPausedError
			c.publish(notify.UpdateStatusChanged, id)
			return nil
		}
		if u.FileSize > 0 && info.Size() >= u.FileSize {
			logging.Info("File already downloaded, starting verification")
			u.Status = model.StatusVerifying
			c.publish(notify.UpdateStatusChanged, id)
			c.startVerification(u)
			return nil
		}
	} else {
		u.File = appendSequentialNumber(filepath.Join(c.downloadRoot, u.Name))
	}

	if c.spaceChecker != nil && u.FileSize > 0 {
		if err := c.spaceChecker(c.downloadRoot, u.FileSize); err != nil {
			logging.Warning("Not enough space to download %s: %v", id, err)
			u.Status = model.StatusPausedError
			c.publish(notify.UpdateStatusChanged, id)
			return nil
		}
	}

	c.attempts++
	attempt := c.attempts
	cb := &sessionCallback{c: c, id: id, attempt: attempt}
	session, err := c.newSession(download.Options{
		URL:         u.DownloadURL,
		Destination: u.File,
		Callback:    cb,
		Progress:    cb.onProgress,
	})
	if err != nil {
		logging.Error("Could not build download client for %s: %v", id, err)
		u.Status = model.StatusPausedError
		c.publish(notify.UpdateStatusChanged, id)
		return nil
	}

	if err := c.wakeLock.Acquire(); err != nil {
		logging.Warning("Failed to acquire wake lock: %v", err)
	}
	e.session = session
	e.attempt = attempt
	e.throttle = progress.NewThrottle(progress.DefaultReportInterval)
	c.activeDownloads++
	u.Status = model.StatusStarting
	c.publish(notify.UpdateStatusChanged, id)

	if resume {
		session.Resume()
	} else {
		session.Start()
	}
	return nil
}

// PauseDownload cancels the transfer for id. It does nothing when id is not
// downloading.
func (c *Controller) PauseDownload(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.updates[id]
	if !ok || e.session == nil {
		return
	}
	e.session.Cancel()
	c.removeSessionLocked(e)
	c.tryReleaseWakeLockLocked()
	e.update.Status = model.StatusPaused
	e.update.ETA = 0
	e.update.Speed = 0
	c.publish(notify.UpdateStatusChanged, id)
}

// DeleteUpdate removes the package and record of id. It refuses while the
// update is downloading or being verified.
func (c *Controller) DeleteUpdate(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	logging.Debug("Cancelling %s", id)
	e, ok := c.updates[id]
	if !ok || e.session != nil {
		return false
	}
	if _, verifying := c.verifying[id]; verifying {
		return false
	}
	u := e.update
	u.Status = model.StatusDeleted
	u.Progress = 0
	u.PersistentStatus = model.PersistentUnknown
	c.deleteUpdateAsync(*u)

	if !u.AvailableOnline {
		logging.Debug("Download no longer available online, removing")
		delete(c.updates, id)
		c.publish(notify.UpdateRemoved, id)
	} else {
		c.publish(notify.UpdateStatusChanged, id)
	}
	return true
}

// Mutate applies fn to the entity of id and publishes events, all under the
// controller lock. It returns false when id is not tracked.
func (c *Controller) Mutate(id string, fn func(u *model.Update), events ...notify.EventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.updates[id]
	if !ok {
		return false
	}
	if fn != nil {
		fn(e.update)
	}
	for _, ev := range events {
		c.publish(ev, id)
	}
	return true
}

// Updates returns a snapshot of every tracked update.
func (c *Controller) Updates() []model.Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]model.Update, 0, len(c.updates))
	for _, e := range c.updates {
		out = append(out, *e.update)
	}
	return out
}

// Update returns a snapshot of id.
func (c *Controller) Update(id string) (model.Update, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.updates[id]
	if !ok {
		return model.Update{}, false
	}
	return *e.update, true
}

// IsDownloading reports whether id has an active session.
func (c *Controller) IsDownloading(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.updates[id]
	return ok && e.session != nil
}

// HasActiveDownloads reports whether any session is active.
func (c *Controller) HasActiveDownloads() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeDownloads > 0
}

// IsVerifyingUpdate reports whether id is being verified.
func (c *Controller) IsVerifyingUpdate(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.verifying[id]
	return ok
}

// IsVerifying reports whether any verification is running.
func (c *Controller) IsVerifying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.verifying) > 0
}

func (c *Controller) installStatus() InstallStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installs
}

// IsInstalling reports whether any installation is in flight.
func (c *Controller) IsInstalling() bool {
	s := c.installStatus()
	return s != nil && s.IsInstalling()
}

// IsInstallingUpdate reports whether id is being installed.
func (c *Controller) IsInstallingUpdate(id string) bool {
	s := c.installStatus()
	return s != nil && s.IsInstallingUpdate(id)
}

// IsInstallingABUpdate reports whether a streaming installation is in flight.
func (c *Controller) IsInstallingABUpdate() bool {
	s := c.installStatus()
	return s != nil && s.IsInstallingABUpdate()
}

// IsWaitingForReboot reports whether id was installed and needs a reboot.
func (c *Controller) IsWaitingForReboot(id string) bool {
	s := c.installStatus()
	return s != nil && s.IsWaitingForReboot(id)
}

// Wait blocks until running verifications and queued durable writes finish.
func (c *Controller) Wait() {
	c.verifyWg.Wait()
	c.queue.Flush()
}

// Shutdown cancels every active transfer.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.updates {
		if e.session != nil {
			e.session.Cancel()
			c.removeSessionLocked(e)
			e.update.Status = model.StatusPaused
		}
	}
	c.tryReleaseWakeLockLocked()
}

func (c *Controller) publish(t notify.EventType, id string) {
	c.pub.Publish(notify.Event{Type: t, DownloadID: id})
}

func (c *Controller) removeSessionLocked(e *entry) bool {
	if e.session == nil {
		return false
	}
	e.session = nil
	e.throttle = nil
	c.activeDownloads--
	return true
}

func (c *Controller) tryReleaseWakeLockLocked() {
	if c.activeDownloads > 0 {
		return
	}
	if err := c.wakeLock.Release(); err != nil {
		logging.Warning("Failed to release wake lock: %v", err)
	}
}

// deleteUpdateAsync removes the file and the record off the control path.
func (c *Controller) deleteUpdateAsync(u model.Update) {
	file, id := u.File, u.DownloadID
	err := c.queue.Submit("delete "+id, func(context.Context) error {
		if file != "" {
			if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
				logging.Error("Could not delete %s: %v", file, err)
			}
		}
		if err := c.store.RemoveUpdate(id); err != nil {
			return fmt.Errorf("failed to remove record %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		logging.Warning("Could not schedule deletion of %s: %v", id, err)
	}
}

// saveAsync writes a snapshot of u off the control path.
func (c *Controller) saveAsync(u model.Update) {
	if err := c.queue.Submit("save "+u.DownloadID, func(context.Context) error {
		if err := c.store.AddUpdate(u); err != nil {
			return fmt.Errorf("failed to save record %s: %w", u.DownloadID, err)
		}
		return nil
	}); err != nil {
		logging.Warning("Could not schedule save of %s: %v", u.DownloadID, err)
	}
}

// appendSequentialNumber returns path, or path with the smallest "-N" suffix
// before the extension that does not exist yet.
func appendSequentialNumber(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for n := 1; ; n++ {
		candidate := base + "-" + strconv.Itoa(n) + ext
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

type noopWakeLock struct{}

func (noopWakeLock) Acquire() error { return nil }
func (noopWakeLock) Release() error { return nil }
