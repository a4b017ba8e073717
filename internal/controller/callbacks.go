package controller

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"otaupdater/internal/logging"
	"otaupdater/internal/model"
	"otaupdater/internal/notify"
	"otaupdater/internal/telemetry"
)

// sessionCallback routes transfer events of one attempt back to the
// controller. Events of an attempt that was paused or replaced are dropped.
type sessionCallback struct {
	c       *Controller
	id      string
	attempt uint64
}

// current returns the entry when this attempt still owns its session.
func (cb *sessionCallback) current() (*entry, bool) {
	e, ok := cb.c.updates[cb.id]
	if !ok || e.session == nil || e.attempt != cb.attempt {
		return nil, false
	}
	return e, true
}

func (cb *sessionCallback) OnResponse(headers http.Header) {
	c := cb.c
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := cb.current()
	if !ok {
		return
	}
	u := e.update
	if length, err := strconv.ParseInt(headers.Get("Content-Length"), 10, 64); err == nil && length > u.FileSize {
		u.FileSize = length
	}
	u.Status = model.StatusDownloading
	u.PersistentStatus = model.PersistentIncomplete
	c.saveAsync(*u)
	c.publish(notify.UpdateStatusChanged, cb.id)
}

func (cb *sessionCallback) OnSuccess() {
	c := cb.c
	c.mu.Lock()
	defer c.mu.Unlock()

	logging.Debug("Download complete: %s", cb.id)
	e, ok := cb.current()
	if !ok {
		c.tryReleaseWakeLockLocked()
		return
	}
	c.removeSessionLocked(e)
	e.update.Status = model.StatusVerifying
	e.update.ETA = 0
	e.update.Speed = 0
	c.publish(notify.UpdateStatusChanged, cb.id)
	c.startVerification(e.update)
	c.tryReleaseWakeLockLocked()
}

func (cb *sessionCallback) OnFailure(cancelled bool) {
	c := cb.c
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := cb.current()
	if ok {
		c.removeSessionLocked(e)
		if cancelled {
			logging.Debug("Download cancelled: %s", cb.id)
		} else {
			logging.Error("Download failed: %s", cb.id)
			e.update.Status = model.StatusPausedError
			c.publish(notify.UpdateStatusChanged, cb.id)
		}
	}
	c.tryReleaseWakeLockLocked()
}

func (cb *sessionCallback) onProgress(bytesRead, contentLength, speed int64, eta time.Duration) {
	c := cb.c
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := cb.current()
	if !ok {
		return
	}
	pct, emit := e.throttle.Sample(bytesRead, contentLength, e.update.FileSize)
	if !emit {
		return
	}
	e.update.Progress = pct
	e.update.ETA = eta
	e.update.Speed = speed
	c.publish(notify.DownloadProgressChanged, cb.id)
}

// startVerification must be called with the lock held and u in VERIFYING.
func (c *Controller) startVerification(u *model.Update) {
	id, file := u.DownloadID, u.File
	c.verifying[id] = struct{}{}
	c.verifyWg.Add(1)
	go func() {
		defer c.verifyWg.Done()
		c.verify(id, file)
	}()
}

func (c *Controller) verify(id, file string) {
	ctx, span := telemetry.StartUpdateSpan(context.Background(), "controller.verify", id)
	err := c.verifier.Verify(ctx, file)
	telemetry.EndSpan(span, err)

	if err != nil {
		logging.Error("Verification failed for %s: %v", id, err)
		if rmErr := os.Remove(file); rmErr != nil && !os.IsNotExist(rmErr) {
			logging.Warning("Could not remove %s: %v", file, rmErr)
		}
	} else if chErr := os.Chmod(file, 0644); chErr != nil {
		logging.Warning("Could not make %s readable: %v", file, chErr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.verifying, id)
	e, ok := c.updates[id]
	if !ok || e.update.Status != model.StatusVerifying {
		return
	}
	u := e.update
	if err != nil {
		u.PersistentStatus = model.PersistentUnknown
		u.Progress = 0
		u.Status = model.StatusVerificationFailed
		c.removeRecordAsync(id)
	} else {
		u.PersistentStatus = model.PersistentVerified
		u.Status = model.StatusVerified
		c.markVerifiedAsync(*u)
	}
	c.publish(notify.UpdateStatusChanged, id)
}

func (c *Controller) removeRecordAsync(id string) {
	if err := c.queue.Submit("remove "+id, func(context.Context) error {
		if err := c.store.RemoveUpdate(id); err != nil {
			return fmt.Errorf("failed to remove record %s: %w", id, err)
		}
		return nil
	}); err != nil {
		logging.Warning("Could not schedule removal of %s: %v", id, err)
	}
}

// markVerifiedAsync updates the stored status. The record was written when
// the transfer started, and the queue keeps that write ahead of this one.
func (c *Controller) markVerifiedAsync(u model.Update) {
	if err := c.queue.Submit("verified "+u.DownloadID, func(context.Context) error {
		if err := c.store.ChangeUpdateStatus(u.DownloadID, model.PersistentVerified); err != nil {
			return fmt.Errorf("failed to persist verified status of %s: %w", u.DownloadID, err)
		}
		return nil
	}); err != nil {
		logging.Warning("Could not schedule status change of %s: %v", u.DownloadID, err)
	}
}
