package platform

import (
	"fmt"
	"os"
	"sync"
)

const (
	DefaultWakeLockPath   = "/sys/power/wake_lock"
	DefaultWakeUnlockPath = "/sys/power/wake_unlock"
)

// SysfsWakeLock holds a named kernel wake-lock. It is not reference counted:
// any number of Acquire calls are undone by one Release.
type SysfsWakeLock struct {
	name       string
	lockPath   string
	unlockPath string

	mu   sync.Mutex
	held bool
}

// NewSysfsWakeLock creates a wake-lock. Empty paths use the kernel defaults.
func NewSysfsWakeLock(name, lockPath, unlockPath string) *SysfsWakeLock {
	if lockPath == "" {
		lockPath = DefaultWakeLockPath
	}
	if unlockPath == "" {
		unlockPath = DefaultWakeUnlockPath
	}
	return &SysfsWakeLock{name: name, lockPath: lockPath, unlockPath: unlockPath}
}

func (w *SysfsWakeLock) Acquire() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.held {
		return nil
	}
	if err := writeControl(w.lockPath, w.name); err != nil {
		return fmt.Errorf("failed to acquire wake lock %s: %w", w.name, err)
	}
	w.held = true
	return nil
}

func (w *SysfsWakeLock) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.held {
		return nil
	}
	if err := writeControl(w.unlockPath, w.name); err != nil {
		return fmt.Errorf("failed to release wake lock %s: %w", w.name, err)
	}
	w.held = false
	return nil
}

// Held reports whether the lock is currently taken.
func (w *SysfsWakeLock) Held() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.held
}

func writeControl(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
