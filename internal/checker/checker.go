// Package checker asks the update server for new updates, on demand and on
// a schedule.
package checker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"otaupdater/internal/fetch"
	"otaupdater/internal/logging"
	"otaupdater/internal/model"
	"otaupdater/internal/prefs"
	"otaupdater/internal/telemetry"
)

// ErrOffline is returned when the network is unavailable; a one-shot retry
// has been scheduled.
var ErrOffline = errors.New("network not available")

const checkTimeout = 2 * time.Minute

// Fetcher retrieves the update descriptor.
type Fetcher interface {
	Fetch(ctx context.Context, timestamp int64) (*fetch.Descriptor, error)
}

// Updates is the controller surface the checker feeds.
type Updates interface {
	AddUpdate(info model.UpdateInfo) bool
	SetUpdatesAvailableOnline(ids []string, purge bool)
}

// Network reports connectivity.
type Network interface {
	IsOnline(ctx context.Context) bool
}

// Result describes a finished check.
type Result struct {
	Skipped    bool   `json:"skipped"`
	DownloadID string `json:"download_id,omitempty"`
	NewUpdate  bool   `json:"new_update"`
}

// Options configures a Checker.
type Options struct {
	Fetcher        Fetcher
	Updates        Updates
	Prefs          prefs.KV
	Network        Network
	BuildTimestamp int64
}

// Checker runs update checks.
type Checker struct {
	fetcher        Fetcher
	updates        Updates
	kv             prefs.KV
	network        Network
	buildTimestamp int64
	scheduler      *Scheduler
	now            func() time.Time
}

// New creates a checker with its own scheduler; call Start to enable
// scheduled checks.
func New(opts Options) (*Checker, error) {
	if opts.Fetcher == nil || opts.Updates == nil || opts.Prefs == nil {
		return nil, fmt.Errorf("checker requires a fetcher, the updates and preferences")
	}
	c := &Checker{
		fetcher:        opts.Fetcher,
		updates:        opts.Updates,
		kv:             opts.Prefs,
		network:        opts.Network,
		buildTimestamp: opts.BuildTimestamp,
		now:            time.Now,
	}
	c.scheduler = NewScheduler(c.runRepeating, c.runOneShot)
	return c, nil
}

// Scheduler exposes the check triggers.
func (c *Checker) Scheduler() *Scheduler {
	return c.scheduler
}

// Start enables the repeating check unless checks are disabled.
func (c *Checker) Start() {
	c.scheduler.Start()
	if IsCheckEnabled(c.kv) {
		c.scheduler.ScheduleRepeating()
	}
}

// Stop halts scheduled checks.
func (c *Checker) Stop() {
	c.scheduler.Stop()
}

// SetCheckInterval stores a new interval setting and reschedules.
func (c *Checker) SetCheckInterval(setting int) error {
	switch setting {
	case prefs.CheckIntervalNever, prefs.CheckIntervalDaily, prefs.CheckIntervalWeekly, prefs.CheckIntervalMonthly:
	default:
		return fmt.Errorf("invalid check interval setting %d", setting)
	}
	if err := c.kv.Edit().PutInt(prefs.KeyCheckInterval, setting).Commit(); err != nil {
		return fmt.Errorf("failed to save check interval: %w", err)
	}
	if setting == prefs.CheckIntervalNever {
		c.scheduler.CancelRepeating()
		c.scheduler.CancelOneShot()
		return nil
	}
	c.scheduler.UpdateRepeating()
	return nil
}

// Check runs a check unless checks are disabled.
func (c *Checker) Check(ctx context.Context) (Result, error) {
	if !IsCheckEnabled(c.kv) {
		logging.Debug("Update checks are disabled")
		return Result{Skipped: true}, nil
	}
	return c.CheckNow(ctx)
}

// CheckNow runs a check regardless of the interval setting.
func (c *Checker) CheckNow(ctx context.Context) (res Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "checker.check")
	defer func() { telemetry.EndSpan(span, err) }()

	if c.network != nil && !c.network.IsOnline(ctx) {
		logging.Info("Network not available, scheduling new check")
		c.scheduler.ScheduleOneShot(RetryDelay)
		return Result{}, ErrOffline
	}

	desc, err := c.fetcher.Fetch(ctx, c.buildTimestamp)
	if errors.Is(err, fetch.ErrNoUpdate) {
		logging.Info("No update available for build %d", c.buildTimestamp)
		c.updates.SetUpdatesAvailableOnline(nil, false)
		return Result{}, c.recordCheck()
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to check for updates: %w", err)
	}

	info := desc.ToUpdateInfo()
	logging.Info("Saving update for %s", info.Name)
	if err := c.kv.Edit().PutString(prefs.KeyLastDescriptor, string(desc.Raw)).Commit(); err != nil {
		return Result{}, fmt.Errorf("failed to save update descriptor: %w", err)
	}

	isNew := c.updates.AddUpdate(info)
	c.updates.SetUpdatesAvailableOnline([]string{info.DownloadID}, true)
	if isNew {
		logging.Info("New update found: %s", info.DownloadID)
	}
	return Result{DownloadID: info.DownloadID, NewUpdate: isNew}, c.recordCheck()
}

func (c *Checker) recordCheck() error {
	if err := c.kv.Edit().PutInt64(prefs.KeyLastUpdateCheck, c.now().Unix()).Commit(); err != nil {
		return fmt.Errorf("failed to record update check: %w", err)
	}
	return nil
}

func (c *Checker) runRepeating() {
	if !ShouldCheck(c.kv, c.now()) {
		return
	}
	c.runOneShot()
}

func (c *Checker) runOneShot() {
	runWithTimeout(checkTimeout, func(ctx context.Context) {
		if _, err := c.Check(ctx); err != nil && !errors.Is(err, ErrOffline) {
			logging.Error("Failed to perform scheduled update check: %v", err)
		}
	})
}

// IsCheckEnabled reports whether automatic checks are on.
func IsCheckEnabled(kv prefs.KV) bool {
	return kv.GetInt(prefs.KeyCheckInterval, prefs.CheckIntervalWeekly) != prefs.CheckIntervalNever
}

// CheckInterval is the configured time between automatic checks.
func CheckInterval(kv prefs.KV) time.Duration {
	const day = 24 * time.Hour
	switch kv.GetInt(prefs.KeyCheckInterval, prefs.CheckIntervalWeekly) {
	case prefs.CheckIntervalDaily:
		return day
	case prefs.CheckIntervalMonthly:
		return 30 * day
	default:
		return 7 * day
	}
}

// ShouldCheck reports whether an automatic check is due at now.
func ShouldCheck(kv prefs.KV, now time.Time) bool {
	if !IsCheckEnabled(kv) {
		return false
	}
	last := time.Unix(kv.GetInt64(prefs.KeyLastUpdateCheck, 0), 0)
	return now.Sub(last) >= CheckInterval(kv)
}

// IsCompatible reports whether an update is not older than the running
// build, both by platform version and by build date.
func IsCompatible(u model.UpdateInfo, buildVersion string, buildTimestamp int64) bool {
	if strings.Compare(u.Version, buildVersion) < 0 {
		logging.Debug("%s is older than current platform version", u.Name)
		return false
	}
	if u.Timestamp < buildTimestamp {
		logging.Debug("%s is older than the current build", u.Name)
		return false
	}
	return true
}

// CanInstall reports whether an update targets the running platform version
// and is not older than the running build.
func CanInstall(u model.UpdateInfo, buildVersion string, buildTimestamp int64) bool {
	return u.Timestamp >= buildTimestamp && strings.EqualFold(u.Version, buildVersion)
}
