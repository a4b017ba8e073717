package checker

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"otaupdater/internal/logging"
)

const (
	// RepeatingInterval is how often the repeating check fires. Whether it
	// actually contacts the server depends on the configured interval.
	RepeatingInterval = 24 * time.Hour
	// RetryDelay is how long to wait after a check found no network.
	RetryDelay = 2 * time.Hour
)

// Scheduler triggers update checks: a repeating daily trigger and at most one
// pending one-shot trigger.
type Scheduler struct {
	cron      *cron.Cron
	repeating func()
	oneShot   func()
	now       func() time.Time

	mu          sync.Mutex
	repeatingID cron.EntryID
	oneShotID   cron.EntryID
}

// NewScheduler creates a stopped scheduler. repeating runs on every daily
// trigger, oneShot when a one-shot trigger fires.
func NewScheduler(repeating, oneShot func()) *Scheduler {
	return &Scheduler{
		cron:      cron.New(cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{}))),
		repeating: repeating,
		oneShot:   oneShot,
		now:       time.Now,
	}
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running checks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// ScheduleRepeating installs the daily trigger, first firing one interval
// from now. It is a no-op when already scheduled.
func (s *Scheduler) ScheduleRepeating() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repeatingID != 0 {
		return
	}
	s.repeatingID = s.cron.Schedule(cron.Every(RepeatingInterval), cron.FuncJob(s.repeating))
	logging.Info("Setting automatic updates check: %s", s.now().Add(RepeatingInterval).Format(time.RFC3339))
}

// CancelRepeating removes the daily trigger.
func (s *Scheduler) CancelRepeating() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repeatingID == 0 {
		return
	}
	s.cron.Remove(s.repeatingID)
	s.repeatingID = 0
}

// UpdateRepeating restarts the daily trigger, e.g. after the check interval
// setting changed.
func (s *Scheduler) UpdateRepeating() {
	s.CancelRepeating()
	s.ScheduleRepeating()
}

// ScheduleOneShot fires a single check after delay, replacing any pending one.
func (s *Scheduler) ScheduleOneShot(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.oneShotID != 0 {
		s.cron.Remove(s.oneShotID)
	}

	at := s.now().Add(delay)
	var id cron.EntryID
	id = s.cron.Schedule(&onceSchedule{at: at}, cron.FuncJob(func() {
		s.mu.Lock()
		if s.oneShotID == id {
			s.cron.Remove(id)
			s.oneShotID = 0
		}
		s.mu.Unlock()
		s.oneShot()
	}))
	s.oneShotID = id
	logging.Info("Setting one-shot updates check: %s", at.Format(time.RFC3339))
}

// CancelOneShot removes the pending one-shot trigger.
func (s *Scheduler) CancelOneShot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.oneShotID == 0 {
		return
	}
	s.cron.Remove(s.oneShotID)
	s.oneShotID = 0
	logging.Debug("Cancelling pending one-shot check")
}

// Pending reports which triggers are scheduled.
func (s *Scheduler) Pending() (repeating, oneShot bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repeatingID != 0, s.oneShotID != 0
}

// onceSchedule activates once at a fixed time. A zero Next tells cron the
// entry never runs again.
type onceSchedule struct {
	at time.Time
}

func (o *onceSchedule) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Debug("cron: %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.Error("cron: %s: %v %v", msg, err, keysAndValues)
}

// runWithTimeout bounds a scheduled check.
func runWithTimeout(timeout time.Duration, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	fn(ctx)
}
