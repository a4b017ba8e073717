// Package progress turns raw byte counts into bounded, throttled progress
// reports for downloads and installs.
package progress

import (
	"math"
	"strconv"
	"sync"
	"time"
)

// DefaultReportInterval is the longest a throttle waits before re-emitting
// an unchanged percentage.
const DefaultReportInterval = 100 * time.Millisecond

// Percent returns round(done*100/total) clamped to [0,100]. A non-positive
// total yields 0.
func Percent(done, total int64) int {
	if total <= 0 {
		return 0
	}
	return Clamp(int(math.Round(float64(done) * 100 / float64(total))))
}

// FractionPercent converts a 0..1 fraction into a clamped percentage.
func FractionPercent(fraction float64) int {
	return Clamp(int(math.Round(fraction * 100)))
}

// Clamp bounds a percentage to [0,100].
func Clamp(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Throttle decides which progress samples of a single transfer are worth
// reporting: a sample is emitted when its rounded percentage differs from the
// last emitted one or when more than the interval has passed since then.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	now      func() time.Time
	last     time.Time
	progress int
}

// NewThrottle creates a throttle with the given interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval, now: time.Now}
}

// Sample evaluates one observation. contentLength <= 0 falls back to
// fallbackSize; when both are unknown the sample is suppressed.
func (t *Throttle) Sample(bytesRead, contentLength, fallbackSize int64) (int, bool) {
	if contentLength <= 0 {
		contentLength = fallbackSize
	}
	if contentLength <= 0 {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	pct := Percent(bytesRead, contentLength)
	if pct != t.progress || now.Sub(t.last) > t.interval {
		t.progress = pct
		t.last = now
		return pct, true
	}
	return pct, false
}

// Rate estimates transfer speed with an exponential moving average and
// derives the remaining time.
type Rate struct {
	mu        sync.Mutex
	now       func() time.Time
	window    time.Duration
	lastTime  time.Time
	lastBytes int64
	speed     float64
}

// NewRate creates an estimator that resamples at most once per window.
func NewRate(window time.Duration) *Rate {
	return &Rate{now: time.Now, window: window}
}

// Observe records the cumulative byte count and returns the current speed
// in bytes per second and the estimated time left for total bytes.
func (r *Rate) Observe(bytesRead, total int64) (int64, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.lastTime.IsZero() {
		r.lastTime = now
		r.lastBytes = bytesRead
		return 0, 0
	}

	elapsed := now.Sub(r.lastTime)
	if elapsed >= r.window {
		instant := float64(bytesRead-r.lastBytes) / elapsed.Seconds()
		if r.speed == 0 {
			r.speed = instant
		} else {
			r.speed = 0.3*instant + 0.7*r.speed
		}
		r.lastTime = now
		r.lastBytes = bytesRead
	}

	speed := int64(r.speed)
	if speed <= 0 || total <= bytesRead {
		return speed, 0
	}
	eta := time.Duration(float64(total-bytesRead) / r.speed * float64(time.Second))
	return speed, eta
}

// FormatDuration formats a remaining-time estimate for display.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	if d < time.Minute {
		return "< 1m"
	}

	minutes := int(d.Minutes())
	if minutes < 60 {
		return strconv.Itoa(minutes) + "m"
	}

	hours := minutes / 60
	remainingMinutes := minutes % 60
	if remainingMinutes == 0 {
		return strconv.Itoa(hours) + "h"
	}
	return strconv.Itoa(hours) + "h " + strconv.Itoa(remainingMinutes) + "m"
}
