package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"otaupdater/internal/httputil"
	"otaupdater/internal/migrations"
	"otaupdater/internal/model"
	"otaupdater/internal/notify"
	"otaupdater/internal/progress"
	"otaupdater/internal/version"
)

// Local runs the operations that do not go through the daemon.
type Local struct {
	Serve      func(ctx context.Context) error
	Migrations func(ctx context.Context) ([]migrations.State, error)
}

// NewManagerAdapter returns a Manager that sends update operations to the
// control API at baseURL and runs serve and migrate locally.
func NewManagerAdapter(baseURL string, local Local) Manager {
	return &managerAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		local:   local,
	}
}

type managerAdapter struct {
	baseURL string
	client  *http.Client
	local   Local
}

func (m *managerAdapter) Serve(ctx context.Context) error {
	if m.local.Serve == nil {
		return errors.New("serve is not available")
	}
	return m.local.Serve(ctx)
}

func (m *managerAdapter) Migrations(ctx context.Context) ([]migrations.State, error) {
	if m.local.Migrations == nil {
		return nil, errors.New("database is not available")
	}
	return m.local.Migrations(ctx)
}

func (m *managerAdapter) Check(ctx context.Context) (CheckResult, error) {
	var res CheckResult
	err := m.call(ctx, http.MethodPost, "/api/check", &res)
	return res, err
}

func (m *managerAdapter) List(ctx context.Context) ([]Update, error) {
	var updates []Update
	if err := m.call(ctx, http.MethodGet, "/api/updates", &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (m *managerAdapter) get(ctx context.Context, id string) (Update, error) {
	var u Update
	err := m.call(ctx, http.MethodGet, "/api/updates/"+id, &u)
	return u, err
}

// Download starts or resumes id and follows it until it is verified or
// stops.
func (m *managerAdapter) Download(ctx context.Context, id string) <-chan ProgressEvent {
	return m.follow(ctx, id, "/api/updates/"+id+"/start", downloadEvent)
}

// downloadEvent describes u for the download command and reports whether
// it is final.
func downloadEvent(u Update) (ProgressEvent, bool) {
	switch u.Status {
	case model.StatusVerified:
		return ProgressEvent{Type: "success", Message: "update verified"}, true
	case model.StatusVerificationFailed:
		return ProgressEvent{Type: "error", Code: "verification_failed", Message: "verification failed"}, true
	case model.StatusPaused:
		return ProgressEvent{Type: "error", Code: "paused", Message: "download paused"}, true
	case model.StatusPausedError:
		return ProgressEvent{Type: "error", Code: "download_failed", Message: "download failed"}, true
	case model.StatusDeleted:
		return ProgressEvent{Type: "error", Code: "deleted", Message: "update deleted"}, true
	case model.StatusVerifying:
		return ProgressEvent{Type: "log", Message: "verifying"}, false
	}
	msg := "downloading"
	if u.ETA > 0 {
		msg += ", " + progress.FormatDuration(u.ETA) + " left"
	}
	return ProgressEvent{Type: "progress", Message: msg, Percent: u.Progress}, false
}

// Install starts installing id and follows it to completion.
func (m *managerAdapter) Install(ctx context.Context, id string) <-chan ProgressEvent {
	return m.follow(ctx, id, "/api/updates/"+id+"/install", func(u Update) (ProgressEvent, bool) {
		switch u.Status {
		case model.StatusInstalled:
			return ProgressEvent{Type: "success", Message: "update installed"}, true
		case model.StatusUpdatedNeedReboot:
			return ProgressEvent{Type: "success", Message: "update installed, reboot required"}, true
		case model.StatusInstallationFailed:
			return ProgressEvent{Type: "error", Code: "installation_failed", Message: "installation failed"}, true
		case model.StatusInstallationCancelled:
			return ProgressEvent{Type: "error", Code: "installation_cancelled", Message: "installation cancelled"}, true
		case model.StatusInstallationSuspended:
			return ProgressEvent{Type: "log", Message: "installation suspended"}, false
		}
		msg := "installing"
		if u.Finalizing {
			msg = "finalizing"
		}
		return ProgressEvent{Type: "progress", Message: msg, Percent: u.InstallProgress}, false
	})
}

// follow subscribes to the event stream, posts action and turns every
// change of id into a progress event until done reports a final state.
func (m *managerAdapter) follow(ctx context.Context, id, action string, done func(Update) (ProgressEvent, bool)) <-chan ProgressEvent {
	out := make(chan ProgressEvent, 1)
	go func() {
		defer close(out)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		emit := func(ev ProgressEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(err error) {
			emit(ProgressEvent{Type: "error", Message: err.Error()})
		}

		events, err := m.subscribe(ctx)
		if err != nil {
			fail(err)
			return
		}

		var u Update
		if err := m.call(ctx, http.MethodPost, action, &u); err != nil {
			fail(err)
			return
		}

		lastPercent := -1
		for {
			ev, final := done(u)
			if final {
				emit(ev)
				return
			}
			if ev.Type != "progress" || ev.Percent != lastPercent {
				if !emit(ev) {
					return
				}
				lastPercent = ev.Percent
			}

			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					fail(errors.New("event stream closed"))
					return
				}
				if e.DownloadID != id {
					continue
				}
				if e.Type == notify.UpdateRemoved {
					emit(ProgressEvent{Type: "error", Code: "deleted", Message: "update deleted"})
					return
				}
			}

			if u, err = m.get(ctx, id); err != nil {
				fail(err)
				return
			}
		}
	}()
	return out
}

// subscribe opens /api/events and returns once the stream is established.
func (m *managerAdapter) subscribe(ctx context.Context) (<-chan notify.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/api/events", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to updater: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	// Wait for the server's hello so no event published after it is missed.
	if !scanner.Scan() {
		resp.Body.Close()
		return nil, errors.New("event stream closed before it started")
	}

	events := make(chan notify.Event, 64)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			var ev notify.Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// call sends a request to the control API and decodes a JSON reply into v.
func (m *managerAdapter) call(ctx context.Context, method, path string, v interface{}) error {
	retry := httputil.NoRetry()
	if method == http.MethodGet {
		retry = httputil.RetryConfig{MaxRetries: 2, InitialDelay: 200 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}
	}
	resp, err := httputil.Do(ctx, m.client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", version.UserAgent())
		return req, nil
	}, retry)
	if err != nil {
		return fmt.Errorf("failed to reach updater: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return errors.New(apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, strings.TrimSpace(string(body)))
	}
	if v == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
