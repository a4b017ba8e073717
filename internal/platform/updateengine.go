package platform

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"otaupdater/internal/installer"
	"otaupdater/internal/logging"
)

// DefaultUpdateEngineClient is the path of the engine client on device.
const DefaultUpdateEngineClient = "/system/bin/update_engine_client"

var (
	statusLine   = regexp.MustCompile(`onStatusUpdate\(\w+ \((\d+)\), ([0-9.eE+-]+)\)`)
	completeLine = regexp.MustCompile(`onPayloadApplicationComplete\(.*\((\d+)\)\)`)
)

// UpdateEngineClient drives the streaming update engine through its command
// line client. Bind keeps a "--follow" process running and forwards every
// report it prints to the bound callback.
type UpdateEngineClient struct {
	path        string
	execCommand execCommandFunc

	mu       sync.Mutex
	callback installer.EngineCallback
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewUpdateEngineClient creates a client for the binary at path.
func NewUpdateEngineClient(path string) *UpdateEngineClient {
	if path == "" {
		path = DefaultUpdateEngineClient
	}
	return &UpdateEngineClient{
		path:        path,
		execCommand: defaultExecCommand,
	}
}

// Bind starts following the engine. Rebinding while the follower is alive
// only swaps the callback.
func (u *UpdateEngineClient) Bind(cb installer.EngineCallback) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.callback = cb
	if u.cancel != nil {
		return true
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := u.execCommand(ctx, u.path, "--follow")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		logging.Error("Failed to attach to update engine output: %v", err)
		return false
	}
	if err := cmd.Start(); err != nil {
		cancel()
		logging.Error("Failed to start update engine follower: %v", err)
		return false
	}

	done := make(chan struct{})
	u.cancel = cancel
	u.done = done
	go u.follow(cmd, stdout, done)
	return true
}

func (u *UpdateEngineClient) follow(cmd commandRunner, stdout readCloser, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		u.dispatch(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logging.Warning("Reading update engine output failed: %v", err)
	}
	if err := cmd.Wait(); err != nil {
		logging.Debug("Update engine follower exited: %v", err)
	}

	u.mu.Lock()
	if u.done == done {
		u.cancel = nil
		u.done = nil
	}
	u.mu.Unlock()
}

func (u *UpdateEngineClient) dispatch(line string) {
	u.mu.Lock()
	cb := u.callback
	u.mu.Unlock()
	if cb == nil {
		return
	}

	if m := statusLine.FindStringSubmatch(line); m != nil {
		status, err := strconv.Atoi(m[1])
		if err != nil {
			return
		}
		percent, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return
		}
		cb.OnStatusUpdate(installer.EngineStatus(status), percent)
		return
	}
	if m := completeLine.FindStringSubmatch(line); m != nil {
		code, err := strconv.Atoi(m[1])
		if err != nil {
			return
		}
		cb.OnPayloadApplicationComplete(installer.ErrorCode(code))
	}
}

// ApplyPayload asks the engine to stream the payload at offset of uri.
func (u *UpdateEngineClient) ApplyPayload(uri string, offset, size int64, headers []string) error {
	return u.run("--update",
		"--payload="+uri,
		"--offset="+strconv.FormatInt(offset, 10),
		"--size="+strconv.FormatInt(size, 10),
		"--headers="+strings.Join(headers, "\n"),
	)
}

func (u *UpdateEngineClient) Cancel() error {
	return u.run("--cancel")
}

func (u *UpdateEngineClient) Suspend() error {
	return u.run("--suspend")
}

func (u *UpdateEngineClient) Resume() error {
	return u.run("--resume")
}

// Close stops the follower.
func (u *UpdateEngineClient) Close() {
	u.mu.Lock()
	cancel, done := u.cancel, u.done
	u.cancel = nil
	u.done = nil
	u.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (u *UpdateEngineClient) run(args ...string) error {
	output, err := u.execCommand(context.Background(), u.path, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to run %s %s: %w: %s", u.path, args[0], err, strings.TrimSpace(string(output)))
	}
	return nil
}
