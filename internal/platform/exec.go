// Package platform adapts the updater to the device: wake-locks, the
// recovery installer, the update_engine client, storage encryption and
// network reachability.
package platform

import (
	"context"
	"os/exec"
)

type execCommandFunc func(ctx context.Context, name string, args ...string) commandRunner

type commandRunner interface {
	CombinedOutput() ([]byte, error)
	Start() error
	Wait() error
	StdoutPipe() (readCloser, error)
}

type readCloser interface {
	Read(p []byte) (n int, err error)
	Close() error
}

type execCmd struct {
	cmd *exec.Cmd
}

func (e *execCmd) CombinedOutput() ([]byte, error) {
	return e.cmd.CombinedOutput()
}

func (e *execCmd) Start() error {
	return e.cmd.Start()
}

func (e *execCmd) Wait() error {
	return e.cmd.Wait()
}

func (e *execCmd) StdoutPipe() (readCloser, error) {
	return e.cmd.StdoutPipe()
}

func defaultExecCommand(ctx context.Context, name string, args ...string) commandRunner {
	return &execCmd{cmd: exec.CommandContext(ctx, name, args...)} //nolint:gosec // binaries come from the updater config
}
