package cli

import (
	"context"

	"otaupdater/internal/migrations"
	"otaupdater/internal/model"
)

// Exit codes returned by Execute.
const (
	ExitSuccess      = 0
	ExitRuntimeError = 1
	ExitInvalidUsage = 2
)

// ProgressEvent is one line of command output. Long-running commands emit a
// stream of them ending in "success" or "error".
type ProgressEvent struct {
	Type    string      `json:"type"`
	Message string      `json:"message,omitempty"`
	Code    string      `json:"code,omitempty"`
	Percent int         `json:"percent,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// CheckResult reports the outcome of an on-demand update check.
type CheckResult struct {
	Skipped    bool   `json:"skipped"`
	DownloadID string `json:"download_id,omitempty"`
	NewUpdate  bool   `json:"new_update"`
}

// Update is an update record as listed by the daemon.
type Update struct {
	model.Update
	Downloading bool `json:"downloading"`
	Installing  bool `json:"installing"`
	CanInstall  bool `json:"can_install"`
}

// Manager abstracts the updater operations for the CLI.
type Manager interface {
	Serve(ctx context.Context) error
	Migrations(ctx context.Context) ([]migrations.State, error)

	Check(ctx context.Context) (CheckResult, error)
	List(ctx context.Context) ([]Update, error)
	Download(ctx context.Context, id string) <-chan ProgressEvent
	Install(ctx context.Context, id string) <-chan ProgressEvent
}
