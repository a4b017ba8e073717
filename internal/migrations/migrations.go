// Package migrations holds the embedded schema migrations for the update
// record store.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pressly/goose/v3"

	"otaupdater/internal/logging"
)

//go:embed *.sql
var embedMigrations embed.FS

// State is one migration and whether the database has it applied.
type State struct {
	Version int64  `json:"version"`
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
}

// gooseLogger routes goose output through the updater's logger.
type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...interface{}) {
	logging.Info(strings.TrimSuffix(format, "\n"), v...)
}

func (gooseLogger) Fatalf(format string, v ...interface{}) {
	logging.Error(strings.TrimSuffix(format, "\n"), v...)
	os.Exit(1)
}

func setup() error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(gooseLogger{})

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return nil
}

// Run applies all pending migrations.
func Run(db *sql.DB) error {
	if err := setup(); err != nil {
		return err
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Version returns the current schema version.
func Version(db *sql.DB) (int64, error) {
	if err := setup(); err != nil {
		return 0, err
	}
	version, err := goose.GetDBVersion(db)
	if err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}

// Status lists every embedded migration in order with its applied state.
func Status(db *sql.DB) ([]State, error) {
	current, err := Version(db)
	if err != nil {
		return nil, err
	}
	all, err := goose.CollectMigrations(".", 0, goose.MaxVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to collect migrations: %w", err)
	}

	states := make([]State, 0, len(all))
	for _, m := range all {
		states = append(states, State{
			Version: m.Version,
			Name:    filepath.Base(m.Source),
			Applied: m.Version <= current,
		})
	}
	return states, nil
}
