package database

import (
	"database/sql"
	"errors"
	"fmt"

	"otaupdater/internal/model"
)

// ErrNotFound is returned when no record exists for a download id.
var ErrNotFound = errors.New("update record not found")

// UpdateStore is the durable table of update records keyed by download id.
type UpdateStore struct {
	db *sql.DB
}

// NewUpdateStore wraps an open database.
func NewUpdateStore(db *sql.DB) *UpdateStore {
	return &UpdateStore{db: db}
}

// AddUpdate inserts the record or replaces the existing one with the same id.
func (s *UpdateStore) AddUpdate(update model.Update) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	query := `
		INSERT OR REPLACE INTO updates (
			download_id, name, download_url, changelog_url, version,
			timestamp, type, size, path, status
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		update.DownloadID,
		update.Name,
		update.DownloadURL,
		update.ChangelogURL,
		update.Version,
		update.Timestamp,
		int(update.Type),
		update.FileSize,
		update.File,
		int(update.PersistentStatus),
	)
	if err != nil {
		return fmt.Errorf("failed to store update %s: %w", update.DownloadID, err)
	}
	return nil
}

// ChangeUpdateStatus rewrites the persistent status of a record.
func (s *UpdateStore) ChangeUpdateStatus(downloadID string, status model.PersistentStatus) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if !status.Valid() {
		return fmt.Errorf("invalid persistent status %d", status)
	}

	result, err := s.db.Exec(`UPDATE updates SET status = ? WHERE download_id = ?`, int(status), downloadID)
	if err != nil {
		return fmt.Errorf("failed to update status of %s: %w", downloadID, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveUpdate deletes the record for downloadID. Deleting a missing record is not an error.
func (s *UpdateStore) RemoveUpdate(downloadID string) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	if _, err := s.db.Exec(`DELETE FROM updates WHERE download_id = ?`, downloadID); err != nil {
		return fmt.Errorf("failed to remove update %s: %w", downloadID, err)
	}
	return nil
}

// GetUpdates returns every stored record ordered by build timestamp, newest first.
func (s *UpdateStore) GetUpdates() ([]model.Update, error) {
	return s.queryUpdates(selectUpdates + ` ORDER BY timestamp DESC`)
}

const selectUpdates = `
	SELECT download_id, name, download_url, changelog_url, version,
	       timestamp, type, size, path, status
	FROM updates`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUpdate(row scanner) (model.Update, error) {
	var (
		u          model.Update
		updateType int
		status     int
	)
	err := row.Scan(
		&u.DownloadID,
		&u.Name,
		&u.DownloadURL,
		&u.ChangelogURL,
		&u.Version,
		&u.Timestamp,
		&updateType,
		&u.FileSize,
		&u.File,
		&status,
	)
	if err != nil {
		return model.Update{}, err
	}
	u.Type = model.UpdateType(updateType)
	u.PersistentStatus = model.PersistentStatus(status)
	return u, nil
}

func (s *UpdateStore) queryUpdates(query string, args ...interface{}) ([]model.Update, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query updates: %w", err)
	}
	defer rows.Close()

	var updates []model.Update
	for rows.Next() {
		update, err := scanUpdate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan update: %w", err)
		}
		updates = append(updates, update)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate updates: %w", err)
	}
	return updates, nil
}
