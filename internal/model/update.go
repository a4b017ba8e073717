package model

import "time"

// UpdateType is the package type advertised by the server.
type UpdateType int

const (
	TypeUnknown UpdateType = 0
	TypeAB      UpdateType = 1
	TypeBlock   UpdateType = 2
	TypeBrick   UpdateType = 3
)

func (t UpdateType) String() string {
	switch t {
	case TypeAB:
		return "ab"
	case TypeBlock:
		return "block"
	case TypeBrick:
		return "brick"
	default:
		return "unknown"
	}
}

// UpdateInfo holds the fields that describe an update independently of any
// download state.
type UpdateInfo struct {
	DownloadID   string     `json:"download_id"`
	Name         string     `json:"name"`
	DownloadURL  string     `json:"download_url"`
	ChangelogURL string     `json:"changelog_url,omitempty"`
	Timestamp    int64      `json:"timestamp"`
	Version      string     `json:"version"`
	Type         UpdateType `json:"type"`
	FileSize     int64      `json:"file_size"`
}

// Update is one candidate update tracked by the controller.
type Update struct {
	UpdateInfo

	File             string           `json:"file,omitempty"`
	Status           Status           `json:"status"`
	PersistentStatus PersistentStatus `json:"persistent_status"`
	Progress         int              `json:"progress"`
	InstallProgress  int              `json:"install_progress"`
	Finalizing       bool             `json:"finalizing"`
	ETA              time.Duration    `json:"eta"`
	Speed            int64            `json:"speed"`
	AvailableOnline  bool             `json:"available_online"`
}

// NewUpdate creates an entity from its descriptive fields.
func NewUpdate(info UpdateInfo) *Update {
	return &Update{UpdateInfo: info}
}
