package platform

import (
	"path/filepath"
	"strings"
)

// DefaultDataDir is the mount point of user data.
const DefaultDataDir = "/data"

// Encryption reports packages that recovery cannot read in place: files on
// the data partition of a device whose data is encrypted.
type Encryption struct {
	encrypted bool
	dataDir   string
}

// NewEncryption creates a checker. encrypted usually comes from
// sysprop.Properties.IsEncrypted.
func NewEncryption(encrypted bool, dataDir string) *Encryption {
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	return &Encryption{encrypted: encrypted, dataDir: filepath.Clean(dataDir)}
}

func (e *Encryption) IsEncrypted(path string) bool {
	if !e.encrypted {
		return false
	}
	return strings.HasPrefix(filepath.Clean(path), e.dataDir+string(filepath.Separator))
}
