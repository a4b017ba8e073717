// Package model defines the update entity and its lifecycle states.
package model

// Status is the transient lifecycle state of an update. It only lives in
// memory; on cold start it is derived from PersistentStatus and the file on disk.
type Status int

const (
	StatusUnknown Status = iota
	StatusStarting
	StatusDownloading
	StatusPaused
	StatusPausedError
	StatusDeleted
	StatusVerifying
	StatusVerified
	StatusVerificationFailed
	StatusInstalling
	StatusInstalled
	StatusInstallationFailed
	StatusInstallationCancelled
	StatusInstallationSuspended
	StatusUpdatedNeedReboot
)

var statusNames = map[Status]string{
	StatusUnknown:               "unknown",
	StatusStarting:              "starting",
	StatusDownloading:           "downloading",
	StatusPaused:                "paused",
	StatusPausedError:           "paused_error",
	StatusDeleted:               "deleted",
	StatusVerifying:             "verifying",
	StatusVerified:              "verified",
	StatusVerificationFailed:    "verification_failed",
	StatusInstalling:            "installing",
	StatusInstalled:             "installed",
	StatusInstallationFailed:    "installation_failed",
	StatusInstallationCancelled: "installation_cancelled",
	StatusInstallationSuspended: "installation_suspended",
	StatusUpdatedNeedReboot:     "updated_need_reboot",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText lets statuses render by name in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name. Unknown names decode to StatusUnknown.
func (s *Status) UnmarshalText(text []byte) error {
	name := string(text)
	for st, n := range statusNames {
		if n == name {
			*s = st
			return nil
		}
	}
	*s = StatusUnknown
	return nil
}

// PersistentStatus is the subset of the lifecycle that is written to the
// record store.
type PersistentStatus int

const (
	PersistentUnknown    PersistentStatus = 0
	PersistentIncomplete PersistentStatus = 1
	PersistentVerified   PersistentStatus = 2
)

func (p PersistentStatus) String() string {
	switch p {
	case PersistentIncomplete:
		return "incomplete"
	case PersistentVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// MarshalText lets persistent statuses render by name in JSON output.
func (p PersistentStatus) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *PersistentStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "incomplete":
		*p = PersistentIncomplete
	case "verified":
		*p = PersistentVerified
	default:
		*p = PersistentUnknown
	}
	return nil
}

// Valid reports whether p is one of the values allowed in the record store.
func (p PersistentStatus) Valid() bool {
	return p == PersistentUnknown || p == PersistentIncomplete || p == PersistentVerified
}
