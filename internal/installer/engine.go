package installer

// EngineStatus is a status code reported by the streaming update engine.
type EngineStatus int

const (
	EngineIdle              EngineStatus = 0
	EngineCheckingForUpdate EngineStatus = 1
	EngineUpdateAvailable   EngineStatus = 2
	EngineDownloading       EngineStatus = 3
	EngineVerifying         EngineStatus = 4
	EngineFinalizing        EngineStatus = 5
	EngineUpdatedNeedReboot EngineStatus = 6
	EngineReportingError    EngineStatus = 7
	EngineAttemptingRevert  EngineStatus = 8
	EngineDisabled          EngineStatus = 9
)

var engineStatusNames = map[EngineStatus]string{
	EngineIdle:              "IDLE",
	EngineCheckingForUpdate: "CHECKING_FOR_UPDATE",
	EngineUpdateAvailable:   "UPDATE_AVAILABLE",
	EngineDownloading:       "DOWNLOADING",
	EngineVerifying:         "VERIFYING",
	EngineFinalizing:        "FINALIZING",
	EngineUpdatedNeedReboot: "UPDATED_NEED_REBOOT",
	EngineReportingError:    "REPORTING_ERROR_EVENT",
	EngineAttemptingRevert:  "ATTEMPTING_ROLLBACK",
	EngineDisabled:          "DISABLED",
}

func (s EngineStatus) String() string {
	if name, ok := engineStatusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ErrorCode is the result of a payload application.
type ErrorCode int

const (
	ErrorSuccess             ErrorCode = 0
	ErrorError               ErrorCode = 1
	ErrorDownloadTransfer    ErrorCode = 9
	ErrorUserCanceled        ErrorCode = 48
	ErrorUpdatedButNotActive ErrorCode = 52
)

// EngineCallback receives asynchronous engine reports, on any goroutine.
type EngineCallback interface {
	OnStatusUpdate(status EngineStatus, percent float64)
	OnPayloadApplicationComplete(code ErrorCode)
}

// Engine is the platform streaming update engine.
type Engine interface {
	// Bind connects the callback. It reports whether the engine accepted it.
	Bind(cb EngineCallback) bool
	ApplyPayload(uri string, offset, size int64, headers []string) error
	Cancel() error
	Suspend() error
	Resume() error
}

// PlatformInstaller hands a package to the recovery installer.
type PlatformInstaller interface {
	InstallPackage(path string) error
}

// EncryptionChecker reports whether path lives on encrypted storage that the
// recovery installer cannot read directly.
type EncryptionChecker interface {
	IsEncrypted(path string) bool
}
