package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"otaupdater/internal/logging"
)

const DefaultRecoveryCommandFile = "/cache/recovery/command"

// RecoveryInstaller schedules a package for the recovery installer and
// reboots into it.
type RecoveryInstaller struct {
	commandFile string
	reboot      []string
	execCommand execCommandFunc
}

// NewRecoveryInstaller creates an installer writing to commandFile and
// running reboot (program and arguments) afterwards. An empty reboot command
// only writes the file.
func NewRecoveryInstaller(commandFile string, reboot []string) *RecoveryInstaller {
	if commandFile == "" {
		commandFile = DefaultRecoveryCommandFile
	}
	return &RecoveryInstaller{
		commandFile: commandFile,
		reboot:      reboot,
		execCommand: defaultExecCommand,
	}
}

// InstallPackage writes the recovery command for path and reboots.
func (r *RecoveryInstaller) InstallPackage(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to stat package: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.commandFile), 0755); err != nil {
		return fmt.Errorf("failed to create recovery directory: %w", err)
	}
	command := "--update_package=" + path + "\n--locale=en_US\n"
	if err := os.WriteFile(r.commandFile, []byte(command), 0600); err != nil {
		return fmt.Errorf("failed to write recovery command: %w", err)
	}
	logging.Info("Recovery command written for %s", path)

	if len(r.reboot) == 0 {
		return nil
	}
	output, err := r.execCommand(context.Background(), r.reboot[0], r.reboot[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to reboot into recovery: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
