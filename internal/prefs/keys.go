package prefs

// Preference keys shared by the checker, the installers and the cleanup pass.
const (
	KeyLastUpdateCheck     = "last_update_check"
	KeyCheckInterval       = "auto_updates_check_interval"
	KeyInstallOldTimestamp = "install_old_timestamp"
	KeyInstallNewTimestamp = "install_new_timestamp"
	KeyInstallPackagePath  = "install_package_path"
	KeyInstallAgain        = "install_again"
	KeyInstallNotified     = "install_notified"
	KeyInstallingABID      = "installing_ab_id"
	KeyInstallingSuspended = "installing_suspended_ab_id"
	KeyNeedsRebootID       = "needs_reboot_id"
	KeyCleanupDone         = "cleanup_done"
	KeyLastDescriptor      = "update"
)

// Check interval settings stored under KeyCheckInterval.
const (
	CheckIntervalNever   = 0
	CheckIntervalDaily   = 1
	CheckIntervalWeekly  = 2
	CheckIntervalMonthly = 3
)
