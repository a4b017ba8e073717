package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration settings for the updater
type Config struct {
	// DownloadDir is where update packages are downloaded to
	DownloadDir string `toml:"download_dir"`

	// DatabasePath is the path to the SQLite database file
	DatabasePath string `toml:"database_path"`

	// PrefsPath is the YAML file holding settings and install markers
	PrefsPath string `toml:"prefs_path"`

	// ServerURL is the update server endpoint. Empty means ro.updater.uri.
	ServerURL string `toml:"server_url"`

	// ListenAddr is the address of the local control API
	ListenAddr string `toml:"listen_addr"`

	// LogDir receives the log file in development mode
	LogDir string `toml:"log_dir"`

	BuildPropPaths []string `toml:"build_prop_paths"`

	WakeLockName   string `toml:"wake_lock_name"`
	WakeLockPath   string `toml:"wake_lock_path"`
	WakeUnlockPath string `toml:"wake_unlock_path"`

	RecoveryCommandFile string   `toml:"recovery_command_file"`
	RebootCommand       []string `toml:"reboot_command"`
	UpdateEngineClient  string   `toml:"update_engine_client"`

	// RequireSignature rejects packages without the signed OTA footer
	RequireSignature bool `toml:"require_signature"`

	// FetchCacheTTL is how long a fetched descriptor is reused
	FetchCacheTTL duration `toml:"fetch_cache_ttl"`
}

// duration decodes TOML strings such as "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// defaultConfig returns the on-device defaults
func defaultConfig() *Config {
	return &Config{
		DownloadDir:         "/data/ota_package",
		DatabasePath:        "/data/otaupdater/updates.db",
		PrefsPath:           "/data/otaupdater/prefs.yaml",
		ListenAddr:          DefaultListenAddr,
		LogDir:              "logs",
		BuildPropPaths:      []string{"/system/build.prop", "/vendor/build.prop"},
		WakeLockName:        "otaupdater",
		RecoveryCommandFile: "/cache/recovery/command",
		RebootCommand:       []string{"reboot", "recovery"},
		UpdateEngineClient:  "/system/bin/update_engine_client",
		RequireSignature:    true,
		FetchCacheTTL:       duration{5 * time.Minute},
	}
}

// Load loads the configuration from path (when it exists) and environment
// variables. An empty path means config.toml in the working directory.
func Load(path string) (*Config, error) {
	config := defaultConfig()

	if path == "" {
		path = DefaultConfigFile
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	if v := os.Getenv("OTA_DOWNLOAD_DIR"); v != "" {
		config.DownloadDir = v
	}
	if v := os.Getenv("OTA_DATABASE_PATH"); v != "" {
		config.DatabasePath = v
	}
	if v := os.Getenv("OTA_PREFS_PATH"); v != "" {
		config.PrefsPath = v
	}
	if v := os.Getenv("OTA_SERVER_URL"); v != "" {
		config.ServerURL = v
	}
	if v := os.Getenv("OTA_LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("OTA_LOG_DIR"); v != "" {
		config.LogDir = v
	}
	if v := os.Getenv("OTA_REQUIRE_SIGNATURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid OTA_REQUIRE_SIGNATURE %q: %w", v, err)
		}
		config.RequireSignature = b
	}

	for _, p := range []*string{&config.DownloadDir, &config.DatabasePath, &config.PrefsPath} {
		if filepath.IsAbs(*p) {
			continue
		}
		absPath, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for %s: %w", *p, err)
		}
		*p = absPath
	}

	return config, nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("DownloadDir: %s", c.DownloadDir))
	parts = append(parts, fmt.Sprintf("DatabasePath: %s", c.DatabasePath))
	parts = append(parts, fmt.Sprintf("PrefsPath: %s", c.PrefsPath))
	parts = append(parts, fmt.Sprintf("ServerURL: %s", c.ServerURL))
	parts = append(parts, fmt.Sprintf("ListenAddr: %s", c.ListenAddr))
	parts = append(parts, fmt.Sprintf("RequireSignature: %t", c.RequireSignature))
	return strings.Join(parts, ", ")
}
