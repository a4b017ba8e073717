package config

const (
	// DefaultListenAddr is the default address of the control API
	DefaultListenAddr = "127.0.0.1:8642"

	// DefaultConfigFile is read when no config path is given
	DefaultConfigFile = "config.toml"
)
