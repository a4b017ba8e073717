// Package sysprop reads device properties from build.prop style files.
package sysprop

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Property names the updater reads.
const (
	BuildDate       = "ro.build.date.utc"
	BuildVersion    = "ro.build.version.release"
	ABUpdate        = "ro.build.ab_update"
	Device          = "ro.build.product"
	UpdaterURI      = "ro.updater.uri"
	CryptoState     = "ro.crypto.state"
	CryptoEncrypted = "encrypted"
)

// Properties is an immutable set of device properties.
type Properties struct {
	values map[string]string
}

// New builds properties from a map, mostly for tests.
func New(values map[string]string) *Properties {
	p := &Properties{values: make(map[string]string, len(values))}
	for k, v := range values {
		p.values[k] = v
	}
	return p
}

// Load parses every existing file in order; later files override earlier
// ones. Missing files are skipped.
func Load(paths ...string) (*Properties, error) {
	p := &Properties{values: make(map[string]string)}
	for _, path := range paths {
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		err = p.parse(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	return p, nil
}

func (p *Properties) parse(f *os.File) error {
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		p.values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return scanner.Err()
}

// Get returns the value of key or def.
func (p *Properties) Get(key, def string) string {
	if v, ok := p.values[key]; ok && v != "" {
		return v
	}
	return def
}

// GetInt64 returns the numeric value of key or def.
func (p *Properties) GetInt64(key string, def int64) int64 {
	v, err := strconv.ParseInt(p.Get(key, ""), 10, 64)
	if err != nil {
		return def
	}
	return v
}

// GetBool returns the boolean value of key or def.
func (p *Properties) GetBool(key string, def bool) bool {
	switch p.Get(key, "") {
	case "1", "true", "y", "yes", "on":
		return true
	case "0", "false", "n", "no", "off":
		return false
	}
	return def
}

// BuildTimestamp is the build date of the running system, in seconds.
func (p *Properties) BuildTimestamp() int64 {
	return p.GetInt64(BuildDate, 0)
}

// IsABDevice reports whether the device uses A/B partitions.
func (p *Properties) IsABDevice() bool {
	return p.GetBool(ABUpdate, false)
}

// IsEncrypted reports whether user data is encrypted.
func (p *Properties) IsEncrypted() bool {
	return p.Get(CryptoState, "") == CryptoEncrypted
}
