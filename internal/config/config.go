// Package config loads PhaseHound's TOML-backed configuration. Per
// spec.md §6, the broker itself takes no environment-variable
// configuration — its socket path and addon scan roots are fixed by file
// config or flags — but addon processes may layer .env developer
// overrides on top of their own device-local settings (sample rate,
// frequency, device index), which live outside the broker's configuration
// surface entirely.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/pelletier/go-toml/v2"
)

// Config is the broker's top-level configuration file shape.
type Config struct {
	Broker BrokerConfig            `toml:"broker"`
	Addons map[string]AddonSection `toml:"addons"`
}

// BrokerConfig controls the core broker process.
type BrokerConfig struct {
	SockPath        string   `toml:"sock_path"`
	AddonsDirs      []string `toml:"addons_dirs"`
	MaxFramePayload string   `toml:"max_frame_payload"` // e.g. "64KB", parsed via datasize
	LogLevel        string   `toml:"log_level"`
}

// AddonSection is an addon's own config block, keyed by addon name in the
// [addons.<name>] table. Enabled is parsed, but the broker does not consult
// it: autoload loads every addon it discovers. Device-specific settings are
// not part of this file (soapy reads its sample rate and center frequency
// from AddonEnv overrides).
type AddonSection struct {
	Enabled bool `toml:"enabled"`
}

// Load reads and parses a TOML config file at path, matching the
// Load(path) (*Config, error) shape this package's configuration layer is
// grounded on.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if c.Broker.SockPath == "" {
		c.Broker.SockPath = "/tmp/phasehound.sock"
	}
	if len(c.Broker.AddonsDirs) == 0 {
		c.Broker.AddonsDirs = []string{"./src/addons", "./addons", "./"}
	}
	return &c, nil
}

// MaxFramePayloadBytes parses BrokerConfig.MaxFramePayload (e.g. "64KB")
// into a byte count, defaulting to 64 KiB when unset, matching spec.md
// §3's control-message cap.
func (b BrokerConfig) MaxFramePayloadBytes() (int, error) {
	if b.MaxFramePayload == "" {
		return 64 * 1024, nil
	}
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(b.MaxFramePayload)); err != nil {
		return 0, fmt.Errorf("config: parse max_frame_payload %q: %w", b.MaxFramePayload, err)
	}
	return int(v.Bytes()), nil
}
