package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// AddonEnv is a thin, addon-local environment override layer: it has no
// broker-side counterpart, mirroring AlephTX feeder/main.go's
// os.Getenv("ALEPH_FEEDER_CONFIG")/os.Getenv("ALEPH_SHM") pattern for
// letting a developer override one device-local knob (sample rate, center
// frequency, device index) without editing the TOML file. Per spec.md
// §6/§9 the broker itself never consumes environment variables; this type
// is only ever constructed inside addon binaries.
type AddonEnv struct {
	prefix string
}

// LoadAddonEnv optionally loads a ".env" file (if present in the working
// directory; a missing file is not an error, matching godotenv's own
// convention for opt-in local overrides) and returns an AddonEnv that
// reads variables named "<prefix>_<KEY>".
func LoadAddonEnv(prefix string) *AddonEnv {
	_ = godotenv.Load() // best effort; addons run fine with no .env present
	return &AddonEnv{prefix: prefix}
}

func (e *AddonEnv) key(name string) string {
	return e.prefix + "_" + name
}

// String returns the override for name, or def if unset.
func (e *AddonEnv) String(name, def string) string {
	if v, ok := os.LookupEnv(e.key(name)); ok {
		return v
	}
	return def
}

// Float64 returns the override for name parsed as a float64, or def if
// unset or unparsable.
func (e *AddonEnv) Float64(name string, def float64) float64 {
	v, ok := os.LookupEnv(e.key(name))
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// Int returns the override for name parsed as an int, or def if unset or
// unparsable.
func (e *AddonEnv) Int(name string, def int) int {
	v, ok := os.LookupEnv(e.key(name))
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
