package plugin

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Manifest mirrors an addon's Caps in a sibling "<name>.manifest.toml"
// file readable without loading the .so itself. The original has no
// manifest concept — Go's plugin package only resolves symbols after
// dlopen-equivalent mmap of the .so into the process, which is too heavy
// to pay just to answer "available-addons"; a cheap sidecar file lets the
// broker list what's on disk before committing to loading anything.
type Manifest struct {
	Name     string   `toml:"name"`
	Version  string   `toml:"version"`
	Consumes []string `toml:"consumes"`
	Produces []string `toml:"produces"`
	Features []string `toml:"features"`
}

// manifestPath derives "<dir>/<stem>.manifest.toml" from a ".so" path,
// e.g. "addons/dummy/dummy.so" -> "addons/dummy/dummy.manifest.toml".
func manifestPath(soPath string) string {
	stem := strings.TrimSuffix(soPath, ".so")
	return stem + ".manifest.toml"
}

// ReadManifest loads the manifest sitting next to soPath, if any.
func ReadManifest(soPath string) (*Manifest, error) {
	path := manifestPath(soPath)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("plugin: parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// FeatBits folds Features string names ("iq", "pcm", "ui") into the
// PH_FEAT_* bitset.
func (m *Manifest) FeatBits() uint32 {
	var bits uint32
	for _, f := range m.Features {
		switch strings.ToLower(f) {
		case "iq":
			bits |= FeatIQ
		case "pcm":
			bits |= FeatPCM
		case "ui":
			bits |= FeatUI
		}
	}
	return bits
}
