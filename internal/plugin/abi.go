// Package plugin implements PhaseHound's addon loader: discovery of
// compiled .so addons, ABI-gated loading via Go's plugin package (the
// direct analogue of dlopen/dlsym), and a process-wide registry tracking
// the discovered -> initialized -> running -> stopped -> unloaded
// lifecycle.
package plugin

import "fmt"

// ABIMajor/ABIMinor are this core's plugin ABI version. A loaded addon
// must report the same major and a minor no newer than this one.
const (
	ABIMajor = 1
	ABIMinor = 0
)

// Feature bits an addon's Caps may set, mirroring the PH_FEAT_* bitset.
const (
	FeatNone uint32 = 0
	FeatIQ   uint32 = 1 << 0
	FeatPCM  uint32 = 1 << 1
	FeatUI   uint32 = 1 << 2
)

// Ctx is handed to an addon's PluginInit, the Go analogue of plugin_ctx_t.
// Since a Go plugin shares its host process's address space and import
// graph, there is no ctx_size/ABI-struct-layout concern to carry — that
// field existed in the original to protect a C ABI boundary across
// independently compiled shared objects; the version check below is kept
// because addons can still be built against a different core version even
// without the memory-layout risk.
type Ctx struct {
	ABIMajor     int
	ABIMinor     int
	SockPath     string
	Name         string
	CoreFeatures uint32
}

// CheckABI reports whether ctx's ABI version is acceptable: exact major,
// minor no newer than this core understands. Mirrors ph_check_abi.
func CheckABI(ctx Ctx) error {
	if ctx.ABIMajor != ABIMajor {
		return fmt.Errorf("plugin: ABI major mismatch: addon wants %d, core is %d", ctx.ABIMajor, ABIMajor)
	}
	if ctx.ABIMinor > ABIMinor {
		return fmt.Errorf("plugin: ABI minor %d newer than core understands (%d)", ctx.ABIMinor, ABIMinor)
	}
	return nil
}

// Caps is what an addon reports back from PluginInit, the Go analogue of
// plugin_caps_t.
type Caps struct {
	Name     string
	Version  string
	Consumes []string
	Produces []string
	FeatBits uint32
}

// Symbol names a Go plugin must export, substituting capitalized
// identifiers for the original's lowercase C symbol names — Go's
// plugin.Lookup only resolves exported package-level identifiers, so
// plugin_name/plugin_init/plugin_start/plugin_stop become PluginName/
// PluginInit/PluginStart/PluginStop.
const (
	SymbolName  = "PluginName"
	SymbolInit  = "PluginInit"
	SymbolStart = "PluginStart"
	SymbolStop  = "PluginStop"
)

// NameFunc, InitFunc, StartFunc and StopFunc are the expected types behind
// each exported symbol, the Go analogue of plugin_name_fn/plugin_init_fn/
// plugin_start_fn/plugin_stop_fn.
type (
	NameFunc  = func() string
	InitFunc  = func(Ctx) (Caps, bool)
	StartFunc = func() bool
	StopFunc  = func()
)
