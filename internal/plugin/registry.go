package plugin

import (
	"fmt"
	goplugin "plugin"
	"sync"
)

// Loaded is one addon's state in the registry: its resolved symbols, the
// capabilities it reported from PluginInit, and the path it was loaded
// from (kept for diagnostics, matching plug_t.path).
type Loaded struct {
	Name  string
	Path  string
	Caps  Caps
	start StartFunc
	stop  StopFunc
}

// Registry is the process-wide, mutex-guarded table of loaded addons —
// the Go analogue of plugtab_t. One lock for the whole table, matching
// feedtable's and the original's own single-mutex choice for a table this
// small.
type Registry struct {
	mu sync.Mutex
	v  []*Loaded
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) findLocked(name string) int {
	for i, p := range r.v {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Find reports whether name is currently loaded.
func (r *Registry) Find(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(name) >= 0
}

// List returns a snapshot of every loaded addon's name/path/caps, in load
// order, matching plugtab iteration order for the "plugins" CLI verb.
func (r *Registry) List() []Loaded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Loaded, len(r.v))
	for i, p := range r.v {
		out[i] = *p
	}
	return out
}

// LoadFromPath opens the .so at path via Go's plugin package, resolves the
// four required symbols, calls PluginInit with ctx, and — on success —
// starts it and adds it to the registry. Mirrors load_plugin_from_path's
// dlopen/dlsym/init/start sequence and its ABI/caps rejection rules,
// substituting plugin.Open/Lookup for dlopen/dlsym.
func (r *Registry) LoadFromPath(path string, ctx Ctx) (*Loaded, error) {
	pl, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: open %s: %w", path, err)
	}

	nameSym, err := pl.Lookup(SymbolName)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: missing %s: %w", path, SymbolName, err)
	}
	initSym, err := pl.Lookup(SymbolInit)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: missing %s: %w", path, SymbolInit, err)
	}
	startSym, err := pl.Lookup(SymbolStart)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: missing %s: %w", path, SymbolStart, err)
	}
	stopSym, err := pl.Lookup(SymbolStop)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: missing %s: %w", path, SymbolStop, err)
	}

	nameFn, ok := nameSym.(NameFunc)
	if !ok {
		return nil, fmt.Errorf("plugin: %s: %s has wrong signature", path, SymbolName)
	}
	initFn, ok := initSym.(InitFunc)
	if !ok {
		return nil, fmt.Errorf("plugin: %s: %s has wrong signature", path, SymbolInit)
	}
	startFn, ok := startSym.(StartFunc)
	if !ok {
		return nil, fmt.Errorf("plugin: %s: %s has wrong signature", path, SymbolStart)
	}
	stopFn, ok := stopSym.(StopFunc)
	if !ok {
		return nil, fmt.Errorf("plugin: %s: %s has wrong signature", path, SymbolStop)
	}

	name := nameFn()

	r.mu.Lock()
	if r.findLocked(name) >= 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("plugin: %s already loaded, skipping %s", name, path)
	}
	r.mu.Unlock()

	ctx.Name = name
	caps, ok := initFn(ctx)
	if !ok {
		return nil, fmt.Errorf("plugin: %s: PluginInit failed", name)
	}
	if caps.Name == "" {
		caps.Name = name
	}
	if caps.Version == "" {
		caps.Version = "(unknown)"
	}

	if !startFn() {
		stopFn()
		return nil, fmt.Errorf("plugin: %s: PluginStart failed", name)
	}

	loaded := &Loaded{Name: name, Path: path, Caps: caps, start: startFn, stop: stopFn}

	r.mu.Lock()
	if r.findLocked(name) >= 0 {
		r.mu.Unlock()
		stopFn()
		return nil, fmt.Errorf("plugin: %s loaded concurrently, discarding %s", name, path)
	}
	r.v = append(r.v, loaded)
	r.mu.Unlock()

	return loaded, nil
}

// UnloadByName stops and removes a loaded addon. Go's plugin package has
// no dlclose equivalent — .so code stays mapped for the life of the
// process — so unlike unload_plugin_by_name this only calls PluginStop and
// drops the registry entry; the mapping itself is not reclaimed.
func (r *Registry) UnloadByName(name string) error {
	r.mu.Lock()
	idx := r.findLocked(name)
	if idx < 0 {
		r.mu.Unlock()
		return fmt.Errorf("plugin: %s not loaded", name)
	}
	p := r.v[idx]
	r.v = append(r.v[:idx], r.v[idx+1:]...)
	r.mu.Unlock()

	if p.stop != nil {
		p.stop()
	}
	return nil
}

// StopAll stops every loaded addon in reverse load order (last loaded,
// first stopped), then clears the registry. Used on broker shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	v := r.v
	r.v = nil
	r.mu.Unlock()

	for i := len(v) - 1; i >= 0; i-- {
		if v[i].stop != nil {
			v[i].stop()
		}
	}
}
