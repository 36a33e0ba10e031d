package plugin

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultRoots are the directories scanned for addons, in order, matching
// scan_addon_paths: two dedicated addon directories plus the working
// directory itself, each searched one level deep into subdirectories.
var DefaultRoots = []string{"./src/addons", "./addons", "./"}

// DiscoverAddonPaths walks roots the same way scan_addon_paths does: for
// each root, every regular ".so" file directly inside it is a candidate,
// and every subdirectory is searched one level deeper (but no further) for
// more ".so" files. Unreadable roots are skipped rather than erroring, so
// a broker started without an addons/ directory still starts cleanly.
func DiscoverAddonPaths(roots []string) []string {
	var found []string
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".") {
				continue
			}
			full := filepath.Join(root, e.Name())
			if e.IsDir() {
				found = append(found, scanOneLevel(full)...)
				continue
			}
			if isReadableSO(full) {
				found = append(found, full)
			}
		}
	}
	return found
}

func scanOneLevel(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var found []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		full := filepath.Join(dir, e.Name())
		if isReadableSO(full) {
			found = append(found, full)
		}
	}
	return found
}

func isReadableSO(path string) bool {
	if !strings.HasSuffix(path, ".so") {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
