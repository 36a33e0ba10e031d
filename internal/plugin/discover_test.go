package plugin

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscoverAddonPaths(t *testing.T) {
	root := t.TempDir()

	mustWrite := func(rel string) {
		full := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755), "mkdir")
		require.NoError(t, os.WriteFile(full, []byte("fake"), 0o644), "write")
	}

	mustWrite("dummy/dummy.so")
	mustWrite("soapy/soapy.so")
	mustWrite("soapy/soapy.manifest.toml")
	mustWrite("notes.txt")
	mustWrite("direct.so")
	// second level deep should NOT be discovered
	mustWrite("nested/too/deep.so")

	got := DiscoverAddonPaths([]string{root})
	sort.Strings(got)

	want := []string{
		filepath.Join(root, "direct.so"),
		filepath.Join(root, "dummy", "dummy.so"),
		filepath.Join(root, "soapy", "soapy.so"),
	}
	sort.Strings(want)

	require.Equal(t, want, got)
}

func TestManifestPathDerivation(t *testing.T) {
	require.Equal(t, "addons/dummy/dummy.manifest.toml", manifestPath("addons/dummy/dummy.so"))
}
