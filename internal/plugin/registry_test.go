package plugin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckABI(t *testing.T) {
	require.NoError(t, CheckABI(Ctx{ABIMajor: ABIMajor, ABIMinor: ABIMinor}), "exact match should pass")
	require.NoError(t, CheckABI(Ctx{ABIMajor: ABIMajor, ABIMinor: 0}), "minor 0 should pass")
	require.Error(t, CheckABI(Ctx{ABIMajor: ABIMajor + 1, ABIMinor: ABIMinor}), "expected error on major mismatch")
	require.Error(t, CheckABI(Ctx{ABIMajor: ABIMajor, ABIMinor: ABIMinor + 1}), "expected error on newer-than-understood minor")
}

func TestRegistryFindListUnloadStopOrder(t *testing.T) {
	r := NewRegistry()

	var stopped []string
	mkStop := func(name string) StopFunc {
		return func() { stopped = append(stopped, name) }
	}

	r.v = append(r.v,
		&Loaded{Name: "dummy", Path: "addons/dummy/dummy.so", stop: mkStop("dummy")},
		&Loaded{Name: "soapy", Path: "addons/soapy/soapy.so", stop: mkStop("soapy")},
		&Loaded{Name: "wfmd", Path: "addons/wfmd/wfmd.so", stop: mkStop("wfmd")},
	)

	require.True(t, r.Find("soapy"), "expected soapy to be found")
	require.False(t, r.Find("audiosink"), "audiosink should not be found")

	list := r.List()
	require.Len(t, list, 3)
	require.Equal(t, "dummy", list[0].Name)
	require.Equal(t, "wfmd", list[2].Name)

	require.NoError(t, r.UnloadByName("soapy"))
	require.False(t, r.Find("soapy"), "soapy should be gone after unload")
	require.Equal(t, []string{"soapy"}, stopped)

	require.Error(t, r.UnloadByName("soapy"), "expected error unloading an already-unloaded addon")

	r.StopAll()
	require.Equal(t, []string{"soapy", "wfmd", "dummy"}, stopped, "expected reverse load order")
	require.Empty(t, r.List())
}

func TestManifestFeatBits(t *testing.T) {
	m := &Manifest{Features: []string{"iq", "ui"}}
	require.Equal(t, FeatIQ|FeatUI, m.FeatBits())
}
