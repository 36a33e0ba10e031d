package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddonEnvDefaults(t *testing.T) {
	e := LoadAddonEnv("SOAPY")
	require.Equal(t, 2.4e6, e.Float64("SAMPLE_RATE", 2.4e6))
	require.Equal(t, 0, e.Int("DEVICE_INDEX", 0))
	require.Equal(t, "rtlsdr0", e.String("DEVICE_LABEL", "rtlsdr0"))
}

func TestAddonEnvOverrides(t *testing.T) {
	t.Setenv("SOAPY_SAMPLE_RATE", "3200000")
	t.Setenv("SOAPY_DEVICE_INDEX", "2")
	t.Setenv("SOAPY_DEVICE_LABEL", "rtlsdr1")

	e := LoadAddonEnv("SOAPY")
	require.Equal(t, 3.2e6, e.Float64("SAMPLE_RATE", 0))
	require.Equal(t, 2, e.Int("DEVICE_INDEX", -1))
	require.Equal(t, "rtlsdr1", e.String("DEVICE_LABEL", ""))
}

func TestAddonEnvUnparsableFallsBackToDefault(t *testing.T) {
	t.Setenv("SOAPY_SAMPLE_RATE", "not-a-number")
	e := LoadAddonEnv("SOAPY")
	require.Equal(t, 2.4e6, e.Float64("SAMPLE_RATE", 2.4e6), "expected fallback to default on parse failure")
}
