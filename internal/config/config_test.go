package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "phasehound.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644), "write config")
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
[broker]
log_level = "info"
`)
	c, err := Load(path)
	require.NoError(t, err, "load")
	require.Equal(t, "/tmp/phasehound.sock", c.Broker.SockPath)
	require.Len(t, c.Broker.AddonsDirs, 3)
}

func TestLoadExplicitFields(t *testing.T) {
	path := writeConfig(t, `
[broker]
sock_path = "/run/phasehound/core.sock"
addons_dirs = ["/opt/phasehound/addons"]
max_frame_payload = "128KB"
log_level = "debug"

[addons.soapy]
enabled = true

[addons.audiosink]
enabled = false
`)
	c, err := Load(path)
	require.NoError(t, err, "load")
	require.Equal(t, "/run/phasehound/core.sock", c.Broker.SockPath)
	require.Equal(t, []string{"/opt/phasehound/addons"}, c.Broker.AddonsDirs)
	require.True(t, c.Addons["soapy"].Enabled, "expected soapy enabled")
	require.False(t, c.Addons["audiosink"].Enabled, "expected audiosink disabled")

	n, err := c.Broker.MaxFramePayloadBytes()
	require.NoError(t, err, "max frame payload")
	require.EqualValues(t, 128*1024, n)
}

func TestMaxFramePayloadBytesDefault(t *testing.T) {
	var b BrokerConfig
	n, err := b.MaxFramePayloadBytes()
	require.NoError(t, err)
	require.EqualValues(t, 64*1024, n)
}

func TestMaxFramePayloadBytesInvalid(t *testing.T) {
	b := BrokerConfig{MaxFramePayload: "not-a-size"}
	_, err := b.MaxFramePayloadBytes()
	require.Error(t, err, "expected error parsing invalid size")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err, "expected error loading missing file")
}
