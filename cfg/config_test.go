package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalConfigRoundTripsThroughToml(t *testing.T) {
	want := DefaultGlobalConfig("default")
	raw, err := MarshalGlobal(want)
	require.NoError(t, err)

	got, err := LoadGlobal(raw)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLocalConfigRoundTripsThroughToml(t *testing.T) {
	want := DefaultLocalConfig("host-a", "127.0.0.1:8081", "/mnt/pod")
	want.KnownPeers = []string{"127.0.0.1:8082", "127.0.0.1:8083"}
	raw, err := MarshalLocal(want)
	require.NoError(t, err)

	got, err := LoadLocal(raw)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	c := Config{}
	assert.Error(t, c.Validate())

	c.Local = DefaultLocalConfig("host-a", "127.0.0.1:8081", "/mnt/pod")
	c.Global = DefaultGlobalConfig("default")
	assert.NoError(t, c.Validate())

	c.Global.RedundancyFactor = 0
	assert.Error(t, c.Validate())
}

func TestLoadFileReadsTomlConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pod.toml")
	contents := []byte(`
hostname = "host-a"
bind-url = "127.0.0.1:8081"
mount-point = "/mnt/pod"
network-name = "office"
redundancy-factor = 3
`)
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	got, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "host-a", got.Local.Hostname)
	assert.Equal(t, "127.0.0.1:8081", got.Local.BindURL)
	assert.Equal(t, "/mnt/pod", got.Local.MountPoint)
	assert.Equal(t, "office", got.Global.NetworkName)
	assert.Equal(t, 3, got.Global.RedundancyFactor)
}
