package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesFileValuesAndDefaults(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	path := filepath.Join(dir, "memnet.yaml")
	data := []byte("network:\n  listen_addr: \"0.0.0.0:9999\"\ngovernor:\n  hot_min: 8\n")
	require.NoError(t, os.WriteFile(path, data, 0600))

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", cfg.Network.ListenAddr)
	require.Equal(t, 8, cfg.Governor.HotMin)
	require.Equal(t, "node.key", cfg.Identity.KeyFile) // default applied
	require.Equal(t, "memnet.db", cfg.Storage.DBPath)   // default applied
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	viper.Reset()
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "")
	require.Error(t, err)
}

func TestLoadParsesBootnodes(t *testing.T) {
	viper.Reset()
	dir := t.TempDir()
	path := filepath.Join(dir, "memnet.yaml")
	data := []byte("bootnodes:\n  - node_id: \"abc\"\n    addr: \"10.0.0.1:4433\"\n")
	require.NoError(t, os.WriteFile(path, data, 0600))

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.Len(t, cfg.Bootnodes, 1)
	require.Equal(t, "10.0.0.1:4433", cfg.Bootnodes[0].Addr)
}
