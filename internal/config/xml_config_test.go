package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, 8089, cfg.Server.Port)
	assert.Equal(t, filepath.Join(dir, "data", "uploads"), cfg.Storage.UploadsDirectory)
	assert.Equal(t, filepath.Join(dir, "robots"), cfg.Storage.LibraryDirectory)
	assert.Empty(t, cfg.Loading.PackageMapFile)
}

func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(`<RobotViewer>
  <Server><Port>9000</Port></Server>
  <Loading><PackageMapFile>packages.yaml</PackageMapFile></Loading>
</RobotViewer>`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.BindAddress)
	assert.Equal(t, 4, cfg.Loading.TextureConcurrency)
	assert.Equal(t, filepath.Join(dir, "packages.yaml"), cfg.Loading.PackageMapFile)
	assert.Equal(t, "0.0.0.0:9000", cfg.GetServerAddr())
}

func TestEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "elsewhere")
	t.Setenv("PORT", "7000")
	t.Setenv("DATA_DIR", data)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ROBOT_LIBRARY_DIR", "/srv/robots")

	cfg, err := LoadConfig(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, data, cfg.Storage.DataDirectory)
	assert.Equal(t, filepath.Join(data, "catalog"), cfg.Storage.CatalogDirectory)
	assert.Equal(t, "debug", cfg.Advanced.LogLevel)
	assert.Equal(t, "/srv/robots", cfg.Storage.LibraryDirectory)
}

func TestLoadConfigRejectsMalformedXML(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("<RobotViewer><Server>"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnsureDirectories(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, cfg.Storage.CatalogDirectory)
	assert.DirExists(t, cfg.Storage.LibraryDirectory)
}
