package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadSingleServer(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "servers.json", `{
		"workspaceDir": "/work",
		"servers": [
			{
				"extensions": ["ts", "tsx"],
				"command": ["npx", "--", "typescript-language-server", "--stdio"],
				"restartInterval": 5
			}
		]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/work", cfg.WorkspaceDir)
	require.Len(t, cfg.Descriptors, 1)

	d := cfg.Descriptors[0]
	assert.Equal(t, "npx", d.Command)
	assert.Equal(t, []string{"--", "typescript-language-server", "--stdio"}, d.Args)
	assert.Equal(t, []string{"ts", "tsx"}, d.Extensions)
	assert.Equal(t, "/work", d.WorkspaceDir)
	assert.Equal(t, 5*time.Minute, d.RestartInterval)
}

func TestLoadKeepsExplicitRootDir(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "servers.json", `{
		"workspaceDir": "/work",
		"servers": [{"extensions": ["go"], "command": ["gopls"], "rootDir": "/work/sub"}]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/work/sub", cfg.Descriptors[0].WorkspaceDir)
}

func TestLoadOmittedRestartIntervalNeverRecycles(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "servers.json", `{
		"workspaceDir": "/work",
		"servers": [{"extensions": ["go"], "command": ["gopls"], "restartInterval": 0}]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.Descriptors[0].RestartInterval)
}

func TestLoadClampsRestartIntervalFloor(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "servers.json", `{
		"workspaceDir": "/work",
		"servers": [{"extensions": ["go"], "command": ["gopls"], "restartInterval": 0.01}]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, minRestartInterval, cfg.Descriptors[0].RestartInterval)
}

func TestLoadKeepsEachServersOwnRestartInterval(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "servers.json", `{
		"workspaceDir": "/work",
		"servers": [
			{"extensions": ["go"], "command": ["gopls"], "restartInterval": 10},
			{"extensions": ["rs"], "command": ["rust-analyzer"], "restartInterval": 2}
		]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.Descriptors[0].RestartInterval)
	assert.Equal(t, 2*time.Minute, cfg.Descriptors[1].RestartInterval)
}

func TestLoadRejectsMissingWorkspaceDir(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "servers.json", `{"servers": [{"extensions": ["go"], "command": ["gopls"]}]}`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsEmptyCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "servers.json", `{
		"workspaceDir": "/work",
		"servers": [{"extensions": ["go"], "command": []}]
	}`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMergesDescriptorsWithIdenticalCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "servers.json", `{
		"workspaceDir": "/work",
		"servers": [
			{"extensions": ["go"], "command": ["gopls"]},
			{"extensions": ["gomod", "GO"], "command": ["gopls"]}
		]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Descriptors, 1, "identical command lists are the same server instance")
	assert.Equal(t, []string{"go", "gomod"}, cfg.Descriptors[0].Extensions)
}

func TestLoadRejectsNoServers(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "servers.json", `{"workspaceDir": "/work", "servers": []}`)

	_, err := Load(path)
	assert.Error(t, err)
}
