package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"modbot/gateway/telegram"
	"modbot/gateway/websocket"
	"modbot/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "modbot "+version+"\n", out)
}

func TestModulesCommand(t *testing.T) {
	dir := t.TempDir()
	modulesDir := filepath.Join(dir, "mods")

	out, err := execute(t, "modules",
		"--config", filepath.Join(dir, "bot.yml"),
		"--env-file", "",
		"--modules-dir", modulesDir)
	require.NoError(t, err)

	assert.Contains(t, out, "Modules in "+modulesDir)
	assert.Contains(t, out, "ping 1.0.0")
	assert.Contains(t, out, "[HIGH, builtin]")
	assert.DirExists(t, modulesDir)
}

func TestLoadConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bot.yml")
	require.NoError(t, os.WriteFile(path, []byte("mode: daemon\ngateway: websocket\n"), 0o600))

	cfg, err := loadConfig(&rootOptions{configPath: path, modulesDir: "elsewhere", mode: "interactive"})
	require.NoError(t, err)
	assert.Equal(t, config.ModeInteractive, cfg.Mode)
	assert.Equal(t, "elsewhere", cfg.Modules.Dir)
	assert.Equal(t, config.GatewayWebSocket, cfg.Gateway)

	_, err = loadConfig(&rootOptions{configPath: path, mode: "sideways"})
	assert.ErrorContains(t, err, "invalid mode")
}

func TestNewBuilderFollowsConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.IsType(t, &telegram.Builder{}, newBuilder(cfg, nil))

	cfg.Gateway = config.GatewayWebSocket
	assert.IsType(t, &websocket.Builder{}, newBuilder(cfg, nil))
}
