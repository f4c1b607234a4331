package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// Point the home lookup at an empty directory so no real config file
	// leaks into the test.
	t.Setenv("ORBITMESH_HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.False(t, cfg.Debug)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "orbitmesh.db", cfg.Server.StorePath)
	assert.True(t, cfg.Server.EnableWalMode)
	assert.True(t, cfg.Server.AutoMigrate)
	assert.Equal(t, 16, cfg.Server.Workers)
	assert.Equal(t, time.Hour, cfg.Server.JobTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.NotifierTimeout)

	assert.Equal(t, "ws://127.0.0.1:8080/ws/agent", cfg.Agent.ServerURL)
	assert.Equal(t, 15*time.Second, cfg.Agent.HeartbeatInterval)
	assert.False(t, cfg.Agent.EnableShellExecution)
	assert.NotEmpty(t, cfg.Agent.Name)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
debug = true

[server]
listen_addr = ":9090"
store_path = ":memory:"
workers = 4

[agent]
name = "ci-runner"
server_url = "ws://orbitmesh.internal:9090/ws/agent"
tags = ["linux", "ci"]
capabilities = ["docker"]
enable_shell_execution = true
heartbeat_interval = "5s"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, ":memory:", cfg.Server.StorePath)
	assert.Equal(t, 4, cfg.Server.Workers)
	// Unset fields keep their defaults.
	assert.Equal(t, time.Hour, cfg.Server.JobTimeout)

	assert.Equal(t, "ci-runner", cfg.Agent.Name)
	assert.Equal(t, []string{"linux", "ci"}, cfg.Agent.Tags)
	assert.Equal(t, []string{"docker"}, cfg.Agent.Capabilities)
	assert.True(t, cfg.Agent.EnableShellExecution)
	assert.Equal(t, 5*time.Second, cfg.Agent.HeartbeatInterval)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("ORBITMESH_HOME", t.TempDir())
	t.Setenv("ORBITMESH_SERVER_LISTEN_ADDR", ":7777")
	t.Setenv("ORBITMESH_AGENT_NAME", "env-agent")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.ListenAddr)
	assert.Equal(t, "env-agent", cfg.Agent.Name)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{Workers: 8},
			Agent:  AgentConfig{ServerURL: "ws://x/ws/agent", HeartbeatInterval: time.Second},
		}
	}
	require.NoError(t, valid().Validate())

	c := valid()
	c.Server.Workers = 0
	assert.Error(t, c.Validate())

	c = valid()
	c.Server.BusyTimeout = -time.Second
	assert.Error(t, c.Validate())

	c = valid()
	c.Agent.HeartbeatInterval = 0
	assert.Error(t, c.Validate())

	c = valid()
	c.Agent.HighAvailability = true
	c.Agent.ServerURL = ""
	assert.Error(t, c.Validate())
}

func TestEndpoints(t *testing.T) {
	a := &AgentConfig{ServerURL: "ws://one/ws/agent"}
	assert.Equal(t, []string{"ws://one/ws/agent"}, a.Endpoints())

	// HA mode rotates across the listed endpoints and ignores the single URL.
	a = &AgentConfig{
		ServerURL:        "ws://one/ws/agent",
		ServerURLs:       []string{"ws://a/ws/agent", "ws://b/ws/agent"},
		HighAvailability: true,
	}
	assert.Equal(t, []string{"ws://a/ws/agent", "ws://b/ws/agent"}, a.Endpoints())

	// Without the HA flag the single URL wins.
	a.HighAvailability = false
	assert.Equal(t, []string{"ws://one/ws/agent"}, a.Endpoints())

	a = &AgentConfig{ServerURLs: []string{"ws://only-list/ws/agent"}}
	assert.Equal(t, []string{"ws://only-list/ws/agent"}, a.Endpoints())
}
