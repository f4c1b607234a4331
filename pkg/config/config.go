// Package config loads OrbitMesh configuration from file, environment and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration shared by the server and agent binaries.
type Config struct {
	Debug  bool         `mapstructure:"debug"`
	Server ServerConfig `mapstructure:"server"`
	Agent  AgentConfig  `mapstructure:"agent"`
}

// ServerConfig configures the coordinator process.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	StorePath       string        `mapstructure:"store_path"`
	EnableWalMode   bool          `mapstructure:"enable_wal_mode"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
	Workers         int           `mapstructure:"workers"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	NotifierTimeout time.Duration `mapstructure:"notifier_timeout"`
}

// AgentConfig configures an agent process.
type AgentConfig struct {
	ServerURL            string        `mapstructure:"server_url"`
	ServerURLs           []string      `mapstructure:"server_urls"`
	Name                 string        `mapstructure:"name"`
	AccessToken          string        `mapstructure:"access_token"`
	BootstrapToken       string        `mapstructure:"bootstrap_token"`
	Tags                 []string      `mapstructure:"tags"`
	Capabilities         []string      `mapstructure:"capabilities"`
	EnableShellExecution bool          `mapstructure:"enable_shell_execution"`
	HighAvailability     bool          `mapstructure:"high_availability"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.store_path", "orbitmesh.db")
	v.SetDefault("server.enable_wal_mode", true)
	v.SetDefault("server.auto_migrate", true)
	v.SetDefault("server.busy_timeout", 5*time.Second)
	v.SetDefault("server.workers", 16)
	v.SetDefault("server.job_timeout", time.Hour)
	v.SetDefault("server.notifier_timeout", 10*time.Second)

	v.SetDefault("agent.server_url", "ws://127.0.0.1:8080/ws/agent")
	v.SetDefault("agent.server_urls", []string{})
	v.SetDefault("agent.name", defaultAgentName())
	v.SetDefault("agent.access_token", "")
	v.SetDefault("agent.bootstrap_token", "")
	v.SetDefault("agent.tags", []string{})
	v.SetDefault("agent.capabilities", []string{})
	v.SetDefault("agent.enable_shell_execution", false)
	v.SetDefault("agent.high_availability", false)
	v.SetDefault("agent.connect_timeout", 30*time.Second)
	v.SetDefault("agent.heartbeat_interval", 15*time.Second)
}

// Load reads configuration from the given path, falling back to
// $ORBITMESH_HOME/config.toml and then defaults. Environment variables
// prefixed with ORBITMESH_ override file values.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ORBITMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
		v.SetConfigFile(absPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		home := os.Getenv("ORBITMESH_HOME")
		if home == "" {
			home = expandHomePath("~/.orbitmesh")
		}
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(home)
		v.AddConfigPath(".")
		// Missing config file is fine, defaults apply.
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if c.Server.Workers <= 0 {
		return fmt.Errorf("server.workers must be positive, got %d", c.Server.Workers)
	}
	if c.Server.BusyTimeout < 0 {
		return fmt.Errorf("server.busy_timeout must not be negative")
	}
	if c.Agent.HeartbeatInterval <= 0 {
		return fmt.Errorf("agent.heartbeat_interval must be positive")
	}
	if c.Agent.HighAvailability && len(c.Agent.ServerURLs) == 0 && c.Agent.ServerURL == "" {
		return fmt.Errorf("agent.high_availability requires agent.server_urls")
	}
	return nil
}

// Endpoints returns the ordered endpoint list the agent should rotate across.
func (a *AgentConfig) Endpoints() []string {
	if a.HighAvailability && len(a.ServerURLs) > 0 {
		return a.ServerURLs
	}
	if a.ServerURL != "" {
		return []string{a.ServerURL}
	}
	return a.ServerURLs
}

func defaultAgentName() string {
	host, err := os.Hostname()
	if err != nil {
		return "agent"
	}
	return host
}

func expandHomePath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}
