// Command orbitmesh-agent runs a worker that connects to an OrbitMesh
// server, executes dispatched jobs and reports results.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orbitmesh/orbitmesh/pkg/agent"
	"github.com/orbitmesh/orbitmesh/pkg/config"
	"github.com/orbitmesh/orbitmesh/pkg/log"
)

// exitUpdatePending is part of the supervisor contract: the process stops
// because an update is staged and asks to be restarted.
const (
	exitOK            = 0
	exitError         = 1
	exitUpdatePending = 3
)

var (
	cfgFile        string
	serverURL      string
	bootstrapToken string
	cfg            *config.Config
	version        = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "orbitmesh-agent",
	Short: "OrbitMesh worker agent",
	Long: `The agent maintains a websocket session with an OrbitMesh server,
executes the jobs dispatched to it and streams results back. On first
contact it can enroll with a bootstrap token and receive a durable access
token.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if serverURL != "" {
			cfg.Agent.ServerURL = serverURL
		}
		if bootstrapToken != "" {
			cfg.Agent.BootstrapToken = bootstrapToken
		}
		if tok := loadSavedToken(); tok != "" && cfg.Agent.AccessToken == "" {
			cfg.Agent.AccessToken = tok
		}
		log.SetDebug(cfg.Debug)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("orbitmesh-agent %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file path (default: ~/.orbitmesh/config.toml)")
	rootCmd.Flags().StringVar(&serverURL, "server", "", "server websocket URL override")
	rootCmd.Flags().StringVar(&bootstrapToken, "bootstrap-token", "", "one-time enrollment secret")
	rootCmd.AddCommand(versionCmd)
}

func run() error {
	client := agent.New(cfg.Agent)
	client.OnAccessToken(saveToken)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	return client.Run(ctx)
}

// tokenPath is where an enrollment-granted access token is kept between
// runs.
func tokenPath() string {
	home := os.Getenv("ORBITMESH_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		home = filepath.Join(userHome, ".orbitmesh")
	}
	return filepath.Join(home, "agent.token")
}

func loadSavedToken() string {
	path := tokenPath()
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func saveToken(token string) {
	path := tokenPath()
	if path == "" {
		log.Warn("cannot determine token path, access token not persisted")
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		log.Error("persist access token", "error", err)
		return
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		log.Error("persist access token", "error", err)
		return
	}
	log.Info("access token persisted", "path", path)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}
