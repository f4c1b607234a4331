// Command orbitmesh-server runs the OrbitMesh coordinator: definition
// registry, workflow engine, agent session hub and REST API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orbitmesh/orbitmesh/api"
	"github.com/orbitmesh/orbitmesh/pkg/config"
	"github.com/orbitmesh/orbitmesh/pkg/log"
	"github.com/orbitmesh/orbitmesh/pkg/notify"
	"github.com/orbitmesh/orbitmesh/pkg/scheduler"
	"github.com/orbitmesh/orbitmesh/pkg/session"
	"github.com/orbitmesh/orbitmesh/pkg/store"
	"github.com/orbitmesh/orbitmesh/pkg/workflow"
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
	listenAddr     string
	bootstrapToken string
	cfg            *config.Config
	version        = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "orbitmesh-server",
	Short: "OrbitMesh workload orchestration server",
	Long: `The OrbitMesh server registers workflow definitions, drives workflow
instances through their steps and dispatches jobs to connected agents over
the binary websocket protocol.`,
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
		if listenAddr != "" {
			cfg.Server.ListenAddr = listenAddr
		}
		log.SetDebug(cfg.Debug)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("orbitmesh-server %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file path (default: ~/.orbitmesh/config.toml)")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address override")
	rootCmd.Flags().StringVar(&bootstrapToken, "bootstrap-token", "", "enrollment secret for new agents")
	rootCmd.AddCommand(versionCmd)
}

func serve() error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	registry := workflow.NewRegistry(st)
	notifier := notify.NewWebhookNotifier(cfg.Server.NotifierTimeout)
	engine := workflow.NewEngine(st, registry, notifier, workflow.EngineConfig{
		Workers:           cfg.Server.Workers,
		DefaultJobTimeout: cfg.Server.JobTimeout,
	})

	token := bootstrapToken
	if token == "" {
		token = os.Getenv("ORBITMESH_BOOTSTRAP_TOKEN")
	}
	hub := session.NewHub(st, session.Config{BootstrapToken: token})
	hub.SetResultSink(engine)
	engine.SetDispatcher(hub)

	sched := scheduler.New(registry, engine)
	server := api.NewServer(cfg.Server.ListenAddr, engine, registry, st, hub, sched)

	hub.Start()
	if err := engine.Start(context.Background()); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		return fmt.Errorf("scheduler start: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", "error", err)
	}
	sched.Stop()
	hub.Stop()
	engine.Stop()
	return nil
}

func openStore() (workflow.Store, error) {
	if cfg.Server.StorePath == "" || cfg.Server.StorePath == ":memory:" {
		return store.NewMemoryStore(), nil
	}
	return store.NewSQLiteStore(store.SQLiteOptions{
		Path:          cfg.Server.StorePath,
		EnableWalMode: cfg.Server.EnableWalMode,
		BusyTimeout:   cfg.Server.BusyTimeout,
		AutoMigrate:   cfg.Server.AutoMigrate,
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}
