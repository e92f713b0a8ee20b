package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dork-labs/relay/pkg/adapter"
	"github.com/dork-labs/relay/pkg/adapter/webhook"
	"github.com/dork-labs/relay/pkg/binding"
	"github.com/dork-labs/relay/pkg/log"
	"github.com/dork-labs/relay/pkg/metrics"
	"github.com/dork-labs/relay/pkg/relay"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "Relay - local message bus daemon",
	Long: `Relayd hosts the Relay message bus: durable Maildir mailboxes,
subject-pattern subscriptions, channel adapters, and the reliability
envelope (rate limits, circuit breakers, backpressure, dead letters)
for a single host.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Relay version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if level, _ := cmd.Flags().GetString("log-level"); cmd.Flags().Changed("log-level") {
			cfg.LogLevel = level
		}
		if jsonOut, _ := cmd.Flags().GetBool("log-json"); jsonOut {
			cfg.LogJSON = true
		}

		if err := log.Setup(log.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON}); err != nil {
			return err
		}
		return runRelay(cfg)
	},
}

func init() {
	runCmd.Flags().String("config", "", "Path to relayd config file (YAML)")
	runCmd.Flags().String("data-dir", "", "Override the data directory")
}

func runRelay(cfg *fileConfig) error {
	r, err := relay.New(cfg.relayConfig())
	if err != nil {
		return err
	}
	defer r.Stop()

	for _, subj := range cfg.Endpoints {
		if _, err := r.RegisterEndpoint(subj); err != nil {
			return fmt.Errorf("failed to register endpoint %s: %w", subj, err)
		}
	}
	for _, rc := range cfg.AccessRules {
		if err := r.AddAccessRule(rc.rule()); err != nil {
			return fmt.Errorf("failed to add access rule: %w", err)
		}
	}

	// Adapter definitions come from a watched JSON file; webhook is the
	// built-in type.
	var configWatcher *adapter.ConfigWatcher
	if cfg.AdapterConfig != "" {
		factories := map[string]adapter.Factory{
			"webhook": webhook.NewFromConfig,
		}
		configWatcher = adapter.NewConfigWatcher(cfg.AdapterConfig, r.Adapters(), factories)
		if err := configWatcher.Start(); err != nil {
			return err
		}
		defer configWatcher.Stop()
	}
	if err := r.Adapters().StartAll(); err != nil {
		return err
	}

	// The binding router maps inbound human channels onto agent
	// sessions. Without an embedded agent runtime, sessions are minted
	// locally: each one is a fresh relay.agent.{id} endpoint.
	if cfg.Bindings.File != "" {
		store, err := binding.NewStore(cfg.Bindings.File)
		if err != nil {
			return err
		}
		if err := store.Watch(); err != nil {
			return err
		}
		defer store.Stop()

		sessionsPath := cfg.Bindings.Sessions
		if sessionsPath == "" {
			sessionsPath = filepath.Join(cfg.DataDir, "sessions.db")
		}
		sessions, err := binding.OpenSessionMap(sessionsPath)
		if err != nil {
			return err
		}
		defer sessions.Close()

		router := binding.NewRouter(r, store, sessions, &localSessionFactory{relay: r})
		if err := router.Start(); err != nil {
			return err
		}
		defer router.Stop()
	}

	logger := log.Component("relayd")

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	logger.Info().Msg("relayd running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	return nil
}

// localSessionFactory mints sessions as fresh relay.agent endpoints.
// Embedders with a real agent runtime inject their own factory.
type localSessionFactory struct {
	relay *relay.Relay
}

func (f *localSessionFactory) CreateSession(agentDir string) (string, error) {
	id := uuid.NewString()
	if _, err := f.relay.RegisterEndpoint("relay.agent." + id); err != nil {
		return "", err
	}
	return id, nil
}
