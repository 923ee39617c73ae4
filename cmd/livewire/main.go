package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/leonletto/livewire/internal/client"
	"github.com/leonletto/livewire/internal/config"
	"github.com/leonletto/livewire/internal/logging"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	// Global flags.
	flagConfig      string
	flagServer      string
	flagCredentials string
	flagLogLevel    string
	flagJSON        bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "livewire",
		Short: "Realtime envelope messaging over websockets",
		Long: `livewire talks to a realtime backend over an authenticated websocket.

It sends emits, broadcasts and requests, listens for server pushes, and
keeps a local SQLite mirror of server-side state in sync across
reconnects and backend restarts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "livewire.yaml", "Config file")
	root.PersistentFlags().StringVar(&flagServer, "server", "", "Websocket URL (or LIVEWIRE_SERVER_URL)")
	root.PersistentFlags().StringVar(&flagCredentials, "credentials", "", "Credential endpoint URL (or LIVEWIRE_CREDENTIAL_URL)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (or LIVEWIRE_LOG_LEVEL)")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")

	root.Version = Version
	root.SetVersionTemplate("livewire v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	root.AddCommand(listenCmd())
	root.AddCommand(emitCmd())
	root.AddCommand(broadcastCmd())
	root.AddCommand(requestCmd())
	root.AddCommand(requestAllCmd())
	root.AddCommand(syncCmd())
	root.AddCommand(devpeerCmd())
	root.AddCommand(versionCmd())
	return root
}

// loadConfig resolves file and environment settings, then applies the
// global flags on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagServer != "" {
		cfg.Server.URL = flagServer
	}
	if flagCredentials != "" {
		cfg.Server.CredentialURL = flagCredentials
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *zap.Logger {
	return logging.New(os.Stderr, logging.ParseLevel(cfg.Log.Level))
}

// newClient builds a validated client from the resolved configuration.
func newClient(cfg *config.Config, logger *zap.Logger) (*client.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return client.New(cfg.ClientConfig(), client.WithLogger(logger))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// printResult writes v as indented JSON when --json is set or stdout is
// not a terminal; otherwise human is called.
func printResult(w io.Writer, v any, human func(io.Writer)) error {
	if flagJSON || !isTerminal(w) {
		enc := json.NewEncoder(w)
		if flagJSON {
			enc.SetIndent("", "  ")
		}
		return enc.Encode(v)
	}
	human(w)
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show livewire version",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":    Version,
				"build":      Build,
				"go_version": goruntime.Version(),
			}
			return printResult(cmd.OutOrStdout(), info, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "livewire v%s (build: %s, %s)\n", Version, Build, goruntime.Version())
			})
		},
	}
}
