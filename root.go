package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dropbox-go/internal/config"
	"github.com/tonimelisma/dropbox-go/internal/credfile"
	"github.com/tonimelisma/dropbox-go/internal/dropbox"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// loadedCfg holds the effective configuration loaded by PersistentPreRunE.
// It is available to all subcommands after the root pre-run phase completes.
var loadedCfg *config.Config

// httpClientTimeout is the default timeout for HTTP requests.
// Prevents hung connections from blocking CLI commands indefinitely.
// Longpoll requests use their own client without it.
const httpClientTimeout = 30 * time.Second

// defaultHTTPClient returns an HTTP client with a sensible timeout.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dropbox-go",
		Short:   "Dropbox CLI client",
		Long:    "A command-line client for browsing, transferring, and sharing Dropbox files.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	// Register subcommands.
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newStatCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newMvCmd())
	cmd.AddCommand(newCpCmd())
	cmd.AddCommand(newMkdirCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newShareCmd())
	cmd.AddCommand(newMediaCmd())
	cmd.AddCommand(newRevsCmd())
	cmd.AddCommand(newRestoreCmd())
	cmd.AddCommand(newWatchCmd())

	return cmd
}

// loadConfig loads the config file and environment overrides into loadedCfg
// for use by subcommands.
func loadConfig() error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return err
	}

	loadedCfg = cfg

	return nil
}

// buildLogger creates an slog.Logger configured by the loaded config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if loadedCfg != nil {
		switch loadedCfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	// CLI flags override config (highest priority).
	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	// Plain text on a terminal, JSON when piped into log collectors.
	if stderrIsTerminal() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// clientServers maps the config server overrides onto the client's.
func clientServers() dropbox.ServerConfig {
	return dropbox.ServerConfig{
		API:     loadedCfg.Servers.API,
		Content: loadedCfg.Servers.Content,
		Auth:    loadedCfg.Servers.Auth,
		Notify:  loadedCfg.Servers.Notify,
	}
}

// newClient builds an API client from saved credentials. Commands other
// than login require a completed authorization; anything less is reported
// as not logged in.
func newClient(logger *slog.Logger) (*dropbox.Client, error) {
	return newClientWith(logger, defaultHTTPClient())
}

// newClientWith is newClient with a caller-supplied HTTP client, for
// commands whose requests outlive the default timeout (longpoll).
func newClientWith(logger *slog.Logger, httpClient *http.Client) (*dropbox.Client, error) {
	creds, err := credfile.Load(loadedCfg.CredentialsPath)
	if err != nil {
		return nil, err
	}

	client := dropbox.New(dropbox.Config{
		Key:        loadedCfg.AppKey,
		Secret:     loadedCfg.AppSecret,
		HTTPClient: httpClient,
		Logger:     logger,
		Servers:    clientServers(),
	})

	if creds != nil {
		if err := client.SetCredentials(*creds); err != nil {
			if errors.Is(err, dropbox.ErrKeyMismatch) {
				return nil, fmt.Errorf("saved credentials belong to a different app key — run 'dropbox-go login' again")
			}

			return nil, err
		}
	}

	if !client.IsAuthenticated() {
		return nil, fmt.Errorf("not logged in — run 'dropbox-go login' first")
	}

	return client, nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
