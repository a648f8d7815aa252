package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/phantomvault/phantomd/internal/logger"
	"github.com/phantomvault/phantomd/pkg/config"
	"github.com/phantomvault/phantomd/pkg/server"
)

// version is overridden at build time via -ldflags "-X main.version=..."
var version = "dev"

const (
	exitOK        = 0
	exitInitError = 1
	exitPrivError = 2
)

var (
	flagConfig   string
	flagLogLevel string
	flagPort     int
	flagForce    bool
)

var rootCmd = &cobra.Command{
	Use:   "phantomd",
	Short: "phantomd - profile-scoped encrypted folder vault daemon",
	Long: `phantomd locks folders into per-profile encrypted vaults and serves a
loopback control plane for local clients.

Locked folders disappear from their original location and live as
authenticated ciphertext inside the vault until unlocked with the
profile's master key. Temporary unlocks are swept back into the vault
at daemon startup and shutdown.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			path string
			err  error
		)
		if flagConfig != "" {
			path = flagConfig
			err = config.InitConfigToPath(path, flagForce)
		} else {
			path, err = config.InitConfig(flagForce)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", path)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the phantomd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("phantomd %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "control plane port")
	initCmd.Flags().BoolVar(&flagForce, "force", false, "overwrite an existing config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDaemon() error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// CLI flags override file and environment
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagPort != 0 {
		cfg.Control.Port = flagPort
	}

	logger.SetLevel(cfg.Logging.Level)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		return fmt.Errorf("failed to configure log output: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv, err := server.New(ctx, cfg, version)
	if err != nil {
		return err
	}

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "phantomd: %v\n", err)
		if errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
			os.Exit(exitPrivError)
		}
		os.Exit(exitInitError)
	}
	os.Exit(exitOK)
}
