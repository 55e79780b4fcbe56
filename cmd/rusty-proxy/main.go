// Package main provides the CLI entry point for the rusty-proxy relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/rusty-proxy/internal/config"
	"github.com/postalsys/rusty-proxy/internal/logging"
	"github.com/postalsys/rusty-proxy/internal/server"
)

var (
	// Version is set at build time
	Version = "dev"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rusty-proxy",
		Short: "rusty-proxy - content-sniffing TCP relay",
		Long: `rusty-proxy answers every connection with an HTTP 101 line, looks at
the first bytes the client sends and relays the connection to the SSH,
UDP gateway or OpenVPN backend accordingly.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	def := config.Default()
	flags := cmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	flags.Int(config.ArgPort, def.Listen.Port, "Port to listen on")
	flags.String(config.ArgStatus, def.Handshake.Status, "Status text sent in the 101 response line")
	flags.String(config.ArgUDPGW, def.Backends.UDPGW, "UDP gateway backend address (host:port)")
	flags.Bool(config.ArgIPv4Only, def.Listen.IPv4Only, "Listen on 0.0.0.0 only instead of dual stack [::]")
	flags.String(config.ArgLogLevel, def.Log.Level, "Log level (debug, info, warn, error)")
	flags.String(config.ArgLogFormat, def.Log.Format, "Log format (text, json, auto)")

	cmd.AddCommand(versionCmd())
	cmd.AddCommand(configCmd(&configPath))

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rusty-proxy %s\n", Version)
		},
	}
}

func configCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Print the configuration that results from defaults, the config file and flags.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}
}

// loadConfig layers explicitly set flags over the config file, or over the
// defaults when no file is given.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if err := cfg.ApplyArgs(config.FlagArgs(cmd.Flags())); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	srv := server.New(server.NewConfig(cfg, logger), nil)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.StopWithContext(ctx); err != nil {
		logger.Warn("shutdown incomplete", logging.KeyError, err)
	}
	return nil
}
