// Package cmd implements the keysync CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmylchreest/keysync/internal/config"
	"github.com/jmylchreest/keysync/internal/observability"
	"github.com/jmylchreest/keysync/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "keysync",
	Short:   "Key synchronisation and fMP4 fragment decryption",
	Version: version.Version,
	Long: `keysync receives rotating content keys over MQTT and an HTTP key index,
matches them to fragmented MP4 segments by media time, and decrypts the
segment payloads in place for a downstream media pipeline.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Flags are not bound to viper. They override config and env only when
	// set explicitly, see applyLoggingFlags.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml, /etc/keysync/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// loadConfig loads the configuration and applies explicitly set flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	applyLoggingFlags(cmd.Flags(), &cfg.Logging)
	return cfg, nil
}

// applyLoggingFlags gives --log-level and --log-format precedence over env
// and config file values, but only when the user passed them.
func applyLoggingFlags(flags *pflag.FlagSet, logCfg *config.LoggingConfig) {
	if flags.Changed("log-level") {
		logCfg.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		logCfg.Format, _ = flags.GetString("log-format")
	}
	logCfg.Level = strings.ToLower(logCfg.Level)
	logCfg.Format = strings.ToLower(logCfg.Format)
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}
}

// initLogging installs the redacting logger as the slog default.
func initLogging(logCfg config.LoggingConfig) *slog.Logger {
	logger := observability.NewLoggerWithWriter(logCfg, os.Stderr).
		With(slog.String("app", version.ApplicationName))
	slog.SetDefault(logger)
	return logger
}
