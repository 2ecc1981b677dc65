// Package commands implements the butler CLI commands using cobra.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jpogah/personal-ai-butler/pkg/butler/copilot"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "butler",
		Short: "Personal AI Butler - an assistant that runs on your machine",
		Long: `Personal AI Butler answers you on Telegram, WhatsApp, Discord or the
terminal and can operate this computer on your behalf. Risky actions
wait for your approval in the chat.

Examples:
  butler setup
  butler serve
  butler serve --channel telegram
  butler chat
  butler config set-key api_key`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
		newConfigCmd(),
		newMemoryCmd(),
		newVersionCmd(version),
		newCompletionCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the butler version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "butler %s\n", version)
		},
	}
}

// loadConfig loads the --config file, a discovered config file, or the
// defaults. The returned path is empty when no file was found.
func loadConfig(cmd *cobra.Command) (*copilot.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, path, err := copilot.LoadConfigOrDefault(configPath)
	if err != nil {
		if path != "" {
			return nil, "", fmt.Errorf("loading config from %s: %w", path, err)
		}
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// newLogger builds the process logger from the logging section. --verbose
// forces debug.
func newLogger(cmd *cobra.Command, cfg copilot.LoggingConfig, w io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
