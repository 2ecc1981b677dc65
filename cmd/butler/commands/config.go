package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jpogah/personal-ai-butler/pkg/butler/copilot"
)

// newConfigCmd creates `butler config` and its subcommands.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration and secrets",
		Long: `Manage the butler configuration.

Secrets (api_key, telegram_token, discord_token) live in the OS keyring.

Examples:
  butler config path
  butler config check
  butler config set-key api_key
  butler config delete-key telegram_token`,
	}

	cmd.AddCommand(
		newConfigPathCmd(),
		newConfigCheckCmd(),
		newConfigSetKeyCmd(),
		newConfigDeleteKeyCmd(),
	)
	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show which config file is used",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "no config file found (using defaults); run 'butler setup'")
				return nil
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				abs = path
			}
			fmt.Fprintln(cmd.OutOrStdout(), abs)
			return nil
		},
	}
}

func newConfigCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and report where secrets come from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range []string{copilot.KeyAPIKey, copilot.KeyTelegramToken, copilot.KeyDiscordToken} {
				source := "not in keyring"
				if copilot.GetKeyring(name) != "" {
					source = "OS keyring"
				}
				fmt.Fprintf(out, "%-15s %s\n", name, source)
			}

			logger := newLogger(cmd, copilot.LoggingConfig{Level: "error"}, cmd.ErrOrStderr())
			if err := copilot.ResolveSecrets(cfg, logger); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config:\n%w", err)
			}
			fmt.Fprintln(out, "✅ config is valid")
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "set-key <name>",
		Short:     "Store a secret in the OS keyring",
		Long:      "Prompts for the secret without echo. Names: api_key, telegram_token, discord_token.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{copilot.KeyAPIKey, copilot.KeyTelegramToken, copilot.KeyDiscordToken},
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !copilot.KnownSecret(name) {
				return fmt.Errorf("unknown secret %q", name)
			}
			value, err := copilot.ReadPassword(fmt.Sprintf("%s: ", name))
			if err != nil {
				return err
			}
			if strings.TrimSpace(value) == "" {
				return fmt.Errorf("%s must not be empty", name)
			}
			if err := copilot.StoreKeyring(name, value); err != nil {
				return fmt.Errorf("storing %s in the keyring: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "🔑 %s stored in the OS keyring\n", name)
			return nil
		},
	}
}

func newConfigDeleteKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-key <name>",
		Short: "Remove a secret from the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !copilot.KnownSecret(name) {
				return fmt.Errorf("unknown secret %q", name)
			}
			if err := copilot.DeleteKeyring(name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s removed from the OS keyring\n", name)
			return nil
		},
	}
}
