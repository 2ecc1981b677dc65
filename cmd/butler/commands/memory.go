package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jpogah/personal-ai-butler/pkg/butler/copilot"
	"github.com/jpogah/personal-ai-butler/pkg/butler/copilot/memory"
)

// newMemoryCmd creates `butler memory` for inspecting remembered facts.
func newMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and edit what the butler remembers",
		Long: `Facts are stored per sender and channel. Use --channel and --sender to pick
whose memories to show; the terminal sender is "local".

Examples:
  butler memory list
  butler memory list --channel telegram --sender 123456789
  butler memory forget favorite_color --channel telegram --sender 123456789`,
	}

	cmd.PersistentFlags().String("channel", "terminal", "channel the facts belong to")
	cmd.PersistentFlags().String("sender", "local", "sender id on that channel")

	cmd.AddCommand(newMemoryListCmd(), newMemoryForgetCmd())
	return cmd
}

func newMemoryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List remembered facts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, store *memory.SQLiteStore, channel, sender string) error {
				facts, err := store.ListFacts(ctx, sender, channel)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(facts) == 0 {
					fmt.Fprintf(out, "No memories stored for %s on %s.\n", sender, channel)
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tVALUE\tUPDATED")
				for _, f := range facts {
					fmt.Fprintf(w, "%s\t%s\t%s\n", f.Key, f.Value, humanize.Time(f.UpdatedAt))
				}
				return w.Flush()
			})
		},
	}
}

func newMemoryForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <key>",
		Short: "Delete a remembered fact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.Join(strings.Fields(strings.ToLower(args[0])), "_")
			return withStore(cmd, func(ctx context.Context, store *memory.SQLiteStore, channel, sender string) error {
				removed, err := store.DeleteFact(ctx, sender, channel, key)
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("nothing stored under %q for %s on %s", key, sender, channel)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Forgotten: %s\n", key)
				return nil
			})
		},
	}
}

// withStore opens the conversation database named in the config for fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store *memory.SQLiteStore, channel, sender string) error) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	channel, _ := cmd.Flags().GetString("channel")
	sender, _ := cmd.Flags().GetString("sender")

	logger := newLogger(cmd, copilot.LoggingConfig{Level: "error"}, cmd.ErrOrStderr())
	store, err := memory.NewSQLiteStore(cfg.Memory.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("opening %s: %w", cfg.Memory.DatabasePath, err)
	}
	defer store.Close()

	return fn(cmd.Context(), store, channel, sender)
}
