package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jpogah/personal-ai-butler/pkg/butler/channels/terminal"
	"github.com/jpogah/personal-ai-butler/pkg/butler/copilot"
)

// newChatCmd creates the `butler chat` command, a local REPL.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the butler from this terminal",
		Long: `Start an interactive session in the terminal. Conversation history and
remembered facts persist like on any other channel. Approval prompts
appear inline; answer them with yes or no.

Type /exit or press Ctrl+D to leave.`,
		Args: cobra.NoArgs,
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Access.Terminal {
		return errors.New("terminal access is disabled (access.terminal: false)")
	}

	// Logs would interleave with the prompt; only warnings go to stderr
	// unless --verbose.
	logCfg := cfg.Logging
	logCfg.Level = "warn"
	logger := newLogger(cmd, logCfg, os.Stderr)

	if err := copilot.ResolveSecrets(cfg, logger); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config:\n%w", err)
	}

	model := copilot.NewAnthropicClient(cfg.Model, cfg.Model.API.APIKey, logger)
	assistant, err := copilot.New(cfg, model, logger)
	if err != nil {
		return err
	}

	term := terminal.New(terminal.Config{
		AssistantName: cfg.Name,
		HistoryFile:   historyFile(),
	}, logger)
	if err := assistant.ChannelManager().Register(term); err != nil {
		assistant.Stop()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := assistant.Start(ctx); err != nil {
		assistant.Stop()
		return fmt.Errorf("failed to start: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s is listening. Type /exit to leave.\n", cfg.Name)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	select {
	case <-term.Done():
	case <-sigChan:
	}

	stopWithTimeout(assistant, logger)
	return nil
}

// historyFile returns the readline history path, or "" when there is no
// home directory.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".butler_history")
}
