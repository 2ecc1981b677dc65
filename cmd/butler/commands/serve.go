package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpogah/personal-ai-butler/pkg/butler/channels"
	"github.com/jpogah/personal-ai-butler/pkg/butler/channels/discord"
	"github.com/jpogah/personal-ai-butler/pkg/butler/channels/telegram"
	"github.com/jpogah/personal-ai-butler/pkg/butler/channels/whatsapp"
	"github.com/jpogah/personal-ai-butler/pkg/butler/copilot"
	"github.com/jpogah/personal-ai-butler/pkg/butler/scheduler"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the `butler serve` command that runs the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the butler on the enabled chat channels",
		Long: `Start the butler as a long-running service, connecting to the channels
enabled in the config (Telegram, WhatsApp, Discord) and answering messages
from authorized senders.

Examples:
  butler serve
  butler serve --channel whatsapp
  butler serve --config ./butler.yaml`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "only start these channels (telegram, whatsapp, discord)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg.Logging, os.Stdout)
	slog.SetDefault(logger)
	if path == "" {
		logger.Warn("no config file found, using defaults; run 'butler setup' to create one")
	} else {
		logger.Info("config loaded", "path", path)
	}

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

	filter, _ := cmd.Flags().GetStringSlice("channel")
	for _, ch := range enabledChannels(cfg, filter, logger) {
		if err := assistant.ChannelManager().Register(ch); err != nil {
			logger.Error("failed to register channel", "channel", ch.Name(), "error", err)
			continue
		}
		logger.Info("channel registered", "channel", ch.Name())
	}
	if !assistant.ChannelManager().HasChannels() {
		assistant.Stop()
		return errors.New("no channels enabled; enable one under 'channels' in the config or use 'butler chat'")
	}

	assistant.SetScheduler(scheduler.New(logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := assistant.Start(ctx); err != nil {
		assistant.Stop()
		return fmt.Errorf("failed to start: %w", err)
	}

	logger.Info("butler running, press Ctrl+C to stop", "name", cfg.Name)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")
	stopWithTimeout(assistant, logger)
	return nil
}

// enabledChannels builds the channels switched on in cfg, narrowed by the
// --channel filter when it is set.
func enabledChannels(cfg *copilot.Config, filter []string, logger *slog.Logger) []channels.Channel {
	want := func(name string, enabled bool) bool {
		if len(filter) > 0 {
			return slices.Contains(filter, name)
		}
		return enabled
	}

	var out []channels.Channel
	if want("telegram", cfg.Channels.Telegram.Enabled) {
		out = append(out, telegram.New(cfg.Channels.Telegram, logger))
	}
	if want("whatsapp", cfg.Channels.WhatsApp.Enabled) {
		out = append(out, whatsapp.New(cfg.Channels.WhatsApp, logger))
	}
	if want("discord", cfg.Channels.Discord.Enabled) {
		out = append(out, discord.New(cfg.Channels.Discord, logger))
	}
	return out
}

// stopWithTimeout stops the assistant, giving up after shutdownTimeout.
func stopWithTimeout(assistant *copilot.Assistant, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		assistant.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
	}
}
