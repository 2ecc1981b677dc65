// Package copilot – config.go defines the configuration structures for the
// butler.
package copilot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/jpogah/personal-ai-butler/pkg/butler/channels/discord"
	"github.com/jpogah/personal-ai-butler/pkg/butler/channels/telegram"
	"github.com/jpogah/personal-ai-butler/pkg/butler/channels/whatsapp"
	"github.com/jpogah/personal-ai-butler/pkg/butler/copilot/memory"
)

// Config holds all butler configuration.
type Config struct {
	// Name is the assistant name used in the system prompt.
	Name string `yaml:"name"`

	// Model configures the LLM endpoint and limits.
	Model ModelConfig `yaml:"model"`

	// Agent bounds the agentic loop.
	Agent AgentConfig `yaml:"agent"`

	// Memory configures the conversation database and context budget.
	Memory memory.ConversationConfig `yaml:"memory"`

	// Approval configures the approval flow.
	Approval ApprovalConfig `yaml:"approval"`

	// Risk adds classification rules.
	Risk RiskConfig `yaml:"risk"`

	// Tools configures the built-in tools.
	Tools ToolsConfig `yaml:"tools"`

	// RateLimit throttles senders.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Access lists who may talk to the butler.
	Access AccessConfig `yaml:"access"`

	// Channels configures the chat transports.
	Channels ChannelsConfig `yaml:"channels"`

	// Audit configures the tool audit log.
	Audit AuditConfig `yaml:"audit"`

	// MediaDir is where inbound attachments are saved.
	MediaDir string `yaml:"media_dir"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// ChannelsConfig holds configuration for all channels.
type ChannelsConfig struct {
	Telegram telegram.Config `yaml:"telegram"`
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
	Discord  discord.Config  `yaml:"discord"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the default butler configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:      "Butler",
		Model:     DefaultModelConfig(),
		Agent:     DefaultAgentConfig(),
		Memory:    memory.DefaultConversationConfig(),
		Approval:  DefaultApprovalConfig(),
		Risk:      DefaultRiskConfig(),
		Tools:     DefaultToolsConfig(),
		RateLimit: DefaultRateLimitConfig(),
		Access:    DefaultAccessConfig(),
		Channels: ChannelsConfig{
			Telegram: telegram.DefaultConfig(),
			WhatsApp: whatsapp.DefaultConfig(),
			Discord:  discord.DefaultConfig(),
		},
		Audit:    DefaultAuditConfig(),
		MediaDir: "./data/media",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseRiskTier(c.Approval.AutoApproveBelow); err != nil {
		errs = append(errs, fmt.Errorf("approval.auto_approve_below: %w", err))
	}
	if c.Approval.Timeout < 0 {
		errs = append(errs, errors.New("approval.timeout must not be negative"))
	}
	if c.Agent.MaxIterations <= 0 {
		errs = append(errs, errors.New("agent.max_iterations must be positive"))
	}
	if c.Model.Name == "" {
		errs = append(errs, errors.New("model.name is required"))
	}
	if c.Model.MaxTokens <= 0 {
		errs = append(errs, errors.New("model.max_tokens must be positive"))
	}
	if c.Memory.DatabasePath == "" {
		errs = append(errs, errors.New("memory.database_path is required"))
	}
	if c.Memory.TokenBudget < 0 {
		errs = append(errs, errors.New("memory.token_budget must not be negative"))
	}
	if c.Memory.KeepRecent < 0 {
		errs = append(errs, errors.New("memory.keep_recent must not be negative"))
	}
	if c.RateLimit.PerMinute <= 0 {
		errs = append(errs, errors.New("rate_limit.per_minute must be positive"))
	}
	if c.Tools.BashMaxTimeout > 0 && c.Tools.BashMaxTimeout < c.Tools.BashTimeout {
		errs = append(errs, errors.New("tools.bash_max_timeout must be at least tools.bash_timeout"))
	}
	if _, err := NewRiskClassifier(c.Risk); err != nil {
		errs = append(errs, fmt.Errorf("risk: %w", err))
	}
	if c.Audit.Enabled && c.Audit.RetentionDays > 0 {
		if _, err := cron.ParseStandard(c.Audit.PruneSchedule); err != nil {
			errs = append(errs, fmt.Errorf("audit.prune_schedule: %w", err))
		}
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		errs = append(errs, errors.New("channels.telegram.token is required when telegram is enabled"))
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		errs = append(errs, errors.New("channels.discord.token is required when discord is enabled"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: want text or json", c.Logging.Format))
	}

	return errors.Join(errs...)
}
