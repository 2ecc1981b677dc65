// Package copilot – access.go implements the sender allowlist.
//
// The butler does not answer everyone. Each channel carries its own list of
// authorized senders; an empty list denies the whole channel. The local
// terminal is a single trusted participant and can be switched off.
package copilot

import (
	"log/slog"
	"strings"
)

// AccessConfig lists the senders allowed per channel.
type AccessConfig struct {
	// TelegramIDs are numeric Telegram user ids.
	TelegramIDs []string `yaml:"telegram_ids"`

	// WhatsAppPhones are phone numbers, with or without the leading "+".
	WhatsAppPhones []string `yaml:"whatsapp_phones"`

	// DiscordUserIDs are Discord user snowflakes.
	DiscordUserIDs []string `yaml:"discord_user_ids"`

	// Terminal allows the local REPL participant.
	Terminal bool `yaml:"terminal"`
}

// DefaultAccessConfig denies every remote sender and allows the terminal.
func DefaultAccessConfig() AccessConfig {
	return AccessConfig{Terminal: true}
}

// AccessGuard decides whether a sender may talk to the butler.
type AccessGuard struct {
	allowed  map[string]map[string]bool // channel → normalized sender → ok
	terminal bool
	logger   *slog.Logger
}

// NewAccessGuard builds the guard from config.
func NewAccessGuard(cfg AccessConfig, logger *slog.Logger) *AccessGuard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &AccessGuard{
		allowed:  make(map[string]map[string]bool),
		terminal: cfg.Terminal,
		logger:   logger.With("component", "access"),
	}
	g.seed("telegram", cfg.TelegramIDs)
	g.seed("whatsapp", cfg.WhatsAppPhones)
	g.seed("discord", cfg.DiscordUserIDs)

	g.logger.Info("access guard initialized",
		"telegram", len(g.allowed["telegram"]),
		"whatsapp", len(g.allowed["whatsapp"]),
		"discord", len(g.allowed["discord"]),
		"terminal", cfg.Terminal,
	)
	return g
}

func (g *AccessGuard) seed(channel string, ids []string) {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if n := normalizeSender(channel, id); n != "" {
			set[n] = true
		}
	}
	g.allowed[channel] = set
}

// IsAuthorized reports whether sender may use the butler on channel.
// Unknown channels are always denied.
func (g *AccessGuard) IsAuthorized(channel, sender string) bool {
	if channel == "terminal" {
		return g.terminal
	}
	set, ok := g.allowed[channel]
	if !ok {
		return false
	}
	return set[normalizeSender(channel, sender)]
}

// normalizeSender maps a raw sender id to its allowlist form. WhatsApp
// senders may arrive as JIDs ("5511999999999@s.whatsapp.net" or with a
// device suffix) and are reduced to "+digits".
func normalizeSender(channel, id string) string {
	id = strings.TrimSpace(id)
	if channel != "whatsapp" {
		return id
	}
	if i := strings.IndexAny(id, "@:"); i >= 0 {
		id = id[:i]
	}
	var b strings.Builder
	for _, r := range id {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "+" + b.String()
}
