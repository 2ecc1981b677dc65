// Package copilot – keyring.go stores secrets in the operating system's
// keyring (Keychain, Secret Service, Credential Manager).
//
// Secrets resolve in this order:
//  1. OS keyring
//  2. environment (ANTHROPIC_API_KEY, TELEGRAM_BOT_TOKEN, DISCORD_BOT_TOKEN)
//  3. config value
package copilot

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const keyringService = "personal-ai-butler"

// Keyring entry names.
const (
	KeyAPIKey        = "api_key"
	KeyTelegramToken = "telegram_token"
	KeyDiscordToken  = "discord_token"
)

// secretEnvVars maps keyring entries to their environment fallbacks.
var secretEnvVars = map[string]string{
	KeyAPIKey:        "ANTHROPIC_API_KEY",
	KeyTelegramToken: "TELEGRAM_BOT_TOKEN",
	KeyDiscordToken:  "DISCORD_BOT_TOKEN",
}

// ErrNoAPIKey is returned when no API key could be resolved.
var ErrNoAPIKey = errors.New("no API key configured")

// KnownSecret reports whether name is a keyring entry the butler uses.
func KnownSecret(name string) bool {
	_, ok := secretEnvVars[name]
	return ok
}

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring returns a secret from the OS keyring, or "" when absent.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	err := keyring.Delete(keyringService, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%s is not stored in the keyring", key)
	}
	return err
}

// ResolveSecrets fills the API key and bot tokens from keyring → env →
// config, updating cfg in place. It fails only when no API key is found.
func ResolveSecrets(cfg *Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Model.API.APIKey = resolveSecret(KeyAPIKey, cfg.Model.API.APIKey, logger)
	cfg.Channels.Telegram.Token = resolveSecret(KeyTelegramToken, cfg.Channels.Telegram.Token, logger)
	cfg.Channels.Discord.Token = resolveSecret(KeyDiscordToken, cfg.Channels.Discord.Token, logger)

	if cfg.Model.API.APIKey == "" {
		return fmt.Errorf("%w: run 'butler config set-key %s' or set ANTHROPIC_API_KEY", ErrNoAPIKey, KeyAPIKey)
	}
	return nil
}

func resolveSecret(name, configured string, logger *slog.Logger) string {
	if val := GetKeyring(name); val != "" {
		logger.Debug("secret loaded from OS keyring", "name", name)
		return val
	}
	if val := os.Getenv(secretEnvVars[name]); val != "" {
		logger.Debug("secret loaded from environment", "name", name)
		return val
	}
	if IsEnvReference(configured) {
		return ""
	}
	return configured
}

// ReadPassword prompts for a secret without echo. Piped input falls back to
// reading one line.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimSpace(line), nil
}
