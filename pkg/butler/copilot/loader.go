// Package copilot – loader.go loads configuration from YAML with .env files,
// ${VAR} expansion and BUTLER_* environment overrides.
package copilot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
//
// Capture groups: 1 = name, 2 = modifier ("-" or "?"), 3 = default or message.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// envOverrides are the settings that BUTLER_* variables can override after
// the YAML is parsed. Unset variables leave the loaded value alone. Names are
// derived from the field names so there is no unprefixed fallback.
type envOverrides struct {
	Model              string        `split_words:"true"`
	APIBaseURL         string        `split_words:"true"`
	APIKey             string        `split_words:"true"`
	DBPath             string        `split_words:"true"`
	MediaDir           string        `split_words:"true"`
	LogLevel           string        `split_words:"true"`
	LogFormat          string        `split_words:"true"`
	RateLimitPerMinute int           `split_words:"true"`
	ApprovalTimeout    time.Duration `split_words:"true"`
	TelegramToken      string        `split_words:"true"`
	DiscordToken       string        `split_words:"true"`
	TelegramIds        []string      `split_words:"true"`
	WhatsappPhones     []string      `split_words:"true"`
	DiscordUserIds     []string      `split_words:"true"`
}

// LoadConfigFromFile reads a YAML config. It loads .env files, expands
// environment references, applies BUTLER_* overrides and resolves relative
// paths against the config file's directory.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}
	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)
	return cfg, nil
}

// LoadConfigOrDefault loads path, or FindConfigFile's result when path is
// empty, or the defaults plus environment overrides when no file exists.
// The returned path is empty in the last case.
func LoadConfigOrDefault(path string) (*Config, string, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		loadEnvFiles()
		cfg := DefaultConfig()
		if err := ApplyEnvOverrides(cfg); err != nil {
			return nil, "", err
		}
		return cfg, "", nil
	}
	cfg, err := LoadConfigFromFile(path)
	return cfg, path, err
}

// ParseConfig parses YAML bytes over the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("mapping config: %w", err)
	}

	// Bools absent from a partial section keep their defaults.
	if section, ok := raw["access"].(map[string]any); ok {
		if _, set := section["terminal"]; !set {
			cfg.Access.Terminal = DefaultAccessConfig().Terminal
		}
	}
	if section, ok := raw["audit"].(map[string]any); ok {
		if _, set := section["enabled"]; !set {
			cfg.Audit.Enabled = DefaultAuditConfig().Enabled
		}
	}
	return cfg, nil
}

// ApplyEnvOverrides applies BUTLER_* variables to cfg.
func ApplyEnvOverrides(cfg *Config) error {
	o := envOverrides{
		Model:              cfg.Model.Name,
		APIBaseURL:         cfg.Model.API.BaseURL,
		APIKey:             cfg.Model.API.APIKey,
		DBPath:             cfg.Memory.DatabasePath,
		MediaDir:           cfg.MediaDir,
		LogLevel:           cfg.Logging.Level,
		LogFormat:          cfg.Logging.Format,
		RateLimitPerMinute: cfg.RateLimit.PerMinute,
		ApprovalTimeout:    cfg.Approval.Timeout,
		TelegramToken:      cfg.Channels.Telegram.Token,
		DiscordToken:       cfg.Channels.Discord.Token,
		TelegramIds:        cfg.Access.TelegramIDs,
		WhatsappPhones:     cfg.Access.WhatsAppPhones,
		DiscordUserIds:     cfg.Access.DiscordUserIDs,
	}
	if err := envconfig.Process("BUTLER", &o); err != nil {
		return fmt.Errorf("applying BUTLER_* overrides: %w", err)
	}

	cfg.Model.Name = o.Model
	cfg.Model.API.BaseURL = o.APIBaseURL
	cfg.Model.API.APIKey = o.APIKey
	cfg.Memory.DatabasePath = o.DBPath
	cfg.MediaDir = o.MediaDir
	cfg.Logging.Level = o.LogLevel
	cfg.Logging.Format = o.LogFormat
	cfg.RateLimit.PerMinute = o.RateLimitPerMinute
	cfg.Approval.Timeout = o.ApprovalTimeout
	cfg.Channels.Telegram.Token = o.TelegramToken
	cfg.Channels.Discord.Token = o.DiscordToken
	cfg.Access.TelegramIDs = o.TelegramIds
	cfg.Access.WhatsAppPhones = o.WhatsappPhones
	cfg.Access.DiscordUserIDs = o.DiscordUserIds
	return nil
}

// SaveConfigToFile writes cfg as YAML with owner-only permissions, keeping a
// .bak of the previous file. Secrets held in the environment are written as
// ${VAR} references.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Model.API.APIKey = sanitizeSecret(cfg.Model.API.APIKey, "ANTHROPIC_API_KEY")
	sanitized.Channels.Telegram.Token = sanitizeSecret(cfg.Channels.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	sanitized.Channels.Discord.Token = sanitizeSecret(cfg.Channels.Discord.Token, "DISCORD_BOT_TOKEN")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches the standard locations and returns the first hit.
func FindConfigFile() string {
	candidates := []string{
		"butler.yaml",
		"butler.yml",
		"config.yaml",
		"config.yml",
		"configs/butler.yaml",
		"config/butler.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ---------- Internal ----------

// loadEnvFiles loads .env and .env.local without overriding existing
// variables.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces environment references in input. Unset variables
// without a modifier keep their placeholder; ${VAR:?msg} fails when VAR is
// unset.
func expandEnvVars(input string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value := sub[1], sub[2], sub[3]

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			missing = append(missing, name+": "+value)
		}
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.Memory.DatabasePath = resolvePathFromConfig(cfg.Memory.DatabasePath, dir)
	cfg.MediaDir = resolvePathFromConfig(cfg.MediaDir, dir)
	cfg.Channels.WhatsApp.DatabasePath = resolvePathFromConfig(cfg.Channels.WhatsApp.DatabasePath, dir)
}

// resolvePathFromConfig makes path absolute relative to configDir and
// expands a leading "~/".
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// sanitizeSecret returns a ${VAR} reference when the secret came from envVar.
func sanitizeSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return value
}

// IsEnvReference reports whether s is an unexpanded ${VAR} reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${")
}

func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
