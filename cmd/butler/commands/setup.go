package commands

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jpogah/personal-ai-butler/pkg/butler/copilot"
)

// newSetupCmd creates the `butler setup` wizard.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Walks through the essentials (assistant name, API key, channels and who
may talk to the butler) and writes the config file. Secrets go to the OS
keyring, never into the YAML.

Examples:
  butler setup
  butler setup --config ~/.config/butler/butler.yaml`,
		Args: cobra.NoArgs,
		RunE: runSetup,
	}
}

// setupAnswers holds the wizard's form values.
type setupAnswers struct {
	name           string
	apiKey         string
	channels       []string
	telegramToken  string
	telegramIDs    string
	whatsappPhones string
	discordToken   string
	discordIDs     string
	ceiling        string
	workingDir     string
	confirm        bool
}

func runSetup(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	if configPath == "" {
		configPath = copilot.FindConfigFile()
	}
	if configPath == "" {
		configPath = "butler.yaml"
	}

	cfg := copilot.DefaultConfig()
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := copilot.LoadConfigFromFile(configPath)
		if err != nil {
			return fmt.Errorf("loading existing config: %w", err)
		}
		cfg = loaded
	}

	a := setupAnswers{
		name:           cfg.Name,
		ceiling:        cfg.Approval.AutoApproveBelow,
		workingDir:     cfg.Tools.WorkingDir,
		telegramIDs:    strings.Join(cfg.Access.TelegramIDs, ","),
		whatsappPhones: strings.Join(cfg.Access.WhatsAppPhones, ","),
		discordIDs:     strings.Join(cfg.Access.DiscordUserIDs, ","),
		confirm:        true,
	}
	if cfg.Channels.Telegram.Enabled {
		a.channels = append(a.channels, "telegram")
	}
	if cfg.Channels.WhatsApp.Enabled {
		a.channels = append(a.channels, "whatsapp")
	}
	if cfg.Channels.Discord.Enabled {
		a.channels = append(a.channels, "discord")
	}

	if err := setupForm(&a, configPath).Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled, nothing written.")
			return nil
		}
		return fmt.Errorf("setup: %w", err)
	}
	if !a.confirm {
		fmt.Println("Nothing written.")
		return nil
	}

	applyAnswers(cfg, a)

	storeSecret(copilot.KeyAPIKey, a.apiKey, "ANTHROPIC_API_KEY")
	storeSecret(copilot.KeyTelegramToken, a.telegramToken, "TELEGRAM_BOT_TOKEN")
	storeSecret(copilot.KeyDiscordToken, a.discordToken, "DISCORD_BOT_TOKEN")

	if err := copilot.SaveConfigToFile(cfg, configPath); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Println()
	fmt.Printf("✅ Config written to %s\n", configPath)
	fmt.Println("   Start the butler with: butler serve")
	if slices.Contains(a.channels, "whatsapp") {
		fmt.Println("   WhatsApp prints a QR code on first start; scan it from Linked devices.")
	}
	return nil
}

func setupForm(a *setupAnswers, configPath string) *huh.Form {
	hideUnless := func(name string) func() bool {
		return func() bool { return !slices.Contains(a.channels, name) }
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Personal AI Butler setup").
				Description("The config will be written to "+configPath+"."),
			huh.NewInput().
				Title("Assistant name").
				Value(&a.name).
				Validate(requireText("a name")),
			huh.NewInput().
				Title("Anthropic API key").
				Description("Stored in the OS keyring. Leave empty to keep the current key.").
				EchoMode(huh.EchoModePassword).
				Value(&a.apiKey),
			huh.NewMultiSelect[string]().
				Title("Chat channels").
				Options(
					huh.NewOption("Telegram", "telegram"),
					huh.NewOption("WhatsApp", "whatsapp"),
					huh.NewOption("Discord", "discord"),
				).
				Value(&a.channels),
		),

		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather. Leave empty to keep the current token.").
				EchoMode(huh.EchoModePassword).
				Value(&a.telegramToken),
			huh.NewInput().
				Title("Your Telegram user id(s)").
				Description("Comma separated. Ask @userinfobot if unsure.").
				Value(&a.telegramIDs).
				Validate(requireText("at least one id")),
		).WithHideFunc(hideUnless("telegram")),

		huh.NewGroup(
			huh.NewInput().
				Title("Your WhatsApp number(s)").
				Description("With country code, comma separated. Example: +5511999998888").
				Value(&a.whatsappPhones).
				Validate(requireText("at least one number")),
		).WithHideFunc(hideUnless("whatsapp")),

		huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token").
				Description("Leave empty to keep the current token.").
				EchoMode(huh.EchoModePassword).
				Value(&a.discordToken),
			huh.NewInput().
				Title("Your Discord user id(s)").
				Description("Comma separated.").
				Value(&a.discordIDs).
				Validate(requireText("at least one id")),
		).WithHideFunc(hideUnless("discord")),

		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Run without asking up to").
				Description("Actions above this risk tier wait for your yes/no in the chat.").
				Options(
					huh.NewOption("safe (read-only commands)", "safe"),
					huh.NewOption("low (recommended)", "low"),
					huh.NewOption("medium", "medium"),
				).
				Value(&a.ceiling),
			huh.NewInput().
				Title("Working directory for commands").
				Description("Empty uses the directory butler starts in.").
				Value(&a.workingDir),
			huh.NewConfirm().
				Title("Write the config?").
				Affirmative("Yes").
				Negative("No").
				Value(&a.confirm),
		),
	)
}

func requireText(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("please enter %s", what)
		}
		return nil
	}
}

// applyAnswers copies the wizard values into cfg.
func applyAnswers(cfg *copilot.Config, a setupAnswers) {
	cfg.Name = strings.TrimSpace(a.name)
	cfg.Approval.AutoApproveBelow = a.ceiling
	cfg.Tools.WorkingDir = strings.TrimSpace(a.workingDir)

	cfg.Channels.Telegram.Enabled = slices.Contains(a.channels, "telegram")
	cfg.Channels.WhatsApp.Enabled = slices.Contains(a.channels, "whatsapp")
	cfg.Channels.Discord.Enabled = slices.Contains(a.channels, "discord")

	cfg.Access.TelegramIDs = splitList(a.telegramIDs)
	cfg.Access.WhatsAppPhones = splitList(a.whatsappPhones)
	cfg.Access.DiscordUserIDs = splitList(a.discordIDs)

	// New secrets go to the keyring, so the YAML must not shadow them.
	if strings.TrimSpace(a.apiKey) != "" {
		cfg.Model.API.APIKey = ""
	}
	if strings.TrimSpace(a.telegramToken) != "" {
		cfg.Channels.Telegram.Token = ""
	}
	if strings.TrimSpace(a.discordToken) != "" {
		cfg.Channels.Discord.Token = ""
	}
}

// storeSecret saves value in the keyring, printing how to provide it
// instead when the keyring is unavailable.
func storeSecret(name, value, envVar string) {
	if value = strings.TrimSpace(value); value == "" {
		return
	}
	if err := copilot.StoreKeyring(name, value); err != nil {
		fmt.Printf("   [!] Could not store %s in the OS keyring: %v\n", name, err)
		fmt.Printf("       Export %s instead.\n", envVar)
		return
	}
	fmt.Printf("   🔑 %s stored in the OS keyring\n", name)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
