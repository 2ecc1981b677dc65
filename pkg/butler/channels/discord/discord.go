// Package discord implements the Discord channel using discordgo.
//
// The bot answers direct messages and guild messages that reach it. Sender
// access is enforced upstream by the assistant's allowlist.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jpogah/personal-ai-butler/pkg/butler/channels"
)

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// Config holds Discord channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Token is the bot token. Usually left empty and resolved from the
	// keyring or DISCORD_BOT_TOKEN.
	Token string `yaml:"token"`
}

// DefaultConfig returns a disabled Discord config.
func DefaultConfig() Config {
	return Config{}
}

// Discord implements channels.Channel, channels.MediaChannel and
// channels.PresenceChannel.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	messages   chan *channels.IncomingMessage
	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
	httpClient *http.Client

	mu sync.RWMutex
}

// New creates a Discord channel.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:        cfg,
		logger:     logger.With("component", "discord"),
		messages:   make(chan *channels.IncomingMessage, 256),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the gateway connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.mu.Lock()
	d.session = session
	d.mu.Unlock()
	d.connected.Store(true)

	if user := session.State.User; user != nil {
		d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)
	}
	return nil
}

// Disconnect closes the gateway connection.
func (d *Discord) Disconnect() error {
	d.mu.Lock()
	session := d.session
	d.session = nil
	d.mu.Unlock()

	d.connected.Store(false)
	if session == nil {
		return nil
	}
	d.logger.Info("discord: disconnected")
	return session.Close()
}

// Send delivers text to a Discord channel, split at the message limit.
func (d *Discord) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	session := d.currentSession()
	if session == nil {
		return channels.ErrChannelDisconnected
	}

	for i, chunk := range channels.SplitMessage(message.Content, maxMessageLen) {
		msg := &discordgo.MessageSend{Content: chunk}
		if i == 0 && message.ReplyTo != "" {
			msg.Reference = &discordgo.MessageReference{MessageID: message.ReplyTo, ChannelID: to}
		}
		if _, err := session.ChannelMessageSendComplex(to, msg, discordgo.WithContext(ctx)); err != nil {
			d.errorCount.Add(1)
			return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
		}
	}
	return nil
}

// Receive returns the inbound message stream.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

func (d *Discord) IsConnected() bool { return d.connected.Load() }

func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

// SendMedia uploads a file attachment.
func (d *Discord) SendMedia(ctx context.Context, to string, media *channels.MediaMessage) error {
	session := d.currentSession()
	if session == nil {
		return channels.ErrChannelDisconnected
	}
	if len(media.Data) == 0 {
		return fmt.Errorf("discord: empty media")
	}

	filename := media.Filename
	if filename == "" {
		filename = "file"
	}
	msg := &discordgo.MessageSend{
		Content: media.Caption,
		Files: []*discordgo.File{{
			Name:        filename,
			ContentType: media.MimeType,
			Reader:      bytes.NewReader(media.Data),
		}},
	}
	if _, err := session.ChannelMessageSendComplex(to, msg, discordgo.WithContext(ctx)); err != nil {
		d.errorCount.Add(1)
		return fmt.Errorf("discord: sending file: %w", err)
	}
	return nil
}

// DownloadMedia fetches an attachment from Discord's CDN.
func (d *Discord) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	if msg.Media == nil || msg.Media.URL == "" {
		return nil, "", fmt.Errorf("discord: message has no attachment")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, msg.Media.URL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("discord: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("discord: download: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("discord: reading attachment: %w", err)
	}
	mimeType := msg.Media.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

// SendTyping shows the typing indicator in a channel.
func (d *Discord) SendTyping(ctx context.Context, to string) error {
	session := d.currentSession()
	if session == nil {
		return nil
	}
	return session.ChannelTyping(to, discordgo.WithContext(ctx))
}

func (d *Discord) currentSession() *discordgo.Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.session
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	botID := ""
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	incoming := convertMessage(botID, m.Message)
	if incoming == nil {
		return
	}

	d.lastMsg.Store(time.Now())

	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("discord: message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// convertMessage maps a Discord message to an IncomingMessage. Messages
// from bots (including this one) and empty messages yield nil.
func convertMessage(botID string, m *discordgo.Message) *channels.IncomingMessage {
	if m == nil || m.Author == nil || m.Author.Bot || m.Author.ID == botID {
		return nil
	}

	incoming := &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		ChatID:    m.ChannelID,
		IsGroup:   m.GuildID != "",
		Type:      channels.MessageText,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}

	if len(m.Attachments) > 0 {
		att := m.Attachments[0]
		mediaType := inferMediaType(att.ContentType)
		incoming.Type = mediaType
		incoming.Media = &channels.MediaInfo{
			Type:     mediaType,
			URL:      att.URL,
			MimeType: att.ContentType,
			FileSize: uint64(att.Size),
			Filename: att.Filename,
		}
	}

	if incoming.Content == "" && incoming.Media == nil {
		return nil
	}
	return incoming
}

func inferMediaType(contentType string) channels.MessageType {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return channels.MessageImage
	case strings.HasPrefix(ct, "audio/"):
		return channels.MessageAudio
	case strings.HasPrefix(ct, "video/"):
		return channels.MessageVideo
	default:
		return channels.MessageDocument
	}
}

var (
	_ channels.Channel         = (*Discord)(nil)
	_ channels.MediaChannel    = (*Discord)(nil)
	_ channels.PresenceChannel = (*Discord)(nil)
)
