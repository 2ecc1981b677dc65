// Package telegram implements the Telegram channel using the Bot API over
// HTTP long polling.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jpogah/personal-ai-butler/pkg/butler/channels"
)

// maxMessageLen is Telegram's text message limit.
const maxMessageLen = 4096

// maxCaptionLen is Telegram's media caption limit.
const maxCaptionLen = 1024

// Config holds Telegram channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Token is the Bot API token from @BotFather.
	Token string `yaml:"token"`

	// APIURL is the Bot API root. Empty uses https://api.telegram.org.
	APIURL string `yaml:"api_url"`

	// PollTimeout is the long-polling timeout in seconds.
	PollTimeout int `yaml:"poll_timeout"`

	// DropPending skips updates that arrived while the butler was offline.
	DropPending bool `yaml:"drop_pending"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		APIURL:      "https://api.telegram.org",
		PollTimeout: 30,
		DropPending: true,
	}
}

// Telegram implements channels.Channel, channels.MediaChannel and
// channels.PresenceChannel.
type Telegram struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	// baseURL is <api>/bot<token>; fileURL is <api>/file/bot<token>.
	baseURL string
	fileURL string

	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	// offset is the last processed update ID + 1. Only pollLoop touches it.
	offset int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Telegram channel.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultConfig().APIURL
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultConfig().PollTimeout
	}
	api := strings.TrimRight(cfg.APIURL, "/")
	return &Telegram{
		cfg:      cfg,
		logger:   logger.With("component", "telegram"),
		client:   &http.Client{Timeout: time.Duration(cfg.PollTimeout+30) * time.Second},
		baseURL:  api + "/bot" + cfg.Token,
		fileURL:  api + "/file/bot" + cfg.Token,
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// ---------- Channel Interface ----------

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Connect verifies the token and starts the polling loop.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	if t.connected.Load() {
		return nil
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	me, err := t.getMe(t.ctx)
	if err != nil {
		t.cancel()
		return fmt.Errorf("telegram: failed to verify token: %w", err)
	}

	if t.cfg.DropPending {
		if err := t.skipPending(t.ctx); err != nil {
			t.logger.Warn("telegram: could not drop pending updates", "error", err)
		}
	}

	t.logger.Info("telegram: connected", "bot", me.Username, "id", me.ID)
	t.connected.Store(true)
	t.done = make(chan struct{})
	go t.pollLoop()
	return nil
}

// Disconnect stops the polling loop and closes the message stream.
func (t *Telegram) Disconnect() error {
	if !t.connected.Swap(false) {
		return nil
	}
	t.cancel()
	<-t.done
	t.logger.Info("telegram: disconnected")
	return nil
}

// Send sends a text message, split at Telegram's length limit.
func (t *Telegram) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", to, err)
	}

	for i, chunk := range channels.SplitMessage(message.Content, maxMessageLen) {
		payload := map[string]any{
			"chat_id": chatID,
			"text":    chunk,
		}
		if i == 0 && message.ReplyTo != "" {
			if msgID, e := strconv.ParseInt(message.ReplyTo, 10, 64); e == nil {
				payload["reply_parameters"] = map[string]any{
					"message_id":                  msgID,
					"allow_sending_without_reply": true,
				}
			}
		}
		if _, err := t.apiCall(ctx, "sendMessage", payload); err != nil {
			return err
		}
	}
	return nil
}

// Receive returns the incoming messages channel.
func (t *Telegram) Receive() <-chan *channels.IncomingMessage { return t.messages }

// IsConnected reports whether polling is running.
func (t *Telegram) IsConnected() bool { return t.connected.Load() }

// Health returns the channel health status.
func (t *Telegram) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := t.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     t.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(t.errorCount.Load()),
	}
}

// ---------- MediaChannel Interface ----------

// SendMedia uploads a file to the chat.
func (t *Telegram) SendMedia(ctx context.Context, to string, media *channels.MediaMessage) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", to, err)
	}

	method, field := "sendDocument", "document"
	switch media.Type {
	case channels.MessageImage:
		method, field = "sendPhoto", "photo"
	case channels.MessageAudio:
		method, field = "sendAudio", "audio"
	case channels.MessageVideo:
		method, field = "sendVideo", "video"
	}
	return t.uploadFile(ctx, method, chatID, field, media)
}

// DownloadMedia fetches an inbound attachment. Media.URL holds the file_id.
func (t *Telegram) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	if msg.Media == nil || msg.Media.URL == "" {
		return nil, "", fmt.Errorf("telegram: message has no media")
	}

	file, err := t.getFile(ctx, msg.Media.URL)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: getFile failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.fileURL+"/"+file.FilePath, nil)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: creating download request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("telegram: download failed: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("telegram: reading media: %w", err)
	}
	mimeType := msg.Media.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

// ---------- PresenceChannel Interface ----------

// SendTyping sends a "typing..." chat action.
func (t *Telegram) SendTyping(ctx context.Context, to string) error {
	if !t.connected.Load() {
		return nil
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return nil
	}
	_, err = t.apiCall(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	})
	return err
}

// ---------- Polling ----------

func (t *Telegram) pollLoop() {
	defer close(t.done)
	defer close(t.messages)

	t.logger.Info("telegram: polling started")
	backoff := time.Second

	for {
		select {
		case <-t.ctx.Done():
			t.logger.Info("telegram: polling stopped")
			return
		default:
		}

		updates, err := t.getUpdates(t.ctx, t.offset, 100, t.cfg.PollTimeout)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.errorCount.Add(1)
			t.logger.Warn("telegram: getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		t.errorCount.Store(0)

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			if incoming := t.convertUpdate(u); incoming != nil {
				t.lastMsg.Store(time.Now())
				select {
				case t.messages <- incoming:
				case <-t.ctx.Done():
					return
				}
			}
		}
	}
}

// skipPending advances the offset past updates queued while offline.
func (t *Telegram) skipPending(ctx context.Context) error {
	updates, err := t.getUpdates(ctx, -1, 1, 0)
	if err != nil {
		return err
	}
	if len(updates) > 0 {
		t.offset = updates[len(updates)-1].UpdateID + 1
	}
	return nil
}

// convertUpdate turns an update into an IncomingMessage, or nil when the
// update carries nothing to answer.
func (t *Telegram) convertUpdate(u tgUpdate) *channels.IncomingMessage {
	msg := u.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return nil
	}

	incoming := &channels.IncomingMessage{
		ID:        strconv.FormatInt(int64(msg.MessageID), 10),
		Channel:   "telegram",
		From:      strconv.FormatInt(msg.From.ID, 10),
		FromName:  strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		IsGroup:   msg.Chat.Type == "group" || msg.Chat.Type == "supergroup",
		Type:      channels.MessageText,
		Content:   msg.Text,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
	if incoming.FromName == "" {
		incoming.FromName = msg.From.Username
	}
	if incoming.Content == "" {
		incoming.Content = msg.Caption
	}

	switch {
	case len(msg.Photo) > 0:
		photo := msg.Photo[len(msg.Photo)-1]
		incoming.Type = channels.MessageImage
		incoming.Media = &channels.MediaInfo{
			Type:     channels.MessageImage,
			URL:      photo.FileID,
			MimeType: "image/jpeg",
			Filename: fmt.Sprintf("tg_%d.jpg", msg.MessageID),
			FileSize: uint64(photo.FileSize),
		}
	case msg.Document != nil:
		incoming.Type = channels.MessageDocument
		incoming.Media = &channels.MediaInfo{
			Type:     channels.MessageDocument,
			URL:      msg.Document.FileID,
			MimeType: msg.Document.MimeType,
			Filename: msg.Document.FileName,
			FileSize: uint64(msg.Document.FileSize),
		}
		if strings.HasPrefix(msg.Document.MimeType, "image/") {
			incoming.Media.Type = channels.MessageImage
		}
	case msg.Audio != nil:
		incoming.Type = channels.MessageAudio
		incoming.Media = &channels.MediaInfo{
			Type:     channels.MessageAudio,
			URL:      msg.Audio.FileID,
			MimeType: msg.Audio.MimeType,
			Filename: fmt.Sprintf("tg_%d.mp3", msg.MessageID),
			FileSize: uint64(msg.Audio.FileSize),
		}
	case msg.Voice != nil:
		incoming.Type = channels.MessageAudio
		incoming.Media = &channels.MediaInfo{
			Type:     channels.MessageAudio,
			URL:      msg.Voice.FileID,
			MimeType: msg.Voice.MimeType,
			Filename: fmt.Sprintf("tg_%d.ogg", msg.MessageID),
			FileSize: uint64(msg.Voice.FileSize),
		}
	}

	if incoming.Content == "" && incoming.Media == nil {
		return nil
	}
	return incoming
}

// ---------- Telegram Bot API Types ----------

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID int         `json:"message_id"`
	From      *tgUser     `json:"from"`
	Chat      tgChat      `json:"chat"`
	Date      int         `json:"date"`
	Text      string      `json:"text"`
	Caption   string      `json:"caption"`
	Photo     []tgPhoto   `json:"photo"`
	Audio     *tgFileRef  `json:"audio"`
	Voice     *tgFileRef  `json:"voice"`
	Document  *tgDocument `json:"document"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	IsBot     bool   `json:"is_bot"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type tgPhoto struct {
	FileID   string `json:"file_id"`
	FileSize int    `json:"file_size"`
}

type tgFileRef struct {
	FileID   string `json:"file_id"`
	MimeType string `json:"mime_type"`
	FileSize int    `json:"file_size"`
}

type tgDocument struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	FileSize int    `json:"file_size"`
}

type tgFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}

type tgBotUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type tgResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// ---------- API Helpers ----------

// apiCall POSTs a JSON payload to a Bot API method.
func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req, method)
}

func (t *Telegram) do(req *http.Request, method string) (json.RawMessage, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result tgResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return result.Result, nil
}

func (t *Telegram) getMe(ctx context.Context) (*tgBotUser, error) {
	data, err := t.apiCall(ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var user tgBotUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parsing getMe: %w", err)
	}
	return &user, nil
}

func (t *Telegram) getUpdates(ctx context.Context, offset int64, limit, timeoutSecs int) ([]tgUpdate, error) {
	data, err := t.apiCall(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"limit":           limit,
		"timeout":         timeoutSecs,
		"allowed_updates": []string{"message"},
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parsing updates: %w", err)
	}
	return updates, nil
}

func (t *Telegram) getFile(ctx context.Context, fileID string) (*tgFile, error) {
	data, err := t.apiCall(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return nil, err
	}
	var file tgFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("telegram: parsing getFile: %w", err)
	}
	return &file, nil
}

// uploadFile sends a file as multipart form data.
func (t *Telegram) uploadFile(ctx context.Context, method string, chatID int64, fieldName string, media *channels.MediaMessage) error {
	if len(media.Data) == 0 {
		return fmt.Errorf("telegram: media data is required for upload")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("chat_id", strconv.FormatInt(chatID, 10))
	if media.Caption != "" {
		caption := media.Caption
		if r := []rune(caption); len(r) > maxCaptionLen {
			caption = string(r[:maxCaptionLen])
		}
		_ = w.WriteField("caption", caption)
	}

	filename := media.Filename
	if filename == "" {
		filename = "file"
	}
	part, err := w.CreateFormFile(fieldName, filename)
	if err != nil {
		return fmt.Errorf("telegram: creating form file: %w", err)
	}
	if _, err := part.Write(media.Data); err != nil {
		return fmt.Errorf("telegram: writing file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("telegram: closing form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, &buf)
	if err != nil {
		return fmt.Errorf("telegram: creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	_, err = t.do(req, method)
	return err
}

// Compile-time interface verification.
var (
	_ channels.Channel         = (*Telegram)(nil)
	_ channels.MediaChannel    = (*Telegram)(nil)
	_ channels.PresenceChannel = (*Telegram)(nil)
)
