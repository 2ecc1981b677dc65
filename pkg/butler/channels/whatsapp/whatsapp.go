// Package whatsapp implements the WhatsApp channel using whatsmeow, a native
// Go implementation of the WhatsApp Web multi-device protocol.
//
// The first Connect on a fresh session database prints a QR code to the
// terminal and writes it as a PNG; scanning it from the phone links the
// butler as a companion device. Later runs reuse the stored session.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpogah/personal-ai-butler/pkg/butler/channels"
	"github.com/skip2/go-qrcode"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // session store driver
)

// Config holds WhatsApp channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// DatabasePath is the SQLite file holding the linked-device session.
	DatabasePath string `yaml:"database_path"`

	// QRImagePath is where the pairing QR code is written as a PNG.
	// Empty disables the image.
	QRImagePath string `yaml:"qr_image_path"`
}

// DefaultConfig returns a disabled WhatsApp config.
func DefaultConfig() Config {
	return Config{
		DatabasePath: "./data/whatsapp.db",
		QRImagePath:  "./data/whatsapp-qr.png",
	}
}

// QREvent reports pairing progress to observers.
type QREvent struct {
	// Type is "code", "success", "timeout" or "error".
	Type    string
	Code    string
	Message string
}

// WhatsApp implements channels.Channel, channels.MediaChannel and
// channels.PresenceChannel.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	// qrOut receives the terminal rendering of pairing codes.
	qrOut io.Writer

	messages   chan *channels.IncomingMessage
	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	qrObservers []chan QREvent
	qrMu        sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a WhatsApp channel.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	return &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		qrOut:    os.Stderr,
		messages: make(chan *channels.IncomingMessage, 256),
		ctx:      context.Background(),
	}
}

// SubscribeQR registers an observer for pairing events. The returned func
// unsubscribes and closes the channel.
func (w *WhatsApp) SubscribeQR() (<-chan QREvent, func()) {
	ch := make(chan QREvent, 8)
	w.qrMu.Lock()
	w.qrObservers = append(w.qrObservers, ch)
	w.qrMu.Unlock()

	return ch, func() {
		w.qrMu.Lock()
		defer w.qrMu.Unlock()
		for i, obs := range w.qrObservers {
			if obs == ch {
				w.qrObservers = append(w.qrObservers[:i], w.qrObservers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (w *WhatsApp) notifyQR(evt QREvent) {
	w.qrMu.Lock()
	defer w.qrMu.Unlock()
	for _, ch := range w.qrObservers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect opens the session store and connects. Without a stored session
// the QR pairing flow runs in the background so other channels can start.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	if dir := filepath.Dir(w.cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("whatsapp: creating session directory: %w", err)
		}
	}
	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", w.cfg.DatabasePath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("whatsapp: opening session store: %w", err)
	}

	device, err := container.GetFirstDevice(w.ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: loading device: %w", err)
	}

	store.SetOSInfo("Personal AI Butler", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true

	if w.client.Store.ID == nil {
		qrChan, err := w.client.GetQRChannel(w.ctx)
		if err != nil {
			return fmt.Errorf("whatsapp: requesting QR channel: %w", err)
		}
		if err := w.client.Connect(); err != nil {
			return fmt.Errorf("whatsapp: connecting for pairing: %w", err)
		}
		w.logger.Info("whatsapp: no session found, scan the QR code to link this device")
		go w.pair(qrChan)
		return nil
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connecting: %w", err)
	}
	w.connected.Store(true)
	w.logger.Info("whatsapp: connected", "jid", w.client.Store.ID.String())
	return nil
}

// Disconnect closes the connection. The session stays linked.
func (w *WhatsApp) Disconnect() error {
	w.connected.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	w.logger.Info("whatsapp: disconnected")
	return nil
}

// Send delivers a text message to a JID or bare phone number.
func (w *WhatsApp) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("whatsapp: invalid recipient %q: %w", to, err)
	}

	if _, err := w.client.SendMessage(ctx, jid, buildTextMessage(msg.Content, msg.ReplyTo)); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
	}
	return nil
}

// Receive returns the inbound message stream.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage {
	return w.messages
}

func (w *WhatsApp) IsConnected() bool { return w.connected.Load() }

func (w *WhatsApp) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  w.connected.Load(),
		ErrorCount: int(w.errorCount.Load()),
		Details:    map[string]any{},
	}
	if t, ok := w.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	if w.client != nil && w.client.Store.ID != nil {
		h.Details["jid"] = w.client.Store.ID.String()
	}
	return h
}

// SendMedia uploads a file and sends it as the matching message kind.
func (w *WhatsApp) SendMedia(ctx context.Context, to string, media *channels.MediaMessage) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("whatsapp: invalid recipient %q: %w", to, err)
	}

	uploaded, err := w.client.Upload(ctx, media.Data, uploadKind(media.Type))
	if err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("whatsapp: uploading media: %w", err)
	}
	if _, err := w.client.SendMessage(ctx, jid, buildMediaMessage(uploaded, media)); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("whatsapp: sending media: %w", err)
	}
	return nil
}

// DownloadMedia decrypts and returns an inbound attachment.
func (w *WhatsApp) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	if msg.Media == nil {
		return nil, "", fmt.Errorf("whatsapp: message has no media")
	}
	if w.client == nil {
		return nil, "", channels.ErrChannelDisconnected
	}
	downloadable, ok := msg.Media.Raw.(whatsmeow.DownloadableMessage)
	if !ok {
		return nil, "", fmt.Errorf("whatsapp: media is not downloadable")
	}

	data, err := w.client.Download(ctx, downloadable)
	if err != nil {
		return nil, "", fmt.Errorf("whatsapp: downloading media: %w", err)
	}
	return data, msg.Media.MimeType, nil
}

// SendTyping shows "typing..." in a chat.
func (w *WhatsApp) SendTyping(ctx context.Context, to string) error {
	if !w.connected.Load() {
		return nil
	}
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	return w.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// pair consumes QR events until the device is linked or pairing fails.
func (w *WhatsApp) pair(qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-w.ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case "code":
				w.showQR(evt.Code)
				w.notifyQR(QREvent{Type: "code", Code: evt.Code, Message: "Scan with WhatsApp > Linked devices"})
			case "success":
				w.connected.Store(true)
				w.logger.Info("whatsapp: device linked")
				w.notifyQR(QREvent{Type: "success", Message: "WhatsApp linked"})
				return
			case "timeout":
				w.logger.Warn("whatsapp: QR code expired, restart to pair again")
				w.notifyQR(QREvent{Type: "timeout", Message: "QR code expired"})
				return
			default:
				if evt.Error != nil {
					w.logger.Error("whatsapp: pairing failed", "error", evt.Error)
					w.notifyQR(QREvent{Type: "error", Message: evt.Error.Error()})
					return
				}
			}
		}
	}
}

// showQR renders the pairing code on the terminal and as a PNG file.
func (w *WhatsApp) showQR(code string) {
	qr, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		w.logger.Error("whatsapp: encoding QR code", "error", err)
		return
	}
	fmt.Fprintln(w.qrOut, "\nScan this QR code with WhatsApp (Settings > Linked devices):")
	fmt.Fprintln(w.qrOut, qr.ToSmallString(false))

	if w.cfg.QRImagePath == "" {
		return
	}
	if err := qr.WriteFile(512, w.cfg.QRImagePath); err != nil {
		w.logger.Warn("whatsapp: writing QR image", "path", w.cfg.QRImagePath, "error", err)
		return
	}
	w.logger.Info("whatsapp: QR code saved", "path", w.cfg.QRImagePath)
}

// emit queues an inbound message, dropping it when the buffer is full.
func (w *WhatsApp) emit(msg *channels.IncomingMessage) {
	select {
	case w.messages <- msg:
		w.lastMsg.Store(time.Now())
	case <-w.ctx.Done():
	default:
		w.logger.Warn("whatsapp: message buffer full, dropping message", "from", msg.From)
	}
}

var (
	_ channels.Channel         = (*WhatsApp)(nil)
	_ channels.MediaChannel    = (*WhatsApp)(nil)
	_ channels.PresenceChannel = (*WhatsApp)(nil)
)
