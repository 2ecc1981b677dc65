// Package channels defines the chat transports the butler listens on. Each
// transport (Telegram, WhatsApp, Discord, the local terminal) implements
// Channel; optional capabilities are separate interfaces.
package channels

import (
	"context"
	"errors"
	"mime"
	"path/filepath"
	"strings"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
)

// Channel is a chat transport.
type Channel interface {
	// Name returns the channel identifier ("telegram", "whatsapp", ...).
	Name() string

	// Connect establishes the connection and starts delivering messages.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	// Send delivers a text message to a chat.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns the stream of inbound messages.
	Receive() <-chan *IncomingMessage

	IsConnected() bool

	Health() HealthStatus
}

// MediaChannel can send and download files.
type MediaChannel interface {
	Channel

	// SendMedia sends a file to a chat.
	SendMedia(ctx context.Context, to string, media *MediaMessage) error

	// DownloadMedia fetches the attachment of an inbound message.
	DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, string, error)
}

// PresenceChannel can show a typing indicator.
type PresenceChannel interface {
	Channel

	SendTyping(ctx context.Context, to string) error
}

// IncomingMessage is a message received on any channel.
type IncomingMessage struct {
	// ID is unique within the channel and used for deduplication.
	ID string

	Channel string

	// From identifies the sender (Telegram user id, WhatsApp phone, ...).
	From string

	FromName string

	// ChatID is where replies go.
	ChatID string

	IsGroup bool

	Type MessageType

	// Content is the text or caption.
	Content string

	Timestamp time.Time

	// Media describes an attachment, if any.
	Media *MediaInfo
}

// OutgoingMessage is a text message to send.
type OutgoingMessage struct {
	Content string
	ReplyTo string
}

// MediaMessage is a file to send.
type MediaMessage struct {
	Type     MessageType
	Data     []byte
	MimeType string
	Filename string
	Caption  string
}

// MediaInfo describes an inbound attachment.
type MediaInfo struct {
	Type     MessageType
	MimeType string
	Filename string
	FileSize uint64

	// URL is a direct download location or a platform file id.
	URL string

	// Raw holds the platform message needed to download the media.
	Raw any
}

// HealthStatus is a channel's health snapshot.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrSendFailed          = errors.New("failed to send message")
	ErrMediaNotSupported   = errors.New("media not supported by this channel")
)

// MediaTypeForFile infers the message type and MIME type of a file by its
// extension.
func MediaTypeForFile(path string) (MessageType, string) {
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MessageImage, mimeType
	case strings.HasPrefix(mimeType, "audio/"):
		return MessageAudio, mimeType
	case strings.HasPrefix(mimeType, "video/"):
		return MessageVideo, mimeType
	}
	return MessageDocument, mimeType
}

// SplitMessage breaks text into chunks of at most maxLen runes, preferring
// newline and then space boundaries.
func SplitMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(runes) > maxLen {
		cut := maxLen
		window := string(runes[:maxLen])
		if i := strings.LastIndex(window, "\n"); i > 0 {
			cut = len([]rune(window[:i]))
		} else if i := strings.LastIndex(window, " "); i > 0 {
			cut = len([]rune(window[:i]))
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), " \n"))
		runes = []rune(strings.TrimLeft(string(runes[cut:]), " \n"))
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
