// Package whatsapp – events.go turns whatsmeow events into IncomingMessages
// and builds outgoing protobuf messages.
package whatsapp

import (
	"fmt"
	"strings"

	"github.com/jpogah/personal-ai-butler/pkg/butler/channels"
	"google.golang.org/protobuf/proto"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

func (w *WhatsApp) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.connected.Store(true)
		w.errorCount.Store(0)
		w.logger.Info("whatsapp: connection established")

	case *events.Disconnected:
		w.connected.Store(false)
		w.logger.Warn("whatsapp: connection lost, reconnecting")

	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Error("whatsapp: device was unlinked, delete the session database and pair again",
			"reason", evt.Reason.String())

	case *events.StreamReplaced:
		w.connected.Store(false)
		w.logger.Error("whatsapp: session opened elsewhere, this connection was replaced")

	case *events.PairSuccess:
		w.logger.Info("whatsapp: device paired", "jid", evt.ID.String(), "platform", evt.Platform)
	}
}

func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	info := evt.Info

	// Linked identities hide the phone number; resolve them so the
	// allowlist can match.
	if w.client != nil && w.client.Store != nil {
		if info.Sender.Server == types.HiddenUserServer {
			if alt, err := w.client.Store.GetAltJID(w.ctx, info.Sender); err == nil && !alt.IsEmpty() {
				info.Sender = alt
			}
		}
		if info.Chat.Server == types.HiddenUserServer {
			if alt, err := w.client.Store.GetAltJID(w.ctx, info.Chat); err == nil && !alt.IsEmpty() {
				info.Chat = alt
			}
		}
	}

	msg := convertMessage(info, evt.Message)
	if msg == nil {
		return
	}
	w.emit(msg)
}

// convertMessage maps a WhatsApp message to an IncomingMessage. Own
// messages, status broadcasts and unsupported kinds yield nil.
func convertMessage(info types.MessageInfo, waMsg *waE2E.Message) *channels.IncomingMessage {
	if info.IsFromMe || info.Chat.Server == types.BroadcastServer || waMsg == nil {
		return nil
	}

	msg := &channels.IncomingMessage{
		ID:        string(info.ID),
		Channel:   "whatsapp",
		From:      info.Sender.User,
		FromName:  info.PushName,
		ChatID:    info.Chat.String(),
		IsGroup:   info.IsGroup,
		Type:      channels.MessageText,
		Timestamp: info.Timestamp,
	}

	switch {
	case waMsg.Conversation != nil:
		msg.Content = waMsg.GetConversation()

	case waMsg.ExtendedTextMessage != nil:
		msg.Content = waMsg.GetExtendedTextMessage().GetText()

	case waMsg.ImageMessage != nil:
		img := waMsg.GetImageMessage()
		msg.Type = channels.MessageImage
		msg.Content = img.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageImage,
			MimeType: img.GetMimetype(),
			Filename: fmt.Sprintf("wa_%s%s", info.ID, extensionFor(img.GetMimetype(), ".jpg")),
			FileSize: img.GetFileLength(),
			Raw:      img,
		}

	case waMsg.DocumentMessage != nil:
		doc := waMsg.GetDocumentMessage()
		msg.Type = channels.MessageDocument
		msg.Content = doc.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageDocument,
			MimeType: doc.GetMimetype(),
			Filename: doc.GetFileName(),
			FileSize: doc.GetFileLength(),
			Raw:      doc,
		}

	case waMsg.AudioMessage != nil:
		audio := waMsg.GetAudioMessage()
		msg.Type = channels.MessageAudio
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageAudio,
			MimeType: audio.GetMimetype(),
			Filename: fmt.Sprintf("wa_%s%s", info.ID, extensionFor(audio.GetMimetype(), ".ogg")),
			FileSize: audio.GetFileLength(),
			Raw:      audio,
		}

	case waMsg.VideoMessage != nil:
		video := waMsg.GetVideoMessage()
		msg.Type = channels.MessageVideo
		msg.Content = video.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageVideo,
			MimeType: video.GetMimetype(),
			Filename: fmt.Sprintf("wa_%s%s", info.ID, extensionFor(video.GetMimetype(), ".mp4")),
			FileSize: video.GetFileLength(),
			Raw:      video,
		}

	default:
		return nil
	}

	if msg.Content == "" && msg.Media == nil {
		return nil
	}
	return msg
}

// buildTextMessage builds a plain text message, quoting replyTo when set.
func buildTextMessage(text, replyTo string) *waE2E.Message {
	if replyTo == "" {
		return &waE2E.Message{Conversation: proto.String(text)}
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(text),
			ContextInfo: &waE2E.ContextInfo{StanzaID: proto.String(replyTo)},
		},
	}
}

// buildMediaMessage wraps an uploaded file in the message kind matching
// media.Type.
func buildMediaMessage(up whatsmeow.UploadResponse, media *channels.MediaMessage) *waE2E.Message {
	mimeType := media.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	switch media.Type {
	case channels.MessageImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case channels.MessageAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case channels.MessageVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}

	filename := media.Filename
	if filename == "" {
		filename = "file"
	}
	return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		Caption:       proto.String(media.Caption),
		FileName:      proto.String(filename),
		Title:         proto.String(filename),
		Mimetype:      proto.String(mimeType),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}
}

func uploadKind(t channels.MessageType) whatsmeow.MediaType {
	switch t {
	case channels.MessageImage:
		return whatsmeow.MediaImage
	case channels.MessageAudio:
		return whatsmeow.MediaAudio
	case channels.MessageVideo:
		return whatsmeow.MediaVideo
	default:
		return whatsmeow.MediaDocument
	}
}

func extensionFor(mimeType, fallback string) string {
	mimeType = strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4":
		return ".m4a"
	case "video/mp4":
		return ".mp4"
	}
	return fallback
}

// parseJID accepts a full JID ("15551234567@s.whatsapp.net",
// "123-456@g.us") or a phone number in any common notation.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 7 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
