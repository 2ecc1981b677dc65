package whatsapp

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jpogah/personal-ai-butler/pkg/butler/channels"
	"google.golang.org/protobuf/proto"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

func directInfo(id string) types.MessageInfo {
	return types.MessageInfo{
		MessageSource: types.MessageSource{
			Chat:   types.NewJID("15551234567", types.DefaultUserServer),
			Sender: types.NewJID("15551234567", types.DefaultUserServer),
		},
		ID:        types.MessageID(id),
		PushName:  "Ada",
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestConvertTextMessage(t *testing.T) {
	msg := convertMessage(directInfo("A1"), &waE2E.Message{Conversation: proto.String("hello")})
	if msg == nil {
		t.Fatal("expected message")
	}
	if msg.From != "15551234567" {
		t.Errorf("From = %q", msg.From)
	}
	if msg.ChatID != "15551234567@s.whatsapp.net" {
		t.Errorf("ChatID = %q", msg.ChatID)
	}
	if msg.Content != "hello" || msg.Type != channels.MessageText || msg.FromName != "Ada" {
		t.Errorf("msg = %+v", msg)
	}

	ext := convertMessage(directInfo("A2"), &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("with preview")},
	})
	if ext == nil || ext.Content != "with preview" {
		t.Errorf("extended = %+v", ext)
	}
}

func TestConvertMediaMessage(t *testing.T) {
	img := &waE2E.ImageMessage{
		Caption:    proto.String("receipt"),
		Mimetype:   proto.String("image/png"),
		FileLength: proto.Uint64(2048),
	}
	msg := convertMessage(directInfo("IMG1"), &waE2E.Message{ImageMessage: img})
	if msg == nil || msg.Media == nil {
		t.Fatal("expected media message")
	}
	if msg.Type != channels.MessageImage || msg.Content != "receipt" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Media.Filename != "wa_IMG1.png" || msg.Media.FileSize != 2048 {
		t.Errorf("media = %+v", msg.Media)
	}
	if _, ok := msg.Media.Raw.(whatsmeow.DownloadableMessage); !ok {
		t.Error("Raw should be downloadable")
	}

	doc := convertMessage(directInfo("DOC1"), &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		FileName: proto.String("report.pdf"),
		Mimetype: proto.String("application/pdf"),
	}})
	if doc == nil || doc.Type != channels.MessageDocument || doc.Media.Filename != "report.pdf" {
		t.Errorf("doc = %+v", doc)
	}
}

func TestConvertSkipsIgnoredMessages(t *testing.T) {
	own := directInfo("X1")
	own.IsFromMe = true
	if convertMessage(own, &waE2E.Message{Conversation: proto.String("me")}) != nil {
		t.Error("own message should be skipped")
	}

	status := directInfo("X2")
	status.Chat = types.NewJID("status", types.BroadcastServer)
	if convertMessage(status, &waE2E.Message{Conversation: proto.String("story")}) != nil {
		t.Error("status broadcast should be skipped")
	}

	if convertMessage(directInfo("X3"), &waE2E.Message{}) != nil {
		t.Error("unsupported message should be skipped")
	}
	if convertMessage(directInfo("X4"), nil) != nil {
		t.Error("nil message should be skipped")
	}
}

func TestBuildTextMessage(t *testing.T) {
	plain := buildTextMessage("hi", "")
	if plain.GetConversation() != "hi" {
		t.Errorf("plain = %v", plain)
	}

	reply := buildTextMessage("yes", "MSG42")
	ext := reply.GetExtendedTextMessage()
	if ext.GetText() != "yes" || ext.GetContextInfo().GetStanzaID() != "MSG42" {
		t.Errorf("reply = %v", reply)
	}
}

func TestBuildMediaMessage(t *testing.T) {
	up := whatsmeow.UploadResponse{URL: "https://mmg.example/x", DirectPath: "/x", FileLength: 10}

	img := buildMediaMessage(up, &channels.MediaMessage{Type: channels.MessageImage, MimeType: "image/png", Caption: "c"})
	if img.GetImageMessage().GetCaption() != "c" || img.GetImageMessage().GetFileLength() != 10 {
		t.Errorf("image = %v", img)
	}

	doc := buildMediaMessage(up, &channels.MediaMessage{Type: channels.MessageDocument, Filename: "notes.txt"})
	if doc.GetDocumentMessage().GetFileName() != "notes.txt" {
		t.Errorf("document = %v", doc)
	}
	if doc.GetDocumentMessage().GetMimetype() != "application/octet-stream" {
		t.Errorf("mimetype = %q", doc.GetDocumentMessage().GetMimetype())
	}
}

func TestParseJID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "+1 (555) 123-4567", want: "15551234567@s.whatsapp.net"},
		{in: "15551234567@s.whatsapp.net", want: "15551234567@s.whatsapp.net"},
		{in: "120363000000000000@g.us", want: "120363000000000000@g.us"},
		{in: "123", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		jid, err := parseJID(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseJID(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseJID(%q): %v", tt.in, err)
			continue
		}
		if jid.String() != tt.want {
			t.Errorf("parseJID(%q) = %q, want %q", tt.in, jid.String(), tt.want)
		}
	}
}

func TestQRSubscription(t *testing.T) {
	w := New(DefaultConfig(), nil)
	events, unsubscribe := w.SubscribeQR()

	w.notifyQR(QREvent{Type: "code", Code: "2@abc"})
	select {
	case evt := <-events:
		if evt.Type != "code" || evt.Code != "2@abc" {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no QR event")
	}

	unsubscribe()
	if _, ok := <-events; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	w.notifyQR(QREvent{Type: "success"})
}

func TestShowQRWritesImage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QRImagePath = filepath.Join(t.TempDir(), "qr.png")
	w := New(cfg, nil)
	var out bytes.Buffer
	w.qrOut = &out

	w.showQR("2@pairing-code")

	if !strings.Contains(out.String(), "Linked devices") {
		t.Errorf("terminal output missing instructions: %q", out.String())
	}
	info, err := os.Stat(cfg.QRImagePath)
	if err != nil || info.Size() == 0 {
		t.Fatalf("QR image not written: %v", err)
	}
}

func TestDisconnectedOperations(t *testing.T) {
	w := New(DefaultConfig(), nil)
	ctx := context.Background()

	if err := w.Send(ctx, "15551234567", &channels.OutgoingMessage{Content: "x"}); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("Send = %v", err)
	}
	if err := w.SendMedia(ctx, "15551234567", &channels.MediaMessage{}); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("SendMedia = %v", err)
	}
	if err := w.SendTyping(ctx, "15551234567"); err != nil {
		t.Errorf("SendTyping = %v", err)
	}
	if _, _, err := w.DownloadMedia(ctx, &channels.IncomingMessage{}); err == nil {
		t.Error("DownloadMedia without media should fail")
	}
	if err := w.Disconnect(); err != nil {
		t.Errorf("Disconnect = %v", err)
	}
	if h := w.Health(); h.Connected {
		t.Error("health should report disconnected")
	}
}
