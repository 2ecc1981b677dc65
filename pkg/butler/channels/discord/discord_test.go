package discord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jpogah/personal-ai-butler/pkg/butler/channels"
)

func TestConvertMessage(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		msg      *discordgo.Message
		wantNil  bool
		wantType channels.MessageType
	}{
		{
			name: "direct text",
			msg: &discordgo.Message{
				ID: "m1", ChannelID: "c1", Content: "hi", Timestamp: ts,
				Author: &discordgo.User{ID: "u1", Username: "ada"},
			},
			wantType: channels.MessageText,
		},
		{
			name: "image attachment",
			msg: &discordgo.Message{
				ID: "m2", ChannelID: "c1", GuildID: "g1",
				Author: &discordgo.User{ID: "u1", Username: "ada"},
				Attachments: []*discordgo.MessageAttachment{{
					URL: "https://cdn.example/p.png", ContentType: "image/png", Filename: "p.png", Size: 12,
				}},
			},
			wantType: channels.MessageImage,
		},
		{
			name:    "own message",
			msg:     &discordgo.Message{ID: "m3", Content: "echo", Author: &discordgo.User{ID: "bot"}},
			wantNil: true,
		},
		{
			name:    "other bot",
			msg:     &discordgo.Message{ID: "m4", Content: "beep", Author: &discordgo.User{ID: "b2", Bot: true}},
			wantNil: true,
		},
		{
			name:    "empty",
			msg:     &discordgo.Message{ID: "m5", Author: &discordgo.User{ID: "u1"}},
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := convertMessage("bot", tt.msg)
			if tt.wantNil {
				if got != nil {
					t.Fatalf("expected nil, got %+v", got)
				}
				return
			}
			if got == nil {
				t.Fatal("unexpected nil")
			}
			if got.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", got.Type, tt.wantType)
			}
			if got.Channel != "discord" || got.From != "u1" || got.ChatID != "c1" {
				t.Errorf("routing = %+v", got)
			}
		})
	}
}

func TestConvertMessageGroupAndMedia(t *testing.T) {
	got := convertMessage("bot", &discordgo.Message{
		ID: "m2", ChannelID: "c1", GuildID: "g1",
		Author: &discordgo.User{ID: "u1"},
		Attachments: []*discordgo.MessageAttachment{{
			URL: "https://cdn.example/r.pdf", ContentType: "application/pdf", Filename: "r.pdf", Size: 2048,
		}},
	})
	if !got.IsGroup {
		t.Error("guild message should be a group message")
	}
	if got.Media == nil || got.Media.Filename != "r.pdf" || got.Media.FileSize != 2048 {
		t.Fatalf("media = %+v", got.Media)
	}
	if got.Type != channels.MessageDocument {
		t.Errorf("Type = %q", got.Type)
	}
}

func TestDisconnectedOperations(t *testing.T) {
	d := New(DefaultConfig(), nil)
	ctx := context.Background()

	if err := d.Connect(ctx); err == nil {
		t.Error("Connect without token should fail")
	}
	if err := d.Send(ctx, "c1", &channels.OutgoingMessage{Content: "x"}); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("Send = %v", err)
	}
	if err := d.SendMedia(ctx, "c1", &channels.MediaMessage{Data: []byte("x")}); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("SendMedia = %v", err)
	}
	if err := d.SendTyping(ctx, "c1"); err != nil {
		t.Errorf("SendTyping = %v", err)
	}
	if _, _, err := d.DownloadMedia(ctx, &channels.IncomingMessage{}); err == nil {
		t.Error("DownloadMedia without attachment should fail")
	}
	if err := d.Disconnect(); err != nil {
		t.Errorf("Disconnect = %v", err)
	}
	if d.IsConnected() {
		t.Error("should not be connected")
	}
}
