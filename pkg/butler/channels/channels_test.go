package channels

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeChannel struct {
	name       string
	connectErr error
	in         chan *IncomingMessage

	mu        sync.Mutex
	connected bool
	sent      []string
	typing    int
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, in: make(chan *IncomingMessage, 8)}
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Send(_ context.Context, to string, msg *OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+":"+msg.Content)
	return nil
}

func (f *fakeChannel) Receive() <-chan *IncomingMessage { return f.in }

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Health() HealthStatus { return HealthStatus{Connected: f.IsConnected()} }

func (f *fakeChannel) SendTyping(context.Context, string) error {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
	return nil
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		maxLen int
		want   []string
	}{
		{name: "short", text: "hello", maxLen: 10, want: []string{"hello"}},
		{name: "newline boundary", text: "first line\nsecond line", maxLen: 15, want: []string{"first line", "second line"}},
		{name: "space boundary", text: "aaaa bbbb cccc", maxLen: 10, want: []string{"aaaa bbbb", "cccc"}},
		{name: "hard cut", text: "abcdefghij", maxLen: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "runes", text: "ééééé", maxLen: 2, want: []string{"éé", "éé", "é"}},
		{name: "no limit", text: "anything", maxLen: 0, want: []string{"anything"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitMessage(tt.text, tt.maxLen)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("SplitMessage(%q, %d) = %q, want %q", tt.text, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestSplitMessageRespectsLimit(t *testing.T) {
	text := strings.Repeat("lorem ipsum dolor sit amet\n", 400)
	for _, chunk := range SplitMessage(text, 4096) {
		if n := len([]rune(chunk)); n > 4096 {
			t.Fatalf("chunk has %d runes", n)
		}
	}
}

func TestMediaTypeForFile(t *testing.T) {
	tests := []struct {
		path     string
		wantType MessageType
		wantMime string
	}{
		{"photo.PNG", MessageImage, "image/png"},
		{"scan.jpg", MessageImage, "image/jpeg"},
		{"report.pdf", MessageDocument, "application/pdf"},
		{"blob", MessageDocument, "application/octet-stream"},
	}
	for _, tt := range tests {
		gotType, gotMime := MediaTypeForFile(tt.path)
		if gotType != tt.wantType || gotMime != tt.wantMime {
			t.Errorf("MediaTypeForFile(%q) = %q, %q; want %q, %q", tt.path, gotType, gotMime, tt.wantType, tt.wantMime)
		}
	}
}

func TestManagerRoutesMessages(t *testing.T) {
	mgr := NewManager(nil)
	tg := newFakeChannel("telegram")
	broken := newFakeChannel("discord")
	broken.connectErr = errors.New("bad token")

	if err := mgr.Register(tg); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Register(broken); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Register(newFakeChannel("telegram")); err == nil {
		t.Error("duplicate registration should fail")
	}

	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	tg.in <- &IncomingMessage{ID: "1", Channel: "telegram", Content: "hi"}
	select {
	case msg := <-mgr.Messages():
		if msg.Content != "hi" {
			t.Errorf("content = %q", msg.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not forwarded")
	}

	if err := mgr.Send(ctx, "telegram", "42", &OutgoingMessage{Content: "pong"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := mgr.Send(ctx, "discord", "42", &OutgoingMessage{Content: "x"}); !errors.Is(err, ErrChannelDisconnected) {
		t.Errorf("Send to unconnected channel = %v", err)
	}
	if err := mgr.Send(ctx, "slack", "42", &OutgoingMessage{Content: "x"}); err == nil {
		t.Error("Send to unknown channel should fail")
	}
	if err := mgr.SendMedia(ctx, "telegram", "42", &MediaMessage{}); !errors.Is(err, ErrMediaNotSupported) {
		t.Errorf("SendMedia = %v", err)
	}
	mgr.SendTyping(ctx, "telegram", "42")

	health := mgr.HealthAll()
	if !health["telegram"].Connected || health["discord"].Connected {
		t.Errorf("health = %+v", health)
	}

	mgr.Stop()
	mgr.Stop()

	if _, ok := <-mgr.Messages(); ok {
		t.Error("merged stream should be closed after Stop")
	}
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if len(tg.sent) != 1 || tg.sent[0] != "42:pong" || tg.typing != 1 {
		t.Errorf("sent = %v typing = %d", tg.sent, tg.typing)
	}
}

func TestManagerStartFailsWhenNothingConnects(t *testing.T) {
	mgr := NewManager(nil)
	ch := newFakeChannel("telegram")
	ch.connectErr = errors.New("offline")
	_ = mgr.Register(ch)

	if err := mgr.Start(context.Background()); err == nil {
		t.Error("expected error")
	}
	mgr.Stop()
}
