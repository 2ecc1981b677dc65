package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jpogah/personal-ai-butler/pkg/butler/channels"
	"github.com/jpogah/personal-ai-butler/pkg/butler/copilot/memory"
	"github.com/jpogah/personal-ai-butler/pkg/butler/scheduler"
)

// chatChannel is an in-memory channel that records what the butler sends.
type chatChannel struct {
	in chan *channels.IncomingMessage

	mu   sync.Mutex
	sent []string
}

func newChatChannel() *chatChannel {
	return &chatChannel{in: make(chan *channels.IncomingMessage, 16)}
}

func (c *chatChannel) Name() string                              { return "telegram" }
func (c *chatChannel) Connect(context.Context) error             { return nil }
func (c *chatChannel) Disconnect() error                         { return nil }
func (c *chatChannel) Receive() <-chan *channels.IncomingMessage { return c.in }
func (c *chatChannel) IsConnected() bool                         { return true }
func (c *chatChannel) Health() channels.HealthStatus             { return channels.HealthStatus{Connected: true} }
func (c *chatChannel) SendTyping(context.Context, string) error  { return nil }

func (c *chatChannel) Send(_ context.Context, to string, msg *channels.OutgoingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg.Content)
	return nil
}

func (c *chatChannel) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *chatChannel) deliver(id, from, text string) {
	c.in <- &channels.IncomingMessage{ID: id, Channel: "telegram", From: from, ChatID: from, Content: text, Timestamp: time.Now()}
}

// waitForMessage polls until a sent message contains substr.
func (c *chatChannel) waitForMessage(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range c.messages() {
			if strings.Contains(m, substr) {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no message containing %q, sent = %q", substr, c.messages())
}

// funcModel answers with respond and counts calls.
type funcModel struct {
	mu      sync.Mutex
	calls   int
	respond func(call int, req ModelRequest) (*ModelResponse, error)
}

func (m *funcModel) Complete(_ context.Context, req ModelRequest) (*ModelResponse, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()
	return m.respond(call, req)
}

func (m *funcModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func echoModel() *funcModel {
	return &funcModel{respond: func(_ int, req ModelRequest) (*ModelResponse, error) {
		last := req.Messages[len(req.Messages)-1]
		return textResponse("echo: " + last.Text()), nil
	}}
}

func startAssistant(t *testing.T, model Model, mutate func(*Config)) (*Assistant, *chatChannel) {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Memory.DatabasePath = filepath.Join(dir, "butler.db")
	cfg.MediaDir = filepath.Join(dir, "media")
	cfg.Access.TelegramIDs = []string{"111"}
	if mutate != nil {
		mutate(cfg)
	}

	a, err := New(cfg, model, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch := newChatChannel()
	if err := a.ChannelManager().Register(ch); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(a.Stop)
	return a, ch
}

func TestAssistantAnswersAndPersists(t *testing.T) {
	model := echoModel()
	a, ch := startAssistant(t, model, nil)

	ch.deliver("1", "111", "good morning")
	ch.waitForMessage(t, "echo: good morning")

	ctx := context.Background()
	sessionID, err := a.Store().GetOrCreateSession(ctx, "telegram", "111")
	if err != nil {
		t.Fatal(err)
	}
	turns, err := a.Store().LoadTurns(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 || turns[0].Role != memory.RoleUser || turns[1].Text() != "echo: good morning" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestAssistantDropsUnauthorizedAndDuplicates(t *testing.T) {
	model := echoModel()
	_, ch := startAssistant(t, model, nil)

	ch.deliver("1", "999", "let me in")
	ch.deliver("2", "111", "first")
	ch.deliver("2", "111", "first")
	ch.deliver("3", "111", "second")
	ch.waitForMessage(t, "echo: second")

	if n := model.callCount(); n != 2 {
		t.Errorf("model calls = %d, want 2", n)
	}
	for _, m := range ch.messages() {
		if strings.Contains(m, "let me in") {
			t.Errorf("unauthorized sender answered: %q", m)
		}
	}
}

func TestAssistantRateLimitNoticeOnce(t *testing.T) {
	release := make(chan struct{})
	model := &funcModel{respond: func(int, ModelRequest) (*ModelResponse, error) {
		<-release
		return textResponse("done"), nil
	}}
	_, ch := startAssistant(t, model, func(cfg *Config) { cfg.RateLimit.PerMinute = 2 })

	ch.deliver("1", "111", "one")
	ch.deliver("2", "111", "two")
	ch.deliver("3", "111", "three")
	ch.waitForMessage(t, "too fast")
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(ch.messages()) < 3 {
		time.Sleep(10 * time.Millisecond)
	}

	var notices, replies int
	for _, m := range ch.messages() {
		switch m {
		case rateLimitText:
			notices++
		case "done":
			replies++
		}
	}
	if notices != 1 || replies != 2 || model.callCount() != 2 {
		t.Errorf("notices = %d, replies = %d, model calls = %d", notices, replies, model.callCount())
	}
}

func TestAssistantApprovalReplyResumesTool(t *testing.T) {
	target := filepath.Join(t.TempDir(), "notes.txt")
	input, _ := json.Marshal(map[string]any{"path": target, "content": "buy milk"})
	model := &funcModel{respond: func(call int, req ModelRequest) (*ModelResponse, error) {
		if call == 1 {
			return &ModelResponse{
				Content:    []memory.ContentBlock{{Type: memory.BlockToolUse, ID: "toolu_1", Name: "file_write", Input: input}},
				StopReason: StopToolUse,
			}, nil
		}
		result := req.Messages[len(req.Messages)-1].Content[0]
		return textResponse("result: " + result.Content), nil
	}}
	_, ch := startAssistant(t, model, nil)

	ch.deliver("1", "111", "save my list")
	ch.waitForMessage(t, "Permission Required")
	ch.deliver("2", "111", "yes")
	ch.waitForMessage(t, "result: [OK] Wrote")

	data, err := os.ReadFile(target)
	if err != nil || string(data) != "buy milk" {
		t.Errorf("file = %q, %v", data, err)
	}
	if n := model.callCount(); n != 2 {
		t.Errorf("model calls = %d; the approval reply must not start a task", n)
	}
}

func TestAssistantApologizesOnModelError(t *testing.T) {
	model := &funcModel{respond: func(int, ModelRequest) (*ModelResponse, error) {
		return nil, errors.New("upstream down")
	}}
	_, ch := startAssistant(t, model, nil)

	ch.deliver("1", "111", "hello?")
	ch.waitForMessage(t, apologyText)
}

func TestNewRequiresModel(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, nil); err == nil {
		t.Error("nil model should fail")
	}
}

func TestAssistantPrunesAuditOnStart(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Memory.DatabasePath = filepath.Join(dir, "butler.db")
	cfg.MediaDir = filepath.Join(dir, "media")
	cfg.Access.TelegramIDs = []string{"111"}

	a, err := New(cfg, echoModel(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	stale := AuditEntry{Sender: "telegram:111", Channel: "telegram", Action: "bash", Risk: "MEDIUM", Result: AuditSuccess, CreatedAt: time.Now().Add(-40 * 24 * time.Hour)}
	if err := a.AuditLog().Record(ctx, stale); err != nil {
		t.Fatal(err)
	}

	if err := a.ChannelManager().Register(newChatChannel()); err != nil {
		t.Fatal(err)
	}
	a.SetScheduler(scheduler.New(nil))
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(a.Stop)

	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := a.AuditLog().Recent(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stale audit rows not pruned at startup: %+v", entries)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
