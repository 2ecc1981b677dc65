// Package terminal implements a local chat channel on the user's terminal,
// used by `butler chat`. There is a single participant, the person at the
// keyboard.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/user"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jpogah/personal-ai-butler/pkg/butler/channels"
)

// LocalID is both the sender and chat id of terminal messages.
const LocalID = "local"

// Config holds terminal channel configuration.
type Config struct {
	Prompt      string
	HistoryFile string

	// AssistantName labels replies.
	AssistantName string
}

// lineReader is the subset of *readline.Instance the channel uses.
type lineReader interface {
	Readline() (string, error)
	Close() error
}

var (
	labelColor  = color.New(color.FgCyan, color.Bold)
	noticeColor = color.New(color.FgHiBlack)
)

// Terminal implements channels.Channel and channels.MediaChannel.
type Terminal struct {
	cfg    Config
	logger *slog.Logger

	reader lineReader
	out    io.Writer
	outMu  sync.Mutex

	messages  chan *channels.IncomingMessage
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
	seq       atomic.Int64
	lastMsg   atomic.Value // time.Time
	username  string
}

// New creates a terminal channel reading from stdin via readline.
func New(cfg Config, logger *slog.Logger) *Terminal {
	return newTerminal(cfg, nil, nil, logger)
}

func newTerminal(cfg Config, reader lineReader, out io.Writer, logger *slog.Logger) *Terminal {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "you> "
	}
	if cfg.AssistantName == "" {
		cfg.AssistantName = "Butler"
	}
	name := LocalID
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	return &Terminal{
		cfg:      cfg,
		logger:   logger.With("component", "terminal"),
		reader:   reader,
		out:      out,
		messages: make(chan *channels.IncomingMessage, 16),
		done:     make(chan struct{}),
		username: name,
	}
}

// Name returns "terminal".
func (t *Terminal) Name() string { return "terminal" }

// Connect starts reading lines.
func (t *Terminal) Connect(ctx context.Context) error {
	if t.reader == nil {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          t.cfg.Prompt,
			HistoryFile:     t.cfg.HistoryFile,
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err != nil {
			return fmt.Errorf("terminal: initializing readline: %w", err)
		}
		t.reader = rl
		t.out = rl.Stdout()
	}

	t.connected.Store(true)
	go t.readLoop(ctx)
	return nil
}

// Disconnect stops reading and releases the terminal.
func (t *Terminal) Disconnect() error {
	if !t.connected.Swap(false) {
		return nil
	}
	t.finish()
	return t.reader.Close()
}

// Done is closed when the user leaves the session (EOF, Ctrl-C or /exit).
func (t *Terminal) Done() <-chan struct{} {
	return t.done
}

// Send prints a reply.
func (t *Terminal) Send(_ context.Context, _ string, msg *channels.OutgoingMessage) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	t.outMu.Lock()
	defer t.outMu.Unlock()
	labelColor.Fprintf(t.out, "%s> ", t.cfg.AssistantName)
	fmt.Fprintln(t.out, msg.Content)
	return nil
}

// SendMedia reports a file the assistant shared. The file is already on
// this machine, so nothing is copied.
func (t *Terminal) SendMedia(_ context.Context, _ string, media *channels.MediaMessage) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	t.outMu.Lock()
	defer t.outMu.Unlock()
	line := fmt.Sprintf("[file] %s (%s)", media.Filename, humanize.Bytes(uint64(len(media.Data))))
	if media.Caption != "" {
		line += " " + media.Caption
	}
	noticeColor.Fprintln(t.out, line)
	return nil
}

// DownloadMedia is unsupported; terminal messages carry no attachments.
func (t *Terminal) DownloadMedia(context.Context, *channels.IncomingMessage) ([]byte, string, error) {
	return nil, "", channels.ErrMediaNotSupported
}

// Receive returns the inbound message stream.
func (t *Terminal) Receive() <-chan *channels.IncomingMessage {
	return t.messages
}

func (t *Terminal) IsConnected() bool { return t.connected.Load() }

func (t *Terminal) Health() channels.HealthStatus {
	var last time.Time
	if v, ok := t.lastMsg.Load().(time.Time); ok {
		last = v
	}
	return channels.HealthStatus{Connected: t.connected.Load(), LastMessageAt: last}
}

func (t *Terminal) readLoop(ctx context.Context) {
	defer t.finish()
	for {
		line, err := t.reader.Readline()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, readline.ErrInterrupt) {
				t.logger.Debug("terminal: read failed", "error", err)
			}
			return
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return
		}

		msg := &channels.IncomingMessage{
			ID:        fmt.Sprintf("term-%d-%d", time.Now().UnixNano(), t.seq.Add(1)),
			Channel:   "terminal",
			From:      LocalID,
			FromName:  t.username,
			ChatID:    LocalID,
			Type:      channels.MessageText,
			Content:   line,
			Timestamp: time.Now(),
		}
		t.lastMsg.Store(msg.Timestamp)

		select {
		case t.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Terminal) finish() {
	t.closeOnce.Do(func() { close(t.done) })
}

var (
	_ channels.Channel      = (*Terminal)(nil)
	_ channels.MediaChannel = (*Terminal)(nil)
)
