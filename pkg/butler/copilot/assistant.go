// Package copilot implements the butler's orchestrator and its parts: risk
// classification, the approval flow, tools, the model client and the
// agentic loop.
package copilot

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jpogah/personal-ai-butler/pkg/butler/channels"
	"github.com/jpogah/personal-ai-butler/pkg/butler/copilot/memory"
	"github.com/jpogah/personal-ai-butler/pkg/butler/scheduler"
)

// Texts the pipeline sends on its own.
const (
	rateLimitText = "⚠️ You're sending messages too fast. Please slow down."
	apologyText   = "❌ Sorry, something went wrong while processing your request. Please try again."
	emptyText     = "(empty message)"
)

// maxInlineImageBytes caps images attached to the model request.
const maxInlineImageBytes = 5 << 20

// typingInterval re-sends the typing indicator while a task runs.
const typingInterval = 4 * time.Second

// Assistant receives messages from every channel and answers them.
// Message flow: access check → dedup → approval reply → rate limit →
// task (typing → session lock → user turn → context → loop → reply).
type Assistant struct {
	cfg *Config

	channelMgr    *channels.Manager
	access        *AccessGuard
	limiter       *RateLimiter
	dedup         *MessageDedup
	approvals     *ApprovalRegistry
	store         *memory.SQLiteStore
	conversations *memory.ConversationStore
	audit         *SQLiteAuditLog
	tools         *ToolDispatcher
	loop          *AgenticLoop
	scheduler     *scheduler.Scheduler

	// routes maps a participant key to the chat its replies go to.
	routesMu sync.RWMutex
	routes   map[string]route

	tasks  sync.WaitGroup
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type route struct {
	channel string
	chatID  string
}

// New builds an assistant around model. It opens the conversation database
// named in cfg.Memory; Stop closes it.
func New(cfg *Config, model Model, logger *slog.Logger) (*Assistant, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if model == nil {
		return nil, errors.New("assistant: model is required")
	}

	riskCfg := cfg.Risk
	riskCfg.WorkingDir = cfg.Tools.WorkingDir
	classifier, err := NewRiskClassifier(riskCfg)
	if err != nil {
		return nil, fmt.Errorf("risk rules: %w", err)
	}
	approvals, err := NewApprovalRegistry(cfg.Approval, logger)
	if err != nil {
		return nil, err
	}

	store, err := memory.NewSQLiteStore(cfg.Memory.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening conversation store: %w", err)
	}

	a := &Assistant{
		cfg:        cfg,
		channelMgr: channels.NewManager(logger),
		access:     NewAccessGuard(cfg.Access, logger),
		limiter:    NewRateLimiter(cfg.RateLimit),
		dedup:      NewMessageDedup(),
		approvals:  approvals,
		store:      store,
		routes:     make(map[string]route),
		logger:     logger.With("component", "assistant"),
	}

	var recorder AuditRecorder
	if cfg.Audit.Enabled {
		a.audit, err = NewSQLiteAuditLog(store.DB(), logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		recorder = a.audit
	}

	regs, err := SystemTools(cfg.Tools)
	if err != nil {
		store.Close()
		return nil, err
	}
	regs = append(regs, MemoryTools(store)...)

	a.tools, err = NewToolDispatcher(classifier, cfg.Tools.OutputCap, recorder, logger, regs...)
	if err != nil {
		store.Close()
		return nil, err
	}

	a.conversations = memory.NewConversationStore(store, cfg.Memory,
		NewLLMSummarizer(model, cfg.Model.SummaryModel), logger)

	host := CurrentHost()
	a.loop = NewAgenticLoop(model, a.tools, func() string {
		return BuildSystemPrompt(cfg.Name, host, time.Now())
	}, cfg.Agent, logger)

	return a, nil
}

// ChannelManager returns the channel manager for registration.
func (a *Assistant) ChannelManager() *channels.Manager { return a.channelMgr }

// Store returns the conversation database.
func (a *Assistant) Store() *memory.SQLiteStore { return a.store }

// AuditLog returns the audit log, or nil when auditing is disabled.
func (a *Assistant) AuditLog() *SQLiteAuditLog { return a.audit }

// SetScheduler attaches the maintenance scheduler; Start registers the
// maintenance jobs on it.
func (a *Assistant) SetScheduler(s *scheduler.Scheduler) { a.scheduler = s }

// Start connects the channels and begins processing messages.
func (a *Assistant) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.logger.Info("starting butler",
		"name", a.cfg.Name,
		"model", a.cfg.Model.Name,
		"auto_approve_below", a.approvals.Ceiling(),
	)

	if err := a.channelMgr.Start(a.ctx); err != nil {
		return fmt.Errorf("starting channels: %w", err)
	}

	if a.scheduler != nil {
		if err := a.registerMaintenance(a.scheduler); err != nil {
			return err
		}
		if err := a.scheduler.Start(a.ctx); err != nil {
			a.logger.Error("failed to start scheduler", "error", err)
		}
		// The daily prune may have been missed while the process was down.
		if _, ok := a.scheduler.Get(auditPruneJob); ok {
			a.spawn(func() {
				if err := a.scheduler.RunNow(auditPruneJob); err != nil {
					a.logger.Warn("startup audit prune failed", "error", err)
				}
			})
		}
	}

	go a.messageLoop()
	a.logger.Info("butler started")
	return nil
}

// Stop shuts down in reverse order and waits for running tasks.
func (a *Assistant) Stop() {
	a.logger.Info("stopping butler...")
	if a.cancel != nil {
		a.cancel()
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	a.channelMgr.Stop()
	a.tasks.Wait()
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close store", "error", err)
	}
	a.logger.Info("butler stopped")
}

const auditPruneJob = "audit-prune"

// registerMaintenance adds the periodic housekeeping jobs.
func (a *Assistant) registerMaintenance(s *scheduler.Scheduler) error {
	if a.audit != nil && a.cfg.Audit.RetentionDays > 0 {
		retention := time.Duration(a.cfg.Audit.RetentionDays) * 24 * time.Hour
		err := s.Add(&scheduler.Job{
			ID:       auditPruneJob,
			Schedule: a.cfg.Audit.PruneSchedule,
			Run: func(ctx context.Context) error {
				n, err := a.audit.Prune(ctx, retention)
				if err != nil {
					return err
				}
				if n > 0 {
					a.logger.Info("audit log pruned", "rows", n)
				}
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("scheduling audit prune: %w", err)
		}
	}

	err := s.Add(&scheduler.Job{
		ID:       "limiter-sweep",
		Schedule: "@every 10m",
		Run: func(context.Context) error {
			removed := a.limiter.Sweep()
			a.dedup.Compact()
			a.logger.Debug("limiter swept", "idle_senders", removed)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("scheduling limiter sweep: %w", err)
	}
	return nil
}

func (a *Assistant) messageLoop() {
	for {
		select {
		case msg, ok := <-a.channelMgr.Messages():
			if !ok {
				return
			}
			a.handleMessage(msg)
		case <-a.ctx.Done():
			return
		}
	}
}

// handleMessage runs the cheap checks inline, in arrival order, and hands
// real work to a task goroutine.
func (a *Assistant) handleMessage(msg *channels.IncomingMessage) {
	logger := a.logger.With("channel", msg.Channel, "from", msg.From, "msg_id", msg.ID)

	if !a.access.IsAuthorized(msg.Channel, msg.From) {
		logger.Warn("unauthorized sender")
		return
	}

	if a.dedup.Seen(msg.Channel + ":" + msg.ID) {
		logger.Debug("duplicate message dropped")
		return
	}

	participant := participantKey(msg.Channel, msg.From)
	a.setRoute(participant, msg.Channel, msg.ChatID)

	if corr, ok := a.approvals.Lookup(participant); ok && msg.Content != "" {
		if corr.HandleReply(msg.Content) {
			logger.Info("approval reply consumed")
			return
		}
	}

	if !a.limiter.Allow(participant) {
		logger.Warn("rate limit exceeded")
		a.spawn(func() { a.sendText(a.ctx, msg.Channel, msg.ChatID, rateLimitText) })
		return
	}

	a.spawn(func() { a.process(msg) })
}

func (a *Assistant) spawn(fn func()) {
	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		fn()
	}()
}

// process answers one message. It holds the session lock throughout so
// tasks for one conversation run one at a time.
func (a *Assistant) process(msg *channels.IncomingMessage) {
	start := time.Now()
	ctx := a.ctx
	logger := a.logger.With("channel", msg.Channel, "from", msg.From)

	stopTyping := a.keepTyping(ctx, msg.Channel, msg.ChatID)
	defer stopTyping()

	reply, err := a.respond(ctx, msg)
	if err != nil {
		logger.Error("failed to process message", "error", err,
			"duration_ms", time.Since(start).Milliseconds())
		stopTyping()
		a.sendText(ctx, msg.Channel, msg.ChatID, apologyText)
		return
	}

	stopTyping()
	a.sendText(ctx, msg.Channel, msg.ChatID, reply)
	logger.Info("message processed", "duration_ms", time.Since(start).Milliseconds())
}

func (a *Assistant) respond(ctx context.Context, msg *channels.IncomingMessage) (string, error) {
	sessionID, err := a.conversations.GetOrCreateSession(ctx, msg.Channel, msg.From)
	if err != nil {
		return "", err
	}
	unlock := a.conversations.Lock(sessionID)
	defer unlock()

	a.logger.Info("processing", "session", sessionID, "text", truncate(msg.Content, 80))

	if _, err := a.conversations.Append(ctx, sessionID, memory.RoleUser, a.userContent(ctx, msg)); err != nil {
		return "", fmt.Errorf("saving user turn: %w", err)
	}

	turns, err := a.conversations.BuildContext(ctx, sessionID, msg.From)
	if err != nil {
		return "", fmt.Errorf("building context: %w", err)
	}

	participant := participantKey(msg.Channel, msg.From)
	tc := ToolContext{
		Channel:     msg.Channel,
		ChatID:      msg.ChatID,
		Participant: msg.From,
		Approver:    a.approvals.For(participant, a.approvalSender(participant)),
		Files:       &chatFileSender{mgr: a.channelMgr, channel: msg.Channel, chatID: msg.ChatID},
	}

	reply, err := a.loop.Run(ctx, turns, tc)
	if err != nil {
		return "", err
	}

	if _, err := a.conversations.Append(ctx, sessionID, memory.RoleAssistant,
		[]memory.ContentBlock{memory.TextBlock(reply)}); err != nil {
		a.logger.Warn("failed to save assistant turn", "session", sessionID, "error", err)
	}
	return reply, nil
}

// userContent builds the user turn: the text plus an image block or a note
// naming the saved attachment.
func (a *Assistant) userContent(ctx context.Context, msg *channels.IncomingMessage) []memory.ContentBlock {
	var blocks []memory.ContentBlock
	if strings.TrimSpace(msg.Content) != "" {
		blocks = append(blocks, memory.TextBlock(msg.Content))
	}

	if msg.Media != nil {
		blocks = append(blocks, a.attachmentBlock(ctx, msg))
	}

	if len(blocks) == 0 {
		blocks = append(blocks, memory.TextBlock(emptyText))
	}
	return blocks
}

func (a *Assistant) attachmentBlock(ctx context.Context, msg *channels.IncomingMessage) memory.ContentBlock {
	data, mimeType, err := a.channelMgr.DownloadMedia(ctx, msg)
	if err != nil {
		a.logger.Warn("could not download attachment", "channel", msg.Channel, "error", err)
		return memory.TextBlock(fmt.Sprintf("[Attachment could not be downloaded: %s]", msg.Media.Filename))
	}
	if mimeType == "" {
		mimeType = msg.Media.MimeType
	}

	if msg.Media.Type == channels.MessageImage && strings.HasPrefix(mimeType, "image/") && len(data) <= maxInlineImageBytes {
		return memory.ContentBlock{
			Type: memory.BlockImage,
			Source: &memory.ImageSource{
				Type:      "base64",
				MediaType: mimeType,
				Data:      base64.StdEncoding.EncodeToString(data),
			},
		}
	}

	path, err := a.saveAttachment(msg, data)
	if err != nil {
		a.logger.Warn("could not save attachment", "error", err)
		return memory.TextBlock(fmt.Sprintf("[Attachment could not be saved: %s]", msg.Media.Filename))
	}
	return memory.TextBlock(fmt.Sprintf("[Attached file: %s]", path))
}

func (a *Assistant) saveAttachment(msg *channels.IncomingMessage, data []byte) (string, error) {
	dir := a.cfg.MediaDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	name := filepath.Base(msg.Media.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "attachment"
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%d_%s", msg.Channel, time.Now().UnixNano(), name))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// keepTyping shows the typing indicator until the returned func is called.
func (a *Assistant) keepTyping(ctx context.Context, channel, chatID string) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			a.channelMgr.SendTyping(ctx, channel, chatID)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}

// approvalSender routes approval prompts to the participant's latest chat.
func (a *Assistant) approvalSender(participant string) SendFunc {
	return func(ctx context.Context, text string) error {
		r, ok := a.getRoute(participant)
		if !ok {
			return fmt.Errorf("no route for %s", participant)
		}
		return a.channelMgr.Send(ctx, r.channel, r.chatID, &channels.OutgoingMessage{Content: text})
	}
}

func (a *Assistant) sendText(ctx context.Context, channel, chatID, text string) {
	if err := a.channelMgr.Send(ctx, channel, chatID, &channels.OutgoingMessage{Content: text}); err != nil {
		a.logger.Error("failed to send reply", "channel", channel, "chat_id", chatID, "error", err)
	}
}

func (a *Assistant) setRoute(participant, channel, chatID string) {
	a.routesMu.Lock()
	a.routes[participant] = route{channel: channel, chatID: chatID}
	a.routesMu.Unlock()
}

func (a *Assistant) getRoute(participant string) (route, bool) {
	a.routesMu.RLock()
	defer a.routesMu.RUnlock()
	r, ok := a.routes[participant]
	return r, ok
}

// participantKey identifies a sender across channels.
func participantKey(channel, from string) string {
	return channel + ":" + from
}

// chatFileSender implements FileSender over a channel.
type chatFileSender struct {
	mgr     *channels.Manager
	channel string
	chatID  string
}

func (s *chatFileSender) SendFile(ctx context.Context, path, caption string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	typ, mimeType := channels.MediaTypeForFile(path)
	return s.mgr.SendMedia(ctx, s.channel, s.chatID, &channels.MediaMessage{
		Type:     typ,
		Data:     data,
		MimeType: mimeType,
		Filename: filepath.Base(path),
		Caption:  caption,
	})
}
