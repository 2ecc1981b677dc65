// Package copilot – exec_approval.go implements chat-based human approval for
// risky tool calls. Each participant owns one ApprovalCorrelator holding a
// single pending-request slot; a later inbound message ("yes", "no",
// "yes all") resolves it, or the deadline denies it.
package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ApprovalConfig configures the approval flow.
type ApprovalConfig struct {
	// Timeout is how long a request waits for a reply before it is denied.
	Timeout time.Duration `yaml:"timeout"`

	// AutoApproveBelow is the highest tier that runs without asking
	// ("safe", "low", "medium", "high", "critical").
	AutoApproveBelow string `yaml:"auto_approve_below"`
}

// DefaultApprovalConfig returns the default approval settings.
func DefaultApprovalConfig() ApprovalConfig {
	return ApprovalConfig{
		Timeout:          60 * time.Second,
		AutoApproveBelow: "low",
	}
}

// ApprovalOutcome is the resolution of one approval request.
type ApprovalOutcome int

const (
	// ApprovalAuto means no prompt was needed (tier within the ceiling or
	// approve-all active).
	ApprovalAuto ApprovalOutcome = iota
	ApprovalApproved
	ApprovalDenied
	ApprovalExpired
)

// Approved reports whether the tool may run.
func (o ApprovalOutcome) Approved() bool {
	return o == ApprovalAuto || o == ApprovalApproved
}

func (o ApprovalOutcome) String() string {
	switch o {
	case ApprovalAuto:
		return "auto"
	case ApprovalApproved:
		return "approved"
	case ApprovalDenied:
		return "denied"
	case ApprovalExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// SendFunc delivers a text message to the participant.
type SendFunc func(ctx context.Context, text string) error

// PendingApproval is a suspended tool call waiting for a reply.
type PendingApproval struct {
	ID        string
	Tool      ToolName
	Args      map[string]any
	Tier      RiskTier
	CreatedAt time.Time
	Deadline  time.Time

	result chan bool
}

// Reply phrases after normalization.
var (
	approveAllPhrases = map[string]bool{"yes all": true, "yesall": true, "y all": true}
	approvePhrases    = map[string]bool{"yes": true, "y": true, "approve": true, "ok": true, "yep": true, "sure": true}
	denyPhrases       = map[string]bool{"no": true, "n": true, "deny": true, "cancel": true, "nope": true, "stop": true}

	correlationIDPattern = regexp.MustCompile(`^\[?([0-9a-fA-F]{8})\]?$`)
)

const argsPreviewLimit = 300

// ApprovalCorrelator serializes approval requests for one participant and
// matches inbound replies to the current request.
type ApprovalCorrelator struct {
	participant string
	send        SendFunc
	timeout     time.Duration
	ceiling     RiskTier
	logger      *slog.Logger

	// slot admits one prompting request at a time; later callers queue.
	slot chan struct{}

	mu         sync.Mutex
	current    *PendingApproval
	approveAll bool
}

// NewApprovalCorrelator creates the correlator for one participant.
func NewApprovalCorrelator(participant string, timeout time.Duration, ceiling RiskTier, send SendFunc, logger *slog.Logger) *ApprovalCorrelator {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultApprovalConfig().Timeout
	}
	return &ApprovalCorrelator{
		participant: participant,
		send:        send,
		timeout:     timeout,
		ceiling:     ceiling,
		logger:      logger.With("component", "approval", "participant", participant),
		slot:        make(chan struct{}, 1),
	}
}

// RequestApproval decides whether a tool call may run, prompting the
// participant and suspending until a reply or the deadline when the tier is
// above the auto-approve ceiling.
func (c *ApprovalCorrelator) RequestApproval(ctx context.Context, tool ToolName, args map[string]any, tier RiskTier) ApprovalOutcome {
	if tier <= c.ceiling || c.ApproveAll() {
		return ApprovalAuto
	}

	// Wait for our turn; only one correlation id is current at a time.
	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		c.logger.Info("approval abandoned while queued", "tool", tool, "error", ctx.Err())
		return ApprovalDenied
	}
	defer func() { <-c.slot }()

	if c.ApproveAll() {
		return ApprovalAuto
	}

	now := time.Now()
	pa := &PendingApproval{
		ID:        newCorrelationID(),
		Tool:      tool,
		Args:      args,
		Tier:      tier,
		CreatedAt: now,
		Deadline:  now.Add(c.timeout),
		result:    make(chan bool, 1),
	}

	c.mu.Lock()
	c.current = pa
	c.mu.Unlock()

	c.logger.Info("approval requested", "id", pa.ID, "tool", tool, "tier", tier)

	if err := c.send(ctx, formatApprovalPrompt(pa, c.timeout)); err != nil {
		c.logger.Warn("failed to deliver approval prompt, denying", "id", pa.ID, "error", err)
		if c.clear(pa) {
			return ApprovalDenied
		}
		return outcomeOf(<-pa.result)
	}

	timer := time.NewTimer(time.Until(pa.Deadline))
	defer timer.Stop()

	select {
	case ok := <-pa.result:
		c.logger.Info("approval resolved", "id", pa.ID, "approved", ok)
		return outcomeOf(ok)

	case <-timer.C:
		if !c.clear(pa) {
			// A reply won the race with the deadline.
			return outcomeOf(<-pa.result)
		}
		c.logger.Warn("approval timed out", "id", pa.ID, "tool", tool)
		notice := fmt.Sprintf("⏰ Request [%s] timed out, action *denied* automatically.", pa.ID)
		if err := c.send(context.WithoutCancel(ctx), notice); err != nil {
			c.logger.Warn("failed to send timeout notice", "id", pa.ID, "error", err)
		}
		return ApprovalExpired

	case <-ctx.Done():
		if !c.clear(pa) {
			return outcomeOf(<-pa.result)
		}
		c.logger.Info("approval cancelled", "id", pa.ID, "error", ctx.Err())
		return ApprovalDenied
	}
}

// HandleReply tries to interpret text as a reply to the current request.
// It returns true when the message was consumed.
func (c *ApprovalCorrelator) HandleReply(text string) bool {
	phrase, id := parseReply(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	pa := c.current
	if pa == nil {
		return false
	}
	if id != "" && !strings.EqualFold(id, pa.ID) {
		c.logger.Debug("reply names a different request", "reply_id", id, "current", pa.ID)
		return false
	}

	switch {
	case approveAllPhrases[phrase]:
		c.approveAll = true
		c.resolveLocked(pa, true)
		c.logger.Info("approve-all enabled", "id", pa.ID)
		return true
	case approvePhrases[phrase]:
		c.resolveLocked(pa, true)
		return true
	case denyPhrases[phrase]:
		c.resolveLocked(pa, false)
		return true
	}
	return false
}

// Pending returns the current pending request, if any.
func (c *ApprovalCorrelator) Pending() (PendingApproval, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return PendingApproval{}, false
	}
	return *c.current, true
}

// ApproveAll reports whether approve-all is active.
func (c *ApprovalCorrelator) ApproveAll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.approveAll
}

// resolveLocked delivers the decision and frees the slot; c.mu must be held.
func (c *ApprovalCorrelator) resolveLocked(pa *PendingApproval, approved bool) {
	c.current = nil
	pa.result <- approved
}

// clear removes pa if it is still current. It returns false when a reply
// already resolved it, in which case the decision is waiting on pa.result.
func (c *ApprovalCorrelator) clear(pa *PendingApproval) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != pa {
		return false
	}
	c.current = nil
	return true
}

func outcomeOf(approved bool) ApprovalOutcome {
	if approved {
		return ApprovalApproved
	}
	return ApprovalDenied
}

// newCorrelationID returns a short upper-case id such as "3F9A01BC".
func newCorrelationID() string {
	return strings.ToUpper(uuid.New().String()[:8])
}

// parseReply normalizes a reply and splits off an optional trailing
// correlation id ("yes 3F9A01BC", "no [3F9A01BC]").
func parseReply(text string) (phrase, id string) {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return "", ""
	}
	if len(fields) > 1 {
		if m := correlationIDPattern.FindStringSubmatch(fields[len(fields)-1]); m != nil {
			id = m[1]
			fields = fields[:len(fields)-1]
		}
	}
	phrase = strings.Join(fields, " ")
	phrase = strings.TrimRight(phrase, ".!,")
	return phrase, id
}

// formatApprovalPrompt renders the chat message for a pending request.
func formatApprovalPrompt(pa *PendingApproval, timeout time.Duration) string {
	return fmt.Sprintf("⚠️ *Permission Required* [%s]\n"+
		"Tool: `%s`\n"+
		"Risk: %s\n"+
		"Args: `%s`\n\n"+
		"Reply *yes* to approve, *no* to deny, *yes all* to approve all until restart.\n"+
		"_(Timeout in %ds)_",
		pa.ID, pa.Tool, pa.Tier.Label(), argsPreview(pa.Args), int(timeout.Seconds()))
}

// argsPreview renders args as compact JSON, truncated for the prompt.
func argsPreview(args map[string]any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(args); err != nil {
		return fmt.Sprintf("%v", args)
	}
	preview := sanitizeForMarkdown(strings.TrimSpace(buf.String()))

	runes := []rune(preview)
	if len(runes) > argsPreviewLimit {
		return string(runes[:argsPreviewLimit-3]) + "..."
	}
	return preview
}

// sanitizeForMarkdown keeps backticks in arguments from closing the inline
// code span by inserting a zero-width space after each one.
func sanitizeForMarkdown(s string) string {
	return strings.ReplaceAll(s, "`", "`​")
}

// ---------- Registry ----------

// ApprovalRegistry owns one correlator per participant.
type ApprovalRegistry struct {
	timeout time.Duration
	ceiling RiskTier
	logger  *slog.Logger

	mu          sync.Mutex
	correlators map[string]*ApprovalCorrelator
}

// NewApprovalRegistry creates a registry from config.
func NewApprovalRegistry(cfg ApprovalConfig, logger *slog.Logger) (*ApprovalRegistry, error) {
	ceiling, err := ParseRiskTier(cfg.AutoApproveBelow)
	if err != nil {
		return nil, fmt.Errorf("approval.auto_approve_below: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalRegistry{
		timeout:     cfg.Timeout,
		ceiling:     ceiling,
		logger:      logger,
		correlators: make(map[string]*ApprovalCorrelator),
	}, nil
}

// Ceiling returns the highest auto-approved tier.
func (r *ApprovalRegistry) Ceiling() RiskTier { return r.ceiling }

// For returns the participant's correlator, creating it with send on first use.
func (r *ApprovalRegistry) For(participant string, send SendFunc) *ApprovalCorrelator {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.correlators[participant]
	if !ok {
		c = NewApprovalCorrelator(participant, r.timeout, r.ceiling, send, r.logger)
		r.correlators[participant] = c
	}
	return c
}

// Lookup returns an existing correlator without creating one.
func (r *ApprovalRegistry) Lookup(participant string) (*ApprovalCorrelator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.correlators[participant]
	return c, ok
}
