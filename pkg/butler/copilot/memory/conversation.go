// Package memory – conversation.go builds the token-budgeted model context
// for a session. The most recent turns are always kept verbatim; older turns
// fill the remaining budget newest-first and whatever does not fit is folded
// into summaries.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// Summarizer condenses a chunk of evicted turns into a short digest.
type Summarizer interface {
	Summarize(ctx context.Context, turns []Turn) (string, error)
}

// ConversationConfig configures context building.
type ConversationConfig struct {
	// DatabasePath is the SQLite file holding sessions, turns and facts.
	DatabasePath string `yaml:"database_path"`

	// TokenBudget is the estimated token cap for the history handed to the model.
	TokenBudget int `yaml:"token_budget"`

	// KeepRecent is how many trailing turns are always included.
	KeepRecent int `yaml:"keep_recent"`

	// SummaryChunkSize is how many evicted turns go into one summary.
	SummaryChunkSize int `yaml:"summary_chunk_size"`
}

// DefaultConversationConfig returns the default memory settings.
func DefaultConversationConfig() ConversationConfig {
	return ConversationConfig{
		DatabasePath:     "./data/butler.db",
		TokenBudget:      100_000,
		KeepRecent:       10,
		SummaryChunkSize: 20,
	}
}

// Text of the synthetic exchange that carries memory and summaries.
const (
	factsHeader     = "[Things I remember about you]"
	summariesHeader = "[Summary of our earlier conversation]"
	contextAck      = "Understood. I have the context from our previous conversations."
)

// ConversationStore is the session/turn/summary/fact API used by the
// assistant. Writers for one session serialize through Lock.
type ConversationStore struct {
	store      *SQLiteStore
	cfg        ConversationConfig
	summarizer Summarizer
	logger     *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewConversationStore wraps a SQLiteStore. summarizer may be nil, in which
// case evicted turns are dropped without a summary.
func NewConversationStore(store *SQLiteStore, cfg ConversationConfig, summarizer Summarizer, logger *slog.Logger) *ConversationStore {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConversationConfig()
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = defaults.KeepRecent
	}
	if cfg.SummaryChunkSize <= 0 {
		cfg.SummaryChunkSize = defaults.SummaryChunkSize
	}
	if cfg.TokenBudget < 0 {
		cfg.TokenBudget = 0
	}
	return &ConversationStore{
		store:      store,
		cfg:        cfg,
		summarizer: summarizer,
		logger:     logger.With("component", "conversation"),
		locks:      make(map[string]*sync.Mutex),
	}
}

// Store returns the underlying SQLite store.
func (c *ConversationStore) Store() *SQLiteStore { return c.store }

// Lock acquires the single-writer lock for a session and returns the unlock
// function.
func (c *ConversationStore) Lock(sessionID string) func() {
	c.locksMu.Lock()
	mu, ok := c.locks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[sessionID] = mu
	}
	c.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// GetOrCreateSession returns the perpetual session for (channel, participant).
func (c *ConversationStore) GetOrCreateSession(ctx context.Context, channel, participant string) (string, error) {
	return c.store.GetOrCreateSession(ctx, channel, participant)
}

// Append writes a turn with its estimated token cost.
func (c *ConversationStore) Append(ctx context.Context, sessionID string, role Role, content []ContentBlock) (Turn, error) {
	tokens := EstimateTokens(content)
	id, err := c.store.AppendTurn(ctx, sessionID, role, content, tokens)
	if err != nil {
		return Turn{}, err
	}
	return Turn{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Tokens:    tokens,
	}, nil
}

// BuildContext returns the ordered turns to hand to the model for the session.
func (c *ConversationStore) BuildContext(ctx context.Context, sessionID, participant string) ([]Turn, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	facts, err := c.store.ListFacts(ctx, participant, sess.Channel)
	if err != nil {
		return nil, err
	}
	summaries, err := c.store.LoadSummaries(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	turns, err := c.store.LoadTurns(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	kept, evicted := c.partition(turns)

	if len(evicted) > 0 && c.summarizer != nil {
		created, held := c.summarizeEvicted(ctx, sessionID, evicted, summaries)
		if created {
			summaries, err = c.store.LoadSummaries(ctx, sessionID)
			if err != nil {
				return nil, err
			}
		}
		if len(held) > 0 {
			kept = slices.Concat(held, kept)
		}
	}

	var out []Turn
	header := renderHeader(facts, summaries)
	if header != "" {
		out = append(out,
			Turn{SessionID: sessionID, Role: RoleUser, Content: []ContentBlock{TextBlock(header)}},
			Turn{SessionID: sessionID, Role: RoleAssistant, Content: []ContentBlock{TextBlock(contextAck)}},
		)
	}
	out = append(out, kept...)

	c.logger.Debug("context built",
		"session", sessionID,
		"turns", len(turns),
		"kept", len(kept),
		"evicted", len(evicted),
		"summaries", len(summaries),
		"facts", len(facts),
	)
	return out, nil
}

// partition splits turns into the kept tail (older turns that fit the budget
// followed by the recent turns) and the evicted prefix.
func (c *ConversationStore) partition(turns []Turn) (kept, evicted []Turn) {
	split := max(0, len(turns)-c.cfg.KeepRecent)
	older, recent := turns[:split], turns[split:]

	remaining := c.cfg.TokenBudget
	for _, t := range recent {
		remaining -= t.Tokens
	}

	// Walk older newest-first; the first turn that does not fit ends the
	// kept run, everything before it is evicted.
	cut := len(older)
	for cut > 0 && remaining > 0 {
		cut--
		remaining -= older[cut].Tokens
	}

	kept = make([]Turn, 0, len(older)-cut+len(recent))
	kept = append(kept, older[cut:]...)
	kept = append(kept, recent...)
	return kept, older[:cut]
}

// summarizeEvicted writes summaries for evicted turns not yet covered by an
// existing summary, in chunks of SummaryChunkSize. Once the session has a
// summary, a trailing partial chunk is held back and returned so the caller
// keeps those turns verbatim until the chunk fills. It reports whether any
// summary was created.
func (c *ConversationStore) summarizeEvicted(ctx context.Context, sessionID string, evicted []Turn, existing []Summary) (created bool, held []Turn) {
	var pending []Turn
	for _, t := range evicted {
		if !coveredBy(existing, t.ID, t.ID) {
			pending = append(pending, t)
		}
	}

	size := c.cfg.SummaryChunkSize
	if len(existing) > 0 {
		full := len(pending) - len(pending)%size
		pending, held = pending[:full], pending[full:]
	}

	for start := 0; start < len(pending); start += size {
		chunk := pending[start:min(start+size, len(pending))]
		first, last := chunk[0].ID, chunk[len(chunk)-1].ID
		if coveredBy(existing, first, last) {
			continue
		}

		text, err := c.summarizer.Summarize(ctx, chunk)
		if err != nil {
			c.logger.Warn("summarization failed, skipping chunk",
				"session", sessionID, "first", first, "last", last, "error", err)
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if err := c.store.SaveSummary(ctx, sessionID, text, first, last); err != nil {
			c.logger.Warn("failed to save summary",
				"session", sessionID, "first", first, "last", last, "error", err)
			continue
		}
		existing = append(existing, Summary{SessionID: sessionID, FirstTurnID: first, LastTurnID: last})
		created = true
		c.logger.Info("history summarized",
			"session", sessionID, "first", first, "last", last, "turns", len(chunk))
	}
	return created, held
}

func coveredBy(summaries []Summary, first, last int64) bool {
	for _, s := range summaries {
		if s.Covers(first, last) {
			return true
		}
	}
	return false
}

// renderHeader formats facts and summaries into the synthetic user message.
func renderHeader(facts []Fact, summaries []Summary) string {
	var b strings.Builder
	if len(facts) > 0 {
		b.WriteString(factsHeader)
		b.WriteString("\n")
		for _, f := range facts {
			fmt.Fprintf(&b, "- %s: %s\n", f.Key, f.Value)
		}
	}
	if len(summaries) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(summariesHeader)
		b.WriteString("\n")
		for i, s := range summaries {
			if i > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(strings.TrimSpace(s.Content))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
