// Package memory implements the butler's durable conversation memory:
// perpetual sessions, append-only turns, summaries of evicted history and
// long-lived per-participant facts, all stored in SQLite.
package memory

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Content block types.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one typed piece of a turn. The JSON shape matches the
// Anthropic Messages API so blocks can be stored and sent without conversion.
type ContentBlock struct {
	Type string `json:"type"`

	// Text is set for text blocks.
	Text string `json:"text,omitempty"`

	// ID, Name and Input are set for tool_use blocks.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// ToolUseID, Content and IsError are set for tool_result blocks.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// Source is set for image blocks.
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource holds base64 image data.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// Turn is one message in a session.
type Turn struct {
	// ID is the monotonic sequence id. Synthetic turns built for the model
	// context have ID 0.
	ID        int64
	SessionID string
	Role      Role
	Content   []ContentBlock
	Tokens    int
	CreatedAt time.Time
}

// Text joins the text blocks of the turn with newlines.
func (t Turn) Text() string {
	var parts []string
	for _, b := range t.Content {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Session is the perpetual conversation container for one participant on
// one channel.
type Session struct {
	ID          string
	Channel     string
	Participant string
	CreatedAt   time.Time
	LastActive  time.Time
}

// Summary is a digest covering the contiguous turn id range
// [FirstTurnID, LastTurnID].
type Summary struct {
	ID          int64
	SessionID   string
	Content     string
	FirstTurnID int64
	LastTurnID  int64
	CreatedAt   time.Time
}

// Covers reports whether the summary range fully contains [first, last].
func (s Summary) Covers(first, last int64) bool {
	return s.FirstTurnID <= first && last <= s.LastTurnID
}

// Fact is a durable key/value memory about a participant.
type Fact struct {
	Participant string
	Channel     string
	Key         string
	Value       string
	UpdatedAt   time.Time
}

// EstimateTokens approximates the model token cost of content blocks as a
// quarter of their JSON length, never less than one.
func EstimateTokens(content []ContentBlock) int {
	data, err := json.Marshal(content)
	if err != nil {
		return 1
	}
	return max(1, len(data)/4)
}
