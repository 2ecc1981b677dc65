// Package copilot – tool_executor.go holds the closed catalog of tools the
// model may call and dispatches each tool call through risk classification,
// human approval, the handler and the audit log. Dispatch never returns a Go
// error: every outcome becomes text the model can read.
package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// ToolName identifies a tool in the closed catalog.
type ToolName string

const (
	ToolBash         ToolName = "bash"
	ToolFileRead     ToolName = "file_read"
	ToolFileWrite    ToolName = "file_write"
	ToolFileList     ToolName = "file_list"
	ToolFileSend     ToolName = "file_send"
	ToolRemember     ToolName = "remember"
	ToolForget       ToolName = "forget"
	ToolListMemories ToolName = "list_memories"
)

type toolSpec struct {
	base RiskTier
}

// toolSpecs is the closed catalog and each tool's base risk tier.
var toolSpecs = map[ToolName]toolSpec{
	ToolBash:         {base: RiskMedium},
	ToolFileRead:     {base: RiskSafe},
	ToolFileWrite:    {base: RiskMedium},
	ToolFileList:     {base: RiskSafe},
	ToolFileSend:     {base: RiskLow},
	ToolRemember:     {base: RiskLow},
	ToolForget:       {base: RiskLow},
	ToolListMemories: {base: RiskSafe},
}

// ErrUnknownTool is returned when registering a name outside the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// ToolsConfig configures the built-in tools and result handling.
type ToolsConfig struct {
	// BashTimeout is the default command timeout; calls may ask for up to BashMaxTimeout.
	BashTimeout    time.Duration `yaml:"bash_timeout"`
	BashMaxTimeout time.Duration `yaml:"bash_max_timeout"`

	// WorkingDir is where commands run. Empty uses the user's home directory.
	WorkingDir string `yaml:"working_dir"`

	// BlockedCommands are extra regular expressions that refuse a command
	// outright, on top of the built-in blocklist.
	BlockedCommands []string `yaml:"blocked_commands"`

	// FileMaxBytes caps file_read.
	FileMaxBytes int `yaml:"file_max_bytes"`

	// ListMaxEntries caps file_list.
	ListMaxEntries int `yaml:"list_max_entries"`

	// OutputCap caps every tool result handed back to the model.
	OutputCap int `yaml:"output_cap"`
}

// DefaultToolsConfig returns the default tool settings.
func DefaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		BashTimeout:    30 * time.Second,
		BashMaxTimeout: 300 * time.Second,
		FileMaxBytes:   100_000,
		ListMaxEntries: 200,
		OutputCap:      8000,
	}
}

// ---------- Tool call plumbing ----------

// ToolDefinition is a tool as advertised to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the text handed back to the model for one call.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Approver decides whether a tool call above the auto-approve ceiling may run.
type Approver interface {
	RequestApproval(ctx context.Context, tool ToolName, args map[string]any, tier RiskTier) ApprovalOutcome
}

// FileSender delivers a local file to the participant's chat.
type FileSender interface {
	SendFile(ctx context.Context, path, caption string) error
}

// ToolContext carries who a tool call is acting for.
type ToolContext struct {
	Channel     string
	ChatID      string
	Participant string

	// Approver is the participant's approval correlator. When nil, calls
	// above LOW are denied since nobody can be asked.
	Approver Approver

	// Files sends files back to the chat; nil disables file_send.
	Files FileSender
}

// ToolHandlerFunc runs a tool with validated arguments.
type ToolHandlerFunc func(ctx context.Context, tc ToolContext, args map[string]any) (string, error)

// ToolRegistration binds a catalog name to its definition and handler.
type ToolRegistration struct {
	Definition ToolDefinition
	Handler    ToolHandlerFunc
}

// BlockedError refuses a call before it runs.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string { return e.Reason }

// MakeToolDefinition creates a ToolDefinition from a name, description and a
// JSON Schema parameter map.
func MakeToolDefinition(name ToolName, description string, params map[string]any) ToolDefinition {
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	schema, _ := json.Marshal(params)
	return ToolDefinition{
		Name:        string(name),
		Description: description,
		InputSchema: schema,
	}
}

// argSchema is the subset of JSON Schema the dispatcher checks.
type argSchema struct {
	Properties map[string]struct {
		Type string `json:"type"`
	} `json:"properties"`
	Required []string `json:"required"`
}

type registeredTool struct {
	def     ToolDefinition
	schema  argSchema
	handler ToolHandlerFunc
}

// ---------- Dispatcher ----------

// ToolDispatcher maps model tool calls to handlers.
type ToolDispatcher struct {
	tools      map[ToolName]registeredTool
	order      []ToolName
	classifier *RiskClassifier
	audit      AuditRecorder
	outputCap  int
	logger     *slog.Logger
}

// NewToolDispatcher validates the registrations against the catalog.
// audit may be nil.
func NewToolDispatcher(classifier *RiskClassifier, outputCap int, audit AuditRecorder, logger *slog.Logger, regs ...ToolRegistration) (*ToolDispatcher, error) {
	if classifier == nil {
		return nil, errors.New("tool dispatcher: classifier is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if outputCap <= 0 {
		outputCap = DefaultToolsConfig().OutputCap
	}

	d := &ToolDispatcher{
		tools:      make(map[ToolName]registeredTool, len(regs)),
		classifier: classifier,
		audit:      audit,
		outputCap:  outputCap,
		logger:     logger.With("component", "tools"),
	}

	for _, reg := range regs {
		name := ToolName(reg.Definition.Name)
		if _, ok := toolSpecs[name]; !ok {
			return nil, fmt.Errorf("registering %q: %w", name, ErrUnknownTool)
		}
		if reg.Handler == nil {
			return nil, fmt.Errorf("registering %q: nil handler", name)
		}
		if _, dup := d.tools[name]; dup {
			return nil, fmt.Errorf("registering %q: duplicate registration", name)
		}
		var schema argSchema
		if err := json.Unmarshal(reg.Definition.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("registering %q: invalid input schema: %w", name, err)
		}
		for _, req := range schema.Required {
			if _, ok := schema.Properties[req]; !ok {
				return nil, fmt.Errorf("registering %q: required field %q has no property", name, req)
			}
		}
		d.tools[name] = registeredTool{def: reg.Definition, schema: schema, handler: reg.Handler}
		d.order = append(d.order, name)
	}
	return d, nil
}

// Definitions returns the tool catalog in registration order.
func (d *ToolDispatcher) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(d.order))
	for _, name := range d.order {
		defs = append(defs, d.tools[name].def)
	}
	return defs
}

// Dispatch runs one tool call. It always returns a result.
func (d *ToolDispatcher) Dispatch(ctx context.Context, call ToolCall, tc ToolContext) ToolResult {
	name := ToolName(call.Name)
	res := ToolResult{ToolUseID: call.ID}
	entry := AuditEntry{
		Sender:  tc.Participant,
		Channel: tc.Channel,
		Action:  call.Name,
		Args:    truncateArgs(string(call.Input)),
	}

	tool, ok := d.tools[name]
	if !ok {
		d.logger.Warn("unknown tool called", "name", call.Name)
		res.Content = "[ERROR] Unknown tool: " + call.Name
		res.IsError = true
		entry.Result = AuditError
		d.record(ctx, entry)
		return res
	}

	args, err := parseToolArgs(call.Input)
	if err == nil {
		err = tool.schema.validate(args)
	}
	if err != nil {
		d.logger.Warn("tool argument error", "name", name, "error", err)
		res.Content = fmt.Sprintf("[ERROR] invalid arguments for %s: %v", name, err)
		res.IsError = true
		entry.Result = AuditError
		d.record(ctx, entry)
		return res
	}

	tier := d.classifier.Classify(name, args)
	entry.Risk = tier.String()

	outcome := d.approve(ctx, tc, name, args, tier)
	entry.Approved = outcome.Approved()
	if !outcome.Approved() {
		d.logger.Info("tool call refused", "name", name, "tier", tier, "outcome", outcome)
		res.Content = fmt.Sprintf("[DENIED] User did not approve %s (risk %s).", name, tier)
		res.IsError = true
		entry.Result = AuditDenied
		d.record(ctx, entry)
		return res
	}

	start := time.Now()
	output, err := tool.handler(ctx, tc, args)
	duration := time.Since(start)

	var blocked *BlockedError
	switch {
	case errors.As(err, &blocked):
		d.logger.Warn("tool call blocked", "name", name, "reason", blocked.Reason)
		res.Content = "[BLOCKED] " + blocked.Reason
		res.IsError = true
		entry.Result = AuditBlocked
	case err != nil:
		d.logger.Warn("tool failed", "name", name, "duration_ms", duration.Milliseconds(), "error", err)
		res.Content = "[ERROR] " + err.Error()
		res.IsError = true
		entry.Result = AuditError
	default:
		d.logger.Debug("tool executed", "name", name, "tier", tier, "duration_ms", duration.Milliseconds(), "output_len", len(output))
		res.Content = capOutput(output, d.outputCap)
		entry.Result = AuditSuccess
	}
	d.record(ctx, entry)
	return res
}

func (d *ToolDispatcher) approve(ctx context.Context, tc ToolContext, name ToolName, args map[string]any, tier RiskTier) ApprovalOutcome {
	if tc.Approver == nil {
		if tier <= RiskLow {
			return ApprovalAuto
		}
		return ApprovalDenied
	}
	return tc.Approver.RequestApproval(ctx, name, args, tier)
}

func (d *ToolDispatcher) record(ctx context.Context, entry AuditEntry) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Record(ctx, entry); err != nil {
		d.logger.Warn("failed to write audit entry", "action", entry.Action, "error", err)
	}
}

// ---------- Helpers ----------

// parseToolArgs decodes the tool input object.
func parseToolArgs(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || trimmed == "{}" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("input is not a JSON object: %w", err)
	}
	return args, nil
}

// validate checks required fields and primitive types.
func (s argSchema) validate(args map[string]any) error {
	for _, req := range s.Required {
		v, ok := args[req]
		if !ok || v == nil {
			return fmt.Errorf("missing required field %q", req)
		}
	}
	for key, v := range args {
		prop, ok := s.Properties[key]
		if !ok || v == nil {
			continue
		}
		if !matchesType(prop.Type, v) {
			return fmt.Errorf("field %q must be %s", key, prop.Type)
		}
	}
	return nil
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case "number":
		_, ok := v.(float64)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return true
}

// capOutput truncates s to limit characters, keeping room for the marker.
func capOutput(s string, limit int) string {
	n := utf8.RuneCountInString(s)
	if n <= limit {
		return s
	}
	keep := max(0, limit-100)
	runes := []rune(s)
	return string(runes[:keep]) + fmt.Sprintf("\n…[truncated, %d chars total]", n)
}

// truncateArgs shortens raw arguments for the audit log.
func truncateArgs(s string) string {
	const limit = 500
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}

// stringArg returns a string argument or "".
func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// boolArg returns a boolean argument or false.
func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// intArg returns an integer argument or def.
func intArg(args map[string]any, key string, def int) int {
	if f, ok := args[key].(float64); ok {
		return int(f)
	}
	return def
}
