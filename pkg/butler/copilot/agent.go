// Package copilot – agent.go implements the bounded agentic loop: call the
// model, run any requested tools in order, feed the results back, and repeat
// until the model answers in text or the iteration cap is reached.
package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jpogah/personal-ai-butler/pkg/butler/copilot/memory"
)

// Terminal texts produced by the loop itself.
const (
	iterationCapText = "[Error] Maximum tool-use iterations reached. Please try a simpler request."
	noResponseText   = "(no response)"
	truncatedSuffix  = "\n…[response truncated]"
)

// AgentConfig holds agent loop parameters.
type AgentConfig struct {
	// MaxIterations caps model calls per inbound message.
	MaxIterations int `yaml:"max_iterations"`

	// RunTimeout optionally bounds a whole run. Zero (the default) leaves the
	// iteration cap as the only stop besides shutdown.
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// DefaultAgentConfig returns the default loop settings.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MaxIterations: 10,
	}
}

// ToolRunner is the part of the dispatcher the loop needs.
type ToolRunner interface {
	Definitions() []ToolDefinition
	Dispatch(ctx context.Context, call ToolCall, tc ToolContext) ToolResult
}

// AgenticLoop runs the model/tool cycle for one message.
type AgenticLoop struct {
	model         Model
	tools         ToolRunner
	systemPrompt  func() string
	maxIterations int
	runTimeout    time.Duration
	logger        *slog.Logger
}

// NewAgenticLoop creates a loop. systemPrompt is evaluated once per run.
func NewAgenticLoop(model Model, tools ToolRunner, systemPrompt func() string, cfg AgentConfig, logger *slog.Logger) *AgenticLoop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultAgentConfig().MaxIterations
	}
	if systemPrompt == nil {
		systemPrompt = func() string { return "" }
	}
	return &AgenticLoop{
		model:         model,
		tools:         tools,
		systemPrompt:  systemPrompt,
		maxIterations: cfg.MaxIterations,
		runTimeout:    cfg.RunTimeout,
		logger:        logger.With("component", "agent"),
	}
}

// Run drives the loop over the given context turns and returns the final
// reply text. Model errors are returned; tool failures are not.
func (a *AgenticLoop) Run(ctx context.Context, turns []memory.Turn, tc ToolContext) (string, error) {
	if a.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.runTimeout)
		defer cancel()
	}

	working := make([]memory.Turn, len(turns), len(turns)+2*a.maxIterations)
	copy(working, turns)

	system := a.systemPrompt()
	defs := a.tools.Definitions()
	start := time.Now()

	for iter := 1; iter <= a.maxIterations; iter++ {
		resp, err := a.model.Complete(ctx, ModelRequest{
			System:   system,
			Messages: working,
			Tools:    defs,
		})
		if err != nil {
			return "", fmt.Errorf("model call %d: %w", iter, err)
		}

		text := joinText(resp.Content)

		switch resp.StopReason {
		case StopToolUse:
			working = append(working, memory.Turn{Role: memory.RoleAssistant, Content: resp.Content})
			results := a.runTools(ctx, resp.Content, tc)
			working = append(working, memory.Turn{Role: memory.RoleUser, Content: results})
			a.logger.Debug("tool round done", "iteration", iter, "tools", len(results))
			continue

		case StopMaxTokens:
			a.logger.Warn("response truncated", "iteration", iter)
			return text + truncatedSuffix, nil

		default:
			if strings.TrimSpace(text) == "" {
				text = noResponseText
			}
			a.logger.Info("agent run done",
				"iterations", iter,
				"duration_ms", time.Since(start).Milliseconds(),
				"stop_reason", resp.StopReason,
			)
			return text, nil
		}
	}

	a.logger.Warn("iteration cap reached", "max", a.maxIterations)
	return iterationCapText, nil
}

// runTools dispatches every tool_use block in order and returns the matching
// tool_result blocks.
func (a *AgenticLoop) runTools(ctx context.Context, content []memory.ContentBlock, tc ToolContext) []memory.ContentBlock {
	var results []memory.ContentBlock
	for _, b := range content {
		if b.Type != memory.BlockToolUse {
			continue
		}
		res := a.tools.Dispatch(ctx, ToolCall{ID: b.ID, Name: b.Name, Input: b.Input}, tc)
		results = append(results, memory.ContentBlock{
			Type:      memory.BlockToolResult,
			ToolUseID: b.ID,
			Content:   res.Content,
			IsError:   res.IsError,
		})
	}
	if len(results) == 0 {
		// tool_use stop without blocks; keep the roles alternating.
		results = append(results, memory.TextBlock("(no tool calls found)"))
	}
	return results
}
