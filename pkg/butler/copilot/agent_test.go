package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jpogah/personal-ai-butler/pkg/butler/copilot/memory"
)

func toolUseResponse(id, name, input string) *ModelResponse {
	return &ModelResponse{
		Content: []memory.ContentBlock{
			memory.TextBlock("On it."),
			{Type: memory.BlockToolUse, ID: id, Name: name, Input: json.RawMessage(input)},
		},
		StopReason: StopToolUse,
	}
}

func TestAgentRunsToolsThenAnswers(t *testing.T) {
	var calls int
	d := newTestDispatcher(t, nil, echoTool(ToolBash, &calls))
	model := &scriptedModel{responses: []*ModelResponse{
		toolUseResponse("toolu_1", "bash", `{"command":"ls"}`),
		textResponse("You have two files."),
	}}
	loop := NewAgenticLoop(model, d, func() string { return "sys" }, DefaultAgentConfig(), nil)

	reply, err := loop.Run(context.Background(), []memory.Turn{userTurn("what's here?")}, ToolContext{Approver: &fakeApprover{outcome: ApprovalApproved}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reply != "You have two files." || calls != 1 {
		t.Errorf("reply = %q, calls = %d", reply, calls)
	}

	if len(model.requests) != 2 {
		t.Fatalf("model calls = %d", len(model.requests))
	}
	second := model.requests[1]
	if second.System != "sys" || len(second.Tools) != 1 || len(second.Messages) != 3 {
		t.Fatalf("second request = %+v", second)
	}
	result := second.Messages[2].Content[0]
	if result.Type != memory.BlockToolResult || result.ToolUseID != "toolu_1" || result.Content != "ran: ls" {
		t.Errorf("tool result = %+v", result)
	}
}

func TestAgentFeedsDenialBackToModel(t *testing.T) {
	var calls int
	d := newTestDispatcher(t, nil, echoTool(ToolBash, &calls))
	model := &scriptedModel{responses: []*ModelResponse{
		toolUseResponse("toolu_1", "bash", `{"command":"rm -rf /"}`),
		textResponse("Understood, I won't do that."),
	}}
	loop := NewAgenticLoop(model, d, nil, DefaultAgentConfig(), nil)

	reply, err := loop.Run(context.Background(), []memory.Turn{userTurn("wipe it")}, ToolContext{Approver: &fakeApprover{outcome: ApprovalDenied}})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("denied tool ran %d times", calls)
	}
	if reply != "Understood, I won't do that." {
		t.Errorf("reply = %q", reply)
	}
	result := model.requests[1].Messages[2].Content[0]
	if !strings.HasPrefix(result.Content, "[DENIED]") || !result.IsError {
		t.Errorf("tool result = %+v", result)
	}
}

func TestAgentIterationCap(t *testing.T) {
	var calls int
	d := newTestDispatcher(t, nil, echoTool(ToolBash, &calls))
	var responses []*ModelResponse
	for i := 0; i < 5; i++ {
		responses = append(responses, toolUseResponse("toolu_1", "bash", `{"command":"ls"}`))
	}
	model := &scriptedModel{responses: responses}
	loop := NewAgenticLoop(model, d, nil, AgentConfig{MaxIterations: 3}, nil)

	reply, err := loop.Run(context.Background(), []memory.Turn{userTurn("loop")}, ToolContext{Approver: &fakeApprover{outcome: ApprovalApproved}})
	if err != nil {
		t.Fatal(err)
	}
	if reply != iterationCapText {
		t.Errorf("reply = %q", reply)
	}
	if len(model.requests) != 3 || calls != 3 {
		t.Errorf("model calls = %d, tool calls = %d", len(model.requests), calls)
	}
}

func TestAgentTerminalStates(t *testing.T) {
	d := newTestDispatcher(t, nil)

	truncated := &scriptedModel{responses: []*ModelResponse{{
		Content:    []memory.ContentBlock{memory.TextBlock("Part one")},
		StopReason: StopMaxTokens,
	}}}
	reply, _ := NewAgenticLoop(truncated, d, nil, DefaultAgentConfig(), nil).Run(context.Background(), []memory.Turn{userTurn("x")}, ToolContext{})
	if reply != "Part one"+truncatedSuffix {
		t.Errorf("truncated reply = %q", reply)
	}

	empty := &scriptedModel{responses: []*ModelResponse{{StopReason: StopEndTurn}}}
	reply, _ = NewAgenticLoop(empty, d, nil, DefaultAgentConfig(), nil).Run(context.Background(), []memory.Turn{userTurn("x")}, ToolContext{})
	if reply != noResponseText {
		t.Errorf("empty reply = %q", reply)
	}

	failing := &scriptedModel{err: errors.New("boom")}
	if _, err := NewAgenticLoop(failing, d, nil, DefaultAgentConfig(), nil).Run(context.Background(), []memory.Turn{userTurn("x")}, ToolContext{}); err == nil {
		t.Error("model error should be returned")
	}
}

// deadlineModel reports whether each call's context carried a deadline.
type deadlineModel struct {
	deadlines []bool
}

func (m *deadlineModel) Complete(ctx context.Context, _ ModelRequest) (*ModelResponse, error) {
	_, ok := ctx.Deadline()
	m.deadlines = append(m.deadlines, ok)
	return textResponse("done"), nil
}

func TestAgentRunTimeoutIsOptIn(t *testing.T) {
	d := newTestDispatcher(t, nil)

	model := &deadlineModel{}
	if _, err := NewAgenticLoop(model, d, nil, DefaultAgentConfig(), nil).Run(context.Background(), []memory.Turn{userTurn("x")}, ToolContext{}); err != nil {
		t.Fatal(err)
	}
	if model.deadlines[0] {
		t.Error("default run must not impose a deadline")
	}

	model = &deadlineModel{}
	if _, err := NewAgenticLoop(model, d, nil, AgentConfig{RunTimeout: time.Minute}, nil).Run(context.Background(), []memory.Turn{userTurn("x")}, ToolContext{}); err != nil {
		t.Fatal(err)
	}
	if !model.deadlines[0] {
		t.Error("configured run timeout not applied")
	}
}
