package copilot

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpogah/personal-ai-butler/pkg/butler/copilot/memory"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *AnthropicClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := DefaultModelConfig()
	cfg.API.BaseURL = srv.URL + "/"
	cfg.MaxRetries = 2
	c := NewAnthropicClient(cfg, "sk-test", nil)
	c.retryDelay = time.Millisecond
	return c
}

func userTurn(text string) memory.Turn {
	return memory.Turn{Role: memory.RoleUser, Content: []memory.ContentBlock{memory.TextBlock(text)}}
}

func TestCompleteSendsRequestAndParsesToolUse(t *testing.T) {
	var got anthropicRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-test" || r.Header.Get("anthropic-version") == "" {
			t.Errorf("headers = %v", r.Header)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("body: %v", err)
		}
		io.WriteString(w, `{
			"id": "msg_1",
			"model": "claude-test",
			"stop_reason": "tool_use",
			"content": [
				{"type": "text", "text": "Checking."},
				{"type": "tool_use", "id": "toolu_9", "name": "bash", "input": {"command": "ls"}}
			],
			"usage": {"input_tokens": 12, "output_tokens": 7}
		}`)
	})

	bash := MakeToolDefinition(ToolBash, "run", map[string]any{"type": "object"})
	resp, err := c.Complete(context.Background(), ModelRequest{
		System:   "be brief",
		Messages: []memory.Turn{userTurn("list files")},
		Tools:    []ToolDefinition{bash},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if got.Model != DefaultModelConfig().Name || got.MaxTokens != 4096 || got.System != "be brief" {
		t.Errorf("request = %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" || len(got.Tools) != 1 {
		t.Errorf("messages/tools = %+v / %+v", got.Messages, got.Tools)
	}

	if resp.StopReason != StopToolUse || resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 7 {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.Content) != 2 || resp.Content[1].Name != "bash" || string(resp.Content[1].Input) != `{"command": "ls"}` {
		t.Errorf("content = %+v", resp.Content)
	}
}

func TestCompleteRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(529)
			io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
		case 2:
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `internal`)
		default:
			io.WriteString(w, `{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn"}`)
		}
	})

	resp, err := c.Complete(context.Background(), ModelRequest{Messages: []memory.Turn{userTurn("hi")}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if calls.Load() != 3 || joinText(resp.Content) != "ok" {
		t.Errorf("calls = %d, content = %+v", calls.Load(), resp.Content)
	}
}

func TestCompleteDoesNotRetryAuthErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	})

	_, err := c.Complete(context.Background(), ModelRequest{Messages: []memory.Turn{userTurn("hi")}})
	if err == nil || ErrorKind(err) != LLMErrorAuth {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestCompleteGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `rate_limit_error`)
	})

	_, err := c.Complete(context.Background(), ModelRequest{Messages: []memory.Turn{userTurn("hi")}})
	if err == nil || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d", calls.Load())
	}
}

func TestClassifyAPIError(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   LLMErrorKind
	}{
		{400, "prompt is too long: 250000 tokens", LLMErrorContext},
		{400, "invalid request", LLMErrorBadRequest},
		{401, "", LLMErrorAuth},
		{402, "", LLMErrorBilling},
		{429, "", LLMErrorRateLimit},
		{529, "", LLMErrorOverloaded},
		{503, "", LLMErrorRetryable},
		{404, "", LLMErrorFatal},
	}
	for _, tt := range tests {
		if got := classifyAPIError(tt.status, tt.body); got != tt.want {
			t.Errorf("classifyAPIError(%d, %q) = %s, want %s", tt.status, tt.body, got, tt.want)
		}
	}
	if ErrorKind(context.Canceled) != LLMErrorFatal {
		t.Error("canceled context should be fatal")
	}
}

func TestToAnthropicMessages(t *testing.T) {
	turns := []memory.Turn{
		{Role: memory.RoleAssistant, Content: []memory.ContentBlock{{Type: memory.BlockToolUse, ID: "t1", Name: "bash"}}},
		{Role: memory.RoleUser, Content: []memory.ContentBlock{{Type: memory.BlockToolResult, ToolUseID: "t1", Content: "ok"}}},
		{Role: memory.RoleUser, Content: []memory.ContentBlock{memory.TextBlock("thanks")}},
		{Role: memory.RoleAssistant, Content: []memory.ContentBlock{memory.TextBlock("  ")}},
	}
	msgs := toAnthropicMessages(turns)

	if len(msgs) != 3 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].Role != "user" || msgs[0].Content[0].Text != contextPlaceholder {
		t.Errorf("placeholder = %+v", msgs[0])
	}
	if string(msgs[1].Content[0].Input) != "{}" {
		t.Errorf("tool_use input = %s", msgs[1].Content[0].Input)
	}
	if msgs[2].Role != "user" || len(msgs[2].Content) != 2 {
		t.Errorf("same-role turns not merged: %+v", msgs[2])
	}
}

type scriptedModel struct {
	responses []*ModelResponse
	err       error
	requests  []ModelRequest
}

func (m *scriptedModel) Complete(_ context.Context, req ModelRequest) (*ModelResponse, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return &ModelResponse{StopReason: StopEndTurn}, nil
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func textResponse(text string) *ModelResponse {
	return &ModelResponse{Content: []memory.ContentBlock{memory.TextBlock(text)}, StopReason: StopEndTurn}
}

func TestLLMSummarizer(t *testing.T) {
	model := &scriptedModel{responses: []*ModelResponse{textResponse("  • user likes tea  ")}}
	s := NewLLMSummarizer(model, "small-model")

	out, err := s.Summarize(context.Background(), []memory.Turn{
		userTurn("I like tea"),
		{Role: memory.RoleAssistant, Content: []memory.ContentBlock{memory.TextBlock("Noted.")}},
	})
	if err != nil || out != "• user likes tea" {
		t.Fatalf("Summarize = %q, %v", out, err)
	}
	req := model.requests[0]
	prompt := req.Messages[0].Text()
	if req.Model != "small-model" || !strings.Contains(prompt, "User: I like tea") || !strings.Contains(prompt, "Assistant: Noted.") {
		t.Errorf("request = %+v", req)
	}
}
