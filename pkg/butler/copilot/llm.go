// Package copilot – llm.go talks to the Anthropic Messages API. The agentic
// loop and the history summarizer depend only on the Model interface.
package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jpogah/personal-ai-butler/pkg/butler/copilot/memory"
)

// APIConfig configures the model endpoint.
type APIConfig struct {
	// BaseURL of the Messages API (default https://api.anthropic.com/v1).
	BaseURL string `yaml:"base_url"`

	// APIKey is usually resolved from the keyring or ANTHROPIC_API_KEY.
	APIKey string `yaml:"api_key"`
}

// ModelConfig selects models and request limits.
type ModelConfig struct {
	API APIConfig `yaml:"api"`

	// Name is the chat model.
	Name string `yaml:"name"`

	// SummaryModel is used for history summaries. Empty uses Name.
	SummaryModel string `yaml:"summary_model"`

	// MaxTokens caps each completion.
	MaxTokens int `yaml:"max_tokens"`

	// RequestTimeout bounds a single HTTP request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxRetries is how many times transient failures are retried.
	MaxRetries int `yaml:"max_retries"`
}

// DefaultModelConfig returns the default model settings.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		API:            APIConfig{BaseURL: "https://api.anthropic.com/v1"},
		Name:           "claude-sonnet-4-5",
		SummaryModel:   "claude-haiku-4-5",
		MaxTokens:      4096,
		RequestTimeout: 120 * time.Second,
		MaxRetries:     2,
	}
}

// StopReason tells the loop why the model stopped.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// ModelRequest is one completion request.
type ModelRequest struct {
	Model     string
	System    string
	Messages  []memory.Turn
	Tools     []ToolDefinition
	MaxTokens int
}

// ModelResponse is the model's reply.
type ModelResponse struct {
	Model      string
	Content    []memory.ContentBlock
	StopReason StopReason
	Usage      LLMUsage
}

// LLMUsage reports token usage.
type LLMUsage struct {
	InputTokens  int
	OutputTokens int
}

// Model completes conversations.
type Model interface {
	Complete(ctx context.Context, req ModelRequest) (*ModelResponse, error)
}

// ---------- Errors ----------

// LLMErrorKind classifies API errors for retry decisions.
type LLMErrorKind int

const (
	LLMErrorRetryable LLMErrorKind = iota
	LLMErrorRateLimit
	LLMErrorOverloaded
	LLMErrorAuth
	LLMErrorBilling
	LLMErrorContext
	LLMErrorBadRequest
	LLMErrorFatal
)

func (k LLMErrorKind) String() string {
	switch k {
	case LLMErrorRetryable:
		return "retryable"
	case LLMErrorRateLimit:
		return "rate_limit"
	case LLMErrorOverloaded:
		return "overloaded"
	case LLMErrorAuth:
		return "auth"
	case LLMErrorBilling:
		return "billing"
	case LLMErrorContext:
		return "context"
	case LLMErrorBadRequest:
		return "bad_request"
	case LLMErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// IsRetryableKind reports whether the error kind warrants retrying.
func (k LLMErrorKind) IsRetryableKind() bool {
	return k == LLMErrorRetryable || k == LLMErrorRateLimit || k == LLMErrorOverloaded
}

// apiError captures a non-200 response.
type apiError struct {
	statusCode    int
	body          string
	retryAfterSec int
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned %d: %s", e.statusCode, truncate(e.body, 200))
}

// Kind classifies the error.
func (e *apiError) Kind() LLMErrorKind { return classifyAPIError(e.statusCode, e.body) }

// ErrorKind returns the classification of a model error; errors that are not
// API errors are treated as retryable transport failures unless the context
// ended.
func ErrorKind(err error) LLMErrorKind {
	var apierr *apiError
	if errors.As(err, &apierr) {
		return apierr.Kind()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return LLMErrorFatal
	}
	return LLMErrorRetryable
}

// classifyAPIError determines the error kind from status code and body.
func classifyAPIError(statusCode int, body string) LLMErrorKind {
	lower := strings.ToLower(body)

	switch {
	case strings.Contains(lower, "prompt is too long") ||
		strings.Contains(lower, "context_length_exceeded"):
		return LLMErrorContext
	case statusCode == 402 || strings.Contains(lower, "credit balance") || strings.Contains(lower, "billing"):
		return LLMErrorBilling
	case statusCode == 429 || strings.Contains(lower, "rate_limit"):
		return LLMErrorRateLimit
	case statusCode == 529 || strings.Contains(lower, "overloaded"):
		return LLMErrorOverloaded
	}

	switch {
	case statusCode == 400:
		return LLMErrorBadRequest
	case statusCode == 401 || statusCode == 403:
		return LLMErrorAuth
	case statusCode >= 500:
		return LLMErrorRetryable
	}
	return LLMErrorFatal
}

// ---------- Anthropic client ----------

// AnthropicClient implements Model over the Anthropic Messages API.
type AnthropicClient struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	maxRetries int
	timeout    time.Duration
	retryDelay time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a client. apiKey is the resolved secret.
func NewAnthropicClient(cfg ModelConfig, apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultModelConfig()
	baseURL := strings.TrimRight(cfg.API.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaults.API.BaseURL
	}
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	return &AnthropicClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      cfg.Name,
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.MaxRetries,
		timeout:    cfg.RequestTimeout,
		retryDelay: 2500 * time.Millisecond,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 180 * time.Second,
			},
		},
		logger: logger.With("component", "llm", "provider", "anthropic"),
	}
}

// anthropicRequest is the Messages API request body.
type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []ToolDefinition   `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string                `json:"role"`
	Content []memory.ContentBlock `json:"content"`
}

// anthropicResponse is the Messages API response body.
type anthropicResponse struct {
	ID         string                `json:"id"`
	Model      string                `json:"model"`
	Content    []memory.ContentBlock `json:"content"`
	StopReason string                `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends the request, retrying transient failures.
func (c *AnthropicClient) Complete(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(attempt)
			var apierr *apiError
			if errors.As(lastErr, &apierr) && apierr.retryAfterSec > 0 {
				delay = max(delay, time.Duration(apierr.retryAfterSec)*time.Second)
			}
			c.logger.Info("retrying after retryable error",
				"attempt", attempt, "backoff_ms", delay.Milliseconds(), "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.completeOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if kind := ErrorKind(err); !kind.IsRetryableKind() {
			c.logger.Warn("non-retryable LLM error", "kind", kind, "error", err)
			return nil, err
		}
	}
	return nil, fmt.Errorf("model request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *AnthropicClient) completeOnce(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	body := anthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  toAnthropicMessages(req.Messages),
		Tools:     req.Tools,
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/messages"
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("x-api-key", c.apiKey)

	c.logger.Debug("sending chat completion",
		"model", model,
		"messages", len(body.Messages),
		"tools", len(body.Tools),
		"system_len", len(body.System),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apierr := &apiError{statusCode: resp.StatusCode, body: string(respBody)}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
				apierr.retryAfterSec = sec
			}
		}
		c.logger.Error("API error", "model", model, "status", resp.StatusCode, "body", truncate(string(respBody), 500))
		return nil, apierr
	}

	var anthResp anthropicResponse
	if err := json.Unmarshal(respBody, &anthResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w (body: %s)", err, truncate(string(respBody), 200))
	}
	if anthResp.Error != nil {
		return nil, &apiError{statusCode: resp.StatusCode, body: anthResp.Error.Message}
	}

	out := &ModelResponse{
		Model:      anthResp.Model,
		Content:    anthResp.Content,
		StopReason: StopReason(anthResp.StopReason),
		Usage: LLMUsage{
			InputTokens:  anthResp.Usage.InputTokens,
			OutputTokens: anthResp.Usage.OutputTokens,
		},
	}

	c.logger.Info("chat completion done",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"input_tokens", out.Usage.InputTokens,
		"output_tokens", out.Usage.OutputTokens,
		"stop_reason", out.StopReason,
	)
	return out, nil
}

// contextPlaceholder opens a conversation whose first kept turn is the
// assistant's.
const contextPlaceholder = "(continuing our conversation)"

// toAnthropicMessages converts turns to API messages. The API requires
// alternating roles starting with the user, so consecutive same-role turns are
// merged and a placeholder user message is prepended when needed.
func toAnthropicMessages(turns []memory.Turn) []anthropicMessage {
	msgs := make([]anthropicMessage, 0, len(turns))
	for _, t := range turns {
		blocks := make([]memory.ContentBlock, 0, len(t.Content))
		for _, b := range t.Content {
			switch b.Type {
			case memory.BlockText:
				if strings.TrimSpace(b.Text) == "" {
					continue
				}
			case memory.BlockToolUse:
				if len(b.Input) == 0 {
					b.Input = json.RawMessage("{}")
				}
			}
			blocks = append(blocks, b)
		}
		if len(blocks) == 0 {
			continue
		}

		role := string(t.Role)
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content = append(msgs[n-1].Content, blocks...)
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: role, Content: blocks})
	}

	if len(msgs) > 0 && msgs[0].Role != string(memory.RoleUser) {
		msgs = append([]anthropicMessage{{
			Role:    string(memory.RoleUser),
			Content: []memory.ContentBlock{memory.TextBlock(contextPlaceholder)},
		}}, msgs...)
	}
	return msgs
}

// ---------- Summarizer ----------

const summaryPrompt = "Summarize this conversation chunk in 3-5 bullet points.\n" +
	"Focus on: tasks completed, important facts about the user or their system, key decisions.\n" +
	"Be very concise. Bullet points only.\n\nConversation:\n"

// LLMSummarizer implements memory.Summarizer with a model call.
type LLMSummarizer struct {
	model     Model
	modelName string
}

// NewLLMSummarizer creates a summarizer. modelName may be empty to use the
// client's default model.
func NewLLMSummarizer(model Model, modelName string) *LLMSummarizer {
	return &LLMSummarizer{model: model, modelName: modelName}
}

// Summarize condenses turns into a few bullet points.
func (s *LLMSummarizer) Summarize(ctx context.Context, turns []memory.Turn) (string, error) {
	var b strings.Builder
	b.WriteString(summaryPrompt)
	for _, t := range turns {
		text := t.Text()
		if text == "" {
			continue
		}
		speaker := "User"
		if t.Role == memory.RoleAssistant {
			speaker = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, truncate(text, 400))
	}
	b.WriteString("\n\nSummary:")

	resp, err := s.model.Complete(ctx, ModelRequest{
		Model:     s.modelName,
		Messages:  []memory.Turn{{Role: memory.RoleUser, Content: []memory.ContentBlock{memory.TextBlock(b.String())}}},
		MaxTokens: 512,
	})
	if err != nil {
		return "", fmt.Errorf("summarizing %d turns: %w", len(turns), err)
	}
	return strings.TrimSpace(joinText(resp.Content)), nil
}

// joinText concatenates text blocks with newlines.
func joinText(blocks []memory.ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == memory.BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
