package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/irfndi/optiroute/internal/models"
	"go.uber.org/zap"
)

const (
	AnthropicDefaultBaseURL   = "https://api.anthropic.com/v1"
	AnthropicDefaultTimeout   = 120 * time.Second
	AnthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

// AnthropicClient talks to the messages endpoint.
type AnthropicClient struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// AnthropicOption configures an AnthropicClient.
type AnthropicOption func(*AnthropicClient)

// WithAnthropicLogger sets the client logger.
func WithAnthropicLogger(logger *zap.Logger) AnthropicOption {
	return func(c *AnthropicClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewAnthropicClient(config ClientConfig, opts ...AnthropicOption) *AnthropicClient {
	if config.HTTPTimeout == 0 {
		config.HTTPTimeout = AnthropicDefaultTimeout
	}
	if config.BaseURL == "" {
		config.BaseURL = AnthropicDefaultBaseURL
	}

	c := &AnthropicClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.HTTPTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *AnthropicClient) Provider() Provider {
	return ProviderAnthropic
}

func (c *AnthropicClient) APIType() models.APIType {
	return models.APITypeChat
}

func (c *AnthropicClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *AnthropicClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	startTime := time.Now()

	body, err := json.Marshal(c.convertRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.config.APIKey)
	httpReq.Header.Set("anthropic-version", AnthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp, respBody)
	}

	var anthropicResp anthropicResponse
	if err := json.Unmarshal(respBody, &anthropicResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	out := c.convertResponse(&anthropicResp, time.Since(startTime).Milliseconds())
	c.logger.Debug("anthropic completion",
		zap.String("model", out.Model),
		zap.Int("input_tokens", out.Usage.InputTokens),
		zap.Int("output_tokens", out.Usage.OutputTokens),
		zap.Int64("latency_ms", out.LatencyMs))
	return out, nil
}

// convertRequest lifts system messages into the top-level system field. JSON
// response formats become an instruction appended to the system prompt since
// the messages API has no response_format parameter.
func (c *AnthropicClient) convertRequest(req *CompletionRequest) *anthropicRequest {
	var system []string
	messages := make([]anthropicMessage, 0, len(req.Messages))

	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		messages = append(messages, anthropicMessage{
			Role:    string(msg.Role),
			Content: []anthropicContent{{Type: "text", Text: msg.Content}},
		})
	}

	if req.ResponseFormat != nil && req.ResponseFormat.Type != "text" {
		system = append(system, "Respond with a single JSON object and nothing else.")
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	return &anthropicRequest{
		Model:         req.Model,
		Messages:      messages,
		System:        strings.Join(system, "\n\n"),
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		StopSequences: req.StopSequences,
	}
}

func (c *AnthropicClient) convertResponse(resp *anthropicResponse, latencyMs int64) *CompletionResponse {
	var text strings.Builder
	for _, content := range resp.Content {
		if content.Type == "text" {
			text.WriteString(content.Text)
		}
	}

	usage := UsageMetrics{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}

	return &CompletionResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Provider:     ProviderAnthropic,
		Created:      time.Now(),
		Message:      Message{Role: RoleAssistant, Content: text.String()},
		Usage:        usage,
		Cost:         c.config.Pricing.Cost(usage),
		LatencyMs:    latencyMs,
		FinishReason: resp.StopReason,
	}
}

func (c *AnthropicClient) handleErrorResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 30 * time.Second
		if secs, err := strconv.Atoi(resp.Header.Get("retry-after")); err == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
		return ErrRateLimited{Provider: ProviderAnthropic, RetryAfter: retryAfter}
	}

	var apiErr anthropicError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return ErrAPIError{Provider: ProviderAnthropic, StatusCode: resp.StatusCode, Message: string(body)}
	}

	if resp.StatusCode == http.StatusBadRequest && strings.Contains(apiErr.Error.Message, "prompt is too long") {
		return ErrContextLengthExceeded{Provider: ProviderAnthropic}
	}

	return ErrAPIError{
		Provider:   ProviderAnthropic,
		StatusCode: resp.StatusCode,
		Type:       apiErr.Error.Type,
		Message:    apiErr.Error.Message,
	}
}
