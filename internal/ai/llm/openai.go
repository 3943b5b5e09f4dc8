package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/irfndi/optiroute/internal/models"
	"go.uber.org/zap"
)

const (
	OpenAIDefaultBaseURL = "https://api.openai.com/v1"
	OpenAIDefaultTimeout = 60 * time.Second
)

// OpenAIClient talks to the chat completions endpoint.
type OpenAIClient struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithOpenAILogger sets the client logger.
func WithOpenAILogger(logger *zap.Logger) OpenAIOption {
	return func(c *OpenAIClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewOpenAIClient(config ClientConfig, opts ...OpenAIOption) *OpenAIClient {
	if config.HTTPTimeout == 0 {
		config.HTTPTimeout = OpenAIDefaultTimeout
	}
	if config.BaseURL == "" {
		config.BaseURL = OpenAIDefaultBaseURL
	}

	c := &OpenAIClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.HTTPTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *OpenAIClient) Provider() Provider {
	return ProviderOpenAI
}

func (c *OpenAIClient) APIType() models.APIType {
	return models.APITypeChat
}

func (c *OpenAIClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
	Temperature    *float64              `json:"temperature,omitempty"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	Stop           []string              `json:"stop,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type       string         `json:"type"`
	JSONSchema map[string]any `json:"json_schema,omitempty"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (c *OpenAIClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	startTime := time.Now()

	body, err := json.Marshal(c.convertRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

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

	var openAIResp openAIResponse
	if err := json.Unmarshal(respBody, &openAIResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	out := c.convertResponse(&openAIResp, time.Since(startTime).Milliseconds())
	c.logger.Debug("openai completion",
		zap.String("model", out.Model),
		zap.Int("input_tokens", out.Usage.InputTokens),
		zap.Int("output_tokens", out.Usage.OutputTokens),
		zap.Int64("latency_ms", out.LatencyMs))
	return out, nil
}

func (c *OpenAIClient) convertRequest(req *CompletionRequest) *openAIRequest {
	messages := make([]openAIMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openAIMessage{Role: string(msg.Role), Content: msg.Content}
	}

	var responseFormat *openAIResponseFormat
	if req.ResponseFormat != nil {
		responseFormat = &openAIResponseFormat{
			Type:       req.ResponseFormat.Type,
			JSONSchema: req.ResponseFormat.JSONSchema,
		}
	}

	return &openAIRequest{
		Model:          req.Model,
		Messages:       messages,
		ResponseFormat: responseFormat,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		Stop:           req.StopSequences,
	}
}

func (c *OpenAIClient) convertResponse(resp *openAIResponse, latencyMs int64) *CompletionResponse {
	usage := UsageMetrics{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}

	out := &CompletionResponse{
		ID:        resp.ID,
		Model:     resp.Model,
		Provider:  ProviderOpenAI,
		Created:   time.Unix(resp.Created, 0),
		Usage:     usage,
		Cost:      c.config.Pricing.Cost(usage),
		LatencyMs: latencyMs,
	}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Message = Message{Role: Role(choice.Message.Role), Content: choice.Message.Content}
		out.FinishReason = choice.FinishReason
	}
	return out
}

func (c *OpenAIClient) handleErrorResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := 30 * time.Second
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
		return ErrRateLimited{Provider: ProviderOpenAI, RetryAfter: retryAfter}
	}

	var apiErr openAIError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return ErrAPIError{Provider: ProviderOpenAI, StatusCode: resp.StatusCode, Message: string(body)}
	}

	if resp.StatusCode == http.StatusBadRequest && apiErr.Error.Code == "context_length_exceeded" {
		return ErrContextLengthExceeded{Provider: ProviderOpenAI}
	}

	return ErrAPIError{
		Provider:   ProviderOpenAI,
		StatusCode: resp.StatusCode,
		Type:       apiErr.Error.Type,
		Message:    apiErr.Error.Message,
	}
}
