package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/irfndi/optiroute/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOpenAIClient_Defaults(t *testing.T) {
	client := NewOpenAIClient(ClientConfig{APIKey: "test-key"})
	require.NotNil(t, client)
	assert.Equal(t, ProviderOpenAI, client.Provider())
	assert.Equal(t, models.APITypeChat, client.APIType())
	assert.Equal(t, OpenAIDefaultBaseURL, client.config.BaseURL)
	assert.Equal(t, OpenAIDefaultTimeout, client.config.HTTPTimeout)
}

func TestOpenAIClient_Complete(t *testing.T) {
	var authHeader string
	var got openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		assert.Equal(t, "/chat/completions", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)

		resp := openAIResponse{
			ID:      "chatcmpl-1",
			Object:  "chat.completion",
			Created: 1700000000,
			Model:   "gpt-4o-mini",
			Choices: []openAIChoice{{
				Message:      openAIMessage{Role: "assistant", Content: "Hello, world!"},
				FinishReason: "stop",
			}},
			Usage: openAIUsage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewOpenAIClient(ClientConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Pricing: &Pricing{
			InputPer1K:  decimal.RequireFromString("0.00015"),
			OutputPer1K: decimal.RequireFromString("0.0006"),
		},
	})

	resp, err := client.Complete(context.Background(), &CompletionRequest{
		Model:          "gpt-4o-mini",
		Messages:       []Message{{Role: RoleSystem, Content: "be brief"}, {Role: RoleUser, Content: "Hello"}},
		ResponseFormat: JSONObjectFormat(),
		MaxTokens:      50,
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", authHeader)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
	assert.Len(t, got.Messages, 2)
	assert.Equal(t, 50, got.MaxTokens)

	assert.Equal(t, "Hello, world!", resp.Message.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 1500, resp.Usage.TotalTokens)
	assert.True(t, decimal.RequireFromString("0.00045").Equal(resp.Cost.TotalCost), resp.Cost.TotalCost.String())
}

func TestOpenAIClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		headers map[string]string
		body    string
		check   func(t *testing.T, err error)
	}{
		{
			name:    "rate limited",
			status:  http.StatusTooManyRequests,
			headers: map[string]string{"Retry-After": "7"},
			body:    `{"error":{"message":"slow down"}}`,
			check: func(t *testing.T, err error) {
				var rl ErrRateLimited
				require.True(t, errors.As(err, &rl))
				assert.Equal(t, 7*time.Second, rl.RetryAfter)
			},
		},
		{
			name:   "context length",
			status: http.StatusBadRequest,
			body:   `{"error":{"message":"too long","code":"context_length_exceeded"}}`,
			check: func(t *testing.T, err error) {
				assert.True(t, errors.As(err, &ErrContextLengthExceeded{}))
			},
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"error":{"message":"bad key","type":"invalid_request_error"}}`,
			check: func(t *testing.T, err error) {
				var apiErr ErrAPIError
				require.True(t, errors.As(err, &apiErr))
				assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
				assert.Equal(t, "bad key", apiErr.Message)
			},
		},
		{
			name:   "non json body",
			status: http.StatusBadGateway,
			body:   `upstream exploded`,
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "upstream exploded")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewOpenAIClient(ClientConfig{APIKey: "k", BaseURL: server.URL})
			_, err := client.Complete(context.Background(), &CompletionRequest{Model: "m"})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestAnthropicClient_Complete(t *testing.T) {
	var got anthropicRequest
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		assert.Equal(t, "/messages", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)

		resp := anthropicResponse{
			ID:         "msg_1",
			Type:       "message",
			Role:       "assistant",
			Model:      "claude-3-5-haiku",
			Content:    []anthropicContent{{Type: "text", Text: "Hi "}, {Type: "text", Text: "there"}},
			StopReason: "end_turn",
			Usage:      anthropicUsage{InputTokens: 12, OutputTokens: 3},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewAnthropicClient(ClientConfig{APIKey: "ant-key", BaseURL: server.URL})
	resp, err := client.Complete(context.Background(), &CompletionRequest{
		Model:          "claude-3-5-haiku",
		Messages:       []Message{{Role: RoleSystem, Content: "rubric"}, {Role: RoleUser, Content: "classify"}},
		ResponseFormat: JSONObjectFormat(),
	})
	require.NoError(t, err)

	assert.Equal(t, "ant-key", headers.Get("x-api-key"))
	assert.Equal(t, AnthropicVersion, headers.Get("anthropic-version"))
	assert.Contains(t, got.System, "rubric")
	assert.Contains(t, got.System, "JSON")
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, anthropicDefaultMaxTokens, got.MaxTokens)

	assert.Equal(t, ProviderAnthropic, resp.Provider)
	assert.Equal(t, "Hi there", resp.Message.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.True(t, resp.Cost.TotalCost.IsZero())
}

func TestAnthropicClient_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewAnthropicClient(ClientConfig{APIKey: "k", BaseURL: server.URL})
	_, err := client.Complete(context.Background(), &CompletionRequest{Model: "m"})
	var rl ErrRateLimited
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 30*time.Second, rl.RetryAfter)
}

func TestPricing_NilIsZero(t *testing.T) {
	var p *Pricing
	cost := p.Cost(UsageMetrics{InputTokens: 100, OutputTokens: 100})
	assert.True(t, cost.TotalCost.IsZero())

	assert.Nil(t, PricingFor(nil))
	m := &models.ModelInfo{InputPrice: decimal.NewFromInt(1), OutputPrice: decimal.NewFromInt(2)}
	cost = PricingFor(m).Cost(UsageMetrics{InputTokens: 500, OutputTokens: 1000})
	assert.Equal(t, "2.5", cost.TotalCost.String())
}
