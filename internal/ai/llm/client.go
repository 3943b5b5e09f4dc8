// Package llm provides provider adapters for chat inference and a registry that
// resolves them by provider id. The complexity escalator and the execution
// layer both talk to providers through the Client interface defined here.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/optiroute/internal/models"
	"github.com/shopspring/decimal"
)

// Provider identifies an upstream model vendor.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Role represents a message role
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a chat message
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat specifies how the LLM should format its response
type ResponseFormat struct {
	Type       string         `json:"type"` // "text", "json_object" or "json_schema"
	JSONSchema map[string]any `json:"json_schema,omitempty"`
}

// CompletionRequest represents a completion request
type CompletionRequest struct {
	Messages       []Message         `json:"messages"`
	Model          string            `json:"model"`
	ResponseFormat *ResponseFormat   `json:"response_format,omitempty"`
	Temperature    *float64          `json:"temperature,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	StopSequences  []string          `json:"stop,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CompletionResponse represents a completion response
type CompletionResponse struct {
	ID       string    `json:"id"`
	Model    string    `json:"model"`
	Provider Provider  `json:"provider"`
	Created  time.Time `json:"created"`
	Message  Message   `json:"message"`

	Usage UsageMetrics `json:"usage"`
	Cost  CostMetrics  `json:"cost"`

	LatencyMs int64 `json:"latency_ms"`

	// Finish reason: "stop", "length", "content_filter"
	FinishReason string `json:"finish_reason"`
}

// UsageMetrics tracks token usage
type UsageMetrics struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// CostMetrics tracks cost information
type CostMetrics struct {
	InputCost  decimal.Decimal `json:"input_cost"`
	OutputCost decimal.Decimal `json:"output_cost"`
	TotalCost  decimal.Decimal `json:"total_cost"`
}

// Pricing holds USD prices per 1K tokens.
type Pricing struct {
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
}

// PricingFor converts catalog prices into adapter pricing.
func PricingFor(m *models.ModelInfo) *Pricing {
	if m == nil {
		return nil
	}
	return &Pricing{InputPer1K: m.InputPrice, OutputPer1K: m.OutputPrice}
}

// Cost prices a usage record. A nil Pricing yields zero cost.
func (p *Pricing) Cost(usage UsageMetrics) CostMetrics {
	if p == nil {
		return CostMetrics{}
	}
	thousand := decimal.NewFromInt(1000)
	inputCost := decimal.NewFromInt(int64(usage.InputTokens)).Div(thousand).Mul(p.InputPer1K)
	outputCost := decimal.NewFromInt(int64(usage.OutputTokens)).Div(thousand).Mul(p.OutputPer1K)
	return CostMetrics{
		InputCost:  inputCost,
		OutputCost: outputCost,
		TotalCost:  inputCost.Add(outputCost),
	}
}

// ClientConfig holds configuration for LLM clients
type ClientConfig struct {
	APIKey      string
	BaseURL     string
	HTTPTimeout time.Duration
	Pricing     *Pricing
}

// Client is the interface for LLM inference clients
type Client interface {
	// Complete sends a completion request and returns the response
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Provider returns the provider type
	Provider() Provider

	// APIType reports the endpoint kind this adapter serves.
	APIType() models.APIType

	// Close releases any resources
	Close() error
}

// Error types

// ErrProviderNotConfigured indicates a provider is not configured
type ErrProviderNotConfigured struct {
	Provider Provider
}

func (e ErrProviderNotConfigured) Error() string {
	return "provider not configured: " + string(e.Provider)
}

// ErrUnsupportedProvider indicates an unsupported provider
type ErrUnsupportedProvider struct {
	Provider Provider
}

func (e ErrUnsupportedProvider) Error() string {
	return "unsupported provider: " + string(e.Provider)
}

// ErrUnsupportedAPIType indicates the provider adapter cannot serve the requested endpoint kind.
type ErrUnsupportedAPIType struct {
	Provider Provider
	APIType  models.APIType
}

func (e ErrUnsupportedAPIType) Error() string {
	return fmt.Sprintf("provider %s does not serve %s requests", e.Provider, e.APIType)
}

// ErrRateLimited indicates rate limiting from the provider
type ErrRateLimited struct {
	Provider   Provider
	RetryAfter time.Duration
}

func (e ErrRateLimited) Error() string {
	return "rate limited by " + string(e.Provider) + ", retry after " + e.RetryAfter.String()
}

// ErrAPIError is a non-success response from a provider.
type ErrAPIError struct {
	Provider   Provider
	StatusCode int
	Type       string
	Message    string
}

func (e ErrAPIError) Error() string {
	return fmt.Sprintf("%s API error (status %d, type %s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
}

// ErrContextLengthExceeded indicates the context length was exceeded
type ErrContextLengthExceeded struct {
	Provider Provider
}

func (e ErrContextLengthExceeded) Error() string {
	return "context length exceeded for " + string(e.Provider)
}
