package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/optiroute/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExecutionRequest is one dispatch of a routed request to a provider.
type ExecutionRequest struct {
	Provider  string
	Model     string
	APIType   models.APIType
	APIKey    string
	Messages  []Message
	MaxTokens int
	Pricing   *Pricing
	Timeout   time.Duration
}

// ExecutionResult carries generated content and accounting data.
type ExecutionResult struct {
	Content      string          `json:"content"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	Latency      time.Duration   `json:"latency_ns"`
	Cost         decimal.Decimal `json:"cost"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

// ProviderExecutor performs calls through adapters resolved from a Registry.
type ProviderExecutor struct {
	registry *Registry
	logger   *zap.Logger
}

// NewProviderExecutor creates an executor backed by registry.
func NewProviderExecutor(registry *Registry, logger *zap.Logger) *ProviderExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProviderExecutor{registry: registry, logger: logger}
}

// Execute sends the request and converts the provider response. The caller's
// API key takes precedence over the platform key registered for the provider.
func (e *ProviderExecutor) Execute(ctx context.Context, req *ExecutionRequest) (*ExecutionResult, error) {
	apiType := req.APIType
	if apiType == "" {
		apiType = models.APITypeChat
	}

	client, err := e.registry.Client(Provider(req.Provider), apiType, req.APIKey, req.Pricing)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := client.Complete(ctx, &CompletionRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", req.Provider, req.Model, err)
	}

	latency := time.Since(start)
	e.logger.Debug("execution completed",
		zap.String("provider", req.Provider),
		zap.String("model", req.Model),
		zap.Duration("latency", latency),
		zap.String("cost", resp.Cost.TotalCost.String()))

	return &ExecutionResult{
		Content:      resp.Message.Content,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Latency:      latency,
		Cost:         resp.Cost.TotalCost,
		FinishReason: resp.FinishReason,
	}, nil
}
