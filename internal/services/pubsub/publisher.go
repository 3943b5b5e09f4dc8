package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/irfndi/optiroute/internal/models"
)

// Publisher fans routing events out over Redis. Publishing is fire-and-forget;
// nobody listening is not an error.
type Publisher struct {
	client    *redis.Client
	logger    *zap.Logger
	source    string
	published atomic.Int64
	errors    atomic.Int64
}

// NewPublisher tags every envelope with source, normally the instance name.
func NewPublisher(client *redis.Client, logger *zap.Logger, source string) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client: client,
		logger: logger,
		source: source,
	}
}

func (p *Publisher) Publish(ctx context.Context, channel string, envelope Envelope) error {
	if channel == "" {
		return fmt.Errorf("pubsub: channel cannot be empty")
	}

	envelope.Channel = channel
	if envelope.Source == "" {
		envelope.Source = p.source
	}
	if envelope.Timestamp.IsZero() {
		envelope.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		p.errors.Add(1)
		return fmt.Errorf("pubsub: marshal envelope: %w", err)
	}

	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		p.errors.Add(1)
		p.logger.Error("pubsub: publish failed",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return fmt.Errorf("pubsub: publish to %s: %w", channel, err)
	}

	p.published.Add(1)
	return nil
}

// PublishDecision announces a routing decision on the channel of its entity type.
func (p *Publisher) PublishDecision(ctx context.Context, decision *models.RoutingDecision, analysis *models.ComplexityResult) error {
	if decision == nil {
		return fmt.Errorf("pubsub: nil decision")
	}
	payload := DecisionPayload{
		DecisionID:      decision.ID,
		Provider:        decision.SelectedProvider,
		Model:           decision.SelectedModel,
		Phase:           string(decision.Phase),
		Strategy:        string(decision.Strategy),
		Confidence:      decision.ConfidenceScore,
		EstimatedCost:   decision.EstimatedCost.String(),
		SessionSticky:   decision.SessionSticky,
		KeySource:       string(decision.APIKeySource),
		EntityType:      string(decision.EntityType),
		ComplexityScore: decision.ComplexityScore,
		ContentType:     string(decision.ContentType),
		DecisionTimeMs:  decision.DecisionTime.Milliseconds(),
	}
	if analysis != nil {
		payload.ComplexityLevel = string(analysis.Level)
		payload.AnalysisPath = string(analysis.AnalysisPath)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pubsub: marshal decision payload: %w", err)
	}
	return p.Publish(ctx, DecisionChannel(string(decision.EntityType)), Envelope{
		Type:      MessageTypeDecision,
		RequestID: decision.ID,
		Data:      data,
	})
}

// PublishOutcome announces a recorded execution on its provider's channel.
func (p *Publisher) PublishOutcome(ctx context.Context, rec *models.UsageRecord) error {
	if rec == nil {
		return fmt.Errorf("pubsub: nil usage record")
	}
	data, err := json.Marshal(OutcomePayload{
		Provider:         rec.Provider,
		Model:            rec.Model,
		Status:           string(rec.Status),
		LatencyMs:        int64(rec.LatencyMs),
		InputTokens:      rec.InputTokens,
		OutputTokens:     rec.OutputTokens,
		Cost:             rec.TotalCostUSD.String(),
		PerformanceScore: rec.PerformanceScore,
	})
	if err != nil {
		return fmt.Errorf("pubsub: marshal outcome payload: %w", err)
	}

	env := Envelope{
		Type:      MessageTypeOutcome,
		RequestID: rec.RequestID,
		Data:      data,
	}
	if rec.OrganizationID != nil {
		env.OrganizationID = *rec.OrganizationID
	}
	return p.Publish(ctx, OutcomeChannel(rec.Provider), env)
}

// PublishCatalogInvalidation tells every instance to drop its catalog snapshot.
func (p *Publisher) PublishCatalogInvalidation(ctx context.Context, payload CatalogInvalidationPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pubsub: marshal invalidation payload: %w", err)
	}
	return p.Publish(ctx, ChannelCatalogInvalidate, Envelope{
		Type: MessageTypeCatalogInvalidated,
		Data: data,
	})
}

type PublisherStats struct {
	Published int64 `json:"published"`
	Errors    int64 `json:"errors"`
}

func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Errors:    p.errors.Load(),
	}
}
