// Package pubsub provides typed Redis pub/sub messaging for routing events.
//
// Channel naming convention: {domain}:{entity}:{qualifier}
// Examples: routing:decision:agent, routing:outcome:openai, routing:catalog:invalidate
package pubsub

import (
	"fmt"
	"strings"
	"time"
)

const (
	DomainRouting = "routing"
)

const (
	EntityDecision = "decision"
	EntityOutcome  = "outcome"
	EntityCatalog  = "catalog"
)

const (
	QualifierInvalidate = "invalidate"
)

const (
	ChannelAllDecisions      = DomainRouting + ":" + EntityDecision + ":*"
	ChannelAllOutcomes       = DomainRouting + ":" + EntityOutcome + ":*"
	ChannelCatalogInvalidate = DomainRouting + ":" + EntityCatalog + ":" + QualifierInvalidate
)

// DecisionChannel is keyed by entity type so consumers can follow only
// agent or workflow traffic.
func DecisionChannel(entityType string) string {
	if entityType == "" {
		entityType = "unknown"
	}
	return fmt.Sprintf("%s:%s:%s", DomainRouting, EntityDecision, entityType)
}

func OutcomeChannel(provider string) string {
	if provider == "" {
		provider = "unknown"
	}
	return fmt.Sprintf("%s:%s:%s", DomainRouting, EntityOutcome, provider)
}

// ParseChannel extracts domain, entity, and qualifiers from a channel name.
// Channel format is {domain}:{entity}[:{q1}:{q2}:...].
func ParseChannel(channel string) (domain, entity string, qualifiers []string) {
	parts := strings.SplitN(channel, ":", 3)
	if len(parts) < 2 {
		return "", "", nil
	}
	domain = parts[0]
	entity = parts[1]
	if len(parts) == 3 {
		qualifiers = strings.Split(parts[2], ":")
	}
	return domain, entity, qualifiers
}

type MessageType string

const (
	MessageTypeDecision           MessageType = "decision"
	MessageTypeOutcome            MessageType = "outcome"
	MessageTypeCatalogInvalidated MessageType = "catalog_invalidated"
)

type Envelope struct {
	Type           MessageType `json:"type"`
	Channel        string      `json:"channel"`
	OrganizationID string      `json:"organization_id,omitempty"`
	RequestID      string      `json:"request_id,omitempty"`
	Data           []byte      `json:"data"`
	Timestamp      time.Time   `json:"timestamp"`
	Source         string      `json:"source,omitempty"`
}

// DecisionPayload carries the fields downstream dashboards aggregate on.
// Decimal values travel as strings.
type DecisionPayload struct {
	DecisionID      string  `json:"decision_id"`
	Provider        string  `json:"provider"`
	Model           string  `json:"model"`
	Phase           string  `json:"phase"`
	Strategy        string  `json:"strategy,omitempty"`
	Confidence      float64 `json:"confidence"`
	EstimatedCost   string  `json:"estimated_cost"`
	SessionSticky   bool    `json:"session_sticky"`
	KeySource       string  `json:"key_source,omitempty"`
	EntityType      string  `json:"entity_type"`
	ComplexityScore float64 `json:"complexity_score"`
	ComplexityLevel string  `json:"complexity_level,omitempty"`
	ContentType     string  `json:"content_type,omitempty"`
	AnalysisPath    string  `json:"analysis_path,omitempty"`
	DecisionTimeMs  int64   `json:"decision_time_ms"`
}

type OutcomePayload struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	Status           string  `json:"status"`
	LatencyMs        int64   `json:"latency_ms"`
	InputTokens      int     `json:"input_tokens"`
	OutputTokens     int     `json:"output_tokens"`
	Cost             string  `json:"cost"`
	PerformanceScore float64 `json:"performance_score"`
}

type CatalogInvalidationPayload struct {
	Reason string `json:"reason"`
	KeyID  string `json:"key_id,omitempty"`
}
