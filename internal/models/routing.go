package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Strategy selects how the fallback scorer trades cost against quality and speed.
type Strategy string

const (
	StrategyCostFirst        Strategy = "cost_first"
	StrategyBalanced         Strategy = "balanced"
	StrategyQualityFirst     Strategy = "quality_first"
	StrategyPerformanceFirst Strategy = "performance_first"
)

// ParseStrategy accepts upper or lower case names and a few common aliases.
func ParseStrategy(s string) (Strategy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cost_first", "cost":
		return StrategyCostFirst, true
	case "balanced", "":
		return StrategyBalanced, true
	case "quality_first", "quality":
		return StrategyQualityFirst, true
	case "performance_first", "performance", "latency":
		return StrategyPerformanceFirst, true
	}
	return "", false
}

// APIType is the capability kind a provider endpoint serves.
type APIType string

const (
	APITypeChat       APIType = "chat"
	APITypeCompletion APIType = "completion"
	APITypeEmbedding  APIType = "embedding"
)

// Capability tags declared by models in the catalog.
const (
	CapabilityAdvancedReasoning = "advanced_reasoning"
	CapabilityFunctionCalling   = "function_calling"
	CapabilityVision            = "vision"
	CapabilityLongContext       = "long_context"
	CapabilityJSONMode          = "json_mode"
)

// ModelInfo is one active model from the catalog. Prices are USD per 1K tokens.
type ModelInfo struct {
	ID            string          `json:"id" yaml:"id" db:"id"`
	ProviderID    string          `json:"provider_id" yaml:"provider_id" db:"provider_id"`
	ModelName     string          `json:"model_name" yaml:"model_name" db:"model_name"`
	DisplayName   string          `json:"display_name,omitempty" yaml:"display_name" db:"display_name"`
	APIType       APIType         `json:"api_type" yaml:"api_type" db:"api_type"`
	Capabilities  []string        `json:"capabilities" yaml:"capabilities" db:"capabilities"`
	InputPrice    decimal.Decimal `json:"input_price" yaml:"input_price" db:"input_price"`
	OutputPrice   decimal.Decimal `json:"output_price" yaml:"output_price" db:"output_price"`
	ContextWindow int             `json:"context_window" yaml:"context_window" db:"context_window"`
	Active        bool            `json:"active" yaml:"active" db:"active"`
}

// HasCapability reports whether the model declares the given tag.
func (m ModelInfo) HasCapability(tag string) bool {
	for _, c := range m.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// AveragePrice is the mean of input and output prices, used as a cost proxy.
func (m ModelInfo) AveragePrice() decimal.Decimal {
	return m.InputPrice.Add(m.OutputPrice).Div(decimal.NewFromInt(2))
}

// QualifiedName formats the model as provider/model for fallback chains and logs.
func (m ModelInfo) QualifiedName() string {
	return m.ProviderID + "/" + m.ModelName
}

// QuotaStatus is the spend state of an API key.
type QuotaStatus string

const (
	QuotaHealthy  QuotaStatus = "healthy"
	QuotaWarning  QuotaStatus = "warning"
	QuotaCritical QuotaStatus = "critical"
	QuotaExceeded QuotaStatus = "exceeded"
)

func (q QuotaStatus) Valid() bool {
	switch q {
	case QuotaHealthy, QuotaWarning, QuotaCritical, QuotaExceeded:
		return true
	}
	return false
}

// KeySource distinguishes organization-owned keys from the shared platform pool.
type KeySource string

const (
	KeySourceOrganization KeySource = "organization"
	KeySourcePlatform     KeySource = "platform"
)

// APIKey is a stored provider credential. Secret holds the encrypted value.
type APIKey struct {
	ID             string      `json:"id" yaml:"id" db:"id"`
	ProviderID     string      `json:"provider_id" yaml:"provider_id" db:"provider_id"`
	OrganizationID string      `json:"organization_id,omitempty" yaml:"organization_id" db:"organization_id"`
	Secret         string      `json:"-" yaml:"secret" db:"encrypted_key"`
	QuotaStatus    QuotaStatus `json:"quota_status" yaml:"quota_status" db:"quota_status"`
	Active         bool        `json:"active" yaml:"active" db:"active"`
}

// Source derives the key source from ownership.
func (k APIKey) Source() KeySource {
	if k.OrganizationID != "" {
		return KeySourceOrganization
	}
	return KeySourcePlatform
}

// Usable reports whether the key can be handed to the execution layer.
func (k APIKey) Usable() bool {
	return k.Active && k.QuotaStatus != QuotaExceeded
}

// RuleCondition is one field/operator/value triple of a routing rule.
type RuleCondition struct {
	Field    string          `json:"field" yaml:"field"`
	Operator string          `json:"operator" yaml:"operator"`
	Value    json.RawMessage `json:"value" yaml:"-"`
}

// UnmarshalYAML lets static catalogs write condition values as plain YAML scalars or lists.
func (c *RuleCondition) UnmarshalYAML(unmarshal func(any) error) error {
	var raw struct {
		Field    string `yaml:"field"`
		Operator string `yaml:"operator"`
		Value    any    `yaml:"value"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	value, err := json.Marshal(raw.Value)
	if err != nil {
		return err
	}
	c.Field, c.Operator, c.Value = raw.Field, raw.Operator, value
	return nil
}

// RuleModel attaches a catalog model to a rule with a relative selection weight.
type RuleModel struct {
	ModelID string  `json:"model_id" yaml:"model_id"`
	Weight  float64 `json:"weight" yaml:"weight"`
}

// RoutingRule maps a condition list to a weighted model set. An empty
// OrganizationID marks a system-wide rule.
type RoutingRule struct {
	ID             string          `json:"id" yaml:"id"`
	OrganizationID string          `json:"organization_id,omitempty" yaml:"organization_id"`
	Name           string          `json:"name" yaml:"name"`
	ModelType      APIType         `json:"model_type" yaml:"model_type"`
	Priority       int             `json:"priority" yaml:"priority"`
	Conditions     []RuleCondition `json:"conditions" yaml:"conditions"`
	Models         []RuleModel     `json:"models" yaml:"models"`
	Active         bool            `json:"active" yaml:"active"`
}

// Organization carries the routing-relevant settings of a tenant.
type Organization struct {
	ID                 string   `json:"id" yaml:"id" db:"id"`
	Name               string   `json:"name" yaml:"name" db:"name"`
	SubscriptionTier   string   `json:"subscription_tier" yaml:"subscription_tier" db:"subscription_tier"`
	DefaultStrategy    Strategy `json:"default_strategy,omitempty" yaml:"default_strategy" db:"default_strategy"`
	UniversalThreshold float64  `json:"universal_threshold,omitempty" yaml:"universal_threshold" db:"universal_threshold"`
	DailyBudgetUSD     float64  `json:"daily_budget_usd,omitempty" yaml:"daily_budget_usd" db:"daily_budget_usd"`
}

// RoutingPhase names the routing stage that produced a decision.
type RoutingPhase string

const (
	PhaseAffinity   RoutingPhase = "affinity"
	PhaseRule       RoutingPhase = "rule"
	PhaseScored     RoutingPhase = "scored"
	PhaseEmergency  RoutingPhase = "emergency"
	PhaseLastResort RoutingPhase = "last_resort"
)

// RoutingDecision is the provider/model choice for one request.
type RoutingDecision struct {
	ID               string          `json:"id"`
	SelectedProvider string          `json:"selected_provider"`
	SelectedModel    string          `json:"selected_model"`
	ModelID          string          `json:"model_id,omitempty"`
	APIType          APIType         `json:"api_type"`
	ConfidenceScore  float64         `json:"confidence_score"`
	Reasoning        string          `json:"reasoning"`
	EstimatedCost    decimal.Decimal `json:"estimated_cost"`
	EstimatedTokens  int             `json:"estimated_tokens"`
	ComplexityScore  float64         `json:"complexity_score"`
	ContentType      ContentType     `json:"content_type"`
	FallbackChain    []string        `json:"fallback_chain,omitempty"`
	DecisionTime     time.Duration   `json:"decision_time_ns"`
	SessionSticky    bool            `json:"session_sticky"`
	APIKeySource     KeySource       `json:"api_key_source"`
	EntityType       EntityType      `json:"entity_type"`
	Strategy         Strategy        `json:"strategy"`
	Phase            RoutingPhase    `json:"phase"`
}
