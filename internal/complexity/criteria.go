package complexity

import (
	"context"
	"strings"

	"github.com/irfndi/optiroute/internal/models"
	"github.com/irfndi/optiroute/internal/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrganizationLookup resolves tenant settings. A missing organization is
// reported with found=false, not an error.
type OrganizationLookup interface {
	GetOrganization(ctx context.Context, id string) (*models.Organization, bool, error)
}

// TierPolicy is the escalation policy attached to a subscription tier.
type TierPolicy struct {
	Name                string
	ConfidenceThreshold float64
	CostCeiling         decimal.Decimal
}

// DefaultTierPolicy applies when the request has no organization or the tier is unknown.
var DefaultTierPolicy = TierPolicy{
	Name:                "default",
	ConfidenceThreshold: 0.85,
	CostCeiling:         decimal.RequireFromString("0.002"),
}

var tierPolicies = map[string]TierPolicy{
	"free":       {Name: "free", ConfidenceThreshold: 0.80, CostCeiling: decimal.RequireFromString("0.001")},
	"starter":    {Name: "starter", ConfidenceThreshold: 0.85, CostCeiling: decimal.RequireFromString("0.002")},
	"pro":        {Name: "pro", ConfidenceThreshold: 0.85, CostCeiling: decimal.RequireFromString("0.005")},
	"enterprise": {Name: "enterprise", ConfidenceThreshold: 0.90, CostCeiling: decimal.RequireFromString("0.010")},
}

// PolicyForTier returns the policy for a subscription tier name.
func PolicyForTier(tier string) TierPolicy {
	if p, ok := tierPolicies[strings.ToLower(strings.TrimSpace(tier))]; ok {
		return p
	}
	return DefaultTierPolicy
}

// CallPricing prices the classification call used for cost estimates.
type CallPricing struct {
	InputPer1K  decimal.Decimal
	OutputPer1K decimal.Decimal
	MaxTokens   int
}

// EscalationCriteria decides whether a rule-based verdict should be handed to
// the remote classifier.
type EscalationCriteria struct {
	orgs    OrganizationLookup
	pricing CallPricing
	tokens  *utils.TokenCounter
	logger  *zap.Logger
}

// CriteriaOption configures EscalationCriteria.
type CriteriaOption func(*EscalationCriteria)

// WithCriteriaLogger sets the logger.
func WithCriteriaLogger(logger *zap.Logger) CriteriaOption {
	return func(c *EscalationCriteria) { c.logger = logger }
}

// WithTokenCounter replaces the heuristic token estimate used for cost estimates.
func WithTokenCounter(tc *utils.TokenCounter) CriteriaOption {
	return func(c *EscalationCriteria) { c.tokens = tc }
}

// NewEscalationCriteria creates the criteria. orgs may be nil.
func NewEscalationCriteria(orgs OrganizationLookup, pricing CallPricing, opts ...CriteriaOption) *EscalationCriteria {
	c := &EscalationCriteria{
		orgs:    orgs,
		pricing: pricing,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ShouldEscalate evaluates the four escalation conditions. Reason is the first
// condition that fired; Triggers lists all of them.
func (c *EscalationCriteria) ShouldEscalate(ctx context.Context, analysis *RuleAnalysis, text string, rc *models.RequestContext) *models.EscalationDecision {
	policy := c.policyFor(ctx, rc)
	lower := strings.ToLower(Normalize(text))

	decision := &models.EscalationDecision{
		ConfidenceThreshold:  policy.ConfidenceThreshold,
		ActualConfidence:     analysis.Result.Confidence,
		OrganizationStrategy: policy.Name,
		EstimatedCost:        c.estimateCost(text),
		CostCeiling:          policy.CostCeiling,
	}

	fire := func(reason models.EscalationReason, trigger string) {
		if !decision.ShouldEscalate {
			decision.ShouldEscalate = true
			decision.Reason = reason
		}
		decision.Triggers = append(decision.Triggers, trigger)
	}

	if analysis.Result.Confidence < policy.ConfidenceThreshold {
		fire(models.ReasonLowConfidence, "confidence_below_threshold")
	}

	escalationFamilies := len(analysis.EscalationFamilies)
	if escalationFamilies >= 3 {
		fire(models.ReasonEscalationPatterns, "escalation_families:"+strings.Join(analysis.EscalationFamilies, ","))
	}

	for _, trigger := range contextTriggers(lower, rc) {
		fire(models.ReasonContextTriggers, trigger)
	}

	simple, complexN := analysis.SimpleCount(), analysis.ComplexMatches
	if simple > 0 && complexN > 0 && abs(simple-complexN) <= 1 {
		fire(models.ReasonConflictingSignals, "simple_complex_overlap")
	} else if escalationFamilies >= 2 {
		fire(models.ReasonConflictingSignals, "multiple_escalation_families")
	}

	return decision
}

func contextTriggers(lower string, rc *models.RequestContext) []string {
	var triggers []string
	if rc.RAGCount() > 3 && synthesisPattern.MatchString(lower) {
		triggers = append(triggers, "rag_synthesis")
	}
	if rc.HistoryLen() > 8 && referencePattern.MatchString(lower) {
		triggers = append(triggers, "history_reference")
	}
	if rc != nil && rc.QualityCritical && importancePattern.MatchString(lower) {
		triggers = append(triggers, "quality_critical")
	}
	return triggers
}

func (c *EscalationCriteria) policyFor(ctx context.Context, rc *models.RequestContext) TierPolicy {
	if rc == nil || rc.OrganizationID == "" || c.orgs == nil {
		return DefaultTierPolicy
	}
	org, found, err := c.orgs.GetOrganization(ctx, rc.OrganizationID)
	if err != nil {
		c.logger.Warn("organization lookup failed, using default escalation policy",
			zap.String("organization_id", rc.OrganizationID), zap.Error(err))
		return DefaultTierPolicy
	}
	if !found {
		return DefaultTierPolicy
	}
	return PolicyForTier(org.SubscriptionTier)
}

// estimateCost prices one classification call: the rubric plus request text
// as input and the configured verdict budget as output.
func (c *EscalationCriteria) estimateCost(text string) decimal.Decimal {
	inputTokens := c.tokens.CountAll(classificationSystemPrompt, text) + classificationContextTokens
	thousand := decimal.NewFromInt(1000)
	in := decimal.NewFromInt(int64(inputTokens)).Div(thousand).Mul(c.pricing.InputPer1K)
	out := decimal.NewFromInt(int64(c.pricing.MaxTokens)).Div(thousand).Mul(c.pricing.OutputPer1K)
	return in.Add(out)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
