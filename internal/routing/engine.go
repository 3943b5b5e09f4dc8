// Package routing picks a provider and model for an analyzed request: first
// from organization and system routing rules, then by scoring every routable
// model, and finally from a fixed emergency default.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/irfndi/optiroute/internal/catalog"
	"github.com/irfndi/optiroute/internal/models"
	"github.com/irfndi/optiroute/internal/observability"
	"github.com/irfndi/optiroute/internal/utils"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ErrNoCandidates means no active model of the requested type has a usable key.
var ErrNoCandidates = errors.New("no routable model candidates")

const (
	RuleConfidence      = 0.9
	EmergencyConfidence = 0.3
	EmergencyReasoning  = "emergency_fallback"

	DefaultEmergencyProvider = "openai"
	DefaultEmergencyModel    = "gpt-4o-mini"
	DefaultMaxTokens         = 1000

	fallbackChainLength = 3
)

var (
	thousand    = decimal.NewFromInt(1000)
	inputShare  = decimal.NewFromFloat(0.7)
	outputShare = decimal.NewFromFloat(0.3)
)

// Request is one routing question.
type Request struct {
	Organization    *models.Organization
	ComplexityScore float64
	ComplexityLevel models.ComplexityLevel
	ContentType     models.ContentType
	Context         *models.RequestContext
	Strategy        models.Strategy
}

// EngineMetrics counts routing outcomes per phase.
type EngineMetrics struct {
	TotalRequests      int64            `json:"total_requests"`
	RuleMatches        int64            `json:"rule_matches"`
	ScoredRoutes       int64            `json:"scored_routes"`
	EmergencyFallbacks int64            `json:"emergency_fallbacks"`
	RuleErrors         int64            `json:"rule_errors"`
	ScoringErrors      int64            `json:"scoring_errors"`
	StrategyUsage      map[string]int64 `json:"strategy_usage"`
}

// Engine runs the three routing phases against a catalog.
type Engine struct {
	catalog     catalog.Catalog
	keys        *KeySelector
	box         *utils.SecretBox
	chooser     *WeightedChooser
	quality     QualityScorer
	suitable    SuitabilityFilter
	maxTokens   int
	strategy    models.Strategy
	emergency   [2]string
	logger      *zap.Logger
	promMetrics *observability.Metrics

	mu      sync.Mutex
	metrics EngineMetrics
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.promMetrics = m }
}

// WithSeed makes weighted rule selection reproducible.
func WithSeed(seed int64) Option {
	return func(e *Engine) { e.chooser = NewWeightedChooser(seed) }
}

func WithQualityScorer(q QualityScorer) Option {
	return func(e *Engine) {
		if q != nil {
			e.quality = q
		}
	}
}

func WithSuitabilityFilter(f SuitabilityFilter) Option {
	return func(e *Engine) {
		if f != nil {
			e.suitable = f
		}
	}
}

// WithSecretBox decrypts stored API keys during key selection.
func WithSecretBox(box *utils.SecretBox) Option {
	return func(e *Engine) { e.box = box }
}

func WithDefaultMaxTokens(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithDefaultStrategy sets the strategy used when neither the organization
// nor the request names a known one. Unknown values are ignored.
func WithDefaultStrategy(s models.Strategy) Option {
	return func(e *Engine) {
		if parsed, ok := models.ParseStrategy(string(s)); ok {
			e.strategy = parsed
		}
	}
}

// WithEmergencyModel overrides the Phase C default.
func WithEmergencyModel(provider, model string) Option {
	return func(e *Engine) {
		if provider != "" && model != "" {
			e.emergency = [2]string{provider, model}
		}
	}
}

func NewEngine(cat catalog.Catalog, opts ...Option) *Engine {
	e := &Engine{
		catalog:   cat,
		quality:   CapabilityPriceScorer{},
		suitable:  AllSuitable,
		maxTokens: DefaultMaxTokens,
		strategy:  models.StrategyBalanced,
		emergency: [2]string{DefaultEmergencyProvider, DefaultEmergencyModel},
		logger:    zap.NewNop(),
		metrics:   EngineMetrics{StrategyUsage: make(map[string]int64)},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.chooser == nil {
		e.chooser = NewWeightedChooser(0)
	}
	e.keys = NewKeySelector(cat, e.box, e.logger)
	return e
}

// ResolveKey returns the credential the execution layer should use for provider.
func (e *Engine) ResolveKey(ctx context.Context, providerID, organizationID string) (*ResolvedKey, bool, error) {
	return e.keys.Select(ctx, providerID, organizationID)
}

// DefaultStrategy is the strategy applied when a request names none.
func (e *Engine) DefaultStrategy() models.Strategy { return e.strategy }

type candidate struct {
	model  models.ModelInfo
	key    *ResolvedKey
	weight float64
	score  float64
}

// Route always produces a decision: rule match, scored fallback, or the
// emergency default when both fail.
func (e *Engine) Route(ctx context.Context, req Request) *models.RoutingDecision {
	start := time.Now()
	rc := req.Context
	if rc == nil {
		rc = &models.RequestContext{}
	}
	strategy := ResolveStrategy(req.Organization, req.Strategy, e.strategy)
	apiType := rc.EffectiveModelType()
	entity := rc.EffectiveEntityType()
	orgID := rc.OrganizationID
	if req.Organization != nil && req.Organization.ID != "" {
		orgID = req.Organization.ID
	}
	maxTokens := rc.MaxTokens
	if maxTokens <= 0 {
		maxTokens = e.maxTokens
	}

	ctx, span := observability.StartSpan(ctx, observability.SpanRoute,
		attribute.String("strategy", string(strategy)),
		attribute.String("entity_type", string(entity)),
		attribute.Float64("complexity_score", req.ComplexityScore),
	)
	defer observability.FinishSpan(span, nil)

	keys := e.keyLookup(ctx, orgID)
	log := e.logger.With(zap.String("organization_id", orgID), zap.String("strategy", string(strategy)))

	decision, err := e.ruleBased(ctx, req, rc, orgID, strategy, maxTokens, keys)
	if err != nil {
		e.count(func(m *EngineMetrics) { m.RuleErrors++ })
		log.Warn("Rule-based routing failed, falling back to scoring", zap.Error(err))
	}
	if decision == nil {
		decision, err = e.scored(ctx, rc, strategy, maxTokens, keys)
		if err != nil {
			e.count(func(m *EngineMetrics) { m.ScoringErrors++ })
			log.Warn("Scored routing failed, using emergency default", zap.Error(err))
		}
	}
	if decision == nil {
		decision = e.emergencyDecision(ctx, apiType, maxTokens, keys)
	}

	decision.ID = uuid.NewString()
	decision.APIType = apiType
	decision.ComplexityScore = req.ComplexityScore
	decision.ContentType = req.ContentType
	decision.EstimatedTokens = maxTokens
	decision.EntityType = entity
	decision.Strategy = strategy
	decision.DecisionTime = time.Since(start)

	e.count(func(m *EngineMetrics) {
		m.TotalRequests++
		m.StrategyUsage[string(strategy)]++
		switch decision.Phase {
		case models.PhaseRule:
			m.RuleMatches++
		case models.PhaseScored:
			m.ScoredRoutes++
		case models.PhaseEmergency:
			m.EmergencyFallbacks++
		}
	})
	e.promMetrics.RoutingDecision(string(decision.Phase), string(strategy), decision.DecisionTime)
	span.SetAttributes(
		attribute.String("phase", string(decision.Phase)),
		attribute.String("provider", decision.SelectedProvider),
		attribute.String("model", decision.SelectedModel),
	)
	log.Debug("Routing decision",
		zap.String("phase", string(decision.Phase)),
		zap.String("provider", decision.SelectedProvider),
		zap.String("model", decision.SelectedModel),
		zap.Float64("confidence", decision.ConfidenceScore),
	)
	return decision
}

// keyLookup memoizes key selection per provider for one request.
func (e *Engine) keyLookup(ctx context.Context, orgID string) func(provider string) (*ResolvedKey, error) {
	cache := make(map[string]*ResolvedKey)
	return func(provider string) (*ResolvedKey, error) {
		if k, ok := cache[provider]; ok {
			return k, nil
		}
		k, found, err := e.keys.Select(ctx, provider, orgID)
		if err != nil {
			return nil, err
		}
		if !found {
			k = nil
		}
		cache[provider] = k
		return k, nil
	}
}

// orderRules puts the organization's rules before system rules, each group
// by ascending priority.
func orderRules(rules []models.RoutingRule) []models.RoutingRule {
	out := append([]models.RoutingRule(nil), rules...)
	sort.SliceStable(out, func(i, j int) bool {
		oi, oj := out[i].OrganizationID != "", out[j].OrganizationID != ""
		if oi != oj {
			return oi
		}
		return out[i].Priority < out[j].Priority
	})
	return out
}

func (e *Engine) ruleBased(
	ctx context.Context,
	req Request,
	rc *models.RequestContext,
	orgID string,
	strategy models.Strategy,
	maxTokens int,
	keys func(string) (*ResolvedKey, error),
) (*models.RoutingDecision, error) {
	apiType := rc.EffectiveModelType()
	rules, err := e.catalog.ActiveRules(ctx, orgID, apiType)
	if err != nil {
		return nil, fmt.Errorf("failed to load routing rules: %w", err)
	}

	level := req.ComplexityLevel
	if level == "" {
		level = models.LevelFromScore(req.ComplexityScore)
	}
	input := ConditionInput{
		ComplexityScore:     req.ComplexityScore,
		ComplexityLevel:     level,
		ContentType:         req.ContentType,
		Strategy:            strategy,
		CostSensitive:       rc.CostSensitive,
		QualityCritical:     rc.QualityCritical,
		RequireFastResponse: rc.RequireFastResponse,
	}

	for _, rule := range orderRules(rules) {
		ok, err := MatchRule(rule, input)
		if err != nil {
			e.logger.Warn("Skipping malformed routing rule", zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		return e.selectFromRule(ctx, rule, rc, maxTokens, keys)
	}
	return nil, nil
}

func (e *Engine) selectFromRule(
	ctx context.Context,
	rule models.RoutingRule,
	rc *models.RequestContext,
	maxTokens int,
	keys func(string) (*ResolvedKey, error),
) (*models.RoutingDecision, error) {
	apiType := rc.EffectiveModelType()
	weights := make(map[string]float64, len(rule.Models))
	var attached []models.ModelInfo
	for _, rm := range rule.Models {
		m, found, err := e.catalog.GetModel(ctx, rm.ModelID)
		if err != nil {
			return nil, fmt.Errorf("rule %s: failed to load model %s: %w", rule.ID, rm.ModelID, err)
		}
		if !found || !m.Active || (m.APIType != "" && m.APIType != apiType) {
			continue
		}
		if _, dup := weights[m.ID]; dup {
			continue
		}
		weights[m.ID] = rm.Weight
		attached = append(attached, *m)
	}

	var usable []candidate
	for _, m := range e.suitable(rc.EffectiveEntityType(), attached) {
		key, err := keys(m.ProviderID)
		if err != nil {
			return nil, fmt.Errorf("rule %s: key lookup for %s failed: %w", rule.ID, m.ProviderID, err)
		}
		if key == nil {
			continue
		}
		usable = append(usable, candidate{model: m, key: key, weight: weights[m.ID]})
	}
	if len(usable) == 0 {
		e.logger.Debug("Matched rule has no routable models", zap.String("rule_id", rule.ID))
		return nil, nil
	}

	ws := make([]float64, len(usable))
	for i, c := range usable {
		ws[i] = c.weight
	}
	idx := e.chooser.Choose(ws)
	chosen := usable[idx]

	var chain []string
	for i, c := range usable {
		if i == idx {
			continue
		}
		if len(chain) == fallbackChainLength {
			break
		}
		chain = append(chain, c.model.QualifiedName())
	}

	return &models.RoutingDecision{
		SelectedProvider: chosen.model.ProviderID,
		SelectedModel:    chosen.model.ModelName,
		ModelID:          chosen.model.ID,
		ConfidenceScore:  RuleConfidence,
		Reasoning:        fmt.Sprintf("rule %q (priority %d) matched; %s chosen from %d weighted models", rule.Name, rule.Priority, chosen.model.QualifiedName(), len(usable)),
		EstimatedCost:    EstimateCost(chosen.model, maxTokens),
		FallbackChain:    chain,
		APIKeySource:     chosen.key.Source,
		Phase:            models.PhaseRule,
	}, nil
}

func (e *Engine) scored(
	ctx context.Context,
	rc *models.RequestContext,
	strategy models.Strategy,
	maxTokens int,
	keys func(string) (*ResolvedKey, error),
) (*models.RoutingDecision, error) {
	active, err := e.catalog.ActiveModels(ctx, rc.EffectiveModelType())
	if err != nil {
		return nil, fmt.Errorf("failed to load models: %w", err)
	}

	var cands []candidate
	var pool []models.ModelInfo
	for _, m := range active {
		key, err := keys(m.ProviderID)
		if err != nil {
			return nil, fmt.Errorf("key lookup for %s failed: %w", m.ProviderID, err)
		}
		if key == nil {
			continue
		}
		cands = append(cands, candidate{model: m, key: key})
		pool = append(pool, m)
	}
	if len(cands) == 0 {
		return nil, ErrNoCandidates
	}

	weights := WeightsFor(strategy)
	entity := rc.EffectiveEntityType()
	for i := range cands {
		m := cands[i].model
		combined := weights.Combine(CostScore(m, pool), e.quality.Quality(m, pool), PerformanceScore(m, pool))
		cands[i].score = combined * EntityBonus(entity, m)
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	best := cands[0]
	var chain []string
	for _, c := range cands[1:] {
		if len(chain) == fallbackChainLength {
			break
		}
		chain = append(chain, c.model.QualifiedName())
	}

	return &models.RoutingDecision{
		SelectedProvider: best.model.ProviderID,
		SelectedModel:    best.model.ModelName,
		ModelID:          best.model.ID,
		ConfidenceScore:  clamp01(best.score),
		Reasoning:        fmt.Sprintf("scored %d candidates with %s weights; %s scored %.3f", len(cands), strategy, best.model.QualifiedName(), best.score),
		EstimatedCost:    EstimateCost(best.model, maxTokens),
		FallbackChain:    chain,
		APIKeySource:     best.key.Source,
		Phase:            models.PhaseScored,
	}, nil
}

func (e *Engine) emergencyDecision(ctx context.Context, apiType models.APIType, maxTokens int, keys func(string) (*ResolvedKey, error)) *models.RoutingDecision {
	provider, model := e.emergency[0], e.emergency[1]
	d := &models.RoutingDecision{
		SelectedProvider: provider,
		SelectedModel:    model,
		ConfidenceScore:  EmergencyConfidence,
		Reasoning:        EmergencyReasoning,
		EstimatedCost:    decimal.Zero,
		APIKeySource:     models.KeySourcePlatform,
		Phase:            models.PhaseEmergency,
	}

	if key, err := keys(provider); err == nil && key != nil {
		d.APIKeySource = key.Source
	}
	if active, err := e.catalog.ActiveModels(ctx, apiType); err == nil {
		for _, m := range active {
			if m.ProviderID == provider && m.ModelName == model {
				d.ModelID = m.ID
				d.EstimatedCost = EstimateCost(m, maxTokens)
				break
			}
		}
	}

	observability.AddBreadcrumb(ctx, "routing", "emergency fallback to "+provider+"/"+model, sentry.LevelWarning)
	e.logger.Warn("Routing fell back to emergency default",
		zap.String("provider", provider),
		zap.String("model", model),
	)
	return d
}

// EstimateCost assumes 70% of the token budget is input and 30% output.
// Prices are per 1K tokens.
func EstimateCost(m models.ModelInfo, maxTokens int) decimal.Decimal {
	k := decimal.NewFromInt(int64(maxTokens)).Div(thousand)
	return k.Mul(inputShare).Mul(m.InputPrice).Add(k.Mul(outputShare).Mul(m.OutputPrice))
}

func (e *Engine) count(fn func(*EngineMetrics)) {
	e.mu.Lock()
	fn(&e.metrics)
	e.mu.Unlock()
}

// GetMetrics returns a copy of the routing counters.
func (e *Engine) GetMetrics() EngineMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	metrics := e.metrics
	metrics.StrategyUsage = make(map[string]int64, len(e.metrics.StrategyUsage))
	for k, v := range e.metrics.StrategyUsage {
		metrics.StrategyUsage[k] = v
	}
	return metrics
}
