package affinity

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/irfndi/optiroute/internal/catalog"
	"github.com/irfndi/optiroute/internal/models"
	"github.com/irfndi/optiroute/internal/observability"
	"github.com/irfndi/optiroute/internal/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Reasons reported on a Decision.
const (
	ReasonNoSession           = "no_session_state"
	ReasonStoreError          = "store_error"
	ReasonExpired             = "session_expired"
	ReasonWorkflowLeniency    = "workflow_leniency"
	ReasonLowPerformance      = "low_performance"
	ReasonWithinSwitchWindow  = "within_switch_window"
	ReasonAgentLeniency       = "agent_leniency"
	ReasonCapable             = "capabilities_sufficient"
	ReasonIncapable           = "capabilities_insufficient"
	ReasonModelUnavailable    = "current_model_unavailable"
	ReasonCapabilityUnchecked = "capabilities_unchecked"
)

const (
	lockStripes      = 64
	defaultMaxTokens = 1000
)

// Decision is the outcome of a stickiness check.
type Decision struct {
	Stick    bool
	Provider string
	Model    string
	Reason   string
	State    *models.SessionState
}

// Stats counts decisions by reason.
type Stats struct {
	Checks   int64            `json:"checks"`
	Sticks   int64            `json:"sticks"`
	Records  int64            `json:"records"`
	Switches int64            `json:"switches"`
	Errors   int64            `json:"errors"`
	Reasons  map[string]int64 `json:"reasons"`
}

// Manager decides whether a session keeps its current model and folds each
// executed request back into the session's moving averages.
type Manager struct {
	store     Store
	catalog   catalog.ModelCatalog
	tokens    *utils.TokenCounter
	configs   map[models.EntityType]EntityConfig
	maxTokens int
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	locks [lockStripes]sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

type Option func(*Manager)

// WithCatalog enables the capability check against the current model.
func WithCatalog(c catalog.ModelCatalog) Option {
	return func(m *Manager) { m.catalog = c }
}

func WithTokenCounter(tc *utils.TokenCounter) Option {
	return func(m *Manager) { m.tokens = tc }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithEntityConfig overrides the limits of one entity type.
func WithEntityConfig(entity models.EntityType, cfg EntityConfig) Option {
	return func(m *Manager) { m.configs[entity] = cfg }
}

// WithDefaultMaxTokens sets the completion budget assumed when a request carries none.
func WithDefaultMaxTokens(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxTokens = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		tokens:    utils.NewTokenCounter(),
		configs:   DefaultEntityConfigs(),
		maxTokens: defaultMaxTokens,
		logger:    zap.NewNop(),
		now:       time.Now,
		stats:     Stats{Reasons: make(map[string]int64)},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) configFor(entity models.EntityType) EntityConfig {
	if cfg, ok := m.configs[entity]; ok {
		return cfg
	}
	return DefaultEntityConfig(entity)
}

// ShouldStick reports whether the request should reuse the session's current
// provider and model. Store and catalog failures never stick.
func (m *Manager) ShouldStick(ctx context.Context, rc *models.RequestContext, text string, complexity float64) Decision {
	d := m.decide(ctx, rc, text, complexity)

	entity := rc.EffectiveEntityType()
	m.metrics.AffinityDecision(string(entity), d.Stick)
	m.statsMu.Lock()
	m.stats.Checks++
	if d.Stick {
		m.stats.Sticks++
	}
	if d.Reason == ReasonStoreError {
		m.stats.Errors++
	}
	m.stats.Reasons[d.Reason]++
	m.statsMu.Unlock()

	if rc != nil && rc.SessionID != "" {
		m.logger.Debug("Affinity decision",
			zap.String("session_id", rc.SessionID),
			zap.String("entity_type", string(entity)),
			zap.Bool("stick", d.Stick),
			zap.String("reason", d.Reason),
			zap.String("provider", d.Provider),
			zap.String("model", d.Model),
		)
	}
	return d
}

func (m *Manager) decide(ctx context.Context, rc *models.RequestContext, text string, complexity float64) Decision {
	if rc == nil || rc.SessionID == "" || m.store == nil {
		return Decision{Reason: ReasonNoSession}
	}

	entity := rc.EffectiveEntityType()
	state, found, err := m.store.Get(ctx, rc.SessionID, entity)
	if err != nil {
		m.logger.Warn("Failed to load session state",
			zap.String("session_id", rc.SessionID),
			zap.Error(err),
		)
		return Decision{Reason: ReasonStoreError}
	}
	if !found || state.CurrentProvider == "" {
		return Decision{Reason: ReasonNoSession}
	}

	cfg := m.configFor(entity)
	stick := func(reason string) Decision {
		return Decision{Stick: true, Provider: state.CurrentProvider, Model: state.CurrentModel, Reason: reason, State: state}
	}
	reroute := func(reason string) Decision {
		return Decision{Reason: reason, State: state}
	}

	if cfg.MaxSessionDuration > 0 && state.Age(m.now()) > cfg.MaxSessionDuration {
		return reroute(ReasonExpired)
	}

	if entity == models.EntityWorkflowExecution && state.MessageCount < workflowLeniencyMessages {
		return stick(ReasonWorkflowLeniency)
	}

	if state.PerformanceScore < cfg.PerformanceThreshold {
		return reroute(ReasonLowPerformance)
	}

	drift := math.Abs(complexity - state.AvgComplexity)
	if state.MessageCount < cfg.MinMessagesBeforeSwitch && drift < cfg.ComplexityDriftThreshold {
		return stick(ReasonWithinSwitchWindow)
	}

	if entity == models.EntityAgentSession && state.MessageCount <= agentLeniencyMessages && drift < cfg.ComplexityDriftThreshold {
		return stick(ReasonAgentLeniency)
	}

	if m.catalog == nil {
		return stick(ReasonCapabilityUnchecked)
	}
	reason, ok := m.coversRequest(ctx, state, rc, text, complexity)
	if ok {
		return stick(reason)
	}
	return reroute(reason)
}

// coversRequest checks the current model's context window and declared
// capabilities against the new request.
func (m *Manager) coversRequest(ctx context.Context, state *models.SessionState, rc *models.RequestContext, text string, complexity float64) (string, bool) {
	candidates, err := m.catalog.ActiveModels(ctx, rc.EffectiveModelType())
	if err != nil {
		m.logger.Warn("Failed to load models for capability check", zap.Error(err))
		return ReasonModelUnavailable, false
	}

	var current *models.ModelInfo
	for i := range candidates {
		if candidates[i].ProviderID == state.CurrentProvider && candidates[i].ModelName == state.CurrentModel {
			current = &candidates[i]
			break
		}
	}
	if current == nil {
		return ReasonModelUnavailable, false
	}

	maxTokens := rc.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}
	if current.ContextWindow > 0 {
		needed := m.promptTokens(rc, text) + maxTokens
		if needed > current.ContextWindow {
			return ReasonIncapable, false
		}
	}
	if complexity >= advancedReasoningComplexity && !current.HasCapability(models.CapabilityAdvancedReasoning) {
		return ReasonIncapable, false
	}
	if rc.EffectiveEntityType() == models.EntityWorkflowExecution && !current.HasCapability(models.CapabilityFunctionCalling) {
		return ReasonIncapable, false
	}
	return ReasonCapable, true
}

func (m *Manager) promptTokens(rc *models.RequestContext, text string) int {
	total := m.tokens.Count(text)
	for _, turn := range rc.ConversationHistory {
		total += m.tokens.Count(turn.Content)
	}
	for _, doc := range rc.RAGDocuments {
		total += doc.TokenCount
	}
	return total
}

// RecordUsage folds one executed request into the session state. Expired
// sessions start over. LastSwitchTime only moves when the model changed.
func (m *Manager) RecordUsage(
	ctx context.Context,
	rc *models.RequestContext,
	provider, model string,
	complexity float64,
	cost decimal.Decimal,
	performance float64,
) (*models.SessionState, error) {
	if rc == nil || rc.SessionID == "" || m.store == nil {
		return nil, nil
	}

	entity := rc.EffectiveEntityType()
	cfg := m.configFor(entity)
	lock := m.lockFor(rc.SessionID, entity)
	lock.Lock()
	defer lock.Unlock()

	state, found, err := m.store.Get(ctx, rc.SessionID, entity)
	if err != nil {
		m.countError()
		return nil, err
	}

	now := m.now()
	switched := false
	if !found || (cfg.MaxSessionDuration > 0 && state.Age(now) > cfg.MaxSessionDuration) {
		state = &models.SessionState{
			SessionID:        rc.SessionID,
			EntityType:       entity,
			CurrentProvider:  provider,
			CurrentModel:     model,
			MessageCount:     1,
			AvgComplexity:    clamp01(complexity),
			LastSwitchTime:   now,
			TotalCost:        cost,
			PerformanceScore: clamp01(performance),
			CreatedAt:        now,
		}
	} else {
		state.MessageCount++
		state.AvgComplexity = ema(state.AvgComplexity, complexity)
		state.PerformanceScore = ema(state.PerformanceScore, performance)
		state.TotalCost = state.TotalCost.Add(cost)
		if state.CurrentProvider != provider || state.CurrentModel != model {
			state.CurrentProvider = provider
			state.CurrentModel = model
			state.LastSwitchTime = now
			switched = true
		}
	}
	state.UpdatedAt = now

	// State outlives the session limit so expiry is observable on the next check.
	if err := m.store.Put(ctx, state, 2*cfg.MaxSessionDuration); err != nil {
		m.countError()
		return nil, err
	}

	m.statsMu.Lock()
	m.stats.Records++
	if switched {
		m.stats.Switches++
	}
	m.statsMu.Unlock()
	return state, nil
}

// Reset forgets a session, forcing the next request through routing.
func (m *Manager) Reset(ctx context.Context, sessionID string, entity models.EntityType) error {
	if m.store == nil {
		return nil
	}
	return m.store.Delete(ctx, sessionID, entity)
}

// Stats returns a copy of the decision counters.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	out := m.stats
	out.Reasons = make(map[string]int64, len(m.stats.Reasons))
	for k, v := range m.stats.Reasons {
		out.Reasons[k] = v
	}
	return out
}

func (m *Manager) countError() {
	m.statsMu.Lock()
	m.stats.Errors++
	m.statsMu.Unlock()
}

func (m *Manager) lockFor(sessionID string, entity models.EntityType) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(stateKey(sessionID, entity)))
	return &m.locks[h.Sum32()%lockStripes]
}

func ema(prev, next float64) float64 {
	return clamp01(EMAAlpha*next + (1-EMAAlpha)*prev)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
