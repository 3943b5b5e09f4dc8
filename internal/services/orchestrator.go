package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/optiroute/internal/affinity"
	"github.com/irfndi/optiroute/internal/ai/llm"
	"github.com/irfndi/optiroute/internal/catalog"
	"github.com/irfndi/optiroute/internal/complexity"
	"github.com/irfndi/optiroute/internal/logging"
	"github.com/irfndi/optiroute/internal/models"
	"github.com/irfndi/optiroute/internal/observability"
	"github.com/irfndi/optiroute/internal/routing"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	StickyConfidence     = 0.95
	LastResortConfidence = 0.1
	LastResortReasoning  = "last_resort_fallback"

	DefaultLastResortProvider = "openai"
	DefaultLastResortModel    = "gpt-4o-mini"

	basePerformanceScore = 0.8
)

// ErrNoExecutor is returned by Handle when no execution collaborator is configured.
var ErrNoExecutor = errors.New("no executor configured")

// Executor dispatches a routed request to a provider. llm.ProviderExecutor
// implements it.
type Executor interface {
	Execute(ctx context.Context, req *llm.ExecutionRequest) (*llm.ExecutionResult, error)
}

// PreparedContext is the conversation context a ContextPreparer built for
// the target model.
type PreparedContext struct {
	Content    string          `json:"-"`
	Strategy   string          `json:"strategy"`
	CacheHit   bool            `json:"cache_hit"`
	TokenCount int             `json:"token_count"`
	Cost       decimal.Decimal `json:"cost"`
}

// ContextPreparer assembles session context for a chosen model. It is
// optional and purely additive.
type ContextPreparer interface {
	PrepareContext(ctx context.Context, rc *models.RequestContext, provider, model string) (*PreparedContext, error)
}

// UsageRecorder persists executed requests and answers budget questions.
type UsageRecorder interface {
	Record(ctx context.Context, rec *models.UsageRecord) error
	IsDailyBudgetExceeded(ctx context.Context, dailyBudget decimal.Decimal, orgID string) (bool, error)
}

// DecisionPublisher is notified of every routing decision.
type DecisionPublisher interface {
	PublishDecision(ctx context.Context, decision *models.RoutingDecision, analysis *models.ComplexityResult) error
}

// OutcomePublisher is an optional extension of DecisionPublisher that also
// receives every recorded execution.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, rec *models.UsageRecord) error
}

// PerformanceMetadata describes one execution.
type PerformanceMetadata struct {
	LatencyMs        int64              `json:"latency_ms"`
	InputTokens      int                `json:"input_tokens"`
	OutputTokens     int                `json:"output_tokens"`
	Cost             decimal.Decimal    `json:"cost"`
	PerformanceScore float64            `json:"performance_score"`
	Status           models.UsageStatus `json:"status"`
	Error            string             `json:"error,omitempty"`
}

// ResponseMetadata merges analysis, routing, execution and context details.
type ResponseMetadata struct {
	RequestID            string                 `json:"request_id"`
	AnalysisPath         models.AnalysisPath    `json:"analysis_path"`
	ComplexityScore      float64                `json:"complexity_score"`
	ComplexityLevel      models.ComplexityLevel `json:"complexity_level"`
	ComplexityConfidence float64                `json:"complexity_confidence"`
	ContentType          models.ContentType     `json:"content_type"`
	CacheHit             bool                   `json:"cache_hit"`
	RoutingPhase         models.RoutingPhase    `json:"routing_phase"`
	RoutingConfidence    float64                `json:"routing_confidence"`
	SessionSticky        bool                   `json:"session_sticky"`
	AffinityReason       string                 `json:"affinity_reason,omitempty"`
	Strategy             models.Strategy        `json:"strategy"`
	EstimatedCost        decimal.Decimal        `json:"estimated_cost"`
	BudgetExceeded       bool                   `json:"budget_exceeded,omitempty"`
	LastResort           bool                   `json:"last_resort,omitempty"`
	AnalysisTimeMs       float64                `json:"analysis_time_ms"`
	TotalTimeMs          float64                `json:"total_time_ms"`
	Performance          *PerformanceMetadata   `json:"performance,omitempty"`
	Context              *PreparedContext       `json:"context,omitempty"`
}

// RouteResult is the answer to analyze-and-route.
type RouteResult struct {
	Decision   *models.RoutingDecision  `json:"decision"`
	Complexity *models.ComplexityResult `json:"complexity"`
	Metadata   ResponseMetadata         `json:"metadata"`
}

// CompletionRequest is a full analyze, route and execute call.
type CompletionRequest struct {
	Text         string
	SystemPrompt string
	Context      *models.RequestContext
	Strategy     models.Strategy
}

// CompletionResponse carries the generated content with its routing record.
type CompletionResponse struct {
	Content    string                   `json:"content"`
	Decision   *models.RoutingDecision  `json:"decision"`
	Complexity *models.ComplexityResult `json:"complexity"`
	Metadata   ResponseMetadata         `json:"metadata"`
}

// Outcome is what the execution layer reports once a routed call finished.
// Latency is used when Result is nil.
type Outcome struct {
	RequestID  string
	Context    *models.RequestContext
	Decision   *models.RoutingDecision
	Complexity *models.ComplexityResult
	Result     *llm.ExecutionResult
	Err        error
	Latency    time.Duration
}

// OrchestratorStats counts requests by how they were answered.
type OrchestratorStats struct {
	Requests        int64   `json:"requests"`
	StickyRoutes    int64   `json:"sticky_routes"`
	EngineRoutes    int64   `json:"engine_routes"`
	LastResorts     int64   `json:"last_resorts"`
	Executions      int64   `json:"executions"`
	ExecutionErrors int64   `json:"execution_errors"`
	OutcomeErrors   int64   `json:"outcome_errors"`
	AvgPerformance  float64 `json:"avg_performance"`
}

// Orchestrator runs the per-request pipeline: analysis, session affinity,
// routing, dispatch and outcome recording.
type Orchestrator struct {
	analyzer  complexity.Analyzer
	engine    *routing.Engine
	catalog   catalog.Catalog
	affinity  *affinity.Manager
	executor  Executor
	preparer  ContextPreparer
	usage     UsageRecorder
	publisher DecisionPublisher
	logger    *logging.StandardLogger
	metrics   *observability.Metrics

	lastResort [2]string
	timeout    time.Duration
	maxTokens  int

	mu    sync.Mutex
	stats OrchestratorStats
}

type OrchestratorOption func(*Orchestrator)

func WithAffinity(m *affinity.Manager) OrchestratorOption {
	return func(o *Orchestrator) { o.affinity = m }
}

func WithExecutor(e Executor) OrchestratorOption {
	return func(o *Orchestrator) { o.executor = e }
}

func WithContextPreparer(p ContextPreparer) OrchestratorOption {
	return func(o *Orchestrator) { o.preparer = p }
}

func WithUsageRecorder(u UsageRecorder) OrchestratorOption {
	return func(o *Orchestrator) { o.usage = u }
}

func WithDecisionPublisher(p DecisionPublisher) OrchestratorOption {
	return func(o *Orchestrator) { o.publisher = p }
}

func WithLogger(logger *logging.StandardLogger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m *observability.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLastResortModel overrides the model used when the pipeline itself fails.
func WithLastResortModel(provider, model string) OrchestratorOption {
	return func(o *Orchestrator) {
		if provider != "" && model != "" {
			o.lastResort = [2]string{provider, model}
		}
	}
}

func WithExecutionTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.timeout = d }
}

func WithMaxTokens(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

// NewOrchestrator wires the pipeline. The catalog resolves organizations and
// model prices.
func NewOrchestrator(analyzer complexity.Analyzer, engine *routing.Engine, cat catalog.Catalog, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		analyzer:   analyzer,
		engine:     engine,
		catalog:    cat,
		logger:     logging.NewFromZap(nil),
		lastResort: [2]string{DefaultLastResortProvider, DefaultLastResortModel},
		maxTokens:  routing.DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AnalyzeAndRoute analyzes text and picks a provider and model for it. It
// only fails when ctx is already done; a panic anywhere in the pipeline is
// answered with the last-resort model.
func (o *Orchestrator) AnalyzeAndRoute(ctx context.Context, text string, rc *models.RequestContext, strategy models.Strategy) (result *RouteResult, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if rc == nil {
		rc = &models.RequestContext{}
	}
	start := time.Now()
	requestID := uuid.NewString()
	log := o.logger.WithRequestID(requestID)

	ctx, span := observability.StartSpan(ctx, observability.SpanAnalyzeAndRoute,
		attribute.String("request_id", requestID),
		attribute.String("entity_type", string(rc.EffectiveEntityType())),
	)
	defer func() {
		if r := recover(); r != nil {
			cause := fmt.Errorf("analyze-and-route panicked: %v", r)
			observability.CaptureException(ctx, cause)
			log.Error("Pipeline failed, answering with last-resort model", zap.Any("panic", r))
			result, err = o.lastResortResult(requestID, rc, cause), nil
			o.count(func(s *OrchestratorStats) { s.LastResorts++ })
		}
		observability.FinishSpan(span, nil)
	}()

	o.count(func(s *OrchestratorStats) { s.Requests++ })
	normalized := complexity.Normalize(text)
	org := o.organization(ctx, rc.OrganizationID)

	analysis := o.analyzer.Analyze(ctx, normalized, rc)
	meta := ResponseMetadata{RequestID: requestID}

	var decision *models.RoutingDecision
	if o.affinity != nil && rc.SessionID != "" {
		sticky := o.affinity.ShouldStick(ctx, rc, normalized, analysis.Score)
		meta.AffinityReason = sticky.Reason
		if sticky.Stick {
			decision = o.stickyDecision(ctx, rc, org, analysis, sticky, strategy)
		}
		if decision != nil {
			o.count(func(s *OrchestratorStats) { s.StickyRoutes++ })
		}
	}
	if decision == nil {
		decision = o.engine.Route(ctx, routing.Request{
			Organization:    org,
			ComplexityScore: analysis.Score,
			ComplexityLevel: analysis.Level,
			ContentType:     analysis.ContentType,
			Context:         rc,
			Strategy:        strategy,
		})
		o.count(func(s *OrchestratorStats) { s.EngineRoutes++ })
	}

	meta.BudgetExceeded = o.budgetExceeded(ctx, org)
	fillMetadata(&meta, analysis, decision)
	meta.TotalTimeMs = float64(time.Since(start).Microseconds()) / 1000

	o.logger.LogRoutingDecision(requestID, string(decision.Phase), decision.SelectedProvider, decision.SelectedModel, decision.ConfidenceScore, time.Since(start))
	if o.publisher != nil {
		if err := o.publisher.PublishDecision(ctx, decision, analysis); err != nil {
			log.Debug("Failed to publish routing decision", zap.Error(err))
		}
	}

	return &RouteResult{Decision: decision, Complexity: analysis, Metadata: meta}, nil
}

// Handle analyzes, routes and executes a request, then records the outcome.
// A failed execution is retried once against the last-resort model.
func (o *Orchestrator) Handle(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if o.executor == nil {
		return nil, ErrNoExecutor
	}
	rc := req.Context
	if rc == nil {
		rc = &models.RequestContext{}
	}

	routed, err := o.AnalyzeAndRoute(ctx, req.Text, rc, req.Strategy)
	if err != nil {
		return nil, err
	}
	decision, meta := routed.Decision, routed.Metadata
	log := o.logger.WithRequestID(meta.RequestID)

	ctx, span := observability.StartSpan(ctx, observability.SpanExecute,
		attribute.String("provider", decision.SelectedProvider),
		attribute.String("model", decision.SelectedModel),
	)

	res, prepared, execErr := o.dispatch(ctx, rc, decision, req)
	if execErr != nil {
		o.count(func(s *OrchestratorStats) { s.ExecutionErrors++ })
		observability.CaptureExceptionWithTags(ctx, execErr, map[string]string{
			"provider": decision.SelectedProvider,
			"model":    decision.SelectedModel,
			"phase":    string(decision.Phase),
		})
		log.Warn("Execution failed, retrying with last-resort model",
			zap.String("provider", decision.SelectedProvider),
			zap.String("model", decision.SelectedModel),
			zap.Error(execErr),
		)
		if _, err := o.RecordOutcome(ctx, Outcome{
			RequestID:  meta.RequestID,
			Context:    rc,
			Decision:   decision,
			Complexity: routed.Complexity,
			Err:        execErr,
		}); err != nil {
			log.Warn("Failed to record failed execution", zap.Error(err))
		}

		decision = o.lastResortDecision(rc, decision.ComplexityScore, decision.ContentType, execErr)
		res, err = o.executeLastResort(ctx, rc, req, decision)
		if err != nil {
			observability.FinishSpan(span, err)
			return nil, fmt.Errorf("last-resort execution failed: %w", err)
		}
		prepared = nil
		meta.LastResort = true
		o.count(func(s *OrchestratorStats) { s.LastResorts++ })
		fillMetadata(&meta, routed.Complexity, decision)
	}
	observability.FinishSpan(span, nil)

	perf, recErr := o.RecordOutcome(ctx, Outcome{
		RequestID:  meta.RequestID,
		Context:    rc,
		Decision:   decision,
		Complexity: routed.Complexity,
		Result:     res,
	})
	if recErr != nil {
		log.Warn("Failed to record outcome", zap.Error(recErr))
	}
	meta.Performance = perf
	meta.Context = prepared

	return &CompletionResponse{
		Content:    res.Content,
		Decision:   decision,
		Complexity: routed.Complexity,
		Metadata:   meta,
	}, nil
}

// RecordOutcome scores an execution and folds it into the session state and
// the usage log. Both writes are attempted; their errors are joined.
func (o *Orchestrator) RecordOutcome(ctx context.Context, out Outcome) (*PerformanceMetadata, error) {
	if out.Decision == nil {
		return nil, errors.New("outcome has no routing decision")
	}
	rc := out.Context
	if rc == nil {
		rc = &models.RequestContext{}
	}

	perf := &PerformanceMetadata{Status: models.UsageStatusSuccess, Cost: decimal.Zero}
	latency := out.Latency
	content := ""
	if out.Result != nil {
		latency = out.Result.Latency
		content = out.Result.Content
		perf.InputTokens = out.Result.InputTokens
		perf.OutputTokens = out.Result.OutputTokens
		perf.Cost = out.Result.Cost
	}
	perf.LatencyMs = latency.Milliseconds()
	perf.PerformanceScore = PerformanceScore(latency, out.Err, content)
	if out.Err != nil {
		perf.Status = models.UsageStatusError
		if errors.Is(out.Err, context.DeadlineExceeded) {
			perf.Status = models.UsageStatusTimeout
		}
		perf.Error = out.Err.Error()
	}

	o.metrics.Execution(out.Decision.SelectedProvider, string(perf.Status))
	o.count(func(s *OrchestratorStats) {
		s.Executions++
		s.AvgPerformance += (perf.PerformanceScore - s.AvgPerformance) / float64(s.Executions)
	})

	score := out.Decision.ComplexityScore
	path := models.AnalysisPath("")
	if out.Complexity != nil {
		score = out.Complexity.Score
		path = out.Complexity.AnalysisPath
	}

	var errs []error
	if o.affinity != nil && rc.SessionID != "" && out.Decision.Phase != models.PhaseLastResort {
		if _, err := o.affinity.RecordUsage(ctx, rc, out.Decision.SelectedProvider, out.Decision.SelectedModel, score, perf.Cost, perf.PerformanceScore); err != nil {
			errs = append(errs, fmt.Errorf("affinity: %w", err))
		}
	}
	rec := &models.UsageRecord{
		RequestID:        out.RequestID,
		OrganizationID:   models.OptionalString(rc.OrganizationID),
		SessionID:        models.OptionalString(rc.SessionID),
		UserID:           models.OptionalString(rc.UserID),
		EntityType:       rc.EffectiveEntityType(),
		Provider:         out.Decision.SelectedProvider,
		Model:            out.Decision.SelectedModel,
		APIKeySource:     out.Decision.APIKeySource,
		RoutingPhase:     out.Decision.Phase,
		AnalysisPath:     path,
		ComplexityScore:  score,
		InputTokens:      perf.InputTokens,
		OutputTokens:     perf.OutputTokens,
		TotalCostUSD:     perf.Cost,
		LatencyMs:        int(perf.LatencyMs),
		PerformanceScore: perf.PerformanceScore,
		Status:           perf.Status,
		Metadata:         usageMetadata(out.Decision),
	}
	if out.Err != nil {
		rec.ErrorMessage = models.OptionalString(perf.Error)
	}
	if o.usage != nil {
		if err := o.usage.Record(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("usage: %w", err))
		}
	}
	if op, ok := o.publisher.(OutcomePublisher); ok {
		if err := op.PublishOutcome(ctx, rec); err != nil {
			o.logger.WithComponent("orchestrator").Warn("Failed to publish outcome", zap.Error(err))
		}
	}

	if len(errs) > 0 {
		o.count(func(s *OrchestratorStats) { s.OutcomeErrors++ })
		return perf, errors.Join(errs...)
	}
	return perf, nil
}

// PerformanceScore rates one execution in [0,1]: 0.8 to start, -0.3 above 5s
// or -0.1 above 2s, -0.5 on error, +0.1 for non-empty output.
func PerformanceScore(latency time.Duration, execErr error, content string) float64 {
	score := basePerformanceScore
	switch {
	case latency > 5*time.Second:
		score -= 0.3
	case latency > 2*time.Second:
		score -= 0.1
	}
	if execErr != nil {
		score -= 0.5
	} else if strings.TrimSpace(content) != "" {
		score += 0.1
	}
	return clamp01(score)
}

// GetStats returns a copy of the orchestrator counters.
func (o *Orchestrator) GetStats() OrchestratorStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

func (o *Orchestrator) organization(ctx context.Context, id string) *models.Organization {
	if id == "" || o.catalog == nil {
		return nil
	}
	org, found, err := o.catalog.GetOrganization(ctx, id)
	if err != nil {
		o.logger.WithOrganization(id).Warn("Failed to load organization", zap.Error(err))
		return nil
	}
	if !found {
		o.logger.WithOrganization(id).Debug("Unknown organization, using defaults")
		return nil
	}
	return org
}

func (o *Orchestrator) budgetExceeded(ctx context.Context, org *models.Organization) bool {
	if o.usage == nil || org == nil || org.DailyBudgetUSD <= 0 {
		return false
	}
	exceeded, err := o.usage.IsDailyBudgetExceeded(ctx, decimal.NewFromFloat(org.DailyBudgetUSD), org.ID)
	if err != nil {
		o.logger.WithOrganization(org.ID).Warn("Budget check failed", zap.Error(err))
		return false
	}
	if exceeded {
		o.logger.WithOrganization(org.ID).Warn("Organization daily budget exceeded",
			zap.Float64("daily_budget_usd", org.DailyBudgetUSD))
	}
	return exceeded
}

func (o *Orchestrator) stickyDecision(
	ctx context.Context,
	rc *models.RequestContext,
	org *models.Organization,
	analysis *models.ComplexityResult,
	sticky affinity.Decision,
	strategy models.Strategy,
) *models.RoutingDecision {
	start := time.Now()
	key, found, err := o.engine.ResolveKey(ctx, sticky.Provider, rc.OrganizationID)
	if err != nil || !found {
		o.logger.WithSession(rc.SessionID).Debug("Sticky model has no usable key, routing normally",
			zap.String("provider", sticky.Provider),
			zap.String("model", sticky.Model),
			zap.Error(err),
		)
		return nil
	}
	maxTokens := o.tokensFor(rc)
	d := &models.RoutingDecision{
		ID:               uuid.NewString(),
		SelectedProvider: sticky.Provider,
		SelectedModel:    sticky.Model,
		APIType:          rc.EffectiveModelType(),
		ConfidenceScore:  StickyConfidence,
		Reasoning:        "session affinity: " + sticky.Reason,
		EstimatedCost:    decimal.Zero,
		EstimatedTokens:  maxTokens,
		ComplexityScore:  analysis.Score,
		ContentType:      analysis.ContentType,
		SessionSticky:    true,
		APIKeySource:     key.Source,
		EntityType:       rc.EffectiveEntityType(),
		Strategy:         routing.ResolveStrategy(org, strategy, o.engine.DefaultStrategy()),
		Phase:            models.PhaseAffinity,
	}
	if m := o.findModel(ctx, d.APIType, d.SelectedProvider, d.SelectedModel); m != nil {
		d.ModelID = m.ID
		d.EstimatedCost = routing.EstimateCost(*m, maxTokens)
	}
	d.DecisionTime = time.Since(start)
	o.metrics.RoutingDecision(string(d.Phase), string(d.Strategy), d.DecisionTime)
	return d
}

func (o *Orchestrator) findModel(ctx context.Context, apiType models.APIType, provider, model string) *models.ModelInfo {
	if o.catalog == nil {
		return nil
	}
	active, err := o.catalog.ActiveModels(ctx, apiType)
	if err != nil {
		return nil
	}
	for i := range active {
		if active[i].ProviderID == provider && active[i].ModelName == model {
			return &active[i]
		}
	}
	return nil
}

func (o *Orchestrator) tokensFor(rc *models.RequestContext) int {
	if rc != nil && rc.MaxTokens > 0 {
		return rc.MaxTokens
	}
	return o.maxTokens
}

func (o *Orchestrator) dispatch(ctx context.Context, rc *models.RequestContext, d *models.RoutingDecision, req CompletionRequest) (*llm.ExecutionResult, *PreparedContext, error) {
	key, found, err := o.engine.ResolveKey(ctx, d.SelectedProvider, rc.OrganizationID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve API key for %s: %w", d.SelectedProvider, err)
	}
	apiKey := ""
	if found {
		apiKey = key.Secret
	}

	// Prepared content already carries the trimmed conversation, so the raw
	// turns are only sent when there is none.
	prepared := o.prepare(ctx, rc, d)
	system, history := req.SystemPrompt, rc.ConversationHistory
	if prepared != nil && prepared.Content != "" {
		system = strings.TrimSpace(system + "\n\n" + prepared.Content)
		history = nil
	}
	messages := llm.NewConversationBuilder(system).
		AddHistory(history, 0).
		AddUser(req.Text).
		Build()

	res, err := o.executor.Execute(ctx, &llm.ExecutionRequest{
		Provider:  d.SelectedProvider,
		Model:     d.SelectedModel,
		APIType:   d.APIType,
		APIKey:    apiKey,
		Messages:  messages,
		MaxTokens: d.EstimatedTokens,
		Pricing:   o.pricing(ctx, d),
		Timeout:   o.timeout,
	})
	return res, prepared, err
}

func (o *Orchestrator) prepare(ctx context.Context, rc *models.RequestContext, d *models.RoutingDecision) *PreparedContext {
	if o.preparer == nil || rc.SessionID == "" {
		return nil
	}
	prepared, err := o.preparer.PrepareContext(ctx, rc, d.SelectedProvider, d.SelectedModel)
	if err != nil {
		o.logger.WithSession(rc.SessionID).Warn("Context preparation failed", zap.Error(err))
		return nil
	}
	return prepared
}

func (o *Orchestrator) pricing(ctx context.Context, d *models.RoutingDecision) *llm.Pricing {
	if o.catalog == nil || d.ModelID == "" {
		return nil
	}
	m, found, err := o.catalog.GetModel(ctx, d.ModelID)
	if err != nil || !found {
		return nil
	}
	return llm.PricingFor(m)
}

// executeLastResort bypasses routing and context preparation. An empty key
// makes the executor fall back to the provider's platform key.
func (o *Orchestrator) executeLastResort(ctx context.Context, rc *models.RequestContext, req CompletionRequest, d *models.RoutingDecision) (*llm.ExecutionResult, error) {
	messages := llm.NewConversationBuilder(req.SystemPrompt).AddUser(req.Text).Build()
	return o.executor.Execute(ctx, &llm.ExecutionRequest{
		Provider:  d.SelectedProvider,
		Model:     d.SelectedModel,
		APIType:   rc.EffectiveModelType(),
		Messages:  messages,
		MaxTokens: d.EstimatedTokens,
		Timeout:   o.timeout,
	})
}

func (o *Orchestrator) lastResortDecision(rc *models.RequestContext, score float64, ct models.ContentType, cause error) *models.RoutingDecision {
	reasoning := LastResortReasoning
	if cause != nil {
		reasoning += ": " + cause.Error()
	}
	return &models.RoutingDecision{
		ID:               uuid.NewString(),
		SelectedProvider: o.lastResort[0],
		SelectedModel:    o.lastResort[1],
		APIType:          rc.EffectiveModelType(),
		ConfidenceScore:  LastResortConfidence,
		Reasoning:        reasoning,
		EstimatedCost:    decimal.Zero,
		EstimatedTokens:  o.tokensFor(rc),
		ComplexityScore:  score,
		ContentType:      ct,
		APIKeySource:     models.KeySourcePlatform,
		EntityType:       rc.EffectiveEntityType(),
		Strategy:         models.StrategyBalanced,
		Phase:            models.PhaseLastResort,
	}
}

func (o *Orchestrator) lastResortResult(requestID string, rc *models.RequestContext, cause error) *RouteResult {
	analysis := &models.ComplexityResult{
		Score:       0.5,
		Level:       models.LevelMedium,
		Reasoning:   "analysis unavailable: " + cause.Error(),
		ContentType: models.ContentGeneral,
		Signals:     []string{"pipeline_failure"},
		Fallback:    true,
	}
	decision := o.lastResortDecision(rc, analysis.Score, analysis.ContentType, cause)
	meta := ResponseMetadata{RequestID: requestID, LastResort: true}
	fillMetadata(&meta, analysis, decision)
	return &RouteResult{Decision: decision, Complexity: analysis, Metadata: meta}
}

func fillMetadata(meta *ResponseMetadata, analysis *models.ComplexityResult, d *models.RoutingDecision) {
	if analysis != nil {
		meta.AnalysisPath = analysis.AnalysisPath
		meta.ComplexityScore = analysis.Score
		meta.ComplexityLevel = analysis.Level
		meta.ComplexityConfidence = analysis.Confidence
		meta.ContentType = analysis.ContentType
		meta.CacheHit = analysis.CacheHit
		meta.AnalysisTimeMs = float64(analysis.AnalysisTime.Microseconds()) / 1000
	}
	meta.RoutingPhase = d.Phase
	meta.RoutingConfidence = d.ConfidenceScore
	meta.SessionSticky = d.SessionSticky
	meta.Strategy = d.Strategy
	meta.EstimatedCost = d.EstimatedCost
}

func usageMetadata(d *models.RoutingDecision) json.RawMessage {
	raw, err := json.Marshal(map[string]interface{}{
		"decision_id":    d.ID,
		"confidence":     d.ConfidenceScore,
		"session_sticky": d.SessionSticky,
		"strategy":       d.Strategy,
		"fallback_chain": d.FallbackChain,
	})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func (o *Orchestrator) count(fn func(*OrchestratorStats)) {
	o.mu.Lock()
	fn(&o.stats)
	o.mu.Unlock()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
