package complexity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/irfndi/optiroute/internal/models"
	"github.com/irfndi/optiroute/internal/observability"
	"github.com/irfndi/optiroute/internal/services/workerpool"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ParallelConfig holds the consensus tuning knobs.
type ParallelConfig struct {
	ComponentTimeout    time.Duration
	ConflictThreshold   float64
	ConflictPenalty     float64
	ConsensusBonus      float64
	EscalationThreshold float64
}

// DefaultParallelConfig returns the standard consensus settings.
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		ComponentTimeout:    40 * time.Millisecond,
		ConflictThreshold:   0.3,
		ConflictPenalty:     0.2,
		ConsensusBonus:      0.1,
		EscalationThreshold: 0.75,
	}
}

// ParallelAnalyzer runs the four scoring components concurrently and merges
// them by weighted consensus.
type ParallelAnalyzer struct {
	cfg        ParallelConfig
	components []component
	pool       *workerpool.Pool
	cache      ResultCache
	escalator  Escalator
	orgs       OrganizationLookup
	metrics    *observability.Metrics
	stats      *statsCollector
	logger     *zap.Logger
}

// ParallelOption configures a ParallelAnalyzer.
type ParallelOption func(*ParallelAnalyzer)

// WithCache enables result caching.
func WithCache(cache ResultCache) ParallelOption {
	return func(a *ParallelAnalyzer) { a.cache = cache }
}

// WithEscalator enables the LLM escalation gate.
func WithEscalator(e Escalator) ParallelOption {
	return func(a *ParallelAnalyzer) { a.escalator = e }
}

// WithOrganizations lets organizations override the escalation threshold.
func WithOrganizations(orgs OrganizationLookup) ParallelOption {
	return func(a *ParallelAnalyzer) { a.orgs = orgs }
}

// WithMetrics feeds prometheus collectors.
func WithMetrics(m *observability.Metrics) ParallelOption {
	return func(a *ParallelAnalyzer) { a.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ParallelOption {
	return func(a *ParallelAnalyzer) { a.logger = logger }
}

// withComponents replaces the scorers; used by tests to inject slow or failing ones.
func withComponents(components ...component) ParallelOption {
	return func(a *ParallelAnalyzer) { a.components = components }
}

// NewParallelAnalyzer creates the analyzer. pool may be nil, in which case
// each component runs on its own goroutine.
func NewParallelAnalyzer(cfg ParallelConfig, pool *workerpool.Pool, opts ...ParallelOption) *ParallelAnalyzer {
	a := &ParallelAnalyzer{
		cfg:        cfg,
		components: defaultComponents(),
		pool:       pool,
		stats:      newStatsCollector(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Stats returns a snapshot of analyzer counters.
func (a *ParallelAnalyzer) Stats() Stats {
	return a.stats.snapshot()
}

// Analyze runs fast path, cache lookup, the parallel components, consensus,
// conflict resolution, the escalation gate and the cache write, in that order.
func (a *ParallelAnalyzer) Analyze(ctx context.Context, text string, rc *models.RequestContext) *models.ComplexityResult {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, observability.SpanAnalyze, attribute.String("analyzer", "parallel"))
	defer span.End()

	result := a.analyze(ctx, text, rc)
	elapsed := time.Since(start)
	if !result.CacheHit {
		result.AnalysisTime = elapsed
	}

	span.SetAttributes(
		attribute.String("analysis.path", string(result.AnalysisPath)),
		attribute.Float64("analysis.score", result.Score),
	)
	a.stats.record(result, elapsed)
	a.metrics.ObserveAnalysis(string(result.AnalysisPath), string(result.Level), elapsed)
	return result
}

func (a *ParallelAnalyzer) analyze(ctx context.Context, text string, rc *models.RequestContext) *models.ComplexityResult {
	in := newInput(text)

	if result, ok := fastPath(in); ok {
		return result
	}

	if a.cache != nil {
		cached, hit := a.cache.Get(ctx, in.text, rc)
		a.metrics.CacheLookup(hit)
		if hit {
			return cached
		}
	}

	components := a.runComponents(ctx, in, rc)
	result := a.consensus(components)

	if reason, ok := a.needsEscalation(ctx, result, components, rc); ok {
		result = a.escalate(ctx, in.text, rc, result, reason)
	}

	if a.cache != nil {
		a.cache.Put(ctx, in.text, rc, result)
	}
	return result
}

// runComponents submits every component and waits for all of them under one
// shared deadline. Components still running at the deadline are abandoned.
func (a *ParallelAnalyzer) runComponents(ctx context.Context, in *input, rc *models.RequestContext) []models.ComponentResult {
	deadline, cancel := context.WithTimeout(ctx, a.cfg.ComponentTimeout)
	defer cancel()

	started := time.Now()
	futures := make([]*workerpool.Future[models.ComponentResult], len(a.components))
	for i, c := range a.components {
		futures[i] = workerpool.Go(deadline, a.pool, c.Name(), func(ctx context.Context) (models.ComponentResult, error) {
			t := time.Now()
			res, err := c.Analyze(ctx, in, rc)
			res.Name = c.Name()
			res.ExecutionTime = time.Since(t)
			return res, err
		})
	}

	results := make([]models.ComponentResult, len(a.components))
	for i, f := range futures {
		name := a.components[i].Name()
		res, err := f.Await(deadline)
		if err == nil {
			results[i] = res
			continue
		}

		timedOut := errors.Is(err, context.DeadlineExceeded)
		results[i] = degradedResult(name, timedOut, time.Since(started))
		a.stats.componentFailure(timedOut)
		kind := "error"
		if timedOut {
			kind = "timeout"
		}
		a.metrics.ComponentFailure(name, kind)
		a.logger.Debug("component degraded",
			zap.String("component", name), zap.String("kind", kind), zap.Error(err))
	}
	return results
}

// consensus merges component verdicts and applies conflict resolution.
func (a *ParallelAnalyzer) consensus(components []models.ComponentResult) *models.ComplexityResult {
	weights := make(map[string]float64, len(a.components))
	for _, c := range a.components {
		weights[c.Name()] = c.Weight()
	}

	var weightSum, scoreSum, confSum float64
	minScore, maxScore := math.Inf(1), math.Inf(-1)
	byName := make(map[string]models.ComponentResult, len(components))
	contentTypes := make(map[models.ContentType]bool)
	var signals []string
	reported := 0

	for _, c := range components {
		w := weights[c.Name]
		weightSum += w
		scoreSum += w * c.Score
		confSum += w * c.Confidence
		minScore = math.Min(minScore, c.Score)
		maxScore = math.Max(maxScore, c.Score)
		byName[c.Name] = c
		if c.ContentType != "" {
			contentTypes[c.ContentType] = true
		}
		if !c.Degraded {
			reported++
		}
		for _, s := range c.Signals {
			signals = append(signals, c.Name+"."+s)
		}
	}

	result := &models.ComplexityResult{
		Level:        models.LevelSimple,
		AnalysisPath: models.PathParallelConsensus,
		ContentType:  models.ContentGeneral,
		Signals:      signals,
		Components:   byName,
	}
	if weightSum == 0 {
		result.Score, result.Confidence = 0.5, 0.2
		result.Level = models.LevelMedium
		result.Reasoning = "consensus: no components reported"
		return result
	}

	for _, ct := range models.ContentTypePriority {
		if contentTypes[ct] {
			result.ContentType = ct
			break
		}
	}

	score := scoreSum / weightSum
	confidence := confSum / weightSum
	trace := []string{fmt.Sprintf("consensus score=%.3f confidence=%.3f components=%d", score, confidence, len(components))}

	spread := maxScore - minScore
	if spread > a.cfg.ConflictThreshold {
		result.ConflictingSignals = true
		confidence *= 1 - a.cfg.ConflictPenalty
		trace = append(trace, fmt.Sprintf("conflict spread=%.3f penalty applied", spread))
	} else {
		trace = append(trace, fmt.Sprintf("no conflict spread=%.3f", spread))
	}

	level := models.LevelFromScore(score)
	pattern, hasPattern := byName[ComponentPattern]
	escalation := byName[ComponentEscalation]

	if escalation.ShouldEscalate && hasPattern && pattern.Score < 0.3 {
		score = math.Max(score, 0.6)
		level = models.LevelFromScore(score)
		trace = append(trace, "R1 fired: escalation patterns with low pattern score")
	} else {
		trace = append(trace, "R1 not fired")
	}

	if result.ContentType == models.ContentCode && hasPattern && pattern.Score < 0.3 {
		score = math.Max(score, 0.5)
		level = models.LevelMedium
		trace = append(trace, "R2 fired: code content with low pattern score")
	} else {
		trace = append(trace, "R2 not fired")
	}

	if !result.ConflictingSignals && reported >= 3 {
		confidence = math.Min(1, confidence*(1+a.cfg.ConsensusBonus))
		trace = append(trace, fmt.Sprintf("R3 fired: agreement across %d components", reported))
	} else {
		trace = append(trace, "R3 not fired")
	}

	result.Score = clamp01(score)
	result.Level = level
	result.Confidence = clamp01(confidence)
	result.Reasoning = strings.Join(trace, "; ")
	return result
}

func (a *ParallelAnalyzer) needsEscalation(ctx context.Context, result *models.ComplexityResult, components []models.ComponentResult, rc *models.RequestContext) (models.EscalationReason, bool) {
	threshold := a.threshold(ctx, rc)
	for _, c := range components {
		if c.Name == ComponentEscalation && c.ShouldEscalate {
			return models.ReasonEscalationPatterns, true
		}
	}
	if result.Confidence < threshold {
		return models.ReasonLowConfidence, true
	}
	return models.ReasonNone, false
}

func (a *ParallelAnalyzer) threshold(ctx context.Context, rc *models.RequestContext) float64 {
	threshold := a.cfg.EscalationThreshold
	if rc == nil || rc.OrganizationID == "" || a.orgs == nil {
		return threshold
	}
	org, found, err := a.orgs.GetOrganization(ctx, rc.OrganizationID)
	if err != nil {
		a.logger.Warn("organization lookup failed, using default escalation threshold",
			zap.String("organization_id", rc.OrganizationID), zap.Error(err))
		return threshold
	}
	if found && org.UniversalThreshold > 0 {
		return org.UniversalThreshold
	}
	return threshold
}

// escalate replaces the verdict fields with the remote classification while
// keeping the component breakdown.
func (a *ParallelAnalyzer) escalate(ctx context.Context, text string, rc *models.RequestContext, result *models.ComplexityResult, reason models.EscalationReason) *models.ComplexityResult {
	if a.escalator == nil {
		result.Reasoning += "; escalation gate fired (" + string(reason) + ") but no escalator configured"
		return result
	}

	decision := &models.EscalationDecision{
		ShouldEscalate:      true,
		Reason:              reason,
		ConfidenceThreshold: a.threshold(ctx, rc),
		ActualConfidence:    result.Confidence,
	}
	verdict := a.escalator.Escalate(ctx, text, rc, decision)

	out := result.Clone()
	out.Score = verdict.Score
	out.Level = verdict.Level
	out.Confidence = verdict.Confidence
	out.ContentType = verdict.ContentType
	out.Reasoning = verdict.Reasoning
	out.AnalysisPath = models.PathLLMEscalation
	out.EscalationReason = reason
	out.Fallback = verdict.Fallback
	out.Signals = append(out.Signals, verdict.Signals...)
	return out
}
