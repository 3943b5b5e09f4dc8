package complexity

import (
	"context"
	"time"

	"github.com/irfndi/optiroute/internal/models"
	"github.com/irfndi/optiroute/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// SerialAnalyzer is the legacy pipeline: cache, rule-based analysis,
// escalation criteria, optional LLM escalation, cache write.
type SerialAnalyzer struct {
	rules     *RuleBasedAnalyzer
	criteria  *EscalationCriteria
	escalator Escalator
	cache     ResultCache
	metrics   *observability.Metrics
	stats     *statsCollector
	logger    *zap.Logger
}

// NewSerialAnalyzer creates the serial pipeline. criteria, escalator and cache
// are optional.
func NewSerialAnalyzer(criteria *EscalationCriteria, escalator Escalator, cache ResultCache, metrics *observability.Metrics, logger *zap.Logger) *SerialAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SerialAnalyzer{
		rules:     NewRuleBasedAnalyzer(),
		criteria:  criteria,
		escalator: escalator,
		cache:     cache,
		metrics:   metrics,
		stats:     newStatsCollector(),
		logger:    logger,
	}
}

// Stats returns a snapshot of analyzer counters.
func (s *SerialAnalyzer) Stats() Stats {
	return s.stats.snapshot()
}

// Analyze runs the serial pipeline.
func (s *SerialAnalyzer) Analyze(ctx context.Context, text string, rc *models.RequestContext) *models.ComplexityResult {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, observability.SpanAnalyze, attribute.String("analyzer", "serial"))
	defer span.End()

	result := s.analyze(ctx, text, rc)
	elapsed := time.Since(start)
	if !result.CacheHit {
		result.AnalysisTime = elapsed
	}

	span.SetAttributes(attribute.String("analysis.path", string(result.AnalysisPath)))
	s.stats.record(result, elapsed)
	s.metrics.ObserveAnalysis(string(result.AnalysisPath), string(result.Level), elapsed)
	return result
}

func (s *SerialAnalyzer) analyze(ctx context.Context, text string, rc *models.RequestContext) *models.ComplexityResult {
	normalized := Normalize(text)

	if s.cache != nil {
		cached, hit := s.cache.Get(ctx, normalized, rc)
		s.metrics.CacheLookup(hit)
		if hit {
			return cached
		}
	}

	analysis := s.rules.Analyze(normalized, rc)
	result := analysis.Result

	if s.criteria != nil {
		decision := s.criteria.ShouldEscalate(ctx, analysis, normalized, rc)
		if decision.ShouldEscalate {
			if s.escalator != nil {
				s.logger.Debug("escalating rule-based verdict",
					zap.String("escalation_reason", string(decision.Reason)),
					zap.Float64("confidence", decision.ActualConfidence),
					zap.Float64("threshold", decision.ConfidenceThreshold),
					zap.String("estimated_cost", decision.EstimatedCost.String()))
				verdict := s.escalator.Escalate(ctx, normalized, rc, decision)
				verdict.EscalationReason = decision.Reason
				verdict.Signals = append(append([]string(nil), result.Signals...), verdict.Signals...)
				result = verdict
			} else {
				result.EscalationReason = decision.Reason
			}
		}
	}

	if s.cache != nil {
		s.cache.Put(ctx, normalized, rc, result)
	}
	return result
}
