package complexity

import (
	"context"
	"fmt"
	"time"

	"github.com/irfndi/optiroute/internal/models"
)

// Component names as they appear in ComplexityResult.Components.
const (
	ComponentPattern     = "pattern"
	ComponentContentType = "content_type"
	ComponentContext     = "context"
	ComponentEscalation  = "escalation"
)

// component is one independent scorer run by the parallel analyzer. Analyze
// must not retain in or rc.
type component interface {
	Name() string
	Weight() float64
	Analyze(ctx context.Context, in *input, rc *models.RequestContext) (models.ComponentResult, error)
}

func defaultComponents() []component {
	return []component{
		patternComponent{},
		contentTypeComponent{},
		contextComponent{},
		escalationComponent{},
	}
}

// patternComponent mirrors the length and pattern-count branches of the
// rule-based analyzer.
type patternComponent struct{}

func (patternComponent) Name() string    { return ComponentPattern }
func (patternComponent) Weight() float64 { return 0.30 }

func (patternComponent) Analyze(_ context.Context, in *input, _ *models.RequestContext) (models.ComponentResult, error) {
	simple := matchFamilies(in.lower, simpleFamilies)
	complexM := matchFamilies(in.lower, complexFamilies)

	var score, confidence float64
	var signal string
	switch {
	case in.length < 20 && simple.distinct() >= 1:
		score, confidence, signal = 0.10, 0.95, "short_simple"
	case in.length < 100 && simple.distinct() >= 2:
		score, confidence, signal = 0.15, 0.90, "multiple_simple"
	case in.length > 1000 && complexM.distinct() >= 1:
		score, confidence, signal = 0.85, 0.90, "long_complex"
	case complexM.patterns >= 3:
		score, confidence, signal = 0.80, 0.88, "complex_patterns"
	default:
		score, confidence, signal = lengthBaseScore(in.length), 0.70, "length_heuristic"
		switch {
		case complexM.patterns > simple.distinct():
			score += 0.3
		case simple.distinct() > complexM.patterns:
			score -= 0.3
		}
	}

	return models.ComponentResult{
		Score:      clamp01(score),
		Confidence: confidence,
		Signals: []string{
			"pattern:" + signal,
			fmt.Sprintf("simple_families:%d", simple.distinct()),
			fmt.Sprintf("complex_matches:%d", complexM.patterns),
		},
	}, nil
}

type contentTypeComponent struct{}

func (contentTypeComponent) Name() string    { return ComponentContentType }
func (contentTypeComponent) Weight() float64 { return 0.25 }

func (contentTypeComponent) Analyze(_ context.Context, in *input, _ *models.RequestContext) (models.ComponentResult, error) {
	ct, hits := classifyContent(in.lower)
	profile := contentTypeProfiles[ct]
	return models.ComponentResult{
		Score:       profile.score,
		Confidence:  profile.confidence,
		ContentType: ct,
		Signals:     []string{"content_type:" + string(ct), fmt.Sprintf("content_hits:%d", hits)},
	}, nil
}

// contextComponent turns request metadata into a complexity contribution.
type contextComponent struct{}

func (contextComponent) Name() string    { return ComponentContext }
func (contextComponent) Weight() float64 { return 0.20 }

func (contextComponent) Analyze(_ context.Context, in *input, rc *models.RequestContext) (models.ComponentResult, error) {
	score := 0.3
	var signals []string

	switch history := rc.HistoryLen(); {
	case history > 10:
		score += 0.2
		signals = append(signals, "long_history")
	case history > 5:
		score += 0.1
		signals = append(signals, "medium_history")
	}

	synthesis := synthesisPattern.MatchString(in.lower)
	switch docs := rc.RAGCount(); {
	case docs > 5:
		score += 0.3
		signals = append(signals, "many_rag_documents")
	case docs > 1:
		score += 0.2
		signals = append(signals, "rag_documents")
	case docs == 1:
		score += 0.1
		signals = append(signals, "single_rag_document")
	}
	if synthesis && rc.RAGCount() > 0 {
		score += 0.1
		signals = append(signals, "rag_synthesis")
	}

	if rc != nil {
		if rc.QualityCritical {
			score += 0.15
			signals = append(signals, "quality_critical")
		}
		if rc.RequireFastResponse {
			score -= 0.1
			signals = append(signals, "fast_response")
		}
		if rc.CostSensitive {
			score -= 0.05
			signals = append(signals, "cost_sensitive")
		}
	}

	switch rc.EffectiveEntityType() {
	case models.EntityAgentSession, models.EntityWorkflowExecution:
		score += 0.1
		signals = append(signals, "entity:"+string(rc.EffectiveEntityType()))
	}

	confidence := 0.6 + 0.05*float64(len(signals))
	if confidence > 0.85 {
		confidence = 0.85
	}
	if len(signals) == 0 {
		signals = []string{"no_context_factors"}
	}

	return models.ComponentResult{
		Score:      clamp01(score),
		Confidence: confidence,
		Signals:    signals,
	}, nil
}

// escalationComponent counts escalation-indicator families.
type escalationComponent struct{}

func (escalationComponent) Name() string    { return ComponentEscalation }
func (escalationComponent) Weight() float64 { return 0.15 }

func (escalationComponent) Analyze(_ context.Context, in *input, _ *models.RequestContext) (models.ComponentResult, error) {
	m := matchFamilies(in.lower, escalationFamilies)
	n := m.distinct()

	confidence := 0.85
	if n > 0 {
		confidence = 0.75
	}

	signals := make([]string, 0, n+1)
	for _, f := range m.families {
		signals = append(signals, "escalation:"+f)
	}
	signals = append(signals, fmt.Sprintf("escalation_families:%d", n))

	return models.ComponentResult{
		Score:          clamp01(0.3 + 0.15*float64(n)),
		Confidence:     confidence,
		Signals:        signals,
		ShouldEscalate: n >= 2,
	}, nil
}

// degradedResult is the neutral stand-in for a component that timed out or failed.
func degradedResult(name string, timedOut bool, elapsed time.Duration) models.ComponentResult {
	confidence, tag := 0.3, "component_error"
	if timedOut {
		confidence, tag = 0.2, "component_timeout"
	}
	return models.ComponentResult{
		Name:          name,
		Score:         0.5,
		Confidence:    confidence,
		Signals:       []string{tag},
		ExecutionTime: elapsed,
		Degraded:      true,
	}
}
