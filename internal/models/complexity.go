package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ComplexityLevel buckets a complexity score.
type ComplexityLevel string

const (
	LevelSimple  ComplexityLevel = "simple"
	LevelMedium  ComplexityLevel = "medium"
	LevelComplex ComplexityLevel = "complex"
)

const (
	SimpleUpperBound = 0.3
	MediumUpperBound = 0.7
)

// LevelFromScore derives the level from the 0.3/0.7 thresholds.
func LevelFromScore(score float64) ComplexityLevel {
	switch {
	case score < SimpleUpperBound:
		return LevelSimple
	case score < MediumUpperBound:
		return LevelMedium
	default:
		return LevelComplex
	}
}

// ParseComplexityLevel accepts any casing of the three level names.
func ParseComplexityLevel(s string) (ComplexityLevel, bool) {
	switch ComplexityLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LevelSimple:
		return LevelSimple, true
	case LevelMedium:
		return LevelMedium, true
	case LevelComplex:
		return LevelComplex, true
	}
	return "", false
}

// AnalysisPath records which stage produced a ComplexityResult.
type AnalysisPath string

const (
	PathFastPath          AnalysisPath = "fast_path"
	PathRuleBased         AnalysisPath = "rule_based"
	PathParallelConsensus AnalysisPath = "parallel_consensus"
	PathLLMEscalation     AnalysisPath = "llm_escalation"
	PathCached            AnalysisPath = "cached"
)

// ContentType is the coarse domain of a request.
type ContentType string

const (
	ContentGeneral      ContentType = "general"
	ContentCode         ContentType = "code"
	ContentDataAnalysis ContentType = "data_analysis"
	ContentBusiness     ContentType = "business"
	ContentCreative     ContentType = "creative"
	ContentTechnical    ContentType = "technical"
)

// ContentTypePriority is the tie-break order used whenever several content
// types are equally supported.
var ContentTypePriority = []ContentType{
	ContentCode,
	ContentDataAnalysis,
	ContentBusiness,
	ContentCreative,
	ContentTechnical,
	ContentGeneral,
}

// ParseContentType maps free-form labels (including "data-analysis") to a ContentType.
func ParseContentType(s string) (ContentType, bool) {
	normalized := contentTypeReplacer.Replace(strings.ToLower(strings.TrimSpace(s)))
	for _, ct := range ContentTypePriority {
		if string(ct) == normalized {
			return ct, true
		}
	}
	return "", false
}

// EscalationReason explains why a verdict was handed to the remote classifier.
type EscalationReason string

const (
	ReasonNone               EscalationReason = ""
	ReasonLowConfidence      EscalationReason = "low_confidence"
	ReasonEscalationPatterns EscalationReason = "escalation_patterns"
	ReasonContextTriggers    EscalationReason = "context_triggers"
	ReasonConflictingSignals EscalationReason = "conflicting_signals"
)

// ComponentResult is the verdict of one parallel scoring component.
type ComponentResult struct {
	Name           string        `json:"name"`
	Score          float64       `json:"score"`
	Confidence     float64       `json:"confidence"`
	Signals        []string      `json:"signals,omitempty"`
	ExecutionTime  time.Duration `json:"execution_time_ns"`
	ShouldEscalate bool          `json:"should_escalate,omitempty"`
	ContentType    ContentType   `json:"content_type,omitempty"`
	Degraded       bool          `json:"degraded,omitempty"`
}

// ComplexityResult is the output of every analysis path.
type ComplexityResult struct {
	Score              float64                    `json:"score"`
	Level              ComplexityLevel            `json:"level"`
	Confidence         float64                    `json:"confidence"`
	Reasoning          string                     `json:"reasoning"`
	AnalysisPath       AnalysisPath               `json:"analysis_path"`
	ContentType        ContentType                `json:"content_type"`
	EscalationReason   EscalationReason           `json:"escalation_reason,omitempty"`
	Signals            []string                   `json:"signals,omitempty"`
	Components         map[string]ComponentResult `json:"components,omitempty"`
	AnalysisTime       time.Duration              `json:"analysis_time_ns"`
	CacheHit           bool                       `json:"cache_hit"`
	ConflictingSignals bool                       `json:"conflicting_signals_detected,omitempty"`
	Fallback           bool                       `json:"fallback,omitempty"`
}

// Clone returns a deep copy so cached values are never shared with callers.
func (r *ComplexityResult) Clone() *ComplexityResult {
	if r == nil {
		return nil
	}
	out := *r
	if r.Signals != nil {
		out.Signals = append([]string(nil), r.Signals...)
	}
	if r.Components != nil {
		out.Components = make(map[string]ComponentResult, len(r.Components))
		for k, v := range r.Components {
			if v.Signals != nil {
				v.Signals = append([]string(nil), v.Signals...)
			}
			out.Components[k] = v
		}
	}
	return &out
}

// EscalationDecision is the outcome of the escalation criteria for one analysis.
type EscalationDecision struct {
	ShouldEscalate       bool             `json:"should_escalate"`
	Reason               EscalationReason `json:"reason,omitempty"`
	ConfidenceThreshold  float64          `json:"confidence_threshold"`
	ActualConfidence     float64          `json:"actual_confidence"`
	OrganizationStrategy string           `json:"organization_strategy"`
	EstimatedCost        decimal.Decimal  `json:"estimated_cost"`
	CostCeiling          decimal.Decimal  `json:"cost_ceiling"`
	Triggers             []string         `json:"triggers,omitempty"`
}

var contentTypeReplacer = strings.NewReplacer("-", "_", " ", "_")
