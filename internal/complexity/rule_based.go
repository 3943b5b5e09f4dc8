package complexity

import (
	"fmt"
	"math"
	"time"

	"github.com/irfndi/optiroute/internal/models"
)

// RuleAnalysis is the rule-based verdict plus the pattern counts the
// escalation criteria inspect.
type RuleAnalysis struct {
	Result             *models.ComplexityResult
	Branch             int
	SimpleFamilies     []string
	ComplexFamilies    []string
	ComplexMatches     int
	EscalationFamilies []string
	ContentType        models.ContentType
}

// SimpleCount is the number of distinct simple families that matched.
func (a *RuleAnalysis) SimpleCount() int { return len(a.SimpleFamilies) }

// RuleBasedAnalyzer is the synchronous heuristic scorer. It holds no state and
// is safe for concurrent use.
type RuleBasedAnalyzer struct{}

// NewRuleBasedAnalyzer creates a rule-based analyzer.
func NewRuleBasedAnalyzer() *RuleBasedAnalyzer {
	return &RuleBasedAnalyzer{}
}

// Analyze scores text through the fixed branch pipeline, stopping at the first
// branch that fires.
func (a *RuleBasedAnalyzer) Analyze(text string, rc *models.RequestContext) *RuleAnalysis {
	start := time.Now()
	in := newInput(text)
	analysis := a.analyze(in, rc)
	analysis.Result.AnalysisTime = time.Since(start)
	return analysis
}

func (a *RuleBasedAnalyzer) analyze(in *input, rc *models.RequestContext) *RuleAnalysis {
	simple := matchFamilies(in.lower, simpleFamilies)
	complexM := matchFamilies(in.lower, complexFamilies)
	escalation := matchFamilies(in.lower, escalationFamilies)
	contentType, contentHits := classifyContent(in.lower)

	analysis := &RuleAnalysis{
		SimpleFamilies:     simple.families,
		ComplexFamilies:    complexM.families,
		ComplexMatches:     complexM.patterns,
		EscalationFamilies: escalation.families,
		ContentType:        contentType,
	}

	finish := func(branch int, score, confidence float64, reasoning string) *RuleAnalysis {
		analysis.Branch = branch
		analysis.Result = &models.ComplexityResult{
			Score:        clamp01(score),
			Level:        models.LevelFromScore(clamp01(score)),
			Confidence:   clamp01(confidence),
			Reasoning:    reasoning,
			AnalysisPath: models.PathRuleBased,
			ContentType:  contentType,
			Signals:      ruleSignals(simple, complexM, escalation, contentType),
		}
		return analysis
	}

	counts := fmt.Sprintf("len=%d simple=%d complex=%d escalation=%d", in.length, simple.distinct(), complexM.patterns, escalation.distinct())

	switch {
	case in.length < 20 && simple.distinct() >= 1:
		return finish(1, 0.10, 0.95, "rule 1 short simple: "+counts)
	case in.length < 100 && simple.distinct() >= 2:
		return finish(2, 0.15, 0.90, "rule 2 multiple simple families: "+counts)
	case in.length > 1000 && complexM.distinct() >= 1:
		return finish(3, 0.85, 0.90, "rule 3 long complex: "+counts)
	case complexM.patterns >= 3:
		return finish(4, 0.80, 0.88, "rule 4 complex patterns: "+counts)
	}

	profile := contentTypeProfiles[contentType]
	if profile.confidence > 0.85 {
		return finish(5, profile.score, profile.confidence,
			fmt.Sprintf("rule 5 content type %s (%d hits): %s", contentType, contentHits, counts))
	}

	if score, confidence, why, ok := contextRule(in, rc); ok {
		return finish(6, score, confidence, "rule 6 "+why+": "+counts)
	}

	score := lengthBaseScore(in.length)
	switch {
	case complexM.patterns > simple.distinct():
		score += 0.3
	case simple.distinct() > complexM.patterns:
		score -= 0.3
	}
	confidence := 0.70
	if escalation.distinct() >= 2 {
		confidence = 0.60
	}
	return finish(7, score, confidence, "rule 7 length heuristic: "+counts)
}

// contextRule applies the RAG and conversation-history adjustments.
func contextRule(in *input, rc *models.RequestContext) (score, confidence float64, why string, ok bool) {
	docs := rc.RAGCount()
	history := rc.HistoryLen()
	synthesis := synthesisPattern.MatchString(in.lower)

	switch {
	case docs > 5 && synthesis:
		return 0.75, 0.88, fmt.Sprintf("rag synthesis docs=%d", docs), true
	case docs > 1 && synthesis:
		return 0.60, 0.85, fmt.Sprintf("rag synthesis docs=%d", docs), true
	case docs >= 1:
		return 0.35, 0.80, fmt.Sprintf("rag lookup docs=%d", docs), true
	case history > 10 && referencePattern.MatchString(in.lower):
		return 0.55, 0.85, fmt.Sprintf("history reference turns=%d", history), true
	case history > 10:
		return 0.40, 0.80, fmt.Sprintf("long history turns=%d", history), true
	}
	return 0, 0, "", false
}

func lengthBaseScore(length int) float64 {
	switch {
	case length < 50:
		return 0.1
	case length < 200:
		return 0.3
	case length < 500:
		return 0.5
	default:
		return 0.7
	}
}

func ruleSignals(simple, complexM, escalation familyMatch, ct models.ContentType) []string {
	signals := make([]string, 0, len(simple.families)+len(complexM.families)+len(escalation.families)+1)
	for _, f := range simple.families {
		signals = append(signals, "simple:"+f)
	}
	for _, f := range complexM.families {
		signals = append(signals, "complex:"+f)
	}
	for _, f := range escalation.families {
		signals = append(signals, "escalation:"+f)
	}
	return append(signals, "content_type:"+string(ct))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
