package complexity

import (
	"strings"
	"testing"

	"github.com/irfndi/optiroute/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func history(n int) []models.ConversationTurn {
	turns := make([]models.ConversationTurn, n)
	for i := range turns {
		turns[i] = models.ConversationTurn{Role: "user", Content: "turn"}
	}
	return turns
}

func docs(n int) []models.RAGDocument {
	out := make([]models.RAGDocument, n)
	for i := range out {
		out[i] = models.RAGDocument{ID: "doc"}
	}
	return out
}

func TestRuleBasedAnalyzer_Branches(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		rc         *models.RequestContext
		branch     int
		score      float64
		confidence float64
		content    models.ContentType
	}{
		{
			name: "short greeting", text: "hi there",
			branch: 1, score: 0.10, confidence: 0.95,
		},
		{
			name: "two simple families", text: "thanks! what is the capital of france?",
			branch: 2, score: 0.15, confidence: 0.90,
		},
		{
			name: "long complex text", text: strings.Repeat("Please analyze the following quarterly figures. ", 25),
			branch: 3, score: 0.85, confidence: 0.90,
		},
		{
			name: "many complex patterns", text: "Analyze and compare the trade-offs of this architecture",
			branch: 4, score: 0.80, confidence: 0.88,
		},
		{
			name: "code content type", text: "Why is my python function returning None",
			branch: 5, score: 0.70, confidence: 0.87, content: models.ContentCode,
		},
		{
			name: "rag synthesis over many documents", text: "summarize these documents",
			rc:     &models.RequestContext{RAGDocuments: docs(6)},
			branch: 6, score: 0.75, confidence: 0.88,
		},
		{
			name: "rag synthesis over a few documents", text: "summarize these documents",
			rc:     &models.RequestContext{RAGDocuments: docs(2)},
			branch: 6, score: 0.60, confidence: 0.85,
		},
		{
			name: "single rag document", text: "summarize these documents",
			rc:     &models.RequestContext{RAGDocuments: docs(1)},
			branch: 6, score: 0.35, confidence: 0.80,
		},
		{
			name: "long history with reference", text: "as we discussed earlier, expand on that point",
			rc:     &models.RequestContext{ConversationHistory: history(12)},
			branch: 6, score: 0.55, confidence: 0.85,
		},
		{
			name: "long history without reference", text: "tell me something about gardening in spring",
			rc:     &models.RequestContext{ConversationHistory: history(12)},
			branch: 6, score: 0.40, confidence: 0.80,
		},
		{
			name: "length heuristic", text: "Can you help me with my garden this weekend please",
			branch: 7, score: 0.30, confidence: 0.70,
		},
		{
			name: "length heuristic with escalation families", text: "Give me your subjective opinion on this nuanced question",
			branch: 7, score: 0.30, confidence: 0.60,
		},
	}

	analyzer := NewRuleBasedAnalyzer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analysis := analyzer.Analyze(tt.text, tt.rc)
			require.NotNil(t, analysis.Result)

			assert.Equal(t, tt.branch, analysis.Branch, analysis.Result.Reasoning)
			assert.InDelta(t, tt.score, analysis.Result.Score, 1e-9)
			assert.InDelta(t, tt.confidence, analysis.Result.Confidence, 1e-9)
			assert.Equal(t, models.PathRuleBased, analysis.Result.AnalysisPath)
			assert.Equal(t, models.LevelFromScore(tt.score), analysis.Result.Level)
			assert.NotEmpty(t, analysis.Result.Reasoning)
			if tt.content != "" {
				assert.Equal(t, tt.content, analysis.Result.ContentType)
			}
		})
	}
}

func TestRuleBasedAnalyzer_Deterministic(t *testing.T) {
	analyzer := NewRuleBasedAnalyzer()
	rc := &models.RequestContext{ConversationHistory: history(3)}
	text := "Draft a proposal comparing three vendors for our data platform"

	first := analyzer.Analyze(text, rc)
	second := analyzer.Analyze(text, rc)
	assert.Equal(t, first.Result.Score, second.Result.Score)
	assert.Equal(t, first.Result.Confidence, second.Result.Confidence)
	assert.Equal(t, first.Result.Reasoning, second.Result.Reasoning)
	assert.Equal(t, first.Result.Signals, second.Result.Signals)
}

func TestRuleBasedAnalyzer_RecordsCounts(t *testing.T) {
	analysis := NewRuleBasedAnalyzer().Analyze("Give me your subjective opinion on this nuanced question", nil)
	assert.ElementsMatch(t, []string{"nuanced_language", "creative_subjective"}, analysis.EscalationFamilies)
	assert.Contains(t, analysis.Result.Signals, "escalation:nuanced_language")
	assert.Equal(t, 0, analysis.ComplexMatches)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello world", Normalize("  hello \n\t world  "))
	// NFKC folds the full-width letters and the ligature.
	assert.Equal(t, "ABC office", Normalize("ＡＢＣ oﬃce"))
}

func TestFastPath(t *testing.T) {
	tests := []struct {
		text       string
		template   string
		score      float64
		confidence float64
	}{
		{"hi", "greeting", 0.05, 0.98},
		{"Hello!", "greeting", 0.05, 0.98},
		{"thanks!", "acknowledgment", 0.05, 0.98},
		{"Thank you so much", "acknowledgment", 0.05, 0.98},
		{"2 + 3", "arithmetic", 0.05, 0.99},
		{"what is 12*7?", "arithmetic", 0.05, 0.99},
		{"Kubernetes", "single_word", 0.10, 0.95},
		{strings.Repeat("a", 5001), "very_long_text", 0.90, 0.85},
	}

	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			result, ok := FastPath(tt.text)
			require.True(t, ok)
			assert.Equal(t, models.PathFastPath, result.AnalysisPath)
			assert.Equal(t, "fast path: "+tt.template, result.Reasoning)
			assert.Equal(t, tt.score, result.Score)
			assert.Equal(t, tt.confidence, result.Confidence)
		})
	}

	_, ok := FastPath("Explain the difference between TCP and UDP")
	assert.False(t, ok)
	_, ok = FastPath("")
	assert.False(t, ok)
}
