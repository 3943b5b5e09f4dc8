package complexity

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/irfndi/optiroute/internal/models"
	"github.com/irfndi/optiroute/internal/observability"
	"github.com/irfndi/optiroute/internal/services/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startPool(t *testing.T) *workerpool.Pool {
	t.Helper()
	pool := workerpool.New(workerpool.Config{Workers: 8, QueueSize: 32, DropOnFull: true})
	require.NoError(t, pool.Start())
	t.Cleanup(func() { _ = pool.Stop() })
	return pool
}

func testConfig() ParallelConfig {
	cfg := DefaultParallelConfig()
	cfg.ComponentTimeout = 200 * time.Millisecond
	return cfg
}

func TestParallelAnalyzer_FastPathSkipsComponents(t *testing.T) {
	var calls atomic.Int32
	probe := fixedComponent{name: ComponentPattern, weight: 0.3, calls: &calls}
	cache := newMemoryCache()
	a := NewParallelAnalyzer(testConfig(), startPool(t), withComponents(probe), WithCache(cache))

	for _, text := range []string{"hi", "2 + 3", "thanks!", strings.Repeat("x", 5001)} {
		result := a.Analyze(context.Background(), text, nil)
		assert.Equal(t, models.PathFastPath, result.AnalysisPath, text)
		assert.Nil(t, result.Components)
	}
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, cache.puts)
}

func TestParallelAnalyzer_CodeRuleRaisesScore(t *testing.T) {
	a := NewParallelAnalyzer(testConfig(), startPool(t))

	result := a.Analyze(context.Background(), "Debug this function causing a race condition", nil)

	require.Len(t, result.Components, 4)
	assert.Less(t, result.Components[ComponentPattern].Score, 0.3)
	assert.Equal(t, models.ContentCode, result.ContentType)
	assert.GreaterOrEqual(t, result.Score, 0.5)
	assert.Equal(t, models.LevelMedium, result.Level)
	assert.True(t, result.ConflictingSignals)
	assert.Contains(t, result.Reasoning, "R2 fired")
	assert.Contains(t, result.Reasoning, "no escalator configured")
	assert.Equal(t, models.PathParallelConsensus, result.AnalysisPath)
}

func TestParallelAnalyzer_CacheRoundTrip(t *testing.T) {
	cache := newMemoryCache()
	a := NewParallelAnalyzer(testConfig(), startPool(t), WithCache(cache))
	rc := &models.RequestContext{OrganizationID: "org-1"}
	text := "Write a short product description for our new running shoes"

	first := a.Analyze(context.Background(), text, rc)
	second := a.Analyze(context.Background(), text, rc)

	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, models.PathCached, second.AnalysisPath)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.Level, second.Level)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, first.ContentType, second.ContentType)
	assert.Equal(t, first.Reasoning, second.Reasoning)

	stats := a.Stats()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.CacheHits)
}

func TestParallelAnalyzer_DegradesFailingComponents(t *testing.T) {
	cfg := testConfig()
	cfg.ComponentTimeout = 30 * time.Millisecond
	reg := prometheus.NewRegistry()

	a := NewParallelAnalyzer(cfg, startPool(t),
		WithMetrics(observability.MustNewMetrics(reg)),
		withComponents(
			fixedComponent{name: ComponentPattern, weight: 0.30, result: models.ComponentResult{Score: 0.4, Confidence: 0.9}},
			fixedComponent{name: ComponentContentType, weight: 0.25, wait: true},
			fixedComponent{name: ComponentContext, weight: 0.20, err: errors.New("bad input")},
			fixedComponent{name: ComponentEscalation, weight: 0.15, panics: true},
		))

	start := time.Now()
	result := a.Analyze(context.Background(), "Please plan the office party for next month", nil)
	assert.Less(t, time.Since(start), time.Second)

	timedOut := result.Components[ComponentContentType]
	assert.True(t, timedOut.Degraded)
	assert.Equal(t, 0.5, timedOut.Score)
	assert.Equal(t, 0.2, timedOut.Confidence)
	assert.Equal(t, []string{"component_timeout"}, timedOut.Signals)

	for _, name := range []string{ComponentContext, ComponentEscalation} {
		failed := result.Components[name]
		assert.True(t, failed.Degraded, name)
		assert.Equal(t, 0.3, failed.Confidence, name)
		assert.Equal(t, []string{"component_error"}, failed.Signals, name)
	}

	assert.False(t, result.Components[ComponentPattern].Degraded)
	assert.Contains(t, result.Reasoning, "R3 not fired")

	stats := a.Stats()
	assert.Equal(t, int64(1), stats.ComponentTimeouts)
	assert.Equal(t, int64(2), stats.ComponentErrors)
}

func TestParallelAnalyzer_ConsensusIsConvexCombination(t *testing.T) {
	tests := []struct {
		name   string
		scores map[string]float64
	}{
		{"agreeing", map[string]float64{ComponentPattern: 0.5, ComponentContentType: 0.55, ComponentContext: 0.45, ComponentEscalation: 0.5}},
		{"spread", map[string]float64{ComponentPattern: 0.9, ComponentContentType: 0.3, ComponentContext: 0.35, ComponentEscalation: 0.3}},
		{"two components", map[string]float64{ComponentPattern: 0.2, ComponentContext: 0.4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			weights := map[string]float64{ComponentPattern: 0.30, ComponentContentType: 0.25, ComponentContext: 0.20, ComponentEscalation: 0.15}
			var comps []component
			var results []models.ComponentResult
			lo, hi := 1.0, 0.0
			for name, score := range tt.scores {
				comps = append(comps, fixedComponent{name: name, weight: weights[name]})
				results = append(results, models.ComponentResult{Name: name, Score: score, Confidence: 0.8})
				lo, hi = min(lo, score), max(hi, score)
			}

			a := NewParallelAnalyzer(testConfig(), nil, withComponents(comps...))
			result := a.consensus(results)

			assert.GreaterOrEqual(t, result.Score, lo-1e-9)
			assert.LessOrEqual(t, result.Score, hi+1e-9)
			if hi-lo > 0.3 {
				assert.True(t, result.ConflictingSignals)
				assert.LessOrEqual(t, result.Confidence, 0.8)
			}
		})
	}
}

func TestParallelAnalyzer_ConflictRules(t *testing.T) {
	comps := []component{
		fixedComponent{name: ComponentPattern, weight: 0.30},
		fixedComponent{name: ComponentContentType, weight: 0.25},
		fixedComponent{name: ComponentContext, weight: 0.20},
		fixedComponent{name: ComponentEscalation, weight: 0.15},
	}
	a := NewParallelAnalyzer(testConfig(), nil, withComponents(comps...))

	t.Run("R1 raises score when escalation patterns disagree with pattern analysis", func(t *testing.T) {
		result := a.consensus([]models.ComponentResult{
			{Name: ComponentPattern, Score: 0.1, Confidence: 0.8},
			{Name: ComponentContentType, Score: 0.3, Confidence: 0.6, ContentType: models.ContentGeneral},
			{Name: ComponentContext, Score: 0.3, Confidence: 0.6},
			{Name: ComponentEscalation, Score: 0.6, Confidence: 0.75, ShouldEscalate: true},
		})
		assert.GreaterOrEqual(t, result.Score, 0.6)
		assert.Contains(t, result.Reasoning, "R1 fired")
	})

	t.Run("R3 boosts confidence on agreement", func(t *testing.T) {
		result := a.consensus([]models.ComponentResult{
			{Name: ComponentPattern, Score: 0.5, Confidence: 0.8},
			{Name: ComponentContentType, Score: 0.5, Confidence: 0.8},
			{Name: ComponentContext, Score: 0.5, Confidence: 0.8},
			{Name: ComponentEscalation, Score: 0.5, Confidence: 0.8},
		})
		assert.False(t, result.ConflictingSignals)
		assert.InDelta(t, 0.88, result.Confidence, 1e-9)
		assert.Contains(t, result.Reasoning, "R3 fired")
	})

	t.Run("R3 is capped at one", func(t *testing.T) {
		result := a.consensus([]models.ComponentResult{
			{Name: ComponentPattern, Score: 0.5, Confidence: 0.99},
			{Name: ComponentContentType, Score: 0.5, Confidence: 0.99},
			{Name: ComponentContext, Score: 0.5, Confidence: 0.99},
		})
		assert.Equal(t, 1.0, result.Confidence)
	})

	t.Run("content type follows priority", func(t *testing.T) {
		result := a.consensus([]models.ComponentResult{
			{Name: ComponentPattern, Score: 0.5, Confidence: 0.8, ContentType: models.ContentCreative},
			{Name: ComponentContentType, Score: 0.5, Confidence: 0.8, ContentType: models.ContentBusiness},
		})
		assert.Equal(t, models.ContentBusiness, result.ContentType)
	})
}

func TestParallelAnalyzer_EscalationGate(t *testing.T) {
	escalator := &stubEscalator{result: &models.ComplexityResult{
		Score: 0.9, Level: models.LevelComplex, Confidence: 0.92,
		ContentType: models.ContentTechnical, Reasoning: "remote verdict",
		AnalysisPath: models.PathLLMEscalation,
	}}
	cache := newMemoryCache()
	a := NewParallelAnalyzer(testConfig(), startPool(t), WithEscalator(escalator), WithCache(cache))

	text := "Give a nuanced expert critique of this regulatory proof and its edge cases"
	result := a.Analyze(context.Background(), text, nil)

	assert.Equal(t, int32(1), escalator.calls.Load())
	assert.Equal(t, models.PathLLMEscalation, result.AnalysisPath)
	assert.Equal(t, models.ReasonEscalationPatterns, result.EscalationReason)
	assert.Equal(t, 0.9, result.Score)
	assert.Equal(t, models.ContentTechnical, result.ContentType)
	assert.Equal(t, "remote verdict", result.Reasoning)
	assert.Len(t, result.Components, 4)
	assert.True(t, result.Components[ComponentEscalation].ShouldEscalate)
	assert.Equal(t, 1, cache.puts)

	again := a.Analyze(context.Background(), text, nil)
	assert.True(t, again.CacheHit)
	assert.Equal(t, int32(1), escalator.calls.Load())
}

func TestParallelAnalyzer_FallbackVerdictIsNotCached(t *testing.T) {
	escalator := &stubEscalator{result: FallbackResult(errors.New("timeout"))}
	cache := newMemoryCache()
	a := NewParallelAnalyzer(testConfig(), startPool(t), WithEscalator(escalator), WithCache(cache))

	text := "Give a nuanced expert critique of this regulatory proof and its edge cases"
	first := a.Analyze(context.Background(), text, nil)
	second := a.Analyze(context.Background(), text, nil)

	assert.True(t, first.Fallback)
	assert.False(t, second.CacheHit)
	assert.Equal(t, int32(2), escalator.calls.Load())
	assert.Equal(t, int64(2), a.Stats().EscalationFailures)
}

func TestParallelAnalyzer_OrganizationThreshold(t *testing.T) {
	escalator := &stubEscalator{result: &models.ComplexityResult{Score: 0.4, Level: models.LevelMedium, Confidence: 0.9}}
	orgs := stubOrgs{orgs: map[string]*models.Organization{"strict": {ID: "strict", UniversalThreshold: 0.999}}}
	a := NewParallelAnalyzer(testConfig(), startPool(t), WithEscalator(escalator), WithOrganizations(orgs))

	text := "Our sales team wants to know which customers renewed their contracts last quarter"
	plain := a.Analyze(context.Background(), text, &models.RequestContext{OrganizationID: "other"})
	strict := a.Analyze(context.Background(), text, &models.RequestContext{OrganizationID: "strict"})

	assert.Equal(t, models.PathParallelConsensus, plain.AnalysisPath)
	assert.Equal(t, models.PathLLMEscalation, strict.AnalysisPath)
	assert.Equal(t, models.ReasonLowConfidence, strict.EscalationReason)
	require.Len(t, escalator.decisions, 1)
	assert.Equal(t, 0.999, escalator.decisions[0].ConfidenceThreshold)
}

func TestSerialAnalyzer(t *testing.T) {
	escalator := &stubEscalator{result: &models.ComplexityResult{
		Score: 0.45, Level: models.LevelMedium, Confidence: 0.9, AnalysisPath: models.PathLLMEscalation,
	}}
	cache := newMemoryCache()
	s := NewSerialAnalyzer(NewEscalationCriteria(nil, testPricing), escalator, cache, nil, nil)

	confident := s.Analyze(context.Background(), "hi there", nil)
	assert.Equal(t, models.PathRuleBased, confident.AnalysisPath)
	assert.Equal(t, int32(0), escalator.calls.Load())

	uncertain := s.Analyze(context.Background(), "Can you help me with my garden this weekend please", nil)
	assert.Equal(t, models.PathLLMEscalation, uncertain.AnalysisPath)
	assert.Equal(t, models.ReasonLowConfidence, uncertain.EscalationReason)
	assert.Equal(t, int32(1), escalator.calls.Load())

	cached := s.Analyze(context.Background(), "hi there", nil)
	assert.True(t, cached.CacheHit)

	stats := s.Stats()
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.PathCounts[models.PathRuleBased])
	assert.Equal(t, int64(1), stats.Escalations)
}
