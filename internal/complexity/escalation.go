package complexity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/irfndi/optiroute/internal/ai/llm"
	"github.com/irfndi/optiroute/internal/models"
	"github.com/irfndi/optiroute/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const classificationSystemPrompt = `You classify how difficult a user request is for a language model to answer well.

Complexity score rubric:
- 0.0-0.3 simple: greetings, short factual lookups, acknowledgments, single-step requests.
- 0.4-0.7 medium: explanations, moderate code or writing tasks, summaries of a few sources.
- 0.8-1.0 complex: multi-step reasoning, system design, long-form documents, expert analysis, synthesis across many sources.

Content types: general, code, data_analysis, business, creative, technical.

Confidence rubric: 0.9+ when the request clearly fits one band, 0.7-0.9 when it mostly fits, below 0.7 when it is ambiguous.

Examples:
- "What's the capital of France?" -> {"complexity_score":0.1,"complexity_level":"simple","confidence":0.95,"content_type":"general"}
- "Explain how a hash map handles collisions" -> {"complexity_score":0.5,"complexity_level":"medium","confidence":0.85,"content_type":"technical"}
- "Design a multi-region failover strategy for our payments database and compare costs" -> {"complexity_score":0.9,"complexity_level":"complex","confidence":0.9,"content_type":"technical"}

Respond with one JSON object with exactly these fields:
complexity_score (number), complexity_level ("simple"|"medium"|"complex"), confidence (number),
content_type (string), reasoning (string), key_factors (array of strings),
recommended_model_tier ("economy"|"standard"|"premium"), optimization_hint (string).`

// classificationContextTokens approximates the context summary line.
const classificationContextTokens = 40

// Escalator adjudicates a request with a remote model. Implementations never
// fail; they return a fallback verdict instead.
type Escalator interface {
	Escalate(ctx context.Context, text string, rc *models.RequestContext, decision *models.EscalationDecision) *models.ComplexityResult
}

type classificationVerdict struct {
	ComplexityScore      *float64 `json:"complexity_score"`
	ComplexityLevel      string   `json:"complexity_level"`
	Confidence           *float64 `json:"confidence"`
	ContentType          string   `json:"content_type"`
	Reasoning            string   `json:"reasoning"`
	KeyFactors           []string `json:"key_factors"`
	RecommendedModelTier string   `json:"recommended_model_tier"`
	OptimizationHint     string   `json:"optimization_hint"`
}

// LLMEscalatorConfig configures the remote classifier.
type LLMEscalatorConfig struct {
	Model         string
	Timeout       time.Duration
	MaxConcurrent int64
	MaxTokens     int
}

// LLMEscalator calls a low-cost classification model with a hard timeout and
// a bound on concurrent calls.
type LLMEscalator struct {
	client  llm.Client
	cfg     LLMEscalatorConfig
	sem     *semaphore.Weighted
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewLLMEscalator creates an escalator. A nil client makes every call return
// the fallback verdict.
func NewLLMEscalator(client llm.Client, cfg LLMEscalatorConfig, metrics *observability.Metrics, logger *zap.Logger) *LLMEscalator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 400
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMEscalator{
		client:  client,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		metrics: metrics,
		logger:  logger,
	}
}

// Escalate classifies text remotely. Any failure yields FallbackResult.
func (e *LLMEscalator) Escalate(ctx context.Context, text string, rc *models.RequestContext, decision *models.EscalationDecision) *models.ComplexityResult {
	start := time.Now()
	reason := models.ReasonNone
	if decision != nil {
		reason = decision.Reason
	}

	ctx, span := observability.StartSpan(ctx, observability.SpanEscalate,
		attribute.String("escalation.reason", string(reason)),
		attribute.String("escalation.model", e.cfg.Model))

	result, err := e.classify(ctx, text, rc)
	observability.FinishSpan(span, err)
	if err != nil {
		e.logger.Warn("escalation failed, using fallback verdict",
			zap.String("escalation_reason", string(reason)), zap.Error(err))
		observability.AddBreadcrumb(ctx, "escalation", "classification fallback: "+err.Error(), sentry.LevelWarning)
		e.metrics.Escalation(string(reason), "fallback")
		result = FallbackResult(err)
	} else {
		e.metrics.Escalation(string(reason), "success")
	}

	result.EscalationReason = reason
	result.AnalysisTime = time.Since(start)
	return result
}

func (e *LLMEscalator) classify(ctx context.Context, text string, rc *models.RequestContext) (*models.ComplexityResult, error) {
	if e.client == nil {
		return nil, errors.New("no classification client configured")
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for escalation slot: %w", err)
	}
	defer e.sem.Release(1)

	temperature := 0.0
	resp, err := e.client.Complete(ctx, &llm.CompletionRequest{
		Model: e.cfg.Model,
		Messages: llm.NewConversationBuilder(classificationSystemPrompt).
			AddUser(classificationUserPrompt(text, rc)).
			Build(),
		ResponseFormat: llm.JSONObjectFormat(),
		Temperature:    &temperature,
		MaxTokens:      e.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("classification call: %w", err)
	}

	verdict, err := llm.DecodeJSON[classificationVerdict](resp.Message.Content)
	if err != nil {
		return nil, fmt.Errorf("parse verdict: %w", err)
	}
	return verdictToResult(verdict)
}

func classificationUserPrompt(text string, rc *models.RequestContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Context: history_turns=%d rag_documents=%d entity_type=%s",
		rc.HistoryLen(), rc.RAGCount(), rc.EffectiveEntityType())
	if rc != nil {
		fmt.Fprintf(&b, " quality_critical=%t cost_sensitive=%t", rc.QualityCritical, rc.CostSensitive)
	}
	b.WriteString("\n\nRequest:\n")
	b.WriteString(text)
	return b.String()
}

func verdictToResult(v classificationVerdict) (*models.ComplexityResult, error) {
	if v.ComplexityScore == nil {
		return nil, errors.New("verdict missing complexity_score")
	}

	score := clamp01(*v.ComplexityScore)
	level, ok := models.ParseComplexityLevel(v.ComplexityLevel)
	if !ok {
		level = models.LevelFromScore(score)
	}
	confidence := 0.8
	if v.Confidence != nil {
		confidence = clamp01(*v.Confidence)
	}
	contentType, ok := models.ParseContentType(v.ContentType)
	if !ok {
		contentType = models.ContentGeneral
	}

	signals := make([]string, 0, len(v.KeyFactors)+2)
	for _, f := range v.KeyFactors {
		signals = append(signals, "llm_factor:"+f)
	}
	if v.RecommendedModelTier != "" {
		signals = append(signals, "recommended_tier:"+v.RecommendedModelTier)
	}
	if v.OptimizationHint != "" {
		signals = append(signals, "optimization_hint:"+v.OptimizationHint)
	}

	reasoning := v.Reasoning
	if reasoning == "" {
		reasoning = "llm escalation verdict"
	}

	return &models.ComplexityResult{
		Score:        score,
		Level:        level,
		Confidence:   confidence,
		Reasoning:    reasoning,
		AnalysisPath: models.PathLLMEscalation,
		ContentType:  contentType,
		Signals:      signals,
	}, nil
}

// FallbackResult is the safe verdict used when escalation cannot complete.
// It is flagged so the cache never stores it.
func FallbackResult(cause error) *models.ComplexityResult {
	reasoning := "fallback: escalation unavailable"
	if cause != nil {
		reasoning = "fallback: " + cause.Error()
	}
	return &models.ComplexityResult{
		Score:        0.5,
		Level:        models.LevelMedium,
		Confidence:   0.70,
		Reasoning:    reasoning,
		AnalysisPath: models.PathLLMEscalation,
		ContentType:  models.ContentGeneral,
		Signals:      []string{"escalation_failed"},
		Fallback:     true,
	}
}
