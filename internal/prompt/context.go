// Package prompt renders session context for the model a request was routed to.
package prompt

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"text/template"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/irfndi/optiroute/internal/catalog"
	"github.com/irfndi/optiroute/internal/models"
	"github.com/irfndi/optiroute/internal/services"
	"github.com/irfndi/optiroute/internal/utils"
)

// Strategies reported on PreparedContext.
const (
	StrategyEmpty     = "empty"
	StrategyFull      = "full_history"
	StrategyTruncated = "sliding_window"
)

const (
	defaultCacheSize     = 2048
	defaultMaxTokens     = 1000
	unknownContextWindow = 8192
)

// cases.Caser is stateful, so each call gets its own.
var contextTemplate = template.Must(template.New("context").Funcs(template.FuncMap{
	"title": func(s string) string { return cases.Title(language.English).String(s) },
}).Parse(`{{- if .Documents}}## Retrieved documents
{{range .Documents}}- {{if .Title}}{{.Title}}{{else}}{{.ID}}{{end}}
{{end}}{{end}}
{{- if .Turns}}{{if .Documents}}
{{end}}## Conversation so far
{{range .Turns}}{{title .Role}}: {{.Content}}
{{end}}{{end}}`))

type contextData struct {
	Documents []models.RAGDocument
	Turns     []models.ConversationTurn
}

// ContextBuilder implements services.ContextPreparer. History is kept
// newest-first until the target model's context window, minus the expected
// output, is full. Rendered blocks are cached per session and model.
type ContextBuilder struct {
	models    catalog.ModelCatalog
	tokens    *utils.TokenCounter
	cache     *lru.Cache[string, services.PreparedContext]
	maxTokens int
	logger    *zap.Logger
}

type Option func(*ContextBuilder)

func WithTokenCounter(tc *utils.TokenCounter) Option {
	return func(b *ContextBuilder) {
		if tc != nil {
			b.tokens = tc
		}
	}
}

// WithDefaultMaxTokens sets the output reservation used when a request does
// not name one.
func WithDefaultMaxTokens(n int) Option {
	return func(b *ContextBuilder) {
		if n > 0 {
			b.maxTokens = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *ContextBuilder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewContextBuilder creates a builder that sizes context against catalog
// entries. cacheSize <= 0 uses the default.
func NewContextBuilder(modelCatalog catalog.ModelCatalog, cacheSize int, opts ...Option) (*ContextBuilder, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, services.PreparedContext](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create context cache: %w", err)
	}
	b := &ContextBuilder{
		models:    modelCatalog,
		tokens:    utils.NewTokenCounter(),
		cache:     cache,
		maxTokens: defaultMaxTokens,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// PrepareContext renders rc's documents and history for provider/model.
func (b *ContextBuilder) PrepareContext(ctx context.Context, rc *models.RequestContext, provider, model string) (*services.PreparedContext, error) {
	if rc == nil || (len(rc.ConversationHistory) == 0 && len(rc.RAGDocuments) == 0) {
		return &services.PreparedContext{Strategy: StrategyEmpty, Cost: decimal.Zero}, nil
	}

	key := cacheKey(rc, provider, model)
	if cached, ok := b.cache.Get(key); ok {
		cached.CacheHit = true
		return &cached, nil
	}

	info, err := b.lookup(ctx, rc, provider, model)
	if err != nil {
		return nil, err
	}
	window := unknownContextWindow
	if info != nil && info.ContextWindow > 0 {
		window = info.ContextWindow
	}

	reserve := rc.MaxTokens
	if reserve <= 0 {
		reserve = b.maxTokens
	}
	budget := window - reserve
	if budget <= 0 {
		budget = window / 2
	}

	data := contextData{Documents: rc.RAGDocuments}
	used := 0
	for _, d := range rc.RAGDocuments {
		used += b.tokens.Count(d.Title) + 4
	}

	strategy := StrategyFull
	history := rc.ConversationHistory
	keep := 0
	for i := len(history) - 1; i >= 0; i-- {
		cost := b.tokens.Count(history[i].Content) + 4
		if used+cost > budget {
			strategy = StrategyTruncated
			break
		}
		used += cost
		keep++
	}
	data.Turns = history[len(history)-keep:]
	if len(data.Turns) == 0 && len(data.Documents) == 0 {
		strategy = StrategyEmpty
	}

	var sb strings.Builder
	if err := contextTemplate.Execute(&sb, data); err != nil {
		return nil, fmt.Errorf("failed to render context: %w", err)
	}

	content := strings.TrimSpace(sb.String())
	prepared := services.PreparedContext{
		Content:    content,
		Strategy:   strategy,
		TokenCount: b.tokens.Count(content),
		Cost:       decimal.Zero,
	}
	if info != nil {
		prepared.Cost = info.InputPrice.Mul(decimal.NewFromInt(int64(prepared.TokenCount))).Div(decimal.NewFromInt(1000))
	}
	if strategy == StrategyTruncated {
		b.logger.Debug("Context truncated to fit model window",
			zap.String("session_id", rc.SessionID),
			zap.String("model", model),
			zap.Int("kept_turns", keep),
			zap.Int("total_turns", len(history)))
	}

	b.cache.Add(key, prepared)
	return &prepared, nil
}

// lookup finds the catalog entry for provider/model. A missing entry is not an
// error; the builder then assumes a conservative window.
func (b *ContextBuilder) lookup(ctx context.Context, rc *models.RequestContext, provider, model string) (*models.ModelInfo, error) {
	if b.models == nil {
		return nil, nil
	}
	apiType := rc.ModelType
	if apiType == "" {
		apiType = models.APITypeChat
	}
	active, err := b.models.ActiveModels(ctx, apiType)
	if err != nil {
		return nil, fmt.Errorf("failed to load models: %w", err)
	}
	for i := range active {
		if active[i].ProviderID == provider && active[i].ModelName == model {
			return &active[i], nil
		}
	}
	return nil, nil
}

func cacheKey(rc *models.RequestContext, provider, model string) string {
	h := fnv.New64a()
	for _, t := range rc.ConversationHistory {
		_, _ = h.Write([]byte(t.Role))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(t.Content))
		_, _ = h.Write([]byte{0})
	}
	for _, d := range rc.RAGDocuments {
		_, _ = h.Write([]byte(d.ID))
		_, _ = h.Write([]byte{0})
	}
	return strings.Join([]string{
		rc.SessionID,
		string(rc.EntityType),
		provider,
		model,
		strconv.Itoa(rc.MaxTokens),
		strconv.FormatUint(h.Sum64(), 16),
	}, "|")
}
