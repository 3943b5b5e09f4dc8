// Package cache stores complexity verdicts keyed by request text, a reduced
// context signature and the organization.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/irfndi/optiroute/internal/complexity"
	"github.com/irfndi/optiroute/internal/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// HitAnalysisTime is the synthetic analysis time reported on cache hits.
const HitAnalysisTime = 100 * time.Microsecond

const globalScope = "global"

// Config controls key prefix, L1 size and the confidence-tiered TTLs.
type Config struct {
	Prefix     string
	LocalSize  int
	LongTTL    time.Duration
	DefaultTTL time.Duration
	ShortTTL   time.Duration
}

// DefaultConfig returns the standard TTL tiers.
func DefaultConfig() Config {
	return Config{
		Prefix:     "complexity",
		LocalSize:  4096,
		LongTTL:    2 * time.Hour,
		DefaultTTL: time.Hour,
		ShortTTL:   30 * time.Minute,
	}
}

// ComplexityCacheEntry is the stored form of a verdict.
type ComplexityCacheEntry struct {
	Result    *models.ComplexityResult `json:"result"`
	CachedAt  time.Time                `json:"cached_at"`
	ExpiresAt time.Time                `json:"expires_at"`
}

// ComplexityCacheStats counts cache traffic.
type ComplexityCacheStats struct {
	Hits      int64 `json:"hits"`
	LocalHits int64 `json:"local_hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Skipped   int64 `json:"skipped"`
	Errors    int64 `json:"errors"`
}

// HitRate returns hits as a percentage of lookups.
func (s ComplexityCacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// ComplexityCache is a two-tier cache: an in-process LRU in front of Redis.
// Either tier may be absent. Store errors are logged and treated as misses.
type ComplexityCache struct {
	redis  *redis.Client
	local  *lru.Cache[string, ComplexityCacheEntry]
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	stats ComplexityCacheStats
}

// Option configures a ComplexityCache.
type Option func(*ComplexityCache)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *ComplexityCache) { c.logger = logger }
}

// WithClock overrides the time source for the local tier.
func WithClock(now func() time.Time) Option {
	return func(c *ComplexityCache) { c.now = now }
}

// NewComplexityCache creates the cache. redisClient may be nil for a
// process-local cache; cfg.LocalSize <= 0 disables the L1 tier.
func NewComplexityCache(redisClient *redis.Client, cfg Config, opts ...Option) (*ComplexityCache, error) {
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.LongTTL <= 0 {
		cfg.LongTTL = def.LongTTL
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.ShortTTL <= 0 {
		cfg.ShortTTL = def.ShortTTL
	}

	c := &ComplexityCache{
		redis:  redisClient,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	if cfg.LocalSize > 0 {
		local, err := lru.New[string, ComplexityCacheEntry](cfg.LocalSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create local cache tier: %w", err)
		}
		c.local = local
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Key derives the cache key for text under rc.
func (c *ComplexityCache) Key(text string, rc *models.RequestContext) string {
	return strings.Join([]string{
		c.cfg.Prefix,
		shortHash(complexity.Normalize(text)),
		shortHash(ContextSignature(rc)),
		orgScope(rc),
	}, ":")
}

// ContextSignature reduces a request context to the fields that influence
// analysis. History and RAG sizes are bucketed on the analyzer thresholds.
func ContextSignature(rc *models.RequestContext) string {
	var fast, cost, quality bool
	maxTokens := 0
	if rc != nil {
		fast, cost, quality = rc.RequireFastResponse, rc.CostSensitive, rc.QualityCritical
		maxTokens = rc.MaxTokens
	}
	return fmt.Sprintf("entity=%s|model=%s|max_tokens=%d|rag=%s|history=%s|fast=%t|cost=%t|quality=%t",
		rc.EffectiveEntityType(), rc.EffectiveModelType(), maxTokens,
		ragBucket(rc.RAGCount()), historyBucket(rc.HistoryLen()),
		fast, cost, quality)
}

func ragBucket(n int) string {
	switch {
	case n == 0:
		return "0"
	case n == 1:
		return "1"
	case n <= 3:
		return "2-3"
	case n <= 5:
		return "4-5"
	default:
		return "6+"
	}
}

func historyBucket(n int) string {
	switch {
	case n == 0:
		return "0"
	case n <= 5:
		return "1-5"
	case n <= 8:
		return "6-8"
	case n <= 10:
		return "9-10"
	default:
		return "11+"
	}
}

func orgScope(rc *models.RequestContext) string {
	if rc == nil || rc.OrganizationID == "" {
		return globalScope
	}
	return rc.OrganizationID
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// TTLFor picks the expiry tier from the verdict confidence.
func (c *ComplexityCache) TTLFor(confidence float64) time.Duration {
	switch {
	case confidence > 0.9:
		return c.cfg.LongTTL
	case confidence >= 0.7:
		return c.cfg.DefaultTTL
	default:
		return c.cfg.ShortTTL
	}
}

// Get returns a copy of the cached verdict marked as a cache hit.
func (c *ComplexityCache) Get(ctx context.Context, text string, rc *models.RequestContext) (*models.ComplexityResult, bool) {
	key := c.Key(text, rc)

	if c.local != nil {
		if entry, ok := c.local.Get(key); ok {
			if c.now().Before(entry.ExpiresAt) {
				c.count(func(s *ComplexityCacheStats) { s.Hits++; s.LocalHits++ })
				return hit(entry.Result), true
			}
			c.local.Remove(key)
		}
	}

	if c.redis == nil {
		c.count(func(s *ComplexityCacheStats) { s.Misses++ })
		return nil, false
	}

	data, err := c.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.count(func(s *ComplexityCacheStats) { s.Misses++ })
		return nil, false
	}
	if err != nil {
		c.logger.Warn("complexity cache read failed", zap.String("key", key), zap.Error(err))
		c.count(func(s *ComplexityCacheStats) { s.Misses++; s.Errors++ })
		return nil, false
	}

	var entry ComplexityCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Result == nil {
		c.logger.Warn("complexity cache entry unreadable", zap.String("key", key), zap.Error(err))
		c.count(func(s *ComplexityCacheStats) { s.Misses++; s.Errors++ })
		return nil, false
	}

	if c.local != nil {
		c.local.Add(key, entry)
	}
	c.count(func(s *ComplexityCacheStats) { s.Hits++ })
	return hit(entry.Result), true
}

func hit(stored *models.ComplexityResult) *models.ComplexityResult {
	out := stored.Clone()
	out.CacheHit = true
	out.AnalysisPath = models.PathCached
	out.AnalysisTime = HitAnalysisTime
	return out
}

// Put stores result unless it is a fallback verdict.
func (c *ComplexityCache) Put(ctx context.Context, text string, rc *models.RequestContext, result *models.ComplexityResult) {
	if result == nil || result.Fallback {
		c.count(func(s *ComplexityCacheStats) { s.Skipped++ })
		return
	}

	key := c.Key(text, rc)
	ttl := c.TTLFor(result.Confidence)
	now := c.now()
	entry := ComplexityCacheEntry{
		Result:    result.Clone(),
		CachedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	entry.Result.CacheHit = false

	if c.local != nil {
		c.local.Add(key, entry)
	}

	if c.redis != nil {
		data, err := json.Marshal(entry)
		if err != nil {
			c.logger.Warn("failed to marshal complexity cache entry", zap.Error(err))
			c.count(func(s *ComplexityCacheStats) { s.Errors++ })
			return
		}
		if err := c.redis.Set(ctx, key, data, ttl).Err(); err != nil {
			c.logger.Warn("complexity cache write failed", zap.String("key", key), zap.Error(err))
			c.count(func(s *ComplexityCacheStats) { s.Errors++ })
			return
		}
	}

	c.count(func(s *ComplexityCacheStats) { s.Sets++ })
	c.logger.Debug("cached complexity verdict",
		zap.String("key", key),
		zap.String("analysis_path", string(result.AnalysisPath)),
		zap.Duration("ttl", ttl))
}

// InvalidateOrganization drops every entry scoped to orgID. An empty orgID
// targets the global scope.
func (c *ComplexityCache) InvalidateOrganization(ctx context.Context, orgID string) (int, error) {
	if orgID == "" {
		orgID = globalScope
	}
	suffix := ":" + orgID

	removed := 0
	if c.local != nil {
		for _, key := range c.local.Keys() {
			if strings.HasSuffix(key, suffix) {
				c.local.Remove(key)
				removed++
			}
		}
	}
	if c.redis == nil {
		return removed, nil
	}

	n, err := c.deleteMatching(ctx, c.cfg.Prefix+":*:*"+suffix)
	if err != nil {
		return removed, err
	}
	return max(removed, n), nil
}

// Clear drops every entry under the configured prefix.
func (c *ComplexityCache) Clear(ctx context.Context) error {
	if c.local != nil {
		c.local.Purge()
	}
	if c.redis == nil {
		return nil
	}
	n, err := c.deleteMatching(ctx, c.cfg.Prefix+":*")
	if err != nil {
		return err
	}
	c.logger.Info("cleared complexity cache", zap.Int("entries", n))
	return nil
}

func (c *ComplexityCache) deleteMatching(ctx context.Context, pattern string) (int, error) {
	iter := c.redis.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return len(keys), nil
}

// GetStats returns a copy of the counters.
func (c *ComplexityCache) GetStats() ComplexityCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *ComplexityCache) count(fn func(*ComplexityCacheStats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

var _ complexity.ResultCache = (*ComplexityCache)(nil)
