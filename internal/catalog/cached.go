package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/irfndi/optiroute/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is how long a loaded snapshot is served before reloading.
	DefaultTTL = time.Minute
	// DefaultLoadTimeout bounds one reload of the source.
	DefaultLoadTimeout = 30 * time.Second
)

// LoadMetrics tracks snapshot loads.
type LoadMetrics struct {
	LastLoadTime      time.Time     `json:"last_load_time"`
	LastLoadDuration  time.Duration `json:"last_load_duration"`
	TotalLoads        int64         `json:"total_loads"`
	FailedLoads       int64         `json:"failed_loads"`
	StaleServes       int64         `json:"stale_serves"`
	ModelsCount       int           `json:"models_count"`
	RulesCount        int           `json:"rules_count"`
	OrganizationCount int           `json:"organization_count"`
}

// CachedCatalog serves catalog queries from a snapshot of a Source that is
// reloaded after a TTL. Concurrent reloads collapse into one, and a failed
// reload keeps serving the previous snapshot.
type CachedCatalog struct {
	source      Source
	ttl         time.Duration
	loadTimeout time.Duration
	logger      *zap.Logger
	group       singleflight.Group

	mu       sync.RWMutex
	snapshot *Snapshot
	stale    bool
	metrics  LoadMetrics

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// CachedOption configures a CachedCatalog.
type CachedOption func(*CachedCatalog)

// WithTTL sets the snapshot lifetime.
func WithTTL(ttl time.Duration) CachedOption {
	return func(c *CachedCatalog) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLoadTimeout bounds each reload of the source.
func WithLoadTimeout(d time.Duration) CachedOption {
	return func(c *CachedCatalog) {
		if d > 0 {
			c.loadTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) CachedOption {
	return func(c *CachedCatalog) { c.logger = logger }
}

// NewCachedCatalog wraps source.
func NewCachedCatalog(source Source, opts ...CachedOption) *CachedCatalog {
	c := &CachedCatalog{
		source:      source,
		ttl:         DefaultTTL,
		loadTimeout: DefaultLoadTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns the current snapshot, reloading it when expired or
// invalidated. The reload is shared by concurrent callers and outlives any
// one of them; a caller whose ctx ends first gets the stale snapshot, or an
// error when there is none.
func (c *CachedCatalog) Snapshot(ctx context.Context) (*Snapshot, error) {
	c.mu.RLock()
	snap, stale := c.snapshot, c.stale
	c.mu.RUnlock()
	if snap != nil && !stale && time.Since(snap.LoadedAt) < c.ttl {
		return snap, nil
	}

	ch := c.group.DoChan("snapshot", func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()
		return c.load(loadCtx)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.Err = ctx.Err()
	}
	if res.Err != nil {
		if snap != nil {
			c.mu.Lock()
			c.metrics.StaleServes++
			c.mu.Unlock()
			c.logger.Warn("catalog reload failed, serving stale snapshot",
				zap.Time("loaded_at", snap.LoadedAt), zap.Error(res.Err))
			return snap, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrCatalogUnavailable, res.Err)
	}
	return res.Val.(*Snapshot), nil
}

func (c *CachedCatalog) load(ctx context.Context) (*Snapshot, error) {
	start := time.Now()

	var (
		ms    []models.ModelInfo
		keys  []models.APIKey
		rules []models.RoutingRule
		orgs  []models.Organization
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		ms, err = c.source.ListModels(gctx)
		return wrapLoad("models", err)
	})
	g.Go(func() (err error) {
		keys, err = c.source.ListAPIKeys(gctx)
		return wrapLoad("api keys", err)
	})
	g.Go(func() (err error) {
		rules, err = c.source.ListRoutingRules(gctx)
		return wrapLoad("routing rules", err)
	})
	g.Go(func() (err error) {
		orgs, err = c.source.ListOrganizations(gctx)
		return wrapLoad("organizations", err)
	})

	err := g.Wait()
	duration := time.Since(start)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.TotalLoads++
	c.metrics.LastLoadDuration = duration
	if err != nil {
		c.metrics.FailedLoads++
		return nil, err
	}

	snap := NewSnapshot(ms, keys, rules, orgs)
	c.snapshot = snap
	c.stale = false
	c.metrics.LastLoadTime = snap.LoadedAt
	c.metrics.ModelsCount = len(ms)
	c.metrics.RulesCount = len(rules)
	c.metrics.OrganizationCount = len(orgs)

	c.logger.Debug("catalog snapshot loaded",
		zap.Duration("duration", duration),
		zap.Int("models", len(ms)),
		zap.Int("api_keys", len(keys)),
		zap.Int("rules", len(rules)),
		zap.Int("organizations", len(orgs)))
	return snap, nil
}

func wrapLoad(what string, err error) error {
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", what, err)
	}
	return nil
}

// Invalidate marks the snapshot stale so the next query reloads. The old
// snapshot stays as the fallback until a reload succeeds.
func (c *CachedCatalog) Invalidate() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// Metrics returns a copy of the load counters.
func (c *CachedCatalog) Metrics() LoadMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metrics
}

// Start warms the snapshot and refreshes it every interval until Stop.
func (c *CachedCatalog) Start(ctx context.Context, interval time.Duration) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return nil
	}

	if _, err := c.load(ctx); err != nil {
		c.logger.Error("initial catalog load failed", zap.Error(err))
	}
	if interval <= 0 {
		interval = c.ttl
	}

	c.running = true
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.refreshLoop(interval)

	c.logger.Info("catalog refresh started", zap.Duration("interval", interval))
	return nil
}

// Stop ends background refresh.
func (c *CachedCatalog) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.runMu.Unlock()

	c.wg.Wait()
	c.logger.Info("catalog refresh stopped")
}

func (c *CachedCatalog) refreshLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.loadTimeout)
			if _, err := c.load(ctx); err != nil {
				c.logger.Error("background catalog refresh failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (c *CachedCatalog) ActiveModels(ctx context.Context, apiType models.APIType) ([]models.ModelInfo, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.ActiveModels(ctx, apiType)
}

func (c *CachedCatalog) GetModel(ctx context.Context, id string) (*models.ModelInfo, bool, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, false, err
	}
	return snap.GetModel(ctx, id)
}

func (c *CachedCatalog) KeysForProvider(ctx context.Context, providerID, organizationID string) ([]models.APIKey, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.KeysForProvider(ctx, providerID, organizationID)
}

func (c *CachedCatalog) ActiveRules(ctx context.Context, organizationID string, apiType models.APIType) ([]models.RoutingRule, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.ActiveRules(ctx, organizationID, apiType)
}

func (c *CachedCatalog) GetOrganization(ctx context.Context, id string) (*models.Organization, bool, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return nil, false, err
	}
	return snap.GetOrganization(ctx, id)
}

var _ Catalog = (*CachedCatalog)(nil)
