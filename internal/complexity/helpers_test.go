package complexity

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/irfndi/optiroute/internal/ai/llm"
	"github.com/irfndi/optiroute/internal/models"
)

type stubOrgs struct {
	orgs map[string]*models.Organization
	err  error
}

func (s stubOrgs) GetOrganization(_ context.Context, id string) (*models.Organization, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	org, ok := s.orgs[id]
	return org, ok, nil
}

type stubClient struct {
	content string
	err     error
	block   bool
	calls   atomic.Int32
	lastReq *llm.CompletionRequest
	mu      sync.Mutex
}

func (c *stubClient) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.lastReq = req
	c.mu.Unlock()
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.err != nil {
		return nil, c.err
	}
	return &llm.CompletionResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: c.content}}, nil
}

func (c *stubClient) Provider() llm.Provider { return llm.ProviderOpenAI }
func (c *stubClient) APIType() models.APIType { return models.APITypeChat }
func (c *stubClient) Close() error { return nil }

type stubEscalator struct {
	result    *models.ComplexityResult
	calls     atomic.Int32
	decisions []*models.EscalationDecision
	mu        sync.Mutex
}

func (e *stubEscalator) Escalate(_ context.Context, _ string, _ *models.RequestContext, d *models.EscalationDecision) *models.ComplexityResult {
	e.calls.Add(1)
	e.mu.Lock()
	e.decisions = append(e.decisions, d)
	e.mu.Unlock()
	return e.result.Clone()
}

// memoryCache mimics the cache contract: hits come back marked as cached and
// fallback verdicts are not stored.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]*models.ComplexityResult
	puts    int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string]*models.ComplexityResult)}
}

func (m *memoryCache) key(text string, rc *models.RequestContext) string {
	org := ""
	if rc != nil {
		org = rc.OrganizationID
	}
	return org + "|" + text
}

func (m *memoryCache) Get(_ context.Context, text string, rc *models.RequestContext) (*models.ComplexityResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.entries[m.key(text, rc)]
	if !ok {
		return nil, false
	}
	out := r.Clone()
	out.CacheHit = true
	out.AnalysisPath = models.PathCached
	return out, true
}

func (m *memoryCache) Put(_ context.Context, text string, rc *models.RequestContext, result *models.ComplexityResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if result.Fallback {
		return
	}
	m.entries[m.key(text, rc)] = result.Clone()
}

// fixedComponent returns a canned result, optionally after a delay, error or panic.
type fixedComponent struct {
	name   string
	weight float64
	result models.ComponentResult
	err    error
	panics bool
	wait   bool
	calls  *atomic.Int32
}

func (c fixedComponent) Name() string { return c.name }
func (c fixedComponent) Weight() float64 { return c.weight }

func (c fixedComponent) Analyze(ctx context.Context, _ *input, _ *models.RequestContext) (models.ComponentResult, error) {
	if c.calls != nil {
		c.calls.Add(1)
	}
	if c.panics {
		panic("component exploded")
	}
	if c.wait {
		<-ctx.Done()
		return models.ComponentResult{}, ctx.Err()
	}
	return c.result, c.err
}
