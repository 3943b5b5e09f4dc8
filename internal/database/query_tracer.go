package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/irfndi/optiroute/internal/observability"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// DefaultSlowQueryThreshold is the duration above which a query is tracked.
const DefaultSlowQueryThreshold = 200 * time.Millisecond

// SlowQuery aggregates repeated executions of one normalized statement.
type SlowQuery struct {
	Query     string        `json:"query"`
	TableName string        `json:"table_name"`
	Duration  time.Duration `json:"avg_duration_ns"`
	Timestamp time.Time     `json:"timestamp"`
	CallCount int           `json:"call_count"`
}

// QueryTracer is a pgx tracer that keeps the slowest statements in memory
// and reports failed statements to sentry as breadcrumbs.
type QueryTracer struct {
	threshold  time.Duration
	maxEntries int
	logger     *zap.Logger

	mu      sync.RWMutex
	queries map[string]*SlowQuery
}

var _ pgx.QueryTracer = (*QueryTracer)(nil)

// NewQueryTracer creates a tracer.
func NewQueryTracer(threshold time.Duration, maxEntries int, logger *zap.Logger) *QueryTracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxEntries <= 0 {
		maxEntries = 100
	}
	return &QueryTracer{
		threshold:  threshold,
		maxEntries: maxEntries,
		logger:     logger,
		queries:    make(map[string]*SlowQuery),
	}
}

type traceKey struct{}

type traceStart struct {
	sql   string
	start time.Time
}

func (t *QueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceKey{}, traceStart{sql: data.SQL, start: time.Now()})
}

func (t *QueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	st, ok := ctx.Value(traceKey{}).(traceStart)
	if !ok {
		return
	}
	elapsed := time.Since(st.start)

	if data.Err != nil && !errors.Is(data.Err, pgx.ErrNoRows) {
		observability.AddBreadcrumb(ctx, "database", "query failed: "+truncateQuery(normalizeQuery(st.sql)), sentry.LevelError)
	}
	t.Record(st.sql, elapsed)
}

// Record tracks query when elapsed is at or above the threshold.
func (t *QueryTracer) Record(query string, elapsed time.Duration) {
	if elapsed < t.threshold {
		return
	}

	normalized := normalizeQuery(query)
	sum := sha256.Sum256([]byte(normalized))
	key := hex.EncodeToString(sum[:])

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.queries[key]; ok {
		existing.Duration = (existing.Duration*time.Duration(existing.CallCount) + elapsed) / time.Duration(existing.CallCount+1)
		existing.CallCount++
		existing.Timestamp = time.Now()
		return
	}

	t.queries[key] = &SlowQuery{
		Query:     truncateQuery(normalized),
		TableName: extractTableNameFromQuery(normalized),
		Duration:  elapsed,
		Timestamp: time.Now(),
		CallCount: 1,
	}
	if len(t.queries) > t.maxEntries {
		t.evictOldest()
	}
	t.logger.Warn("slow query", zap.String("table", t.queries[key].TableName), zap.Duration("duration", elapsed))
}

// SlowQueries returns tracked statements, slowest first.
func (t *QueryTracer) SlowQueries() []SlowQuery {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]SlowQuery, 0, len(t.queries))
	for _, q := range t.queries {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Duration > out[j].Duration })
	return out
}

// Reset drops all tracked statements.
func (t *QueryTracer) Reset() {
	t.mu.Lock()
	t.queries = make(map[string]*SlowQuery)
	t.mu.Unlock()
}

func (t *QueryTracer) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, q := range t.queries {
		if oldest.IsZero() || q.Timestamp.Before(oldest) {
			oldest, oldestKey = q.Timestamp, key
		}
	}
	if oldestKey != "" {
		delete(t.queries, oldestKey)
	}
}

func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

func extractTableNameFromQuery(query string) string {
	fields := strings.Fields(strings.ToLower(query))
	for i, f := range fields {
		switch f {
		case "from", "into", "update", "table":
			if i+1 < len(fields) {
				return strings.Trim(fields[i+1], "()\",;")
			}
		}
	}
	return "unknown"
}

func truncateQuery(query string) string {
	const maxLen = 200
	if len(query) <= maxLen {
		return query
	}
	return query[:maxLen] + "..."
}
