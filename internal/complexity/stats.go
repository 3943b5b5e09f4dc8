package complexity

import (
	"sync"
	"time"

	"github.com/irfndi/optiroute/internal/models"
)

// Stats is a point-in-time copy of analyzer counters.
type Stats struct {
	TotalRequests       int64                         `json:"total_requests"`
	PathCounts          map[models.AnalysisPath]int64 `json:"path_counts"`
	CacheHits           int64                         `json:"cache_hits"`
	Escalations         int64                         `json:"escalations"`
	EscalationFailures  int64                         `json:"escalation_failures"`
	ComponentTimeouts   int64                         `json:"component_timeouts"`
	ComponentErrors     int64                         `json:"component_errors"`
	ConflictsDetected   int64                         `json:"conflicts_detected"`
	AverageAnalysisTime time.Duration                 `json:"average_analysis_time_ns"`
}

type statsCollector struct {
	mu        sync.Mutex
	stats     Stats
	totalTime time.Duration
}

func newStatsCollector() *statsCollector {
	return &statsCollector{stats: Stats{PathCounts: make(map[models.AnalysisPath]int64)}}
}

func (c *statsCollector) record(result *models.ComplexityResult, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.TotalRequests++
	c.stats.PathCounts[result.AnalysisPath]++
	if result.CacheHit {
		c.stats.CacheHits++
	}
	if result.ConflictingSignals {
		c.stats.ConflictsDetected++
	}
	if result.AnalysisPath == models.PathLLMEscalation {
		c.stats.Escalations++
		if result.Fallback {
			c.stats.EscalationFailures++
		}
	}
	c.totalTime += elapsed
}

func (c *statsCollector) componentFailure(timedOut bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if timedOut {
		c.stats.ComponentTimeouts++
	} else {
		c.stats.ComponentErrors++
	}
}

func (c *statsCollector) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.stats
	out.PathCounts = make(map[models.AnalysisPath]int64, len(c.stats.PathCounts))
	for k, v := range c.stats.PathCounts {
		out.PathCounts[k] = v
	}
	if c.stats.TotalRequests > 0 {
		out.AverageAnalysisTime = c.totalTime / time.Duration(c.stats.TotalRequests)
	}
	return out
}
