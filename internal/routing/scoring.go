package routing

import (
	"github.com/irfndi/optiroute/internal/models"
)

// QualityScorer rates a candidate in [0,1] relative to the candidate pool.
type QualityScorer interface {
	Quality(m models.ModelInfo, pool []models.ModelInfo) float64
}

// QualityScorerFunc adapts a function to QualityScorer.
type QualityScorerFunc func(m models.ModelInfo, pool []models.ModelInfo) float64

func (f QualityScorerFunc) Quality(m models.ModelInfo, pool []models.ModelInfo) float64 {
	return f(m, pool)
}

// CapabilityPriceScorer uses declared capabilities and price as a quality proxy:
// 0.6 of the score comes from capability count, 0.4 from relative price.
type CapabilityPriceScorer struct{}

func (CapabilityPriceScorer) Quality(m models.ModelInfo, pool []models.ModelInfo) float64 {
	maxCaps := 0
	for _, p := range pool {
		if len(p.Capabilities) > maxCaps {
			maxCaps = len(p.Capabilities)
		}
	}
	capScore := 0.0
	if maxCaps > 0 {
		capScore = float64(len(m.Capabilities)) / float64(maxCaps)
	}

	lo, hi := priceRange(pool)
	priceScore := 1.0
	if hi > lo {
		priceScore = (averagePrice(m) - lo) / (hi - lo)
	}
	return clamp01(0.6*capScore + 0.4*priceScore)
}

// CostScore is 1 for the cheapest candidate and 0 for the most expensive.
func CostScore(m models.ModelInfo, pool []models.ModelInfo) float64 {
	lo, hi := priceRange(pool)
	if hi <= lo {
		return 1
	}
	return clamp01(1 - (averagePrice(m)-lo)/(hi-lo))
}

// PerformanceScore assumes cheaper models respond faster.
func PerformanceScore(m models.ModelInfo, pool []models.ModelInfo) float64 {
	return CostScore(m, pool)
}

func averagePrice(m models.ModelInfo) float64 {
	return m.AveragePrice().InexactFloat64()
}

func priceRange(pool []models.ModelInfo) (lo, hi float64) {
	for i, p := range pool {
		v := averagePrice(p)
		if i == 0 || v < lo {
			lo = v
		}
		if i == 0 || v > hi {
			hi = v
		}
	}
	return lo, hi
}

// SuitabilityFilter narrows a rule's model set to those fit for the entity type.
type SuitabilityFilter func(entity models.EntityType, candidates []models.ModelInfo) []models.ModelInfo

// AllSuitable keeps every candidate.
func AllSuitable(_ models.EntityType, candidates []models.ModelInfo) []models.ModelInfo {
	return candidates
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
