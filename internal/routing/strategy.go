package routing

import "github.com/irfndi/optiroute/internal/models"

// StrategyWeights combines the three Phase B sub-scores.
type StrategyWeights struct {
	Cost        float64 `json:"cost"`
	Quality     float64 `json:"quality"`
	Performance float64 `json:"performance"`
}

// WeightsFor returns the preset weights for a strategy. Unknown strategies
// are balanced.
func WeightsFor(strategy models.Strategy) StrategyWeights {
	switch strategy {
	case models.StrategyCostFirst:
		return StrategyWeights{Cost: 0.8, Quality: 0.1, Performance: 0.1}
	case models.StrategyQualityFirst:
		return StrategyWeights{Cost: 0.1, Quality: 0.8, Performance: 0.1}
	case models.StrategyPerformanceFirst:
		return StrategyWeights{Cost: 0.1, Quality: 0.1, Performance: 0.8}
	default:
		return StrategyWeights{Cost: 0.4, Quality: 0.3, Performance: 0.3}
	}
}

// Combine applies the weights to the sub-scores.
func (w StrategyWeights) Combine(cost, quality, performance float64) float64 {
	return w.Cost*cost + w.Quality*quality + w.Performance*performance
}

// EntityBonus is the multiplier a model earns for fitting the caller's entity type.
func EntityBonus(entity models.EntityType, m models.ModelInfo) float64 {
	switch {
	case entity == models.EntityWorkflowExecution && m.HasCapability(models.CapabilityFunctionCalling):
		return 1.2
	case entity == models.EntityAgentSession && m.HasCapability(models.CapabilityAdvancedReasoning):
		return 1.15
	default:
		return 1.0
	}
}

// ResolveStrategy lets the organization's default override the caller's
// choice. When neither names a known strategy the fallback applies, and an
// unknown fallback is balanced.
func ResolveStrategy(org *models.Organization, requested, fallback models.Strategy) models.Strategy {
	if org != nil && org.DefaultStrategy != "" {
		if s, ok := models.ParseStrategy(string(org.DefaultStrategy)); ok {
			return s
		}
	}
	if requested != "" {
		if s, ok := models.ParseStrategy(string(requested)); ok {
			return s
		}
	}
	if s, ok := models.ParseStrategy(string(fallback)); ok {
		return s
	}
	return models.StrategyBalanced
}
