// Package affinity keeps requests of one session on the same provider and
// model while the session's complexity and performance stay stable.
package affinity

import (
	"time"

	"github.com/irfndi/optiroute/internal/models"
)

// EntityConfig holds the stickiness limits for one entity type.
type EntityConfig struct {
	MinMessagesBeforeSwitch  int
	ComplexityDriftThreshold float64
	MaxSessionDuration       time.Duration
	PerformanceThreshold     float64
}

const (
	// EMAAlpha weights the newest observation in the complexity and performance averages.
	EMAAlpha = 0.3

	workflowLeniencyMessages = 10
	agentLeniencyMessages    = 15

	advancedReasoningComplexity = 0.7
)

var defaultEntityConfigs = map[models.EntityType]EntityConfig{
	models.EntityPlatformChat: {
		MinMessagesBeforeSwitch:  3,
		ComplexityDriftThreshold: 0.2,
		MaxSessionDuration:       24 * time.Hour,
		PerformanceThreshold:     0.7,
	},
	models.EntityAgentSession: {
		MinMessagesBeforeSwitch:  5,
		ComplexityDriftThreshold: 0.3,
		MaxSessionDuration:       72 * time.Hour,
		PerformanceThreshold:     0.8,
	},
	models.EntityWorkflowExecution: {
		MinMessagesBeforeSwitch:  1,
		ComplexityDriftThreshold: 0.15,
		MaxSessionDuration:       168 * time.Hour,
		PerformanceThreshold:     0.9,
	},
	models.EntityWorkspaceChat: {
		MinMessagesBeforeSwitch:  4,
		ComplexityDriftThreshold: 0.25,
		MaxSessionDuration:       48 * time.Hour,
		PerformanceThreshold:     0.75,
	},
	models.EntityRAGQuery: {
		MinMessagesBeforeSwitch:  2,
		ComplexityDriftThreshold: 0.2,
		MaxSessionDuration:       12 * time.Hour,
		PerformanceThreshold:     0.8,
	},
}

// DefaultEntityConfig returns the built-in limits for an entity type.
// Unknown types use the platform chat limits.
func DefaultEntityConfig(entity models.EntityType) EntityConfig {
	if cfg, ok := defaultEntityConfigs[entity]; ok {
		return cfg
	}
	return defaultEntityConfigs[models.EntityPlatformChat]
}

// DefaultEntityConfigs returns a copy of the built-in table.
func DefaultEntityConfigs() map[models.EntityType]EntityConfig {
	out := make(map[models.EntityType]EntityConfig, len(defaultEntityConfigs))
	for k, v := range defaultEntityConfigs {
		out[k] = v
	}
	return out
}
