// Package complexity estimates how hard a request is to answer and how much
// that estimate can be trusted. Two pipelines are provided: the default
// parallel consensus analyzer and a serial rule-based analyzer with optional
// LLM escalation.
package complexity

import (
	"context"

	"github.com/irfndi/optiroute/internal/models"
)

// Analyzer produces a complexity verdict. Analysis always succeeds; failures
// inside the pipeline degrade the verdict instead.
type Analyzer interface {
	Analyze(ctx context.Context, text string, rc *models.RequestContext) *models.ComplexityResult
	Stats() Stats
}

// ResultCache stores prior verdicts. Implementations fail open: read errors
// are misses and write errors are swallowed.
type ResultCache interface {
	Get(ctx context.Context, text string, rc *models.RequestContext) (*models.ComplexityResult, bool)
	Put(ctx context.Context, text string, rc *models.RequestContext, result *models.ComplexityResult)
}
