package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/irfndi/optiroute/internal/ai/llm"
	"github.com/irfndi/optiroute/internal/middleware"
	"github.com/irfndi/optiroute/internal/models"
	"github.com/irfndi/optiroute/internal/services"
)

// maxTextBytes bounds request text accepted by the API.
const maxTextBytes = 256 << 10

// Router is the orchestrator surface the HTTP layer needs.
type Router interface {
	AnalyzeAndRoute(ctx context.Context, text string, rc *models.RequestContext, strategy models.Strategy) (*services.RouteResult, error)
	Handle(ctx context.Context, req services.CompletionRequest) (*services.CompletionResponse, error)
	RecordOutcome(ctx context.Context, out services.Outcome) (*services.PerformanceMetadata, error)
}

// RoutingHandler exposes analyze-and-route, complete and record-outcome.
type RoutingHandler struct {
	router Router
	logger *zap.Logger
}

func NewRoutingHandler(router Router, logger *zap.Logger) *RoutingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoutingHandler{router: router, logger: logger}
}

// RouteRequest is the body of POST /api/v1/route.
type RouteRequest struct {
	Text     string                 `json:"text" binding:"required"`
	Context  *models.RequestContext `json:"context,omitempty"`
	Strategy string                 `json:"strategy,omitempty"`
}

// CompleteRequest is the body of POST /api/v1/complete.
type CompleteRequest struct {
	RouteRequest
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// OutcomeRequest reports an execution the caller performed itself after
// asking /route for a decision.
type OutcomeRequest struct {
	RequestID    string                   `json:"request_id"`
	Context      *models.RequestContext   `json:"context,omitempty"`
	Decision     *models.RoutingDecision  `json:"decision" binding:"required"`
	Complexity   *models.ComplexityResult `json:"complexity,omitempty"`
	Content      string                   `json:"content,omitempty"`
	InputTokens  int                      `json:"input_tokens"`
	OutputTokens int                      `json:"output_tokens"`
	Cost         string                   `json:"cost,omitempty"`
	LatencyMs    int64                    `json:"latency_ms"`
	Error        string                   `json:"error,omitempty"`
	TimedOut     bool                     `json:"timed_out,omitempty"`
}

// OutcomeResponse echoes the computed performance record.
type OutcomeResponse struct {
	Performance *services.PerformanceMetadata `json:"performance"`
	Warning     string                        `json:"warning,omitempty"`
}

// Route handles POST /api/v1/route.
func (h *RoutingHandler) Route(c *gin.Context) {
	var req RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	rc, strategy, ok := h.prepare(c, &req)
	if !ok {
		return
	}

	middleware.StartSpan(c, "route")
	result, err := h.router.AnalyzeAndRoute(c.Request.Context(), req.Text, rc, strategy)
	if err != nil {
		h.fail(c, err, "route")
		return
	}
	middleware.AddSpanAttribute(c, "routing_phase", result.Decision.Phase)
	c.JSON(http.StatusOK, result)
}

// Complete handles POST /api/v1/complete: route, execute and record.
func (h *RoutingHandler) Complete(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	rc, strategy, ok := h.prepare(c, &req.RouteRequest)
	if !ok {
		return
	}

	middleware.StartSpan(c, "complete")
	resp, err := h.router.Handle(c.Request.Context(), services.CompletionRequest{
		Text:         req.Text,
		SystemPrompt: req.SystemPrompt,
		Context:      rc,
		Strategy:     strategy,
	})
	if errors.Is(err, services.ErrNoExecutor) {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "execution is not configured on this instance"})
		return
	}
	if err != nil {
		h.fail(c, err, "complete")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// RecordOutcome handles POST /api/v1/outcomes. Recording failures are
// reported as a warning; the score is still returned.
func (h *RoutingHandler) RecordOutcome(c *gin.Context) {
	var req OutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.Decision.SelectedProvider == "" || req.Decision.SelectedModel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "decision must name a provider and model"})
		return
	}

	cost := decimal.Zero
	if req.Cost != "" {
		parsed, err := decimal.NewFromString(req.Cost)
		if err != nil || parsed.IsNegative() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cost must be a non-negative decimal"})
			return
		}
		cost = parsed
	}

	rc := req.Context
	if rc == nil {
		rc = &models.RequestContext{}
	}
	if rc.OrganizationID == "" {
		rc.OrganizationID = c.GetHeader(middleware.OrganizationHeader)
	}

	latency := time.Duration(req.LatencyMs) * time.Millisecond
	out := services.Outcome{
		RequestID:  req.RequestID,
		Context:    rc,
		Decision:   req.Decision,
		Complexity: req.Complexity,
		Latency:    latency,
	}
	if out.RequestID == "" {
		out.RequestID = middleware.GetRequestID(c)
	}
	switch {
	case req.TimedOut:
		out.Err = context.DeadlineExceeded
	case req.Error != "":
		out.Err = errors.New(req.Error)
	default:
		out.Result = &llm.ExecutionResult{
			Content:      req.Content,
			InputTokens:  req.InputTokens,
			OutputTokens: req.OutputTokens,
			Latency:      latency,
			Cost:         cost,
		}
	}

	perf, err := h.router.RecordOutcome(c.Request.Context(), out)
	if perf == nil {
		h.fail(c, err, "record_outcome")
		return
	}
	resp := OutcomeResponse{Performance: perf}
	if err != nil {
		h.logger.Warn("Outcome recorded with errors", zap.String("request_id", out.RequestID), zap.Error(err))
		resp.Warning = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *RoutingHandler) prepare(c *gin.Context, req *RouteRequest) (*models.RequestContext, models.Strategy, bool) {
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text must not be empty"})
		return nil, "", false
	}
	if len(req.Text) > maxTextBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "text exceeds 256KiB"})
		return nil, "", false
	}

	var strategy models.Strategy
	if req.Strategy != "" {
		parsed, ok := models.ParseStrategy(req.Strategy)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown strategy " + req.Strategy})
			return nil, "", false
		}
		strategy = parsed
	}

	rc := req.Context
	if rc == nil {
		rc = &models.RequestContext{}
	}
	if rc.OrganizationID == "" {
		rc.OrganizationID = c.GetHeader(middleware.OrganizationHeader)
	}
	if rc.MaxTokens < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_tokens must not be negative"})
		return nil, "", false
	}
	return rc, strategy, true
}

func (h *RoutingHandler) fail(c *gin.Context, err error, op string) {
	if err == nil {
		err = errors.New("unknown failure")
	}
	status := http.StatusInternalServerError
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	middleware.RecordError(c, err, op)
	h.logger.Error("Request failed",
		zap.String("operation", op),
		zap.String("request_id", middleware.GetRequestID(c)),
		zap.Error(err),
	)
	c.JSON(status, gin.H{"error": op + " failed"})
}
