package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/optiroute/internal/middleware"
	"github.com/irfndi/optiroute/internal/models"
	"github.com/irfndi/optiroute/internal/services"
)

type fakeRouter struct {
	routeErr   error
	handleErr  error
	outcomeErr error
	noPerf     bool

	gotText     string
	gotContext  *models.RequestContext
	gotStrategy models.Strategy
	gotRequest  services.CompletionRequest
	gotOutcome  services.Outcome
}

func (f *fakeRouter) decision() *models.RoutingDecision {
	return &models.RoutingDecision{
		ID:               "d-1",
		SelectedProvider: "anthropic",
		SelectedModel:    "claude-3-5-sonnet",
		Phase:            models.PhaseScored,
		ConfidenceScore:  0.82,
		EstimatedCost:    decimal.RequireFromString("0.0042"),
		Strategy:         f.gotStrategy,
	}
}

func (f *fakeRouter) AnalyzeAndRoute(_ context.Context, text string, rc *models.RequestContext, strategy models.Strategy) (*services.RouteResult, error) {
	f.gotText, f.gotContext, f.gotStrategy = text, rc, strategy
	if f.routeErr != nil {
		return nil, f.routeErr
	}
	return &services.RouteResult{
		Decision:   f.decision(),
		Complexity: &models.ComplexityResult{Score: 0.55, Level: models.LevelMedium, AnalysisPath: models.PathRuleBased},
		Metadata:   services.ResponseMetadata{RequestID: "req-1", RoutingPhase: models.PhaseScored},
	}, nil
}

func (f *fakeRouter) Handle(_ context.Context, req services.CompletionRequest) (*services.CompletionResponse, error) {
	f.gotRequest = req
	if f.handleErr != nil {
		return nil, f.handleErr
	}
	return &services.CompletionResponse{Content: "42", Decision: f.decision()}, nil
}

func (f *fakeRouter) RecordOutcome(_ context.Context, out services.Outcome) (*services.PerformanceMetadata, error) {
	f.gotOutcome = out
	if f.noPerf {
		return nil, f.outcomeErr
	}
	score := services.PerformanceScore(out.Latency, out.Err, "")
	if out.Result != nil {
		score = services.PerformanceScore(out.Result.Latency, nil, out.Result.Content)
	}
	return &services.PerformanceMetadata{PerformanceScore: score, LatencyMs: out.Latency.Milliseconds()}, f.outcomeErr
}

func newRoutingRouter(f *fakeRouter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID())
	h := NewRoutingHandler(f, nil)
	r.POST("/route", h.Route)
	r.POST("/complete", h.Complete)
	r.POST("/outcomes", h.RecordOutcome)
	return r
}

func postJSON(t *testing.T, r http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRoutingHandler_Route(t *testing.T) {
	f := &fakeRouter{}
	r := newRoutingRouter(f)

	w := postJSON(t, r, "/route", map[string]any{
		"text":     "Design a sharded rate limiter",
		"strategy": "quality_first",
		"context":  map[string]any{"session_id": "s-1", "max_tokens": 800},
	}, map[string]string{middleware.OrganizationHeader: "acme"})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp services.RouteResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "anthropic", resp.Decision.SelectedProvider)
	assert.Equal(t, "req-1", resp.Metadata.RequestID)

	assert.Equal(t, "Design a sharded rate limiter", f.gotText)
	assert.Equal(t, models.StrategyQualityFirst, f.gotStrategy)
	assert.Equal(t, "acme", f.gotContext.OrganizationID)
	assert.Equal(t, "s-1", f.gotContext.SessionID)
	assert.Equal(t, 800, f.gotContext.MaxTokens)
}

func TestRoutingHandler_RouteValidation(t *testing.T) {
	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", `{"text":`, http.StatusBadRequest},
		{"missing text", map[string]any{"strategy": "balanced"}, http.StatusBadRequest},
		{"blank text", map[string]any{"text": "   "}, http.StatusBadRequest},
		{"unknown strategy", map[string]any{"text": "hi", "strategy": "cheapest"}, http.StatusBadRequest},
		{"negative max tokens", map[string]any{"text": "hi", "context": map[string]any{"max_tokens": -1}}, http.StatusBadRequest},
		{"too large", map[string]any{"text": strings.Repeat("a", maxTextBytes+1)}, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeRouter{}
			w := postJSON(t, newRoutingRouter(f), "/route", tt.body, nil)
			assert.Equal(t, tt.want, w.Code)
			assert.Empty(t, f.gotText)
		})
	}
}

func TestRoutingHandler_RouteEmptyStrategyDefersToEngine(t *testing.T) {
	f := &fakeRouter{}
	w := postJSON(t, newRoutingRouter(f), "/route", map[string]any{"text": "hello there"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.Strategy(""), f.gotStrategy)
	assert.NotNil(t, f.gotContext)
}

func TestRoutingHandler_RouteCanceled(t *testing.T) {
	f := &fakeRouter{routeErr: context.Canceled}
	w := postJSON(t, newRoutingRouter(f), "/route", map[string]any{"text": "hello"}, nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestRoutingHandler_Complete(t *testing.T) {
	f := &fakeRouter{}
	w := postJSON(t, newRoutingRouter(f), "/complete", map[string]any{
		"text":          "What is 6 times 7?",
		"system_prompt": "Answer tersely.",
		"strategy":      "cost_first",
	}, nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp services.CompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "42", resp.Content)
	assert.Equal(t, "Answer tersely.", f.gotRequest.SystemPrompt)
	assert.Equal(t, models.StrategyCostFirst, f.gotRequest.Strategy)
}

func TestRoutingHandler_CompleteErrors(t *testing.T) {
	w := postJSON(t, newRoutingRouter(&fakeRouter{handleErr: services.ErrNoExecutor}), "/complete", map[string]any{"text": "hi"}, nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	w = postJSON(t, newRoutingRouter(&fakeRouter{handleErr: errors.New("provider down")}), "/complete", map[string]any{"text": "hi"}, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "provider down")
}

func TestRoutingHandler_RecordOutcome(t *testing.T) {
	decision := map[string]any{"selected_provider": "openai", "selected_model": "gpt-4o", "phase": "rule"}

	t.Run("success", func(t *testing.T) {
		f := &fakeRouter{}
		w := postJSON(t, newRoutingRouter(f), "/outcomes", map[string]any{
			"request_id":    "req-9",
			"decision":      decision,
			"content":       "done",
			"input_tokens":  120,
			"output_tokens": 40,
			"cost":          "0.0031",
			"latency_ms":    2500,
		}, map[string]string{middleware.OrganizationHeader: "acme"})

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp OutcomeResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.InDelta(t, 0.8, resp.Performance.PerformanceScore, 1e-9)
		assert.Empty(t, resp.Warning)

		out := f.gotOutcome
		assert.Equal(t, "req-9", out.RequestID)
		assert.Equal(t, "acme", out.Context.OrganizationID)
		require.NotNil(t, out.Result)
		assert.Equal(t, 120, out.Result.InputTokens)
		assert.True(t, decimal.RequireFromString("0.0031").Equal(out.Result.Cost))
		assert.NoError(t, out.Err)
	})

	t.Run("timeout and error", func(t *testing.T) {
		f := &fakeRouter{}
		w := postJSON(t, newRoutingRouter(f), "/outcomes", map[string]any{"decision": decision, "timed_out": true}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.ErrorIs(t, f.gotOutcome.Err, context.DeadlineExceeded)
		assert.Nil(t, f.gotOutcome.Result)
		assert.NotEmpty(t, f.gotOutcome.RequestID)

		w = postJSON(t, newRoutingRouter(f), "/outcomes", map[string]any{"decision": decision, "error": "rate limited"}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.EqualError(t, f.gotOutcome.Err, "rate limited")
	})

	t.Run("recorder warning", func(t *testing.T) {
		f := &fakeRouter{outcomeErr: errors.New("usage: db down")}
		w := postJSON(t, newRoutingRouter(f), "/outcomes", map[string]any{"decision": decision, "content": "ok"}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "db down")
	})

	t.Run("rejected", func(t *testing.T) {
		f := &fakeRouter{noPerf: true, outcomeErr: errors.New("no decision")}
		w := postJSON(t, newRoutingRouter(f), "/outcomes", map[string]any{"decision": decision}, nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("validation", func(t *testing.T) {
		r := newRoutingRouter(&fakeRouter{})
		assert.Equal(t, http.StatusBadRequest, postJSON(t, r, "/outcomes", map[string]any{"content": "x"}, nil).Code)
		assert.Equal(t, http.StatusBadRequest, postJSON(t, r, "/outcomes", map[string]any{"decision": map[string]any{"selected_model": "gpt-4o"}}, nil).Code)
		assert.Equal(t, http.StatusBadRequest, postJSON(t, r, "/outcomes", map[string]any{"decision": decision, "cost": "-1"}, nil).Code)
		assert.Equal(t, http.StatusBadRequest, postJSON(t, r, "/outcomes", map[string]any{"decision": decision, "cost": "lots"}, nil).Code)
	})
}
