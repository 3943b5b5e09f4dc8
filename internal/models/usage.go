package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type UsageStatus string

const (
	UsageStatusSuccess UsageStatus = "success"
	UsageStatusError   UsageStatus = "error"
	UsageStatusTimeout UsageStatus = "timeout"
)

// UsageRecord is one routed and executed request, persisted for spend tracking.
type UsageRecord struct {
	ID               string          `json:"id" db:"id"`
	RequestID        string          `json:"request_id" db:"request_id"`
	OrganizationID   *string         `json:"organization_id" db:"organization_id"`
	SessionID        *string         `json:"session_id" db:"session_id"`
	UserID           *string         `json:"user_id" db:"user_id"`
	EntityType       EntityType      `json:"entity_type" db:"entity_type"`
	Provider         string          `json:"provider" db:"provider"`
	Model            string          `json:"model" db:"model"`
	APIKeySource     KeySource       `json:"api_key_source" db:"api_key_source"`
	RoutingPhase     RoutingPhase    `json:"routing_phase" db:"routing_phase"`
	AnalysisPath     AnalysisPath    `json:"analysis_path" db:"analysis_path"`
	ComplexityScore  float64         `json:"complexity_score" db:"complexity_score"`
	InputTokens      int             `json:"input_tokens" db:"input_tokens"`
	OutputTokens     int             `json:"output_tokens" db:"output_tokens"`
	TotalCostUSD     decimal.Decimal `json:"total_cost_usd" db:"total_cost_usd"`
	LatencyMs        int             `json:"latency_ms" db:"latency_ms"`
	PerformanceScore float64         `json:"performance_score" db:"performance_score"`
	Status           UsageStatus     `json:"status" db:"status"`
	ErrorMessage     *string         `json:"error_message" db:"error_message"`
	Metadata         json.RawMessage `json:"metadata" db:"metadata"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// UsageSummary aggregates spend per provider and model over a period.
type UsageSummary struct {
	Provider       string          `json:"provider" db:"provider"`
	Model          string          `json:"model" db:"model"`
	TotalRequests  int             `json:"total_requests" db:"total_requests"`
	TotalTokens    int             `json:"total_tokens" db:"total_tokens"`
	GrandTotalCost decimal.Decimal `json:"grand_total_cost" db:"grand_total_cost"`
	AvgLatencyMs   *float64        `json:"avg_latency_ms" db:"avg_latency_ms"`
	ErrorCount     int             `json:"error_count" db:"error_count"`
}

// OptionalString turns an empty string into a nil pointer for nullable columns.
func OptionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
