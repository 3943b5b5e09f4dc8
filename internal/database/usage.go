package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/optiroute/internal/models"
	"github.com/shopspring/decimal"
)

// UsageRepository persists executed requests and answers spend queries.
// Timestamps are written in UTC so range filters compare correctly on SQLite.
type UsageRepository struct {
	pool DBPool
	now  func() time.Time
}

func NewUsageRepository(pool DBPool) *UsageRepository {
	return &UsageRepository{pool: pool, now: time.Now}
}

// Record inserts one usage record, filling the ID and creation time when unset.
func (r *UsageRepository) Record(ctx context.Context, rec *models.UsageRecord) error {
	if rec == nil {
		return fmt.Errorf("usage record is nil")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.Status == "" {
		rec.Status = models.UsageStatusSuccess
	}
	metadata := "{}"
	if len(rec.Metadata) > 0 && string(rec.Metadata) != "null" {
		metadata = string(rec.Metadata)
	}

	query := `
		INSERT INTO usage_records (
			id, request_id, organization_id, session_id, user_id,
			entity_type, provider, model, api_key_source, routing_phase,
			analysis_path, complexity_score, input_tokens, output_tokens,
			total_cost_usd, latency_ms, performance_score, status,
			error_message, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	_, err := r.pool.Exec(ctx, query,
		rec.ID,
		rec.RequestID,
		rec.OrganizationID,
		rec.SessionID,
		rec.UserID,
		string(rec.EntityType),
		rec.Provider,
		rec.Model,
		string(rec.APIKeySource),
		string(rec.RoutingPhase),
		string(rec.AnalysisPath),
		rec.ComplexityScore,
		rec.InputTokens,
		rec.OutputTokens,
		rec.TotalCostUSD.String(),
		rec.LatencyMs,
		rec.PerformanceScore,
		string(rec.Status),
		rec.ErrorMessage,
		metadata,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// CostForPeriod sums spend in [start, end). An empty orgID sums every organization.
func (r *UsageRepository) CostForPeriod(ctx context.Context, start, end time.Time, orgID string) (decimal.Decimal, error) {
	var cost decimal.Decimal

	if orgID != "" {
		query := `
			SELECT COALESCE(SUM(total_cost_usd), 0)
			FROM usage_records
			WHERE created_at >= $1 AND created_at < $2 AND organization_id = $3`
		err := r.pool.QueryRow(ctx, query, start.UTC(), end.UTC(), orgID).Scan(&cost)
		return cost, err
	}

	query := `
		SELECT COALESCE(SUM(total_cost_usd), 0)
		FROM usage_records
		WHERE created_at >= $1 AND created_at < $2`
	err := r.pool.QueryRow(ctx, query, start.UTC(), end.UTC()).Scan(&cost)
	return cost, err
}

// DailyCost returns the organization's spend for the UTC day containing date.
func (r *UsageRepository) DailyCost(ctx context.Context, date time.Time, orgID string) (decimal.Decimal, error) {
	date = date.UTC()
	startOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	return r.CostForPeriod(ctx, startOfDay, startOfDay.Add(24*time.Hour), orgID)
}

// SessionCost returns the accumulated spend of one session.
func (r *UsageRepository) SessionCost(ctx context.Context, sessionID string) (decimal.Decimal, error) {
	var cost decimal.Decimal
	err := r.pool.QueryRow(ctx,
		"SELECT COALESCE(SUM(total_cost_usd), 0) FROM usage_records WHERE session_id = $1",
		sessionID,
	).Scan(&cost)
	return cost, err
}

// IsDailyBudgetExceeded reports whether today's spend has reached the budget.
// A zero budget means unlimited.
func (r *UsageRepository) IsDailyBudgetExceeded(ctx context.Context, dailyBudget decimal.Decimal, orgID string) (bool, error) {
	if !dailyBudget.IsPositive() {
		return false, nil
	}
	cost, err := r.DailyCost(ctx, r.now(), orgID)
	if err != nil {
		return false, err
	}
	return cost.GreaterThanOrEqual(dailyBudget), nil
}

// Summary groups spend by provider and model for [start, end).
func (r *UsageRepository) Summary(ctx context.Context, start, end time.Time) ([]models.UsageSummary, error) {
	query := `
		SELECT
			provider,
			model,
			COUNT(*) AS total_requests,
			COALESCE(SUM(input_tokens + output_tokens), 0) AS total_tokens,
			COALESCE(SUM(total_cost_usd), 0) AS grand_total_cost,
			AVG(latency_ms) AS avg_latency_ms,
			SUM(CASE WHEN status <> 'success' THEN 1 ELSE 0 END) AS error_count
		FROM usage_records
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY provider, model
		ORDER BY grand_total_cost DESC`

	rows, err := r.pool.Query(ctx, query, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		err := rows.Scan(
			&s.Provider,
			&s.Model,
			&s.TotalRequests,
			&s.TotalTokens,
			&s.GrandTotalCost,
			&s.AvgLatencyMs,
			&s.ErrorCount,
		)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}

	return summaries, rows.Err()
}
