package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/irfndi/optiroute/internal/models"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usageInsertArgs() []any {
	args := make([]any, 21)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestUsageRepository_Record(t *testing.T) {
	pool, mock, err := NewMockDBPoolFromNewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewUsageRepository(pool)
	mock.ExpectExec("INSERT INTO usage_records").
		WithArgs(usageInsertArgs()...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rec := &models.UsageRecord{
		RequestID:    "req-1",
		EntityType:   models.EntityPlatformChat,
		Provider:     "openai",
		Model:        "gpt-4o-mini",
		TotalCostUSD: decimal.NewFromFloat(0.003),
	}
	require.NoError(t, repo.Record(context.Background(), rec))
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, time.UTC, rec.CreatedAt.Location())
	assert.Equal(t, models.UsageStatusSuccess, rec.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageRepository_RecordErrors(t *testing.T) {
	pool, mock, err := NewMockDBPoolFromNewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewUsageRepository(pool)
	assert.Error(t, repo.Record(context.Background(), nil))

	mock.ExpectExec("INSERT INTO usage_records").
		WithArgs(usageInsertArgs()...).
		WillReturnError(errors.New("disk full"))

	err = repo.Record(context.Background(), &models.UsageRecord{RequestID: "req-2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert usage record")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageRepository_CostForPeriod(t *testing.T) {
	pool, mock, err := NewMockDBPoolFromNewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewUsageRepository(pool)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(total_cost_usd\\), 0\\)").
		WithArgs(start, end, "acme").
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(decimal.NewFromFloat(1.25)))
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(total_cost_usd\\), 0\\)").
		WithArgs(start, end).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(decimal.NewFromFloat(4.5)))

	cost, err := repo.CostForPeriod(context.Background(), start, end, "acme")
	require.NoError(t, err)
	assert.True(t, cost.Equal(decimal.NewFromFloat(1.25)))

	cost, err = repo.CostForPeriod(context.Background(), start, end, "")
	require.NoError(t, err)
	assert.True(t, cost.Equal(decimal.NewFromFloat(4.5)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageRepository_BudgetChecks(t *testing.T) {
	tests := []struct {
		name     string
		budget   decimal.Decimal
		spent    decimal.Decimal
		expected bool
	}{
		{"budget exceeded", decimal.NewFromFloat(0.10), decimal.NewFromFloat(0.15), true},
		{"budget not exceeded", decimal.NewFromFloat(0.20), decimal.NewFromFloat(0.15), false},
		{"budget exactly met", decimal.NewFromFloat(0.10), decimal.NewFromFloat(0.10), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, mock, err := NewMockDBPoolFromNewPool()
			require.NoError(t, err)
			defer mock.Close()

			repo := NewUsageRepository(pool)
			mock.ExpectQuery("SELECT COALESCE\\(SUM\\(total_cost_usd\\), 0\\)").
				WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "acme").
				WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(tt.spent))

			exceeded, err := repo.IsDailyBudgetExceeded(context.Background(), tt.budget, "acme")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, exceeded)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUsageRepository_DailyCostUsesUTCDay(t *testing.T) {
	pool, mock, err := NewMockDBPoolFromNewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewUsageRepository(pool)
	jakarta := time.FixedZone("WIB", 7*3600)
	date := time.Date(2026, 5, 2, 3, 0, 0, 0, jakarta)
	startOfDay := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(total_cost_usd\\), 0\\)").
		WithArgs(startOfDay, startOfDay.Add(24*time.Hour), "acme").
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(decimal.Zero))

	_, err = repo.DailyCost(context.Background(), date, "acme")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageRepository_Summary(t *testing.T) {
	pool, mock, err := NewMockDBPoolFromNewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewUsageRepository(pool)
	avg := 420.0
	columns := []string{"provider", "model", "total_requests", "total_tokens", "grand_total_cost", "avg_latency_ms", "error_count"}
	mock.ExpectQuery("FROM usage_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("anthropic", "claude-3-5-sonnet", 3, 900, decimal.NewFromFloat(0.2), &avg, 0).
			AddRow("openai", "gpt-4o-mini", 10, 1200, decimal.NewFromFloat(0.01), &avg, 2))

	summary, err := repo.Summary(context.Background(), time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, "anthropic", summary[0].Provider)
	assert.Equal(t, 2, summary[1].ErrorCount)
	assert.Equal(t, 1200, summary[1].TotalTokens)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageRepository_SummaryQueryError(t *testing.T) {
	pool, mock, err := NewMockDBPoolFromNewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewUsageRepository(pool)
	mock.ExpectQuery("FROM usage_records").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	_, err = repo.Summary(context.Background(), time.Now().Add(-time.Hour), time.Now())
	assert.Error(t, err)
}

func TestMigrate_RollsBackFailedStep(t *testing.T) {
	pool, mock, err := NewMockDBPoolFromNewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(version\\), 0\\) FROM schema_migrations").
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(1))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS usage_records").
		WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	applied, err := Migrate(context.Background(), pool, nil)
	require.Error(t, err)
	assert.Zero(t, applied)
	assert.Contains(t, err.Error(), "usage_records")
	assert.NoError(t, mock.ExpectationsWereMet())
}
