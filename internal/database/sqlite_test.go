package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/irfndi/optiroute/internal/catalog"
	"github.com/irfndi/optiroute/internal/config"
	"github.com/irfndi/optiroute/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSQLite(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := NewSQLiteConnection(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newMigratedSQLite(t *testing.T) *SQLiteDB {
	t.Helper()
	db := newTestSQLite(t)
	_, err := Migrate(context.Background(), db, zap.NewNop())
	require.NoError(t, err)
	return db
}

func TestSQLiteConnection(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := NewSQLiteConnection(dbPath)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
	assert.True(t, db.IsReady())
	assert.NoError(t, db.HealthCheck(context.Background()))
}

func TestSQLiteConnection_EmptyPath(t *testing.T) {
	db, err := NewSQLiteConnection("")
	assert.Error(t, err)
	assert.Nil(t, db)
}

func TestSQLiteDB_CloseIsIdempotent(t *testing.T) {
	db, err := NewSQLiteConnection(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	assert.NoError(t, db.Close())
	assert.NoError(t, db.Close())

	var nilDB *SQLiteDB
	assert.False(t, nilDB.IsReady())
	assert.Error(t, nilDB.HealthCheck(context.Background()))
	assert.Error(t, nilDB.QueryRow(context.Background(), "SELECT 1").Scan())
}

func TestSQLiteDB_DollarPlaceholders(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	_, err := db.Exec(ctx, `CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT NOT NULL, cost NUMERIC)`)
	require.NoError(t, err)

	_, err = db.Exec(ctx, "INSERT INTO notes (id, body, cost) VALUES ($1, $2, $3)", 1, "costs $5", "0.25")
	require.NoError(t, err)
	_, err = db.Exec(ctx, "INSERT INTO notes (id, body, cost) VALUES ($1, $2, $3)", 2, "second", "0.5")
	require.NoError(t, err)

	var body string
	require.NoError(t, db.QueryRow(ctx, "SELECT body FROM notes WHERE id = $1", 1).Scan(&body))
	assert.Equal(t, "costs $5", body)

	var total decimal.Decimal
	require.NoError(t, db.QueryRow(ctx, "SELECT COALESCE(SUM(cost), 0) FROM notes WHERE id >= $1", 1).Scan(&total))
	assert.True(t, total.Equal(decimal.RequireFromString("0.75")), total.String())

	rows, err := db.Query(ctx, "SELECT id FROM notes WHERE body <> '$1' ORDER BY id")
	require.NoError(t, err)
	defer rows.Close()
	var ids []int
	for rows.Next() {
		var id int
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []int{1, 2}, ids)
}

func TestSQLiteDB_Transactions(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	_, err := db.Exec(ctx, `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "INSERT INTO items (id, name) VALUES ($1, $2)", 1, "kept")
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx, err = db.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, "INSERT INTO items (id, name) VALUES ($1, $2)", 2, "discarded")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	var count int
	require.NoError(t, db.QueryRow(ctx, "SELECT COUNT(*) FROM items").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestMigrate_SQLite(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	applied, err := Migrate(ctx, db, nil)
	require.NoError(t, err)
	assert.Equal(t, len(Migrations), applied)

	version, err := CurrentVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, Migrations[len(Migrations)-1].Version, version)

	applied, err = Migrate(ctx, db, nil)
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestCatalogRepository_SeedAndList(t *testing.T) {
	db := newMigratedSQLite(t)
	ctx := context.Background()

	static, err := catalog.LoadStaticCatalog(filepath.Join("..", "catalog", "testdata", "catalog.yaml"))
	require.NoError(t, err)

	repo := NewCatalogRepository(db)
	require.NoError(t, repo.Seed(ctx, static))
	require.NoError(t, repo.Seed(ctx, static), "seeding twice upserts")

	ms, err := repo.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, ms, 5)
	byID := map[string]models.ModelInfo{}
	for _, m := range ms {
		byID[m.ID] = m
	}
	assert.ElementsMatch(t, []string{"function_calling", "vision", "advanced_reasoning", "json_mode"}, byID["m-4o"].Capabilities)
	assert.True(t, byID["m-mini"].InputPrice.Equal(decimal.RequireFromString("0.00015")))
	assert.Equal(t, models.APITypeEmbedding, byID["m-embed"].APIType)
	assert.False(t, byID["m-retired"].Active)

	keys, err := repo.ListAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 4)
	for _, k := range keys {
		if k.ID == "k-platform-openai" {
			assert.Empty(t, k.OrganizationID)
			assert.Equal(t, "sk-platform", k.Secret)
		}
	}

	rules, err := repo.ListRoutingRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "r-code", rules[0].ID)
	require.Len(t, rules[0].Conditions, 2)
	assert.JSONEq(t, `0.7`, string(rules[0].Conditions[0].Value))
	assert.Equal(t, 3.0, rules[0].Models[0].Weight)

	orgs, err := repo.ListOrganizations(ctx)
	require.NoError(t, err)
	require.Len(t, orgs, 2)
	assert.Equal(t, models.StrategyCostFirst, orgs[0].DefaultStrategy)
	assert.Equal(t, 0.9, orgs[1].UniversalThreshold)

	// The database source feeds the cached catalog the same way the file does.
	cached := catalog.NewCachedCatalog(repo)
	acmeKeys, err := cached.KeysForProvider(ctx, "openai", "acme")
	require.NoError(t, err)
	require.Len(t, acmeKeys, 2)
	assert.Equal(t, "k-acme-openai", acmeKeys[0].ID)
}

func TestCatalogRepository_UpdateKeyQuota(t *testing.T) {
	db := newMigratedSQLite(t)
	ctx := context.Background()
	repo := NewCatalogRepository(db)

	static, err := catalog.LoadStaticCatalog(filepath.Join("..", "catalog", "testdata", "catalog.yaml"))
	require.NoError(t, err)
	require.NoError(t, repo.Seed(ctx, static))

	require.NoError(t, repo.UpdateKeyQuota(ctx, "k-platform-openai", models.QuotaExceeded))
	assert.ErrorIs(t, repo.UpdateKeyQuota(ctx, "missing", models.QuotaHealthy), ErrNotFound)

	keys, err := repo.ListAPIKeys(ctx)
	require.NoError(t, err)
	for _, k := range keys {
		if k.ID == "k-platform-openai" {
			assert.Equal(t, models.QuotaExceeded, k.QuotaStatus)
		}
	}
}

func TestUsageRepository_SQLite(t *testing.T) {
	db := newMigratedSQLite(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	repo := NewUsageRepository(db)
	repo.now = func() time.Time { return now }

	records := []*models.UsageRecord{
		{RequestID: "r1", OrganizationID: models.OptionalString("acme"), SessionID: models.OptionalString("s1"), EntityType: models.EntityPlatformChat, Provider: "openai", Model: "gpt-4o-mini", TotalCostUSD: decimal.RequireFromString("0.002"), LatencyMs: 400, InputTokens: 10, OutputTokens: 20},
		{RequestID: "r2", OrganizationID: models.OptionalString("acme"), SessionID: models.OptionalString("s1"), EntityType: models.EntityPlatformChat, Provider: "openai", Model: "gpt-4o-mini", TotalCostUSD: decimal.RequireFromString("0.003"), LatencyMs: 600, Status: models.UsageStatusError},
		{RequestID: "r3", OrganizationID: models.OptionalString("other"), EntityType: models.EntityWorkflowExecution, Provider: "anthropic", Model: "claude-3-5-sonnet", TotalCostUSD: decimal.RequireFromString("0.01")},
		{RequestID: "r4", OrganizationID: models.OptionalString("acme"), EntityType: models.EntityPlatformChat, Provider: "openai", Model: "gpt-4o", TotalCostUSD: decimal.RequireFromString("1"), CreatedAt: now.Add(-48 * time.Hour)},
	}
	for _, rec := range records {
		require.NoError(t, repo.Record(ctx, rec))
		assert.NotEmpty(t, rec.ID)
	}
	assert.Equal(t, models.UsageStatusSuccess, records[0].Status)

	daily, err := repo.DailyCost(ctx, now, "acme")
	require.NoError(t, err)
	assert.True(t, daily.Equal(decimal.RequireFromString("0.005")), daily.String())

	all, err := repo.DailyCost(ctx, now, "")
	require.NoError(t, err)
	assert.InDelta(t, 0.015, all.InexactFloat64(), 1e-9)

	session, err := repo.SessionCost(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, session.Equal(decimal.RequireFromString("0.005")), session.String())

	exceeded, err := repo.IsDailyBudgetExceeded(ctx, decimal.RequireFromString("0.005"), "acme")
	require.NoError(t, err)
	assert.True(t, exceeded)
	exceeded, err = repo.IsDailyBudgetExceeded(ctx, decimal.Zero, "acme")
	require.NoError(t, err)
	assert.False(t, exceeded, "zero budget is unlimited")

	summary, err := repo.Summary(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, "anthropic", summary[0].Provider)
	assert.Equal(t, "gpt-4o-mini", summary[1].Model)
	assert.Equal(t, 2, summary[1].TotalRequests)
	assert.Equal(t, 30, summary[1].TotalTokens)
	assert.Equal(t, 1, summary[1].ErrorCount)
	require.NotNil(t, summary[1].AvgLatencyMs)
	assert.InDelta(t, 500, *summary[1].AvgLatencyMs, 0.001)
}

func TestNewDatabaseConnection_SQLite(t *testing.T) {
	cfg := &config.DatabaseConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "conn.db")}

	db, err := NewDatabaseConnection(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer db.Close()

	assert.True(t, db.IsReady())
	assert.NoError(t, db.HealthCheck(context.Background()))
}

func TestNewDatabaseConnection_Unsupported(t *testing.T) {
	_, err := NewDatabaseConnection(context.Background(), &config.DatabaseConfig{Driver: "oracle"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")

	assert.Equal(t, DBTypeSQLite, DetectDBType(""))
	assert.Equal(t, DBTypePostgres, DetectDBType("PostgreSQL"))
}
