package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/irfndi/optiroute/internal/catalog"
	"github.com/irfndi/optiroute/internal/models"
)

// CatalogRepository reads and seeds the routing catalog tables. It is the
// database-backed catalog.Source.
type CatalogRepository struct {
	pool DBPool
}

var _ catalog.Source = (*CatalogRepository)(nil)

func NewCatalogRepository(pool DBPool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

func (r *CatalogRepository) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	query := `
		SELECT id, provider_id, model_name, display_name, api_type, capabilities,
			input_price, output_price, context_window, active
		FROM llm_models
		ORDER BY provider_id, model_name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ModelInfo
	for rows.Next() {
		var (
			m    models.ModelInfo
			caps string
		)
		err := rows.Scan(
			&m.ID,
			&m.ProviderID,
			&m.ModelName,
			&m.DisplayName,
			&m.APIType,
			&caps,
			&m.InputPrice,
			&m.OutputPrice,
			&m.ContextWindow,
			&m.Active,
		)
		if err != nil {
			return nil, err
		}
		if err := decodeJSONColumn(caps, &m.Capabilities); err != nil {
			return nil, fmt.Errorf("model %s: invalid capabilities: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *CatalogRepository) ListAPIKeys(ctx context.Context) ([]models.APIKey, error) {
	query := `
		SELECT id, provider_id, COALESCE(organization_id, ''), encrypted_key, quota_status, active
		FROM api_keys
		ORDER BY provider_id, id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.ProviderID, &k.OrganizationID, &k.Secret, &k.QuotaStatus, &k.Active); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *CatalogRepository) ListRoutingRules(ctx context.Context) ([]models.RoutingRule, error) {
	query := `
		SELECT id, COALESCE(organization_id, ''), name, model_type, priority, conditions, models, active
		FROM routing_rules
		ORDER BY priority, id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RoutingRule
	for rows.Next() {
		var (
			rule                   models.RoutingRule
			conditions, ruleModels string
		)
		err := rows.Scan(
			&rule.ID,
			&rule.OrganizationID,
			&rule.Name,
			&rule.ModelType,
			&rule.Priority,
			&conditions,
			&ruleModels,
			&rule.Active,
		)
		if err != nil {
			return nil, err
		}
		if err := decodeJSONColumn(conditions, &rule.Conditions); err != nil {
			return nil, fmt.Errorf("rule %s: invalid conditions: %w", rule.ID, err)
		}
		if err := decodeJSONColumn(ruleModels, &rule.Models); err != nil {
			return nil, fmt.Errorf("rule %s: invalid models: %w", rule.ID, err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *CatalogRepository) ListOrganizations(ctx context.Context) ([]models.Organization, error) {
	query := `
		SELECT id, name, subscription_tier, default_strategy, universal_threshold, daily_budget_usd
		FROM organizations
		ORDER BY id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Organization
	for rows.Next() {
		var o models.Organization
		err := rows.Scan(&o.ID, &o.Name, &o.SubscriptionTier, &o.DefaultStrategy, &o.UniversalThreshold, &o.DailyBudgetUSD)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Seed upserts every entry of src into the catalog tables in one transaction.
// Organizations go first so key and rule references resolve.
func (r *CatalogRepository) Seed(ctx context.Context, src catalog.Source) (err error) {
	orgs, err := src.ListOrganizations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list organizations: %w", err)
	}
	ms, err := src.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}
	keys, err := src.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list api keys: %w", err)
	}
	rules, err := src.ListRoutingRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list routing rules: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, o := range orgs {
		if _, err = tx.Exec(ctx, `
			INSERT INTO organizations (id, name, subscription_tier, default_strategy, universal_threshold, daily_budget_usd)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				subscription_tier = excluded.subscription_tier,
				default_strategy = excluded.default_strategy,
				universal_threshold = excluded.universal_threshold,
				daily_budget_usd = excluded.daily_budget_usd`,
			o.ID, o.Name, o.SubscriptionTier, string(o.DefaultStrategy), o.UniversalThreshold, o.DailyBudgetUSD,
		); err != nil {
			return fmt.Errorf("failed to upsert organization %s: %w", o.ID, err)
		}
	}

	for _, m := range ms {
		var caps []byte
		if caps, err = json.Marshal(nonNilStrings(m.Capabilities)); err != nil {
			return err
		}
		if _, err = tx.Exec(ctx, `
			INSERT INTO llm_models (id, provider_id, model_name, display_name, api_type, capabilities,
				input_price, output_price, context_window, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				provider_id = excluded.provider_id,
				model_name = excluded.model_name,
				display_name = excluded.display_name,
				api_type = excluded.api_type,
				capabilities = excluded.capabilities,
				input_price = excluded.input_price,
				output_price = excluded.output_price,
				context_window = excluded.context_window,
				active = excluded.active`,
			m.ID, m.ProviderID, m.ModelName, m.DisplayName, string(m.APIType), string(caps),
			m.InputPrice.String(), m.OutputPrice.String(), m.ContextWindow, m.Active,
		); err != nil {
			return fmt.Errorf("failed to upsert model %s: %w", m.ID, err)
		}
	}

	for _, k := range keys {
		if _, err = tx.Exec(ctx, `
			INSERT INTO api_keys (id, provider_id, organization_id, encrypted_key, quota_status, active)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				provider_id = excluded.provider_id,
				organization_id = excluded.organization_id,
				encrypted_key = excluded.encrypted_key,
				quota_status = excluded.quota_status,
				active = excluded.active`,
			k.ID, k.ProviderID, models.OptionalString(k.OrganizationID), k.Secret, string(k.QuotaStatus), k.Active,
		); err != nil {
			return fmt.Errorf("failed to upsert api key %s: %w", k.ID, err)
		}
	}

	for _, rule := range rules {
		var conditions, ruleModels []byte
		if conditions, err = json.Marshal(rule.Conditions); err != nil {
			return err
		}
		if ruleModels, err = json.Marshal(rule.Models); err != nil {
			return err
		}
		if _, err = tx.Exec(ctx, `
			INSERT INTO routing_rules (id, organization_id, name, model_type, priority, conditions, models, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				organization_id = excluded.organization_id,
				name = excluded.name,
				model_type = excluded.model_type,
				priority = excluded.priority,
				conditions = excluded.conditions,
				models = excluded.models,
				active = excluded.active`,
			rule.ID, models.OptionalString(rule.OrganizationID), rule.Name, string(rule.ModelType),
			rule.Priority, string(conditions), string(ruleModels), rule.Active,
		); err != nil {
			return fmt.Errorf("failed to upsert routing rule %s: %w", rule.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// UpdateKeyQuota moves a key to a new quota state, for example after a
// provider reports the key as exhausted.
func (r *CatalogRepository) UpdateKeyQuota(ctx context.Context, keyID string, status models.QuotaStatus) error {
	res, err := r.pool.Exec(ctx, "UPDATE api_keys SET quota_status = $1 WHERE id = $2", string(status), keyID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("api key %s: %w", keyID, ErrNotFound)
	}
	return nil
}

func decodeJSONColumn(raw string, dest any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dest)
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
