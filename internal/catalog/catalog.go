// Package catalog exposes the read-only collaborators the routing engine
// consults: active models, API keys, routing rules and organizations.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/irfndi/optiroute/internal/models"
)

// ErrCatalogUnavailable is returned when no snapshot could be loaded.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

// ModelCatalog lists active models.
type ModelCatalog interface {
	ActiveModels(ctx context.Context, apiType models.APIType) ([]models.ModelInfo, error)
	GetModel(ctx context.Context, id string) (*models.ModelInfo, bool, error)
}

// KeyStore lists usable candidate keys for a provider. Organization keys
// come before platform keys.
type KeyStore interface {
	KeysForProvider(ctx context.Context, providerID, organizationID string) ([]models.APIKey, error)
}

// RuleCatalog lists active routing rules visible to an organization: its
// own rules plus the system-wide ones.
type RuleCatalog interface {
	ActiveRules(ctx context.Context, organizationID string, apiType models.APIType) ([]models.RoutingRule, error)
}

// OrganizationStore resolves organization settings.
type OrganizationStore interface {
	GetOrganization(ctx context.Context, id string) (*models.Organization, bool, error)
}

// Catalog bundles every read-only collaborator.
type Catalog interface {
	ModelCatalog
	KeyStore
	RuleCatalog
	OrganizationStore
}

// Source loads the full catalog contents in bulk. Database repositories and
// the static YAML file both implement it.
type Source interface {
	ListModels(ctx context.Context) ([]models.ModelInfo, error)
	ListAPIKeys(ctx context.Context) ([]models.APIKey, error)
	ListRoutingRules(ctx context.Context) ([]models.RoutingRule, error)
	ListOrganizations(ctx context.Context) ([]models.Organization, error)
}

// Snapshot is an immutable, indexed copy of the catalog.
type Snapshot struct {
	Models        []models.ModelInfo
	APIKeys       []models.APIKey
	Rules         []models.RoutingRule
	Organizations []models.Organization
	LoadedAt      time.Time

	modelsByID map[string]int
	orgsByID   map[string]int
}

// NewSnapshot indexes the given records.
func NewSnapshot(ms []models.ModelInfo, keys []models.APIKey, rules []models.RoutingRule, orgs []models.Organization) *Snapshot {
	s := &Snapshot{
		Models:        ms,
		APIKeys:       keys,
		Rules:         rules,
		Organizations: orgs,
		LoadedAt:      time.Now(),
		modelsByID:    make(map[string]int, len(ms)),
		orgsByID:      make(map[string]int, len(orgs)),
	}
	for i, m := range ms {
		s.modelsByID[m.ID] = i
	}
	for i, o := range orgs {
		s.orgsByID[o.ID] = i
	}
	return s
}

// ActiveModels returns active models serving apiType. An empty apiType
// matches every model.
func (s *Snapshot) ActiveModels(_ context.Context, apiType models.APIType) ([]models.ModelInfo, error) {
	out := make([]models.ModelInfo, 0, len(s.Models))
	for _, m := range s.Models {
		if !m.Active {
			continue
		}
		if apiType != "" && m.APIType != apiType {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// GetModel looks a model up by catalog id.
func (s *Snapshot) GetModel(_ context.Context, id string) (*models.ModelInfo, bool, error) {
	i, ok := s.modelsByID[id]
	if !ok {
		return nil, false, nil
	}
	m := s.Models[i]
	return &m, true, nil
}

// KeysForProvider returns active keys for providerID: organization-owned
// keys of organizationID first, then platform keys.
func (s *Snapshot) KeysForProvider(_ context.Context, providerID, organizationID string) ([]models.APIKey, error) {
	var org, platform []models.APIKey
	for _, k := range s.APIKeys {
		if !k.Active || k.ProviderID != providerID {
			continue
		}
		switch {
		case k.OrganizationID == "":
			platform = append(platform, k)
		case organizationID != "" && k.OrganizationID == organizationID:
			org = append(org, k)
		}
	}
	return append(org, platform...), nil
}

// ActiveRules returns the active rules of organizationID plus system-wide
// rules for apiType. A rule without a model type applies to every type.
func (s *Snapshot) ActiveRules(_ context.Context, organizationID string, apiType models.APIType) ([]models.RoutingRule, error) {
	var out []models.RoutingRule
	for _, r := range s.Rules {
		if !r.Active {
			continue
		}
		if r.OrganizationID != "" && r.OrganizationID != organizationID {
			continue
		}
		if r.ModelType != "" && apiType != "" && r.ModelType != apiType {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// GetOrganization looks an organization up by id.
func (s *Snapshot) GetOrganization(_ context.Context, id string) (*models.Organization, bool, error) {
	i, ok := s.orgsByID[id]
	if !ok {
		return nil, false, nil
	}
	o := s.Organizations[i]
	return &o, true, nil
}

var _ Catalog = (*Snapshot)(nil)
