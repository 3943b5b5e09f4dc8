package catalog

import (
	"context"
	"fmt"
	"os"

	"github.com/irfndi/optiroute/internal/models"
	"gopkg.in/yaml.v3"
)

// staticFile is the on-disk layout of a static catalog.
type staticFile struct {
	Models        []models.ModelInfo    `yaml:"models"`
	APIKeys       []models.APIKey       `yaml:"api_keys"`
	Rules         []models.RoutingRule  `yaml:"routing_rules"`
	Organizations []models.Organization `yaml:"organizations"`
}

// StaticCatalog is a catalog read once from a YAML document. It backs
// development setups and tests.
type StaticCatalog struct {
	*Snapshot
}

// LoadStaticCatalog reads a YAML catalog from path.
func LoadStaticCatalog(path string) (*StaticCatalog, error) {
	// #nosec G304 - path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return ParseStaticCatalog(data)
}

// ParseStaticCatalog decodes a YAML catalog document.
func ParseStaticCatalog(data []byte) (*StaticCatalog, error) {
	var f staticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	seen := make(map[string]bool, len(f.Models))
	for _, m := range f.Models {
		if m.ID == "" || m.ProviderID == "" || m.ModelName == "" {
			return nil, fmt.Errorf("catalog model %q: id, provider_id and model_name are required", m.ID)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("catalog model %q declared twice", m.ID)
		}
		seen[m.ID] = true
	}
	for _, r := range f.Rules {
		for _, rm := range r.Models {
			if !seen[rm.ModelID] {
				return nil, fmt.Errorf("routing rule %q references unknown model %q", r.Name, rm.ModelID)
			}
		}
	}
	return &StaticCatalog{Snapshot: NewSnapshot(f.Models, f.APIKeys, f.Rules, f.Organizations)}, nil
}

func (c *StaticCatalog) ListModels(context.Context) ([]models.ModelInfo, error) {
	return c.Models, nil
}

func (c *StaticCatalog) ListAPIKeys(context.Context) ([]models.APIKey, error) {
	return c.APIKeys, nil
}

func (c *StaticCatalog) ListRoutingRules(context.Context) ([]models.RoutingRule, error) {
	return c.Rules, nil
}

func (c *StaticCatalog) ListOrganizations(context.Context) ([]models.Organization, error) {
	return c.Organizations, nil
}

var (
	_ Catalog = (*StaticCatalog)(nil)
	_ Source  = (*StaticCatalog)(nil)
)
