package routing

import (
	"context"

	"github.com/irfndi/optiroute/internal/catalog"
	"github.com/irfndi/optiroute/internal/models"
	"github.com/irfndi/optiroute/internal/utils"
	"go.uber.org/zap"
)

// ResolvedKey is a usable credential for one provider.
type ResolvedKey struct {
	ID         string
	ProviderID string
	Source     models.KeySource
	Secret     string
}

// KeySelector picks the first usable key for a provider, preferring the
// organization's own keys over the platform pool. Stored secrets are
// decrypted when a SecretBox is configured.
type KeySelector struct {
	store  catalog.KeyStore
	box    *utils.SecretBox
	logger *zap.Logger
}

func NewKeySelector(store catalog.KeyStore, box *utils.SecretBox, logger *zap.Logger) *KeySelector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeySelector{store: store, box: box, logger: logger}
}

// Select returns the key to use, or found=false when the provider has none.
// Keys that are exhausted or fail to decrypt are skipped.
func (s *KeySelector) Select(ctx context.Context, providerID, organizationID string) (*ResolvedKey, bool, error) {
	keys, err := s.store.KeysForProvider(ctx, providerID, organizationID)
	if err != nil {
		return nil, false, err
	}
	for _, k := range keys {
		if !k.Usable() {
			continue
		}
		secret := k.Secret
		if s.box != nil {
			plain, err := s.box.Open(k.Secret)
			if err != nil {
				s.logger.Warn("Skipping API key that failed to decrypt",
					zap.String("key_id", k.ID),
					zap.String("provider", providerID),
					zap.Error(err),
				)
				continue
			}
			secret = plain
		}
		return &ResolvedKey{ID: k.ID, ProviderID: providerID, Source: k.Source(), Secret: secret}, true, nil
	}
	return nil, false, nil
}
