package provider

import (
	"context"
	"fmt"

	"github.com/cuemby/stratoforge/pkg/apierr"
	"github.com/cuemby/stratoforge/pkg/storage"
)

// defaultRequiredKeys is the settings key fetched when a provider code has
// no explicit RequireKeys call: a single JSON credential blob.
var defaultRequiredKeys = []string{"credentials_json"}

// Resolver loads scoped ProviderSettings from storage and hands them to a
// Registry. The settings are read on every Resolve, so a removed setting
// fails closed even when a client is cached; they only reach a Factory when
// the Registry has no cached client for the pair.
type Resolver struct {
	store        storage.Store
	registry     *Registry
	requiredKeys map[string][]string
}

// NewResolver builds a Resolver over the given store and registry. Callers
// must Register a Factory per supported provider code before calling
// Resolve.
func NewResolver(store storage.Store, registry *Registry) *Resolver {
	return &Resolver{store: store, registry: registry, requiredKeys: make(map[string][]string)}
}

// RequireKeys declares the ProviderSettings keys Resolve must load for a
// given provider code, e.g. RequireKeys("aws", "access_key_id", "secret_access_key").
func (r *Resolver) RequireKeys(providerCode string, keys ...string) {
	r.requiredKeys[providerCode] = keys
}

// Resolve returns the cached (or newly built) Client for (providerCode,
// organizationID), reading ProviderSettings from storage on every call.
// Fails closed with apierr.ErrCredentialsMissing when any required setting
// is absent for the organization.
func (r *Resolver) Resolve(ctx context.Context, providerCode, organizationID string) (Client, error) {
	keys, ok := r.requiredKeys[providerCode]
	if !ok {
		keys = defaultRequiredKeys
	}

	settings := make(map[string]string, len(keys))
	for _, key := range keys {
		row, err := r.store.GetProviderSetting(ctx, providerCode, key, organizationID)
		if err != nil {
			if err == storage.ErrNotFound {
				return nil, apierr.New(apierr.ErrCredentialsMissing, fmt.Sprintf("missing %s setting %q for organization", providerCode, key))
			}
			return nil, fmt.Errorf("loading provider setting %s/%s/%s: %w", providerCode, key, organizationID, err)
		}
		if row.ValueSecretEncrypted != nil {
			settings[key] = *row.ValueSecretEncrypted
		} else if row.ValueText != nil {
			settings[key] = *row.ValueText
		}
	}

	client, err := r.registry.Get(Credentials{
		ProviderCode:   providerCode,
		OrganizationID: organizationID,
		Settings:       settings,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// InvalidateOrganization forces a rebuild of (providerCode, organizationID)
// on its next Resolve. No code in this repository calls it outside tests.
func (r *Resolver) InvalidateOrganization(providerCode, organizationID string) {
	r.registry.Invalidate(providerCode, organizationID)
}
