// Package provider defines the cloud provider client contract (spec §6.4)
// and a registry that caches one client per (provider_code, organization_id),
// generalized from the teacher's named volume-driver registry
// (pkg/volume.VolumeManager) to cloud compute providers.
package provider

import (
	"context"
	"fmt"
	"sync"
)

// CreateInstanceInput is the provider-create-instance request shape.
type CreateInstanceInput struct {
	Zone    string
	Type    string
	ImageID string
}

// Volume describes one provider-side volume as returned by ListAttachedVolumes.
type Volume struct {
	ProviderVolumeID string
	Name             string
	SizeBytes        int64
	IsBoot           bool
}

// Client is the per-cloud contract every provisioning/termination step calls
// through. All methods must be idempotent when called twice on the same
// provider object id (spec §6.4).
type Client interface {
	CreateInstance(ctx context.Context, in CreateInstanceInput) (providerInstanceID string, err error)
	StartInstance(ctx context.Context, providerInstanceID string) error
	StopInstance(ctx context.Context, providerInstanceID string) error
	TerminateInstance(ctx context.Context, providerInstanceID string) error
	CheckInstanceExists(ctx context.Context, providerInstanceID string) (bool, error)
	GetInstanceIP(ctx context.Context, providerInstanceID string) (string, error)
	EnsureInboundTCPPorts(ctx context.Context, providerInstanceID string, ports []int) error
	ListAttachedVolumes(ctx context.Context, providerInstanceID string) ([]Volume, error)
	CreateVolume(ctx context.Context, providerInstanceID string, sizeGB int) (Volume, error)
	AttachVolume(ctx context.Context, providerInstanceID, providerVolumeID string) error
	DeleteVolume(ctx context.Context, providerVolumeID string) error
	VolumeExists(ctx context.Context, providerVolumeID string) (bool, error)
	ResizeBlockStorage(ctx context.Context, providerVolumeID string, sizeGB int) error
}

// Credentials is the scoped configuration a Factory needs to build one Client.
type Credentials struct {
	ProviderCode   string
	OrganizationID string
	Settings       map[string]string // ProviderSettings rows for this (provider, organization)
}

// Factory constructs a Client from scoped credentials. Each supported cloud
// registers its own Factory under its provider code.
type Factory func(Credentials) (Client, error)

// ErrUnknownProvider is returned when no Factory is registered for a code.
type ErrUnknownProvider struct{ Code string }

func (e *ErrUnknownProvider) Error() string {
	return fmt.Sprintf("provider: no factory registered for code %q", e.Code)
}

// Registry caches Client instances per (provider_code, organization_id),
// building each one on its first Get. A cached client is rebuilt only after
// Invalidate drops it; nothing in this package or its callers listens for
// credential-change notifications.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	clients   map[string]Client
}

// NewRegistry constructs an empty Registry. Call Register for every supported
// cloud before first use.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		clients:   make(map[string]Client),
	}
}

// Register binds a provider code to the Factory that builds its Client.
func (r *Registry) Register(providerCode string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[providerCode] = factory
}

func cacheKey(providerCode, organizationID string) string {
	return providerCode + "/" + organizationID
}

// Get resolves the cached client for (providerCode, organizationID),
// building and caching it via the registered Factory on first use. It does
// not check creds.Settings itself; Resolver fails closed on missing
// credentials before calling Get.
func (r *Registry) Get(creds Credentials) (Client, error) {
	key := cacheKey(creds.ProviderCode, creds.OrganizationID)

	r.mu.RLock()
	if client, ok := r.clients[key]; ok {
		r.mu.RUnlock()
		return client, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[key]; ok {
		return client, nil
	}

	factory, ok := r.factories[creds.ProviderCode]
	if !ok {
		return nil, &ErrUnknownProvider{Code: creds.ProviderCode}
	}

	client, err := factory(creds)
	if err != nil {
		return nil, fmt.Errorf("building provider client for %s/%s: %w", creds.ProviderCode, creds.OrganizationID, err)
	}

	r.clients[key] = client
	return client, nil
}

// Invalidate drops the cached client for (providerCode, organizationID),
// forcing a rebuild on the next Get.
func (r *Registry) Invalidate(providerCode, organizationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, cacheKey(providerCode, organizationID))
}
