package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/stratoforge/pkg/apierr"
	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/types"
)

func TestRegistry_GetCachesPerProviderAndOrganization(t *testing.T) {
	registry := NewRegistry()
	builds := 0
	registry.Register("mock", func(Credentials) (Client, error) {
		builds++
		return NewMockProvider(0), nil
	})

	c1, err := registry.Get(Credentials{ProviderCode: "mock", OrganizationID: "org-a"})
	require.NoError(t, err)
	c2, err := registry.Get(Credentials{ProviderCode: "mock", OrganizationID: "org-a"})
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, builds)

	_, err = registry.Get(Credentials{ProviderCode: "mock", OrganizationID: "org-b"})
	require.NoError(t, err)
	assert.Equal(t, 2, builds)
}

func TestRegistry_Invalidate(t *testing.T) {
	registry := NewRegistry()
	builds := 0
	registry.Register("mock", func(Credentials) (Client, error) {
		builds++
		return NewMockProvider(0), nil
	})

	_, _ = registry.Get(Credentials{ProviderCode: "mock", OrganizationID: "org-a"})
	registry.Invalidate("mock", "org-a")
	_, _ = registry.Get(Credentials{ProviderCode: "mock", OrganizationID: "org-a"})
	assert.Equal(t, 2, builds)
}

func TestRegistry_UnknownProvider(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Get(Credentials{ProviderCode: "nope", OrganizationID: "org-a"})
	var unknown *ErrUnknownProvider
	assert.ErrorAs(t, err, &unknown)
}

func TestMockProvider_CreateStartTerminateLifecycle(t *testing.T) {
	mp := NewMockProvider(0)
	ctx := context.Background()

	id, err := mp.CreateInstance(ctx, CreateInstanceInput{Zone: "z1", Type: "gpu.small", ImageID: "img"})
	require.NoError(t, err)

	exists, err := mp.CheckInstanceExists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, mp.StartInstance(ctx, id))
	ip, err := mp.GetInstanceIP(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, ip)

	require.NoError(t, mp.EnsureInboundTCPPorts(ctx, id, []int{22, 8000}))

	vol, err := mp.CreateVolume(ctx, id, 100)
	require.NoError(t, err)
	require.NoError(t, mp.AttachVolume(ctx, id, vol.ProviderVolumeID))

	attached, err := mp.ListAttachedVolumes(ctx, id)
	require.NoError(t, err)
	require.Len(t, attached, 1)
	assert.Equal(t, int64(100)<<30, attached[0].SizeBytes)

	require.NoError(t, mp.ResizeBlockStorage(ctx, vol.ProviderVolumeID, 200))
	require.NoError(t, mp.DeleteVolume(ctx, vol.ProviderVolumeID))

	require.NoError(t, mp.TerminateInstance(ctx, id))
	exists, err = mp.CheckInstanceExists(ctx, id)
	require.NoError(t, err)
	assert.False(t, exists)
}

type fakeProviderStore struct {
	storage.Store
	settings map[string]*types.ProviderSettings
}

func (f *fakeProviderStore) GetProviderSetting(ctx context.Context, providerID, key, organizationID string) (*types.ProviderSettings, error) {
	row, ok := f.settings[providerID+"/"+key+"/"+organizationID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return row, nil
}

func TestResolver_ResolveBuildsClientFromSettings(t *testing.T) {
	value := "secret-value"
	store := &fakeProviderStore{settings: map[string]*types.ProviderSettings{
		"mock/credentials_json/org-a": {ProviderID: "mock", Key: "credentials_json", OrganizationID: "org-a", ValueText: &value},
	}}
	registry := NewRegistry()
	var captured Credentials
	registry.Register("mock", func(c Credentials) (Client, error) {
		captured = c
		return NewMockProvider(0), nil
	})

	resolver := NewResolver(store, registry)
	client, err := resolver.Resolve(context.Background(), "mock", "org-a")
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.Equal(t, "secret-value", captured.Settings["credentials_json"])
}

func TestResolver_FailsClosedWhenSettingMissing(t *testing.T) {
	store := &fakeProviderStore{settings: map[string]*types.ProviderSettings{}}
	registry := NewRegistry()
	registry.Register("mock", func(Credentials) (Client, error) { return NewMockProvider(0), nil })

	resolver := NewResolver(store, registry)
	_, err := resolver.Resolve(context.Background(), "mock", "org-a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrCredentialsMissing))
}
