package routing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/stratoforge/pkg/scope"
	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/types"
)

type fakeResolveStore struct {
	storage.Store
	byID   map[string]*types.OrganizationModel
	byCode map[string]*types.OrganizationModel // key: "slug/code"
}

func (f *fakeResolveStore) GetOrganizationModelByID(ctx context.Context, id string) (*types.OrganizationModel, error) {
	m, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m, nil
}

func (f *fakeResolveStore) GetOrganizationModelByCode(ctx context.Context, orgSlug, code string) (*types.OrganizationModel, error) {
	m, ok := f.byCode[orgSlug+"/"+code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m, nil
}

func TestResolve_UUIDLooksUpOfferingByID(t *testing.T) {
	model := &types.OrganizationModel{ID: "11111111-1111-4111-8111-111111111111", OrganizationID: "org-1", HFModelID: "meta/Llama-2-7b", Visibility: types.VisibilityPublic, AccessPolicy: types.AccessPolicyFree}
	store := &fakeResolveStore{byID: map[string]*types.OrganizationModel{model.ID: model}}

	ws := scope.ForOrganization(&types.Organization{ID: "org-other"})
	resolved, err := Resolve(context.Background(), store, model.ID, ws)
	require.NoError(t, err)
	assert.Equal(t, "meta/Llama-2-7b", resolved.HFModelID)
	require.NotNil(t, resolved.OfferingID)
	assert.Equal(t, model.ID, *resolved.OfferingID)
}

func TestResolve_UUIDNotFound(t *testing.T) {
	store := &fakeResolveStore{byID: map[string]*types.OrganizationModel{}}
	ws := scope.ForOrganization(&types.Organization{ID: "org-other"})
	_, err := Resolve(context.Background(), store, "11111111-1111-4111-8111-111111111111", ws)
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestResolve_OfferingSlugForbiddenWhenSubscriptionRequired(t *testing.T) {
	model := &types.OrganizationModel{ID: "m1", OrganizationID: "org-owner", Code: "llama", HFModelID: "meta/Llama-2-7b", Visibility: types.VisibilityPublic, AccessPolicy: types.AccessPolicySubscriptionRequired}
	store := &fakeResolveStore{byCode: map[string]*types.OrganizationModel{"acme/llama": model}}

	ws := scope.ForOrganization(&types.Organization{ID: "org-other", SubscriptionPlan: types.SubscriptionPlanFree})
	_, err := Resolve(context.Background(), store, "acme/llama", ws)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestResolve_OfferingSlugAllowedForOwner(t *testing.T) {
	model := &types.OrganizationModel{ID: "m1", OrganizationID: "org-owner", Code: "llama", HFModelID: "meta/Llama-2-7b", Visibility: types.VisibilityPrivate, AccessPolicy: types.AccessPolicyRequestRequired}
	store := &fakeResolveStore{byCode: map[string]*types.OrganizationModel{"acme/llama": model}}

	ws := scope.ForOrganization(&types.Organization{ID: "org-owner"})
	resolved, err := Resolve(context.Background(), store, "acme/llama", ws)
	require.NoError(t, err)
	assert.Equal(t, "meta/Llama-2-7b", resolved.HFModelID)
}

func TestResolve_UnmatchedSlugFallsBackToRawHFID(t *testing.T) {
	store := &fakeResolveStore{byCode: map[string]*types.OrganizationModel{}}
	ws := scope.ForPersonalAccount(&types.User{})
	resolved, err := Resolve(context.Background(), store, "meta-llama/Llama-2-7b", ws)
	require.NoError(t, err)
	assert.Equal(t, "meta-llama/Llama-2-7b", resolved.HFModelID)
	assert.Nil(t, resolved.OfferingID)
}

func TestResolve_RawHFIDWithoutSlash(t *testing.T) {
	store := &fakeResolveStore{}
	ws := scope.ForPersonalAccount(&types.User{})
	resolved, err := Resolve(context.Background(), store, "gpt2", ws)
	require.NoError(t, err)
	assert.Equal(t, "gpt2", resolved.HFModelID)
}
