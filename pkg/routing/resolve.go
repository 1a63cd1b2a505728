package routing

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/cuemby/stratoforge/pkg/scope"
	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/types"
)

// ErrModelNotFound is returned when request_model is a UUID that names no
// offering, or names an offering the workspace may not see. An org/code
// identifier that matches no offering is not an error: it is treated as a
// raw HuggingFace id.
var ErrModelNotFound = errors.New("routing: model not found")

// ErrForbidden is returned when an offering exists and is visible but the
// caller's workspace does not satisfy its access policy.
var ErrForbidden = errors.New("routing: workspace not permitted to use this offering")

// ResolvedModel is the output of step 1: a canonical hf_model_id to match
// candidates against, plus the offering it came from, if any.
type ResolvedModel struct {
	HFModelID     string
	OfferingID    *string
	ProviderOrgID *string // owning org of the offering; nil for a raw HF id
}

// Resolve implements §4.10 step 1. request_model may be a UUID (an
// organization_models.id), an org_slug/model_code offering identifier, or a
// raw HuggingFace repo id.
func Resolve(ctx context.Context, store storage.Store, requestModel string, ws scope.Workspace) (*ResolvedModel, error) {
	if _, err := uuid.Parse(requestModel); err == nil {
		model, err := store.GetOrganizationModelByID(ctx, requestModel)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrModelNotFound
		}
		if err != nil {
			return nil, err
		}
		return resolveOffering(model, ws)
	}

	if orgSlug, code, ok := splitOfferingSlug(requestModel); ok {
		model, err := store.GetOrganizationModelByCode(ctx, orgSlug, code)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// Raw HuggingFace ids are themselves "org/name" shaped (e.g.
			// meta-llama/Llama-2-7b), so a miss here isn't necessarily a
			// bad identifier — fall through and treat it as one.
		case err != nil:
			return nil, err
		default:
			return resolveOffering(model, ws)
		}
	}

	return &ResolvedModel{HFModelID: requestModel}, nil
}

func resolveOffering(model *types.OrganizationModel, ws scope.Workspace) (*ResolvedModel, error) {
	if err := scope.CheckAccessPolicy(model, ws); err != nil {
		if errors.Is(err, scope.ErrNotVisible) {
			return nil, ErrModelNotFound
		}
		return nil, ErrForbidden
	}
	orgID := model.OrganizationID
	return &ResolvedModel{HFModelID: model.HFModelID, OfferingID: &model.ID, ProviderOrgID: &orgID}, nil
}

// splitOfferingSlug reports whether s looks like an org_slug/model_code
// identifier: exactly one '/' with non-empty segments on both sides. A raw
// HuggingFace repo id also takes this shape (e.g. "meta-llama/Llama-2-7b"),
// so callers that don't resolve to a real offering fall through to treating
// it as an HF id via GetOrganizationModelByCode returning ErrNotFound.
func splitOfferingSlug(s string) (orgSlug, code string, ok bool) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || strings.Contains(parts[1], "/") {
		return "", "", false
	}
	return parts[0], parts[1], true
}
