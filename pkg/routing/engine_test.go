package routing

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/stratoforge/pkg/scope"
	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/types"
)

type fakeEngineStore struct {
	storage.Store
	candidates  []*types.Instance
	usageIncrCh chan types.RequestUsage
	usageRows   []types.RequestUsage
}

func (f *fakeEngineStore) ListReadyCandidates(ctx context.Context, hfModelID string, staleThreshold time.Duration) ([]*types.Instance, error) {
	return f.candidates, nil
}

func (f *fakeEngineStore) GetOrganizationModelByCode(ctx context.Context, orgSlug, code string) (*types.OrganizationModel, error) {
	return nil, storage.ErrNotFound
}

func (f *fakeEngineStore) IncrInstanceRequestMetrics(ctx context.Context, usage types.RequestUsage) error {
	if f.usageIncrCh != nil {
		f.usageIncrCh <- usage
	}
	return nil
}

func (f *fakeEngineStore) InsertInferenceUsage(ctx context.Context, usage types.RequestUsage) error {
	f.usageRows = append(f.usageRows, usage)
	return nil
}

func instanceForServer(t *testing.T, id string, srv *httptest.Server) *types.Instance {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	tech, eco := "admin-1", "owner-1"
	return &types.Instance{
		ID: id, OrganizationID: "org-owner", Status: types.InstanceStatusReady,
		IPAddress: &host, WorkerVLLMPort: &port, CreatedAt: time.Now(),
		TechActivatedBy: &tech, EcoActivatedBy: &eco,
	}
}

func personalWorkspace() scope.Workspace {
	return scope.ForPersonalAccount(&types.User{AccountPlan: types.SubscriptionPlanSubscriber})
}

func TestRouteAndProxy_SuccessCapturesUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"choices":[],"usage":{"prompt_tokens":4,"completion_tokens":6,"total_tokens":10}}`))
	}))
	defer upstream.Close()

	store := &fakeEngineStore{
		candidates:  []*types.Instance{instanceForServer(t, "inst-1", upstream)},
		usageIncrCh: make(chan types.RequestUsage, 1),
	}
	engine := NewEngine(store, Config{})

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	engine.RouteAndProxy(w, r, "meta/Llama-2-7b", "", "chat/completions", personalWorkspace(), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "total_tokens")

	select {
	case usage := <-store.usageIncrCh:
		assert.Equal(t, int64(10), usage.TotalTokens)
		assert.Equal(t, "org-owner", usage.ProviderOrgID)
	case <-time.After(time.Second):
		t.Fatal("usage was not recorded")
	}
}

func TestRouteAndProxy_RetriesOnRetryableUpstreamStatus(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer healthy.Close()

	bad := instanceForServer(t, "inst-bad", failing)
	bad.WorkerQueueDepth = intp(0)
	good := instanceForServer(t, "inst-good", healthy)
	good.WorkerQueueDepth = intp(0)

	store := &fakeEngineStore{candidates: []*types.Instance{bad, good}}
	engine := NewEngine(store, Config{RetryBudget: 2})

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	engine.RouteAndProxy(w, r, "meta/Llama-2-7b", "", "chat/completions", personalWorkspace(), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "choices")
	assert.False(t, engine.strikes.InCooldown("inst-bad"), "one strike alone shouldn't trigger cooldown yet")
}

func TestRouteAndProxy_RetryReplaysFullBodyToEachCandidate(t *testing.T) {
	var failingBody, healthyBody []byte
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		failingBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthyBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer healthy.Close()

	bad := instanceForServer(t, "inst-bad", failing)
	bad.WorkerQueueDepth = intp(0)
	good := instanceForServer(t, "inst-good", healthy)
	good.WorkerQueueDepth = intp(0)

	store := &fakeEngineStore{candidates: []*types.Instance{bad, good}}
	engine := NewEngine(store, Config{RetryBudget: 2})

	const payload = `{"model":"meta/Llama-2-7b","messages":[{"role":"user","content":"hi"}]}`
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(payload))
	w := httptest.NewRecorder()
	engine.RouteAndProxy(w, r, "meta/Llama-2-7b", "", "chat/completions", personalWorkspace(), nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, payload, string(failingBody), "first candidate must see the full body, not a drained one")
	assert.Equal(t, payload, string(healthyBody), "retried candidate must see the same full body as the first attempt")
}

func TestRouteAndProxy_NoReadyWorkerWhenCandidatesEmpty(t *testing.T) {
	store := &fakeEngineStore{candidates: nil}
	engine := NewEngine(store, Config{})

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	engine.RouteAndProxy(w, r, "meta/Llama-2-7b", "", "chat/completions", personalWorkspace(), nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "no_ready_worker")
}

func TestRouteAndProxy_ExcludesNonOperationalInstances(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	notOperational := instanceForServer(t, "inst-1", upstream)
	notOperational.EcoActivatedBy = nil

	store := &fakeEngineStore{candidates: []*types.Instance{notOperational}}
	engine := NewEngine(store, Config{})

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	engine.RouteAndProxy(w, r, "meta/Llama-2-7b", "", "chat/completions", personalWorkspace(), nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
