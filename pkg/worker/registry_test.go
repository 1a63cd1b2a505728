package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/types"
)

type fakeStore struct {
	storage.Store
	instance        *types.Instance
	token           *types.WorkerAuthToken
	workerUpdates   []storage.WorkerFieldsUpdate
	gpuSamples      []*types.GPUSample
	systemSamples   []*types.SystemSample
	upsertedTokens  []*types.WorkerAuthToken
}

func (f *fakeStore) GetInstance(ctx context.Context, id string) (*types.Instance, error) {
	return f.instance, nil
}

func (f *fakeStore) UpdateWorkerFields(ctx context.Context, u storage.WorkerFieldsUpdate) error {
	f.workerUpdates = append(f.workerUpdates, u)
	return nil
}

func (f *fakeStore) GetWorkerAuthToken(ctx context.Context, instanceID string) (*types.WorkerAuthToken, error) {
	if f.token == nil {
		return nil, storage.ErrNotFound
	}
	return f.token, nil
}

func (f *fakeStore) UpsertWorkerAuthToken(ctx context.Context, t *types.WorkerAuthToken) error {
	f.upsertedTokens = append(f.upsertedTokens, t)
	f.token = t
	return nil
}

func (f *fakeStore) InsertGPUSample(ctx context.Context, sample *types.GPUSample) error {
	f.gpuSamples = append(f.gpuSamples, sample)
	return nil
}

func (f *fakeStore) InsertSystemSample(ctx context.Context, sample *types.SystemSample) error {
	f.systemSamples = append(f.systemSamples, sample)
	return nil
}

func TestRegister_BootstrapsTokenOnFirstCall(t *testing.T) {
	ip := "10.0.0.5"
	store := &fakeStore{instance: &types.Instance{ID: "11111111-1111-4111-8111-111111111111", IPAddress: &ip}}
	reg := NewRegistry(store, Config{})

	resp, err := reg.Register(context.Background(), RegisterRequest{
		InstanceID: "11111111-1111-4111-8111-111111111111", WorkerID: "worker-1", ModelID: "meta/Llama-2-7B",
		VLLMPort: 8000, HealthPort: 8001, IPAddress: "10.1.0.2",
	}, "", "10.0.0.5")

	require.NoError(t, err)
	assert.NotEmpty(t, resp.Token)
	require.Len(t, store.upsertedTokens, 1)
	assert.NotEqual(t, resp.Token, store.upsertedTokens[0].TokenHash)
	require.Len(t, store.workerUpdates, 1)
	assert.Equal(t, "worker-1", *store.workerUpdates[0].WorkerID)
}

func TestRegister_RejectsIPMismatch(t *testing.T) {
	ip := "10.0.0.5"
	store := &fakeStore{instance: &types.Instance{ID: "11111111-1111-4111-8111-111111111111", IPAddress: &ip}}
	reg := NewRegistry(store, Config{})

	_, err := reg.Register(context.Background(), RegisterRequest{
		InstanceID: "11111111-1111-4111-8111-111111111111", WorkerID: "worker-1", ModelID: "meta/Llama-2-7B",
		VLLMPort: 8000, HealthPort: 8001, IPAddress: "10.1.0.2",
	}, "", "203.0.113.9")

	assert.ErrorIs(t, err, ErrIPMismatch)
}

func TestRegister_RequiresValidBearerOnSubsequentCall(t *testing.T) {
	ip := "10.0.0.5"
	store := &fakeStore{
		instance: &types.Instance{ID: "11111111-1111-4111-8111-111111111111", IPAddress: &ip},
		token:    &types.WorkerAuthToken{InstanceID: "11111111-1111-4111-8111-111111111111", TokenHash: hashToken("wk_existing")},
	}
	reg := NewRegistry(store, Config{})

	_, err := reg.Register(context.Background(), RegisterRequest{
		InstanceID: "11111111-1111-4111-8111-111111111111", WorkerID: "worker-1", ModelID: "meta/Llama-2-7B",
		VLLMPort: 8000, HealthPort: 8001, IPAddress: "10.1.0.2",
	}, "wk_wrong", "10.0.0.5")
	assert.ErrorIs(t, err, ErrUnauthorized)

	resp, err := reg.Register(context.Background(), RegisterRequest{
		InstanceID: "11111111-1111-4111-8111-111111111111", WorkerID: "worker-1", ModelID: "meta/Llama-2-7B",
		VLLMPort: 8000, HealthPort: 8001, IPAddress: "10.1.0.2",
	}, "wk_existing", "10.0.0.5")
	require.NoError(t, err)
	assert.Empty(t, resp.Token)
}

func TestHeartbeat_ClampsOutOfRangeReadingsAndInsertsSamples(t *testing.T) {
	store := &fakeStore{
		token: &types.WorkerAuthToken{InstanceID: "11111111-1111-4111-8111-111111111111", TokenHash: hashToken("wk_existing")},
	}
	reg := NewRegistry(store, Config{})

	result, err := reg.Heartbeat(context.Background(), HeartbeatRequest{
		InstanceID: "11111111-1111-4111-8111-111111111111", WorkerID: "worker-1", Status: types.WorkerStatusReady,
		QueueDepth: 0, GPUUtilization: 120.0,
		GPUs: []GPUReading{{Index: 0, Utilization: 120.0, TempC: -51, VRAMUsed: 20, VRAMTotal: 16}},
		System: SystemReading{CPUUsagePct: 150, MemUsed: -5, MemTotal: 100, DiskUsed: 10, DiskTotal: 50},
	}, "wk_existing")

	require.NoError(t, err)
	assert.False(t, result.Dropped)
	require.Len(t, store.workerUpdates, 1)
	assert.Equal(t, 100.0, *store.workerUpdates[0].WorkerGPUUtilization)
	require.Len(t, store.gpuSamples, 1)
	assert.Equal(t, float64(-50), *store.gpuSamples[0].TempC)
	assert.Equal(t, int64(16), *store.gpuSamples[0].VRAMUsed)
	require.Len(t, store.systemSamples, 1)
	assert.Equal(t, int64(0), *store.systemSamples[0].MemUsed)
}

func TestHeartbeat_RateLimitsSubsequentCalls(t *testing.T) {
	store := &fakeStore{
		token: &types.WorkerAuthToken{InstanceID: "11111111-1111-4111-8111-111111111111", TokenHash: hashToken("wk_existing")},
	}
	reg := NewRegistry(store, Config{HeartbeatMinInterval: time.Hour})

	req := HeartbeatRequest{InstanceID: "11111111-1111-4111-8111-111111111111", WorkerID: "worker-1", Status: types.WorkerStatusReady, System: SystemReading{MemTotal: 1, DiskTotal: 1}}

	first, err := reg.Heartbeat(context.Background(), req, "wk_existing")
	require.NoError(t, err)
	assert.False(t, first.Dropped)

	second, err := reg.Heartbeat(context.Background(), req, "wk_existing")
	require.NoError(t, err)
	assert.True(t, second.Dropped)
	assert.Len(t, store.workerUpdates, 1)
}

func TestHeartbeat_RejectsMissingBearer(t *testing.T) {
	store := &fakeStore{token: &types.WorkerAuthToken{InstanceID: "11111111-1111-4111-8111-111111111111", TokenHash: hashToken("wk_existing")}}
	reg := NewRegistry(store, Config{})

	_, err := reg.Heartbeat(context.Background(), HeartbeatRequest{
		InstanceID: "11111111-1111-4111-8111-111111111111", WorkerID: "worker-1", Status: types.WorkerStatusReady,
		System: SystemReading{MemTotal: 1, DiskTotal: 1},
	}, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
