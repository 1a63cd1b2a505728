package provisioning

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/stratoforge/pkg/bus"
	"github.com/cuemby/stratoforge/pkg/provider"
	"github.com/cuemby/stratoforge/pkg/statemachine"
	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/types"
)

// fakeDialer satisfies the provisioning package's dialer interface without
// touching the network, standing in for a reachable worker's SSH port.
type fakeDialer struct{}

func (fakeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, server := net.Pipe()
	go server.Close()
	return client, nil
}

type fakeStore struct {
	storage.Store
	instance        *types.Instance
	instanceType    *types.InstanceType
	providerRow     *types.Provider
	providerSettings map[string]*types.ProviderSettings
	volumes         []*types.InstanceVolume
	actionLogs      []*types.ActionLog
	transitions     []storage.TransitionInput
	workerUpdates   []storage.WorkerFieldsUpdate
}

func (f *fakeStore) GetInstance(ctx context.Context, id string) (*types.Instance, error) {
	return f.instance, nil
}

func (f *fakeStore) GetProvider(ctx context.Context, id string) (*types.Provider, error) {
	return f.providerRow, nil
}

func (f *fakeStore) GetInstanceType(ctx context.Context, id string) (*types.InstanceType, error) {
	return f.instanceType, nil
}

func (f *fakeStore) GetProviderSetting(ctx context.Context, providerID, key, organizationID string) (*types.ProviderSettings, error) {
	row, ok := f.providerSettings[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return row, nil
}

func (f *fakeStore) UpdateWorkerFields(ctx context.Context, u storage.WorkerFieldsUpdate) error {
	f.workerUpdates = append(f.workerUpdates, u)
	return nil
}

func (f *fakeStore) UpsertVolume(ctx context.Context, v *types.InstanceVolume) error {
	f.volumes = append(f.volumes, v)
	return nil
}

func (f *fakeStore) ListVolumesByInstance(ctx context.Context, instanceID string) ([]*types.InstanceVolume, error) {
	return f.volumes, nil
}

func (f *fakeStore) MarkVolumeStatus(ctx context.Context, volumeID string, status types.VolumeStatus) error {
	return nil
}

func (f *fakeStore) InsertActionLog(ctx context.Context, entry *types.ActionLog) error {
	f.actionLogs = append(f.actionLogs, entry)
	return nil
}

func (f *fakeStore) TransitionInstance(ctx context.Context, input storage.TransitionInput) error {
	f.transitions = append(f.transitions, input)
	f.instance.Status = input.To
	return nil
}

func newFakeStore(computeCapability float64) *fakeStore {
	return &fakeStore{
		instance: &types.Instance{
			ID:             "inst-1",
			ProviderID:     "prov-1",
			InstanceTypeID: "type-1",
			OrganizationID: "org-1",
			Status:         types.InstanceStatusProvisioning,
			CreatedAt:      time.Now().UTC(),
		},
		instanceType: &types.InstanceType{
			ID:                "type-1",
			Code:              "gpu.small",
			ComputeCapability: computeCapability,
		},
		providerRow:      &types.Provider{ID: "prov-1", Code: "mock", Name: "Mock Cloud"},
		providerSettings: map[string]*types.ProviderSettings{"credentials_json": {Key: "credentials_json"}},
	}
}

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return bus.New(client)
}

func newPipeline(t *testing.T, store *fakeStore) *Pipeline {
	t.Helper()
	registry := provider.NewRegistry()
	registry.Register("mock", provider.NewMockFactory())
	resolver := provider.NewResolver(store, registry)

	fsm := statemachine.New(store)
	b := newTestBus(t)

	pipeline := New(store, fsm, b, resolver, Config{
		StepRetries:          2,
		ProvisioningDeadline: time.Hour,
		SSHDeadline:          time.Second,
		DefaultDataVolumeGB:  100,
		BuiltinVLLMImage:     "stratoforge/vllm:stable",
	})
	pipeline.dialer = fakeDialer{}
	return pipeline
}

func TestRun_HappyPathTransitionsToBooting(t *testing.T) {
	store := newFakeStore(8.0)
	pipeline := newPipeline(t, store)

	payload, err := json.Marshal(bus.ProvisionPayload{
		InstanceID:       "inst-1",
		ZoneCode:         "zone-a",
		InstanceTypeCode: "gpu.small",
		ModelID:          "meta/Llama-2-7B",
	})
	require.NoError(t, err)

	err = pipeline.Run(context.Background(), "inst-1", payload, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusBooting, store.instance.Status)
	assert.NotEmpty(t, store.actionLogs)

	var sawProviderCreate bool
	for _, al := range store.actionLogs {
		if al.ActionType == "PROVIDER_CREATE" {
			sawProviderCreate = true
		}
	}
	assert.True(t, sawProviderCreate)
}

func TestRun_NoOpWhenAlreadyPastProvisioning(t *testing.T) {
	store := newFakeStore(8.0)
	store.instance.Status = types.InstanceStatusBooting
	pipeline := newPipeline(t, store)

	payload, _ := json.Marshal(bus.ProvisionPayload{InstanceID: "inst-1", ZoneCode: "z", InstanceTypeCode: "gpu.small", ModelID: "m"})
	err := pipeline.Run(context.Background(), "inst-1", payload, "corr-1")
	require.NoError(t, err)
	assert.Empty(t, store.transitions)
}

func TestRun_IncompatibleGPUImageRefusesWithoutOverride(t *testing.T) {
	store := newFakeStore(5.0) // below the 7.0 floor, no override configured
	pipeline := newPipeline(t, store)

	payload, _ := json.Marshal(bus.ProvisionPayload{InstanceID: "inst-1", ZoneCode: "z", InstanceTypeCode: "gpu.small", ModelID: "m"})
	err := pipeline.Run(context.Background(), "inst-1", payload, "corr-1")
	require.Error(t, err)
	assert.Equal(t, types.InstanceStatusProvisioningFailed, store.instance.Status)
	require.Len(t, store.transitions, 1)
	assert.Equal(t, "INCOMPATIBLE_GPU_IMAGE", store.transitions[0].Reason)
}

func TestRun_SkipsWorkerInstallWhenNoSSHKeyConfigured(t *testing.T) {
	store := newFakeStore(8.0)
	pipeline := newPipeline(t, store)

	payload, _ := json.Marshal(bus.ProvisionPayload{InstanceID: "inst-1", ZoneCode: "z", InstanceTypeCode: "gpu.small", ModelID: "m"})
	err := pipeline.Run(context.Background(), "inst-1", payload, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusBooting, store.instance.Status)

	var sawInstallStep bool
	for _, al := range store.actionLogs {
		if al.ActionType == "WORKER_SSH_INSTALL" {
			sawInstallStep = true
		}
	}
	assert.True(t, sawInstallStep, "WORKER_SSH_INSTALL should still run (and no-op) with no key configured")
}

func TestRun_WorkerInstallFailsProvisioningOnUnparsableKey(t *testing.T) {
	store := newFakeStore(8.0)
	badKey := "not a valid private key"
	store.providerSettings["WORKER_SSH_PRIVATE_KEY"] = &types.ProviderSettings{ValueText: &badKey}
	pipeline := newPipeline(t, store)

	payload, _ := json.Marshal(bus.ProvisionPayload{InstanceID: "inst-1", ZoneCode: "z", InstanceTypeCode: "gpu.small", ModelID: "m"})
	err := pipeline.Run(context.Background(), "inst-1", payload, "corr-1")
	require.Error(t, err)
	assert.Equal(t, types.InstanceStatusProvisioningFailed, store.instance.Status)
	require.NotEmpty(t, store.transitions)
	assert.Equal(t, "WORKER_INSTALL_FAILED", store.transitions[len(store.transitions)-1].Reason)
}

func TestRun_IncompatibleGPUImageProceedsWithExplicitOverride(t *testing.T) {
	store := newFakeStore(5.0)
	overrideImage := "custom/legacy-image:1"
	store.providerSettings["WORKER_VLLM_IMAGE"] = &types.ProviderSettings{ValueText: &overrideImage}
	pipeline := newPipeline(t, store)

	payload, _ := json.Marshal(bus.ProvisionPayload{InstanceID: "inst-1", ZoneCode: "z", InstanceTypeCode: "gpu.small", ModelID: "m"})
	err := pipeline.Run(context.Background(), "inst-1", payload, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusBooting, store.instance.Status)
}

func TestRun_ResumeReusesExistingProviderInstanceIDWithoutRecreating(t *testing.T) {
	store := newFakeStore(8.0)

	mockClient := provider.NewMockProvider(0)
	existingID, err := mockClient.CreateInstance(context.Background(), provider.CreateInstanceInput{Zone: "z", Type: "gpu.small", ImageID: "img"})
	require.NoError(t, err)
	store.instance.ProviderInstanceID = &existingID

	registry := provider.NewRegistry()
	registry.Register("mock", func(provider.Credentials) (provider.Client, error) { return mockClient, nil })
	resolver := provider.NewResolver(store, registry)
	fsm := statemachine.New(store)
	b := newTestBus(t)
	pipeline := New(store, fsm, b, resolver, Config{
		StepRetries:          2,
		ProvisioningDeadline: time.Hour,
		SSHDeadline:          time.Second,
		DefaultDataVolumeGB:  100,
		BuiltinVLLMImage:     "stratoforge/vllm:stable",
	})
	pipeline.dialer = fakeDialer{}

	payload, _ := json.Marshal(bus.ProvisionPayload{InstanceID: "inst-1", ZoneCode: "z", InstanceTypeCode: "gpu.small", ModelID: "m"})
	err = pipeline.Run(context.Background(), "inst-1", payload, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusBooting, store.instance.Status)

	for _, u := range store.workerUpdates {
		assert.Nil(t, u.ProviderInstanceID, "resuming must not re-persist provider_instance_id from a fresh PROVIDER_CREATE")
	}
}

func TestRun_ResumeSkipsRecreatingAlreadyTrackedDataVolume(t *testing.T) {
	store := newFakeStore(8.0)
	store.volumes = append(store.volumes, &types.InstanceVolume{
		InstanceID: "inst-1",
		VolumeType: "data",
		IsBoot:     false,
		SizeBytes:  400 << 30,
	})
	pipeline := newPipeline(t, store)

	initialVolumeCount := len(store.volumes)

	payload, _ := json.Marshal(bus.ProvisionPayload{InstanceID: "inst-1", ZoneCode: "z", InstanceTypeCode: "gpu.small", ModelID: "m"})
	err := pipeline.Run(context.Background(), "inst-1", payload, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStatusBooting, store.instance.Status)
	assert.Len(t, store.volumes, initialVolumeCount, "a data volume already tracked must not be created a second time")
}

func TestResolveMinBootVolumeGB_AllocationParamsOverride(t *testing.T) {
	store := newFakeStore(8.0)
	pipeline := newPipeline(t, store)
	instanceType := &types.InstanceType{AllocationParams: json.RawMessage(`{"min_boot_volume_gb": 250}`)}

	gb, err := pipeline.resolveMinBootVolumeGB(context.Background(), "mock", "org-1", instanceType, "gpu.small")
	require.NoError(t, err)
	assert.Equal(t, 250, gb)
}

func TestResolveMinBootVolumeGB_ProviderSettingOverride(t *testing.T) {
	store := newFakeStore(8.0)
	val := "300"
	store.providerSettings["WORKER_MIN_BOOT_VOLUME_GB"] = &types.ProviderSettings{ValueText: &val}
	pipeline := newPipeline(t, store)

	gb, err := pipeline.resolveMinBootVolumeGB(context.Background(), "mock", "org-1", &types.InstanceType{}, "gpu.small")
	require.NoError(t, err)
	assert.Equal(t, 300, gb)
}

func TestResolveMinBootVolumeGB_NoPolicyConfiguredReturnsZero(t *testing.T) {
	store := newFakeStore(8.0)
	pipeline := newPipeline(t, store)

	gb, err := pipeline.resolveMinBootVolumeGB(context.Background(), "mock", "org-1", &types.InstanceType{}, "gpu.small")
	require.NoError(t, err)
	assert.Zero(t, gb)
}

func TestResizeBootVolumeIfNeeded_SkipsWhenAlreadyLargeEnough(t *testing.T) {
	store := newFakeStore(8.0)
	pipeline := newPipeline(t, store)
	client := provider.NewMockProvider(0)
	providerInstanceID, err := client.CreateInstance(context.Background(), provider.CreateInstanceInput{Zone: "z", Type: "gpu.small", ImageID: "img"})
	require.NoError(t, err)
	vol, err := client.CreateVolume(context.Background(), providerInstanceID, 200)
	require.NoError(t, err)
	bootVolume := &types.InstanceVolume{ID: "vol-1", ProviderVolumeID: vol.ProviderVolumeID, SizeBytes: vol.SizeBytes}

	err = pipeline.resizeBootVolumeIfNeeded(context.Background(), client, providerInstanceID, bootVolume, 100)
	require.NoError(t, err)
}

func TestResizeBootVolumeIfNeeded_ResizesWhenTooSmall(t *testing.T) {
	store := newFakeStore(8.0)
	pipeline := newPipeline(t, store)
	client := provider.NewMockProvider(0)
	providerInstanceID, err := client.CreateInstance(context.Background(), provider.CreateInstanceInput{Zone: "z", Type: "gpu.small", ImageID: "img"})
	require.NoError(t, err)
	vol, err := client.CreateVolume(context.Background(), providerInstanceID, 50)
	require.NoError(t, err)
	bootVolume := &types.InstanceVolume{ID: "vol-1", ProviderVolumeID: vol.ProviderVolumeID, SizeBytes: vol.SizeBytes}

	err = pipeline.resizeBootVolumeIfNeeded(context.Background(), client, providerInstanceID, bootVolume, 100)
	require.NoError(t, err)

	exists, err := client.VolumeExists(context.Background(), vol.ProviderVolumeID)
	require.NoError(t, err)
	assert.True(t, exists)
}
