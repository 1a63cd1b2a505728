package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockProvider simulates a cloud compute provider for tests and local dev.
// Every call takes effect immediately; nothing is simulated as a function of
// elapsed time.
type MockProvider struct {
	mu        sync.Mutex
	instances map[string]*mockInstance
	volumes   map[string]*mockVolume
	bootDelay time.Duration
}

type mockInstance struct {
	createdAt time.Time
	ip        string
	ports     []int
}

type mockVolume struct {
	sizeGB   int
	attached bool
}

// NewMockFactory returns a Factory producing MockProvider clients, registered
// under the "mock" provider code.
func NewMockFactory() Factory {
	return func(Credentials) (Client, error) {
		return NewMockProvider(0), nil
	}
}

// NewMockProvider constructs a MockProvider. bootDelay is stored but no
// method reads it: instances are runnable as soon as they are created.
func NewMockProvider(bootDelay time.Duration) *MockProvider {
	return &MockProvider{
		instances: make(map[string]*mockInstance),
		volumes:   make(map[string]*mockVolume),
		bootDelay: bootDelay,
	}
}

func (m *MockProvider) CreateInstance(ctx context.Context, in CreateInstanceInput) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := "mock-" + uuid.NewString()
	m.instances[id] = &mockInstance{
		createdAt: time.Now(),
		ip:        "10.88.0.1",
	}
	return id, nil
}

func (m *MockProvider) StartInstance(ctx context.Context, providerInstanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[providerInstanceID]; !ok {
		return fmt.Errorf("mock: unknown instance %s", providerInstanceID)
	}
	return nil
}

func (m *MockProvider) StopInstance(ctx context.Context, providerInstanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[providerInstanceID]; !ok {
		return nil // idempotent: already gone
	}
	return nil
}

func (m *MockProvider) TerminateInstance(ctx context.Context, providerInstanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, providerInstanceID)
	return nil
}

func (m *MockProvider) CheckInstanceExists(ctx context.Context, providerInstanceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.instances[providerInstanceID]
	return ok, nil
}

func (m *MockProvider) GetInstanceIP(ctx context.Context, providerInstanceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[providerInstanceID]
	if !ok {
		return "", fmt.Errorf("mock: unknown instance %s", providerInstanceID)
	}
	return inst.ip, nil
}

func (m *MockProvider) EnsureInboundTCPPorts(ctx context.Context, providerInstanceID string, ports []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[providerInstanceID]
	if !ok {
		return fmt.Errorf("mock: unknown instance %s", providerInstanceID)
	}
	inst.ports = ports
	return nil
}

func (m *MockProvider) ListAttachedVolumes(ctx context.Context, providerInstanceID string) ([]Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Volume
	for id, v := range m.volumes {
		if v.attached {
			out = append(out, Volume{ProviderVolumeID: id, SizeBytes: int64(v.sizeGB) << 30})
		}
	}
	return out, nil
}

func (m *MockProvider) CreateVolume(ctx context.Context, providerInstanceID string, sizeGB int) (Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "mock-vol-" + uuid.NewString()
	m.volumes[id] = &mockVolume{sizeGB: sizeGB}
	return Volume{ProviderVolumeID: id, SizeBytes: int64(sizeGB) << 30}, nil
}

func (m *MockProvider) AttachVolume(ctx context.Context, providerInstanceID, providerVolumeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[providerVolumeID]
	if !ok {
		return fmt.Errorf("mock: unknown volume %s", providerVolumeID)
	}
	v.attached = true
	return nil
}

func (m *MockProvider) DeleteVolume(ctx context.Context, providerVolumeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.volumes, providerVolumeID)
	return nil
}

func (m *MockProvider) VolumeExists(ctx context.Context, providerVolumeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.volumes[providerVolumeID]
	return ok, nil
}

func (m *MockProvider) ResizeBlockStorage(ctx context.Context, providerVolumeID string, sizeGB int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[providerVolumeID]
	if !ok {
		return fmt.Errorf("mock: unknown volume %s", providerVolumeID)
	}
	v.sizeGB = sizeGB
	return nil
}
