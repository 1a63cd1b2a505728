// Package storage defines the persistence contract for the orchestrator and
// a PostgreSQL-backed implementation of it. The Store interface is the
// contract callers depend on (grounded in the same "interface separate from
// implementation" idiom as the teacher's storage package); pkg/statemachine,
// pkg/provisioning, pkg/jobs and pkg/routing depend only on this interface.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/stratoforge/pkg/types"
)

// ErrNoRowsUpdated is returned by TransitionInstance when the expected-from
// status did not match the row at UPDATE time.
var ErrNoRowsUpdated = errors.New("storage: no rows updated")

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("storage: not found")

// TransitionInput describes one atomic instance state transition.
type TransitionInput struct {
	InstanceID   string
	ExpectedFrom types.InstanceStatus
	To           types.InstanceStatus
	Reason       string
	Metadata     map[string]any
}

// WorkerFieldsUpdate is the set of worker-reported fields the worker registry
// (C9) may update outside of the state machine; it never touches Status.
type WorkerFieldsUpdate struct {
	InstanceID           string
	ProviderInstanceID   *string
	WorkerID             *string
	WorkerModelID        *string
	WorkerStatus         *types.WorkerStatus
	WorkerQueueDepth     *int
	WorkerGPUUtilization *float64
	WorkerLastHeartbeat  *time.Time
	WorkerMetadata       []byte
	IPAddress            *string
	WorkerVLLMPort       *int
	WorkerHealthPort     *int
}

// VolumeReconciliationUpdate records the outcome of one reconciliation pass
// over a single volume row.
type VolumeReconciliationUpdate struct {
	VolumeID     string
	ReconciledAt *time.Time // non-nil when the volume is confirmed gone at the provider
	ErrorMessage *string
}

// Store is the full persistence contract. Implementations must make
// TransitionInstance atomic with its history and action-log writes.
type Store interface {
	// Instances
	CreateInstance(ctx context.Context, instance *types.Instance) error
	GetInstance(ctx context.Context, id string) (*types.Instance, error)
	// ClaimInstancesByStatus opens a transaction, selects up to limit rows in
	// one of statuses with SELECT ... FOR UPDATE SKIP LOCKED, invokes fn with
	// those rows while the transaction (and thus the row locks) is still
	// open, and commits on success / rolls back on error.
	ClaimInstancesByStatus(ctx context.Context, statuses []types.InstanceStatus, limit int, fn func(ctx context.Context, instances []*types.Instance) error) error
	TransitionInstance(ctx context.Context, input TransitionInput) error
	UpdateWorkerFields(ctx context.Context, update WorkerFieldsUpdate) error
	ListReadyCandidates(ctx context.Context, hfModelID string, staleThreshold time.Duration) ([]*types.Instance, error)
	ListReadyStale(ctx context.Context, staleThreshold time.Duration, limit int) ([]*types.Instance, error)
	ListProvisioningPastDeadline(ctx context.Context, after time.Duration, limit int) ([]*types.Instance, error)
	// CountInstancesByStatus returns the current instance count grouped by
	// status, for gauge metrics (pkg/metrics.Collector polls this).
	CountInstancesByStatus(ctx context.Context) (map[types.InstanceStatus]int, error)

	// State history
	ListStateHistory(ctx context.Context, instanceID string) ([]*types.InstanceStateHistory, error)

	// Volumes
	UpsertVolume(ctx context.Context, volume *types.InstanceVolume) error
	ListVolumesByInstance(ctx context.Context, instanceID string) ([]*types.InstanceVolume, error)
	MarkVolumeDeleted(ctx context.Context, volumeID string, deletedAt time.Time) error
	MarkVolumeStatus(ctx context.Context, volumeID string, status types.VolumeStatus) error
	ListVolumesPendingReconciliation(ctx context.Context, limit int) ([]*types.InstanceVolume, error)
	RecordVolumeReconciliation(ctx context.Context, update VolumeReconciliationUpdate) error
	// CountVolumesByStatus returns the current volume count grouped by
	// status, for gauge metrics.
	CountVolumesByStatus(ctx context.Context) (map[types.VolumeStatus]int, error)

	// Action log / progress
	InsertActionLog(ctx context.Context, entry *types.ActionLog) error
	ListActionLogsByInstance(ctx context.Context, instanceID string) ([]*types.ActionLog, error)

	// Worker telemetry samples
	InsertGPUSample(ctx context.Context, sample *types.GPUSample) error
	InsertSystemSample(ctx context.Context, sample *types.SystemSample) error

	// Routing usage accounting (§4.10 step 5). Both are best-effort from the
	// caller's point of view: routing logs and swallows their errors.
	IncrInstanceRequestMetrics(ctx context.Context, usage types.RequestUsage) error
	InsertInferenceUsage(ctx context.Context, usage types.RequestUsage) error

	// Worker auth tokens
	GetWorkerAuthToken(ctx context.Context, instanceID string) (*types.WorkerAuthToken, error)
	UpsertWorkerAuthToken(ctx context.Context, token *types.WorkerAuthToken) error

	// Provider settings / catalog
	GetProviderSetting(ctx context.Context, providerID, key, organizationID string) (*types.ProviderSettings, error)
	GetProvider(ctx context.Context, id string) (*types.Provider, error)
	GetZone(ctx context.Context, id string) (*types.Zone, error)
	GetInstanceType(ctx context.Context, id string) (*types.InstanceType, error)
	GetOrganizationModelByCode(ctx context.Context, organizationSlug, code string) (*types.OrganizationModel, error)
	GetOrganizationModelByID(ctx context.Context, id string) (*types.OrganizationModel, error)

	// Tenancy
	GetOrganization(ctx context.Context, id string) (*types.Organization, error)
	GetUser(ctx context.Context, id string) (*types.User, error)
	GetMembership(ctx context.Context, organizationID, userID string) (*types.Membership, error)

	Close() error
}
