package types

import (
	"encoding/json"
	"time"
)

// SubscriptionPlan is the billing tier of an organization or a personal account.
type SubscriptionPlan string

const (
	SubscriptionPlanFree       SubscriptionPlan = "free"
	SubscriptionPlanSubscriber SubscriptionPlan = "subscriber"
)

// Organization is the tenant root.
type Organization struct {
	ID               string
	Name             string
	Slug             string // immutable after creation
	SubscriptionPlan SubscriptionPlan
	WalletBalanceEUR float64
	CreatedByUserID  string
	CreatedAt        time.Time
}

// GlobalRole is a user's platform-wide role, independent of organization membership.
type GlobalRole string

const (
	GlobalRoleAdmin GlobalRole = "admin"
	GlobalRoleUser  GlobalRole = "user"
)

// User is a principal. A user may exist without any organization membership.
type User struct {
	ID               string
	Email            string
	PasswordHash     string
	Username         string
	GlobalRole       GlobalRole
	AccountPlan      SubscriptionPlan
	WalletBalanceEUR float64
	CreatedAt        time.Time
}

// OrganizationRole is a user's role within one organization.
type OrganizationRole string

const (
	OrganizationRoleOwner   OrganizationRole = "owner"
	OrganizationRoleAdmin   OrganizationRole = "admin"
	OrganizationRoleManager OrganizationRole = "manager"
	OrganizationRoleUser    OrganizationRole = "user"
)

// Membership is the composite-key join between an organization and a user.
// Invariant: every non-empty organization has at least one owner; the last
// owner cannot be removed or demoted.
type Membership struct {
	OrganizationID string
	UserID         string
	Role           OrganizationRole
	CreatedAt      time.Time
}

// Session is an authenticated login, scoped to at most one workspace at a time.
type Session struct {
	ID                    string
	UserID                string
	CurrentOrganizationID *string
	OrganizationRole      *OrganizationRole
	SessionTokenHash      string
	CreatedAt             time.Time
	LastUsedAt            time.Time
	ExpiresAt             time.Time
	RevokedAt             *time.Time
}

// InstanceStatus is the state-machine domain for Instance.Status. The state
// machine (pkg/statemachine) is the only component permitted to write it.
type InstanceStatus string

const (
	InstanceStatusProvisioning       InstanceStatus = "provisioning"
	InstanceStatusBooting            InstanceStatus = "booting"
	InstanceStatusReady              InstanceStatus = "ready"
	InstanceStatusDraining           InstanceStatus = "draining"
	InstanceStatusTerminating        InstanceStatus = "terminating"
	InstanceStatusTerminated         InstanceStatus = "terminated"
	InstanceStatusArchived           InstanceStatus = "archived"
	InstanceStatusProvisioningFailed InstanceStatus = "provisioning_failed"
	InstanceStatusStartupFailed      InstanceStatus = "startup_failed"
	InstanceStatusUnavailable        InstanceStatus = "unavailable"
	InstanceStatusFailed             InstanceStatus = "failed"
)

// WorkerStatus is the worker-reported status carried on the instance row.
type WorkerStatus string

const (
	WorkerStatusReady    WorkerStatus = "ready"
	WorkerStatusBusy     WorkerStatus = "busy"
	WorkerStatusDraining WorkerStatus = "draining"
	WorkerStatusStarting WorkerStatus = "starting"
)

// Instance is the orchestration unit: one provisioned compute unit, usually a
// GPU VM, tracked end to end by the core.
type Instance struct {
	// Identity
	ID             string
	ProviderID     string
	ZoneID         string
	InstanceTypeID string
	OrganizationID string // required for all new instances
	HFModelID      string // the model this instance was provisioned to serve

	// Provider linkage
	ProviderInstanceID *string
	IPAddress          *string
	WorkerVLLMPort     *int
	WorkerHealthPort   *int

	// Lifecycle
	Status             InstanceStatus
	ErrorCode          *string
	ErrorMessage       *string
	CreatedAt          time.Time
	ReadyAt            *time.Time
	TerminatedAt       *time.Time
	FailedAt           *time.Time
	LastHealthCheck    *time.Time
	LastReconciliation *time.Time
	DeletedByProvider  bool

	// Worker linkage
	WorkerID             *string
	WorkerModelID        *string
	WorkerStatus         *WorkerStatus
	WorkerQueueDepth     *int
	WorkerGPUUtilization *float64
	WorkerLastHeartbeat  *time.Time
	WorkerMetadata       json.RawMessage

	// Activation
	TechActivatedBy *string
	TechActivatedAt *time.Time
	EcoActivatedBy  *string
	EcoActivatedAt  *time.Time

	// Snapshot
	GPUProfile json.RawMessage
}

// IsOperational reports whether both activations have been performed. The
// routing engine excludes non-operational instances even when Status=ready.
func (i *Instance) IsOperational() bool {
	return i.TechActivatedBy != nil && i.EcoActivatedBy != nil
}

// InstanceStateHistory is an append-only record of one state transition,
// written atomically with the instance mutation by pkg/statemachine.
type InstanceStateHistory struct {
	ID         string
	InstanceID string
	FromStatus InstanceStatus
	ToStatus   InstanceStatus
	Reason     string
	CreatedAt  time.Time
}

// GPUSample is one per-GPU reading taken from a worker heartbeat batch.
type GPUSample struct {
	ID          string
	InstanceID  string
	GPUIndex    int
	Utilization *float64
	TempC       *float64
	VRAMUsed    *int64
	VRAMTotal   *int64
	CreatedAt   time.Time
}

// SystemSample is the one host-level reading taken from a worker heartbeat.
type SystemSample struct {
	ID          string
	InstanceID  string
	CPUUsagePct *float64
	MemUsed     *int64
	MemTotal    *int64
	DiskUsed    *int64
	DiskTotal   *int64
	CreatedAt   time.Time
}

// VolumeStatus is the lifecycle state of an InstanceVolume. Rows are never
// physically deleted; lifecycle is recorded entirely by timestamp fields.
type VolumeStatus string

const (
	VolumeStatusAttached VolumeStatus = "attached"
	VolumeStatusDetached VolumeStatus = "detached"
	VolumeStatusDeleting VolumeStatus = "deleting"
	VolumeStatusDeleted  VolumeStatus = "deleted"
)

// InstanceVolume tracks one provider volume attached (or once attached) to an
// instance. Unique on (InstanceID, ProviderVolumeID) where DeletedAt IS NULL.
type InstanceVolume struct {
	ID                 string
	InstanceID         string
	ProviderID         string
	ZoneCode           string
	ProviderVolumeID   string
	ProviderVolumeName *string
	VolumeType         string
	SizeBytes          int64
	IsBoot             bool
	DeleteOnTerminate  bool
	Status             VolumeStatus
	CreatedAt          time.Time
	AttachedAt         *time.Time
	DeletedAt          *time.Time
	ReconciledAt       *time.Time
	LastReconciliation *time.Time
	ErrorMessage       *string
}

// ActionLogComponent names which part of the system produced an ActionLog row.
type ActionLogComponent string

const (
	ActionLogComponentAPI          ActionLogComponent = "api"
	ActionLogComponentOrchestrator ActionLogComponent = "orchestrator"
	ActionLogComponentWorker       ActionLogComponent = "worker"
)

// ActionLogStatus is the outcome of the step an ActionLog row records.
type ActionLogStatus string

const (
	ActionLogStatusInProgress ActionLogStatus = "in_progress"
	ActionLogStatusSuccess    ActionLogStatus = "success"
	ActionLogStatusFailed     ActionLogStatus = "failed"
)

// ActionLog is an append-only audit record of one externally visible step. It
// is also the source of truth consulted by the progress calculator (pkg/progress).
type ActionLog struct {
	ID             string
	InstanceID     *string
	OrganizationID *string
	ActionType     string
	Component      ActionLogComponent
	Status         ActionLogStatus
	DurationMS     *int64
	ErrorMessage   *string
	CorrelationID  string
	Metadata       json.RawMessage
	CreatedAt      time.Time
}

// WorkerAuthToken is the bootstrap bearer credential for one instance's
// worker. The plaintext token is emitted exactly once, at bootstrap; only
// its prefix and hash are persisted.
type WorkerAuthToken struct {
	InstanceID  string
	TokenPrefix string
	TokenHash   string
	CreatedAt   time.Time
	LastUsedAt  *time.Time
}

// ProviderSettings is one scoped configuration value for a provider, e.g. a
// credential or an image override. All reads are scoped by OrganizationID;
// there is no global fallback.
type ProviderSettings struct {
	ProviderID           string
	Key                  string
	OrganizationID       string
	ValueText            *string
	ValueSecretEncrypted *string
}

// Provider is a catalog entry for a supported cloud.
type Provider struct {
	ID   string
	Code string
	Name string
}

// Region is a catalog entry grouping zones.
type Region struct {
	ID         string
	ProviderID string
	Code       string
	Name       string
}

// Zone is a catalog entry for one availability zone within a region.
type Zone struct {
	ID       string
	RegionID string
	Code     string
	Name     string
}

// InstanceType is a catalog entry for one provider SKU, including any
// per-type allocation overrides (e.g. a pinned vLLM image).
type InstanceType struct {
	ID                string
	ProviderID        string
	Code              string
	Name              string
	ComputeCapability float64
	AllocationParams  json.RawMessage
}

// InstanceTypeZone records that an instance type is available in a zone.
type InstanceTypeZone struct {
	InstanceTypeID string
	ZoneID         string
}

// Visibility governs where an offering can be discovered from.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
)

// AccessPolicy governs which workspaces may route to an offering.
type AccessPolicy string

const (
	AccessPolicyFree                AccessPolicy = "free"
	AccessPolicySubscriptionRequired AccessPolicy = "subscription_required"
	AccessPolicyRequestRequired     AccessPolicy = "request_required"
	AccessPolicyPayPerToken         AccessPolicy = "pay_per_token"
	AccessPolicyTrial               AccessPolicy = "trial"
)

// OrganizationModel is an organization's offering of a model, identified
// externally as <org_slug>/<model_code>.
type OrganizationModel struct {
	ID             string
	OrganizationID string
	Code           string
	HFModelID      string
	Visibility     Visibility
	AccessPolicy   AccessPolicy
	CreatedAt      time.Time
}

// RequestUsage is the token accounting extracted from one routed inference
// response (§4.10 step 5), before it is fanned out to the two best-effort
// sinks (instance_request_metrics counters, finops.inference_usage row).
type RequestUsage struct {
	InstanceID       string
	ProviderOrgID    string
	ConsumerOrgID    *string
	ModelID          string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}
