package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/stratoforge/pkg/log"
	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/types"
)

// ErrUnauthorized is returned when a presented bearer token doesn't match
// the stored hash for the instance, or one is required but missing.
var ErrUnauthorized = errors.New("worker: unauthorized")

// ErrIPMismatch is returned when the resolved caller IP doesn't match the
// instance's recorded IP address.
var ErrIPMismatch = errors.New("worker: client ip does not match recorded instance ip")

var validate = validator.New()

// Config bounds the registry's heartbeat rate limiting.
type Config struct {
	HeartbeatMinInterval time.Duration // default 2s per spec §5 backpressure
}

// Registry implements the manager side of worker register/heartbeat.
type Registry struct {
	store  storage.Store
	cfg    Config
	logger zerolog.Logger

	mu            sync.Mutex
	lastHeartbeat map[string]time.Time
}

// NewRegistry builds a Registry over store.
func NewRegistry(store storage.Store, cfg Config) *Registry {
	if cfg.HeartbeatMinInterval == 0 {
		cfg.HeartbeatMinInterval = 2 * time.Second
	}
	return &Registry{
		store:         store,
		cfg:           cfg,
		logger:        log.WithComponent("worker-registry"),
		lastHeartbeat: make(map[string]time.Time),
	}
}

// RegisterRequest is the body of POST /internal/worker/register.
type RegisterRequest struct {
	InstanceID string `json:"instance_id" validate:"required,uuid"`
	WorkerID   string `json:"worker_id" validate:"required"`
	ModelID    string `json:"model_id" validate:"required"`
	VLLMPort   int    `json:"vllm_port" validate:"required,min=1,max=65535"`
	HealthPort int    `json:"health_port" validate:"required,min=1,max=65535"`
	IPAddress  string `json:"ip_address" validate:"required,ip"`
}

// RegisterResponse is the body returned for POST /internal/worker/register.
// Token is set only the first time an instance registers.
type RegisterResponse struct {
	Token string `json:"token,omitempty"`
}

// Register authenticates (or bootstraps) a worker and upserts its reported
// connection details onto the instance row. resolvedIP is the caller's
// address as determined by the HTTP layer — the first X-Forwarded-For entry
// when that header is present, RemoteAddr otherwise.
func (r *Registry) Register(ctx context.Context, req RegisterRequest, bearerToken, resolvedIP string) (*RegisterResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("worker: invalid register request: %w", err)
	}

	inst, err := r.store.GetInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("loading instance %s: %w", req.InstanceID, err)
	}
	if inst.IPAddress != nil && *inst.IPAddress != resolvedIP {
		return nil, ErrIPMismatch
	}

	plaintext, err := r.authenticate(ctx, req.InstanceID, bearerToken)
	if err != nil {
		return nil, err
	}

	if err := r.store.UpdateWorkerFields(ctx, storage.WorkerFieldsUpdate{
		InstanceID:       req.InstanceID,
		WorkerID:         &req.WorkerID,
		WorkerModelID:    &req.ModelID,
		IPAddress:        &req.IPAddress,
		WorkerVLLMPort:   &req.VLLMPort,
		WorkerHealthPort: &req.HealthPort,
	}); err != nil {
		return nil, fmt.Errorf("persisting register fields for instance %s: %w", req.InstanceID, err)
	}

	return &RegisterResponse{Token: plaintext}, nil
}

// authenticate returns the freshly-minted plaintext token on bootstrap (no
// prior token row), or "" once an existing token has been verified.
func (r *Registry) authenticate(ctx context.Context, instanceID, bearerToken string) (string, error) {
	existing, err := r.store.GetWorkerAuthToken(ctx, instanceID)
	if errors.Is(err, storage.ErrNotFound) {
		plaintext, prefix, hash, genErr := generateToken()
		if genErr != nil {
			return "", genErr
		}
		now := time.Now().UTC()
		if err := r.store.UpsertWorkerAuthToken(ctx, &types.WorkerAuthToken{
			InstanceID:  instanceID,
			TokenPrefix: prefix,
			TokenHash:   hash,
			CreatedAt:   now,
			LastUsedAt:  &now,
		}); err != nil {
			return "", fmt.Errorf("persisting bootstrap token for instance %s: %w", instanceID, err)
		}
		return plaintext, nil
	}
	if err != nil {
		return "", fmt.Errorf("loading worker auth token for instance %s: %w", instanceID, err)
	}

	if bearerToken == "" || !tokensMatch(bearerToken, existing.TokenHash) {
		return "", ErrUnauthorized
	}
	now := time.Now().UTC()
	existing.LastUsedAt = &now
	if err := r.store.UpsertWorkerAuthToken(ctx, existing); err != nil {
		r.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to bump worker token last_used_at")
	}
	return "", nil
}

// GPUReading is one GPU's reading within a heartbeat batch.
type GPUReading struct {
	Index       int     `json:"index"`
	Utilization float64 `json:"utilization"`
	TempC       float64 `json:"temp_c"`
	VRAMUsed    int64   `json:"vram_used"`
	VRAMTotal   int64   `json:"vram_total"`
}

// SystemReading is the host-level reading within a heartbeat.
type SystemReading struct {
	CPUUsagePct float64 `json:"cpu_usage_pct"`
	MemUsed     int64   `json:"mem_used"`
	MemTotal    int64   `json:"mem_total"`
	DiskUsed    int64   `json:"disk_used"`
	DiskTotal   int64   `json:"disk_total"`
}

// AgentInfo is the reporting worker agent's self-description.
type AgentInfo struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	Checksum  string `json:"checksum"`
}

// HeartbeatRequest is the body of POST /internal/worker/heartbeat.
type HeartbeatRequest struct {
	InstanceID     string            `json:"instance_id" validate:"required,uuid"`
	WorkerID       string            `json:"worker_id" validate:"required"`
	Status         types.WorkerStatus `json:"status" validate:"required,oneof=ready busy draining starting"`
	ModelID        *string           `json:"model_id,omitempty"`
	QueueDepth     int               `json:"queue_depth" validate:"gte=0"`
	GPUUtilization float64           `json:"gpu_utilization"`
	GPUs           []GPUReading      `json:"gpus"`
	System         SystemReading     `json:"system"`
	AgentInfo      AgentInfo         `json:"agent_info"`
}

// HeartbeatResult reports whether the heartbeat was processed or dropped by
// the per-instance rate limiter.
type HeartbeatResult struct {
	Dropped bool
}

// Heartbeat authenticates the bearer token, rate-limits to one accepted
// heartbeat per HeartbeatMinInterval per instance, clamps out-of-range
// readings (logging a warning for each), updates the instance row, and
// best-effort inserts one gpu_samples row per GPU plus one system_samples
// row. Sample insert failures are logged, never returned.
func (r *Registry) Heartbeat(ctx context.Context, req HeartbeatRequest, bearerToken string) (*HeartbeatResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("worker: invalid heartbeat request: %w", err)
	}

	existing, err := r.store.GetWorkerAuthToken(ctx, req.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("loading worker auth token for instance %s: %w", req.InstanceID, err)
	}
	if bearerToken == "" || !tokensMatch(bearerToken, existing.TokenHash) {
		return nil, ErrUnauthorized
	}

	if r.dropForRateLimit(req.InstanceID) {
		r.logger.Warn().Str("instance_id", req.InstanceID).Msg("heartbeat dropped: below minimum interval")
		return &HeartbeatResult{Dropped: true}, nil
	}

	gpuUtilization, _ := clamp(req.GPUUtilization, 0, 100, "gpu_utilization", req.InstanceID, r.logger)
	clampedSystem := r.clampSystem(req.InstanceID, req.System)

	now := time.Now().UTC()
	metadata, _ := json.Marshal(req.AgentInfo)
	status := req.Status
	update := storage.WorkerFieldsUpdate{
		InstanceID:           req.InstanceID,
		WorkerStatus:         &status,
		WorkerQueueDepth:     &req.QueueDepth,
		WorkerGPUUtilization: &gpuUtilization,
		WorkerLastHeartbeat:  &now,
		WorkerMetadata:       metadata,
	}
	if req.ModelID != nil {
		update.WorkerModelID = req.ModelID
	}
	if err := r.store.UpdateWorkerFields(ctx, update); err != nil {
		return nil, fmt.Errorf("persisting heartbeat fields for instance %s: %w", req.InstanceID, err)
	}

	r.insertSamples(ctx, req.InstanceID, req.GPUs, clampedSystem, now)

	return &HeartbeatResult{}, nil
}

func (r *Registry) dropForRateLimit(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if last, ok := r.lastHeartbeat[instanceID]; ok && now.Sub(last) < r.cfg.HeartbeatMinInterval {
		return true
	}
	r.lastHeartbeat[instanceID] = now
	return false
}

func (r *Registry) clampSystem(instanceID string, s SystemReading) SystemReading {
	s.CPUUsagePct, _ = clamp(s.CPUUsagePct, 0, 100, "cpu_usage_pct", instanceID, r.logger)
	s.MemUsed = clampNonNegative(s.MemUsed, "mem_used", instanceID, r.logger)
	s.MemTotal = clampNonNegative(s.MemTotal, "mem_total", instanceID, r.logger)
	s.DiskUsed = clampNonNegative(s.DiskUsed, "disk_used", instanceID, r.logger)
	s.DiskTotal = clampNonNegative(s.DiskTotal, "disk_total", instanceID, r.logger)
	if s.MemTotal > 0 && s.MemUsed > s.MemTotal {
		r.logger.Warn().Str("instance_id", instanceID).Msg("mem_used exceeded mem_total, clamped")
		s.MemUsed = s.MemTotal
	}
	if s.DiskTotal > 0 && s.DiskUsed > s.DiskTotal {
		r.logger.Warn().Str("instance_id", instanceID).Msg("disk_used exceeded disk_total, clamped")
		s.DiskUsed = s.DiskTotal
	}
	return s
}

// insertSamples writes one gpu_samples row per reported GPU and one
// system_samples row. Every insert is best-effort: a failure is logged and
// swallowed so a telemetry hiccup never fails the heartbeat itself.
func (r *Registry) insertSamples(ctx context.Context, instanceID string, gpus []GPUReading, sys SystemReading, at time.Time) {
	for _, g := range gpus {
		util, _ := clamp(g.Utilization, 0, 100, "gpu_utilization", instanceID, r.logger)
		temp, _ := clamp(g.TempC, -50, 150, "gpu_temp_c", instanceID, r.logger)
		vramUsed := clampNonNegative(g.VRAMUsed, "vram_used", instanceID, r.logger)
		vramTotal := clampNonNegative(g.VRAMTotal, "vram_total", instanceID, r.logger)
		if vramTotal > 0 && vramUsed > vramTotal {
			r.logger.Warn().Str("instance_id", instanceID).Int("gpu_index", g.Index).Msg("vram_used exceeded vram_total, clamped")
			vramUsed = vramTotal
		}
		sample := &types.GPUSample{
			ID:          uuid.NewString(),
			InstanceID:  instanceID,
			GPUIndex:    g.Index,
			Utilization: &util,
			TempC:       &temp,
			VRAMUsed:    &vramUsed,
			VRAMTotal:   &vramTotal,
			CreatedAt:   at,
		}
		if err := r.store.InsertGPUSample(ctx, sample); err != nil {
			r.logger.Warn().Err(err).Str("instance_id", instanceID).Int("gpu_index", g.Index).Msg("failed to insert gpu sample")
		}
	}

	sysSample := &types.SystemSample{
		ID:          uuid.NewString(),
		InstanceID:  instanceID,
		CPUUsagePct: &sys.CPUUsagePct,
		MemUsed:     &sys.MemUsed,
		MemTotal:    &sys.MemTotal,
		DiskUsed:    &sys.DiskUsed,
		DiskTotal:   &sys.DiskTotal,
		CreatedAt:   at,
	}
	if err := r.store.InsertSystemSample(ctx, sysSample); err != nil {
		r.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to insert system sample")
	}
}
