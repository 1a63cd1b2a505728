package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/cuemby/stratoforge/pkg/log"
	"github.com/cuemby/stratoforge/pkg/statemachine"
	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/types"
)

// ErrAgentChecksumMismatch is returned by probeInfo when WorkerAgentSHA256 is
// configured and the worker's reported agent_checksum does not match.
var ErrAgentChecksumMismatch = errors.New("jobs: worker agent checksum mismatch")

// recoverableStartupFailedCodes is the closed set of error_code values a
// late valid heartbeat is allowed to recover from.
var recoverableStartupFailedCodes = map[string]bool{
	"STARTUP_TIMEOUT":              true,
	"WAITING_FOR_WORKER_HEARTBEAT": true,
}

// HealthCheckConfig bounds the health-check job's timing behaviour (C5).
type HealthCheckConfig struct {
	BatchSize           int
	StaleThreshold      time.Duration
	ReadyStaleThreshold time.Duration
	BootingDeadline     time.Duration
	ModelLoadDeadline   time.Duration
	ProbeTimeout        time.Duration
	WorkerAgentSHA256   string
}

// HealthCheckJob implements spec §4.4: claim booting instances, check them
// via recent heartbeat or active probes, apply the deadline policy, demote
// stale ready instances, and recover startup_failed instances on a late
// valid heartbeat.
type HealthCheckJob struct {
	store  storage.Store
	fsm    *statemachine.StateMachine
	cfg    HealthCheckConfig
	logger zerolog.Logger
	client httpDoer

	logMu          sync.Mutex
	lastSuccessLog map[string]time.Time
	lastFailureLog map[string]time.Time
}

// NewHealthCheckJob builds a HealthCheckJob with a real *http.Client bounded
// by cfg.ProbeTimeout.
func NewHealthCheckJob(store storage.Store, fsm *statemachine.StateMachine, cfg HealthCheckConfig) *HealthCheckJob {
	return &HealthCheckJob{
		store:          store,
		fsm:            fsm,
		cfg:            cfg,
		logger:         log.WithComponent("health-check"),
		client:         &http.Client{Timeout: cfg.ProbeTimeout},
		lastSuccessLog: make(map[string]time.Time),
		lastFailureLog: make(map[string]time.Time),
	}
}

// Tick runs one health-check pass: claimed-instance evaluation, ready-stale
// demotion, and startup_failed recovery. Per-instance failures are
// accumulated rather than aborting the rest of the batch.
func (j *HealthCheckJob) Tick(ctx context.Context) error {
	var errs *multierror.Error

	claimErr := j.store.ClaimInstancesByStatus(ctx, []types.InstanceStatus{types.InstanceStatusBooting}, j.cfg.BatchSize, func(ctx context.Context, instances []*types.Instance) error {
		for _, inst := range instances {
			if err := j.checkAndTransition(ctx, inst); err != nil {
				errs = accumulate(errs, fmt.Errorf("instance %s: %w", inst.ID, err))
			}
		}
		return nil
	})
	errs = accumulate(errs, claimErr)

	if err := j.demoteStaleReady(ctx); err != nil {
		errs = accumulate(errs, err)
	}
	if err := j.recoverStartupFailed(ctx); err != nil {
		errs = accumulate(errs, err)
	}

	return errs.ErrorOrNil()
}

// checkAndTransition applies Priority A (recent heartbeat), Priority B
// (active probes), and the deadline policy, in that order, to one claimed
// booting instance.
func (j *HealthCheckJob) checkAndTransition(ctx context.Context, inst *types.Instance) error {
	now := time.Now().UTC()

	if inst.WorkerLastHeartbeat != nil && now.Sub(*inst.WorkerLastHeartbeat) < j.cfg.StaleThreshold &&
		inst.WorkerStatus != nil && *inst.WorkerStatus == types.WorkerStatusReady &&
		inst.WorkerModelID != nil && *inst.WorkerModelID == inst.HFModelID {
		return j.transitionReady(ctx, inst.ID, "recent heartbeat reports ready")
	}

	if inst.IPAddress != nil && inst.WorkerHealthPort != nil && inst.WorkerVLLMPort != nil {
		readyzOK := j.probeReadyz(ctx, *inst.IPAddress, *inst.WorkerHealthPort)
		modelsOK := j.probeModels(ctx, *inst.IPAddress, *inst.WorkerVLLMPort, inst.HFModelID)

		if err := j.probeInfo(ctx, inst); err != nil {
			if errors.Is(err, ErrAgentChecksumMismatch) {
				return j.fail(ctx, inst.ID, "AGENT_CHECKSUM_FAILED", err)
			}
			j.logger.Debug().Err(err).Str("instance_id", inst.ID).Msg("/info probe failed")
		}

		if readyzOK && modelsOK {
			j.logProbe(inst.ID, true)
			return j.transitionReady(ctx, inst.ID, "active probes passed")
		}
		j.logProbe(inst.ID, false)
	}

	elapsed := now.Sub(inst.CreatedAt)
	if elapsed > j.cfg.BootingDeadline {
		return j.fail(ctx, inst.ID, "STARTUP_TIMEOUT", fmt.Errorf("exceeded booting deadline of %s", j.cfg.BootingDeadline))
	}
	if elapsed > j.cfg.ModelLoadDeadline && inst.WorkerModelID == nil {
		return j.fail(ctx, inst.ID, "MODEL_LOAD_TIMEOUT", fmt.Errorf("model not loaded within %s", j.cfg.ModelLoadDeadline))
	}
	return nil
}

func (j *HealthCheckJob) transitionReady(ctx context.Context, instanceID, reason string) error {
	if err := j.fsm.Transition(ctx, instanceID, types.InstanceStatusBooting, types.InstanceStatusReady, reason, nil); err != nil {
		return fmt.Errorf("transitioning to ready: %w", err)
	}
	return nil
}

func (j *HealthCheckJob) fail(ctx context.Context, instanceID, errorCode string, cause error) error {
	if err := j.fsm.Transition(ctx, instanceID, types.InstanceStatusBooting, types.InstanceStatusStartupFailed, errorCode, map[string]any{
		"error_code":    errorCode,
		"error_message": cause.Error(),
	}); err != nil {
		return fmt.Errorf("transitioning to startup_failed: %w", err)
	}
	return nil
}

// demoteStaleReady scans ready instances whose worker heartbeat has gone
// quiet and transitions each to unavailable.
func (j *HealthCheckJob) demoteStaleReady(ctx context.Context) error {
	stale, err := j.store.ListReadyStale(ctx, j.cfg.ReadyStaleThreshold, j.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing stale ready instances: %w", err)
	}
	var errs *multierror.Error
	for _, inst := range stale {
		if err := j.fsm.Transition(ctx, inst.ID, types.InstanceStatusReady, types.InstanceStatusUnavailable, "heartbeat stale", nil); err != nil {
			errs = accumulate(errs, fmt.Errorf("demoting instance %s: %w", inst.ID, err))
		}
	}
	return errs.ErrorOrNil()
}

// recoverStartupFailed claims startup_failed instances and transitions any
// with a recoverable error_code and a fresh ready heartbeat back to booting.
func (j *HealthCheckJob) recoverStartupFailed(ctx context.Context) error {
	var errs *multierror.Error
	err := j.store.ClaimInstancesByStatus(ctx, []types.InstanceStatus{types.InstanceStatusStartupFailed}, j.cfg.BatchSize, func(ctx context.Context, instances []*types.Instance) error {
		now := time.Now().UTC()
		for _, inst := range instances {
			if inst.ErrorCode == nil || !recoverableStartupFailedCodes[*inst.ErrorCode] {
				continue
			}
			if inst.WorkerLastHeartbeat == nil || now.Sub(*inst.WorkerLastHeartbeat) >= j.cfg.StaleThreshold {
				continue
			}
			if inst.WorkerStatus == nil || *inst.WorkerStatus != types.WorkerStatusReady {
				continue
			}
			if err := j.fsm.Transition(ctx, inst.ID, types.InstanceStatusStartupFailed, types.InstanceStatusBooting, "late heartbeat recovery", nil); err != nil {
				errs = accumulate(errs, fmt.Errorf("recovering instance %s: %w", inst.ID, err))
			}
		}
		return nil
	})
	errs = accumulate(errs, err)
	return errs.ErrorOrNil()
}

func (j *HealthCheckJob) logProbe(instanceID string, ok bool) {
	j.logMu.Lock()
	defer j.logMu.Unlock()

	now := time.Now()
	if ok {
		last, seen := j.lastSuccessLog[instanceID]
		if !seen || now.Sub(last) >= 5*time.Minute {
			j.logger.Info().Str("instance_id", instanceID).Msg("health probes passed")
			j.lastSuccessLog[instanceID] = now
		}
		return
	}
	last, seen := j.lastFailureLog[instanceID]
	if !seen || now.Sub(last) >= time.Minute {
		j.logger.Warn().Str("instance_id", instanceID).Msg("health probes failed")
		j.lastFailureLog[instanceID] = now
	}
}

type readyzResponse struct {
	VLLMReady bool `json:"vllm_ready"`
}

func (j *HealthCheckJob) probeReadyz(ctx context.Context, ip string, port int) bool {
	var out readyzResponse
	status, err := j.getJSON(ctx, fmt.Sprintf("http://%s:%d/readyz", ip, port), &out)
	return err == nil && status == http.StatusOK && out.VLLMReady
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (j *HealthCheckJob) probeModels(ctx context.Context, ip string, port int, expectedModel string) bool {
	var out modelsResponse
	status, err := j.getJSON(ctx, fmt.Sprintf("http://%s:%d/v1/models", ip, port), &out)
	if err != nil || status != http.StatusOK {
		return false
	}
	for _, m := range out.Data {
		if m.ID == expectedModel {
			return true
		}
	}
	return false
}

type infoResponse struct {
	AgentVersion   string `json:"agent_version"`
	AgentBuildDate string `json:"agent_build_date"`
	AgentChecksum  string `json:"agent_checksum"`
}

// probeInfo fetches /info, persists the reported fields into worker_metadata,
// and reports ErrAgentChecksumMismatch when the configured checksum disagrees.
func (j *HealthCheckJob) probeInfo(ctx context.Context, inst *types.Instance) error {
	if inst.IPAddress == nil || inst.WorkerHealthPort == nil {
		return fmt.Errorf("missing ip or health port")
	}
	var out infoResponse
	status, err := j.getJSON(ctx, fmt.Sprintf("http://%s:%d/info", *inst.IPAddress, *inst.WorkerHealthPort), &out)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("unexpected status %d from /info", status)
	}

	metadata, _ := json.Marshal(out)
	if err := j.store.UpdateWorkerFields(ctx, storage.WorkerFieldsUpdate{InstanceID: inst.ID, WorkerMetadata: metadata}); err != nil {
		j.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("failed to persist worker_metadata")
	}

	if j.cfg.WorkerAgentSHA256 != "" && out.AgentChecksum != j.cfg.WorkerAgentSHA256 {
		return fmt.Errorf("%w: got %s want %s", ErrAgentChecksumMismatch, out.AgentChecksum, j.cfg.WorkerAgentSHA256)
	}
	return nil
}

func (j *HealthCheckJob) getJSON(ctx context.Context, url string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}
