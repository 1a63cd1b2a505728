package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/cuemby/stratoforge/pkg/bus"
	"github.com/cuemby/stratoforge/pkg/log"
	"github.com/cuemby/stratoforge/pkg/statemachine"
	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/types"
)

// requeuedActionType is the ActionLog action_type this job appends on every
// re-publish; its count per instance is the requeue attempt counter.
const requeuedActionType = "PROVISIONING_REQUEUED"

// RequeueConfig bounds the provisioning-requeue job (C8).
type RequeueConfig struct {
	BatchSize   int
	After       time.Duration
	MaxAttempts int
}

// RequeueJob implements spec §4.8: re-publish CMD:PROVISION for instances
// stuck in provisioning past requeue_after_s, reconstructing the payload
// from the instance's own catalog linkage, and gives up after
// requeue_max_attempts.
type RequeueJob struct {
	store  storage.Store
	fsm    *statemachine.StateMachine
	bus    *bus.Bus
	cfg    RequeueConfig
	logger zerolog.Logger
}

// NewRequeueJob builds a RequeueJob.
func NewRequeueJob(store storage.Store, fsm *statemachine.StateMachine, b *bus.Bus, cfg RequeueConfig) *RequeueJob {
	return &RequeueJob{store: store, fsm: fsm, bus: b, cfg: cfg, logger: log.WithComponent("requeue")}
}

// Tick re-publishes CMD:PROVISION for every instance stuck past the requeue
// threshold, or gives up on the ones that have exhausted their attempts.
func (j *RequeueJob) Tick(ctx context.Context) error {
	stuck, err := j.store.ListProvisioningPastDeadline(ctx, j.cfg.After, j.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing stuck provisioning instances: %w", err)
	}

	var errs *multierror.Error
	for _, inst := range stuck {
		if err := j.requeueOne(ctx, inst); err != nil {
			errs = accumulate(errs, fmt.Errorf("instance %s: %w", inst.ID, err))
		}
	}
	return errs.ErrorOrNil()
}

func (j *RequeueJob) requeueOne(ctx context.Context, inst *types.Instance) error {
	logs, err := j.store.ListActionLogsByInstance(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("listing action logs: %w", err)
	}
	var attempts int
	var correlationID string
	for _, l := range logs {
		if l.ActionType == requeuedActionType {
			attempts++
			correlationID = l.CorrelationID
		}
	}

	if attempts >= j.cfg.MaxAttempts {
		if err := j.fsm.Transition(ctx, inst.ID, types.InstanceStatusProvisioning, types.InstanceStatusProvisioningFailed, "REQUEUE_EXHAUSTED", map[string]any{
			"error_code":    "REQUEUE_EXHAUSTED",
			"error_message": fmt.Sprintf("exceeded %d requeue attempts", j.cfg.MaxAttempts),
		}); err != nil {
			return fmt.Errorf("transitioning to provisioning_failed: %w", err)
		}
		return nil
	}

	instanceType, err := j.store.GetInstanceType(ctx, inst.InstanceTypeID)
	if err != nil {
		return fmt.Errorf("loading instance type: %w", err)
	}
	zone, err := j.store.GetZone(ctx, inst.ZoneID)
	if err != nil {
		return fmt.Errorf("loading zone: %w", err)
	}

	if correlationID == "" {
		correlationID = inst.ID
	}

	payload, err := json.Marshal(bus.ProvisionPayload{
		InstanceID:       inst.ID,
		ZoneCode:         zone.Code,
		InstanceTypeCode: instanceType.Code,
		ModelID:          inst.HFModelID,
	})
	if err != nil {
		return fmt.Errorf("marshalling CMD:PROVISION payload: %w", err)
	}

	if j.bus != nil {
		if err := j.bus.Publish(ctx, bus.TopicOrchestratorEvents, bus.Envelope{
			Type:          string(bus.CmdProvision),
			InstanceID:    &inst.ID,
			CorrelationID: correlationID,
			Payload:       payload,
		}); err != nil {
			return fmt.Errorf("publishing CMD:PROVISION: %w", err)
		}
	}

	return j.store.InsertActionLog(ctx, &types.ActionLog{
		ID:            uuid.NewString(),
		InstanceID:    &inst.ID,
		ActionType:    requeuedActionType,
		Component:     types.ActionLogComponentOrchestrator,
		Status:        types.ActionLogStatusSuccess,
		CorrelationID: correlationID,
		CreatedAt:     time.Now().UTC(),
	})
}
