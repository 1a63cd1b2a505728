package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/cuemby/stratoforge/pkg/bus"
	"github.com/cuemby/stratoforge/pkg/log"
	"github.com/cuemby/stratoforge/pkg/provider"
	"github.com/cuemby/stratoforge/pkg/statemachine"
	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/types"
)

// WatchdogConfig bounds the watchdog job's batch size and probe timeout (C6).
type WatchdogConfig struct {
	BatchSize    int
	ProbeTimeout time.Duration
}

// WatchdogJob implements spec §4.6: for each claimed ready instance, verify
// it still exists at the provider; orphaned instances are marked
// deleted_by_provider and transitioned straight to terminated. Instances the
// provider still reports but that haven't yet reported a served model are
// backfilled by probing /v1/models directly.
type WatchdogJob struct {
	store    storage.Store
	fsm      *statemachine.StateMachine
	bus      *bus.Bus
	resolver *provider.Resolver
	cfg      WatchdogConfig
	logger   zerolog.Logger
	client   httpDoer
}

// NewWatchdogJob builds a WatchdogJob.
func NewWatchdogJob(store storage.Store, fsm *statemachine.StateMachine, b *bus.Bus, resolver *provider.Resolver, cfg WatchdogConfig) *WatchdogJob {
	return &WatchdogJob{
		store:    store,
		fsm:      fsm,
		bus:      b,
		resolver: resolver,
		cfg:      cfg,
		logger:   log.WithComponent("watchdog"),
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
	}
}

// Tick claims a batch of ready instances and reconciles each against the
// provider's view of whether it still exists.
func (j *WatchdogJob) Tick(ctx context.Context) error {
	var errs *multierror.Error
	err := j.store.ClaimInstancesByStatus(ctx, []types.InstanceStatus{types.InstanceStatusReady}, j.cfg.BatchSize, func(ctx context.Context, instances []*types.Instance) error {
		for _, inst := range instances {
			if err := j.checkInstance(ctx, inst); err != nil {
				errs = accumulate(errs, fmt.Errorf("instance %s: %w", inst.ID, err))
			}
		}
		return nil
	})
	errs = accumulate(errs, err)
	return errs.ErrorOrNil()
}

func (j *WatchdogJob) checkInstance(ctx context.Context, inst *types.Instance) error {
	if inst.ProviderInstanceID == nil {
		return nil
	}

	providerRow, err := j.store.GetProvider(ctx, inst.ProviderID)
	if err != nil {
		return fmt.Errorf("loading provider: %w", err)
	}
	client, err := j.resolver.Resolve(ctx, providerRow.Code, inst.OrganizationID)
	if err != nil {
		return fmt.Errorf("resolving provider client: %w", err)
	}

	exists, err := client.CheckInstanceExists(ctx, *inst.ProviderInstanceID)
	if err != nil {
		return fmt.Errorf("checking instance existence: %w", err)
	}

	if !exists {
		if err := j.fsm.Transition(ctx, inst.ID, types.InstanceStatusReady, types.InstanceStatusTerminated, "watchdog: provider no longer reports instance", map[string]any{
			"deleted_by_provider": true,
		}); err != nil {
			return fmt.Errorf("transitioning orphaned instance to terminated: %w", err)
		}
		if j.bus != nil {
			_ = j.bus.Publish(ctx, bus.TopicFinopsEvents, bus.Envelope{
				Type:       string(bus.EvtInstanceCostStop),
				InstanceID: &inst.ID,
				Payload: mustMarshal(bus.InstanceCostStopPayload{
					InstanceID: inst.ID,
					StoppedAt:  time.Now().UTC().Format(time.RFC3339),
					Reason:     "deleted_by_provider",
				}),
			})
		}
		return nil
	}

	if inst.WorkerModelID == nil {
		j.backfillModel(ctx, inst)
	}
	return nil
}

// backfillModel probes /v1/models directly and records the first reported
// model id, best-effort: a failed probe just leaves worker_model_id unset
// for the next tick to retry.
func (j *WatchdogJob) backfillModel(ctx context.Context, inst *types.Instance) {
	if inst.IPAddress == nil || inst.WorkerVLLMPort == nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s:%d/v1/models", *inst.IPAddress, *inst.WorkerVLLMPort), nil)
	if err != nil {
		return
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}
	var out modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || len(out.Data) == 0 {
		return
	}
	modelID := out.Data[0].ID
	if err := j.store.UpdateWorkerFields(ctx, storage.WorkerFieldsUpdate{InstanceID: inst.ID, WorkerModelID: &modelID}); err != nil {
		j.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("failed to backfill worker_model_id")
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
