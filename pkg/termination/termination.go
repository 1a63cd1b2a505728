// Package termination executes CMD:TERMINATE and the terminator job's
// picked-up terminating rows: stop the instance, reconcile and delete its
// volumes, delete the instance at the provider, verify deletion, and
// transition to terminated.
package termination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/stratoforge/pkg/audit"
	"github.com/cuemby/stratoforge/pkg/bus"
	"github.com/cuemby/stratoforge/pkg/events"
	"github.com/cuemby/stratoforge/pkg/log"
	"github.com/cuemby/stratoforge/pkg/provider"
	"github.com/cuemby/stratoforge/pkg/retry"
	"github.com/cuemby/stratoforge/pkg/statemachine"
	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/types"
)

// Config bounds the pipeline's retry behaviour.
type Config struct {
	StepRetries int
}

// Pipeline drives one instance through the terminate sequence.
type Pipeline struct {
	store    storage.Store
	fsm      *statemachine.StateMachine
	bus      *bus.Bus
	resolver *provider.Resolver
	cfg      Config
	logger   zerolog.Logger
	broker   *events.Broker
}

// New builds a termination Pipeline.
func New(store storage.Store, fsm *statemachine.StateMachine, b *bus.Bus, providerResolver *provider.Resolver, cfg Config) *Pipeline {
	return &Pipeline{
		store:    store,
		fsm:      fsm,
		bus:      b,
		resolver: providerResolver,
		cfg:      cfg,
		logger:   log.WithComponent("termination"),
	}
}

// SetBroker wires a realtime event broker (C13) into every audit.Logger this
// Pipeline creates. Optional: a Pipeline with no broker set behaves exactly
// as before.
func (p *Pipeline) SetBroker(broker *events.Broker) {
	p.broker = broker
}

// Run executes CMD:TERMINATE for one instance. Idempotent: already-
// terminating or terminated instances are picked up from wherever the
// pipeline left off rather than erroring.
func (p *Pipeline) Run(ctx context.Context, instanceID string, payload json.RawMessage, correlationID string) error {
	var cmd bus.TerminatePayload
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("decoding CMD:TERMINATE payload: %w", err)
	}

	inst, err := p.store.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("loading instance %s: %w", instanceID, err)
	}
	if inst.Status == types.InstanceStatusTerminated || inst.Status == types.InstanceStatusArchived {
		return nil
	}

	al := audit.New(p.store, correlationID)
	al.SetBroker(p.broker)

	if inst.Status != types.InstanceStatusTerminating {
		if err := p.fsm.Transition(ctx, instanceID, inst.Status, types.InstanceStatusTerminating, "terminate requested", nil); err != nil {
			return fmt.Errorf("transitioning to terminating: %w", err)
		}
	}

	providerRow, err := p.store.GetProvider(ctx, inst.ProviderID)
	if err != nil {
		return fmt.Errorf("loading provider for instance %s: %w", instanceID, err)
	}
	client, err := p.resolver.Resolve(ctx, providerRow.Code, inst.OrganizationID)
	if err != nil {
		return fmt.Errorf("resolving provider client: %w", err)
	}

	if inst.ProviderInstanceID != nil {
		if err := al.Step(ctx, instanceID, "PROVIDER_STOP", types.ActionLogComponentOrchestrator, func(ctx context.Context) error {
			return retry.Do(ctx, p.cfg.StepRetries, 500*time.Millisecond, retry.AlwaysRetry, func(ctx context.Context) error {
				return client.StopInstance(ctx, *inst.ProviderInstanceID)
			})
		}); err != nil {
			p.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("PROVIDER_STOP failed, continuing termination")
		}

		if err := p.reconcileVolumes(ctx, al, inst, client, *inst.ProviderInstanceID); err != nil {
			return fmt.Errorf("reconciling volumes for instance %s: %w", instanceID, err)
		}

		if err := al.Step(ctx, instanceID, "PROVIDER_DELETE", types.ActionLogComponentOrchestrator, func(ctx context.Context) error {
			return retry.Do(ctx, p.cfg.StepRetries, 500*time.Millisecond, retry.AlwaysRetry, func(ctx context.Context) error {
				return client.TerminateInstance(ctx, *inst.ProviderInstanceID)
			})
		}); err != nil {
			return fmt.Errorf("PROVIDER_DELETE failed for instance %s: %w", instanceID, err)
		}

		exists, err := client.CheckInstanceExists(ctx, *inst.ProviderInstanceID)
		if err != nil {
			return fmt.Errorf("verifying deletion for instance %s: %w", instanceID, err)
		}
		if exists {
			return fmt.Errorf("provider still reports instance %s as existing after delete", instanceID)
		}
	}

	if err := p.fsm.Transition(ctx, instanceID, types.InstanceStatusTerminating, types.InstanceStatusTerminated, "terminate complete", nil); err != nil {
		return fmt.Errorf("transitioning to terminated: %w", err)
	}

	if p.bus != nil {
		_ = p.bus.Publish(ctx, bus.TopicFinopsEvents, bus.Envelope{
			Type:          string(bus.EvtInstanceCostStop),
			InstanceID:    &instanceID,
			CorrelationID: correlationID,
			Payload: mustMarshal(bus.InstanceCostStopPayload{
				InstanceID: instanceID,
				StoppedAt:  time.Now().UTC().Format(time.RFC3339),
				Reason:     "terminate",
			}),
		})
	}

	return nil
}

// reconcileVolumes merges the provider's current volume list with tracked
// rows (inserting any untracked ones with delete_on_terminate=true), then
// deletes every volume flagged delete_on_terminate. A provider "not found"
// on delete is treated as already-deleted success.
func (p *Pipeline) reconcileVolumes(ctx context.Context, al *audit.Logger, inst *types.Instance, client provider.Client, providerInstanceID string) error {
	attached, err := client.ListAttachedVolumes(ctx, providerInstanceID)
	if err != nil {
		return fmt.Errorf("listing attached volumes: %w", err)
	}

	tracked, err := p.store.ListVolumesByInstance(ctx, inst.ID)
	if err != nil {
		return fmt.Errorf("listing tracked volumes: %w", err)
	}
	trackedByProviderID := make(map[string]*types.InstanceVolume, len(tracked))
	for _, v := range tracked {
		trackedByProviderID[v.ProviderVolumeID] = v
	}

	for _, v := range attached {
		if _, ok := trackedByProviderID[v.ProviderVolumeID]; ok {
			continue
		}
		untracked := &types.InstanceVolume{
			InstanceID:        inst.ID,
			ProviderID:        inst.ProviderID,
			ProviderVolumeID:  v.ProviderVolumeID,
			ProviderVolumeName: &v.Name,
			VolumeType:        "unknown",
			SizeBytes:         v.SizeBytes,
			IsBoot:            v.IsBoot,
			DeleteOnTerminate: true,
			Status:            types.VolumeStatusAttached,
			CreatedAt:         time.Now().UTC(),
		}
		if err := p.store.UpsertVolume(ctx, untracked); err != nil {
			return fmt.Errorf("tracking untracked volume %s: %w", v.ProviderVolumeID, err)
		}
		tracked = append(tracked, untracked)
	}

	return al.Step(ctx, inst.ID, "VOLUME_CLEANUP", types.ActionLogComponentOrchestrator, func(ctx context.Context) error {
		for _, v := range tracked {
			if !v.DeleteOnTerminate || v.Status == types.VolumeStatusDeleted {
				continue
			}
			err := retry.Do(ctx, p.cfg.StepRetries, 500*time.Millisecond, retry.AlwaysRetry, func(ctx context.Context) error {
				return client.DeleteVolume(ctx, v.ProviderVolumeID)
			})
			if err != nil {
				return fmt.Errorf("deleting volume %s: %w", v.ProviderVolumeID, err)
			}
			if err := p.store.MarkVolumeDeleted(ctx, v.ID, time.Now().UTC()); err != nil {
				return fmt.Errorf("marking volume %s deleted: %w", v.ID, err)
			}
		}
		return nil
	})
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
