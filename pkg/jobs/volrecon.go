package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/cuemby/stratoforge/pkg/audit"
	"github.com/cuemby/stratoforge/pkg/events"
	"github.com/cuemby/stratoforge/pkg/log"
	"github.com/cuemby/stratoforge/pkg/provider"
	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/types"
)

// VolReconConfig bounds the volume reconciliation job's batch size (C7).
type VolReconConfig struct {
	BatchSize int
}

// VolumeReconciliationJob implements spec §4.7: for every volume row marked
// deleted but not yet reconciled, confirm with the provider whether it is
// truly gone. Rows are never physically deleted; only last_reconciliation
// and reconciled_at are updated.
type VolumeReconciliationJob struct {
	store    storage.Store
	resolver *provider.Resolver
	cfg      VolReconConfig
	logger   zerolog.Logger
	broker   *events.Broker
}

// NewVolumeReconciliationJob builds a VolumeReconciliationJob.
func NewVolumeReconciliationJob(store storage.Store, resolver *provider.Resolver, cfg VolReconConfig) *VolumeReconciliationJob {
	return &VolumeReconciliationJob{
		store:    store,
		resolver: resolver,
		cfg:      cfg,
		logger:   log.WithComponent("volume-reconciliation"),
	}
}

// SetBroker wires a realtime event broker (C13) into every audit.Logger this
// job creates. Optional: a job with no broker set behaves exactly as before.
func (j *VolumeReconciliationJob) SetBroker(broker *events.Broker) {
	j.broker = broker
}

// Tick processes one backoff-ordered batch of pending volumes.
func (j *VolumeReconciliationJob) Tick(ctx context.Context) error {
	volumes, err := j.store.ListVolumesPendingReconciliation(ctx, j.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("listing volumes pending reconciliation: %w", err)
	}

	var errs *multierror.Error
	for _, v := range volumes {
		if err := j.reconcileOne(ctx, v); err != nil {
			errs = accumulate(errs, fmt.Errorf("volume %s: %w", v.ID, err))
		}
	}
	return errs.ErrorOrNil()
}

func (j *VolumeReconciliationJob) reconcileOne(ctx context.Context, v *types.InstanceVolume) error {
	inst, err := j.store.GetInstance(ctx, v.InstanceID)
	if err != nil {
		return fmt.Errorf("loading owning instance: %w", err)
	}
	providerRow, err := j.store.GetProvider(ctx, v.ProviderID)
	if err != nil {
		return fmt.Errorf("loading provider: %w", err)
	}
	client, err := j.resolver.Resolve(ctx, providerRow.Code, inst.OrganizationID)
	if err != nil {
		return fmt.Errorf("resolving provider client: %w", err)
	}

	exists, err := client.VolumeExists(ctx, v.ProviderVolumeID)
	if err != nil {
		errMsg := err.Error()
		_ = j.store.RecordVolumeReconciliation(ctx, storage.VolumeReconciliationUpdate{VolumeID: v.ID, ErrorMessage: &errMsg})
		return fmt.Errorf("checking volume existence: %w", err)
	}

	al := audit.New(j.store, "")
	al.SetBroker(j.broker)
	if exists {
		if err := client.DeleteVolume(ctx, v.ProviderVolumeID); err != nil {
			errMsg := err.Error()
			_ = j.store.RecordVolumeReconciliation(ctx, storage.VolumeReconciliationUpdate{VolumeID: v.ID, ErrorMessage: &errMsg})
			return fmt.Errorf("retrying delete: %w", err)
		}
		_ = al.Append(ctx, audit.Entry{
			InstanceID: &v.InstanceID,
			ActionType: "VOLUME_RECONCILIATION_RETRY_DELETE",
			Component:  types.ActionLogComponentOrchestrator,
			Status:     types.ActionLogStatusSuccess,
		})
		return j.store.RecordVolumeReconciliation(ctx, storage.VolumeReconciliationUpdate{VolumeID: v.ID})
	}

	now := time.Now().UTC()
	if err := j.store.RecordVolumeReconciliation(ctx, storage.VolumeReconciliationUpdate{VolumeID: v.ID, ReconciledAt: &now}); err != nil {
		return fmt.Errorf("recording orphan reconciliation: %w", err)
	}
	return al.Append(ctx, audit.Entry{
		InstanceID: &v.InstanceID,
		ActionType: "VOLUME_RECONCILIATION_ORPHAN",
		Component:  types.ActionLogComponentOrchestrator,
		Status:     types.ActionLogStatusSuccess,
	})
}
