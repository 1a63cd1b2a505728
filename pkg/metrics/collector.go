package metrics

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/cuemby/stratoforge/pkg/storage"
)

// Collector polls storage.Store for the gauge metrics that have no natural
// write-path hook (InstancesTotal, VolumesTotal): a current count by status
// can only be answered by reading the table. It exposes a Tick method instead of running its own
// ticker goroutine: pkg/jobs.Runner already owns that loop shape (one
// ticker per registered job, shared shutdown), so the collector rides it
// as just another named job rather than duplicating the ticker machinery.
type Collector struct {
	store storage.Store
}

// NewCollector builds a Collector over store. Callers register its Tick
// method on a jobs.Runner, e.g. runner.Register("metrics", 15*time.Second, collector.Tick).
func NewCollector(store storage.Store) *Collector {
	return &Collector{store: store}
}

// Tick refreshes every gauge this collector owns. Partial failures (one
// query failing) don't block the other: both are attempted and their
// errors accumulated, the same discipline pkg/jobs ticks use.
func (c *Collector) Tick(ctx context.Context) error {
	var errs *multierror.Error
	if err := c.collectInstances(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("collecting instance metrics: %w", err))
	}
	if err := c.collectVolumes(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("collecting volume metrics: %w", err))
	}
	return errs.ErrorOrNil()
}

func (c *Collector) collectInstances(ctx context.Context) error {
	counts, err := c.store.CountInstancesByStatus(ctx)
	if err != nil {
		return err
	}
	for status, n := range counts {
		InstancesTotal.WithLabelValues(string(status)).Set(float64(n))
	}
	return nil
}

func (c *Collector) collectVolumes(ctx context.Context) error {
	counts, err := c.store.CountVolumesByStatus(ctx)
	if err != nil {
		return err
	}
	for status, n := range counts {
		VolumesTotal.WithLabelValues(string(status)).Set(float64(n))
	}
	return nil
}
