// Package jobs holds the background reconciliation loops that restore
// invariants when orchestrator_events messages are lost or provider state
// drifts: health-check (C5), watchdog (C6), volume reconciliation (C7) and
// provisioning-requeue (C8). Each is a named ticker loop registered on a
// shared Runner.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/cuemby/stratoforge/pkg/log"
)

// Tick is one reconciliation pass. Implementations accumulate per-row
// failures into the returned error rather than aborting the pass early, the
// same "one failed item doesn't stop the rest" discipline the teacher's
// reconciler uses.
type Tick func(ctx context.Context) error

type registeredJob struct {
	name     string
	interval time.Duration
	tick     Tick
}

// Runner drives any number of named ticker loops and stops them together.
// Grounded on the teacher's Reconciler (ticker + stopCh goroutine per loop),
// generalized from one hardcoded loop to a registry of named ones since C5
// through C8 each run on their own configured interval.
type Runner struct {
	logger zerolog.Logger
	jobs   []registeredJob
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner builds an empty Runner. Call Register for each job before Start.
func NewRunner() *Runner {
	return &Runner{logger: log.WithComponent("jobs")}
}

// Register adds a named tick function run on the given interval once Start
// is called. Registering after Start has no effect on already-running loops.
func (r *Runner) Register(name string, interval time.Duration, tick Tick) {
	r.jobs = append(r.jobs, registeredJob{name: name, interval: interval, tick: tick})
}

// Start launches one goroutine per registered job. It returns immediately;
// call Stop (or cancel ctx) to tear every loop down.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for _, j := range r.jobs {
		j := j
		ticker := time.NewTicker(j.interval)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer ticker.Stop()
			r.logger.Info().Str("job", j.name).Dur("interval", j.interval).Msg("job started")
			for {
				select {
				case <-ticker.C:
					if err := j.tick(ctx); err != nil {
						r.logger.Error().Err(err).Str("job", j.name).Msg("reconciliation tick failed")
					}
				case <-ctx.Done():
					r.logger.Info().Str("job", j.name).Msg("job stopped")
					return
				}
			}
		}()
	}
}

// Stop cancels every running loop and waits for them to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// accumulate folds err into errs using go-multierror, the same accumulate-
// don't-abort pattern the pack's controller reconciliation loops use.
func accumulate(errs *multierror.Error, err error) *multierror.Error {
	if err != nil {
		return multierror.Append(errs, err)
	}
	return errs
}
