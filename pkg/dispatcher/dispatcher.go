// Package dispatcher subscribes to the orchestrator_events command topic
// and fans each envelope out to the handler registered for its command
// type, bounding concurrency and serializing per-instance work the way
// SPEC_FULL.md §4.2/§5 require.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/stratoforge/pkg/bus"
	"github.com/cuemby/stratoforge/pkg/log"
)

// Handler processes one decoded command payload for a given instance.
// instanceID is empty for instance-less commands (CMD:SYNC_CATALOG).
type Handler func(ctx context.Context, instanceID string, payload json.RawMessage, correlationID string) error

// Dispatcher owns the subscription loop, the per-command handler registry,
// the per-instance serialization lock, and an inflight-command bound.
type Dispatcher struct {
	bus    *bus.Bus
	logger zerolog.Logger

	handlers map[bus.CommandType]Handler

	sem chan struct{}

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	wg sync.WaitGroup
}

// New builds a Dispatcher bounded to maxInflight concurrently running
// commands. Register handlers with On before calling Run.
func New(b *bus.Bus, maxInflight int) *Dispatcher {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	return &Dispatcher{
		bus:      b,
		logger:   log.WithComponent("dispatcher"),
		handlers: make(map[bus.CommandType]Handler),
		sem:      make(chan struct{}, maxInflight),
		locks:    make(map[string]*sync.Mutex),
	}
}

// On registers the Handler for a command type. Call before Run.
func (d *Dispatcher) On(cmd bus.CommandType, h Handler) {
	d.handlers[cmd] = h
}

// instanceLock returns the mutex serializing work for one instance id,
// creating it on first use. This is the in-process advisory lock spec §6.1
// describes layered on top of the DB-level SELECT FOR UPDATE SKIP LOCKED
// used by job claiming.
func (d *Dispatcher) instanceLock(instanceID string) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	l, ok := d.locks[instanceID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[instanceID] = l
	}
	return l
}

// Run subscribes to orchestrator_events and processes envelopes until ctx is
// canceled, then drains already-admitted work before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	sub := d.bus.Subscribe(ctx, bus.TopicOrchestratorEvents)
	defer sub.Close()

	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				d.wg.Wait()
				return
			}
			d.admit(ctx, env)
		case <-ctx.Done():
			d.wg.Wait()
			return
		}
	}
}

// Drain blocks until every admitted command finishes, up to ctx's deadline.
// Called during graceful shutdown after the subscription is torn down.
func (d *Dispatcher) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn().Msg("drain deadline exceeded with commands still inflight")
	}
}

// admit bounds concurrency via the semaphore, then dispatches in its own
// goroutine so one slow command never blocks the subscription loop.
func (d *Dispatcher) admit(ctx context.Context, env bus.Envelope) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.sem }()
		d.dispatch(ctx, env)
	}()
}

// dispatch serializes per-instance by acquiring that instance's lock (when
// the command carries one), looks up the registered handler by command
// type, and runs it, logging and swallowing handler errors: a failed
// command is recovered by reconciliation, not retried inline.
func (d *Dispatcher) dispatch(ctx context.Context, env bus.Envelope) {
	cmd := bus.CommandType(env.Type)
	handler, ok := d.handlers[cmd]
	if !ok {
		d.logger.Warn().Str("type", env.Type).Msg("no handler registered for command type")
		return
	}

	var instanceID string
	if env.InstanceID != nil {
		instanceID = *env.InstanceID
		lock := d.instanceLock(instanceID)
		lock.Lock()
		defer lock.Unlock()
	}

	logger := log.WithCorrelationID(env.CorrelationID)
	if instanceID != "" {
		logger = log.WithInstanceID(instanceID)
	}

	if err := handler(ctx, instanceID, env.Payload, env.CorrelationID); err != nil {
		logger.Error().Err(fmt.Errorf("handling %s: %w", env.Type, err)).Str("type", env.Type).Msg("command handler failed")
	}
}
