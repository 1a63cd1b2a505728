// Package statemachine owns instances.status. It is the only component
// permitted to mutate that column; every other package calls Transition.
package statemachine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/stratoforge/pkg/events"
	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/types"
)

// ErrConcurrentTransition is returned when the expected-from status did not
// match the row at the moment of the UPDATE — another task already moved it.
var ErrConcurrentTransition = errors.New("concurrent transition")

// ErrIllegalTransition is returned when (from, to) is not in the legal table.
// Seeing this in production is a bug, not a recoverable condition.
var ErrIllegalTransition = errors.New("illegal state transition")

// legal is the closed set of (from, to) pairs allowed by spec §4.1. The
// "* → terminating" row is not listed here; anyToTerminating covers it.
var legal = map[types.InstanceStatus][]types.InstanceStatus{
	types.InstanceStatusProvisioning: {
		types.InstanceStatusBooting,
		types.InstanceStatusProvisioningFailed,
	},
	types.InstanceStatusBooting: {
		types.InstanceStatusReady,
		types.InstanceStatusStartupFailed,
	},
	types.InstanceStatusReady: {
		types.InstanceStatusDraining,
		types.InstanceStatusUnavailable,
		types.InstanceStatusTerminated, // watchdog orphan detection (§4.6)
	},
	types.InstanceStatusDraining: {
		types.InstanceStatusTerminating,
	},
	types.InstanceStatusTerminating: {
		types.InstanceStatusTerminated,
	},
	types.InstanceStatusUnavailable: {
		types.InstanceStatusReady,
		types.InstanceStatusTerminating,
	},
	types.InstanceStatusStartupFailed: {
		types.InstanceStatusBooting, // late heartbeat recovery
	},
	types.InstanceStatusTerminated: {
		types.InstanceStatusArchived,
	},
}

// anyToTerminating holds statuses from which an explicit terminate always
// applies, per spec §4.1 "* → terminating".
var anyToTerminating = map[types.InstanceStatus]bool{
	types.InstanceStatusProvisioning: true,
	types.InstanceStatusBooting:      true,
	types.InstanceStatusReady:        true,
	types.InstanceStatusDraining:     true,
	types.InstanceStatusUnavailable:  true,
}

// isLegal reports whether from -> to is one of the enumerated transitions.
func isLegal(from, to types.InstanceStatus) bool {
	if to == types.InstanceStatusTerminating && anyToTerminating[from] {
		return true
	}
	for _, candidate := range legal[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// StateMachine wraps the store with the single mutation path for
// instances.status.
type StateMachine struct {
	store  storage.Store
	broker *events.Broker
}

// New constructs a StateMachine over the given store.
func New(store storage.Store) *StateMachine {
	return &StateMachine{store: store}
}

// SetBroker wires a realtime event broker (C13). Publishing is optional:
// a StateMachine with no broker set behaves exactly as before.
func (sm *StateMachine) SetBroker(broker *events.Broker) {
	sm.broker = broker
}

// Transition atomically moves instanceID from expectedFrom to to, recording
// reason and metadata. It writes the instance update, an InstanceStateHistory
// row, and an ActionLog row in a single transaction (storage.Store.Transition
// is responsible for the atomicity; this package only enforces the legal-
// transition table and shapes the call).
func (sm *StateMachine) Transition(ctx context.Context, instanceID string, expectedFrom, to types.InstanceStatus, reason string, metadata map[string]any) error {
	if !isLegal(expectedFrom, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, expectedFrom, to)
	}

	err := sm.store.TransitionInstance(ctx, storage.TransitionInput{
		InstanceID:   instanceID,
		ExpectedFrom: expectedFrom,
		To:           to,
		Reason:       reason,
		Metadata:     metadata,
	})
	if errors.Is(err, storage.ErrNoRowsUpdated) {
		return ErrConcurrentTransition
	}
	if err != nil {
		return fmt.Errorf("transition instance %s: %w", instanceID, err)
	}

	sm.broker.Publish(&events.Event{
		ID:         uuid.NewString(),
		Type:       events.EventInstanceUpdated,
		InstanceID: instanceID,
		Message:    fmt.Sprintf("%s -> %s", expectedFrom, to),
	})
	return nil
}
