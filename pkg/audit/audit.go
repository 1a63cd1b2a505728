// Package audit writes ActionLog rows: the append-only record of every
// externally visible step, used both as an audit trail and, via pkg/progress,
// as the source of truth for progress computation.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/stratoforge/pkg/events"
	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/types"
)

// Logger appends ActionLog rows on behalf of one correlation id.
type Logger struct {
	store         storage.Store
	correlationID string
	broker        *events.Broker
}

// New returns a Logger scoped to one correlation id, the value every step of
// a single command/job execution shares.
func New(store storage.Store, correlationID string) *Logger {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return &Logger{store: store, correlationID: correlationID}
}

// SetBroker wires a realtime event broker (C13). Publishing is optional: a
// Logger with no broker set behaves exactly as before.
func (l *Logger) SetBroker(broker *events.Broker) {
	l.broker = broker
}

// CorrelationID returns the id every entry written by this logger shares.
func (l *Logger) CorrelationID() string {
	return l.correlationID
}

// Entry describes one ActionLog row to append.
type Entry struct {
	InstanceID     *string
	OrganizationID *string
	ActionType     string
	Component      types.ActionLogComponent
	Status         types.ActionLogStatus
	DurationMS     *int64
	ErrorMessage   *string
	Metadata       map[string]any
}

// Append writes one ActionLog row. Failures are returned, not swallowed: the
// audit trail is load-bearing for progress computation and replay detection.
func (l *Logger) Append(ctx context.Context, e Entry) error {
	row := &types.ActionLog{
		ID:             uuid.NewString(),
		InstanceID:     e.InstanceID,
		OrganizationID: e.OrganizationID,
		ActionType:     e.ActionType,
		Component:      e.Component,
		Status:         e.Status,
		DurationMS:     e.DurationMS,
		ErrorMessage:   e.ErrorMessage,
		CorrelationID:  l.correlationID,
		CreatedAt:      time.Now().UTC(),
	}
	if e.Metadata != nil {
		if data, err := json.Marshal(e.Metadata); err == nil {
			row.Metadata = data
		}
	}
	if err := l.store.InsertActionLog(ctx, row); err != nil {
		return fmt.Errorf("appending action log %s: %w", e.ActionType, err)
	}

	l.broker.Publish(&events.Event{
		ID:             uuid.NewString(),
		Type:           events.EventActionLogCreated,
		InstanceID:     derefOrEmpty(row.InstanceID),
		OrganizationID: derefOrEmpty(row.OrganizationID),
		Message:        row.ActionType,
	})
	return nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Step wraps a single pipeline step: it runs fn and appends one
// success/failed entry with the measured duration. It writes no in_progress
// entry (callers decide whether to log that).
func (l *Logger) Step(ctx context.Context, instanceID, actionType string, component types.ActionLogComponent, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start).Milliseconds()

	status := types.ActionLogStatusSuccess
	var errMsg *string
	if err != nil {
		status = types.ActionLogStatusFailed
		msg := err.Error()
		errMsg = &msg
	}

	if logErr := l.Append(ctx, Entry{
		InstanceID:   &instanceID,
		ActionType:   actionType,
		Component:    component,
		Status:       status,
		DurationMS:   &duration,
		ErrorMessage: errMsg,
	}); logErr != nil {
		if err == nil {
			return logErr
		}
	}
	return err
}
