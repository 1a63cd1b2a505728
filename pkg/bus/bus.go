// Package bus wraps the Redis Pub/Sub channels the orchestrator uses to talk
// to the API process: the inbound orchestrator_events command topic and the
// outbound finops_events topic. Delivery is at-most-once and non-durable by
// design (spec §4.2, §9) — durability for commands is reached by the
// reconciliation jobs in pkg/jobs, not by this package.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	TopicOrchestratorEvents = "orchestrator_events"
	TopicFinopsEvents       = "finops_events"
)

// CommandType is the closed set of command kinds flowing on orchestrator_events.
type CommandType string

const (
	CmdProvision   CommandType = "CMD:PROVISION"
	CmdTerminate   CommandType = "CMD:TERMINATE"
	CmdReinstall   CommandType = "CMD:REINSTALL"
	CmdSyncCatalog CommandType = "CMD:SYNC_CATALOG"
	CmdReconcile   CommandType = "CMD:RECONCILE"
)

// FinopsEventType is the closed set of event kinds published on finops_events.
type FinopsEventType string

const (
	EvtInstanceCostStart FinopsEventType = "EVT:INSTANCE_COST_START"
	EvtInstanceCostStop  FinopsEventType = "EVT:INSTANCE_COST_STOP"
)

// Envelope is the wire shape carried on both channels. Type and
// CorrelationID are required on every message; InstanceID and Payload vary
// by kind.
type Envelope struct {
	Type          string          `json:"type"`
	InstanceID    *string         `json:"instance_id,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// ProvisionPayload is the body of a CMD:PROVISION envelope.
type ProvisionPayload struct {
	InstanceID      string `json:"instance_id"`
	ZoneCode        string `json:"zone_code"`
	InstanceTypeCode string `json:"instance_type_code"`
	ModelID         string `json:"model_id"`
	DataVolumeGB    *int   `json:"data_volume_gb,omitempty"`
}

// TerminatePayload is the body of a CMD:TERMINATE envelope.
type TerminatePayload struct {
	InstanceID string `json:"instance_id"`
}

// ReinstallPayload is the body of a CMD:REINSTALL envelope.
type ReinstallPayload struct {
	InstanceID string `json:"instance_id"`
}

// SyncCatalogPayload is the body of a CMD:SYNC_CATALOG envelope.
type SyncCatalogPayload struct {
	ProviderCode string `json:"provider_code"`
}

// ReconcilePayload is the body of a CMD:RECONCILE envelope.
type ReconcilePayload struct {
	ProviderCode string `json:"provider_code,omitempty"`
}

// InstanceCostStartPayload is the body of an EVT:INSTANCE_COST_START envelope.
type InstanceCostStartPayload struct {
	InstanceID       string `json:"instance_id"`
	StartedAt        string `json:"started_at"`
	ProviderCode     string `json:"provider_code"`
	InstanceTypeCode string `json:"instance_type_code"`
	OrganizationID   string `json:"organization_id"`
}

// InstanceCostStopPayload is the body of an EVT:INSTANCE_COST_STOP envelope.
type InstanceCostStopPayload struct {
	InstanceID string `json:"instance_id"`
	StoppedAt  string `json:"stopped_at"`
	Reason     string `json:"reason"`
}

// Bus publishes and subscribes to JSON envelopes over Redis Pub/Sub. One
// subscriber task per topic is the intended usage, per spec §5.
type Bus struct {
	client *redis.Client
}

// New wraps an already-constructed redis.Client.
func New(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// Publish marshals env and fire-and-forgets it on channel. Publishes never
// block on subscriber presence; Redis Pub/Sub drops messages with no listener.
func (b *Bus) Publish(ctx context.Context, channel string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshalling envelope %s: %w", env.Type, err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

// Subscription is an open Redis Pub/Sub subscription decoded into Envelopes.
type Subscription struct {
	pubsub *redis.PubSub
	ch     chan Envelope
}

// Subscribe opens a subscription on channel. Messages that do not decode as
// an Envelope are dropped silently and never reach the returned channel.
func (b *Bus) Subscribe(ctx context.Context, channel string) *Subscription {
	pubsub := b.client.Subscribe(ctx, channel)
	out := make(chan Envelope, 64)
	sub := &Subscription{pubsub: pubsub, ch: out}

	go func() {
		defer close(out)
		raw := pubsub.Channel()
		for msg := range raw {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub
}

// C returns the decoded envelope channel. It closes when the subscription is
// closed or the underlying connection is torn down.
func (s *Subscription) C() <-chan Envelope {
	return s.ch
}

// Close tears down the subscription.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
