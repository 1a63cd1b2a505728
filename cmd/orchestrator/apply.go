package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/stratoforge/pkg/bus"
	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create an instance row from a declarative YAML spec and trigger CMD:PROVISION",
	Long: `Reads an instance spec from a YAML file, inserts the instance row, and
publishes CMD:PROVISION for it — an operator-facing shortcut for triggering
provisioning without going through the (out-of-scope) user-facing API.

Example:
  orchestrator apply -f instance.yaml

Spec file:
  apiVersion: v1
  kind: Instance
  spec:
    organizationId: 11111111-1111-4111-8111-111111111111
    providerId:     22222222-2222-4222-8222-222222222222
    zoneId:         33333333-3333-4333-8333-333333333333
    zoneCode:       us-east-1a
    instanceTypeId: 44444444-4444-4444-8444-444444444444
    instanceTypeCode: a100-80gb
    hfModelId:      meta/Llama-2-7b
    dataVolumeGb:   200`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML instance spec to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")
}

// instanceSpec is the single resource kind this tool understands, the
// generalization of the teacher's WarrenResource to this domain: one kind
// (Instance) instead of Service/Secret/Volume, since there is no multi-kind
// resource model here.
type instanceSpec struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Spec       struct {
		OrganizationID   string `yaml:"organizationId"`
		ProviderID       string `yaml:"providerId"`
		ZoneID           string `yaml:"zoneId"`
		ZoneCode         string `yaml:"zoneCode"`
		InstanceTypeID   string `yaml:"instanceTypeId"`
		InstanceTypeCode string `yaml:"instanceTypeCode"`
		HFModelID        string `yaml:"hfModelId"`
		DataVolumeGB     *int   `yaml:"dataVolumeGb,omitempty"`
	} `yaml:"spec"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("reading spec file: %w", err)
	}

	var res instanceSpec
	if err := yaml.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("parsing spec file: %w", err)
	}
	if res.Kind != "Instance" {
		return fmt.Errorf("unsupported resource kind %q (only Instance is supported)", res.Kind)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer redisClient.Close()
	b := bus.New(redisClient)

	instanceID := uuid.NewString()
	instance := &types.Instance{
		ID:             instanceID,
		ProviderID:     res.Spec.ProviderID,
		ZoneID:         res.Spec.ZoneID,
		InstanceTypeID: res.Spec.InstanceTypeID,
		OrganizationID: res.Spec.OrganizationID,
		HFModelID:      res.Spec.HFModelID,
		Status:         types.InstanceStatusProvisioning,
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.CreateInstance(ctx, instance); err != nil {
		return fmt.Errorf("creating instance: %w", err)
	}

	correlationID := uuid.NewString()
	payload, err := json.Marshal(bus.ProvisionPayload{
		InstanceID:       instanceID,
		ZoneCode:         res.Spec.ZoneCode,
		InstanceTypeCode: res.Spec.InstanceTypeCode,
		ModelID:          res.Spec.HFModelID,
		DataVolumeGB:     res.Spec.DataVolumeGB,
	})
	if err != nil {
		return fmt.Errorf("encoding CMD:PROVISION payload: %w", err)
	}
	if err := b.Publish(ctx, bus.TopicOrchestratorEvents, bus.Envelope{
		Type:          string(bus.CmdProvision),
		InstanceID:    &instanceID,
		CorrelationID: correlationID,
		Payload:       payload,
	}); err != nil {
		return fmt.Errorf("publishing CMD:PROVISION: %w", err)
	}

	fmt.Printf("instance created: %s\n", instanceID)
	fmt.Printf("CMD:PROVISION published (correlation_id=%s)\n", correlationID)
	return nil
}
