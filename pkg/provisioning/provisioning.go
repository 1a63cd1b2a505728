// Package provisioning executes CMD:PROVISION: it drives a newly created
// instance through provider-create, volume discovery/resize, power-on, IP
// and security-group setup, SSH reachability, and finally the
// provisioning→booting transition.
package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/cuemby/stratoforge/pkg/audit"
	"github.com/cuemby/stratoforge/pkg/bus"
	"github.com/cuemby/stratoforge/pkg/events"
	"github.com/cuemby/stratoforge/pkg/log"
	"github.com/cuemby/stratoforge/pkg/progress"
	"github.com/cuemby/stratoforge/pkg/provider"
	"github.com/cuemby/stratoforge/pkg/retry"
	"github.com/cuemby/stratoforge/pkg/statemachine"
	"github.com/cuemby/stratoforge/pkg/storage"
	"github.com/cuemby/stratoforge/pkg/types"
)

// Config bounds the pipeline's timing behaviour, sourced from internal/config.
type Config struct {
	StepRetries              int
	ProvisioningDeadline     time.Duration
	SSHDeadline              time.Duration
	DefaultDataVolumeGB      int
	WorkerDataVolumeGBOverride *int
	BuiltinVLLMImage         string
}

// ErrIncompatibleGPUImage is the fatal, non-retriable error returned when a
// zone/instance-type combination is below the minimum compute capability
// and has no explicit image override configured for it.
var ErrIncompatibleGPUImage = errors.New("provisioning: incompatible_gpu_image")

// minComputeCapabilityForDefaultImage is the compute-capability floor below
// which the built-in default image is refused rather than silently applied,
// per the Open Question decision recorded in DESIGN.md.
const minComputeCapabilityForDefaultImage = 7.0

// dialer abstracts net.Dialer.DialContext so tests can substitute a fake
// SSH reachability probe instead of touching the network.
type dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Pipeline runs the provisioning step sequence for one instance.
type Pipeline struct {
	store    storage.Store
	fsm      *statemachine.StateMachine
	bus      *bus.Bus
	resolver *provider.Resolver
	cfg      Config
	logger   zerolog.Logger
	dialer   dialer
	broker   *events.Broker
}

// New builds a Pipeline. providerResolver supplies scoped provider clients
// (C11); b publishes EVT:INSTANCE_COST_START on entering booting.
func New(store storage.Store, fsm *statemachine.StateMachine, b *bus.Bus, providerResolver *provider.Resolver, cfg Config) *Pipeline {
	return &Pipeline{
		store:    store,
		fsm:      fsm,
		bus:      b,
		resolver: providerResolver,
		dialer:   &net.Dialer{},
		cfg:      cfg,
		logger:   log.WithComponent("provisioning"),
	}
}

// SetBroker wires a realtime event broker (C13) into every audit.Logger this
// Pipeline creates. Optional: a Pipeline with no broker set behaves exactly
// as before.
func (p *Pipeline) SetBroker(broker *events.Broker) {
	p.broker = broker
}

// Run executes CMD:PROVISION for one instance. Idempotent: re-running on an
// instance already past provisioning is a no-op.
func (p *Pipeline) Run(ctx context.Context, instanceID string, payload json.RawMessage, correlationID string) error {
	var cmd bus.ProvisionPayload
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("decoding CMD:PROVISION payload: %w", err)
	}

	inst, err := p.store.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("loading instance %s: %w", instanceID, err)
	}
	if inst.Status != types.InstanceStatusProvisioning {
		p.logger.Info().Str("instance_id", instanceID).Str("status", string(inst.Status)).
			Msg("CMD:PROVISION no-op: instance already past provisioning")
		return nil
	}

	al := audit.New(p.store, correlationID)
	al.SetBroker(p.broker)
	deadline := inst.CreatedAt.Add(p.cfg.ProvisioningDeadline)

	if err := p.checkDeadline(ctx, deadline, instanceID, al); err != nil {
		return err
	}

	if err := al.Step(ctx, instanceID, "EXECUTE_CREATE", types.ActionLogComponentOrchestrator, func(ctx context.Context) error {
		return nil
	}); err != nil {
		return p.fail(ctx, instanceID, al, "EXECUTE_CREATE_FAILED", err)
	}

	providerRow, err := p.store.GetProvider(ctx, inst.ProviderID)
	if err != nil {
		return p.fail(ctx, instanceID, al, "PROVIDER_LOOKUP_FAILED", err)
	}
	client, err := p.resolver.Resolve(ctx, providerRow.Code, inst.OrganizationID)
	if err != nil {
		return p.fail(ctx, instanceID, al, "PROVIDER_CLIENT_UNAVAILABLE", err)
	}

	instanceType, err := p.store.GetInstanceType(ctx, inst.InstanceTypeID)
	if err != nil {
		return p.fail(ctx, instanceID, al, "INSTANCE_TYPE_LOOKUP_FAILED", err)
	}

	imageID, err := p.resolveImage(ctx, providerRow.Code, inst.OrganizationID, instanceType, cmd.InstanceTypeCode)
	if err != nil {
		if errors.Is(err, ErrIncompatibleGPUImage) {
			return p.fail(ctx, instanceID, al, "INCOMPATIBLE_GPU_IMAGE", err)
		}
		return p.fail(ctx, instanceID, al, "IMAGE_RESOLUTION_FAILED", err)
	}

	// A restart mid-provisioning resumes from wherever provider_instance_id
	// landed: if PROVIDER_CREATE already ran and persisted it, reuse that VM
	// instead of calling CreateInstance again and orphaning a duplicate.
	var providerInstanceID string
	resuming := inst.ProviderInstanceID != nil && *inst.ProviderInstanceID != ""
	if resuming {
		providerInstanceID = *inst.ProviderInstanceID
	}
	err = al.Step(ctx, instanceID, "PROVIDER_CREATE", types.ActionLogComponentOrchestrator, func(ctx context.Context) error {
		if resuming {
			return nil
		}
		return retry.Do(ctx, p.cfg.StepRetries, 500*time.Millisecond, retry.AlwaysRetry, func(ctx context.Context) error {
			id, createErr := client.CreateInstance(ctx, provider.CreateInstanceInput{
				Zone:    cmd.ZoneCode,
				Type:    cmd.InstanceTypeCode,
				ImageID: imageID,
			})
			if createErr != nil {
				return createErr
			}
			providerInstanceID = id
			return nil
		})
	})
	if err != nil {
		return p.fail(ctx, instanceID, al, "PROVIDER_CREATE_FAILED", err)
	}
	if !resuming {
		if err := p.store.UpdateWorkerFields(ctx, storage.WorkerFieldsUpdate{InstanceID: instanceID, ProviderInstanceID: &providerInstanceID}); err != nil {
			p.logger.Warn().Err(err).Msg("failed to persist provider_instance_id")
		}
	}

	if err := p.discoverAndTrackVolumes(ctx, inst, client, providerInstanceID); err != nil {
		return p.fail(ctx, instanceID, al, "VOLUME_DISCOVERY_FAILED", err)
	}

	existingVolumes, err := p.store.ListVolumesByInstance(ctx, instanceID)
	if err != nil {
		return p.fail(ctx, instanceID, al, "VOLUME_DISCOVERY_FAILED", err)
	}
	var bootVolume *types.InstanceVolume
	hasDataVolume := false
	for _, v := range existingVolumes {
		if v.IsBoot {
			bootVolume = v
		}
		if v.VolumeType == "data" {
			hasDataVolume = true
		}
	}

	if bootVolume != nil {
		minBootVolumeGB, err := p.resolveMinBootVolumeGB(ctx, providerRow.Code, inst.OrganizationID, instanceType, cmd.InstanceTypeCode)
		if err != nil {
			return p.fail(ctx, instanceID, al, "BOOT_VOLUME_POLICY_FAILED", err)
		}
		if minBootVolumeGB > 0 {
			if err := al.Step(ctx, instanceID, "PROVIDER_VOLUME_RESIZE", types.ActionLogComponentOrchestrator, func(ctx context.Context) error {
				return p.resizeBootVolumeIfNeeded(ctx, client, providerInstanceID, bootVolume, minBootVolumeGB)
			}); err != nil {
				return p.fail(ctx, instanceID, al, "BOOT_VOLUME_RESIZE_FAILED", err)
			}
		}
	}

	dataVolumeGB := progress.RecommendedDataVolumeGB(cmd.ModelID, p.firstNonNil(cmd.DataVolumeGB, p.cfg.WorkerDataVolumeGBOverride), p.cfg.DefaultDataVolumeGB)
	err = al.Step(ctx, instanceID, "PROVIDER_CREATE_VOLUME", types.ActionLogComponentOrchestrator, func(ctx context.Context) error {
		if hasDataVolume {
			return nil
		}
		return retry.Do(ctx, p.cfg.StepRetries, 500*time.Millisecond, retry.AlwaysRetry, func(ctx context.Context) error {
			vol, createErr := client.CreateVolume(ctx, providerInstanceID, dataVolumeGB)
			if createErr != nil {
				return createErr
			}
			if attachErr := client.AttachVolume(ctx, providerInstanceID, vol.ProviderVolumeID); attachErr != nil {
				return attachErr
			}
			return p.store.UpsertVolume(ctx, &types.InstanceVolume{
				InstanceID:        instanceID,
				ProviderID:        inst.ProviderID,
				ZoneCode:          cmd.ZoneCode,
				ProviderVolumeID:  vol.ProviderVolumeID,
				VolumeType:        "data",
				SizeBytes:         vol.SizeBytes,
				IsBoot:            false,
				DeleteOnTerminate: true,
				Status:            types.VolumeStatusAttached,
				CreatedAt:         time.Now().UTC(),
			})
		})
	})
	if err != nil {
		return p.fail(ctx, instanceID, al, "DATA_VOLUME_FAILED", err)
	}

	if err := al.Step(ctx, instanceID, "PROVIDER_START", types.ActionLogComponentOrchestrator, func(ctx context.Context) error {
		return retry.Do(ctx, p.cfg.StepRetries, 500*time.Millisecond, retry.AlwaysRetry, func(ctx context.Context) error {
			return client.StartInstance(ctx, providerInstanceID)
		})
	}); err != nil {
		return p.fail(ctx, instanceID, al, "PROVIDER_START_FAILED", err)
	}

	var ip string
	if err := al.Step(ctx, instanceID, "PROVIDER_GET_IP", types.ActionLogComponentOrchestrator, func(ctx context.Context) error {
		return retry.Do(ctx, p.cfg.StepRetries, 500*time.Millisecond, retry.AlwaysRetry, func(ctx context.Context) error {
			got, ipErr := client.GetInstanceIP(ctx, providerInstanceID)
			if ipErr != nil {
				return ipErr
			}
			ip = got
			return nil
		})
	}); err != nil {
		return p.fail(ctx, instanceID, al, "PROVIDER_GET_IP_FAILED", err)
	}
	if err := p.store.UpdateWorkerFields(ctx, storage.WorkerFieldsUpdate{InstanceID: instanceID, IPAddress: &ip}); err != nil {
		p.logger.Warn().Err(err).Msg("failed to persist instance IP")
	}

	vllmPort := 8000
	healthPort := 8001
	if err := al.Step(ctx, instanceID, "PROVIDER_SECURITY_GROUP", types.ActionLogComponentOrchestrator, func(ctx context.Context) error {
		return retry.Do(ctx, p.cfg.StepRetries, 500*time.Millisecond, retry.AlwaysRetry, func(ctx context.Context) error {
			return client.EnsureInboundTCPPorts(ctx, providerInstanceID, []int{22, vllmPort, healthPort})
		})
	}); err != nil {
		return p.fail(ctx, instanceID, al, "SECURITY_GROUP_FAILED", err)
	}

	if err := al.Step(ctx, instanceID, "WORKER_SSH_ACCESSIBLE", types.ActionLogComponentOrchestrator, func(ctx context.Context) error {
		return p.probeSSH(ctx, ip)
	}); err != nil {
		return p.fail(ctx, instanceID, al, "SSH_UNREACHABLE", err)
	}

	if err := al.Step(ctx, instanceID, "WORKER_SSH_INSTALL", types.ActionLogComponentOrchestrator, func(ctx context.Context) error {
		return p.installWorker(ctx, providerRow.Code, inst.OrganizationID, ip, imageID, vllmPort, healthPort)
	}); err != nil {
		return p.fail(ctx, instanceID, al, "WORKER_INSTALL_FAILED", err)
	}

	if err := p.fsm.Transition(ctx, instanceID, types.InstanceStatusProvisioning, types.InstanceStatusBooting, "provisioning steps complete", nil); err != nil {
		return fmt.Errorf("transitioning to booting: %w", err)
	}

	if p.bus != nil {
		_ = p.bus.Publish(ctx, bus.TopicFinopsEvents, bus.Envelope{
			Type:          string(bus.EvtInstanceCostStart),
			InstanceID:    &instanceID,
			CorrelationID: correlationID,
			Payload:       mustMarshal(bus.InstanceCostStartPayload{
				InstanceID:       instanceID,
				StartedAt:        time.Now().UTC().Format(time.RFC3339),
				ProviderCode:     providerRow.Code,
				InstanceTypeCode: cmd.InstanceTypeCode,
				OrganizationID:   inst.OrganizationID,
			}),
		})
	}

	return nil
}

func (p *Pipeline) firstNonNil(a, b *int) *int {
	if a != nil {
		return a
	}
	return b
}

// resolveImage applies the override chain: instance_types.allocation_params
// .vllm_image overrides provider_settings.WORKER_VLLM_IMAGE_<TYPE> overrides
// provider_settings.WORKER_VLLM_IMAGE overrides the built-in default —
// unless the instance type is below the minimum compute capability, in
// which case only an explicit override is accepted.
func (p *Pipeline) resolveImage(ctx context.Context, providerCode, organizationID string, instanceType *types.InstanceType, instanceTypeCode string) (string, error) {
	if instanceType.AllocationParams != nil {
		var params struct {
			VLLMImage string `json:"vllm_image"`
		}
		if err := json.Unmarshal(instanceType.AllocationParams, &params); err == nil && params.VLLMImage != "" {
			return params.VLLMImage, nil
		}
	}

	perTypeKey := "WORKER_VLLM_IMAGE_" + instanceTypeCode
	if setting, err := p.store.GetProviderSetting(ctx, providerCode, perTypeKey, organizationID); err == nil && setting.ValueText != nil {
		return *setting.ValueText, nil
	}

	if setting, err := p.store.GetProviderSetting(ctx, providerCode, "WORKER_VLLM_IMAGE", organizationID); err == nil && setting.ValueText != nil {
		return *setting.ValueText, nil
	}

	if instanceType.ComputeCapability < minComputeCapabilityForDefaultImage {
		return "", fmt.Errorf("%w: instance type %s has compute_capability %.1f with no explicit image override", ErrIncompatibleGPUImage, instanceTypeCode, instanceType.ComputeCapability)
	}

	return p.cfg.BuiltinVLLMImage, nil
}

// resolveMinBootVolumeGB applies the same override chain as resolveImage
// (instance_types.allocation_params -> per-type provider setting -> provider
// setting) to decide whether the boot volume a provider hands back by
// default needs enlarging. Returns 0 when nothing configures a minimum,
// meaning PROVIDER_VOLUME_RESIZE is skipped entirely — most providers'
// default boot volume is already the right size and this is a no-op.
func (p *Pipeline) resolveMinBootVolumeGB(ctx context.Context, providerCode, organizationID string, instanceType *types.InstanceType, instanceTypeCode string) (int, error) {
	if instanceType.AllocationParams != nil {
		var params struct {
			MinBootVolumeGB int `json:"min_boot_volume_gb"`
		}
		if err := json.Unmarshal(instanceType.AllocationParams, &params); err == nil && params.MinBootVolumeGB > 0 {
			return params.MinBootVolumeGB, nil
		}
	}

	perTypeKey := "WORKER_MIN_BOOT_VOLUME_GB_" + instanceTypeCode
	if setting, err := p.store.GetProviderSetting(ctx, providerCode, perTypeKey, organizationID); err == nil && setting.ValueText != nil {
		return strconv.Atoi(*setting.ValueText)
	}

	if setting, err := p.store.GetProviderSetting(ctx, providerCode, "WORKER_MIN_BOOT_VOLUME_GB", organizationID); err == nil && setting.ValueText != nil {
		return strconv.Atoi(*setting.ValueText)
	}

	return 0, nil
}

// resizeBootVolumeIfNeeded enlarges the boot volume to minBootVolumeGB when
// it is currently smaller, stopping the instance first per spec (some
// providers, e.g. Scaleway block storage, refuse to resize an attached
// volume on a running instance). PROVIDER_START later powers it back on.
func (p *Pipeline) resizeBootVolumeIfNeeded(ctx context.Context, client provider.Client, providerInstanceID string, bootVolume *types.InstanceVolume, minBootVolumeGB int) error {
	targetBytes := int64(minBootVolumeGB) * 1024 * 1024 * 1024
	if bootVolume.SizeBytes >= targetBytes {
		return nil
	}

	return retry.Do(ctx, p.cfg.StepRetries, 500*time.Millisecond, retry.AlwaysRetry, func(ctx context.Context) error {
		if err := client.StopInstance(ctx, providerInstanceID); err != nil {
			return err
		}
		if err := client.ResizeBlockStorage(ctx, bootVolume.ProviderVolumeID, minBootVolumeGB); err != nil {
			return err
		}
		return p.store.MarkVolumeStatus(ctx, bootVolume.ID, types.VolumeStatusAttached)
	})
}

func (p *Pipeline) discoverAndTrackVolumes(ctx context.Context, inst *types.Instance, client provider.Client, providerInstanceID string) error {
	volumes, err := client.ListAttachedVolumes(ctx, providerInstanceID)
	if err != nil {
		return fmt.Errorf("listing attached volumes: %w", err)
	}
	for _, v := range volumes {
		if err := p.store.UpsertVolume(ctx, &types.InstanceVolume{
			InstanceID:        inst.ID,
			ProviderID:        inst.ProviderID,
			ProviderVolumeID:  v.ProviderVolumeID,
			ProviderVolumeName: &v.Name,
			VolumeType:        "boot",
			SizeBytes:         v.SizeBytes,
			IsBoot:            v.IsBoot,
			DeleteOnTerminate: v.IsBoot,
			Status:            types.VolumeStatusAttached,
			CreatedAt:         time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("tracking discovered volume %s: %w", v.ProviderVolumeID, err)
		}
	}
	return nil
}

// probeSSH dials TCP 22 on ip, bounded by the configured SSH deadline.
func (p *Pipeline) probeSSH(ctx context.Context, ip string) error {
	deadlineCtx, cancel := context.WithTimeout(ctx, p.cfg.SSHDeadline)
	defer cancel()

	return retry.Do(deadlineCtx, p.cfg.StepRetries, time.Second, retry.AlwaysRetry, func(ctx context.Context) error {
		conn, err := p.dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, "22"))
		if err != nil {
			return err
		}
		return conn.Close()
	})
}

// installWorker bootstraps the vLLM worker agent over SSH once the host
// answers on port 22. It is optional: a provider/organization with no
// WORKER_SSH_PRIVATE_KEY setting configured has no automated install path
// (the image is assumed to already carry the agent baked in), so this step
// no-ops rather than failing provisioning.
func (p *Pipeline) installWorker(ctx context.Context, providerCode, organizationID, ip, imageID string, vllmPort, healthPort int) error {
	keySetting, err := p.store.GetProviderSetting(ctx, providerCode, "WORKER_SSH_PRIVATE_KEY", organizationID)
	if err != nil || keySetting.ValueText == nil {
		return nil
	}

	signer, err := ssh.ParsePrivateKey([]byte(*keySetting.ValueText))
	if err != nil {
		return fmt.Errorf("parsing worker SSH private key: %w", err)
	}

	user := "root"
	if userSetting, err := p.store.GetProviderSetting(ctx, providerCode, "WORKER_SSH_USER", organizationID); err == nil && userSetting.ValueText != nil {
		user = *userSetting.ValueText
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, p.cfg.SSHDeadline)
	defer cancel()

	addr := net.JoinHostPort(ip, "22")
	return retry.Do(deadlineCtx, p.cfg.StepRetries, time.Second, retry.AlwaysRetry, func(ctx context.Context) error {
		conn, err := p.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}

		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         p.cfg.SSHDeadline,
		})
		if err != nil {
			return fmt.Errorf("establishing SSH session: %w", err)
		}
		client := ssh.NewClient(sshConn, chans, reqs)
		defer client.Close()

		session, err := client.NewSession()
		if err != nil {
			return fmt.Errorf("opening SSH session: %w", err)
		}
		defer session.Close()

		cmd := fmt.Sprintf(
			"docker run -d --restart unless-stopped --gpus all -p %d:%d -p %d:%d %s",
			vllmPort, vllmPort, healthPort, healthPort, imageID,
		)
		if err := session.Run(cmd); err != nil {
			return fmt.Errorf("running worker install command: %w", err)
		}
		return nil
	})
}

func (p *Pipeline) checkDeadline(ctx context.Context, deadline time.Time, instanceID string, al *audit.Logger) error {
	if time.Now().After(deadline) {
		return p.fail(ctx, instanceID, al, "PROVISIONING_TIMEOUT", fmt.Errorf("exceeded provisioning deadline"))
	}
	return nil
}

// fail transitions the instance to provisioning_failed with the given error
// code and returns a wrapped error for the caller (the dispatcher) to log.
func (p *Pipeline) fail(ctx context.Context, instanceID string, al *audit.Logger, errorCode string, cause error) error {
	msg := cause.Error()
	if transErr := p.fsm.Transition(ctx, instanceID, types.InstanceStatusProvisioning, types.InstanceStatusProvisioningFailed, errorCode, map[string]any{
		"error_code":    errorCode,
		"error_message": msg,
	}); transErr != nil {
		p.logger.Error().Err(transErr).Str("instance_id", instanceID).Msg("failed to transition to provisioning_failed")
	}
	return fmt.Errorf("provisioning failed (%s): %w", errorCode, cause)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
