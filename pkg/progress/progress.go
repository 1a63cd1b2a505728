// Package progress derives progress_percent as a pure function of an
// instance's current status and the set of completed ActionLog rows it has
// accumulated, and sizes recommended data volumes from a model id.
package progress

import (
	"regexp"

	"github.com/cuemby/stratoforge/pkg/types"
)

// terminalZero are statuses that always read as 0% regardless of history.
var terminalZero = map[types.InstanceStatus]bool{
	types.InstanceStatusArchived:           true,
	types.InstanceStatusTerminated:         true,
	types.InstanceStatusTerminating:        true,
	types.InstanceStatusProvisioningFailed: true,
	types.InstanceStatusStartupFailed:      true,
	types.InstanceStatusUnavailable:        false, // not a *_failed state: falls through to the milestone scan below
	types.InstanceStatusFailed:             true,
}

// provisioningMilestones is the §4.12 table for status=provisioning.
var provisioningMilestones = map[string]int{
	"REQUEST_CREATE":          5,
	"PROVIDER_CREATE":         20,
	"PROVIDER_VOLUME_RESIZE":  25,
}

// bootingMilestones is the §4.12 table for status=booting.
var bootingMilestones = map[string]int{
	"PROVIDER_CREATE":          25,
	"PROVIDER_START":           30,
	"PROVIDER_GET_IP":          40,
	"PROVIDER_SECURITY_GROUP":  45,
	"WORKER_SSH_ACCESSIBLE":    50,
	"WORKER_SSH_INSTALL":       60,
	"WORKER_VLLM_HTTP_OK":      70,
	"WORKER_MODEL_LOADED":      80,
	"WORKER_VLLM_WARMUP":       90,
	"HEALTH_CHECK_SUCCESS":     95,
}

// Percent computes progress_percent(instance) per spec §4.12: a pure
// function of status and the set of completed (status=success) ActionLog
// action types for that instance.
func Percent(status types.InstanceStatus, completedActionTypes []string) int {
	if status == types.InstanceStatusReady {
		return 100
	}
	if terminalZero[status] {
		return 0
	}

	var milestones map[string]int
	switch status {
	case types.InstanceStatusProvisioning:
		milestones = provisioningMilestones
	case types.InstanceStatusBooting:
		milestones = bootingMilestones
	case types.InstanceStatusUnavailable:
		// unavailable instances were ready (or close to it) before going
		// stale; derive progress from whichever milestone it last reached
		// rather than forcing it back to 0.
		max := 0
		for _, table := range [2]map[string]int{provisioningMilestones, bootingMilestones} {
			for _, actionType := range completedActionTypes {
				if pct, ok := table[actionType]; ok && pct > max {
					max = pct
				}
			}
		}
		return max
	default:
		return 0
	}

	max := 0
	for _, actionType := range completedActionTypes {
		if pct, ok := milestones[actionType]; ok && pct > max {
			max = pct
		}
	}
	return max
}

// dataVolumeTiers maps a compiled regex matching a model-id family to its
// recommended size in GB, checked in order (first match wins), per §4.12.
var dataVolumeTiers = []struct {
	pattern *regexp.Regexp
	gb      int
}{
	{regexp.MustCompile(`(?i)0\.5B|0\.6B`), 50},
	{regexp.MustCompile(`(?i)\b1B\b|1\.5B|\b2B\b`), 70},
	{regexp.MustCompile(`(?i)\b7B\b|\b8B\b`), 100},
	{regexp.MustCompile(`(?i)12B|13B|14B`), 120},
	{regexp.MustCompile(`(?i)24B|27B|30B|32B`), 180},
	{regexp.MustCompile(`(?i)70B|72B`), 450},
}

// RecommendedDataVolumeGB resolves worker_storage.recommended_data_volume_gb.
// envOverrideGB, when non-nil, comes from WORKER_DATA_VOLUME_GB and wins
// unconditionally; otherwise the model id is matched against known size
// tiers by regex, falling back to defaultGB.
func RecommendedDataVolumeGB(modelID string, envOverrideGB *int, defaultGB int) int {
	if envOverrideGB != nil {
		return *envOverrideGB
	}
	for _, tier := range dataVolumeTiers {
		if tier.pattern.MatchString(modelID) {
			return tier.gb
		}
	}
	return defaultGB
}
