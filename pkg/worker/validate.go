package worker

import (
	"github.com/rs/zerolog"
)

// clamp restricts v to [min, max], logging a warning when it had to. Per
// spec §4.9/§8.1: clamp out-of-range worker-reported readings rather than
// reject the heartbeat outright.
func clamp(v, min, max float64, field, instanceID string, logger zerolog.Logger) (float64, bool) {
	if v < min {
		logger.Warn().Str("instance_id", instanceID).Str("field", field).Float64("value", v).Msg("reading below minimum, clamped")
		return min, true
	}
	if v > max {
		logger.Warn().Str("instance_id", instanceID).Str("field", field).Float64("value", v).Msg("reading above maximum, clamped")
		return max, true
	}
	return v, false
}

// clampNonNegative floors a byte counter at zero.
func clampNonNegative(v int64, field, instanceID string, logger zerolog.Logger) int64 {
	if v < 0 {
		logger.Warn().Str("instance_id", instanceID).Str("field", field).Int64("value", v).Msg("negative byte counter, clamped to 0")
		return 0
	}
	return v
}
