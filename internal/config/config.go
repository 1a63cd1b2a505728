// Package config loads the orchestrator's process-wide configuration once at
// startup, per spec.md §6.6. All timing knobs, deadlines and pool sizes are
// fields here rather than literals scattered through the codebase.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the immutable, process-wide configuration handle. It is built
// once in main and passed down to every component by value or pointer; no
// component re-reads the environment or a config file after startup.
type Config struct {
	// Database / bus
	DatabaseDSN string
	RedisAddr   string
	RedisDB     int

	// HTTP
	HTTPAddr           string
	HTTPAllowedOrigins []string

	// Command dispatcher (C1)
	MaxInflightCommands int
	ShutdownDrainS      int

	// Provisioning pipeline (C2)
	ProvisioningDeadlineS int
	StepRetries           int
	SSHDeadlineS          int
	DefaultDataVolumeGB   int

	// Health-check job (C5)
	HealthCheckIntervalS int
	StaleThresholdS      int
	ReadyStaleThresholdS int
	BootingDeadlineS     int
	ModelLoadDeadlineS   int

	// Watchdog job (C6)
	WatchdogIntervalS int

	// Volume reconciliation job (C7)
	VolReconIntervalS int

	// Provisioning-requeue job (C8)
	RequeueAfterS      int
	RequeueMaxAttempts int

	// Routing engine (C10)
	SSEIdleTimeoutS  int
	RetryBudget      int
	StrikeWindowS    int
	StrikeCooldownS  int
	ConnectTimeoutMS int
	ReadTimeoutS     int

	// Worker heartbeat rate limiting (§5)
	HeartbeatMinIntervalS int

	// Sample retention (open question, §9 of SPEC_FULL.md)
	SampleRetentionRawS        int
	SampleRetentionAggregateS int

	// Agent integrity
	WorkerAgentSHA256 string

	// Data-volume sizing override (§4.12)
	WorkerDataVolumeGB int
}

// Load layers defaults, an optional config file, and environment variables
// prefixed STRATOFORGE_, and copies the result into a Config. Environment
// variables take precedence over the config file, which takes precedence
// over the defaults (viper's own ordering). Mirrors the viper pattern used
// for agent configuration elsewhere in the retrieved example pack, adapted
// to the orchestrator's own knob set.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("stratoforge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{
		DatabaseDSN:                v.GetString("database.dsn"),
		RedisAddr:                  v.GetString("redis.addr"),
		RedisDB:                    v.GetInt("redis.db"),
		HTTPAddr:                   v.GetString("http.addr"),
		HTTPAllowedOrigins:         v.GetStringSlice("http.allowed_origins"),
		MaxInflightCommands:        v.GetInt("dispatcher.max_inflight_commands"),
		ShutdownDrainS:             v.GetInt("dispatcher.shutdown_drain_s"),
		ProvisioningDeadlineS:      v.GetInt("provisioning.deadline_s"),
		StepRetries:                v.GetInt("provisioning.step_retries"),
		SSHDeadlineS:               v.GetInt("provisioning.ssh_deadline_s"),
		DefaultDataVolumeGB:        v.GetInt("provisioning.default_data_volume_gb"),
		HealthCheckIntervalS:       v.GetInt("health.check_interval_s"),
		StaleThresholdS:            v.GetInt("health.stale_threshold_s"),
		ReadyStaleThresholdS:       v.GetInt("health.ready_stale_threshold_s"),
		BootingDeadlineS:           v.GetInt("health.booting_deadline_s"),
		ModelLoadDeadlineS:         v.GetInt("health.model_load_deadline_s"),
		WatchdogIntervalS:          v.GetInt("watchdog.interval_s"),
		VolReconIntervalS:          v.GetInt("volrecon.interval_s"),
		RequeueAfterS:              v.GetInt("requeue.after_s"),
		RequeueMaxAttempts:         v.GetInt("requeue.max_attempts"),
		SSEIdleTimeoutS:            v.GetInt("routing.sse_idle_timeout_s"),
		RetryBudget:                v.GetInt("routing.retry_budget"),
		StrikeWindowS:              v.GetInt("routing.strike_window_s"),
		StrikeCooldownS:            v.GetInt("routing.strike_cooldown_s"),
		ConnectTimeoutMS:           v.GetInt("routing.connect_timeout_ms"),
		ReadTimeoutS:               v.GetInt("routing.read_timeout_s"),
		HeartbeatMinIntervalS:      v.GetInt("worker.heartbeat_min_interval_s"),
		SampleRetentionRawS:        v.GetInt("samples.retention_raw_s"),
		SampleRetentionAggregateS: v.GetInt("samples.retention_aggregate_s"),
		WorkerAgentSHA256:          v.GetString("worker.agent_sha256"),
		WorkerDataVolumeGB:         v.GetInt("worker.data_volume_gb"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.dsn", "postgres://localhost:5432/stratoforge?sslmode=disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("http.addr", ":8090")
	v.SetDefault("http.allowed_origins", []string{"*"})

	v.SetDefault("dispatcher.max_inflight_commands", 64)
	v.SetDefault("dispatcher.shutdown_drain_s", 30)

	v.SetDefault("provisioning.deadline_s", 2*60*60) // provisioning_deadline_s has no stated default; bound it at the booting deadline
	v.SetDefault("provisioning.step_retries", 5)
	v.SetDefault("provisioning.ssh_deadline_s", 180)
	v.SetDefault("provisioning.default_data_volume_gb", 200)

	v.SetDefault("health.check_interval_s", 10)
	v.SetDefault("health.stale_threshold_s", 30)
	v.SetDefault("health.ready_stale_threshold_s", 300)
	v.SetDefault("health.booting_deadline_s", 7200)
	v.SetDefault("health.model_load_deadline_s", 1800)

	v.SetDefault("watchdog.interval_s", 10)
	v.SetDefault("volrecon.interval_s", 60)

	v.SetDefault("requeue.after_s", 60)
	v.SetDefault("requeue.max_attempts", 6)

	v.SetDefault("routing.sse_idle_timeout_s", 30)
	v.SetDefault("routing.retry_budget", 2)
	v.SetDefault("routing.strike_window_s", 60)
	v.SetDefault("routing.strike_cooldown_s", 120)
	v.SetDefault("routing.connect_timeout_ms", 5000)
	v.SetDefault("routing.read_timeout_s", 60)

	v.SetDefault("worker.heartbeat_min_interval_s", 2)
	v.SetDefault("worker.agent_sha256", "")
	v.SetDefault("worker.data_volume_gb", 0)

	v.SetDefault("samples.retention_raw_s", int((7 * 24 * time.Hour).Seconds()))
	v.SetDefault("samples.retention_aggregate_s", 0)
}
