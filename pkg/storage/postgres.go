package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/cuemby/stratoforge/pkg/types"
)

// PostgresStore implements Store over database/sql using the lib/pq driver.
type PostgresStore struct {
	db *sql.DB
}

// Open opens a connection pool to dsn and verifies it with a bounded ping,
// following the platform/database.Open pattern used elsewhere in the pack.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an already-opened *sql.DB, used by tests with sqlmock.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

const instanceColumns = `
	id, provider_id, zone_id, instance_type_id, organization_id, hf_model_id,
	provider_instance_id, ip_address, worker_vllm_port, worker_health_port,
	status, error_code, error_message, created_at, ready_at, terminated_at,
	failed_at, last_health_check, last_reconciliation, deleted_by_provider,
	worker_id, worker_model_id, worker_status, worker_queue_depth,
	worker_gpu_utilization, worker_last_heartbeat, worker_metadata,
	tech_activated_by, tech_activated_at, eco_activated_by, eco_activated_at,
	gpu_profile`

func scanInstance(row interface{ Scan(...any) error }) (*types.Instance, error) {
	var i types.Instance
	var workerMetadata, gpuProfile []byte
	var workerStatus *string

	err := row.Scan(
		&i.ID, &i.ProviderID, &i.ZoneID, &i.InstanceTypeID, &i.OrganizationID, &i.HFModelID,
		&i.ProviderInstanceID, &i.IPAddress, &i.WorkerVLLMPort, &i.WorkerHealthPort,
		&i.Status, &i.ErrorCode, &i.ErrorMessage, &i.CreatedAt, &i.ReadyAt, &i.TerminatedAt,
		&i.FailedAt, &i.LastHealthCheck, &i.LastReconciliation, &i.DeletedByProvider,
		&i.WorkerID, &i.WorkerModelID, &workerStatus, &i.WorkerQueueDepth,
		&i.WorkerGPUUtilization, &i.WorkerLastHeartbeat, &workerMetadata,
		&i.TechActivatedBy, &i.TechActivatedAt, &i.EcoActivatedBy, &i.EcoActivatedAt,
		&gpuProfile,
	)
	if err != nil {
		return nil, err
	}
	if workerStatus != nil {
		ws := types.WorkerStatus(*workerStatus)
		i.WorkerStatus = &ws
	}
	if len(workerMetadata) > 0 {
		i.WorkerMetadata = workerMetadata
	}
	if len(gpuProfile) > 0 {
		i.GPUProfile = gpuProfile
	}
	return &i, nil
}

func (s *PostgresStore) CreateInstance(ctx context.Context, instance *types.Instance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, provider_id, zone_id, instance_type_id, organization_id, hf_model_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, instance.ID, instance.ProviderID, instance.ZoneID, instance.InstanceTypeID, instance.OrganizationID,
		instance.HFModelID, instance.Status, instance.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating instance: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*types.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id)
	instance, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting instance %s: %w", id, err)
	}
	return instance, nil
}

func (s *PostgresStore) ClaimInstancesByStatus(ctx context.Context, statuses []types.InstanceStatus, limit int, fn func(ctx context.Context, instances []*types.Instance) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for idx, st := range statuses {
		placeholders[idx] = fmt.Sprintf("$%d", idx+1)
		args = append(args, st)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM instances WHERE status IN (%s) ORDER BY created_at ASC LIMIT $%d FOR UPDATE SKIP LOCKED`,
		instanceColumns, strings.Join(placeholders, ", "), len(statuses)+1)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("claiming instances: %w", err)
	}

	var claimed []*types.Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scanning claimed instance: %w", err)
		}
		claimed = append(claimed, instance)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if err := fn(ctx, claimed); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) TransitionInstance(ctx context.Context, input TransitionInput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transition transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	setClauses := []string{"status = $3"}
	args := []any{input.InstanceID, input.ExpectedFrom, input.To}
	argN := 4

	switch input.To {
	case types.InstanceStatusReady:
		setClauses = append(setClauses, fmt.Sprintf("ready_at = $%d", argN))
		args = append(args, now)
		argN++
	case types.InstanceStatusTerminated:
		setClauses = append(setClauses, fmt.Sprintf("terminated_at = $%d", argN))
		args = append(args, now)
		argN++
		if deleted, ok := input.Metadata["deleted_by_provider"].(bool); ok && deleted {
			setClauses = append(setClauses, fmt.Sprintf("deleted_by_provider = $%d", argN))
			args = append(args, true)
			argN++
		}
	case types.InstanceStatusProvisioningFailed, types.InstanceStatusStartupFailed, types.InstanceStatusFailed:
		setClauses = append(setClauses, fmt.Sprintf("failed_at = $%d", argN))
		args = append(args, now)
		argN++
		if code, ok := input.Metadata["error_code"].(string); ok {
			setClauses = append(setClauses, fmt.Sprintf("error_code = $%d", argN))
			args = append(args, code)
			argN++
		}
		if msg, ok := input.Metadata["error_message"].(string); ok {
			setClauses = append(setClauses, fmt.Sprintf("error_message = $%d", argN))
			args = append(args, msg)
			argN++
		}
	}

	query := fmt.Sprintf(`UPDATE instances SET %s WHERE id = $1 AND status = $2`, strings.Join(setClauses, ", "))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating instance status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return ErrNoRowsUpdated
	}

	metadataJSON, _ := json.Marshal(input.Metadata)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO instance_state_history (id, instance_id, from_status, to_status, reason, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)
	`, input.InstanceID, input.ExpectedFrom, input.To, input.Reason, now); err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO action_logs (id, instance_id, action_type, component, status, correlation_id, metadata, created_at)
		VALUES (gen_random_uuid(), $1, $2, 'orchestrator', 'success', gen_random_uuid(), $3, $4)
	`, input.InstanceID, "STATE_TRANSITION_"+string(input.To), metadataJSON, now); err != nil {
		return fmt.Errorf("inserting action log: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) UpdateWorkerFields(ctx context.Context, u WorkerFieldsUpdate) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instances SET
			provider_instance_id = COALESCE($2, provider_instance_id),
			worker_id = COALESCE($3, worker_id),
			worker_model_id = COALESCE($4, worker_model_id),
			worker_status = COALESCE($5, worker_status),
			worker_queue_depth = COALESCE($6, worker_queue_depth),
			worker_gpu_utilization = COALESCE($7, worker_gpu_utilization),
			worker_last_heartbeat = COALESCE($8, worker_last_heartbeat),
			worker_metadata = COALESCE($9, worker_metadata),
			ip_address = COALESCE($10, ip_address),
			worker_vllm_port = COALESCE($11, worker_vllm_port),
			worker_health_port = COALESCE($12, worker_health_port)
		WHERE id = $1
	`, u.InstanceID, u.ProviderInstanceID, u.WorkerID, u.WorkerModelID, u.WorkerStatus, u.WorkerQueueDepth,
		u.WorkerGPUUtilization, u.WorkerLastHeartbeat, nullIfEmpty(u.WorkerMetadata),
		u.IPAddress, u.WorkerVLLMPort, u.WorkerHealthPort)
	if err != nil {
		return fmt.Errorf("updating worker fields for instance %s: %w", u.InstanceID, err)
	}
	return nil
}

func nullIfEmpty(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (s *PostgresStore) ListReadyCandidates(ctx context.Context, hfModelID string, staleThreshold time.Duration) ([]*types.Instance, error) {
	cutoff := time.Now().UTC().Add(-staleThreshold)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE status = 'ready' AND worker_status = 'ready' AND worker_model_id = $1
		  AND worker_last_heartbeat IS NOT NULL AND worker_last_heartbeat > $2
		  AND tech_activated_by IS NOT NULL AND eco_activated_by IS NOT NULL
	`, hfModelID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing ready candidates: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *PostgresStore) ListReadyStale(ctx context.Context, staleThreshold time.Duration, limit int) ([]*types.Instance, error) {
	cutoff := time.Now().UTC().Add(-staleThreshold)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE status = 'ready' AND (worker_last_heartbeat IS NULL OR worker_last_heartbeat < $1)
		ORDER BY worker_last_heartbeat ASC NULLS FIRST LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale ready instances: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *PostgresStore) ListProvisioningPastDeadline(ctx context.Context, after time.Duration, limit int) ([]*types.Instance, error) {
	cutoff := time.Now().UTC().Add(-after)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE status = 'provisioning' AND created_at < $1
		ORDER BY created_at ASC LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stuck provisioning instances: %w", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *PostgresStore) CountInstancesByStatus(ctx context.Context) (map[types.InstanceStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM instances GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting instances by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.InstanceStatus]int)
	for rows.Next() {
		var status types.InstanceStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning instance status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanInstances(rows *sql.Rows) ([]*types.Instance, error) {
	var result []*types.Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning instance row: %w", err)
		}
		result = append(result, instance)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListStateHistory(ctx context.Context, instanceID string) ([]*types.InstanceStateHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, from_status, to_status, reason, created_at
		FROM instance_state_history WHERE instance_id = $1 ORDER BY created_at ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("listing state history: %w", err)
	}
	defer rows.Close()

	var result []*types.InstanceStateHistory
	for rows.Next() {
		var h types.InstanceStateHistory
		if err := rows.Scan(&h.ID, &h.InstanceID, &h.FromStatus, &h.ToStatus, &h.Reason, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning state history row: %w", err)
		}
		result = append(result, &h)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpsertVolume(ctx context.Context, v *types.InstanceVolume) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instance_volumes
			(id, instance_id, provider_id, zone_code, provider_volume_id, provider_volume_name,
			 volume_type, size_bytes, is_boot, delete_on_terminate, status, created_at, attached_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (instance_id, provider_volume_id) WHERE deleted_at IS NULL DO UPDATE SET
			status = EXCLUDED.status, attached_at = EXCLUDED.attached_at
	`, v.ID, v.InstanceID, v.ProviderID, v.ZoneCode, v.ProviderVolumeID, v.ProviderVolumeName,
		v.VolumeType, v.SizeBytes, v.IsBoot, v.DeleteOnTerminate, v.Status, v.CreatedAt, v.AttachedAt)
	if err != nil {
		return fmt.Errorf("upserting volume %s: %w", v.ProviderVolumeID, err)
	}
	return nil
}

func (s *PostgresStore) ListVolumesByInstance(ctx context.Context, instanceID string) ([]*types.InstanceVolume, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, provider_id, zone_code, provider_volume_id, provider_volume_name,
		       volume_type, size_bytes, is_boot, delete_on_terminate, status, created_at,
		       attached_at, deleted_at, reconciled_at, last_reconciliation, error_message
		FROM instance_volumes WHERE instance_id = $1 ORDER BY created_at ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("listing volumes for instance %s: %w", instanceID, err)
	}
	defer rows.Close()
	return scanVolumes(rows)
}

func (s *PostgresStore) ListVolumesPendingReconciliation(ctx context.Context, limit int) ([]*types.InstanceVolume, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, provider_id, zone_code, provider_volume_id, provider_volume_name,
		       volume_type, size_bytes, is_boot, delete_on_terminate, status, created_at,
		       attached_at, deleted_at, reconciled_at, last_reconciliation, error_message
		FROM instance_volumes
		WHERE deleted_at IS NOT NULL AND reconciled_at IS NULL
		ORDER BY last_reconciliation ASC NULLS FIRST LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing volumes pending reconciliation: %w", err)
	}
	defer rows.Close()
	return scanVolumes(rows)
}

func scanVolumes(rows *sql.Rows) ([]*types.InstanceVolume, error) {
	var result []*types.InstanceVolume
	for rows.Next() {
		var v types.InstanceVolume
		if err := rows.Scan(&v.ID, &v.InstanceID, &v.ProviderID, &v.ZoneCode, &v.ProviderVolumeID, &v.ProviderVolumeName,
			&v.VolumeType, &v.SizeBytes, &v.IsBoot, &v.DeleteOnTerminate, &v.Status, &v.CreatedAt,
			&v.AttachedAt, &v.DeletedAt, &v.ReconciledAt, &v.LastReconciliation, &v.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scanning volume row: %w", err)
		}
		result = append(result, &v)
	}
	return result, rows.Err()
}

func (s *PostgresStore) MarkVolumeDeleted(ctx context.Context, volumeID string, deletedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instance_volumes SET status = 'deleted', deleted_at = $2 WHERE id = $1
	`, volumeID, deletedAt)
	if err != nil {
		return fmt.Errorf("marking volume %s deleted: %w", volumeID, err)
	}
	return nil
}

func (s *PostgresStore) MarkVolumeStatus(ctx context.Context, volumeID string, status types.VolumeStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE instance_volumes SET status = $2 WHERE id = $1`, volumeID, status)
	if err != nil {
		return fmt.Errorf("marking volume %s status %s: %w", volumeID, status, err)
	}
	return nil
}

func (s *PostgresStore) RecordVolumeReconciliation(ctx context.Context, u VolumeReconciliationUpdate) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE instance_volumes SET
			last_reconciliation = now(), reconciled_at = COALESCE($2, reconciled_at), error_message = $3
		WHERE id = $1
	`, u.VolumeID, u.ReconciledAt, u.ErrorMessage)
	if err != nil {
		return fmt.Errorf("recording reconciliation for volume %s: %w", u.VolumeID, err)
	}
	return nil
}

func (s *PostgresStore) CountVolumesByStatus(ctx context.Context) (map[types.VolumeStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM instance_volumes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting volumes by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.VolumeStatus]int)
	for rows.Next() {
		var status types.VolumeStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning volume status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) InsertActionLog(ctx context.Context, entry *types.ActionLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_logs (id, instance_id, organization_id, action_type, component, status,
			duration_ms, error_message, correlation_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.ID, entry.InstanceID, entry.OrganizationID, entry.ActionType, entry.Component, entry.Status,
		entry.DurationMS, entry.ErrorMessage, entry.CorrelationID, nullIfEmpty(entry.Metadata), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting action log %s: %w", entry.ActionType, err)
	}
	return nil
}

func (s *PostgresStore) ListActionLogsByInstance(ctx context.Context, instanceID string) ([]*types.ActionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, organization_id, action_type, component, status, duration_ms,
		       error_message, correlation_id, metadata, created_at
		FROM action_logs WHERE instance_id = $1 AND status = 'success' ORDER BY created_at ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("listing action logs for instance %s: %w", instanceID, err)
	}
	defer rows.Close()

	var result []*types.ActionLog
	for rows.Next() {
		var a types.ActionLog
		var metadata []byte
		if err := rows.Scan(&a.ID, &a.InstanceID, &a.OrganizationID, &a.ActionType, &a.Component, &a.Status,
			&a.DurationMS, &a.ErrorMessage, &a.CorrelationID, &metadata, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning action log row: %w", err)
		}
		if len(metadata) > 0 {
			a.Metadata = metadata
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}

func (s *PostgresStore) InsertGPUSample(ctx context.Context, sample *types.GPUSample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gpu_samples (id, instance_id, gpu_index, utilization, temp_c, vram_used, vram_total, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sample.ID, sample.InstanceID, sample.GPUIndex, sample.Utilization, sample.TempC, sample.VRAMUsed, sample.VRAMTotal, sample.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting gpu sample for instance %s: %w", sample.InstanceID, err)
	}
	return nil
}

func (s *PostgresStore) InsertSystemSample(ctx context.Context, sample *types.SystemSample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_samples (id, instance_id, cpu_usage_pct, mem_used, mem_total, disk_used, disk_total, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sample.ID, sample.InstanceID, sample.CPUUsagePct, sample.MemUsed, sample.MemTotal, sample.DiskUsed, sample.DiskTotal, sample.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting system sample for instance %s: %w", sample.InstanceID, err)
	}
	return nil
}

func (s *PostgresStore) IncrInstanceRequestMetrics(ctx context.Context, usage types.RequestUsage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instance_request_metrics (instance_id, prompt_tokens, completion_tokens, total_tokens, request_count)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (instance_id) DO UPDATE SET
			prompt_tokens = instance_request_metrics.prompt_tokens + EXCLUDED.prompt_tokens,
			completion_tokens = instance_request_metrics.completion_tokens + EXCLUDED.completion_tokens,
			total_tokens = instance_request_metrics.total_tokens + EXCLUDED.total_tokens,
			request_count = instance_request_metrics.request_count + 1
	`, usage.InstanceID, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	if err != nil {
		return fmt.Errorf("incrementing request metrics for instance %s: %w", usage.InstanceID, err)
	}
	return nil
}

func (s *PostgresStore) InsertInferenceUsage(ctx context.Context, usage types.RequestUsage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO finops.inference_usage (id, provider_org_id, consumer_org_id, model_id, prompt_tokens, completion_tokens, total_tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
	`, uuid.NewString(), usage.ProviderOrgID, usage.ConsumerOrgID, usage.ModelID, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	if err != nil {
		return fmt.Errorf("inserting inference usage for instance %s: %w", usage.InstanceID, err)
	}
	return nil
}

func (s *PostgresStore) GetWorkerAuthToken(ctx context.Context, instanceID string) (*types.WorkerAuthToken, error) {
	var t types.WorkerAuthToken
	err := s.db.QueryRowContext(ctx, `
		SELECT instance_id, token_prefix, token_hash, created_at, last_used_at
		FROM worker_auth_tokens WHERE instance_id = $1
	`, instanceID).Scan(&t.InstanceID, &t.TokenPrefix, &t.TokenHash, &t.CreatedAt, &t.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting worker auth token for instance %s: %w", instanceID, err)
	}
	return &t, nil
}

func (s *PostgresStore) UpsertWorkerAuthToken(ctx context.Context, t *types.WorkerAuthToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_auth_tokens (instance_id, token_prefix, token_hash, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (instance_id) DO UPDATE SET last_used_at = EXCLUDED.last_used_at
	`, t.InstanceID, t.TokenPrefix, t.TokenHash, t.CreatedAt, t.LastUsedAt)
	if err != nil {
		return fmt.Errorf("upserting worker auth token for instance %s: %w", t.InstanceID, err)
	}
	return nil
}

func (s *PostgresStore) GetProviderSetting(ctx context.Context, providerID, key, organizationID string) (*types.ProviderSettings, error) {
	var ps types.ProviderSettings
	err := s.db.QueryRowContext(ctx, `
		SELECT provider_id, key, organization_id, value_text, value_secret_encrypted
		FROM provider_settings WHERE provider_id = $1 AND key = $2 AND organization_id = $3
	`, providerID, key, organizationID).Scan(&ps.ProviderID, &ps.Key, &ps.OrganizationID, &ps.ValueText, &ps.ValueSecretEncrypted)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting provider setting %s: %w", key, err)
	}
	return &ps, nil
}

func (s *PostgresStore) GetProvider(ctx context.Context, id string) (*types.Provider, error) {
	var p types.Provider
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, name FROM providers WHERE id = $1
	`, id).Scan(&p.ID, &p.Code, &p.Name)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting provider %s: %w", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) GetZone(ctx context.Context, id string) (*types.Zone, error) {
	var z types.Zone
	err := s.db.QueryRowContext(ctx, `
		SELECT id, region_id, code, name FROM zones WHERE id = $1
	`, id).Scan(&z.ID, &z.RegionID, &z.Code, &z.Name)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting zone %s: %w", id, err)
	}
	return &z, nil
}

func (s *PostgresStore) GetInstanceType(ctx context.Context, id string) (*types.InstanceType, error) {
	var it types.InstanceType
	var allocationParams []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, provider_id, code, name, compute_capability, allocation_params
		FROM instance_types WHERE id = $1
	`, id).Scan(&it.ID, &it.ProviderID, &it.Code, &it.Name, &it.ComputeCapability, &allocationParams)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting instance type %s: %w", id, err)
	}
	if len(allocationParams) > 0 {
		it.AllocationParams = allocationParams
	}
	return &it, nil
}

func (s *PostgresStore) GetOrganizationModelByCode(ctx context.Context, organizationSlug, code string) (*types.OrganizationModel, error) {
	var m types.OrganizationModel
	err := s.db.QueryRowContext(ctx, `
		SELECT om.id, om.organization_id, om.code, om.hf_model_id, om.visibility, om.access_policy, om.created_at
		FROM organization_models om JOIN organizations o ON o.id = om.organization_id
		WHERE o.slug = $1 AND om.code = $2
	`, organizationSlug, code).Scan(&m.ID, &m.OrganizationID, &m.Code, &m.HFModelID, &m.Visibility, &m.AccessPolicy, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting organization model %s/%s: %w", organizationSlug, code, err)
	}
	return &m, nil
}

func (s *PostgresStore) GetOrganizationModelByID(ctx context.Context, id string) (*types.OrganizationModel, error) {
	var m types.OrganizationModel
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, code, hf_model_id, visibility, access_policy, created_at
		FROM organization_models WHERE id = $1
	`, id).Scan(&m.ID, &m.OrganizationID, &m.Code, &m.HFModelID, &m.Visibility, &m.AccessPolicy, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting organization model %s: %w", id, err)
	}
	return &m, nil
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*types.Organization, error) {
	var o types.Organization
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, subscription_plan, wallet_balance_eur, created_by_user_id, created_at
		FROM organizations WHERE id = $1
	`, id).Scan(&o.ID, &o.Name, &o.Slug, &o.SubscriptionPlan, &o.WalletBalanceEUR, &o.CreatedByUserID, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting organization %s: %w", id, err)
	}
	return &o, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*types.User, error) {
	var u types.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, username, global_role, account_plan, wallet_balance_eur, created_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Username, &u.GlobalRole, &u.AccountPlan, &u.WalletBalanceEUR, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user %s: %w", id, err)
	}
	return &u, nil
}

func (s *PostgresStore) GetMembership(ctx context.Context, organizationID, userID string) (*types.Membership, error) {
	var m types.Membership
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id, user_id, role, created_at
		FROM memberships WHERE organization_id = $1 AND user_id = $2
	`, organizationID, userID).Scan(&m.OrganizationID, &m.UserID, &m.Role, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting membership org=%s user=%s: %w", organizationID, userID, err)
	}
	return &m, nil
}
