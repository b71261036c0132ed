// Package postgres provides the Job-History Store's write-behind
// persistence adapter: an append-only audit log of JobHistoryEntry,
// independent of the in-memory Store that remains the runtime source of
// truth per the concurrency model.
package postgres

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ecal-fleet/rec-coordinator/internal/domain"
)

// JobHistoryRepo persists JobHistoryEntry mutations to PostgreSQL as an
// append-only audit log: `job_history` holds one row per job id,
// `client_job_status` one row per (job_id, host). It implements
// internal/jobhistory.Persister.
type JobHistoryRepo struct {
	Pool PgxPool
	Log  *slog.Logger
}

// NewJobHistoryRepo constructs a JobHistoryRepo with the given pool.
func NewJobHistoryRepo(p PgxPool, log *slog.Logger) *JobHistoryRepo {
	if log == nil {
		log = slog.Default()
	}
	return &JobHistoryRepo{Pool: p, Log: log.With(slog.String("component", "job_history_repo"))}
}

// Persist upserts entry and every client status it carries within a single
// transaction. Failures are logged, not returned: per spec.md §7's
// propagation policy, persistence is best-effort durability, never on the
// read path of the in-memory store.
func (r *JobHistoryRepo) Persist(ctx domain.Context, entry domain.JobHistoryEntry) {
	tracer := otel.Tracer("repo.job_history")
	ctx, span := tracer.Start(ctx, "job_history.Persist")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "job_history"),
		attribute.Int64("job_id", entry.JobID),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		r.Log.Error("begin transaction failed", slog.Int64("job_id", entry.JobID), slog.Any("error", err))
		return
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				r.Log.Error("rollback failed", slog.Int64("job_id", entry.JobID), slog.Any("error", rbErr))
			}
		}
	}()

	var uploadConfigJSON []byte
	if entry.UploadConfigUsed != nil {
		uploadConfigJSON, err = json.Marshal(entry.UploadConfigUsed)
		if err != nil {
			r.Log.Error("marshal upload config failed", slog.Int64("job_id", entry.JobID), slog.Any("error", err))
			return
		}
	}

	start := time.Now()
	_, err = tx.Exec(ctx, `
		INSERT INTO job_history
			(job_id, local_start_time, meas_root_dir, meas_name, description, max_file_size_mib, one_file_per_topic, is_uploaded, is_deleted, comment, upload_config_used)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (job_id) DO UPDATE SET
			is_uploaded = EXCLUDED.is_uploaded,
			is_deleted = EXCLUDED.is_deleted,
			comment = EXCLUDED.comment,
			upload_config_used = EXCLUDED.upload_config_used`,
		entry.JobID, entry.LocalStartTime, entry.LocalEvaluatedConfig.MeasRootDir, entry.LocalEvaluatedConfig.MeasName,
		entry.LocalEvaluatedConfig.Description, entry.LocalEvaluatedConfig.MaxFileSizeMiB, entry.LocalEvaluatedConfig.OneFilePerTopic,
		entry.IsUploaded, entry.IsDeleted, entry.Comment, uploadConfigJSON)
	if err != nil {
		r.Log.Error("upsert job_history failed", slog.Int64("job_id", entry.JobID), slog.Duration("duration", time.Since(start)), slog.Any("error", err))
		return
	}

	for host, cs := range entry.ClientStatuses {
		addonJSON, marshalErr := json.Marshal(cs.JobStatus.AddonStatuses)
		if marshalErr != nil {
			r.Log.Error("marshal addon statuses failed", slog.Int64("job_id", entry.JobID), slog.String("host", string(host)), slog.Any("error", marshalErr))
			continue
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO client_job_status
				(job_id, host, client_pid, state, upload_ok, upload_msg, is_deleted, addon_statuses, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (job_id, host) DO UPDATE SET
				client_pid = EXCLUDED.client_pid,
				state = EXCLUDED.state,
				upload_ok = EXCLUDED.upload_ok,
				upload_msg = EXCLUDED.upload_msg,
				is_deleted = EXCLUDED.is_deleted,
				addon_statuses = EXCLUDED.addon_statuses,
				updated_at = EXCLUDED.updated_at`,
			entry.JobID, string(host), cs.ClientPID, cs.JobStatus.State.String(), cs.JobStatus.UploadStatus.OK, cs.JobStatus.UploadStatus.Msg,
			cs.JobStatus.IsDeleted, addonJSON, cs.UpdatedAt)
		if err != nil {
			r.Log.Error("upsert client_job_status failed", slog.Int64("job_id", entry.JobID), slog.String("host", string(host)), slog.Any("error", err))
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.Log.Error("commit failed", slog.Int64("job_id", entry.JobID), slog.Any("error", err))
		return
	}
	committed = true
	r.Log.Info("job history persisted", slog.Int64("job_id", entry.JobID), slog.Duration("duration", time.Since(start)))
}

// Get loads one job's audit-log row, for operator inspection outside the
// in-memory store's lifetime (e.g. after a coordinator restart).
func (r *JobHistoryRepo) Get(ctx domain.Context, jobID int64) (domain.JobHistoryEntry, error) {
	tracer := otel.Tracer("repo.job_history")
	ctx, span := tracer.Start(ctx, "job_history.Get")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "job_history"))

	row := r.Pool.QueryRow(ctx, `
		SELECT job_id, local_start_time, meas_root_dir, meas_name, description, max_file_size_mib, one_file_per_topic, is_uploaded, is_deleted, comment
		FROM job_history WHERE job_id=$1`, jobID)

	var entry domain.JobHistoryEntry
	if err := row.Scan(&entry.JobID, &entry.LocalStartTime, &entry.LocalEvaluatedConfig.MeasRootDir, &entry.LocalEvaluatedConfig.MeasName,
		&entry.LocalEvaluatedConfig.Description, &entry.LocalEvaluatedConfig.MaxFileSizeMiB, &entry.LocalEvaluatedConfig.OneFilePerTopic,
		&entry.IsUploaded, &entry.IsDeleted, &entry.Comment); err != nil {
		if err == pgx.ErrNoRows {
			return domain.JobHistoryEntry{}, fmt.Errorf("op=job_history.get: %w", domain.ErrMeasIDNotFound)
		}
		return domain.JobHistoryEntry{}, fmt.Errorf("op=job_history.get: %w", err)
	}
	entry.LocalEvaluatedConfig.JobID = entry.JobID
	return entry, nil
}
