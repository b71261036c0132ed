package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CleanupService prunes job_history/client_job_status rows past their
// retention window, so the audit log doesn't grow unbounded across a
// fleet's lifetime.
type CleanupService struct {
	Pool          *pgxpool.Pool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool *pgxpool.Pool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90 // default 90 days
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes job_history rows older than the retention window,
// deleting their client_job_status children first in the same transaction. Only uploaded
// or explicitly deleted measurements are eligible, so an un-uploaded
// recording never disappears from the audit log before an operator acts
// on it.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var deletedStatuses int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM client_job_status
			WHERE job_id IN (
				SELECT job_id FROM job_history
				WHERE local_start_time < $1 AND (is_uploaded OR is_deleted)
			)
			RETURNING 1
		)
		SELECT count(*) FROM deleted
	`, cutoff).Scan(&deletedStatuses)
	if err != nil {
		slog.Debug("no client statuses to delete", slog.Any("error", err))
	}

	var deletedHistory int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM job_history
			WHERE local_start_time < $1 AND (is_uploaded OR is_deleted)
			RETURNING 1
		)
		SELECT count(*) FROM deleted
	`, cutoff).Scan(&deletedHistory)
	if err != nil {
		slog.Debug("no job history to delete", slog.Any("error", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	slog.Info("job history cleanup completed",
		slog.Int64("deleted_jobs", deletedHistory),
		slog.Int64("deleted_client_statuses", deletedStatuses),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour // daily by default
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
