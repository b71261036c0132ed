package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecal-fleet/rec-coordinator/internal/adapter/repo/postgres"
	"github.com/ecal-fleet/rec-coordinator/internal/domain"
)

func TestJobHistoryRepo_Persist_UpsertsJobAndClientStatuses(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobHistoryRepo(m, nil)
	ctx := context.Background()

	entry := domain.JobHistoryEntry{
		JobID:          7,
		LocalStartTime: time.Now().UTC(),
		LocalEvaluatedConfig: domain.JobConfig{
			JobID:       7,
			MeasRootDir: "/meas/2026",
			MeasName:    "meas-20260801",
		},
		ClientStatuses: map[domain.ClientIdentity]domain.ClientJobStatus{
			"local-host": {
				ClientPID: 101,
				JobStatus: domain.JobStatus{
					JobID: 7,
					State: domain.JobStateRecording,
				},
				UpdatedAt: time.Now().UTC(),
			},
		},
	}

	m.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	m.ExpectExec("INSERT INTO job_history").
		WithArgs(entry.JobID, entry.LocalStartTime, "/meas/2026", "meas-20260801", "", 0, false, false, false, "", []byte(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	m.ExpectExec("INSERT INTO client_job_status").
		WithArgs(entry.JobID, "local-host", int32(101), "recording", false, "", false, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	m.ExpectCommit()

	repo.Persist(ctx, entry)

	require.NoError(t, m.ExpectationsWereMet())
}

func TestJobHistoryRepo_Persist_RollsBackOnClientStatusError(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobHistoryRepo(m, nil)
	ctx := context.Background()

	entry := domain.JobHistoryEntry{
		JobID: 8,
		ClientStatuses: map[domain.ClientIdentity]domain.ClientJobStatus{
			"local-host": {JobStatus: domain.JobStatus{JobID: 8}},
		},
	}

	m.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	m.ExpectExec("INSERT INTO job_history").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	m.ExpectExec("INSERT INTO client_job_status").WillReturnError(assert.AnError)
	m.ExpectRollback()

	repo.Persist(ctx, entry)

	require.NoError(t, m.ExpectationsWereMet())
}

func TestJobHistoryRepo_Get_NotFound(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewJobHistoryRepo(m, nil)
	ctx := context.Background()

	m.ExpectQuery("SELECT job_id").
		WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)

	_, err = repo.Get(ctx, 99)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMeasIDNotFound)
}
