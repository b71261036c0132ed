package jobhistory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecal-fleet/rec-coordinator/internal/domain"
	"github.com/ecal-fleet/rec-coordinator/internal/jobhistory"
)

type fakePersister struct {
	entries []domain.JobHistoryEntry
}

func (f *fakePersister) Persist(_ domain.Context, e domain.JobHistoryEntry) {
	f.entries = append(f.entries, e)
}

func TestAppendRejectsNonIncreasingJobID(t *testing.T) {
	s := jobhistory.New(nil, nil)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, domain.JobHistoryEntry{JobID: 5}))
	err := s.Append(ctx, domain.JobHistoryEntry{JobID: 5})
	assert.ErrorIs(t, err, domain.ErrConflict)
	err = s.Append(ctx, domain.JobHistoryEntry{JobID: 4})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSnapshotReturnsEntriesInAppendOrder(t *testing.T) {
	s := jobhistory.New(nil, nil)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, domain.JobHistoryEntry{JobID: 1}))
	require.NoError(t, s.Append(ctx, domain.JobHistoryEntry{JobID: 2}))

	snap := s.Snapshot(ctx)
	require.Len(t, snap, 2)
	assert.Equal(t, int64(1), snap[0].JobID)
	assert.Equal(t, int64(2), snap[1].JobID)
}

func TestUpdateFromClientStatusMergesAddonsAndDetectsFailure(t *testing.T) {
	s := jobhistory.New(nil, nil)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, domain.JobHistoryEntry{JobID: 1}))

	require.NoError(t, s.UpdateFromClientStatus(ctx, "h1", domain.RecorderStatusReport{
		ClientPID: 10,
		Jobs: []domain.JobStatus{{
			JobID:         1,
			State:         domain.JobStateRecording,
			AddonStatuses: map[string]domain.AddonJobState{"lidar": domain.AddonStateRecording},
		}},
	}))

	// Second report drops the "lidar" addon before it ever finished flushing.
	require.NoError(t, s.UpdateFromClientStatus(ctx, "h1", domain.RecorderStatusReport{
		ClientPID: 10,
		Jobs: []domain.JobStatus{{
			JobID:         1,
			State:         domain.JobStateFlushing,
			AddonStatuses: map[string]domain.AddonJobState{},
		}},
	}))

	entry, err := s.Get(ctx, 1)
	require.NoError(t, err)
	cs := entry.ClientStatuses[domain.ClientIdentity("h1")]
	assert.Equal(t, domain.JobStateFlushing, cs.JobStatus.State)
	assert.True(t, cs.JobStatus.FailedAddons["lidar"])
}

func TestMarkUploadedAndSetCommentNotifyPersister(t *testing.T) {
	p := &fakePersister{}
	s := jobhistory.New(p, nil)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, domain.JobHistoryEntry{JobID: 1}))

	require.NoError(t, s.MarkUploaded(ctx, 1, domain.UploadConfig{Protocol: domain.UploadProtocolExternalFTP, Host: "store"}))
	require.NoError(t, s.SetComment(ctx, 1, "hello"))

	entry, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, entry.IsUploaded)
	assert.Equal(t, "hello", entry.Comment)
	assert.GreaterOrEqual(t, len(p.entries), 3) // append + mark-uploaded + set-comment
}

func TestGetUnknownJobIDReturnsMeasIDNotFound(t *testing.T) {
	s := jobhistory.New(nil, nil)
	_, err := s.Get(context.Background(), 999)
	assert.ErrorIs(t, err, domain.ErrMeasIDNotFound)
}

func TestSnapshotIsIndependentOfLiveStore(t *testing.T) {
	s := jobhistory.New(nil, nil)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, domain.JobHistoryEntry{JobID: 1}))

	snap := s.Snapshot(ctx)
	snap[0].IsUploaded = true

	entry, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, entry.IsUploaded)
}
