package eligibility_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecal-fleet/rec-coordinator/internal/domain"
	"github.com/ecal-fleet/rec-coordinator/internal/eligibility"
)

func twoHostEntry(h1State, h2State domain.JobState) domain.JobHistoryEntry {
	h1 := domain.ClientIdentity("h1")
	h2 := domain.ClientIdentity("h2")
	return domain.JobHistoryEntry{
		JobID:                1,
		LocalEvaluatedConfig: domain.JobConfig{MeasName: "meas1"},
		ClientStatuses: map[domain.ClientIdentity]domain.ClientJobStatus{
			h1: {JobStatus: domain.JobStatus{State: h1State}},
			h2: {JobStatus: domain.JobStatus{State: h2State}},
		},
	}
}

func externalCfg() domain.UploadConfig {
	return domain.UploadConfig{Protocol: domain.UploadProtocolExternalFTP, Host: "store", Port: 21, RootPath: "/m"}
}

// Scenario 1: happy-path record -> upload (external FTP).
func TestSimulateUploadHappyPathExternalFTP(t *testing.T) {
	entry := twoHostEntry(domain.JobStateFinishedFlushing, domain.JobStateFinishedFlushing)
	err := eligibility.SimulateUpload(entry, externalCfg(), eligibility.LocalContext{})
	assert.NoError(t, err)
	assert.True(t, eligibility.CanUpload(entry, externalCfg(), eligibility.LocalContext{}))

	uploader, ok := eligibility.ChooseMetadataUploader(entry, "")
	require.True(t, ok)
	assert.Equal(t, domain.ClientIdentity("h1"), uploader) // alphabetically smallest
}

// Scenario 2: stop attempted while a client is still flushing.
func TestSimulateUploadCurrentlyFlushing(t *testing.T) {
	entry := twoHostEntry(domain.JobStateFinishedFlushing, domain.JobStateFlushing)
	err := eligibility.SimulateUpload(entry, externalCfg(), eligibility.LocalContext{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCurrentlyFlushing))
	var recErr *domain.RecError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, "h2", recErr.Context)
}

// Scenario 4: delete during recording.
func TestSimulateDeleteCurrentlyRecording(t *testing.T) {
	entry := twoHostEntry(domain.JobStateRecording, domain.JobStateRecording)
	err := eligibility.SimulateDelete(entry)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCurrentlyRecording))
	assert.False(t, entry.IsDeleted)
}

// Scenario 5: add comment after internal-FTP upload, local host participated.
func TestSimulateAddCommentInternalFTPLocalStillReachable(t *testing.T) {
	local := domain.ClientIdentity("coordinator-host")
	entry := domain.JobHistoryEntry{
		IsUploaded:       true,
		UploadConfigUsed: &domain.UploadConfig{Protocol: domain.UploadProtocolInternalFTP},
		ClientStatuses: map[domain.ClientIdentity]domain.ClientJobStatus{
			local: {ClientPID: 100, JobStatus: domain.JobStatus{State: domain.JobStateFinishedFlushing}},
		},
	}
	ctx := eligibility.LocalContext{Host: "coordinator-host", PID: 100, Alive: true}
	assert.NoError(t, eligibility.SimulateAddComment(entry, ctx))
}

func TestSimulateAddCommentInternalFTPLocalPIDChanged(t *testing.T) {
	local := domain.ClientIdentity("coordinator-host")
	entry := domain.JobHistoryEntry{
		IsUploaded:       true,
		UploadConfigUsed: &domain.UploadConfig{Protocol: domain.UploadProtocolInternalFTP},
		ClientStatuses: map[domain.ClientIdentity]domain.ClientJobStatus{
			local: {ClientPID: 100, JobStatus: domain.JobStatus{State: domain.JobStateFinishedFlushing}},
		},
	}
	ctx := eligibility.LocalContext{Host: "coordinator-host", PID: 999, Alive: true}
	err := eligibility.SimulateAddComment(entry, ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAlreadyUploaded))
}

func TestSimulateUploadMeasIsDeleted(t *testing.T) {
	entry := twoHostEntry(domain.JobStateFinishedFlushing, domain.JobStateFinishedFlushing)
	entry.IsDeleted = true
	err := eligibility.SimulateUpload(entry, externalCfg(), eligibility.LocalContext{})
	assert.True(t, errors.Is(err, domain.ErrMeasIsDeleted))
}

func TestSimulateUploadAlreadyUploadedWithNoFailures(t *testing.T) {
	entry := twoHostEntry(domain.JobStateFinishedUploading, domain.JobStateFinishedUploading)
	entry.ClientStatuses["h1"] = domain.ClientJobStatus{JobStatus: domain.JobStatus{State: domain.JobStateFinishedUploading, UploadStatus: domain.ResponseStatus{OK: true}}}
	entry.ClientStatuses["h2"] = domain.ClientJobStatus{JobStatus: domain.JobStatus{State: domain.JobStateFinishedUploading, UploadStatus: domain.ResponseStatus{OK: true}}}
	entry.IsUploaded = true
	err := eligibility.SimulateUpload(entry, externalCfg(), eligibility.LocalContext{})
	assert.True(t, errors.Is(err, domain.ErrAlreadyUploaded))
}

func TestSimulateUploadRetriesAfterFailedUpload(t *testing.T) {
	entry := twoHostEntry(domain.JobStateFinishedUploading, domain.JobStateFinishedUploading)
	entry.ClientStatuses["h1"] = domain.ClientJobStatus{JobStatus: domain.JobStatus{State: domain.JobStateFinishedUploading, UploadStatus: domain.ResponseStatus{OK: false}}}
	entry.ClientStatuses["h2"] = domain.ClientJobStatus{JobStatus: domain.JobStatus{State: domain.JobStateFinishedUploading, UploadStatus: domain.ResponseStatus{OK: true}}}
	entry.IsUploaded = true
	err := eligibility.SimulateUpload(entry, externalCfg(), eligibility.LocalContext{})
	assert.NoError(t, err)
}

func TestClientsNeedingUploadExcludesLocalOnInternalFTP(t *testing.T) {
	local := domain.ClientIdentity("local")
	remote := domain.ClientIdentity("remote")
	entry := domain.JobHistoryEntry{
		ClientStatuses: map[domain.ClientIdentity]domain.ClientJobStatus{
			local:  {JobStatus: domain.JobStatus{State: domain.JobStateFinishedFlushing}},
			remote: {JobStatus: domain.JobStatus{State: domain.JobStateFinishedFlushing}},
		},
	}
	clients := eligibility.ClientsNeedingUpload(entry, domain.UploadProtocolInternalFTP, "local")
	assert.Equal(t, []domain.ClientIdentity{remote}, clients)
}

func TestSimulateUploadActionSuperfluousWhenOnlyLocalParticipated(t *testing.T) {
	local := domain.ClientIdentity("local")
	entry := domain.JobHistoryEntry{
		LocalEvaluatedConfig: domain.JobConfig{MeasName: "m"},
		ClientStatuses: map[domain.ClientIdentity]domain.ClientJobStatus{
			local: {JobStatus: domain.JobStatus{State: domain.JobStateFinishedFlushing}},
		},
	}
	err := eligibility.SimulateUpload(entry, domain.UploadConfig{Protocol: domain.UploadProtocolInternalFTP}, eligibility.LocalContext{Host: "local"})
	assert.True(t, errors.Is(err, domain.ErrActionSuperfluous))
}
