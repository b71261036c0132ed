package coordinator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecal-fleet/rec-coordinator/internal/coordinator"
	"github.com/ecal-fleet/rec-coordinator/internal/domain"
	"github.com/ecal-fleet/rec-coordinator/internal/jobhistory"
	"github.com/ecal-fleet/rec-coordinator/internal/jobtemplate"
	"github.com/ecal-fleet/rec-coordinator/internal/monitor"
	"github.com/ecal-fleet/rec-coordinator/internal/upload"
)

// fakeConnection is a fully in-memory domain.Connection double giving tests
// direct control over alive/participation state and recording every
// dispatched command for assertions.
type fakeConnection struct {
	mu sync.Mutex

	id           domain.ClientIdentity
	alive        bool
	participated bool
	status       domain.ClientJobStatus
	hasStatus    bool
	commands     []domain.RecorderCommand
	settings     []domain.RecorderSettings
}

func newFakeConnection(host domain.HostName) *fakeConnection {
	return &fakeConnection{id: domain.ClientIdentity(host).Normalize(), alive: true}
}

func (f *fakeConnection) Identity() domain.ClientIdentity { return f.id }

func (f *fakeConnection) SetEnabled(ctx domain.Context, on bool, connectToRecordBus bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = on
	return nil
}

func (f *fakeConnection) SetSettings(ctx domain.Context, diff domain.RecorderSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = append(f.settings, diff)
	return nil
}

func (f *fakeConnection) SetCommand(ctx domain.Context, cmd domain.RecorderCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if cmd.Kind == domain.CommandStartRecording || cmd.Kind == domain.CommandSavePreBuffer {
		f.participated = true
	}
	return nil
}

func (f *fakeConnection) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeConnection) IsRequestPending() bool { return false }

func (f *fakeConnection) WaitForPendingRequests(ctx domain.Context) error { return nil }

func (f *fakeConnection) GetStatus() (domain.ClientJobStatus, time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.status.UpdatedAt, f.hasStatus
}

func (f *fakeConnection) setStatus(s domain.ClientJobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
	f.hasStatus = true
}

func (f *fakeConnection) GetLastResponse() domain.ResponseStatus { return domain.ResponseStatus{OK: true} }

func (f *fakeConnection) EverParticipatedInMeasurement() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.participated
}

func (f *fakeConnection) Close() error { return nil }

func (f *fakeConnection) commandsOfKind(kind domain.RecorderCommandKind) []domain.RecorderCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.RecorderCommand
	for _, cmd := range f.commands {
		if cmd.Kind == kind {
			out = append(out, cmd)
		}
	}
	return out
}

type fakeProvisioner struct{}

func (fakeProvisioner) EnsureDir(string) error                  { return nil }
func (fakeProvisioner) ProvisionUser(upload.InternalFTPUser) error { return nil }

func newTestCoordinator(t *testing.T, local domain.HostName) (*coordinator.Coordinator, *jobhistory.Store, map[domain.HostName]*fakeConnection) {
	t.Helper()
	conns := make(map[domain.HostName]*fakeConnection)
	var mu sync.Mutex
	factory := func(host domain.HostName) domain.Connection {
		mu.Lock()
		defer mu.Unlock()
		fc := newFakeConnection(host)
		conns[domain.HostName(fc.id)] = fc
		return fc
	}
	history := jobhistory.New(nil, nil)
	cfg := coordinator.Config{
		LocalHost: local,
		JobTemplate: jobtemplate.Template{
			MeasRootDir:     "/meas/{{.Time.Format \"2006\"}}",
			MeasNamePattern: "meas-{{.Time.Format \"20060102\"}}",
		},
	}
	co := coordinator.New(cfg, factory, factory, coordinator.NewCounterIDGenerator(0), history, nil)
	return co, history, conns
}

func TestSetEnabledClientsRejectedWhileRecording(t *testing.T) {
	co, _, _ := newTestCoordinator(t, "local-host")
	ctx := context.Background()

	require.NoError(t, co.SetEnabledClients(ctx, map[domain.HostName]domain.ClientConfig{"local-host": {}}))
	_, err := co.StartRecording(ctx)
	require.NoError(t, err)

	err = co.SetEnabledClients(ctx, map[domain.HostName]domain.ClientConfig{"local-host": {}, "h2": {}})
	assert.ErrorIs(t, err, domain.ErrCurrentlyRecording)
}

func TestStartRecordingSplitsHostAndLocalEvaluatedConfig(t *testing.T) {
	co, history, conns := newTestCoordinator(t, "local-host")
	ctx := context.Background()

	require.NoError(t, co.SetEnabledClients(ctx, map[domain.HostName]domain.ClientConfig{"local-host": {}, "remote-1": {}}))
	jobID, err := co.StartRecording(ctx)
	require.NoError(t, err)
	assert.Greater(t, jobID, int64(0))

	entry, err := history.Get(ctx, jobID)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.LocalEvaluatedConfig.MeasRootDir)
	assert.Len(t, entry.ClientStatuses, 2)

	localStart := conns["local-host"].commandsOfKind(domain.CommandStartRecording)
	require.Len(t, localStart, 1)
	remoteStart := conns["remote-1"].commandsOfKind(domain.CommandStartRecording)
	require.Len(t, remoteStart, 1)
	assert.Equal(t, localStart[0].Config.JobID, remoteStart[0].Config.JobID)
}

func TestUploadMeasurementExternalFTPSelectsMetadataUploader(t *testing.T) {
	co, _, conns := newTestCoordinator(t, "local-host")
	ctx := context.Background()

	require.NoError(t, co.SetEnabledClients(ctx, map[domain.HostName]domain.ClientConfig{"local-host": {}, "remote-1": {}}))
	jobID, err := co.StartRecording(ctx)
	require.NoError(t, err)
	require.NoError(t, co.StopRecording(ctx))

	co.SetUploadConfig(domain.UploadConfig{Protocol: domain.UploadProtocolExternalFTP, Host: "ftp.example.com", RootPath: "uploads"})

	require.NoError(t, co.UploadMeasurement(ctx, jobID, fakeProvisioner{}))

	localUploads := conns["local-host"].commandsOfKind(domain.CommandUploadMeasurement)
	require.Len(t, localUploads, 1)
	assert.True(t, localUploads[0].Upload.UploadMetadataFiles, "local host participated so it is the metadata uploader")

	remoteUploads := conns["remote-1"].commandsOfKind(domain.CommandUploadMeasurement)
	require.Len(t, remoteUploads, 1)
	assert.False(t, remoteUploads[0].Upload.UploadMetadataFiles)
}

func TestUploadMeasurementRejectedWhileFlushing(t *testing.T) {
	co, history, _ := newTestCoordinator(t, "local-host")
	ctx := context.Background()

	require.NoError(t, co.SetEnabledClients(ctx, map[domain.HostName]domain.ClientConfig{"local-host": {}}))
	jobID, err := co.StartRecording(ctx)
	require.NoError(t, err)
	require.NoError(t, co.StopRecording(ctx))

	require.NoError(t, history.UpdateFromClientStatus(ctx, "local-host", domain.RecorderStatusReport{
		Jobs: []domain.JobStatus{{JobID: jobID, State: domain.JobStateFlushing}},
	}))

	co.SetUploadConfig(domain.UploadConfig{Protocol: domain.UploadProtocolExternalFTP, Host: "ftp.example.com", RootPath: "uploads"})
	err = co.UploadMeasurement(ctx, jobID, fakeProvisioner{})
	assert.ErrorIs(t, err, domain.ErrCurrentlyFlushing)
}

func TestDeleteMeasurementRejectedWhileRecording(t *testing.T) {
	co, history, _ := newTestCoordinator(t, "local-host")
	ctx := context.Background()

	require.NoError(t, co.SetEnabledClients(ctx, map[domain.HostName]domain.ClientConfig{"local-host": {}}))
	jobID, err := co.StartRecording(ctx)
	require.NoError(t, err)

	err = co.DeleteMeasurement(ctx, jobID)
	assert.ErrorIs(t, err, domain.ErrCurrentlyRecording)

	entry, getErr := history.Get(ctx, jobID)
	require.NoError(t, getErr)
	assert.False(t, entry.IsDeleted)
}

func TestUpdateConnectionsPrunesOnlyNonParticipatingDeadConnections(t *testing.T) {
	co, _, conns := newTestCoordinator(t, "local-host")
	ctx := context.Background()

	require.NoError(t, co.SetEnabledClients(ctx, map[domain.HostName]domain.ClientConfig{}))
	co.UpdateConnections(ctx, monitor.RunningClients{"ghost": {1: "eCALRecClient"}, "veteran": {2: "eCALRecClient"}})

	conns["ghost"].SetEnabled(ctx, false, false)
	conns["veteran"].participated = true
	conns["veteran"].SetEnabled(ctx, false, false)

	co.UpdateConnections(ctx, monitor.RunningClients{})

	snap := co.Status(ctx)
	var sawVeteran bool
	for _, cs := range snap.Clients {
		if string(cs.Host) == "veteran" {
			sawVeteran = true
		}
		assert.NotEqual(t, "ghost", string(cs.Host), "never-participated, no-longer-reported connection should be pruned")
	}
	assert.True(t, sawVeteran, "ever-participated connection must never be pruned")
}
