package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecal-fleet/rec-coordinator/internal/domain"
)

func TestClientIdentityNormalizeIsCaseInsensitive(t *testing.T) {
	a := domain.ClientIdentity("Worker-1")
	b := domain.ClientIdentity("worker-1")
	assert.Equal(t, a.Normalize(), b.Normalize())
}

func TestRecorderSettingsMergeIsAssociativeOverDisjointFields(t *testing.T) {
	enabled := true
	dur := 5 * time.Second

	base := domain.RecorderSettings{}
	a := domain.RecorderSettings{PreBufferingEnabled: &enabled}
	b := domain.RecorderSettings{MaxPreBufferLength: &dur}

	left := base.Merge(a).Merge(b)
	right := base.Merge(b).Merge(a)

	require.NotNil(t, left.PreBufferingEnabled)
	require.NotNil(t, left.MaxPreBufferLength)
	assert.Equal(t, *left.PreBufferingEnabled, *right.PreBufferingEnabled)
	assert.Equal(t, *left.MaxPreBufferLength, *right.MaxPreBufferLength)
}

func TestRecorderSettingsMergeIsIdempotent(t *testing.T) {
	enabled := false
	delta := domain.RecorderSettings{PreBufferingEnabled: &enabled}

	once := domain.RecorderSettings{}.Merge(delta)
	twice := once.Merge(delta)

	assert.Equal(t, *once.PreBufferingEnabled, *twice.PreBufferingEnabled)
}

func TestRecorderSettingsMergeLeavesUntouchedFieldsAlone(t *testing.T) {
	enabled := true
	base := domain.RecorderSettings{PreBufferingEnabled: &enabled}

	out := base.Merge(domain.RecorderSettings{})

	require.NotNil(t, out.PreBufferingEnabled)
	assert.True(t, *out.PreBufferingEnabled)
	assert.Nil(t, out.MaxPreBufferLength)
}

func TestRecorderCommandKindString(t *testing.T) {
	cases := map[domain.RecorderCommandKind]string{
		domain.CommandInitialize:        "initialize",
		domain.CommandStartRecording:    "start_recording",
		domain.CommandUploadMeasurement: "upload_measurement",
		domain.RecorderCommandKind(99):  "unknown",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}

func TestRecorderCommandKindIsJobBearing(t *testing.T) {
	assert.True(t, domain.CommandStartRecording.IsJobBearing())
	assert.True(t, domain.CommandAddComment.IsJobBearing())
	assert.False(t, domain.CommandInitialize.IsJobBearing())
	assert.False(t, domain.CommandExit.IsJobBearing())
}

func TestEqualClientConfig(t *testing.T) {
	a := domain.ClientConfig{
		EnabledAddons: map[string]struct{}{"lidar": {}},
		HostFilter:    map[domain.HostName]struct{}{"h1": {}},
	}
	b := domain.CloneClientConfig(a)
	assert.True(t, domain.EqualClientConfig(a, b))

	b.EnabledAddons["camera"] = struct{}{}
	assert.False(t, domain.EqualClientConfig(a, b))
}

func TestJobHistoryEntryCloneIsIndependent(t *testing.T) {
	c1 := domain.ClientIdentity("h1")
	entry := domain.JobHistoryEntry{
		JobID: 1,
		ClientStatuses: map[domain.ClientIdentity]domain.ClientJobStatus{
			c1: {
				JobStatus: domain.JobStatus{
					State:         domain.JobStateRecording,
					AddonStatuses: map[string]domain.AddonJobState{"lidar": domain.AddonStateRecording},
				},
			},
		},
	}

	clone := entry.Clone()
	clone.ClientStatuses[c1] = domain.ClientJobStatus{JobStatus: domain.JobStatus{State: domain.JobStateFinishedFlushing}}

	assert.Equal(t, domain.JobStateRecording, entry.ClientStatuses[c1].JobStatus.State)
	assert.Equal(t, domain.JobStateFinishedFlushing, clone.ClientStatuses[c1].JobStatus.State)
}

func TestHostList(t *testing.T) {
	assert.Equal(t, "H1,H2", domain.HostList([]domain.HostName{"H1", "H2"}))
	assert.Equal(t, "", domain.HostList(nil))
}
