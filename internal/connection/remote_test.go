package connection_test

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecal-fleet/rec-coordinator/internal/connection"
	"github.com/ecal-fleet/rec-coordinator/internal/domain"
	"github.com/ecal-fleet/rec-coordinator/internal/transport/transporttest"
)

func fastConfig() connection.RemoteConnectionConfig {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 20 * time.Millisecond
	return connection.RemoteConnectionConfig{
		PingInterval: 10 * time.Millisecond,
		RPCTimeout:   500 * time.Millisecond,
		Backoff:      b,
	}
}

func TestRemoteConnectionBindsAndPings(t *testing.T) {
	tr := transporttest.NewFakeTransport()
	rpc := tr.RegisterHost("h1")
	rpc.StateReport = domain.RecorderStatusReport{ClientPID: 7}

	statusCh := make(chan domain.RecorderStatusReport, 8)
	c := connection.NewRemoteConnection("h1", tr, fastConfig(), func(host domain.HostName, report domain.RecorderStatusReport) {
		statusCh <- report
	}, nil, nil)
	defer c.Close()

	require.Eventually(t, func() bool { return c.IsAlive() }, time.Second, 5*time.Millisecond)

	select {
	case <-statusCh:
	case <-time.After(time.Second):
		t.Fatal("expected at least one status callback")
	}
}

func TestRemoteConnectionUnbindsOnRPCFailureAndRebinds(t *testing.T) {
	tr := transporttest.NewFakeTransport()
	rpc := tr.RegisterHost("h1")

	c := connection.NewRemoteConnection("h1", tr, fastConfig(), nil, nil, nil)
	defer c.Close()

	require.Eventually(t, func() bool { return c.IsAlive() }, time.Second, 5*time.Millisecond)

	rpc.StateErr = assert.AnError
	require.Eventually(t, func() bool { return !c.IsAlive() }, time.Second, 5*time.Millisecond)

	rpc.StateErr = nil
	require.Eventually(t, func() bool { return c.IsAlive() }, time.Second, 5*time.Millisecond)
}

func TestRemoteConnectionSetCommandBypassesGateForUpload(t *testing.T) {
	tr := transporttest.NewFakeTransport()
	tr.RegisterHost("h1")
	c := connection.NewRemoteConnection("h1", tr, fastConfig(), nil, nil, nil)
	defer c.Close()

	err := c.SetCommand(context.Background(), domain.RecorderCommand{Kind: domain.CommandUploadMeasurement, Upload: &domain.UploadConfig{}})
	assert.NoError(t, err)
}

func TestRemoteConnectionSetCommandRejectedWhenDisabledAndNotBypassing(t *testing.T) {
	tr := transporttest.NewFakeTransport()
	tr.RegisterHost("h1")
	c := connection.NewRemoteConnection("h1", tr, fastConfig(), nil, nil, nil)
	defer c.Close()

	err := c.SetCommand(context.Background(), domain.RecorderCommand{Kind: domain.CommandStartRecording})
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestRemoteConnectionEnabledCommandDispatchesAndCallsBack(t *testing.T) {
	tr := transporttest.NewFakeTransport()
	rpc := tr.RegisterHost("h1")
	rpc.SetCommandResp = domain.ResponseStatus{OK: true}

	respCh := make(chan domain.ResponseStatus, 1)
	c := connection.NewRemoteConnection("h1", tr, fastConfig(), nil, func(jobID int64, host domain.HostName, resp domain.ResponseStatus) {
		respCh <- resp
	}, nil)
	defer c.Close()

	require.Eventually(t, func() bool { return c.IsAlive() }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.SetEnabled(context.Background(), true, true))
	require.NoError(t, c.SetCommand(context.Background(), domain.RecorderCommand{Kind: domain.CommandStartRecording, JobID: 9}))

	select {
	case resp := <-respCh:
		assert.True(t, resp.OK)
	case <-time.After(time.Second):
		t.Fatal("expected command-response callback")
	}
	assert.True(t, c.EverParticipatedInMeasurement())
}

func TestRemoteConnectionWaitForPendingRequests(t *testing.T) {
	tr := transporttest.NewFakeTransport()
	tr.RegisterHost("h1")
	c := connection.NewRemoteConnection("h1", tr, fastConfig(), nil, nil, nil)
	defer c.Close()

	require.Eventually(t, func() bool { return c.IsAlive() }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.SetEnabled(context.Background(), true, true))
	require.NoError(t, c.SetSettings(context.Background(), domain.RecorderSettings{}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, c.WaitForPendingRequests(ctx))
}
