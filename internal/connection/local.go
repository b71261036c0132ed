// Package connection implements the Client Connection component (C1): the
// local (in-process) and remote (pub/sub RPC) variants of domain.Connection,
// including the remote variant's worker-thread action queue and
// autorecovery protocol.
package connection

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ecal-fleet/rec-coordinator/internal/domain"
)

// LocalRecorder is the embedded, in-process recorder the coordinator's own
// host runs — an external collaborator out of scope for this module; only
// the thin synchronous contract LocalConnection drives is specified here.
type LocalRecorder interface {
	SetConfig(ctx domain.Context, settings domain.RecorderSettings) (domain.ResponseStatus, error)
	SetCommand(ctx domain.Context, cmd domain.RecorderCommand) (domain.ResponseStatus, error)
	GetState(ctx domain.Context) (domain.RecorderStatusReport, error)
}

// StatusCallback is invoked whenever a connection refreshes its view of a
// client's status, feeding internal/jobhistory.Store.UpdateFromClientStatus.
type StatusCallback func(host domain.HostName, report domain.RecorderStatusReport)

// CommandResponseCallback is invoked for job-bearing commands once the
// client has acknowledged them, feeding
// internal/jobhistory.Store.UpdateFromCommandResponse.
type CommandResponseCallback func(jobID int64, host domain.HostName, resp domain.ResponseStatus)

// LocalConnection is a thin synchronous adapter over the coordinator's own
// embedded recorder. It has no worker thread or queue: calls are
// synchronous and settings are cached so a subsequent enable re-applies the
// full accumulated settings.
type LocalConnection struct {
	mu sync.Mutex

	host     domain.HostName
	recorder LocalRecorder

	enabled                bool
	completeSettings       domain.RecorderSettings
	everParticipated       bool
	lastStatus             domain.RecorderStatusReport
	lastStatusTime         time.Time
	lastResponse           domain.ResponseStatus

	onStatus          StatusCallback
	onCommandResponse CommandResponseCallback

	log *slog.Logger
}

// NewLocalConnection constructs a LocalConnection for host, driving
// recorder directly.
func NewLocalConnection(host domain.HostName, recorder LocalRecorder, onStatus StatusCallback, onCommandResponse CommandResponseCallback, log *slog.Logger) *LocalConnection {
	if log == nil {
		log = slog.Default()
	}
	return &LocalConnection{
		host:              host,
		recorder:          recorder,
		onStatus:          onStatus,
		onCommandResponse: onCommandResponse,
		log:               log.With(slog.String("component", "local_connection"), slog.String("host", string(host))),
	}
}

// Identity implements domain.Connection.
func (c *LocalConnection) Identity() domain.ClientIdentity {
	return domain.ClientIdentity(c.host).Normalize()
}

// SetEnabled implements domain.Connection. Enabling re-applies the full
// accumulated settings; disabling simply flips the flag, since there is no
// queue of pending work to clear.
func (c *LocalConnection) SetEnabled(ctx domain.Context, on bool, connectToRecordBus bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = on
	if !on {
		return nil
	}
	resp, err := c.recorder.SetConfig(ctx, c.completeSettings)
	c.lastResponse = resp
	if err != nil {
		return fmt.Errorf("op=local_connection.set_enabled: %w", err)
	}
	return nil
}

// SetSettings implements domain.Connection: merges diff into the
// accumulated settings and, if enabled, applies the merged result.
func (c *LocalConnection) SetSettings(ctx domain.Context, diff domain.RecorderSettings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completeSettings = c.completeSettings.Merge(diff)
	if !c.enabled {
		return nil
	}
	resp, err := c.recorder.SetConfig(ctx, c.completeSettings)
	c.lastResponse = resp
	if err != nil {
		return fmt.Errorf("op=local_connection.set_settings: %w", err)
	}
	return nil
}

// SetCommand implements domain.Connection: dispatches directly, bypassing
// the enabled gate for upload/comment/delete as required by the spec.
func (c *LocalConnection) SetCommand(ctx domain.Context, cmd domain.RecorderCommand) error {
	c.mu.Lock()
	resp, err := c.recorder.SetCommand(ctx, cmd)
	c.lastResponse = resp
	if cmd.Kind == domain.CommandStartRecording || cmd.Kind == domain.CommandSavePreBuffer {
		c.everParticipated = true
	}
	host := c.host
	cb := c.onCommandResponse
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("op=local_connection.set_command: %w", err)
	}
	if cmd.Kind.IsJobBearing() && cb != nil {
		jobID := cmd.JobID
		if jobID == 0 {
			jobID = cmd.MeasID
		}
		cb(jobID, host, resp)
	}
	return nil
}

// IsAlive implements domain.Connection: the local connection is alive
// exactly when it is enabled.
func (c *LocalConnection) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// IsRequestPending implements domain.Connection: calls are synchronous, so
// nothing is ever pending.
func (c *LocalConnection) IsRequestPending() bool { return false }

// WaitForPendingRequests implements domain.Connection as a no-op.
func (c *LocalConnection) WaitForPendingRequests(ctx domain.Context) error { return nil }

// GetStatus implements domain.Connection.
func (c *LocalConnection) GetStatus() (domain.ClientJobStatus, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lastStatus.Jobs) == 0 {
		return domain.ClientJobStatus{}, c.lastStatusTime, false
	}
	return domain.ClientJobStatus{ClientPID: c.lastStatus.ClientPID, JobStatus: c.lastStatus.Jobs[0], UpdatedAt: c.lastStatusTime}, c.lastStatusTime, true
}

// GetLastResponse implements domain.Connection.
func (c *LocalConnection) GetLastResponse() domain.ResponseStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResponse
}

// EverParticipatedInMeasurement implements domain.Connection.
func (c *LocalConnection) EverParticipatedInMeasurement() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.everParticipated
}

// Close implements domain.Connection as a no-op: the embedded recorder's
// lifetime is managed by the process, not this adapter.
func (c *LocalConnection) Close() error { return nil }

// Refresh polls the embedded recorder once and invokes the status
// callback, mirroring what a remote connection's periodic ping does. The
// coordinator calls this for its local connection on the monitor tick
// cadence since the local variant has no worker thread of its own.
func (c *LocalConnection) Refresh(ctx domain.Context) error {
	report, err := c.recorder.GetState(ctx)
	if err != nil {
		return fmt.Errorf("op=local_connection.refresh: %w", err)
	}
	c.mu.Lock()
	c.lastStatus = report
	c.lastStatusTime = time.Now().UTC()
	cb := c.onStatus
	host := c.host
	c.mu.Unlock()
	if cb != nil {
		cb(host, report)
	}
	return nil
}
