package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ecal-fleet/rec-coordinator/internal/connection/pingrate"
	"github.com/ecal-fleet/rec-coordinator/internal/domain"
	"github.com/ecal-fleet/rec-coordinator/internal/transport"
)

// actionKind tags the variant carried by an action on a remote connection's
// queue: Ping, Settings, or Command, replacing inheritance per the
// tagged-variant pattern used throughout this module.
type actionKind int

const (
	actionPing actionKind = iota
	actionSettings
	actionCommand
)

type action struct {
	kind           actionKind
	isAutorecovery bool
	settings       domain.RecorderSettings
	command        domain.RecorderCommand
}

// RemoteConnectionConfig tunes timing for a RemoteConnection's worker loop.
type RemoteConnectionConfig struct {
	PingInterval time.Duration
	RPCTimeout   time.Duration
	// Backoff governs the delay between bind attempts when discovery finds
	// no candidate instance, or every candidate fails GetState.
	Backoff backoff.BackOff
	// Breaker trips bind attempts off after a run of consecutive RPC
	// failures against this host, instead of retrying every tick forever.
	Breaker *CircuitBreaker
	// Limiter smooths the plain (non-user-driven) pingInjector traffic so a
	// large fleet's tick doesn't stampede every host's connection at once.
	// A nil Limiter, or one built with a nil Redis client, never blocks.
	Limiter *pingrate.Limiter
}

// DefaultRemoteConnectionConfig returns spec-faithful defaults: ~200ms
// ping cadence, a 2s RPC timeout, and an exponential backoff for rebinding
// grounded on the teacher's retry/backoff usage.
func DefaultRemoteConnectionConfig() RemoteConnectionConfig {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // retry forever; the worker loop owns cancellation
	return RemoteConnectionConfig{
		PingInterval: 200 * time.Millisecond,
		RPCTimeout:   2 * time.Second,
		Backoff:      b,
		Breaker:      NewCircuitBreaker(5, 30*time.Second, nil),
	}
}

// RemoteConnection is the pub/sub-RPC-backed variant of domain.Connection:
// a dedicated worker goroutine drains a FIFO action queue, binds to a
// discovered instance, and recovers a newly-bound or out-of-sync peer
// through an autorecovery plan pushed to the queue's front.
type RemoteConnection struct {
	host domain.HostName
	tr   transport.Transport
	cfg  RemoteConnectionConfig

	mu    sync.Mutex
	cond  *sync.Cond
	queue []action

	bound    bool
	instance transport.InstanceID
	rpc      transport.RecorderClientRPC

	completeSettings  domain.RecorderSettings
	shouldBeConnected bool // should_be_connected_to_record_bus
	enabled           bool
	clientInSync      bool
	everParticipated  bool

	lastStatus     domain.RecorderStatusReport
	lastStatusTime time.Time
	lastResponse   domain.ResponseStatus

	stopped bool
	done    chan struct{}

	onStatus          StatusCallback
	onCommandResponse CommandResponseCallback

	log *slog.Logger
}

// NewRemoteConnection constructs a RemoteConnection bound to host and
// starts its worker goroutine immediately.
func NewRemoteConnection(host domain.HostName, tr transport.Transport, cfg RemoteConnectionConfig, onStatus StatusCallback, onCommandResponse CommandResponseCallback, log *slog.Logger) *RemoteConnection {
	if log == nil {
		log = slog.Default()
	}
	c := &RemoteConnection{
		host:              host,
		tr:                tr,
		cfg:               cfg,
		onStatus:          onStatus,
		onCommandResponse: onCommandResponse,
		done:              make(chan struct{}),
		log:               log.With(slog.String("component", "remote_connection"), slog.String("host", string(host))),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.run()
	return c
}

// Identity implements domain.Connection.
func (c *RemoteConnection) Identity() domain.ClientIdentity {
	return domain.ClientIdentity(c.host).Normalize()
}

// enqueueLocked appends an action to the back of the queue. Plain-ping
// coalescing (skip enqueueing a redundant ping when one is already pending)
// is the pingInjector's job, not this function's.
func (c *RemoteConnection) enqueueLocked(a action) {
	c.queue = append(c.queue, a)
	c.cond.Broadcast()
}

// pushFrontLocked prepends actions, used by enable and autorecovery so they
// jump ahead of already-queued user work.
func (c *RemoteConnection) pushFrontLocked(actions ...action) {
	c.queue = append(append([]action{}, actions...), c.queue...)
	c.cond.Broadcast()
}

// purgeAutorecoveryLocked drops any not-yet-executed autorecovery actions
// — pings, commands, and the plan's settings push alike — per "any pending
// autorecovery actions are purged before inserting a new plan".
func (c *RemoteConnection) purgeAutorecoveryLocked() {
	kept := c.queue[:0:0]
	for _, a := range c.queue {
		if a.isAutorecovery {
			continue
		}
		kept = append(kept, a)
	}
	c.queue = kept
}

// SetEnabled implements domain.Connection. Disabling clears pending work
// and, if the peer should no longer be on the record bus, queues a
// DeInitialize. Enabling pushes a ping-with-autorecovery to the front so
// sync is re-established.
func (c *RemoteConnection) SetEnabled(ctx domain.Context, on bool, connectToRecordBus bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.enabled = on
	c.shouldBeConnected = connectToRecordBus

	if !on {
		c.queue = nil
		if !connectToRecordBus {
			c.enqueueLocked(action{kind: actionCommand, command: domain.RecorderCommand{Kind: domain.CommandDeInitialize}})
		}
		return nil
	}
	if c.bound {
		c.pushFrontLocked(action{kind: actionPing, isAutorecovery: true})
	}
	return nil
}

// SetSettings implements domain.Connection: merges diff into the
// accumulated settings and queues a Settings action.
func (c *RemoteConnection) SetSettings(ctx domain.Context, diff domain.RecorderSettings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completeSettings = c.completeSettings.Merge(diff)
	c.enqueueLocked(action{kind: actionSettings, settings: c.completeSettings})
	return nil
}

// SetCommand implements domain.Connection. Upload/comment/delete commands
// bypass the enabled gate: they must reach clients holding measurement
// data even after the operator disables them.
func (c *RemoteConnection) SetCommand(ctx domain.Context, cmd domain.RecorderCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	bypassesGate := cmd.Kind == domain.CommandUploadMeasurement || cmd.Kind == domain.CommandAddComment || cmd.Kind == domain.CommandDeleteMeasurement
	if !c.enabled && !bypassesGate {
		return fmt.Errorf("op=remote_connection.set_command: %w", domain.ErrNotConnected)
	}
	if cmd.Kind == domain.CommandStartRecording || cmd.Kind == domain.CommandSavePreBuffer {
		c.everParticipated = true
	}
	c.enqueueLocked(action{kind: actionCommand, command: cmd})
	return nil
}

// IsAlive implements domain.Connection.
func (c *RemoteConnection) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound
}

// IsRequestPending implements domain.Connection.
func (c *RemoteConnection) IsRequestPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) > 0
}

// WaitForPendingRequests implements domain.Connection: blocks until the
// queue empties or ctx is done.
func (c *RemoteConnection) WaitForPendingRequests(ctx domain.Context) error {
	for {
		c.mu.Lock()
		empty := len(c.queue) == 0
		c.mu.Unlock()
		if empty {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// GetStatus implements domain.Connection.
func (c *RemoteConnection) GetStatus() (domain.ClientJobStatus, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lastStatus.Jobs) == 0 {
		return domain.ClientJobStatus{}, c.lastStatusTime, false
	}
	return domain.ClientJobStatus{ClientPID: c.lastStatus.ClientPID, JobStatus: c.lastStatus.Jobs[0], UpdatedAt: c.lastStatusTime}, c.lastStatusTime, true
}

// GetLastResponse implements domain.Connection.
func (c *RemoteConnection) GetLastResponse() domain.ResponseStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResponse
}

// EverParticipatedInMeasurement implements domain.Connection.
func (c *RemoteConnection) EverParticipatedInMeasurement() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.everParticipated
}

// Close stops the worker goroutine and releases the bound RPC client.
func (c *RemoteConnection) Close() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	rpc := c.rpc
	c.cond.Broadcast()
	c.mu.Unlock()

	<-c.done
	if rpc != nil {
		return rpc.Close()
	}
	return nil
}

// run is the worker loop described in §4.1.b: bind if unbound, wait for
// work, dequeue and execute one action at a time.
func (c *RemoteConnection) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	go c.pingInjector(ticker)

	for {
		c.mu.Lock()
		if !c.bound {
			c.mu.Unlock()
			c.tryBind()
			c.mu.Lock()
		}
		for len(c.queue) == 0 && !c.stopped {
			c.cond.Wait()
		}
		if c.stopped {
			c.mu.Unlock()
			return
		}
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.execute(next)
	}
}

// pingInjector periodically enqueues a plain ping so the worker loop wakes
// up to refresh status even with no user-driven work pending.
func (c *RemoteConnection) pingInjector(ticker *time.Ticker) {
	for range ticker.C {
		if c.cfg.Limiter != nil {
			if allowed, _, err := c.cfg.Limiter.Allow(context.Background(), string(c.host)); err == nil && !allowed {
				continue
			}
		}
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		if c.bound && len(c.queue) == 0 {
			c.enqueueLocked(action{kind: actionPing})
		}
		c.mu.Unlock()
	}
}

func (c *RemoteConnection) ctxWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.RPCTimeout)
}

// midpoint returns the point in time halfway between start and end,
// per §4.1.b: a ping's observed status is timestamped at the call's
// midpoint, not its completion, since the peer's reported state reflects
// some moment during the round trip rather than when the reply arrived.
// Go's time.Now() carries a monotonic reading, so this subtraction is
// immune to wall-clock adjustments.
func midpoint(start, end time.Time) time.Time {
	return start.Add(end.Sub(start) / 2).UTC()
}

// tryBind scans discovery for a candidate instance and binds to the first
// that answers GetState.
func (c *RemoteConnection) tryBind() {
	if c.cfg.Breaker != nil && !c.cfg.Breaker.Allow() {
		time.Sleep(c.cfg.Backoff.NextBackOff())
		return
	}

	ctx, cancel := c.ctxWithTimeout()
	defer cancel()

	instances, err := c.tr.DiscoverInstances(ctx, c.host)
	if err != nil || len(instances) == 0 {
		if c.cfg.Breaker != nil {
			c.cfg.Breaker.RecordFailure()
		}
		time.Sleep(c.cfg.Backoff.NextBackOff())
		return
	}
	for _, inst := range instances {
		rpc, err := c.tr.Dial(ctx, c.host, inst)
		if err != nil {
			continue
		}
		start := time.Now()
		report, err := rpc.GetState(ctx)
		mid := midpoint(start, time.Now())
		if err != nil {
			_ = rpc.Close()
			continue
		}
		if c.cfg.Breaker != nil {
			c.cfg.Breaker.RecordSuccess()
		}
		c.mu.Lock()
		c.bound = true
		c.instance = inst
		c.rpc = rpc
		c.lastStatus = report
		c.lastStatusTime = mid
		enabled := c.enabled
		c.mu.Unlock()

		if c.onStatus != nil {
			c.onStatus(c.host, report)
		}
		if enabled {
			c.mu.Lock()
			c.purgeAutorecoveryLocked()
			c.pushFrontAutorecoveryLocked()
			c.mu.Unlock()
		}
		if b, ok := c.cfg.Backoff.(interface{ Reset() }); ok {
			b.Reset()
		}
		return
	}
	if c.cfg.Breaker != nil {
		c.cfg.Breaker.RecordFailure()
	}
	time.Sleep(c.cfg.Backoff.NextBackOff())
}

// pushFrontAutorecoveryLocked builds the autorecovery plan from lastStatus
// and shouldBeConnected and prepends it to the front of the queue in
// execution order (step 1 runs first), per §4.1.b.
func (c *RemoteConnection) pushFrontAutorecoveryLocked() {
	plan := buildAutorecoveryPlan(c.lastStatus, c.shouldBeConnected, c.completeSettings)
	actions := make([]action, 0, len(plan))
	for _, cmd := range plan {
		if cmd.Kind == domain.CommandNone {
			actions = append(actions, action{kind: actionSettings, settings: c.completeSettings, isAutorecovery: true})
			continue
		}
		actions = append(actions, action{kind: actionCommand, command: cmd, isAutorecovery: true})
	}
	// "prepended ... in reverse execution order (so step 1 runs first)":
	// plan is already built in execution order; pushFrontLocked keeps that
	// order since it prepends the whole slice atomically.
	c.pushFrontLocked(actions...)
}

// buildAutorecoveryPlan derives the recovery command sequence from the
// peer's last known status and the desired bus-connection state:
//  1. if recording but shouldn't be: StopRecording
//  2. else if initialized but shouldn't be: DeInitialize
//  3. always: full Settings(complete_settings) (represented as CommandNone)
//  4. if should be initialized but isn't: Initialize
func buildAutorecoveryPlan(status domain.RecorderStatusReport, shouldBeConnected bool, settings domain.RecorderSettings) []domain.RecorderCommand {
	recording := false
	initialized := len(status.Jobs) > 0
	for _, j := range status.Jobs {
		if j.State == domain.JobStateRecording {
			recording = true
		}
	}

	var plan []domain.RecorderCommand
	if recording && !shouldBeConnected {
		plan = append(plan, domain.RecorderCommand{Kind: domain.CommandStopRecording})
	} else if initialized && !shouldBeConnected {
		plan = append(plan, domain.RecorderCommand{Kind: domain.CommandDeInitialize})
	}
	plan = append(plan, domain.RecorderCommand{Kind: domain.CommandNone}) // marker for "apply full settings"
	if shouldBeConnected && !initialized {
		plan = append(plan, domain.RecorderCommand{Kind: domain.CommandInitialize})
	}
	return plan
}

// execute runs one dequeued action against the bound RPC client.
func (c *RemoteConnection) execute(a action) {
	c.mu.Lock()
	if !c.bound || c.rpc == nil {
		c.mu.Unlock()
		return
	}
	rpc := c.rpc
	c.mu.Unlock()

	ctx, cancel := c.ctxWithTimeout()
	defer cancel()

	switch a.kind {
	case actionPing:
		c.executePing(ctx, rpc, a.isAutorecovery)
	case actionSettings:
		c.executeSettings(ctx, rpc, a.settings)
	case actionCommand:
		c.executeCommand(ctx, rpc, a.command, a.isAutorecovery)
	}
}

func (c *RemoteConnection) unbindOnFailure(err error) {
	c.mu.Lock()
	c.bound = false
	c.rpc = nil
	c.lastResponse = domain.ResponseStatus{OK: false, Msg: "Unable to contact recorder"}
	c.cond.Broadcast()
	c.mu.Unlock()
	if c.cfg.Breaker != nil {
		c.cfg.Breaker.RecordFailure()
	}
	c.log.Warn("remote connection unbound after rpc failure", slog.Any("error", err))
}

func (c *RemoteConnection) executePing(ctx domain.Context, rpc transport.RecorderClientRPC, autorecovery bool) {
	start := time.Now()
	report, err := rpc.GetState(ctx)
	mid := midpoint(start, time.Now())
	if err != nil {
		c.unbindOnFailure(err)
		return
	}
	c.mu.Lock()
	c.lastStatus = report
	c.lastStatusTime = mid
	host := c.host
	c.mu.Unlock()

	if c.onStatus != nil {
		c.onStatus(host, report)
	}
	if autorecovery {
		c.mu.Lock()
		c.purgeAutorecoveryLocked()
		c.pushFrontAutorecoveryLocked()
		c.mu.Unlock()
	}
}

func (c *RemoteConnection) executeSettings(ctx domain.Context, rpc transport.RecorderClientRPC, settings domain.RecorderSettings) {
	resp, err := rpc.SetConfig(ctx, serializeSettings(settings))
	if err != nil {
		c.unbindOnFailure(err)
		return
	}
	c.mu.Lock()
	c.lastResponse = resp
	if resp.OK {
		c.clientInSync = true
	} else {
		c.clientInSync = false
		enabled := c.enabled
		if enabled {
			c.purgeAutorecoveryLocked()
			c.pushFrontAutorecoveryLocked()
		}
	}
	c.mu.Unlock()
}

func (c *RemoteConnection) executeCommand(ctx domain.Context, rpc transport.RecorderClientRPC, cmd domain.RecorderCommand, isAutorecovery bool) {
	name, params := serializeCommand(cmd)
	resp, err := rpc.SetCommand(ctx, name, params)
	if err != nil {
		c.unbindOnFailure(err)
		return
	}
	c.mu.Lock()
	c.lastResponse = resp
	host := c.host
	c.mu.Unlock()

	if cmd.Kind.IsJobBearing() && c.onCommandResponse != nil {
		jobID := cmd.JobID
		if jobID == 0 {
			jobID = cmd.MeasID
		}
		c.onCommandResponse(jobID, host, resp)
	}
	_ = isAutorecovery
}

// serializeSettings renders RecorderSettings to the SetConfig string map
// the recorder-client RPC expects.
func serializeSettings(s domain.RecorderSettings) map[string]string {
	kv := map[string]string{}
	if s.MaxPreBufferLength != nil {
		kv["max_pre_buffer_length_secs"] = fmt.Sprintf("%.3f", s.MaxPreBufferLength.Seconds())
	}
	if s.PreBufferingEnabled != nil {
		kv["pre_buffering_enabled"] = fmt.Sprintf("%t", *s.PreBufferingEnabled)
	}
	if s.HostFilter != nil {
		kv["host_filter"] = joinHostSet(*s.HostFilter)
	}
	if s.RecordMode != nil {
		kv["record_mode"] = s.RecordMode.String()
	}
	if s.ListedTopics != nil {
		kv["listed_topics"] = joinStringSet(*s.ListedTopics)
	}
	if s.EnabledAddons != nil {
		kv["enabled_addons"] = joinStringSet(*s.EnabledAddons)
	}
	return kv
}

func joinHostSet(set map[domain.HostName]struct{}) string {
	names := make([]string, 0, len(set))
	for h := range set {
		names = append(names, string(h))
	}
	sort.Strings(names)
	out := ""
	for i, n := range names {
		if i > 0 {
			out += "\n"
		}
		out += n
	}
	return out
}

func joinStringSet(set map[string]struct{}) string {
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	out := ""
	for i, n := range names {
		if i > 0 {
			out += "\n"
		}
		out += n
	}
	return out
}

// serializeCommand renders a RecorderCommand to the SetCommand enum name
// and param map the recorder-client RPC expects.
func serializeCommand(cmd domain.RecorderCommand) (string, map[string]string) {
	params := map[string]string{}
	switch cmd.Kind {
	case domain.CommandStartRecording, domain.CommandSavePreBuffer:
		params["meas_id"] = fmt.Sprintf("%d", cmd.Config.JobID)
		params["meas_root_dir"] = cmd.Config.MeasRootDir
		params["meas_name"] = cmd.Config.MeasName
		params["description"] = cmd.Config.Description
		params["max_file_size_mib"] = fmt.Sprintf("%d", cmd.Config.MaxFileSizeMiB)
		params["one_file_per_topic"] = fmt.Sprintf("%t", cmd.Config.OneFilePerTopic)
	case domain.CommandUploadMeasurement:
		params["protocol"] = "FTP"
		params["meas_id"] = fmt.Sprintf("%d", cmd.JobID)
		params["username"] = cmd.Upload.Username
		params["password"] = cmd.Upload.Password
		params["host"] = cmd.Upload.Host
		params["port"] = fmt.Sprintf("%d", cmd.Upload.Port)
		params["upload_path"] = cmd.Upload.RootPath
		params["upload_metadata_files"] = fmt.Sprintf("%t", cmd.Upload.UploadMetadataFiles)
		params["delete_after_upload"] = fmt.Sprintf("%t", cmd.Upload.DeleteAfterUpload)
	case domain.CommandAddComment:
		params["meas_id"] = fmt.Sprintf("%d", cmd.MeasID)
		params["comment"] = cmd.Comment
	case domain.CommandDeleteMeasurement:
		params["meas_id"] = fmt.Sprintf("%d", cmd.MeasID)
	}
	return cmd.Kind.String(), params
}
