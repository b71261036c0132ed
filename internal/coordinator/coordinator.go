// Package coordinator implements the Coordinator (C4): it owns the
// connection set, the server-wide settings and upload config, and drives
// the measurement lifecycle, mediating between the Client Connections (C1),
// the Monitoring Loop (C2), and the Job-History Store (C3). It consults the
// Eligibility Oracle (C5) before every upload/comment/delete.
package coordinator

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ecal-fleet/rec-coordinator/internal/domain"
	"github.com/ecal-fleet/rec-coordinator/internal/eligibility"
	"github.com/ecal-fleet/rec-coordinator/internal/jobhistory"
	"github.com/ecal-fleet/rec-coordinator/internal/jobtemplate"
	"github.com/ecal-fleet/rec-coordinator/internal/monitor"
	"github.com/ecal-fleet/rec-coordinator/internal/upload"
	"github.com/ecal-fleet/rec-coordinator/pkg/textx"
)

// ConnectionFactory builds a new Connection for host. The coordinator
// distinguishes the local host (built-in recorder) from remote hosts by
// comparing against LocalHost; callers supply one factory per variant.
type ConnectionFactory func(host domain.HostName) domain.Connection

// IDGenerator hands out strictly-increasing job ids. The default
// implementation is a simple in-process counter; production deployments
// may back it with a durable sequence.
type IDGenerator interface {
	Next() int64
}

// counterIDGenerator is the default IDGenerator: an in-process monotonic
// counter seeded at construction.
type counterIDGenerator struct {
	mu   sync.Mutex
	next int64
}

// NewCounterIDGenerator returns an IDGenerator starting at start+1.
func NewCounterIDGenerator(start int64) IDGenerator {
	return &counterIDGenerator{next: start}
}

func (c *counterIDGenerator) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return c.next
}

// Config bundles the coordinator's static configuration.
type Config struct {
	LocalHost               domain.HostName
	BuiltInRecorderEnabled  bool
	JobTemplate             jobtemplate.Template
	LoadedConfigPath        string
	LoadedConfigVersion     int
}

// Coordinator is the Coordinator (C4).
type Coordinator struct {
	cfg Config

	localFactory  ConnectionFactory
	remoteFactory ConnectionFactory
	ids           IDGenerator
	history       *jobhistory.Store
	log           *slog.Logger

	// clientsLock guards connections, enabledClients, completeSettings,
	// uploadConfig, connectionToClientsActive, boundToRecordBus, recording,
	// currentlyRecordingJobID.
	//
	// Acquisition order: clientsLock before jobHistoryLock, never reversed
	// (jobHistoryLock lives inside internal/jobhistory.Store and is never
	// taken directly here, but the rule is preserved for any future state
	// that needs both).
	clientsLock sync.RWMutex

	connections               map[domain.ClientIdentity]domain.Connection
	enabledClients            map[domain.ClientIdentity]domain.ClientConfig
	completeSettings          domain.RecorderSettings
	uploadConfig              domain.UploadConfig
	connectionToClientsActive bool
	boundToRecordBus          bool
	recording                 bool
	currentlyRecordingJobID   int64
}

// New constructs a Coordinator. localFactory builds the coordinator's own
// in-process connection; remoteFactory builds a connection to a discovered
// remote host.
func New(cfg Config, localFactory, remoteFactory ConnectionFactory, ids IDGenerator, history *jobhistory.Store, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if ids == nil {
		ids = NewCounterIDGenerator(0)
	}
	return &Coordinator{
		cfg:            cfg,
		localFactory:   localFactory,
		remoteFactory:  remoteFactory,
		ids:            ids,
		history:        history,
		log:            log.With(slog.String("component", "coordinator")),
		connections:    make(map[domain.ClientIdentity]domain.Connection),
		enabledClients: make(map[domain.ClientIdentity]domain.ClientConfig),
	}
}

func (c *Coordinator) isLocal(id domain.ClientIdentity) bool {
	return id == domain.ClientIdentity(c.cfg.LocalHost).Normalize()
}

func (c *Coordinator) factoryFor(id domain.ClientIdentity) ConnectionFactory {
	if c.isLocal(id) {
		return c.localFactory
	}
	return c.remoteFactory
}

// ---- 4.4.1 Client-set management ----

// SetEnabledClients implements set_enabled_clients. Rejected while
// recording; for each newly-enabled host it creates (or reuses) a
// connection and applies its client config, and disables connections for
// hosts dropped from newMap without destroying them.
func (c *Coordinator) SetEnabledClients(ctx domain.Context, newMap map[domain.HostName]domain.ClientConfig) error {
	c.clientsLock.Lock()
	defer c.clientsLock.Unlock()

	if c.recording {
		return fmt.Errorf("op=coordinator.set_enabled_clients: %w", domain.ErrCurrentlyRecording)
	}

	next := make(map[domain.ClientIdentity]domain.ClientConfig, len(newMap))
	for host, cfg := range newMap {
		next[domain.ClientIdentity(host).Normalize()] = cfg
	}

	for id, cfg := range next {
		prevCfg, wasEnabled := c.enabledClients[id]
		conn, exists := c.connections[id]
		if !exists {
			conn = c.factoryFor(id)(domain.HostName(id))
			c.connections[id] = conn
		}
		if !wasEnabled {
			if c.connectionToClientsActive {
				if err := conn.SetEnabled(ctx, true, c.boundToRecordBus); err != nil {
					c.log.Warn("enable failed", slog.String("host", string(id)), slog.Any("error", err))
				}
			}
			c.applyClientConfig(ctx, conn, cfg)
		} else if !domain.EqualClientConfig(prevCfg, cfg) {
			c.applyClientConfig(ctx, conn, cfg)
		}
	}

	for id := range c.enabledClients {
		if _, stillEnabled := next[id]; stillEnabled {
			continue
		}
		if conn, ok := c.connections[id]; ok {
			if err := conn.SetEnabled(ctx, false, false); err != nil {
				c.log.Warn("disable failed", slog.String("host", string(id)), slog.Any("error", err))
			}
		}
	}

	c.enabledClients = next
	return nil
}

func (c *Coordinator) applyClientConfig(ctx domain.Context, conn domain.Connection, cfg domain.ClientConfig) {
	addons := cfg.EnabledAddons
	hostFilter := cfg.HostFilter
	diff := domain.RecorderSettings{EnabledAddons: &addons, HostFilter: &hostFilter}
	if err := conn.SetSettings(ctx, diff); err != nil {
		c.log.Warn("apply client config failed", slog.Any("error", err))
	}
}

// UpdateConnections implements the monitor callback update_connections: it
// is registered as the first hook on internal/monitor.Monitor. For every
// host running a client we don't yet have a connection to (skipping the
// local host when the built-in recorder is enabled — that host is reached
// through localFactory, not discovery), it creates one; it prunes
// connections that are no longer alive, not user-enabled, not reported by
// the monitor, and have never participated in a measurement. Finally it
// polls the local connection once through its Refresh method, if it has one.
func (c *Coordinator) UpdateConnections(ctx domain.Context, hostsRunningClient monitor.RunningClients) {
	c.clientsLock.Lock()
	defer c.clientsLock.Unlock()

	for host := range hostsRunningClient {
		id := domain.ClientIdentity(host).Normalize()
		if c.isLocal(id) && c.cfg.BuiltInRecorderEnabled {
			continue
		}
		if _, exists := c.connections[id]; exists {
			continue
		}
		c.connections[id] = c.factoryFor(id)(domain.HostName(id))
	}

	for id, conn := range c.connections {
		_, reportedRunning := hostsRunningClient[domain.HostName(id)]
		_, userEnabled := c.enabledClients[id]
		if conn.IsAlive() || userEnabled || reportedRunning || conn.EverParticipatedInMeasurement() {
			continue
		}
		delete(c.connections, id)
	}

	// The local connection has no worker of its own; poll it once per tick.
	if r, ok := c.connections[domain.ClientIdentity(c.cfg.LocalHost).Normalize()].(interface{ Refresh(domain.Context) error }); ok {
		if err := r.Refresh(ctx); err != nil {
			c.log.Debug("local connection refresh failed", slog.Any("error", err))
		}
	}
}

// ---- 4.4.2 Record-bus lifecycle ----

// ConnectToRecordBus implements connect_to_record_bus: while clients are
// active, issues Initialize to every connection and marks the bus bound.
func (c *Coordinator) ConnectToRecordBus(ctx domain.Context) error {
	c.clientsLock.Lock()
	defer c.clientsLock.Unlock()
	c.boundToRecordBus = true
	if c.connectionToClientsActive {
		c.broadcastCommandLocked(ctx, domain.RecorderCommand{Kind: domain.CommandInitialize})
	}
	return nil
}

// DisconnectFromRecordBus implements disconnect_from_record_bus. Rejected
// while recording.
func (c *Coordinator) DisconnectFromRecordBus(ctx domain.Context) error {
	c.clientsLock.Lock()
	defer c.clientsLock.Unlock()
	if c.recording {
		return fmt.Errorf("op=coordinator.disconnect_from_record_bus: %w", domain.ErrCurrentlyRecording)
	}
	c.boundToRecordBus = false
	if c.connectionToClientsActive {
		c.broadcastCommandLocked(ctx, domain.RecorderCommand{Kind: domain.CommandDeInitialize})
	}
	return nil
}

func (c *Coordinator) broadcastCommandLocked(ctx domain.Context, cmd domain.RecorderCommand) {
	for id, conn := range c.connections {
		if _, enabled := c.enabledClients[id]; !enabled {
			continue
		}
		if err := conn.SetCommand(ctx, cmd); err != nil {
			c.log.Warn("broadcast command failed", slog.String("host", string(id)), slog.String("command", cmd.Kind.String()), slog.Any("error", err))
		}
	}
}

// ---- 4.4.3 Measurement lifecycle ----

// StartRecording implements "Start recording". Rejected if already
// recording.
func (c *Coordinator) StartRecording(ctx domain.Context) (int64, error) {
	c.clientsLock.Lock()
	if c.recording {
		c.clientsLock.Unlock()
		return 0, fmt.Errorf("op=coordinator.start_recording: %w", domain.ErrCurrentlyRecording)
	}

	now := time.Now().UTC()
	jobID := c.ids.Next()
	hostCfg, err := jobtemplate.RenderHostEvaluated(c.cfg.JobTemplate, jobID, jobtemplate.Context{Time: now})
	if err != nil {
		c.clientsLock.Unlock()
		return 0, fmt.Errorf("op=coordinator.start_recording: %w", err)
	}
	localCfg, err := jobtemplate.RenderLocalEvaluated(c.cfg.JobTemplate, jobID, jobtemplate.Context{Time: now})
	if err != nil {
		c.clientsLock.Unlock()
		return 0, fmt.Errorf("op=coordinator.start_recording: %w", err)
	}

	clientStatuses := make(map[domain.ClientIdentity]domain.ClientJobStatus, len(c.enabledClients))
	for id, cfg := range c.enabledClients {
		addonStatuses := make(map[string]domain.AddonJobState, len(cfg.EnabledAddons))
		for addon := range cfg.EnabledAddons {
			addonStatuses[addon] = domain.AddonStateNotStarted
		}
		clientStatuses[id] = domain.ClientJobStatus{
			JobStatus: domain.JobStatus{JobID: jobID, State: domain.JobStateNotStarted, AddonStatuses: addonStatuses},
			UpdatedAt: now,
		}
	}

	entry := domain.JobHistoryEntry{
		JobID:                jobID,
		LocalStartTime:       now,
		LocalEvaluatedConfig: localCfg,
		ClientStatuses:       clientStatuses,
	}
	c.clientsLock.Unlock()

	if err := c.history.Append(ctx, entry); err != nil {
		return 0, fmt.Errorf("op=coordinator.start_recording: %w", err)
	}

	c.clientsLock.Lock()
	defer c.clientsLock.Unlock()
	if !c.connectionToClientsActive {
		c.connectionToClientsActive = true
	}
	c.dispatchJobCommandLocked(ctx, domain.CommandStartRecording, hostCfg, localCfg)

	c.boundToRecordBus = true
	c.recording = true
	c.currentlyRecordingJobID = jobID
	return jobID, nil
}

// SavePreBuffer implements "Save pre-buffer". Rejected if not bound to the
// record bus. Pre-buffering-enabled is a per-client setting the caller is
// responsible for having applied via SetEnabledClients/settings before
// calling this.
func (c *Coordinator) SavePreBuffer(ctx domain.Context) (int64, error) {
	c.clientsLock.Lock()
	if !c.boundToRecordBus {
		c.clientsLock.Unlock()
		return 0, fmt.Errorf("op=coordinator.save_pre_buffer: %w", domain.ErrNotInitialized)
	}
	now := time.Now().UTC()
	jobID := c.ids.Next()
	c.clientsLock.Unlock()

	hostCfg, err := jobtemplate.RenderHostEvaluated(c.cfg.JobTemplate, jobID, jobtemplate.Context{Time: now})
	if err != nil {
		return 0, fmt.Errorf("op=coordinator.save_pre_buffer: %w", err)
	}
	localCfg, err := jobtemplate.RenderLocalEvaluated(c.cfg.JobTemplate, jobID, jobtemplate.Context{Time: now})
	if err != nil {
		return 0, fmt.Errorf("op=coordinator.save_pre_buffer: %w", err)
	}

	c.clientsLock.RLock()
	clientStatuses := make(map[domain.ClientIdentity]domain.ClientJobStatus, len(c.enabledClients))
	for id := range c.enabledClients {
		clientStatuses[id] = domain.ClientJobStatus{JobStatus: domain.JobStatus{JobID: jobID, State: domain.JobStateNotStarted}, UpdatedAt: now}
	}
	c.clientsLock.RUnlock()

	entry := domain.JobHistoryEntry{JobID: jobID, LocalStartTime: now, LocalEvaluatedConfig: localCfg, ClientStatuses: clientStatuses}
	if err := c.history.Append(ctx, entry); err != nil {
		return 0, fmt.Errorf("op=coordinator.save_pre_buffer: %w", err)
	}

	c.clientsLock.Lock()
	defer c.clientsLock.Unlock()
	c.dispatchJobCommandLocked(ctx, domain.CommandSavePreBuffer, hostCfg, localCfg)
	return jobID, nil
}

func (c *Coordinator) dispatchJobCommandLocked(ctx domain.Context, kind domain.RecorderCommandKind, hostCfg, localCfg domain.JobConfig) {
	for id, conn := range c.connections {
		if _, enabled := c.enabledClients[id]; !enabled {
			continue
		}
		cfg := hostCfg
		if c.isLocal(id) {
			cfg = localCfg
		}
		if err := conn.SetCommand(ctx, domain.RecorderCommand{Kind: kind, JobID: cfg.JobID, Config: cfg}); err != nil {
			c.log.Warn("job command dispatch failed", slog.String("host", string(id)), slog.String("command", kind.String()), slog.Any("error", err))
		}
	}
}

// StopRecording implements "Stop recording": issues StopRecording to every
// enabled connection and clears the recording flag.
func (c *Coordinator) StopRecording(ctx domain.Context) error {
	c.clientsLock.Lock()
	defer c.clientsLock.Unlock()
	if !c.recording {
		return fmt.Errorf("op=coordinator.stop_recording: %w", domain.ErrNotInitialized)
	}
	c.broadcastCommandLocked(ctx, domain.RecorderCommand{Kind: domain.CommandStopRecording})
	c.recording = false
	c.currentlyRecordingJobID = 0
	return nil
}

// ---- 4.4.4 Upload ----

// UploadMeasurement implements upload_measurement.
func (c *Coordinator) UploadMeasurement(ctx domain.Context, jobID int64, prov upload.FTPProvisioner) error {
	entry, err := c.history.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=coordinator.upload_measurement: %w", err)
	}

	c.clientsLock.RLock()
	uploadCfg := c.uploadConfig
	localHost := c.cfg.LocalHost
	local := c.localContextLocked()
	c.clientsLock.RUnlock()

	if err := eligibility.SimulateUpload(entry, uploadCfg, local); err != nil {
		return fmt.Errorf("op=coordinator.upload_measurement: %w", err)
	}

	needing := eligibility.ClientsNeedingUpload(entry, uploadCfg.Protocol, localHost)
	uploader, haveUploader := eligibility.ChooseMetadataUploader(entry, localHost)

	var resolved domain.UploadConfig
	switch uploadCfg.Protocol {
	case domain.UploadProtocolInternalFTP:
		resolved, err = upload.BuildInternalFTP(prov, jobID, entry.LocalEvaluatedConfig.MeasRootDir, uploadCfg.Host, uploadCfg.Port, uploadCfg.DeleteAfterUpload)
	case domain.UploadProtocolExternalFTP:
		resolved, err = upload.BuildExternalFTP(uploadCfg.Host, uploadCfg.Port, uploadCfg.Username, uploadCfg.Password, uploadCfg.RootPath, entry.LocalEvaluatedConfig.MeasName, uploadCfg.DeleteAfterUpload)
	default:
		return fmt.Errorf("op=coordinator.upload_measurement: %w", domain.ErrUnsupportedAction)
	}
	if err != nil {
		return fmt.Errorf("op=coordinator.upload_measurement: %w", err)
	}

	c.clientsLock.RLock()
	defer c.clientsLock.RUnlock()
	for _, id := range needing {
		conn, ok := c.connections[id]
		if !ok {
			continue
		}
		dispatch := resolved
		dispatch.UploadMetadataFiles = haveUploader && id == uploader
		cmd := domain.RecorderCommand{Kind: domain.CommandUploadMeasurement, JobID: jobID, Upload: &dispatch}
		if err := conn.SetCommand(ctx, cmd); err != nil {
			c.log.Warn("upload dispatch failed", slog.String("host", string(id)), slog.Any("error", err))
		}
	}

	return c.history.MarkUploaded(ctx, jobID, resolved)
}

// UploadNonUploaded implements upload_non_uploaded: attempts
// UploadMeasurement for every history entry the oracle currently allows,
// returning the count attempted.
func (c *Coordinator) UploadNonUploaded(ctx domain.Context, prov upload.FTPProvisioner) int {
	entries := c.history.Snapshot(ctx)

	c.clientsLock.RLock()
	uploadCfg := c.uploadConfig
	local := c.localContextLocked()
	c.clientsLock.RUnlock()

	attempted := 0
	for _, entry := range entries {
		if !eligibility.CanUpload(entry, uploadCfg, local) {
			continue
		}
		attempted++
		if err := c.UploadMeasurement(ctx, entry.JobID, prov); err != nil {
			c.log.Warn("upload_non_uploaded attempt failed", slog.Int64("job_id", entry.JobID), slog.Any("error", err))
		}
	}
	return attempted
}

func (c *Coordinator) localContextLocked() eligibility.LocalContext {
	id := domain.ClientIdentity(c.cfg.LocalHost).Normalize()
	conn, ok := c.connections[id]
	ctx := eligibility.LocalContext{Host: c.cfg.LocalHost}
	if !ok {
		return ctx
	}
	ctx.Alive = conn.IsAlive()
	if status, _, hasStatus := conn.GetStatus(); hasStatus {
		ctx.PID = status.ClientPID
	}
	return ctx
}

// ---- 4.4.5 Comment / Delete ----

// commentTimeLayout renders "YYYY-MM-DD, HH:MM" per spec.md §4.4.5.
const commentTimeLayout = "2006-01-02, 15:04"

// AddComment implements add_comment: checks eligibility, prefixes text with
// a local-time header, stores it, and sends AddComment to every
// non-deleted client in the entry.
func (c *Coordinator) AddComment(ctx domain.Context, jobID int64, text string) error {
	entry, err := c.history.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=coordinator.add_comment: %w", err)
	}

	c.clientsLock.RLock()
	local := c.localContextLocked()
	c.clientsLock.RUnlock()

	if err := eligibility.SimulateAddComment(entry, local); err != nil {
		return fmt.Errorf("op=coordinator.add_comment: %w", err)
	}

	header := fmt.Sprintf("[%s] ", time.Now().Format(commentTimeLayout))
	full := header + textx.SanitizeText(text)

	c.clientsLock.RLock()
	defer c.clientsLock.RUnlock()
	for id, cs := range entry.ClientStatuses {
		if cs.JobStatus.IsDeleted {
			continue
		}
		conn, ok := c.connections[id]
		if !ok {
			continue
		}
		if err := conn.SetCommand(ctx, domain.RecorderCommand{Kind: domain.CommandAddComment, MeasID: jobID, Comment: full}); err != nil {
			c.log.Warn("add_comment dispatch failed", slog.String("host", string(id)), slog.Any("error", err))
		}
	}

	return c.history.SetComment(ctx, jobID, full)
}

// DeleteMeasurement implements delete_measurement: checks eligibility,
// marks the entry deleted, and sends DeleteMeasurement to every previously
// involved client that has not already deleted its copy.
func (c *Coordinator) DeleteMeasurement(ctx domain.Context, jobID int64) error {
	entry, err := c.history.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("op=coordinator.delete_measurement: %w", err)
	}
	if err := eligibility.SimulateDelete(entry); err != nil {
		return fmt.Errorf("op=coordinator.delete_measurement: %w", err)
	}

	c.clientsLock.RLock()
	defer c.clientsLock.RUnlock()
	if c.recording && c.currentlyRecordingJobID == jobID {
		return fmt.Errorf("op=coordinator.delete_measurement: %w", domain.ErrCurrentlyRecording)
	}
	for id, cs := range entry.ClientStatuses {
		if cs.JobStatus.IsDeleted {
			continue
		}
		conn, ok := c.connections[id]
		if !ok {
			continue
		}
		if err := conn.SetCommand(ctx, domain.RecorderCommand{Kind: domain.CommandDeleteMeasurement, MeasID: jobID}); err != nil {
			c.log.Warn("delete dispatch failed", slog.String("host", string(id)), slog.Any("error", err))
		}
	}

	return c.history.MarkDeleted(ctx, jobID)
}

// ---- 4.4.6 Status queries ----

// ClientStatusView is one host's most recently observed status.
type ClientStatusView struct {
	Host   domain.ClientIdentity
	Alive  bool
	Status domain.ClientJobStatus
}

// HistoryView annotates a JobHistoryEntry with the eligibility bits a
// caller would otherwise have to recompute itself.
type HistoryView struct {
	Entry     domain.JobHistoryEntry
	CanUpload bool
	CanComment bool
}

// StatusSnapshot is the composite view status() returns.
type StatusSnapshot struct {
	ConfigPath              string
	ConfigVersion           int
	BoundToRecordBus        bool
	Recording               bool
	CurrentlyRecordingJobID int64
	History                 []HistoryView
	Clients                 []ClientStatusView
}

// Status implements status(): a composite, copy-returning snapshot of
// bus-bound state, currently-recording job, annotated history, and
// per-host client statuses.
func (c *Coordinator) Status(ctx domain.Context) StatusSnapshot {
	c.clientsLock.RLock()
	uploadCfg := c.uploadConfig
	local := c.localContextLocked()
	snap := StatusSnapshot{
		ConfigPath:              c.cfg.LoadedConfigPath,
		ConfigVersion:           c.cfg.LoadedConfigVersion,
		BoundToRecordBus:        c.boundToRecordBus,
		Recording:               c.recording,
		CurrentlyRecordingJobID: c.currentlyRecordingJobID,
	}
	ids := make([]domain.ClientIdentity, 0, len(c.connections))
	for id := range c.connections {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		conn := c.connections[id]
		status, _, _ := conn.GetStatus()
		snap.Clients = append(snap.Clients, ClientStatusView{Host: id, Alive: conn.IsAlive(), Status: status})
	}
	c.clientsLock.RUnlock()

	for _, entry := range c.history.Snapshot(ctx) {
		snap.History = append(snap.History, HistoryView{
			Entry:      entry,
			CanUpload:  eligibility.CanUpload(entry, uploadCfg, local),
			CanComment: eligibility.SimulateAddComment(entry, local) == nil,
		})
	}
	return snap
}

// RestartClients is a supplemented convenience grounded in the original
// orchestrator's ordered stop-then-start task restart: it disables then
// re-enables a set of already-enabled hosts' connections in sequence.
// Rejected while recording, since enabled-set membership is immutable then.
func (c *Coordinator) RestartClients(ctx domain.Context, hosts []domain.ClientIdentity) error {
	c.clientsLock.Lock()
	defer c.clientsLock.Unlock()
	if c.recording {
		return fmt.Errorf("op=coordinator.restart_clients: %w", domain.ErrCurrentlyRecording)
	}
	for _, id := range hosts {
		conn, ok := c.connections[id]
		if !ok {
			continue
		}
		if _, enabled := c.enabledClients[id]; !enabled {
			continue
		}
		if err := conn.SetEnabled(ctx, false, false); err != nil {
			c.log.Warn("restart: disable failed", slog.String("host", string(id)), slog.Any("error", err))
			continue
		}
		if err := conn.SetEnabled(ctx, true, c.boundToRecordBus); err != nil {
			c.log.Warn("restart: enable failed", slog.String("host", string(id)), slog.Any("error", err))
		}
	}
	return nil
}

// SetUploadConfig replaces the server-wide upload config.
func (c *Coordinator) SetUploadConfig(cfg domain.UploadConfig) {
	c.clientsLock.Lock()
	defer c.clientsLock.Unlock()
	c.uploadConfig = cfg
}
