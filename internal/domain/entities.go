// Package domain defines the data model shared across the fleet coordinator:
// client identities, recorder settings and commands, job configuration and
// history, and the sentinel error taxonomy operations report through.
package domain

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// Context is a type alias to stdlib context.Context for convenience across
// layers; adapters and services pass it through unchanged.
type Context = context.Context

// Error taxonomy (sentinels). Adapters and services wrap one of these with
// fmt.Errorf("op=...: %w", ErrX) so callers can classify failures with
// errors.Is regardless of which layer produced them. Names mirror the
// RecError kinds an eligibility check or command dispatch can surface.
var (
	ErrGeneric             = errors.New("generic error")
	ErrNotInitialized      = errors.New("not initialized")
	ErrAlreadyInitialized  = errors.New("already initialized")
	ErrParameterError      = errors.New("parameter error")
	ErrUnsupportedAction   = errors.New("unsupported action")
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrActionSuperfluous   = errors.New("action superfluous")
	ErrAlreadyUploaded     = errors.New("already uploaded")
	ErrCurrentlyRecording  = errors.New("currently recording")
	ErrCurrentlyFlushing   = errors.New("currently flushing")
	ErrCurrentlyUploading  = errors.New("currently uploading")
	ErrMeasIDNotFound      = errors.New("measurement id not found")
	ErrMeasIsDeleted       = errors.New("measurement is deleted")

	// Generic infrastructure sentinels, in the same vein as the original
	// upload-evaluator's taxonomy, for layers outside the recorder protocol
	// (HTTP validation, persistence, transport).
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrNotConnected    = errors.New("client not connected")
	ErrRPCTimeout      = errors.New("rpc timed out")
	ErrInternal        = errors.New("internal error")
)

// HostList is a comma-joined, alphabetically-sorted list of hosts, the shape
// every eligibility error carries per spec: "H1,H2".
func HostList(hosts []HostName) string {
	strs := make([]string, 0, len(hosts))
	for _, h := range hosts {
		strs = append(strs, string(h))
	}
	sort.Strings(strs)
	return strings.Join(strs, ",")
}

// HostName identifies a machine running an eCAL recorder client. Comparison
// is case-insensitive; use NormalizeHost before using a HostName as a map
// key so "Host1" and "host1" collide as the spec requires.
type HostName string

// NormalizeHost lower-cases a host name for use as a map key, matching the
// case-insensitive ClientIdentity comparison required by the data model.
func NormalizeHost(h HostName) HostName { return HostName(strings.ToLower(string(h))) }

// ClientIdentity is the primary key for a client: its (case-insensitive)
// host name.
type ClientIdentity HostName

func (c ClientIdentity) String() string { return string(c) }

// Normalize returns the identity with its host name lower-cased.
func (c ClientIdentity) Normalize() ClientIdentity {
	return ClientIdentity(NormalizeHost(HostName(c)))
}

// RecordMode selects which topics a client records.
type RecordMode int

const (
	RecordModeAll RecordMode = iota
	RecordModeBlacklist
	RecordModeWhitelist
)

func (m RecordMode) String() string {
	switch m {
	case RecordModeAll:
		return "all"
	case RecordModeBlacklist:
		return "blacklist"
	case RecordModeWhitelist:
		return "whitelist"
	default:
		return "unknown"
	}
}

// ClientConfig scopes what one client records: which addons run and which
// hosts its own recordings are limited to.
type ClientConfig struct {
	EnabledAddons map[string]struct{}
	HostFilter    map[HostName]struct{}
}

// CloneClientConfig returns a deep copy so callers can mutate it without
// aliasing the coordinator's stored config.
func CloneClientConfig(c ClientConfig) ClientConfig {
	out := ClientConfig{
		EnabledAddons: make(map[string]struct{}, len(c.EnabledAddons)),
		HostFilter:    make(map[HostName]struct{}, len(c.HostFilter)),
	}
	for k := range c.EnabledAddons {
		out.EnabledAddons[k] = struct{}{}
	}
	for k := range c.HostFilter {
		out.HostFilter[k] = struct{}{}
	}
	return out
}

// EqualClientConfig reports whether two client configs have the same addon
// set and host filter, used to decide whether a settings diff is needed
// when re-enabling an already-enabled client.
func EqualClientConfig(a, b ClientConfig) bool {
	if len(a.EnabledAddons) != len(b.EnabledAddons) || len(a.HostFilter) != len(b.HostFilter) {
		return false
	}
	for k := range a.EnabledAddons {
		if _, ok := b.EnabledAddons[k]; !ok {
			return false
		}
	}
	for k := range a.HostFilter {
		if _, ok := b.HostFilter[k]; !ok {
			return false
		}
	}
	return true
}

// RecorderSettings is a partial-update struct: every field is an optional
// (present, value) pair, modeled as a nil-able pointer/map, so diffs can be
// sent over the wire and merged associatively and idempotently.
type RecorderSettings struct {
	MaxPreBufferLength  *time.Duration
	PreBufferingEnabled *bool
	HostFilter          *map[HostName]struct{}
	RecordMode          *RecordMode
	ListedTopics        *map[string]struct{}
	EnabledAddons       *map[string]struct{}
}

// Merge applies the non-nil ("present") fields of other on top of r,
// returning the result: "add-settings" per the spec. Merge is associative
// and idempotent — applying the same delta twice, or two deltas touching
// disjoint fields in either order, yields the same settings.
func (r RecorderSettings) Merge(other RecorderSettings) RecorderSettings {
	out := r
	if other.MaxPreBufferLength != nil {
		out.MaxPreBufferLength = other.MaxPreBufferLength
	}
	if other.PreBufferingEnabled != nil {
		out.PreBufferingEnabled = other.PreBufferingEnabled
	}
	if other.HostFilter != nil {
		out.HostFilter = other.HostFilter
	}
	if other.RecordMode != nil {
		out.RecordMode = other.RecordMode
	}
	if other.ListedTopics != nil {
		out.ListedTopics = other.ListedTopics
	}
	if other.EnabledAddons != nil {
		out.EnabledAddons = other.EnabledAddons
	}
	return out
}

// RecorderCommandKind tags the variant carried by a RecorderCommand.
type RecorderCommandKind int

// Command kinds, matching the tagged union in the data model: None,
// Initialize, DeInitialize, StartRecording, StopRecording, SavePreBuffer,
// UploadMeasurement, AddComment, DeleteMeasurement, Exit.
const (
	CommandNone RecorderCommandKind = iota
	CommandInitialize
	CommandDeInitialize
	CommandStartRecording
	CommandStopRecording
	CommandSavePreBuffer
	CommandUploadMeasurement
	CommandAddComment
	CommandDeleteMeasurement
	CommandExit
)

func (k RecorderCommandKind) String() string {
	switch k {
	case CommandNone:
		return "none"
	case CommandInitialize:
		return "initialize"
	case CommandDeInitialize:
		return "de_initialize"
	case CommandStartRecording:
		return "start_recording"
	case CommandStopRecording:
		return "stop_recording"
	case CommandSavePreBuffer:
		return "save_pre_buffer"
	case CommandUploadMeasurement:
		return "upload_measurement"
	case CommandAddComment:
		return "add_comment"
	case CommandDeleteMeasurement:
		return "delete_measurement"
	case CommandExit:
		return "exit"
	default:
		return "unknown"
	}
}

// IsJobBearing reports whether this command carries a measurement id that a
// command-response callback must be invoked with.
func (k RecorderCommandKind) IsJobBearing() bool {
	switch k {
	case CommandStartRecording, CommandSavePreBuffer, CommandUploadMeasurement, CommandAddComment, CommandDeleteMeasurement:
		return true
	default:
		return false
	}
}

// RecorderCommand is a tagged-variant instruction sent to one client as part
// of a measurement's lifecycle. Only the fields relevant to Kind are
// populated; the rest are the zero value.
type RecorderCommand struct {
	Kind    RecorderCommandKind
	JobID   int64
	Config  JobConfig
	Upload  *UploadConfig
	Comment string
	MeasID  int64
}

// UploadProtocol selects the upload sink for a server-wide UploadConfig.
type UploadProtocol int

const (
	UploadProtocolInternalFTP UploadProtocol = iota
	UploadProtocolExternalFTP
)

func (p UploadProtocol) String() string {
	if p == UploadProtocolInternalFTP {
		return "internal_ftp"
	}
	return "external_ftp"
}

// UploadConfig is the server-wide description of where finished
// measurements get uploaded.
type UploadConfig struct {
	Protocol          UploadProtocol
	Host              string
	Port              int
	Username          string
	Password          string
	RootPath          string
	DeleteAfterUpload bool
	// UploadMetadataFiles is set per-dispatch (not part of the server-wide
	// config) to mark the single client chosen as metadata uploader.
	UploadMetadataFiles bool
}

// JobConfig is the template for a measurement: its identity, the output
// directory layout, and file-splitting policy. A JobConfig exists in two
// evaluations: host-evaluated (templates rendered with coordinator-side
// context, path separators untouched) sent to remote clients, and
// local-evaluated (rendered and canonicalized for the coordinator's own
// host) sent to its in-process recorder, via internal/jobtemplate.
type JobConfig struct {
	JobID             int64
	MeasRootDir       string
	MeasName          string
	Description       string
	MaxFileSizeMiB    int
	OneFilePerTopic   bool
}

// JobState is the lifecycle state one client reports for a job it is
// participating in.
type JobState int

const (
	JobStateNotStarted JobState = iota
	JobStateRecording
	JobStateFlushing
	JobStateFinishedFlushing
	JobStateUploading
	JobStateFinishedUploading
)

func (s JobState) String() string {
	switch s {
	case JobStateNotStarted:
		return "not_started"
	case JobStateRecording:
		return "recording"
	case JobStateFlushing:
		return "flushing"
	case JobStateFinishedFlushing:
		return "finished_flushing"
	case JobStateUploading:
		return "uploading"
	case JobStateFinishedUploading:
		return "finished_uploading"
	default:
		return "unknown"
	}
}

// AddonJobState is the lifecycle state reported by a recorder addon, a
// helper process bolted on to the measurement (e.g. a sensor bridge).
type AddonJobState int

const (
	AddonStateNotStarted AddonJobState = iota
	AddonStateRecording
	AddonStateFlushing
	AddonStateFinishedFlushing
)

func (s AddonJobState) String() string {
	switch s {
	case AddonStateNotStarted:
		return "not_started"
	case AddonStateRecording:
		return "recording"
	case AddonStateFlushing:
		return "flushing"
	case AddonStateFinishedFlushing:
		return "finished_flushing"
	default:
		return "unknown"
	}
}

// ResponseStatus is a generic (ok, message) pair reused for upload results,
// HDF5 sub-status, and command-response bookkeeping.
type ResponseStatus struct {
	OK  bool
	Msg string
}

// JobStatus is one client's full report for a single job: its lifecycle
// state plus upload/HDF5/addon sub-statuses.
type JobStatus struct {
	JobID         int64
	State         JobState
	UploadStatus  ResponseStatus
	IsDeleted     bool
	RecHDF5Status ResponseStatus
	AddonStatuses map[string]AddonJobState
	// FailedAddons marks addons that were previously reported and not yet
	// FinishedFlushing but dropped out of the client's latest report —
	// the client-side process likely crashed. The spec's AddonJobState
	// enum has no Failed variant, so failure is tracked out of band here
	// rather than overloading one of the progress states.
	FailedAddons map[string]bool
}

// RecorderStatusReport is what a client's GetState RPC decodes into: its
// current pid plus the status of every job it still knows about.
type RecorderStatusReport struct {
	ClientPID int32
	Jobs      []JobStatus
}

// ClientJobStatus is the most recent status one client reported, keyed in
// the coordinator by (ClientIdentity, JobID).
type ClientJobStatus struct {
	ClientPID               int32
	JobStatus                JobStatus
	InfoLastCommandResponse ResponseStatus
	UpdatedAt               time.Time
}

// TopicInfo is the per-topic row of the monitoring snapshot rebuilt every
// monitor tick: which hosts publish it, and at what frequency the fleet's
// recorder-client subscribers are consuming it.
type TopicInfo struct {
	TypeInfo       string
	Publishers     map[HostName]map[string]struct{} // host -> set of process (unit) names
	RecSubscribers map[ClientIdentity]map[int32]float64 // client -> pid -> Hz
}

// JobHistoryEntry aggregates every client's status for one job into the
// coordinator's canonical, append-only record.
type JobHistoryEntry struct {
	JobID               int64
	LocalStartTime      time.Time
	LocalEvaluatedConfig JobConfig
	IsUploaded          bool
	IsDeleted           bool
	UploadConfigUsed    *UploadConfig
	Comment             string
	ClientStatuses      map[ClientIdentity]ClientJobStatus
}

// Clone returns a deep-enough copy for snapshot reads: the top-level map is
// copied so callers can't mutate the store's live entry, but ClientJobStatus
// values (and their AddonStatuses maps) are copied too.
func (e JobHistoryEntry) Clone() JobHistoryEntry {
	out := e
	out.ClientStatuses = make(map[ClientIdentity]ClientJobStatus, len(e.ClientStatuses))
	for k, v := range e.ClientStatuses {
		cv := v
		cv.JobStatus.AddonStatuses = make(map[string]AddonJobState, len(v.JobStatus.AddonStatuses))
		for ak, av := range v.JobStatus.AddonStatuses {
			cv.JobStatus.AddonStatuses[ak] = av
		}
		out.ClientStatuses[k] = cv
	}
	if e.UploadConfigUsed != nil {
		cfg := *e.UploadConfigUsed
		out.UploadConfigUsed = &cfg
	}
	return out
}

// Connection is the port the coordinator uses to talk to one recorder
// client, whether it lives in-process (LocalConnection) or across the
// transport (RemoteConnection).
type Connection interface {
	Identity() ClientIdentity
	SetEnabled(ctx Context, on bool, connectToRecordBus bool) error
	SetSettings(ctx Context, diff RecorderSettings) error
	SetCommand(ctx Context, cmd RecorderCommand) error
	IsAlive() bool
	IsRequestPending() bool
	WaitForPendingRequests(ctx Context) error
	GetStatus() (ClientJobStatus, time.Time, bool)
	GetLastResponse() ResponseStatus
	EverParticipatedInMeasurement() bool
	Close() error
}
