// Package eligibility implements the pure predicates that decide whether a
// measurement can be uploaded, commented on, or deleted, given nothing but
// its job-history snapshot and a small amount of local-connection context.
// Every function here is side-effect free: no locks, no I/O, no clocks.
package eligibility

import (
	"sort"

	"github.com/ecal-fleet/rec-coordinator/internal/domain"
)

// LocalContext carries the minimal side-channel state the oracle needs
// about the coordinator's own in-process client: its host name, its
// current PID, and whether it currently has a live connection.
type LocalContext struct {
	Host  domain.HostName
	PID   int32
	Alive bool
}

func hostSet(entry domain.JobHistoryEntry, pred func(domain.ClientJobStatus) bool) []domain.HostName {
	var hosts []domain.HostName
	for id, cs := range entry.ClientStatuses {
		if pred(cs) {
			hosts = append(hosts, domain.HostName(id))
		}
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i] < hosts[j] })
	return hosts
}

func isRecording(cs domain.ClientJobStatus) bool {
	if cs.JobStatus.State == domain.JobStateRecording {
		return true
	}
	for _, a := range cs.JobStatus.AddonStatuses {
		if a == domain.AddonStateRecording {
			return true
		}
	}
	return false
}

func isFlushing(cs domain.ClientJobStatus) bool {
	if cs.JobStatus.State == domain.JobStateFlushing {
		return true
	}
	for _, a := range cs.JobStatus.AddonStatuses {
		if a == domain.AddonStateFlushing {
			return true
		}
	}
	return false
}

func isUploading(cs domain.ClientJobStatus) bool {
	return cs.JobStatus.State == domain.JobStateUploading
}

func uploadFailed(cs domain.ClientJobStatus) bool {
	return cs.JobStatus.State == domain.JobStateFinishedUploading && !cs.JobStatus.UploadStatus.OK
}

// SimulateUpload decides whether entry is eligible for upload_measurement
// with the given server-wide upload config, returning nil when OK or a
// *domain.RecError describing why not, in spec priority order.
func SimulateUpload(entry domain.JobHistoryEntry, cfg domain.UploadConfig, local LocalContext) error {
	if entry.IsDeleted {
		return domain.NewRecError(domain.RecMeasIsDeleted, "")
	}

	switch cfg.Protocol {
	case domain.UploadProtocolInternalFTP:
		if len(entry.ClientStatuses) == 1 {
			if _, onlyLocal := entry.ClientStatuses[domain.ClientIdentity(local.Host).Normalize()]; onlyLocal {
				return domain.NewRecError(domain.RecActionSuperfluous, "")
			}
		}
	case domain.UploadProtocolExternalFTP:
		if cfg.Host == "" {
			return domain.NewRecError(domain.RecParameterError, "host")
		}
	default:
		return domain.NewRecError(domain.RecUnsupportedAction, "")
	}

	if entry.LocalEvaluatedConfig.MeasName == "" {
		return domain.NewRecError(domain.RecParameterError, "meas_name")
	}

	if hosts := hostSet(entry, isRecording); len(hosts) > 0 {
		return domain.NewRecError(domain.RecCurrentlyRecording, domain.HostList(hosts))
	}
	if hosts := hostSet(entry, isFlushing); len(hosts) > 0 {
		return domain.NewRecError(domain.RecCurrentlyFlushing, domain.HostList(hosts))
	}
	if hosts := hostSet(entry, isUploading); len(hosts) > 0 {
		return domain.NewRecError(domain.RecCurrentlyUploading, domain.HostList(hosts))
	}
	if entry.IsUploaded {
		if hosts := hostSet(entry, uploadFailed); len(hosts) == 0 {
			return domain.NewRecError(domain.RecAlreadyUploaded, "")
		}
	}
	return nil
}

// CanUpload is the boolean projection of SimulateUpload, matching the
// invariant can_upload(e) == (simulate_upload(e)==OK).
func CanUpload(entry domain.JobHistoryEntry, cfg domain.UploadConfig, local LocalContext) bool {
	return SimulateUpload(entry, cfg, local) == nil
}

// SimulateAddComment decides whether a comment may be attached to entry.
func SimulateAddComment(entry domain.JobHistoryEntry, local LocalContext) error {
	if entry.IsDeleted {
		return domain.NewRecError(domain.RecMeasIsDeleted, "")
	}
	if !entry.IsUploaded {
		return nil
	}
	if hosts := hostSet(entry, isUploading); len(hosts) > 0 {
		return domain.NewRecError(domain.RecCurrentlyUploading, domain.HostList(hosts))
	}
	if entry.UploadConfigUsed != nil && entry.UploadConfigUsed.Protocol == domain.UploadProtocolExternalFTP {
		return domain.NewRecError(domain.RecAlreadyUploaded, "")
	}

	// Internal-FTP upload: commenting remains possible only while the
	// original local recorder instance that produced the data is still the
	// one we're talking to.
	cs, participated := entry.ClientStatuses[domain.ClientIdentity(local.Host).Normalize()]
	if !participated || !local.Alive || cs.ClientPID != local.PID || cs.JobStatus.State == domain.JobStateNotStarted {
		return domain.NewRecError(domain.RecAlreadyUploaded, "Original local recorder instance is not reachable any more")
	}
	return nil
}

// SimulateDelete decides whether entry may be deleted.
func SimulateDelete(entry domain.JobHistoryEntry) error {
	if entry.IsDeleted {
		return domain.NewRecError(domain.RecMeasIsDeleted, "")
	}
	if hosts := hostSet(entry, isRecording); len(hosts) > 0 {
		return domain.NewRecError(domain.RecCurrentlyRecording, domain.HostList(hosts))
	}
	if hosts := hostSet(entry, isFlushing); len(hosts) > 0 {
		return domain.NewRecError(domain.RecCurrentlyFlushing, domain.HostList(hosts))
	}
	if hosts := hostSet(entry, isUploading); len(hosts) > 0 {
		return domain.NewRecError(domain.RecCurrentlyUploading, domain.HostList(hosts))
	}
	return nil
}

func neverFinishedFlushing(cs domain.ClientJobStatus) bool {
	switch cs.JobStatus.State {
	case domain.JobStateNotStarted, domain.JobStateRecording, domain.JobStateFlushing:
		return true
	default:
		return false
	}
}

// ClientsNeedingUpload returns the clients that still have work to do for
// an upload_measurement dispatch: everyone, if the measurement has never
// been uploaded; otherwise only clients that never finished flushing or
// whose previous upload failed (and aren't deleted). In internal-FTP mode
// the local host is excluded — it has nothing to fetch from itself.
func ClientsNeedingUpload(entry domain.JobHistoryEntry, protocol domain.UploadProtocol, localHost domain.HostName) []domain.ClientIdentity {
	var out []domain.ClientIdentity
	for id, cs := range entry.ClientStatuses {
		needs := !entry.IsUploaded || ((neverFinishedFlushing(cs) || uploadFailed(cs)) && !cs.JobStatus.IsDeleted)
		if !needs {
			continue
		}
		if protocol == domain.UploadProtocolInternalFTP && id == domain.ClientIdentity(localHost).Normalize() {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ChooseMetadataUploader picks the single client responsible for uploading
// a measurement's description and auxiliary files: the local host if it
// participated, otherwise the alphabetically smallest participating host.
func ChooseMetadataUploader(entry domain.JobHistoryEntry, localHost domain.HostName) (domain.ClientIdentity, bool) {
	localID := domain.ClientIdentity(localHost).Normalize()
	if _, ok := entry.ClientStatuses[localID]; ok {
		return localID, true
	}
	var hosts []domain.ClientIdentity
	for id := range entry.ClientStatuses {
		hosts = append(hosts, id)
	}
	if len(hosts) == 0 {
		return "", false
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i] < hosts[j] })
	return hosts[0], true
}
