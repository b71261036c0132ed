// Package jobhistory implements the Job-History Store (C3): an
// append-only, in-memory log of JobHistoryEntry guarded by a single
// reader-writer lock, with a write-behind hook for durable persistence.
// Modeled on the transactional, heavily-logged update style of the
// teacher's postgres job repository, but the log itself never deletes or
// reorders entries — only status callbacks and upload/delete bookkeeping
// mutate an entry in place.
package jobhistory

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ecal-fleet/rec-coordinator/internal/domain"
)

// Persister is the write-behind sink a Store notifies after every mutation.
// Failures are logged, not propagated: history in memory is the source of
// truth the coordinator and eligibility oracle read from; persistence is
// best-effort durability for restart recovery and audit.
type Persister interface {
	Persist(ctx domain.Context, entry domain.JobHistoryEntry)
}

// Store is the Job-History Store: an ordered, append-only map of job id to
// JobHistoryEntry.
type Store struct {
	mu        sync.RWMutex
	order     []int64
	entries   map[int64]domain.JobHistoryEntry
	persister Persister
	log       *slog.Logger
}

// New constructs an empty Store. persister may be nil to skip write-behind
// persistence (e.g. in tests).
func New(persister Persister, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		entries:   make(map[int64]domain.JobHistoryEntry),
		persister: persister,
		log:       log,
	}
}

// Append adds a brand-new entry to the log. jobID must be unique and, per
// the strictly-increasing-history invariant, greater than every previously
// appended id.
func (s *Store) Append(ctx domain.Context, entry domain.JobHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.JobID]; exists {
		return fmt.Errorf("op=jobhistory.append: %w", domain.ErrConflict)
	}
	if len(s.order) > 0 && entry.JobID <= s.order[len(s.order)-1] {
		return fmt.Errorf("op=jobhistory.append: job_id %d does not strictly increase: %w", entry.JobID, domain.ErrInvalidArgument)
	}
	if entry.ClientStatuses == nil {
		entry.ClientStatuses = make(map[domain.ClientIdentity]domain.ClientJobStatus)
	}
	if entry.LocalStartTime.IsZero() {
		entry.LocalStartTime = time.Now().UTC()
	}
	s.entries[entry.JobID] = entry
	s.order = append(s.order, entry.JobID)
	s.log.Info("job history appended", slog.Int64("job_id", entry.JobID), slog.String("meas_name", entry.LocalEvaluatedConfig.MeasName))
	s.persist(ctx, entry)
	return nil
}

// UpdateFromClientStatus folds one client's freshly-polled status report
// into every job of the log that the report mentions.
func (s *Store) UpdateFromClientStatus(ctx domain.Context, host domain.HostName, report domain.RecorderStatusReport) error {
	s.mu.Lock()
	id := domain.ClientIdentity(host).Normalize()
	var touched []domain.JobHistoryEntry
	for _, job := range report.Jobs {
		entry, ok := s.entries[job.JobID]
		if !ok {
			continue
		}
		prev, hadPrev := entry.ClientStatuses[id]
		merged := job
		merged.AddonStatuses = mergeAddonStatuses(prev, job)
		merged.FailedAddons = failedAddons(prev, job)
		entry.ClientStatuses[id] = domain.ClientJobStatus{
			ClientPID:               report.ClientPID,
			JobStatus:               merged,
			InfoLastCommandResponse: pickInfoResponse(prev, hadPrev),
			UpdatedAt:               time.Now().UTC(),
		}
		s.entries[job.JobID] = entry
		touched = append(touched, entry)
	}
	s.mu.Unlock()

	for _, entry := range touched {
		s.persist(ctx, entry)
	}
	return nil
}

func pickInfoResponse(prev domain.ClientJobStatus, hadPrev bool) domain.ResponseStatus {
	if hadPrev {
		return prev.InfoLastCommandResponse
	}
	return domain.ResponseStatus{}
}

func mergeAddonStatuses(prev domain.ClientJobStatus, fresh domain.JobStatus) map[string]domain.AddonJobState {
	out := make(map[string]domain.AddonJobState, len(fresh.AddonStatuses))
	for k, v := range fresh.AddonStatuses {
		out[k] = v
	}
	return out
}

// failedAddons marks addons that were previously reported and had not yet
// reached FinishedFlushing, but are now absent from the fresh report —
// the addon process most likely died without a clean handoff.
func failedAddons(prev domain.ClientJobStatus, fresh domain.JobStatus) map[string]bool {
	out := make(map[string]bool, len(prev.JobStatus.FailedAddons))
	for k, v := range prev.JobStatus.FailedAddons {
		out[k] = v
	}
	for id, state := range prev.JobStatus.AddonStatuses {
		if state == domain.AddonStateFinishedFlushing {
			continue
		}
		if _, stillReported := fresh.AddonStatuses[id]; !stillReported {
			out[id] = true
		}
	}
	return out
}

// UpdateFromCommandResponse records the most recent command-response pair
// reported for one (job, host), e.g. the acknowledgement of a
// StartRecording or UploadMeasurement command.
func (s *Store) UpdateFromCommandResponse(ctx domain.Context, jobID int64, host domain.HostName, resp domain.ResponseStatus) error {
	s.mu.Lock()
	entry, ok := s.entries[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("op=jobhistory.update_from_command_response: %w", domain.ErrMeasIDNotFound)
	}
	id := domain.ClientIdentity(host).Normalize()
	cs := entry.ClientStatuses[id]
	cs.InfoLastCommandResponse = resp
	cs.UpdatedAt = time.Now().UTC()
	entry.ClientStatuses[id] = cs
	s.entries[jobID] = entry
	s.mu.Unlock()

	s.persist(ctx, entry)
	return nil
}

// MarkUploaded records that a measurement's upload command has been
// dispatched with the given config.
func (s *Store) MarkUploaded(ctx domain.Context, jobID int64, cfg domain.UploadConfig) error {
	s.mu.Lock()
	entry, ok := s.entries[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("op=jobhistory.mark_uploaded: %w", domain.ErrMeasIDNotFound)
	}
	entry.IsUploaded = true
	cfgCopy := cfg
	entry.UploadConfigUsed = &cfgCopy
	s.entries[jobID] = entry
	s.mu.Unlock()

	s.persist(ctx, entry)
	return nil
}

// MarkDeleted records that a measurement has been deleted.
func (s *Store) MarkDeleted(ctx domain.Context, jobID int64) error {
	s.mu.Lock()
	entry, ok := s.entries[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("op=jobhistory.mark_deleted: %w", domain.ErrMeasIDNotFound)
	}
	entry.IsDeleted = true
	s.entries[jobID] = entry
	s.mu.Unlock()

	s.persist(ctx, entry)
	return nil
}

// SetComment stores a (header-prefixed) comment on a measurement.
func (s *Store) SetComment(ctx domain.Context, jobID int64, comment string) error {
	s.mu.Lock()
	entry, ok := s.entries[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("op=jobhistory.set_comment: %w", domain.ErrMeasIDNotFound)
	}
	entry.Comment = comment
	s.entries[jobID] = entry
	s.mu.Unlock()

	s.persist(ctx, entry)
	return nil
}

// Get returns a deep copy of one entry.
func (s *Store) Get(ctx domain.Context, jobID int64) (domain.JobHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[jobID]
	if !ok {
		return domain.JobHistoryEntry{}, fmt.Errorf("op=jobhistory.get: %w", domain.ErrMeasIDNotFound)
	}
	return entry.Clone(), nil
}

// Snapshot returns a copy of the full history in append order, decoupling
// callers from the store's lock.
func (s *Store) Snapshot(ctx domain.Context) []domain.JobHistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.JobHistoryEntry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].Clone())
	}
	return out
}

func (s *Store) persist(ctx domain.Context, entry domain.JobHistoryEntry) {
	if s.persister == nil {
		return
	}
	s.persister.Persist(ctx, entry.Clone())
}
