package pipeline

import "powerquality-backend/internal/analyses"

// Decide reports whether a change notification should start a run, given the
// record as currently persisted. The reason is for logging.
//
// A run starts when the change moved the record into the entry status from
// uploading, error (retry) or completed (reprocess), the record is still there
// and no run has checkpointed progress beyond the change yet. A change that
// stays in the entry status with increasing progress is a redelivered checkpoint;
// it starts a run only when nothing has been written since, meaning the run that
// wrote it is gone.
func Decide(change analyses.Change, current analyses.Record) (bool, string) {
	if change.After.Status != analyses.EntryStatus {
		return false, "not an entry transition"
	}
	if current.Status != analyses.EntryStatus {
		return false, "record is " + string(current.Status)
	}

	switch change.Before.Status {
	case analyses.StatusUploading, analyses.StatusError, analyses.StatusCompleted:
		if current.Progress > change.After.Progress {
			return false, "run already in progress"
		}
		return true, "entry"
	case analyses.EntryStatus:
		if change.After.Progress <= change.Before.Progress {
			return false, "progress did not increase"
		}
		if current.Progress != change.After.Progress {
			return false, "run already in progress"
		}
		return true, "redelivered checkpoint"
	default:
		return false, "transition from " + string(change.Before.Status) + " not allowed"
	}
}
