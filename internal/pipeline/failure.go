package pipeline

import (
	"context"
	"errors"
	"time"

	"powerquality-backend/internal/analyses"
	"powerquality-backend/internal/shared/metrics"
	"powerquality-backend/internal/shared/telemetry"
)

const defaultFailTimeout = 30 * time.Second

// Recovery records a failed run on the analysis record.
type Recovery struct {
	Repo    analyses.Repo
	Monitor Monitor
	Timeout time.Duration
}

// Fail moves the record to error with a bounded message unless a cancellation,
// deletion, a completed run or a run other than runID already owns it. Progress
// keeps its last checkpoint except for precondition failures, which reset it
// to 0. Fail never returns an error: a failed write is logged and the record is
// left as it is.
func (r Recovery) Fail(requestCtx context.Context, analysisID, runID string, cause error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultFailTimeout
	}
	// The run context may be what expired.
	ctx, cancel := context.WithTimeout(analyses.BackgroundWithRequestID(requestCtx), timeout)
	defer cancel()

	kind := KindOf(cause)
	msg := Message(cause)
	fields := map[string]any{
		"analysis_id": analysisID,
		"request_id":  requestID(ctx),
		"kind":        string(kind),
		"retryable":   kind.Retryable(),
		"error":       msg,
	}

	rec, err := r.Repo.GetByID(ctx, analysisID)
	if err != nil {
		fields["write_error"] = Message(err)
		telemetry.Error("pipeline.fail.read_failed", fields)
		return
	}
	switch rec.Status {
	case analyses.StatusCancelling:
		r.finalizeCancel(ctx, analysisID, fields)
		return
	case analyses.StatusCancelled, analyses.StatusDeleted, analyses.StatusCompleted:
		fields["status"] = string(rec.Status)
		telemetry.Info("pipeline.fail.suppressed", fields)
		return
	}
	if rec.RunID != runID {
		fields["owner"] = rec.RunID
		telemetry.Info("pipeline.fail.suppressed", fields)
		return
	}

	patch := analyses.Patch{
		Status:       analyses.Ptr(analyses.StatusError),
		ErrorMessage: analyses.Ptr(msg),
		UnlessStatus: append(append([]analyses.Status{}, stopStatuses...), analyses.StatusCompleted),
		IfRunID:      analyses.Ptr(runID),
	}
	if kind == KindPrecondition {
		patch.Progress = analyses.Ptr(0)
	}
	err = r.Repo.Update(ctx, analysisID, patch)
	if errors.Is(err, analyses.ErrStatusConflict) {
		r.finalizeCancel(ctx, analysisID, fields)
		return
	}
	if err != nil {
		fields["write_error"] = Message(err)
		telemetry.Error("pipeline.fail.write_failed", fields)
		return
	}

	metrics.IncAnalysisFailed()
	fields["status"] = string(analyses.StatusError)
	fields["status_transition"] = string(rec.Status) + "->" + string(analyses.StatusError)
	fields["progress"] = rec.Progress
	if kind == KindPrecondition {
		fields["progress"] = 0
	}
	telemetry.Error("analysis.status", fields)
}

// finalizeCancel handles a cancellation that raced the failure: it wins.
func (r Recovery) finalizeCancel(ctx context.Context, analysisID string, fields map[string]any) {
	if _, err := r.Monitor.Check(ctx, analysisID); err != nil {
		fields["write_error"] = Message(err)
		telemetry.Error("pipeline.fail.cancel_finalize_failed", fields)
		return
	}
	telemetry.Info("pipeline.fail.superseded_by_cancel", fields)
}
