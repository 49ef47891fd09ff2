package pipeline

import (
	"context"
	"errors"

	"powerquality-backend/internal/analyses"
	"powerquality-backend/internal/shared/metrics"
	"powerquality-backend/internal/shared/telemetry"
)

// Monitor decides whether a run must stop, reading the persisted record every time.
type Monitor struct {
	Repo analyses.Repo
}

// Check returns true when the run must stop. A record in cancelling is moved
// to cancelled here, keeping its progress; no other code performs that transition.
func (m Monitor) Check(ctx context.Context, analysisID string) (bool, error) {
	rec, err := m.Repo.GetByID(ctx, analysisID)
	if errors.Is(err, analyses.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	switch rec.Status {
	case analyses.StatusCancelling:
		err := m.Repo.Update(ctx, analysisID, analyses.Patch{
			Status:   analyses.Ptr(analyses.StatusCancelled),
			IfStatus: []analyses.Status{analyses.StatusCancelling},
		})
		switch {
		case err == nil:
			metrics.IncAnalysisCancelled()
			telemetry.Info("analysis.status", map[string]any{
				"analysis_id":       analysisID,
				"request_id":        requestID(ctx),
				"status":            string(analyses.StatusCancelled),
				"status_transition": "cancelling->cancelled",
				"progress":          rec.Progress,
			})
		case errors.Is(err, analyses.ErrStatusConflict), errors.Is(err, analyses.ErrNotFound):
			// finalized concurrently
		default:
			return true, err
		}
		return true, nil
	case analyses.StatusCancelled, analyses.StatusDeleted:
		return true, nil
	default:
		return false, nil
	}
}
