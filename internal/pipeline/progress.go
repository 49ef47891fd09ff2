package pipeline

import (
	"context"
	"math"

	"powerquality-backend/internal/analyses"
)

// Progress milestones. Each stage starts strictly above the previous one.
const (
	progressFetched     = 5
	progressChunked     = 10
	summarizeBase       = 10
	summarizeSpan       = 50
	progressIdentifying = 60
	progressAnalyzing   = 70
	progressReviewing   = 85
	progressReviewed    = 95
	progressRendered    = 98
	progressCompleted   = 100
)

// stopStatuses are never overwritten by a run.
var stopStatuses = []analyses.Status{analyses.StatusCancelling, analyses.StatusCancelled, analyses.StatusDeleted}

// ChunkProgress is the summarization-stage progress after done of total chunks.
func ChunkProgress(done, total int) int {
	if total <= 0 {
		return summarizeBase + summarizeSpan
	}
	if done > total {
		done = total
	}
	return summarizeBase + int(math.Round(float64(done)/float64(total)*summarizeSpan))
}

// Tracker persists progress for one run and never lets it go backwards.
type Tracker struct {
	repo       analyses.Repo
	analysisID string
	last       int
}

// NewTracker starts tracking at the record's current progress.
func NewTracker(repo analyses.Repo, analysisID string, start int) *Tracker {
	return &Tracker{repo: repo, analysisID: analysisID, last: start}
}

// Reset writes progress 0 together with patch. It is the only way progress decreases.
func (t *Tracker) Reset(ctx context.Context, patch analyses.Patch) error {
	patch.Progress = analyses.Ptr(0)
	patch.UnlessStatus = stopStatuses
	if err := t.repo.Update(ctx, t.analysisID, patch); err != nil {
		return err
	}
	t.last = 0
	return nil
}

// Checkpoint persists progress, raised to the last persisted value if lower,
// together with any other fields set on patch. It refuses to overwrite a
// cancellation or deletion and returns analyses.ErrStatusConflict instead.
func (t *Tracker) Checkpoint(ctx context.Context, progress int, patch analyses.Patch) error {
	if progress < t.last {
		progress = t.last
	}
	if progress > 100 {
		progress = 100
	}
	patch.Progress = analyses.Ptr(progress)
	patch.UnlessStatus = stopStatuses
	if err := t.repo.Update(ctx, t.analysisID, patch); err != nil {
		return err
	}
	t.last = progress
	return nil
}

// Last returns the last persisted progress.
func (t *Tracker) Last() int { return t.last }
