package analyses

import (
	"context"
	"encoding/json"
	"time"
)

// Repo defines persistence operations for analysis records.
type Repo interface {
	Create(ctx context.Context, rec Record) error
	GetByID(ctx context.Context, analysisID string) (Record, error)
	// Update merges the non-nil fields of patch into the record. It returns
	// ErrStatusConflict when the patch's status guard rejects the current status.
	Update(ctx context.Context, analysisID string, patch Patch) error
	List(ctx context.Context, limit, offset int) ([]Record, error)
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status                *Status
	Progress              *int
	SourceRef             *string
	IsChunked             *bool
	DataSummary           *string
	IdentifiedRegulations *[]string
	StructuredReport      *json.RawMessage
	RenderedReportRef     *string
	ErrorMessage          *string
	CompletedAt           *time.Time
	ClearCompletedAt      bool
	RunID                 *string

	// IfStatus, when set, requires the current status to be one of these.
	IfStatus []Status
	// UnlessStatus rejects the update when the current status is one of these.
	UnlessStatus []Status
	// IfRunID, when set, requires the record to still be owned by this run.
	IfRunID *string
}

// Allows reports whether the patch's guards accept the current record.
func (p Patch) Allows(current Record) bool {
	if len(p.IfStatus) > 0 && !containsStatus(p.IfStatus, current.Status) {
		return false
	}
	if p.IfRunID != nil && *p.IfRunID != current.RunID {
		return false
	}
	return !containsStatus(p.UnlessStatus, current.Status)
}

// Apply merges the patch into rec.
func (p Patch) Apply(rec *Record) {
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.Progress != nil {
		rec.Progress = clampProgress(*p.Progress)
	}
	if p.SourceRef != nil {
		rec.SourceRef = *p.SourceRef
	}
	if p.IsChunked != nil {
		rec.IsChunked = *p.IsChunked
	}
	if p.DataSummary != nil {
		rec.DataSummary = *p.DataSummary
	}
	if p.IdentifiedRegulations != nil {
		rec.IdentifiedRegulations = append([]string(nil), (*p.IdentifiedRegulations)...)
	}
	if p.StructuredReport != nil {
		rec.StructuredReport = append(json.RawMessage(nil), (*p.StructuredReport)...)
	}
	if p.RenderedReportRef != nil {
		rec.RenderedReportRef = *p.RenderedReportRef
	}
	if p.ErrorMessage != nil {
		rec.ErrorMessage = *p.ErrorMessage
	}
	if p.RunID != nil {
		rec.RunID = *p.RunID
	}
	if p.ClearCompletedAt {
		rec.CompletedAt = nil
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		rec.CompletedAt = &t
	}
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}

func containsStatus(list []Status, s Status) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
