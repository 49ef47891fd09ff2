package analyses

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an analysis record.
type Status string

const (
	StatusUploading   Status = "uploading"
	StatusSummarizing Status = "summarizing"
	StatusIdentifying Status = "identifying"
	StatusAnalyzing   Status = "analyzing"
	StatusReviewing   Status = "reviewing"
	StatusCompleted   Status = "completed"
	StatusCancelling  Status = "cancelling"
	StatusCancelled   Status = "cancelled"
	StatusError       Status = "error"
	StatusDeleted     Status = "deleted"
)

// EntryStatus is the status a record must be moved into for the pipeline to start.
const EntryStatus = StatusSummarizing

// Record is the single mutable entity driving and describing one analysis run.
type Record struct {
	ID                    string          `json:"id"`
	Status                Status          `json:"status"`
	Progress              int             `json:"progress"`
	SourceRef             string          `json:"sourceRef,omitempty"`
	FileName              string          `json:"fileName,omitempty"`
	ContentType           string          `json:"contentType,omitempty"`
	LanguageCode          string          `json:"languageCode,omitempty"`
	IsChunked             bool            `json:"isChunked"`
	DataSummary           string          `json:"dataSummary,omitempty"`
	IdentifiedRegulations []string        `json:"identifiedRegulations,omitempty"`
	StructuredReport      json.RawMessage `json:"structuredReport,omitempty"`
	RenderedReportRef     string          `json:"renderedReportRef,omitempty"`
	ErrorMessage          string          `json:"errorMessage,omitempty"`
	// RunID identifies the pipeline run that owns the record's outputs.
	RunID       string     `json:"runId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Snapshot is the part of a record a change notification carries.
type Snapshot struct {
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
}

// Snapshot returns the status/progress view of the record.
func (r Record) Snapshot() Snapshot {
	return Snapshot{Status: r.Status, Progress: r.Progress}
}

// Change is a before/after notification for one record update.
type Change struct {
	AnalysisID string
	RequestID  string
	Before     Snapshot
	After      Snapshot
}
