package analyses

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"powerquality-backend/internal/shared/storage/object"
	"powerquality-backend/internal/shared/telemetry"
	"powerquality-backend/internal/shared/util"
)

const (
	defaultMaxInputBytes = 20 << 20
	maxTransitionTries   = 3
)

// Service contains the operator-facing lifecycle operations for analyses.
type Service struct {
	Repo            Repo
	Store           object.ObjectStore
	Notifier        Notifier
	DefaultLanguage string
	MaxInputBytes   int64

	now func() time.Time
}

// CreateInput describes an uploaded power-quality dataset.
type CreateInput struct {
	FileName     string
	ContentType  string
	LanguageCode string
	Body         io.Reader
}

// Create stores the dataset, moves the record into the pipeline entry status
// and publishes the change.
func (s *Service) Create(ctx context.Context, in CreateInput) (Record, error) {
	if in.Body == nil || strings.TrimSpace(in.FileName) == "" {
		return Record{}, ErrMissingFile
	}
	fileName, err := util.SanitizeFileName(in.FileName)
	if err != nil {
		return Record{}, ErrMissingFile
	}
	lang := strings.TrimSpace(in.LanguageCode)
	if lang == "" {
		lang = s.DefaultLanguage
	}

	now := s.clock()
	rec := Record{
		ID:           uuid.NewString(),
		Status:       StatusUploading,
		FileName:     fileName,
		ContentType:  strings.TrimSpace(in.ContentType),
		LanguageCode: lang,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Repo.Create(ctx, rec); err != nil {
		return Record{}, err
	}

	logFields := map[string]any{
		"analysis_id": rec.ID,
		"request_id":  RequestIDFromContext(ctx),
		"file_name":   fileName,
	}

	key := path.Join("analyses", rec.ID, "input", fileName)
	limit := s.maxInputBytes()
	size, err := s.Store.SaveWithKey(ctx, key, rec.ContentType, io.LimitReader(in.Body, limit+1))
	if err == nil && size > limit {
		_ = s.Store.Delete(context.Background(), key)
		err = ErrFileTooLarge
	}
	if err != nil {
		logFields["error"] = sanitizeError(err)
		telemetry.Error("analysis.upload.failed", logFields)
		s.markError(rec.ID, StatusUploading, "upload failed: "+sanitizeError(err))
		return Record{}, err
	}

	before := rec.Snapshot()
	if err := s.Repo.Update(ctx, rec.ID, Patch{
		SourceRef: Ptr(key),
		Status:    Ptr(EntryStatus),
		Progress:  Ptr(0),
		IfStatus:  []Status{StatusUploading},
	}); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return s.uploadInterrupted(ctx, rec.ID, key, before)
		}
		return Record{}, err
	}
	rec.SourceRef = key
	rec.Status = EntryStatus

	logFields["size_bytes"] = size
	telemetry.Info("analysis.upload.completed", logFields)

	if err := s.notify(ctx, Change{AnalysisID: rec.ID, RequestID: RequestIDFromContext(ctx), Before: before, After: rec.Snapshot()}); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// uploadInterrupted handles a record whose status changed while its file was
// being stored. A cancellation is handed to the pipeline to finalize.
func (s *Service) uploadInterrupted(ctx context.Context, analysisID, key string, before Snapshot) (Record, error) {
	rec, err := s.Repo.GetByID(ctx, analysisID)
	if err != nil {
		return Record{}, err
	}
	telemetry.Info("analysis.upload.interrupted", map[string]any{
		"analysis_id": analysisID,
		"request_id":  RequestIDFromContext(ctx),
		"status":      string(rec.Status),
	})
	switch rec.Status {
	case StatusDeleted:
		_ = s.Store.Delete(context.Background(), key)
		return Record{}, ErrNotFound
	case StatusCancelling:
		if err := s.Repo.Update(ctx, analysisID, Patch{
			SourceRef: Ptr(key),
			IfStatus:  []Status{StatusCancelling},
		}); err == nil {
			rec.SourceRef = key
		}
		if s.Notifier == nil {
			break
		}
		if err := s.Notifier.Notify(ctx, Change{AnalysisID: analysisID, RequestID: RequestIDFromContext(ctx), Before: before, After: rec.Snapshot()}); err != nil {
			telemetry.Error("analysis.notify.failed", map[string]any{
				"analysis_id": analysisID,
				"request_id":  RequestIDFromContext(ctx),
				"error":       sanitizeError(err),
			})
		}
	}
	return rec, nil
}

// Get returns a record by ID. Deleted records are reported as not found.
func (s *Service) Get(ctx context.Context, analysisID string) (Record, error) {
	if strings.TrimSpace(analysisID) == "" {
		return Record{}, ErrNotFound
	}
	rec, err := s.Repo.GetByID(ctx, analysisID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status == StatusDeleted {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// List returns records newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]Record, error) {
	return s.Repo.List(ctx, limit, offset)
}

// OpenReport opens the rendered report of a completed analysis.
func (s *Service) OpenReport(ctx context.Context, analysisID string) (io.ReadCloser, Record, error) {
	rec, err := s.Get(ctx, analysisID)
	if err != nil {
		return nil, Record{}, err
	}
	if rec.Status != StatusCompleted || rec.RenderedReportRef == "" {
		return nil, rec, ErrReportNotReady
	}
	body, err := s.Store.Open(ctx, rec.RenderedReportRef)
	if err != nil {
		if errors.Is(err, object.ErrNotFound) {
			return nil, rec, ErrReportNotReady
		}
		return nil, rec, err
	}
	return body, rec, nil
}

// RequestCancel asks a pending or running pipeline to stop. The pipeline
// finalizes the record to cancelled at its next checkpoint.
func (s *Service) RequestCancel(ctx context.Context, analysisID string) (Record, error) {
	return s.transition(ctx, analysisID, func(rec Record) (Patch, bool) {
		if rec.Status.IsTerminal() || rec.Status == StatusCancelling {
			return Patch{}, false
		}
		return Patch{Status: Ptr(StatusCancelling)}, true
	})
}

// Retry restarts a failed analysis from the beginning.
func (s *Service) Retry(ctx context.Context, analysisID string) (Record, error) {
	return s.restart(ctx, analysisID, StatusError)
}

// Reprocess reruns a completed analysis, replacing its outputs.
func (s *Service) Reprocess(ctx context.Context, analysisID string) (Record, error) {
	return s.restart(ctx, analysisID, StatusCompleted)
}

// Delete soft-deletes the record and removes its stored artifacts. A running
// pipeline notices the deletion and stops without writing.
func (s *Service) Delete(ctx context.Context, analysisID string) error {
	rec, err := s.Get(ctx, analysisID)
	if err != nil {
		return err
	}
	if err := s.Repo.Update(ctx, analysisID, Patch{
		Status:       Ptr(StatusDeleted),
		UnlessStatus: []Status{StatusDeleted},
	}); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return ErrNotFound
		}
		return err
	}

	for _, key := range []string{rec.SourceRef, rec.RenderedReportRef} {
		if key == "" {
			continue
		}
		if err := s.Store.Delete(ctx, key); err != nil {
			telemetry.Warn("analysis.delete.blob_failed", map[string]any{
				"analysis_id": analysisID,
				"key":         key,
				"error":       sanitizeError(err),
			})
		}
	}
	telemetry.Info("analysis.deleted", map[string]any{
		"analysis_id": analysisID,
		"request_id":  RequestIDFromContext(ctx),
	})
	return nil
}

func (s *Service) restart(ctx context.Context, analysisID string, from Status) (Record, error) {
	var before Snapshot
	rec, err := s.transition(ctx, analysisID, func(rec Record) (Patch, bool) {
		if rec.Status != from || rec.SourceRef == "" {
			return Patch{}, false
		}
		before = rec.Snapshot()
		return Patch{
			Status:           Ptr(EntryStatus),
			Progress:         Ptr(0),
			ErrorMessage:     Ptr(""),
			ClearCompletedAt: true,
		}, true
	})
	if err != nil {
		return Record{}, err
	}
	if err := s.notify(ctx, Change{AnalysisID: rec.ID, RequestID: RequestIDFromContext(ctx), Before: before, After: rec.Snapshot()}); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// transition applies an optimistic status change. plan returns false when the
// current record does not permit the change.
func (s *Service) transition(ctx context.Context, analysisID string, plan func(Record) (Patch, bool)) (Record, error) {
	for attempt := 0; attempt < maxTransitionTries; attempt++ {
		rec, err := s.Get(ctx, analysisID)
		if err != nil {
			return Record{}, err
		}
		patch, ok := plan(rec)
		if !ok || patch.Status == nil || !CanTransition(rec.Status, *patch.Status) {
			return rec, ErrInvalidTransition
		}
		patch.IfStatus = []Status{rec.Status}
		err = s.Repo.Update(ctx, analysisID, patch)
		if errors.Is(err, ErrStatusConflict) {
			continue
		}
		if err != nil {
			return Record{}, err
		}
		patch.Apply(&rec)
		telemetry.Info("analysis.status.changed", map[string]any{
			"analysis_id": analysisID,
			"request_id":  RequestIDFromContext(ctx),
			"status":      string(rec.Status),
		})
		return rec, nil
	}
	return Record{}, ErrStatusConflict
}

func (s *Service) notify(ctx context.Context, change Change) error {
	if s.Notifier == nil {
		return nil
	}
	if err := s.Notifier.Notify(ctx, change); err != nil {
		telemetry.Error("analysis.notify.failed", map[string]any{
			"analysis_id": change.AnalysisID,
			"request_id":  change.RequestID,
			"error":       sanitizeError(err),
		})
		s.markError(change.AnalysisID, change.After.Status, "failed to schedule processing")
		return fmt.Errorf("schedule analysis: %w", err)
	}
	return nil
}

// markError records a failure outside the pipeline. It uses a fresh context so
// a cancelled request still leaves the record in a visible state.
func (s *Service) markError(analysisID string, from Status, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Repo.Update(ctx, analysisID, Patch{
		Status:       Ptr(StatusError),
		ErrorMessage: Ptr(message),
		IfStatus:     []Status{from},
	}); err != nil {
		telemetry.Error("analysis.mark_error.failed", map[string]any{
			"analysis_id": analysisID,
			"error":       sanitizeError(err),
		})
	}
}

func (s *Service) maxInputBytes() int64 {
	if s.MaxInputBytes > 0 {
		return s.MaxInputBytes
	}
	return defaultMaxInputBytes
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

func sanitizeError(err error) string {
	return util.ErrorMessage(err, 500)
}
