package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"powerquality-backend/internal/analyses"
	"powerquality-backend/internal/extract"
	"powerquality-backend/internal/llm"
	"powerquality-backend/internal/report"
	"powerquality-backend/internal/shared/metrics"
	"powerquality-backend/internal/shared/storage/object"
	"powerquality-backend/internal/shared/telemetry"
)

// Options configures an Orchestrator.
type Options struct {
	Chunking        ChunkOptions
	DefaultLanguage string
	// RunTimeout bounds one run. Zero means no limit beyond the caller's context.
	RunTimeout    time.Duration
	MaxInputBytes int64
}

// Orchestrator drives one analysis record through the pipeline stages.
type Orchestrator struct {
	repo     analyses.Repo
	store    object.ObjectStore
	stages   StageExecutor
	monitor  Monitor
	recovery Recovery
	opts     Options
	now      func() time.Time
	newRunID func() string
}

// NewOrchestrator wires the pipeline to its record store, blob store and AI client.
func NewOrchestrator(repo analyses.Repo, store object.ObjectStore, client llm.Client, opts Options) *Orchestrator {
	if opts.Chunking.Validate() != nil {
		opts.Chunking = DefaultChunkOptions()
	}
	if strings.TrimSpace(opts.DefaultLanguage) == "" {
		opts.DefaultLanguage = "en-US"
	}
	monitor := Monitor{Repo: repo}
	return &Orchestrator{
		repo:     repo,
		store:    store,
		stages:   StageExecutor{LLM: client},
		monitor:  monitor,
		recovery: Recovery{Repo: repo, Monitor: monitor},
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		newRunID: uuid.NewString,
	}
}

// ProcessChange handles one record change notification. It returns an error
// only when the record could not be read; every failure inside a run is
// recorded on the record instead.
func (o *Orchestrator) ProcessChange(ctx context.Context, change analyses.Change) error {
	ctx = analyses.WithRequestID(ctx, change.RequestID)
	fields := map[string]any{
		"analysis_id": change.AnalysisID,
		"request_id":  change.RequestID,
		"before":      string(change.Before.Status),
		"after":       string(change.After.Status),
	}

	rec, err := o.repo.GetByID(ctx, change.AnalysisID)
	if errors.Is(err, analyses.ErrNotFound) {
		telemetry.Warn("pipeline.skipped", withField(fields, "reason", "record not found"))
		metrics.IncAnalysisSkipped()
		return nil
	}
	if err != nil {
		return fmt.Errorf("load analysis %s: %w", change.AnalysisID, err)
	}

	if rec.Status == analyses.StatusCancelling {
		// Cancelled before a run picked it up.
		if _, err := o.monitor.Check(ctx, rec.ID); err != nil {
			return fmt.Errorf("finalize cancellation %s: %w", rec.ID, err)
		}
		return nil
	}

	ok, reason := Decide(change, rec)
	if !ok {
		fields["reason"] = reason
		fields["status"] = string(rec.Status)
		fields["progress"] = rec.Progress
		telemetry.Info("pipeline.skipped", fields)
		metrics.IncAnalysisSkipped()
		return nil
	}

	o.run(ctx, rec)
	return nil
}

func (o *Orchestrator) run(parent context.Context, rec analyses.Record) {
	startedAt := time.Now()
	ctx := parent
	if o.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, o.opts.RunTimeout)
		defer cancel()
	}

	r := &runState{
		o:       o,
		rec:     rec,
		lang:    rec.LanguageCode,
		tracker: NewTracker(o.repo, rec.ID, rec.Progress),
		runID:   o.newRunID(),
		owner:   rec.RunID,
	}
	if strings.TrimSpace(r.lang) == "" {
		r.lang = o.opts.DefaultLanguage
	}

	defer func() {
		if p := recover(); p != nil {
			o.recovery.Fail(parent, rec.ID, r.owner, &Error{Kind: KindTransport, Subsystem: "pipeline", Err: fmt.Errorf("panic: %v", p)})
			metrics.ObserveAnalysisDurationMs(float64(time.Since(startedAt).Microseconds()) / 1000.0)
		}
	}()

	metrics.IncAnalysisStarted()
	telemetry.Info("pipeline.started", map[string]any{
		"analysis_id": rec.ID,
		"request_id":  requestID(ctx),
		"file_name":   rec.FileName,
		"run_id":      r.runID,
	})

	err := r.execute(ctx)
	durationMs := float64(time.Since(startedAt).Microseconds()) / 1000.0
	metrics.ObserveAnalysisDurationMs(durationMs)

	switch {
	case err == nil:
		metrics.IncAnalysisCompleted()
	case errors.Is(err, errStopped):
		telemetry.Info("pipeline.stopped", map[string]any{
			"analysis_id": rec.ID,
			"request_id":  requestID(ctx),
			"progress":    r.tracker.Last(),
			"duration_ms": durationMs,
		})
	default:
		o.recovery.Fail(parent, rec.ID, r.owner, err)
	}
}

// runState is the in-flight state of one run. Only outputs of this run are
// kept here; record status is always re-read from the store.
type runState struct {
	o       *Orchestrator
	rec     analyses.Record
	lang    string
	tracker *Tracker
	status  analyses.Status
	// runID is claimed on reset. owner is the run the record belongs to as far
	// as this run knows: the previous owner until the claim succeeds.
	runID string
	owner string
}

func (r *runState) execute(ctx context.Context) error {
	rec := r.rec
	r.status = rec.Status

	if strings.TrimSpace(rec.SourceRef) == "" {
		return preconditionError("source file reference is missing")
	}

	if err := r.checkCancelled(ctx); err != nil {
		return err
	}
	if err := r.reset(ctx); err != nil {
		return err
	}

	text, err := extract.ExtractText(ctx, r.o.store, rec.SourceRef, rec.ContentType, rec.FileName, r.o.opts.MaxInputBytes)
	if err != nil {
		if errors.Is(err, extract.ErrUnsupported) || errors.Is(err, extract.ErrTooLarge) {
			return preconditionError("%v", err)
		}
		return storageError("fetch", err)
	}
	if strings.TrimSpace(text) == "" {
		return preconditionError("input file contains no readable text")
	}
	if err := r.checkpoint(ctx, progressFetched, analyses.Patch{}); err != nil {
		return err
	}

	chunks := Chunk(text, r.o.opts.Chunking)
	if err := r.checkpoint(ctx, progressChunked, analyses.Patch{IsChunked: analyses.Ptr(len(chunks) > 1)}); err != nil {
		return err
	}

	summary, err := r.summarize(ctx, chunks)
	if err != nil {
		return err
	}
	if err := r.advance(ctx, analyses.StatusIdentifying, progressIdentifying, analyses.Patch{DataSummary: analyses.Ptr(summary)}); err != nil {
		return err
	}

	if err := r.checkCancelled(ctx); err != nil {
		return err
	}
	regs, err := r.o.stages.Identify(ctx, llm.IdentifyInput{Summary: summary, LanguageCode: r.lang})
	if err != nil {
		return err
	}
	if err := r.advance(ctx, analyses.StatusAnalyzing, progressAnalyzing, analyses.Patch{IdentifiedRegulations: analyses.Ptr(regs)}); err != nil {
		return err
	}

	if err := r.checkCancelled(ctx); err != nil {
		return err
	}
	draft, err := r.o.stages.Analyze(ctx, llm.AnalyzeInput{
		Summary:      summary,
		Regulations:  regs,
		FileName:     rec.FileName,
		LanguageCode: r.lang,
	})
	if err != nil {
		return err
	}
	if err := r.advance(ctx, analyses.StatusReviewing, progressReviewing, analyses.Patch{}); err != nil {
		return err
	}

	if err := r.checkCancelled(ctx); err != nil {
		return err
	}
	final, err := r.o.stages.Review(ctx, llm.ReviewInput{Report: draft, LanguageCode: r.lang})
	if err != nil {
		metrics.IncReviewFallback()
		telemetry.Warn("pipeline.review.fallback", map[string]any{
			"analysis_id": rec.ID,
			"request_id":  requestID(ctx),
			"error":       Message(err),
		})
		final = draft
	}
	if err := r.checkpoint(ctx, progressReviewed, analyses.Patch{StructuredReport: analyses.Ptr(final)}); err != nil {
		return err
	}

	if err := r.checkCancelled(ctx); err != nil {
		return err
	}
	ref, err := r.render(ctx, final, regs)
	if err != nil {
		return err
	}
	if err := r.checkpoint(ctx, progressRendered, analyses.Patch{RenderedReportRef: analyses.Ptr(ref)}); err != nil {
		return err
	}

	return r.advance(ctx, analyses.StatusCompleted, progressCompleted, analyses.Patch{
		CompletedAt:  analyses.Ptr(r.o.now()),
		ErrorMessage: analyses.Ptr(""),
	})
}

// reset claims the record for this run and clears outputs of any previous run.
// The claim fails when another run took the record since it was read.
func (r *runState) reset(ctx context.Context) error {
	err := r.tracker.Reset(ctx, analyses.Patch{
		RunID:                 analyses.Ptr(r.runID),
		IfRunID:               analyses.Ptr(r.owner),
		IsChunked:             analyses.Ptr(false),
		DataSummary:           analyses.Ptr(""),
		IdentifiedRegulations: analyses.Ptr([]string{}),
		StructuredReport:      analyses.Ptr(json.RawMessage(nil)),
		RenderedReportRef:     analyses.Ptr(""),
		ErrorMessage:          analyses.Ptr(""),
		ClearCompletedAt:      true,
	})
	if err == nil {
		r.owner = r.runID
	}
	return r.writeResult(ctx, "reset", err)
}

// summarize runs the summarization stage over chunks strictly in order.
func (r *runState) summarize(ctx context.Context, chunks []string) (string, error) {
	parts := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		if err := r.checkCancelled(ctx); err != nil {
			return "", err
		}
		if strings.TrimSpace(chunk) == "" {
			telemetry.Warn("pipeline.chunk.skipped_empty", map[string]any{
				"analysis_id": r.rec.ID,
				"request_id":  requestID(ctx),
				"chunk":       i,
				"chunks":      len(chunks),
			})
		} else {
			part, err := r.o.stages.Summarize(ctx, llm.SummarizeInput{
				Chunk:        chunk,
				ChunkIndex:   i,
				ChunkCount:   len(chunks),
				LanguageCode: r.lang,
			})
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		if err := r.checkpoint(ctx, ChunkProgress(i+1, len(chunks)), analyses.Patch{}); err != nil {
			return "", err
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func (r *runState) render(ctx context.Context, final json.RawMessage, regs []string) (string, error) {
	parsed, err := report.Parse(final)
	if err != nil {
		return "", aiError("render", fmt.Errorf("%w: %v", ErrNoUsableOutput, err))
	}
	html, err := report.RenderHTML(parsed, report.Meta{
		AnalysisID:   r.rec.ID,
		FileName:     r.rec.FileName,
		LanguageCode: r.lang,
		Regulations:  regs,
		GeneratedAt:  r.o.now(),
	})
	if err != nil {
		return "", aiError("render", err)
	}
	key := path.Join("analyses", r.rec.ID, "report.html")
	if _, err := r.o.store.SaveWithKey(ctx, key, report.ContentType, bytes.NewReader(html)); err != nil {
		return "", storageError("store report", err)
	}
	return key, nil
}

func (r *runState) checkCancelled(ctx context.Context) error {
	stop, err := r.o.monitor.Check(ctx, r.rec.ID)
	if err != nil {
		return recordError("cancellation check", err)
	}
	if stop {
		return errStopped
	}
	return nil
}

func (r *runState) checkpoint(ctx context.Context, progress int, patch analyses.Patch) error {
	patch.IfRunID = analyses.Ptr(r.owner)
	return r.writeResult(ctx, "checkpoint", r.tracker.Checkpoint(ctx, progress, patch))
}

// advance moves the record to the next status with a progress checkpoint.
func (r *runState) advance(ctx context.Context, next analyses.Status, progress int, patch analyses.Patch) error {
	patch.Status = analyses.Ptr(next)
	if err := r.checkpoint(ctx, progress, patch); err != nil {
		return err
	}
	telemetry.Info("analysis.status", map[string]any{
		"analysis_id":       r.rec.ID,
		"request_id":        requestID(ctx),
		"status":            string(next),
		"status_transition": string(r.status) + "->" + string(next),
		"progress":          r.tracker.Last(),
	})
	r.status = next
	return nil
}

// writeResult maps a refused guarded write to a stop when the record was
// cancelled, deleted or claimed by another run in the meantime.
func (r *runState) writeResult(ctx context.Context, stage string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, analyses.ErrStatusConflict) || errors.Is(err, analyses.ErrNotFound) {
		stop, cerr := r.o.monitor.Check(ctx, r.rec.ID)
		if cerr != nil {
			return recordError(stage, cerr)
		}
		if stop {
			return errStopped
		}
		if cur, gerr := r.o.repo.GetByID(ctx, r.rec.ID); gerr == nil && cur.RunID != r.runID && cur.RunID != r.owner {
			telemetry.Warn("pipeline.superseded", map[string]any{
				"analysis_id": r.rec.ID,
				"request_id":  requestID(ctx),
				"run_id":      r.runID,
				"owner":       cur.RunID,
				"stage":       stage,
			})
			return errStopped
		}
	}
	return recordError(stage, err)
}

func requestID(ctx context.Context) string {
	return analyses.RequestIDFromContext(ctx)
}

func withField(fields map[string]any, key string, value any) map[string]any {
	fields[key] = value
	return fields
}

var _ analyses.ChangeProcessor = (*Orchestrator)(nil)
