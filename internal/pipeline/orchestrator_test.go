package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"powerquality-backend/internal/analyses"
	"powerquality-backend/internal/llm"
	"powerquality-backend/internal/shared/storage/object/local"
)

const sampleReport = `{"report":{"title":"Power quality report","summary":"Voltage within limits.","overallStatus":"compliant","findings":[{"regulation":"PRODIST Module 8","parameter":"steady-state voltage","observed":"219-231 V","limit":"202-231 V","status":"compliant"}],"recommendations":["Keep monitoring"]}}`

const reviewedReport = `{"report":{"title":"Reviewed report","summary":"Voltage within limits after review.","overallStatus":"compliant","findings":[]}}`

type fakeLLM struct {
	mu         sync.Mutex
	summarize  []llm.SummarizeInput
	identified int
	analyzed   int
	reviewed   int

	onSummarize func(llm.SummarizeInput) (json.RawMessage, error)
	onIdentify  func(llm.IdentifyInput) (json.RawMessage, error)
	onAnalyze   func(llm.AnalyzeInput) (json.RawMessage, error)
	onReview    func(llm.ReviewInput) (json.RawMessage, error)
}

func (f *fakeLLM) Summarize(_ context.Context, in llm.SummarizeInput) (json.RawMessage, error) {
	f.mu.Lock()
	f.summarize = append(f.summarize, in)
	f.mu.Unlock()
	if f.onSummarize != nil {
		return f.onSummarize(in)
	}
	return json.RawMessage(`{"summary":"chunk summary"}`), nil
}

func (f *fakeLLM) Identify(_ context.Context, in llm.IdentifyInput) (json.RawMessage, error) {
	f.mu.Lock()
	f.identified++
	f.mu.Unlock()
	if f.onIdentify != nil {
		return f.onIdentify(in)
	}
	return json.RawMessage(`{"regulations":["PRODIST Module 8","IEEE 519"]}`), nil
}

func (f *fakeLLM) Analyze(_ context.Context, in llm.AnalyzeInput) (json.RawMessage, error) {
	f.mu.Lock()
	f.analyzed++
	f.mu.Unlock()
	if f.onAnalyze != nil {
		return f.onAnalyze(in)
	}
	return json.RawMessage(sampleReport), nil
}

func (f *fakeLLM) Review(_ context.Context, in llm.ReviewInput) (json.RawMessage, error) {
	f.mu.Lock()
	f.reviewed++
	f.mu.Unlock()
	if f.onReview != nil {
		return f.onReview(in)
	}
	return json.RawMessage(reviewedReport), nil
}

// progressRepo records every persisted progress value.
type progressRepo struct {
	*analyses.MemoryRepo
	mu       sync.Mutex
	progress []int
	// beforeUpdate runs ahead of each write, for simulating concurrent writers.
	beforeUpdate func(id string, patch analyses.Patch)
}

func (r *progressRepo) Update(ctx context.Context, id string, patch analyses.Patch) error {
	if r.beforeUpdate != nil {
		r.beforeUpdate(id, patch)
	}
	if err := r.MemoryRepo.Update(ctx, id, patch); err != nil {
		return err
	}
	if patch.Progress != nil {
		r.mu.Lock()
		r.progress = append(r.progress, *patch.Progress)
		r.mu.Unlock()
	}
	return nil
}

type fixture struct {
	repo  *progressRepo
	store *local.Store
	llm   *fakeLLM
	orch  *Orchestrator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		repo:  &progressRepo{MemoryRepo: analyses.NewMemoryRepo()},
		store: local.New(t.TempDir()),
		llm:   &fakeLLM{},
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "en-US"
	}
	f.orch = NewOrchestrator(f.repo, f.store, f.llm, opts)
	return f
}

// seed stores body as the input file and creates a record that just entered the pipeline.
func (f *fixture) seed(t *testing.T, id, fileName, contentType, lang, body string) analyses.Change {
	t.Helper()
	ctx := context.Background()
	key := "analyses/" + id + "/input/" + fileName
	if _, err := f.store.SaveWithKey(ctx, key, contentType, strings.NewReader(body)); err != nil {
		t.Fatalf("save input: %v", err)
	}
	rec := analyses.Record{
		ID:           id,
		Status:       analyses.StatusSummarizing,
		SourceRef:    key,
		FileName:     fileName,
		ContentType:  contentType,
		LanguageCode: lang,
		CreatedAt:    time.Now().UTC(),
	}
	if err := f.repo.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	return analyses.Change{
		AnalysisID: id,
		RequestID:  "req-" + id,
		Before:     analyses.Snapshot{Status: analyses.StatusUploading},
		After:      analyses.Snapshot{Status: analyses.StatusSummarizing},
	}
}

func (f *fixture) get(t *testing.T, id string) analyses.Record {
	t.Helper()
	rec, err := f.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return rec
}

func assertMonotonicAfterReset(t *testing.T, progress []int) {
	t.Helper()
	if len(progress) == 0 || progress[0] != 0 {
		t.Fatalf("expected run to start with a reset to 0, got %v", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress decreased: %v", progress)
		}
	}
}

func TestProcessChangeCompletesSingleChunkRun(t *testing.T) {
	f := newFixture(t, Options{})
	body := strings.Repeat("1,230.0,0.99\n", 50000/13+1)[:50000]
	change := f.seed(t, "a1", "meter.csv", "text/csv", "pt-BR", body)

	if err := f.orch.ProcessChange(context.Background(), change); err != nil {
		t.Fatalf("ProcessChange: %v", err)
	}

	rec := f.get(t, "a1")
	if rec.Status != analyses.StatusCompleted || rec.Progress != 100 {
		t.Fatalf("expected completed/100, got %s/%d", rec.Status, rec.Progress)
	}
	if rec.IsChunked {
		t.Fatalf("expected single chunk")
	}
	if rec.CompletedAt == nil || rec.ErrorMessage != "" {
		t.Fatalf("unexpected completion fields: %+v", rec)
	}
	if len(f.llm.summarize) != 1 || f.llm.summarize[0].LanguageCode != "pt-BR" || f.llm.summarize[0].ChunkCount != 1 {
		t.Fatalf("unexpected summarize calls: %+v", f.llm.summarize)
	}
	if rec.DataSummary != "chunk summary" {
		t.Fatalf("unexpected summary %q", rec.DataSummary)
	}
	if strings.Join(rec.IdentifiedRegulations, ",") != "PRODIST Module 8,IEEE 519" {
		t.Fatalf("unexpected regulations %v", rec.IdentifiedRegulations)
	}
	if !strings.Contains(string(rec.StructuredReport), "Reviewed report") {
		t.Fatalf("expected reviewed report, got %s", rec.StructuredReport)
	}
	if rec.RenderedReportRef != "analyses/a1/report.html" {
		t.Fatalf("unexpected report ref %q", rec.RenderedReportRef)
	}

	rc, err := f.store.Open(context.Background(), rec.RenderedReportRef)
	if err != nil {
		t.Fatalf("open report: %v", err)
	}
	defer rc.Close()
	html, _ := io.ReadAll(rc)
	if !strings.Contains(string(html), `lang="pt-BR"`) || !strings.Contains(string(html), "Reviewed report") {
		t.Fatalf("unexpected report html: %s", html)
	}
	assertMonotonicAfterReset(t, f.repo.progress)
}

func TestProcessChangeSummarizesChunksInOrder(t *testing.T) {
	f := newFixture(t, Options{Chunking: ChunkOptions{Size: 10, Overlap: 2}})
	change := f.seed(t, "a2", "meter.txt", "text/plain", "", "0123456789abcdefghijklmnop")

	if err := f.orch.ProcessChange(context.Background(), change); err != nil {
		t.Fatalf("ProcessChange: %v", err)
	}

	rec := f.get(t, "a2")
	if rec.Status != analyses.StatusCompleted || !rec.IsChunked {
		t.Fatalf("expected chunked completed run, got %+v", rec)
	}
	if len(f.llm.summarize) != 3 {
		t.Fatalf("expected 3 summarize calls, got %d", len(f.llm.summarize))
	}
	for i, in := range f.llm.summarize {
		if in.ChunkIndex != i || in.ChunkCount != 3 || in.LanguageCode != "en-US" {
			t.Fatalf("unexpected call %d: %+v", i, in)
		}
	}
	if rec.DataSummary != "chunk summary\n\nchunk summary\n\nchunk summary" {
		t.Fatalf("unexpected joined summary %q", rec.DataSummary)
	}
	assertMonotonicAfterReset(t, f.repo.progress)
}

func TestProcessChangeStopsOnCancellation(t *testing.T) {
	f := newFixture(t, Options{Chunking: ChunkOptions{Size: 10, Overlap: 0}})
	change := f.seed(t, "a3", "meter.txt", "text/plain", "", strings.Repeat("x", 40))

	f.llm.onSummarize = func(in llm.SummarizeInput) (json.RawMessage, error) {
		if in.ChunkIndex == 1 {
			err := f.repo.Update(context.Background(), "a3", analyses.Patch{
				Status:   analyses.Ptr(analyses.StatusCancelling),
				IfStatus: []analyses.Status{analyses.StatusSummarizing},
			})
			if err != nil {
				t.Errorf("request cancel: %v", err)
			}
		}
		return json.RawMessage(`{"summary":"part"}`), nil
	}

	if err := f.orch.ProcessChange(context.Background(), change); err != nil {
		t.Fatalf("ProcessChange: %v", err)
	}

	rec := f.get(t, "a3")
	if rec.Status != analyses.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", rec.Status)
	}
	if len(f.llm.summarize) != 2 || f.llm.identified != 0 {
		t.Fatalf("expected run to stop after the second chunk, summarize=%d identify=%d", len(f.llm.summarize), f.llm.identified)
	}
	if rec.Progress < progressChunked || rec.Progress >= progressIdentifying {
		t.Fatalf("expected progress to be kept from summarization, got %d", rec.Progress)
	}
	if rec.ErrorMessage != "" {
		t.Fatalf("cancellation must not record an error: %q", rec.ErrorMessage)
	}
}

func TestProcessChangeCancellationWinsOverFailure(t *testing.T) {
	f := newFixture(t, Options{})
	change := f.seed(t, "a4", "meter.csv", "text/csv", "", "1,2,3\n")

	f.llm.onAnalyze = func(llm.AnalyzeInput) (json.RawMessage, error) {
		_ = f.repo.Update(context.Background(), "a4", analyses.Patch{Status: analyses.Ptr(analyses.StatusCancelling)})
		return nil, errors.New("upstream 500")
	}

	if err := f.orch.ProcessChange(context.Background(), change); err != nil {
		t.Fatalf("ProcessChange: %v", err)
	}
	rec := f.get(t, "a4")
	if rec.Status != analyses.StatusCancelled || rec.ErrorMessage != "" {
		t.Fatalf("expected cancelled without error, got %s %q", rec.Status, rec.ErrorMessage)
	}
}

func TestProcessChangeDeletedDuringRunStaysDeleted(t *testing.T) {
	f := newFixture(t, Options{})
	change := f.seed(t, "a5", "meter.csv", "text/csv", "", "1,2,3\n")

	f.llm.onIdentify = func(llm.IdentifyInput) (json.RawMessage, error) {
		_ = f.repo.Update(context.Background(), "a5", analyses.Patch{Status: analyses.Ptr(analyses.StatusDeleted)})
		return json.RawMessage(`{"regulations":["IEC 61000-4-30"]}`), nil
	}

	if err := f.orch.ProcessChange(context.Background(), change); err != nil {
		t.Fatalf("ProcessChange: %v", err)
	}
	rec := f.get(t, "a5")
	if rec.Status != analyses.StatusDeleted {
		t.Fatalf("expected deleted, got %s", rec.Status)
	}
	if f.llm.analyzed != 0 {
		t.Fatalf("expected no analyze call after deletion")
	}
}

func TestProcessChangeReviewFailureFallsBackToDraft(t *testing.T) {
	f := newFixture(t, Options{})
	change := f.seed(t, "a6", "meter.csv", "text/csv", "", "1,2,3\n")
	f.llm.onReview = func(llm.ReviewInput) (json.RawMessage, error) {
		return nil, errors.New("review timed out")
	}

	if err := f.orch.ProcessChange(context.Background(), change); err != nil {
		t.Fatalf("ProcessChange: %v", err)
	}
	rec := f.get(t, "a6")
	if rec.Status != analyses.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", rec.Status, rec.ErrorMessage)
	}
	if !strings.Contains(string(rec.StructuredReport), "Power quality report") {
		t.Fatalf("expected draft report, got %s", rec.StructuredReport)
	}
}

func TestProcessChangeUnparseableReviewFallsBackToDraft(t *testing.T) {
	f := newFixture(t, Options{})
	change := f.seed(t, "a6b", "meter.csv", "text/csv", "", "1,2,3\n")
	f.llm.onReview = func(llm.ReviewInput) (json.RawMessage, error) {
		return json.RawMessage(`{"report":{"summary":"ok","findings":[{"parameter":"voltage","observed":229.4}]}}`), nil
	}

	if err := f.orch.ProcessChange(context.Background(), change); err != nil {
		t.Fatalf("ProcessChange: %v", err)
	}
	rec := f.get(t, "a6b")
	if rec.Status != analyses.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", rec.Status, rec.ErrorMessage)
	}
	if !strings.Contains(string(rec.StructuredReport), "Power quality report") {
		t.Fatalf("expected draft report, got %s", rec.StructuredReport)
	}
	if rec.RenderedReportRef == "" {
		t.Fatalf("expected rendered report")
	}
}

func TestProcessChangeUnparseableAnalysisFailsAtAnalyze(t *testing.T) {
	f := newFixture(t, Options{})
	change := f.seed(t, "a6c", "meter.csv", "text/csv", "", "1,2,3\n")
	f.llm.onAnalyze = func(llm.AnalyzeInput) (json.RawMessage, error) {
		return json.RawMessage(`{"report":{"summary":"ok","findings":[{"parameter":"voltage","observed":229.4}]}}`), nil
	}
	f.llm.onReview = func(llm.ReviewInput) (json.RawMessage, error) {
		return nil, errors.New("review unavailable")
	}

	if err := f.orch.ProcessChange(context.Background(), change); err != nil {
		t.Fatalf("ProcessChange: %v", err)
	}
	rec := f.get(t, "a6c")
	if rec.Status != analyses.StatusError {
		t.Fatalf("expected error, got %s", rec.Status)
	}
	if !strings.HasPrefix(rec.ErrorMessage, "AI service (analyze): "+ErrNoUsableOutput.Error()) {
		t.Fatalf("unexpected error message %q", rec.ErrorMessage)
	}
	if rec.Progress != progressAnalyzing {
		t.Fatalf("expected progress %d, got %d", progressAnalyzing, rec.Progress)
	}
	if len(rec.StructuredReport) != 0 {
		t.Fatalf("expected no persisted report, got %s", rec.StructuredReport)
	}
	if f.llm.reviewed != 0 {
		t.Fatalf("expected review to be skipped")
	}
}

func TestProcessChangeStageFailureRecordsError(t *testing.T) {
	f := newFixture(t, Options{})
	change := f.seed(t, "a7", "meter.csv", "text/csv", "", "1,2,3\n")
	f.llm.onAnalyze = func(llm.AnalyzeInput) (json.RawMessage, error) {
		return nil, errors.New("rate limited\nplease retry")
	}

	if err := f.orch.ProcessChange(context.Background(), change); err != nil {
		t.Fatalf("ProcessChange: %v", err)
	}
	rec := f.get(t, "a7")
	if rec.Status != analyses.StatusError {
		t.Fatalf("expected error, got %s", rec.Status)
	}
	if rec.ErrorMessage != "AI service (analyze): rate limited please retry" {
		t.Fatalf("unexpected error message %q", rec.ErrorMessage)
	}
	if rec.Progress != progressAnalyzing {
		t.Fatalf("expected progress to stay at %d, got %d", progressAnalyzing, rec.Progress)
	}
}

func TestProcessChangeInvalidStageOutputRecordsError(t *testing.T) {
	f := newFixture(t, Options{})
	change := f.seed(t, "a8", "meter.csv", "text/csv", "", "1,2,3\n")
	f.llm.onSummarize = func(llm.SummarizeInput) (json.RawMessage, error) {
		return json.RawMessage(`{"summary":"   "}`), nil
	}

	if err := f.orch.ProcessChange(context.Background(), change); err != nil {
		t.Fatalf("ProcessChange: %v", err)
	}
	rec := f.get(t, "a8")
	if rec.Status != analyses.StatusError || !strings.Contains(rec.ErrorMessage, ErrNoUsableOutput.Error()) {
		t.Fatalf("expected no-usable-output error, got %s %q", rec.Status, rec.ErrorMessage)
	}
}

func TestProcessChangeUnsupportedInputIsPrecondition(t *testing.T) {
	f := newFixture(t, Options{})
	change := f.seed(t, "a9", "scan.png", "image/png", "", "\x89PNG")

	if err := f.orch.ProcessChange(context.Background(), change); err != nil {
		t.Fatalf("ProcessChange: %v", err)
	}
	rec := f.get(t, "a9")
	if rec.Status != analyses.StatusError || rec.Progress != 0 {
		t.Fatalf("expected error at 0, got %s/%d", rec.Status, rec.Progress)
	}
	if !strings.HasPrefix(rec.ErrorMessage, "input: ") {
		t.Fatalf("unexpected error message %q", rec.ErrorMessage)
	}
	if len(f.llm.summarize) != 0 {
		t.Fatalf("expected no AI calls")
	}
}

func TestProcessChangeMissingBlobIsTransport(t *testing.T) {
	f := newFixture(t, Options{})
	change := f.seed(t, "a10", "meter.csv", "text/csv", "", "1,2,3\n")
	if err := f.store.Delete(context.Background(), "analyses/a10/input/meter.csv"); err != nil {
		t.Fatalf("delete input: %v", err)
	}

	if err := f.orch.ProcessChange(context.Background(), change); err != nil {
		t.Fatalf("ProcessChange: %v", err)
	}
	rec := f.get(t, "a10")
	if rec.Status != analyses.StatusError || !strings.HasPrefix(rec.ErrorMessage, "storage: ") {
		t.Fatalf("expected storage error, got %s %q", rec.Status, rec.ErrorMessage)
	}
}

func TestProcessChangeRecoversFromPanic(t *testing.T) {
	f := newFixture(t, Options{})
	change := f.seed(t, "a11", "meter.csv", "text/csv", "", "1,2,3\n")
	f.llm.onIdentify = func(llm.IdentifyInput) (json.RawMessage, error) {
		panic("boom")
	}

	if err := f.orch.ProcessChange(context.Background(), change); err != nil {
		t.Fatalf("ProcessChange: %v", err)
	}
	rec := f.get(t, "a11")
	if rec.Status != analyses.StatusError || !strings.Contains(rec.ErrorMessage, "panic: boom") {
		t.Fatalf("expected recorded panic, got %s %q", rec.Status, rec.ErrorMessage)
	}
}

func TestProcessChangeIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	change := f.seed(t, "a12", "meter.csv", "text/csv", "", "1,2,3\n")

	if err := f.orch.ProcessChange(context.Background(), change); err != nil {
		t.Fatalf("first ProcessChange: %v", err)
	}
	if err := f.orch.ProcessChange(context.Background(), change); err != nil {
		t.Fatalf("second ProcessChange: %v", err)
	}
	if len(f.llm.summarize) != 1 || f.llm.reviewed != 1 {
		t.Fatalf("expected a single run, summarize=%d review=%d", len(f.llm.summarize), f.llm.reviewed)
	}
}

func TestProcessChangeRetryReplacesPreviousOutputs(t *testing.T) {
	f := newFixture(t, Options{})
	f.seed(t, "a13", "meter.csv", "text/csv", "", "1,2,3\n")
	ctx := context.Background()
	err := f.repo.Update(ctx, "a13", analyses.Patch{
		Status:                analyses.Ptr(analyses.StatusSummarizing),
		Progress:              analyses.Ptr(0),
		DataSummary:           analyses.Ptr("stale summary"),
		IdentifiedRegulations: analyses.Ptr([]string{"stale"}),
		RenderedReportRef:     analyses.Ptr("analyses/a13/old.html"),
		ErrorMessage:          analyses.Ptr(""),
	})
	if err != nil {
		t.Fatalf("seed previous run: %v", err)
	}
	f.llm.onIdentify = func(in llm.IdentifyInput) (json.RawMessage, error) {
		if in.Summary != "chunk summary" {
			t.Errorf("identify saw stale summary %q", in.Summary)
		}
		return json.RawMessage(`{"regulations":["IEEE 1159"," ieee 1159 ",""]}`), nil
	}

	change := analyses.Change{
		AnalysisID: "a13",
		Before:     analyses.Snapshot{Status: analyses.StatusError, Progress: 70},
		After:      analyses.Snapshot{Status: analyses.StatusSummarizing, Progress: 0},
	}
	if err := f.orch.ProcessChange(ctx, change); err != nil {
		t.Fatalf("ProcessChange: %v", err)
	}
	rec := f.get(t, "a13")
	if rec.Status != analyses.StatusCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
	if strings.Join(rec.IdentifiedRegulations, ",") != "IEEE 1159" || rec.RenderedReportRef != "analyses/a13/report.html" {
		t.Fatalf("outputs not replaced: %+v", rec)
	}
}

func TestProcessChangeStopsWhenAnotherRunClaimsRecord(t *testing.T) {
	tests := []struct {
		name string
		// claimAt is the progress write ahead of which the competing run claims.
		claimAt int
	}{
		{name: "before reset", claimAt: 0},
		{name: "after fetch", claimAt: progressFetched},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.orch.newRunID = func() string { return "run-a" }
			change := f.seed(t, "claim", "meter.csv", "text/csv", "", "1,2,3\n")
			claimed := false
			f.repo.beforeUpdate = func(id string, patch analyses.Patch) {
				if claimed || patch.Progress == nil || *patch.Progress != tt.claimAt {
					return
				}
				claimed = true
				owner := ""
				if tt.claimAt > 0 {
					owner = "run-a"
				}
				if err := f.repo.MemoryRepo.Update(context.Background(), id, analyses.Patch{
					RunID:   analyses.Ptr("run-b"),
					IfRunID: analyses.Ptr(owner),
				}); err != nil {
					t.Errorf("competing claim: %v", err)
				}
			}

			if err := f.orch.ProcessChange(context.Background(), change); err != nil {
				t.Fatalf("ProcessChange: %v", err)
			}
			rec := f.get(t, "claim")
			if !claimed {
				t.Fatalf("competing claim never ran")
			}
			if rec.RunID != "run-b" {
				t.Fatalf("expected record to stay with run-b, got %q", rec.RunID)
			}
			if rec.Status != analyses.StatusSummarizing || rec.ErrorMessage != "" {
				t.Fatalf("superseded run must not write its outcome: %+v", rec)
			}
			if len(f.llm.summarize) != 0 {
				t.Fatalf("superseded run must not call the AI service")
			}
		})
	}
}

func TestProcessChangeClaimsRecordForRun(t *testing.T) {
	f := newFixture(t, Options{})
	f.orch.newRunID = func() string { return "run-1" }
	change := f.seed(t, "owned", "meter.csv", "text/csv", "", "1,2,3\n")

	if err := f.orch.ProcessChange(context.Background(), change); err != nil {
		t.Fatalf("ProcessChange: %v", err)
	}
	rec := f.get(t, "owned")
	if rec.Status != analyses.StatusCompleted || rec.RunID != "run-1" {
		t.Fatalf("expected completed run-1, got %s %q", rec.Status, rec.RunID)
	}
}

func TestRecoveryFailIgnoresOtherRun(t *testing.T) {
	repo := analyses.NewMemoryRepo()
	ctx := context.Background()
	if err := repo.Create(ctx, analyses.Record{ID: "busy", Status: analyses.StatusAnalyzing, Progress: 70, RunID: "run-new"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	r := Recovery{Repo: repo, Monitor: Monitor{Repo: repo}}
	r.Fail(ctx, "busy", "run-old", aiError("analyze", errors.New("stale failure")))

	rec, _ := repo.GetByID(ctx, "busy")
	if rec.Status != analyses.StatusAnalyzing || rec.ErrorMessage != "" {
		t.Fatalf("stale run overwrote the active run: %+v", rec)
	}
}

func TestProcessChangeFinalizesCancellationBeforeRun(t *testing.T) {
	f := newFixture(t, Options{})
	change := f.seed(t, "a14", "meter.csv", "text/csv", "", "1,2,3\n")
	if err := f.repo.Update(context.Background(), "a14", analyses.Patch{Status: analyses.Ptr(analyses.StatusCancelling)}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if err := f.orch.ProcessChange(context.Background(), change); err != nil {
		t.Fatalf("ProcessChange: %v", err)
	}
	if rec := f.get(t, "a14"); rec.Status != analyses.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", rec.Status)
	}
	if len(f.llm.summarize) != 0 {
		t.Fatalf("expected no AI calls")
	}
}

func TestProcessChangeMissingRecordIsSkipped(t *testing.T) {
	f := newFixture(t, Options{})
	err := f.orch.ProcessChange(context.Background(), analyses.Change{
		AnalysisID: "missing",
		Before:     analyses.Snapshot{Status: analyses.StatusUploading},
		After:      analyses.Snapshot{Status: analyses.StatusSummarizing},
	})
	if err != nil {
		t.Fatalf("expected missing record to be skipped, got %v", err)
	}
}

func TestRecoveryFailDoesNotOverwriteCompleted(t *testing.T) {
	repo := analyses.NewMemoryRepo()
	ctx := context.Background()
	if err := repo.Create(ctx, analyses.Record{ID: "done", Status: analyses.StatusCompleted, Progress: 100}); err != nil {
		t.Fatalf("create: %v", err)
	}
	r := Recovery{Repo: repo, Monitor: Monitor{Repo: repo}}
	r.Fail(ctx, "done", "", aiError("review", errors.New("late failure")))

	rec, _ := repo.GetByID(ctx, "done")
	if rec.Status != analyses.StatusCompleted || rec.ErrorMessage != "" {
		t.Fatalf("completed record was overwritten: %+v", rec)
	}
}

func TestMessageIsBounded(t *testing.T) {
	msg := Message(errors.New(strings.Repeat("e", 900)))
	if len(msg) != maxMessageLen {
		t.Fatalf("expected %d chars, got %d", maxMessageLen, len(msg))
	}
	msg = Message(aiError("review", errors.New(strings.Repeat("a", 500-len("AI service (review): ")-1)+"ção")))
	if !utf8.ValidString(msg) || len(msg) != maxMessageLen-1 {
		t.Fatalf("expected valid utf-8 cut before the split rune, got len %d", len(msg))
	}
	if KindOf(errors.New("plain")) != KindTransport || KindOf(preconditionError("x")) != KindPrecondition {
		t.Fatalf("unexpected kinds")
	}
	if KindPrecondition.Retryable() || !KindAIStage.Retryable() {
		t.Fatalf("unexpected retryable flags")
	}
}
