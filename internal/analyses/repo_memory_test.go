package analyses

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestMemoryRepoUpdateHonoursGuards(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	if err := repo.Create(ctx, Record{ID: "a-1", Status: StatusCancelling, Progress: 40, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := repo.Update(ctx, "a-1", Patch{Status: Ptr(StatusAnalyzing), UnlessStatus: []Status{StatusCancelling}})
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
	if err := repo.Update(ctx, "a-1", Patch{Status: Ptr(StatusCancelled), IfStatus: []Status{StatusCancelling}}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	rec, _ := repo.GetByID(ctx, "a-1")
	if rec.Status != StatusCancelled || rec.Progress != 40 {
		t.Fatalf("unexpected record: %+v", rec.Snapshot())
	}
}

func TestMemoryRepoUpdateMissing(t *testing.T) {
	repo := NewMemoryRepo()
	if err := repo.Update(context.Background(), "nope", Patch{Progress: Ptr(1)}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepoReturnsCopies(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	_ = repo.Create(ctx, Record{ID: "a-1", Status: StatusCompleted, CreatedAt: time.Now()})
	_ = repo.Update(ctx, "a-1", Patch{
		IdentifiedRegulations: Ptr([]string{"IEEE 519"}),
		StructuredReport:      Ptr(json.RawMessage(`{"summary":"x"}`)),
	})

	first, _ := repo.GetByID(ctx, "a-1")
	first.IdentifiedRegulations[0] = "mutated"
	first.StructuredReport[0] = '['

	second, _ := repo.GetByID(ctx, "a-1")
	if second.IdentifiedRegulations[0] != "IEEE 519" {
		t.Fatalf("regulations leaked mutation: %v", second.IdentifiedRegulations)
	}
	if second.StructuredReport[0] != '{' {
		t.Fatalf("report leaked mutation: %s", second.StructuredReport)
	}
}

func TestMemoryRepoListOrderingAndPaging(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		status := StatusCompleted
		if id == "c" {
			status = StatusDeleted
		}
		_ = repo.Create(ctx, Record{ID: id, Status: status, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}

	all, err := repo.List(ctx, 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	got := []string{}
	for _, rec := range all {
		got = append(got, rec.ID)
	}
	want := []string{"d", "b", "a"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	page, _ := repo.List(ctx, 1, 1)
	if len(page) != 1 || page[0].ID != "b" {
		t.Fatalf("unexpected page: %+v", page)
	}
	empty, _ := repo.List(ctx, 5, 10)
	if len(empty) != 0 {
		t.Fatalf("expected empty page, got %d", len(empty))
	}
}

func TestPatchApplyClampsProgress(t *testing.T) {
	rec := Record{Progress: 50}
	Patch{Progress: Ptr(-3)}.Apply(&rec)
	if rec.Progress != 0 {
		t.Fatalf("expected 0, got %d", rec.Progress)
	}
	completed := time.Now()
	rec.CompletedAt = &completed
	Patch{ClearCompletedAt: true}.Apply(&rec)
	if rec.CompletedAt != nil {
		t.Fatalf("expected completedAt cleared")
	}
}

func TestMemoryRepoUpdateGuardsRunOwner(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	if err := repo.Create(ctx, Record{ID: "a-1", Status: StatusSummarizing}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.Update(ctx, "a-1", Patch{RunID: Ptr("run-1"), IfRunID: Ptr("")}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := repo.Update(ctx, "a-1", Patch{RunID: Ptr("run-2"), IfRunID: Ptr("")}); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected second claim to conflict, got %v", err)
	}
	if err := repo.Update(ctx, "a-1", Patch{Progress: Ptr(5), IfRunID: Ptr("run-1")}); err != nil {
		t.Fatalf("owner write: %v", err)
	}
	rec, _ := repo.GetByID(ctx, "a-1")
	if rec.RunID != "run-1" || rec.Progress != 5 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}
