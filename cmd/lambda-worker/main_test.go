package main

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"powerquality-backend/internal/analyses"
	"powerquality-backend/internal/queue"
)

type fakeProcessor struct {
	failFor map[string]bool
	seen    []string
}

func (f *fakeProcessor) ProcessChange(ctx context.Context, change analyses.Change) error {
	f.seen = append(f.seen, change.AnalysisID)
	if f.failFor[change.AnalysisID] {
		return errors.New("db down")
	}
	return nil
}

func body(t *testing.T, id string) string {
	t.Helper()
	raw, err := queue.EncodeMessage(queue.Message{AnalysisID: id})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return string(raw)
}

func TestHandleBatchReportsOnlyRetryableFailures(t *testing.T) {
	proc := &fakeProcessor{failFor: map[string]bool{"a2": true}}
	event := events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m1", Body: body(t, "a1")},
		{MessageId: "m2", Body: body(t, "a2")},
		{MessageId: "m3", Body: "{bad-json"},
		{MessageId: "m4", Body: ""},
	}}

	resp := handleBatch(context.Background(), proc, event)

	if len(resp.BatchItemFailures) != 1 || resp.BatchItemFailures[0].ItemIdentifier != "m2" {
		t.Fatalf("unexpected failures %+v", resp.BatchItemFailures)
	}
	if len(proc.seen) != 2 {
		t.Fatalf("expected two processed changes, got %v", proc.seen)
	}
}
