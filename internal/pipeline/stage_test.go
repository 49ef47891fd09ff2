package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"powerquality-backend/internal/llm"
)

func TestStageExecutorRejectsUnusableOutput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		run  func(StageExecutor) error
	}{
		{
			name: "summary not json",
			raw:  `summary: ok`,
			run: func(x StageExecutor) error {
				_, err := x.Summarize(context.Background(), llm.SummarizeInput{Chunk: "a"})
				return err
			},
		},
		{
			name: "regulations wrong type",
			raw:  `{"regulations":"IEEE 519"}`,
			run: func(x StageExecutor) error {
				_, err := x.Identify(context.Background(), llm.IdentifyInput{Summary: "s"})
				return err
			},
		},
		{
			name: "report missing findings",
			raw:  `{"report":{"summary":"ok"}}`,
			run: func(x StageExecutor) error {
				_, err := x.Analyze(context.Background(), llm.AnalyzeInput{Summary: "s"})
				return err
			},
		},
		{
			name: "finding with numeric reading",
			raw:  `{"report":{"summary":"ok","findings":[{"parameter":"voltage","observed":229.4,"status":"compliant"}]}}`,
			run: func(x StageExecutor) error {
				_, err := x.Analyze(context.Background(), llm.AnalyzeInput{Summary: "s"})
				return err
			},
		},
		{
			name: "reviewed finding with numeric limit",
			raw:  `{"report":{"summary":"ok","findings":[{"parameter":"thd","limit":8}]}}`,
			run: func(x StageExecutor) error {
				_, err := x.Review(context.Background(), llm.ReviewInput{Report: json.RawMessage(sampleReport)})
				return err
			},
		},
		{
			name: "recommendation not text",
			raw:  `{"report":{"summary":"ok","findings":[],"recommendations":[{"text":"x"}]}}`,
			run: func(x StageExecutor) error {
				_, err := x.Analyze(context.Background(), llm.AnalyzeInput{Summary: "s"})
				return err
			},
		},
		{
			name: "review without report",
			raw:  `{"title":"x"}`,
			run: func(x StageExecutor) error {
				_, err := x.Review(context.Background(), llm.ReviewInput{Report: json.RawMessage(sampleReport)})
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := json.RawMessage(tt.raw)
			client := &fakeLLM{
				onSummarize: func(llm.SummarizeInput) (json.RawMessage, error) { return raw, nil },
				onIdentify:  func(llm.IdentifyInput) (json.RawMessage, error) { return raw, nil },
				onAnalyze:   func(llm.AnalyzeInput) (json.RawMessage, error) { return raw, nil },
				onReview:    func(llm.ReviewInput) (json.RawMessage, error) { return raw, nil },
			}
			err := tt.run(StageExecutor{LLM: client})
			if !errors.Is(err, ErrNoUsableOutput) {
				t.Fatalf("expected ErrNoUsableOutput, got %v", err)
			}
			if KindOf(err) != KindAIStage {
				t.Fatalf("expected ai stage kind, got %s", KindOf(err))
			}
		})
	}
}

func TestStageExecutorAnalyzeReturnsInnerReport(t *testing.T) {
	x := StageExecutor{LLM: &fakeLLM{}}
	got, err := x.Analyze(context.Background(), llm.AnalyzeInput{Summary: "s"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	var report map[string]any
	if err := json.Unmarshal(got, &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report["title"] != "Power quality report" {
		t.Fatalf("unexpected report %v", report)
	}
}

func TestStageExecutorWrapsClientErrors(t *testing.T) {
	x := StageExecutor{LLM: llm.PlaceholderClient{}}
	_, err := x.Summarize(context.Background(), llm.SummarizeInput{Chunk: "a"})
	if !errors.Is(err, llm.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
	if got := Message(err); got != "AI service (summarize): "+llm.ErrNotImplemented.Error() {
		t.Fatalf("unexpected message %q", got)
	}
}
