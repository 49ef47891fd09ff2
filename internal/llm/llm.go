package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// Stage names one AI transformation of the analysis pipeline.
type Stage string

const (
	StageSummarize Stage = "summarize"
	StageIdentify  Stage = "identify"
	StageAnalyze   Stage = "analyze"
	StageReview    Stage = "review"
)

// Client abstracts the AI service. Each method is one stateless stage call
// returning the model's JSON object.
type Client interface {
	Summarize(ctx context.Context, input SummarizeInput) (json.RawMessage, error)
	Identify(ctx context.Context, input IdentifyInput) (json.RawMessage, error)
	Analyze(ctx context.Context, input AnalyzeInput) (json.RawMessage, error)
	Review(ctx context.Context, input ReviewInput) (json.RawMessage, error)
}

// SummarizeInput is one chunk of the uploaded dataset.
type SummarizeInput struct {
	Chunk        string
	ChunkIndex   int
	ChunkCount   int
	LanguageCode string
}

// IdentifyInput asks which regulations apply to the aggregate summary.
type IdentifyInput struct {
	Summary      string
	LanguageCode string
}

// AnalyzeInput asks for a compliance report.
type AnalyzeInput struct {
	Summary      string
	Regulations  []string
	FileName     string
	LanguageCode string
}

// ReviewInput asks for a reviewed version of a draft report.
type ReviewInput struct {
	Report       json.RawMessage
	LanguageCode string
}

// ErrNotImplemented is returned by the placeholder client.
var ErrNotImplemented = errors.New("LLM not implemented")

// PlaceholderClient is used when no provider is configured.
type PlaceholderClient struct{}

func (PlaceholderClient) Summarize(context.Context, SummarizeInput) (json.RawMessage, error) {
	return nil, ErrNotImplemented
}

func (PlaceholderClient) Identify(context.Context, IdentifyInput) (json.RawMessage, error) {
	return nil, ErrNotImplemented
}

func (PlaceholderClient) Analyze(context.Context, AnalyzeInput) (json.RawMessage, error) {
	return nil, ErrNotImplemented
}

func (PlaceholderClient) Review(context.Context, ReviewInput) (json.RawMessage, error) {
	return nil, ErrNotImplemented
}

var _ Client = PlaceholderClient{}
