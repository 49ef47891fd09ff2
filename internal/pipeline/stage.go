package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"powerquality-backend/internal/llm"
	"powerquality-backend/internal/report"
	"powerquality-backend/internal/shared/metrics"
	"powerquality-backend/internal/shared/telemetry"
)

const reportSchema = `{
	"type": "object",
	"required": ["report"],
	"properties": {
		"report": {
			"type": "object",
			"required": ["summary", "findings"],
			"properties": {
				"title": {"type": "string"},
				"summary": {"type": "string", "pattern": "\\S"},
				"overallStatus": {"type": "string"},
				"findings": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"regulation": {"type": "string"},
							"parameter": {"type": "string"},
							"observed": {"type": "string"},
							"limit": {"type": "string"},
							"status": {"type": "string"},
							"notes": {"type": "string"}
						}
					}
				},
				"recommendations": {"type": "array", "items": {"type": "string"}}
			}
		}
	}
}`

var stageSchemas = map[llm.Stage]*jsonschema.Schema{
	llm.StageSummarize: mustCompile("summarize.json", `{
		"type": "object",
		"required": ["summary"],
		"properties": {"summary": {"type": "string", "pattern": "\\S"}}
	}`),
	llm.StageIdentify: mustCompile("identify.json", `{
		"type": "object",
		"required": ["regulations"],
		"properties": {"regulations": {"type": "array", "items": {"type": "string"}}}
	}`),
	llm.StageAnalyze: mustCompile("analyze.json", reportSchema),
	llm.StageReview:  mustCompile("review.json", reportSchema),
}

func mustCompile(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "mem://stages/" + name
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("compile schema %s: %v", name, err))
	}
	return s
}

// StageExecutor invokes one AI transformation per call and checks its output shape.
// It never retries.
type StageExecutor struct {
	LLM llm.Client
}

type summarizeOutput struct {
	Summary string `json:"summary"`
}

type identifyOutput struct {
	Regulations []string `json:"regulations"`
}

type reportOutput struct {
	Report json.RawMessage `json:"report"`
}

// Summarize returns the summary of one chunk.
func (x StageExecutor) Summarize(ctx context.Context, in llm.SummarizeInput) (string, error) {
	out, err := execute[summarizeOutput](ctx, llm.StageSummarize, func(ctx context.Context) (json.RawMessage, error) {
		return x.LLM.Summarize(ctx, in)
	}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Summary), nil
}

// Identify returns the applicable regulations, trimmed and de-duplicated in order.
func (x StageExecutor) Identify(ctx context.Context, in llm.IdentifyInput) ([]string, error) {
	out, err := execute[identifyOutput](ctx, llm.StageIdentify, func(ctx context.Context) (json.RawMessage, error) {
		return x.LLM.Identify(ctx, in)
	}, nil)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(out.Regulations))
	regs := make([]string, 0, len(out.Regulations))
	for _, r := range out.Regulations {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		key := strings.ToLower(r)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		regs = append(regs, r)
	}
	return regs, nil
}

// Analyze returns the draft structured report.
func (x StageExecutor) Analyze(ctx context.Context, in llm.AnalyzeInput) (json.RawMessage, error) {
	out, err := execute[reportOutput](ctx, llm.StageAnalyze, func(ctx context.Context) (json.RawMessage, error) {
		return x.LLM.Analyze(ctx, in)
	}, parseReport)
	if err != nil {
		return nil, err
	}
	return out.Report, nil
}

// Review returns the reviewed structured report.
func (x StageExecutor) Review(ctx context.Context, in llm.ReviewInput) (json.RawMessage, error) {
	out, err := execute[reportOutput](ctx, llm.StageReview, func(ctx context.Context) (json.RawMessage, error) {
		return x.LLM.Review(ctx, in)
	}, parseReport)
	if err != nil {
		return nil, err
	}
	return out.Report, nil
}

// parseReport rejects reports the renderer could not decode.
func parseReport(out reportOutput) error {
	_, err := report.Parse(out.Report)
	return err
}

func execute[Out any](ctx context.Context, stage llm.Stage, call func(context.Context) (json.RawMessage, error), check func(Out) error) (Out, error) {
	var zero Out
	fail := func(err error) (Out, error) {
		metrics.IncStageFailed()
		telemetry.Warn("pipeline.stage.failed", map[string]any{
			"stage":      string(stage),
			"error":      Message(err),
			"transient":  transient(err),
			"request_id": requestID(ctx),
		})
		return zero, aiError(string(stage), err)
	}

	raw, err := call(ctx)
	if err != nil {
		return fail(err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrNoUsableOutput, err))
	}
	if schema, ok := stageSchemas[stage]; ok {
		if err := schema.Validate(doc); err != nil {
			return fail(fmt.Errorf("%w: %s", ErrNoUsableOutput, firstLine(err.Error())))
		}
	}

	var out Out
	if err := json.Unmarshal(raw, &out); err != nil {
		return fail(fmt.Errorf("%w: %v", ErrNoUsableOutput, err))
	}
	if check != nil {
		if err := check(out); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrNoUsableOutput, err))
		}
	}
	return out, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
