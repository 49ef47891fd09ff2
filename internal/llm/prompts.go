package llm

import _ "embed"

var (
	//go:embed prompts/summarize.txt
	promptSummarize string
	//go:embed prompts/identify.txt
	promptIdentify string
	//go:embed prompts/analyze.txt
	promptAnalyze string
	//go:embed prompts/review.txt
	promptReview string
)

// PromptTemplate returns the developer prompt for a stage and whether the stage was recognized.
func PromptTemplate(stage Stage) (string, bool) {
	switch stage {
	case StageSummarize:
		return promptSummarize, true
	case StageIdentify:
		return promptIdentify, true
	case StageAnalyze:
		return promptAnalyze, true
	case StageReview:
		return promptReview, true
	default:
		return "", false
	}
}
