package openai

import (
	"fmt"
	"strconv"
	"strings"

	"powerquality-backend/internal/llm"
)

// Message represents an OpenAI chat message.
type Message struct {
	Role    string
	Content string
}

const systemPrompt = "You are a power-quality analysis engine. Respond with a single JSON object only. No markdown."

var languageNames = map[string]string{
	"en":    "English",
	"en-us": "English",
	"en-gb": "English",
	"pt":    "Portuguese",
	"pt-br": "Brazilian Portuguese",
	"es":    "Spanish",
	"fr":    "French",
	"de":    "German",
}

// BuildPrompt creates the chat messages for one stage call.
func BuildPrompt(stage llm.Stage, vars map[string]string, user string) []Message {
	template, ok := llm.PromptTemplate(stage)
	if !ok {
		template = ""
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	developer := strings.NewReplacer(pairs...).Replace(template)

	return []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "developer", Content: developer},
		{Role: "user", Content: user},
	}
}

func summarizePrompt(in llm.SummarizeInput) []Message {
	return BuildPrompt(llm.StageSummarize, map[string]string{
		"CHUNK_INDEX": strconv.Itoa(in.ChunkIndex + 1),
		"CHUNK_COUNT": strconv.Itoa(in.ChunkCount),
		"LANGUAGE":    languageName(in.LanguageCode),
	}, in.Chunk)
}

func identifyPrompt(in llm.IdentifyInput) []Message {
	return BuildPrompt(llm.StageIdentify, map[string]string{
		"LANGUAGE": languageName(in.LanguageCode),
	}, "Measurement summary:\n"+in.Summary)
}

func analyzePrompt(in llm.AnalyzeInput) []Message {
	regs := "N/A"
	if len(in.Regulations) > 0 {
		regs = "- " + strings.Join(in.Regulations, "\n- ")
	}
	return BuildPrompt(llm.StageAnalyze, map[string]string{
		"FILE_NAME": in.FileName,
		"LANGUAGE":  languageName(in.LanguageCode),
	}, fmt.Sprintf("Measurement summary:\n%s\n\nApplicable regulations:\n%s", in.Summary, regs))
}

func reviewPrompt(in llm.ReviewInput) []Message {
	return BuildPrompt(llm.StageReview, map[string]string{
		"LANGUAGE": languageName(in.LanguageCode),
	}, "Draft report:\n"+string(in.Report))
}

// languageName maps a locale tag to a name the model follows reliably.
func languageName(code string) string {
	code = strings.TrimSpace(code)
	if name, ok := languageNames[strings.ToLower(code)]; ok {
		return name
	}
	if code == "" {
		return "English"
	}
	return code
}
