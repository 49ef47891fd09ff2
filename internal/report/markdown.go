package report

import (
	"fmt"
	"strings"
	"time"
)

var statusLabels = map[string]string{
	StatusCompliant:    "Compliant",
	StatusNonCompliant: "Non-compliant",
	StatusInconclusive: "Inconclusive",
}

// RenderMarkdown produces the Markdown form of the report.
func RenderMarkdown(r Report, meta Meta) string {
	var sb strings.Builder

	title := strings.TrimSpace(r.Title)
	if title == "" {
		title = "Power Quality Compliance Report"
	}
	sb.WriteString("# " + inline(title) + "\n\n")

	if meta.FileName != "" {
		sb.WriteString(fmt.Sprintf("- **Source file:** %s\n", inline(meta.FileName)))
	}
	if meta.AnalysisID != "" {
		sb.WriteString(fmt.Sprintf("- **Analysis:** `%s`\n", meta.AnalysisID))
	}
	if meta.LanguageCode != "" {
		sb.WriteString(fmt.Sprintf("- **Language:** %s\n", meta.LanguageCode))
	}
	if !meta.GeneratedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("- **Generated:** %s\n", meta.GeneratedAt.UTC().Format(time.RFC3339)))
	}
	sb.WriteString(fmt.Sprintf("- **Overall status:** %s\n\n", statusLabel(r.OverallStatus)))

	if s := strings.TrimSpace(r.Summary); s != "" {
		sb.WriteString("## Summary\n\n")
		sb.WriteString(s + "\n\n")
	}

	if len(meta.Regulations) > 0 {
		sb.WriteString("## Applicable regulations\n\n")
		for _, reg := range meta.Regulations {
			sb.WriteString("- " + inline(reg) + "\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Findings\n\n")
	if len(r.Findings) == 0 {
		sb.WriteString("No findings were reported.\n\n")
	} else {
		counts := r.Counts()
		sb.WriteString(fmt.Sprintf("%d compliant, %d non-compliant, %d inconclusive.\n\n",
			counts[StatusCompliant], counts[StatusNonCompliant], counts[StatusInconclusive]))
		sb.WriteString("| Regulation | Parameter | Observed | Limit | Status | Notes |\n")
		sb.WriteString("|---|---|---|---|---|---|\n")
		for _, f := range r.Findings {
			sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s | %s |\n",
				cell(f.Regulation), cell(f.Parameter), cell(f.Observed), cell(f.Limit),
				statusLabel(f.Status), cell(f.Notes)))
		}
		sb.WriteString("\n")
	}

	if len(r.Recommendations) > 0 {
		sb.WriteString("## Recommendations\n\n")
		for i, rec := range r.Recommendations {
			sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, inline(rec)))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

func statusLabel(s string) string {
	if label, ok := statusLabels[NormalizeStatus(s)]; ok {
		return label
	}
	return statusLabels[StatusInconclusive]
}

// inline flattens text onto one line.
func inline(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cell escapes text for a Markdown table cell.
func cell(s string) string {
	s = inline(s)
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, "|", `\|`)
}
