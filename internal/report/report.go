package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Compliance statuses used by findings and the overall verdict.
const (
	StatusCompliant    = "compliant"
	StatusNonCompliant = "non_compliant"
	StatusInconclusive = "inconclusive"
)

// Finding compares one measured parameter against one regulation limit.
type Finding struct {
	Regulation string `json:"regulation"`
	Parameter  string `json:"parameter"`
	Observed   string `json:"observed"`
	Limit      string `json:"limit"`
	Status     string `json:"status"`
	Notes      string `json:"notes,omitempty"`
}

// Report is the structured compliance report produced by the analysis stage.
type Report struct {
	Title           string    `json:"title"`
	Summary         string    `json:"summary"`
	OverallStatus   string    `json:"overallStatus"`
	Findings        []Finding `json:"findings"`
	Recommendations []string  `json:"recommendations,omitempty"`
}

// Meta carries record context printed alongside the report.
type Meta struct {
	AnalysisID   string
	FileName     string
	LanguageCode string
	Regulations  []string
	GeneratedAt  time.Time
}

// ErrEmptyReport is returned by Parse when the payload has no content.
var ErrEmptyReport = errors.New("report is empty")

// Parse decodes a structured report and normalizes its status fields.
func Parse(raw json.RawMessage) (Report, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Report{}, ErrEmptyReport
	}
	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	r.OverallStatus = NormalizeStatus(r.OverallStatus)
	for i := range r.Findings {
		r.Findings[i].Status = NormalizeStatus(r.Findings[i].Status)
	}
	return r, nil
}

// NormalizeStatus maps free-form model output onto the known statuses.
func NormalizeStatus(s string) string {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.NewReplacer("-", "_", " ", "_").Replace(v)
	switch v {
	case "compliant", "pass", "ok", "conforme":
		return StatusCompliant
	case "non_compliant", "noncompliant", "fail", "violation", "nao_conforme", "não_conforme":
		return StatusNonCompliant
	default:
		return StatusInconclusive
	}
}

// Counts returns the number of findings per status.
func (r Report) Counts() map[string]int {
	out := map[string]int{
		StatusCompliant:    0,
		StatusNonCompliant: 0,
		StatusInconclusive: 0,
	}
	for _, f := range r.Findings {
		out[NormalizeStatus(f.Status)]++
	}
	return out
}
