package report

import (
	"bytes"
	"fmt"
	stdhtml "html"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// ContentType is the MIME type of the rendered report.
const ContentType = "text/html; charset=utf-8"

var (
	markdown = goldmark.New(goldmark.WithExtensions(extension.Table))
	policy   = bluemonday.UGCPolicy()
)

const pageTemplate = `<!DOCTYPE html>
<html lang="%s">
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body{font-family:system-ui,sans-serif;max-width:960px;margin:2rem auto;padding:0 1rem;color:#1f2933}
table{border-collapse:collapse;width:100%%}
th,td{border:1px solid #cbd2d9;padding:.4rem .6rem;text-align:left;vertical-align:top}
th{background:#f0f4f8}
</style>
</head>
<body>
%s</body>
</html>
`

// RenderHTML renders the report as a standalone HTML document.
func RenderHTML(r Report, meta Meta) ([]byte, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(RenderMarkdown(r, meta)), &body); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	safe := policy.SanitizeBytes(body.Bytes())

	lang := meta.LanguageCode
	if lang == "" {
		lang = "en"
	}
	title := r.Title
	if title == "" {
		title = "Power Quality Compliance Report"
	}
	return []byte(fmt.Sprintf(pageTemplate, stdhtml.EscapeString(lang), stdhtml.EscapeString(inline(title)), safe)), nil
}
