package evidencepack

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

var summaryTemplate = template.Must(template.New("summary").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Finding.Title}}</title></head>
<body>
<h1>{{.Finding.Title}}</h1>
<p>{{.Finding.Summary}}</p>
<table>
<tr><th>Type</th><td>{{.Finding.Type}}</td></tr>
<tr><th>Status</th><td>{{.Finding.Status}}</td></tr>
<tr><th>Confidence</th><td>{{.Finding.Confidence}}%</td></tr>
<tr><th>Estimated savings</th><td>{{.Savings}} {{.Finding.Currency}}</td></tr>
{{- if .Finding.PeriodStart}}
<tr><th>Period</th><td>{{.Finding.PeriodStart}} to {{.Finding.PeriodEnd}}</td></tr>
{{- end}}
</table>
<h2>Evidence</h2>
<ol>
{{- range .Finding.Evidence}}
<li><strong>{{.Kind}}</strong> <code>{{.Pointer}}</code>{{if .Excerpt}}<blockquote>{{.Excerpt}}</blockquote>{{end}}</li>
{{- end}}
</ol>
{{- if .Documents}}
<h2>Source documents</h2>
<ul>
{{- range .Documents}}
<li>{{.FileName}} ({{.MimeType}})</li>
{{- end}}
</ul>
{{- end}}
<p><small>Generated {{.GeneratedAt}}</small></p>
</body>
</html>
`))

func renderSummary(in Input, at time.Time) ([]byte, error) {
	var buf bytes.Buffer
	err := summaryTemplate.Execute(&buf, map[string]any{
		"Finding":     in.Finding,
		"Documents":   in.Documents,
		"Savings":     in.Finding.EstimatedSavings.StringFixed(2),
		"GeneratedAt": at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render summary: %w", err)
	}
	return buf.Bytes(), nil
}
