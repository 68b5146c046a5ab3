package fixer

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strings"
)

// FormatJSON writes the report as indented JSON.
func FormatJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// FormatText writes a plain text version of the report.
func FormatText(w io.Writer, r *Report) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", ReportTitle)
	fmt.Fprintf(&b, "Layer: %s\n", r.Layer)
	fmt.Fprintf(&b, "Policy: %s\n", r.Policy)
	if r.Outcome == OutcomeNoInvalid {
		fmt.Fprintf(&b, "%s\n", NoInvalidMessage)
		_, err := io.WriteString(w, b.String())
		return err
	}
	fmt.Fprintf(&b, "Invalid features: %d\n", r.InvalidCount)
	switch r.Policy {
	case PolicyReplace:
		fmt.Fprintf(&b, "Fixed features: %s\n", r.FixedDisplay())
	case PolicyAppendPreserve:
		fmt.Fprintf(&b, "Fixed copies added: %d\n", r.AddedCount)
	default:
		fmt.Fprintf(&b, "Fixed in place: %d\n", r.AutoFixedCount)
		fmt.Fprintf(&b, "Fixed copies added: %d\n", r.AddedCount)
		if len(r.ActionRequired) > 0 {
			fmt.Fprintf(&b, "Action required: %s\n", r.ActionRequiredDisplay())
		}
	}
	fmt.Fprintf(&b, "Features: %d -> %d\n", r.OriginalCount, r.FinalCount)
	if len(r.Invalid) > 0 {
		b.WriteString("Details:\n")
		for _, f := range r.Invalid {
			fmt.Fprintf(&b, "  %d", f.FID)
			if line := f.Line(); line != "" {
				fmt.Fprintf(&b, " (%s)", line)
			}
			if f.Reason != "" {
				fmt.Fprintf(&b, ": %s", f.Reason)
			}
			if f.AutoFixed {
				b.WriteString(" [fixed in place]")
			}
			b.WriteString("\n")
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

var htmlReport = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h3>{{.Title}}</h3>
<p><b>Layer:</b> {{.R.Layer}}</p>
{{- if .NoInvalid}}
<p>{{.NoInvalidMessage}}</p>
{{- else}}
<p><b>Invalid features:</b> {{.R.InvalidCount}}</p>
{{- if eq .Policy "replace"}}
<p><b>Fixed features:</b> {{.R.FixedDisplay}}</p>
{{- else if eq .Policy "append_preserve"}}
<p><b>Fixed copies added:</b> {{.R.AddedCount}}</p>
{{- else}}
<p><b>Fixed in place:</b> {{.R.AutoFixedCount}}</p>
<p><b>Fixed copies added:</b> {{.R.AddedCount}}</p>
{{- if .R.ActionRequired}}
<p><b>Action required:</b> {{.R.ActionRequiredDisplay}}</p>
{{- end}}
{{- end}}
<p><b>Details:</b></p>
<ul>
{{- range .R.Invalid}}
<li>{{.FID}}{{with .Line}} ({{.}}){{end}}{{with .Reason}}: {{.}}{{end}}{{if .AutoFixed}} [fixed in place]{{end}}</li>
{{- end}}
</ul>
{{- end}}
</body>
</html>
`))

// FormatHTML writes the report as a small HTML page.
func FormatHTML(w io.Writer, r *Report) error {
	return htmlReport.Execute(w, struct {
		Title            string
		NoInvalidMessage string
		NoInvalid        bool
		Policy           string
		R                *Report
	}{
		Title:            ReportTitle,
		NoInvalidMessage: NoInvalidMessage,
		NoInvalid:        r.Outcome == OutcomeNoInvalid,
		Policy:           string(r.Policy),
		R:                r,
	})
}
