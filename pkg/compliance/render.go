package compliance

import (
	"bytes"
	"html/template"
	"sort"

	"github.com/datumfab/datum/pkg/contracts"
	"github.com/datumfab/datum/pkg/fault"
)

// reportTemplate renders the report sections as a self-contained HTML
// document. Table columns are the sorted union of row keys so rendering
// stays deterministic.
var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"columns": rowColumns,
	"cell":    func(row map[string]string, col string) string { return row[col] },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Compliance Report {{.PlanID}} v{{.PlanVersion}}</title>
<style>
body { font-family: sans-serif; margin: 2rem; color: #1a1a1a; }
h1 { border-bottom: 2px solid #333; padding-bottom: .3rem; }
h2 { margin-top: 2rem; }
table { border-collapse: collapse; width: 100%; margin-top: .5rem; }
th, td { border: 1px solid #bbb; padding: .3rem .6rem; text-align: left; font-size: .9rem; }
th { background: #f0f0f0; }
footer { margin-top: 3rem; font-size: .8rem; color: #666; }
</style>
</head>
<body>
<h1>Compliance Report: {{.PlanID}} v{{.PlanVersion}}</h1>
{{range .Sections}}
<section id="{{.SectionID}}">
<h2>{{.Title}}</h2>
{{if .Body}}<p>{{.Body}}</p>{{end}}
{{if .Rows}}{{$cols := columns .Rows}}
<table>
<thead><tr>{{range $cols}}<th>{{.}}</th>{{end}}</tr></thead>
<tbody>
{{range $row := .Rows}}<tr>{{range $cols}}<td>{{cell $row .}}</td>{{end}}</tr>
{{end}}</tbody>
</table>
{{end}}
</section>
{{end}}
<footer>
<p>report_hash: <code>{{.ReportHash}}</code></p>
<p>generated_at: {{.GeneratedAt}} by {{.GeneratedBy}}</p>
</footer>
</body>
</html>
`))

// RenderHTML renders the built report. The hash in the footer is the
// hash of the canonical section body, not of the HTML.
func RenderHTML(r *contracts.ComplianceReport) ([]byte, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, r); err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "render compliance report", err)
	}
	return buf.Bytes(), nil
}

func rowColumns(rows []map[string]string) []string {
	seen := map[string]bool{}
	var cols []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}
