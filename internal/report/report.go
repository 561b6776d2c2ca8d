// Package report renders comparisons and offer history for people and
// scripts.
package report

import (
	"encoding/json"
	"fmt"
	htmltemplate "html/template"
	"io"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/shopspring/decimal"

	"github.com/FranksOps/partprice/internal/compare"
	"github.com/FranksOps/partprice/internal/storage"
)

// Format selects an output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatHTML Format = "html"
)

// ParseFormat accepts text, json or html, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatJSON, FormatHTML:
		return f, nil
	case "":
		return FormatText, nil
	}
	return "", fmt.Errorf("unknown report format %q", s)
}

// Write renders c in format f.
func Write(w io.Writer, f Format, c *compare.Comparison) error {
	switch f {
	case FormatJSON:
		return WriteJSON(w, c)
	case FormatHTML:
		return WriteHTML(w, c)
	default:
		return WriteText(w, c)
	}
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("report: encode json: %w", err)
	}
	return nil
}

var funcs = template.FuncMap{
	"stock": func(in bool) string {
		if in {
			return "in stock"
		}
		return "out of stock"
	},
	"rating": func(r *float64) string {
		if r == nil {
			return "-"
		}
		return fmt.Sprintf("%.1f", *r)
	},
	"when": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.Format("2006-01-02 15:04:05")
	},
	"inc": func(i int) int { return i + 1 },
}

var textTmpl = template.Must(template.New("comparison").Funcs(funcs).Parse(`Price comparison for {{.PartNumber}}
----------------------------------------
Run:       {{.RunID}}
Assembled: {{when .AssembledAt}}
Stores:    {{.Stats.StoresSucceeded}}/{{.Stats.StoresTotal}} answered, {{.Stats.DurationMs}} ms, cache {{.Stats.Cache}}

Offers:
{{- range $i, $o := .Offers}}
  {{inc $i}}. {{$o.Price.StringFixed 2}}  {{$o.StoreName}}  {{stock $o.InStock}}  rating {{rating $o.Rating}}
     {{$o.ProductURL}}
{{- else}}
  None
{{- end}}
{{- if .Duplicates}}
  ({{.Duplicates}} duplicate listing(s) dropped)
{{- end}}

Issues:
{{- range .Issues}}
  {{.StoreName}}: {{.Message}}
{{- else}}
  None
{{- end}}
`))

// WriteText writes a human-readable comparison.
func WriteText(w io.Writer, c *compare.Comparison) error {
	if err := textTmpl.Execute(w, c); err != nil {
		return fmt.Errorf("report: render text: %w", err)
	}
	return nil
}

var htmlTmpl = htmltemplate.Must(htmltemplate.New("comparison").Funcs(htmltemplate.FuncMap(funcs)).Parse(`<!DOCTYPE html>
<html>
<head>
<title>{{.PartNumber}} price comparison</title>
<style>
  body { font-family: sans-serif; margin: 40px; color: #333; }
  h1 { border-bottom: 2px solid #ccc; padding-bottom: 10px; }
  .stat-card { display: inline-block; padding: 20px; margin: 10px 10px 10px 0; background: #f4f4f4; border-radius: 5px; min-width: 150px; }
  .stat-val { font-size: 24px; font-weight: bold; }
  table { border-collapse: collapse; margin-top: 10px; }
  th, td { padding: 8px 12px; border: 1px solid #ccc; text-align: left; }
  th { background: #eaeaea; }
</style>
</head>
<body>
  <h1>{{.PartNumber}}</h1>
  <p><strong>Assembled:</strong> {{when .AssembledAt}} ({{.Stats.DurationMs}} ms, cache {{.Stats.Cache}})</p>

  <div class="stat-card">
    <div>Stores answered</div>
    <div class="stat-val">{{.Stats.StoresSucceeded}} / {{.Stats.StoresTotal}}</div>
  </div>
  <div class="stat-card">
    <div>Offers</div>
    <div class="stat-val">{{len .Offers}}</div>
  </div>
  <div class="stat-card">
    <div>Issues</div>
    <div class="stat-val" style="color: {{if .Issues}}red{{else}}green{{end}};">{{len .Issues}}</div>
  </div>

  <h3>Offers</h3>
  <table>
    <tr><th>#</th><th>Price</th><th>Store</th><th>Stock</th><th>Rating</th><th>Delivery</th></tr>
    {{- range $i, $o := .Offers}}
    <tr><td>{{inc $i}}</td><td>{{$o.Price.StringFixed 2}}</td><td><a href="{{$o.ProductURL}}">{{$o.StoreName}}</a></td><td>{{stock $o.InStock}}</td><td>{{rating $o.Rating}}</td><td>{{$o.EstimatedDelivery}}</td></tr>
    {{- else}}
    <tr><td colspan="6">None</td></tr>
    {{- end}}
  </table>

  <h3>Issues</h3>
  <table>
    <tr><th>Store</th><th>Message</th></tr>
    {{- range .Issues}}
    <tr><td>{{.StoreName}}</td><td>{{.Message}}</td></tr>
    {{- else}}
    <tr><td colspan="2">None</td></tr>
    {{- end}}
  </table>
</body>
</html>
`))

// WriteHTML writes a standalone HTML page. Store-supplied text is escaped.
func WriteHTML(w io.Writer, c *compare.Comparison) error {
	if err := htmlTmpl.Execute(w, c); err != nil {
		return fmt.Errorf("report: render html: %w", err)
	}
	return nil
}

// StoreSummary aggregates one store's history.
type StoreSummary struct {
	StoreID   string          `json:"store_id"`
	StoreName string          `json:"store_name"`
	Quotes    int             `json:"quotes"`
	Errors    int             `json:"errors"`
	Lowest    decimal.Decimal `json:"lowest"`
	Highest   decimal.Decimal `json:"highest"`
	Latest    decimal.Decimal `json:"latest"`
	LastSeen  time.Time       `json:"last_seen"`
}

// Summary aggregates a set of history records.
type Summary struct {
	Records         int            `json:"records"`
	Runs            int            `json:"runs"`
	Quotes          int            `json:"quotes"`
	Errors          int            `json:"errors"`
	Stores          []StoreSummary `json:"stores"`
	ErrorsByMessage map[string]int `json:"errors_by_message"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         time.Time      `json:"end_time"`
	Duration        time.Duration  `json:"duration"`
}

// Summarize aggregates records. Stores are ordered by lowest price seen,
// stores without quotes last.
func Summarize(records []*storage.OfferRecord) Summary {
	s := Summary{ErrorsByMessage: make(map[string]int)}
	if len(records) == 0 {
		return s
	}

	s.StartTime = records[0].RecordedAt
	s.EndTime = records[0].RecordedAt
	runs := make(map[string]bool)
	byStore := make(map[string]*StoreSummary)

	for _, r := range records {
		s.Records++
		runs[r.RunID] = true
		if r.RecordedAt.Before(s.StartTime) {
			s.StartTime = r.RecordedAt
		}
		if r.RecordedAt.After(s.EndTime) {
			s.EndTime = r.RecordedAt
		}

		st, ok := byStore[r.StoreID]
		if !ok {
			st = &StoreSummary{StoreID: r.StoreID, StoreName: r.StoreName}
			byStore[r.StoreID] = st
		}
		if r.HasError {
			s.Errors++
			st.Errors++
			s.ErrorsByMessage[r.ErrorMessage]++
			continue
		}

		s.Quotes++
		if st.Quotes == 0 || r.Price.LessThan(st.Lowest) {
			st.Lowest = r.Price
		}
		if st.Quotes == 0 || r.Price.GreaterThan(st.Highest) {
			st.Highest = r.Price
		}
		if st.Quotes == 0 || r.RecordedAt.After(st.LastSeen) {
			st.Latest = r.Price
			st.LastSeen = r.RecordedAt
		}
		st.Quotes++
	}

	s.Runs = len(runs)
	s.Duration = s.EndTime.Sub(s.StartTime)
	for _, st := range byStore {
		s.Stores = append(s.Stores, *st)
	}
	sort.Slice(s.Stores, func(i, j int) bool {
		a, b := s.Stores[i], s.Stores[j]
		if (a.Quotes > 0) != (b.Quotes > 0) {
			return a.Quotes > 0
		}
		if c := a.Lowest.Cmp(b.Lowest); c != 0 {
			return c < 0
		}
		return a.StoreID < b.StoreID
	})
	return s
}

var summaryTmpl = template.Must(template.New("summary").Funcs(funcs).Parse(`Offer history
-------------
Time:     {{when .StartTime}} - {{when .EndTime}}
Span:     {{.Duration}}
Runs:     {{.Runs}}
Records:  {{.Records}} ({{.Quotes}} quotes, {{.Errors}} errors)

Stores:
{{- range .Stores}}
  {{.StoreName}}: {{if .Quotes}}low {{.Lowest.StringFixed 2}}, high {{.Highest.StringFixed 2}}, latest {{.Latest.StringFixed 2}} ({{.Quotes}} quotes){{else}}no quotes{{end}}{{if .Errors}}, {{.Errors}} errors{{end}}
{{- else}}
  None
{{- end}}

Errors:
{{- range $msg, $count := .ErrorsByMessage}}
  {{$msg}}: {{$count}}
{{- else}}
  None
{{- end}}
`))

// WriteSummaryText writes a human-readable history summary.
func WriteSummaryText(w io.Writer, s Summary) error {
	if err := summaryTmpl.Execute(w, s); err != nil {
		return fmt.Errorf("report: render summary: %w", err)
	}
	return nil
}

// WriteRecordsText lists history records one per line, newest first as
// given.
func WriteRecordsText(w io.Writer, records []*storage.OfferRecord) error {
	for _, r := range records {
		var err error
		if r.HasError {
			_, err = fmt.Fprintf(w, "%s  %-12s  %-16s  error: %s\n", r.RecordedAt.Format(time.RFC3339), r.ProductID, r.StoreName, r.ErrorMessage)
		} else {
			_, err = fmt.Fprintf(w, "%s  %-12s  %-16s  %10s  %s\n", r.RecordedAt.Format(time.RFC3339), r.ProductID, r.StoreName, r.Price.StringFixed(2), r.ProductURL)
		}
		if err != nil {
			return fmt.Errorf("report: write record: %w", err)
		}
	}
	return nil
}
