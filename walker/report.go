// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package walker

import (
	"fmt"
	"html/template"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/advmirror/advmirror/csaf"
)

// DocState is the observable state of one document in the
// pipeline's state machine.
type DocState string

const (
	// StateDiscovered means the reference was enumerated.
	StateDiscovered DocState = "discovered"
	// StateSkipped is terminal: the reference was filtered.
	StateSkipped DocState = "skipped"
	// StateRetrieved means body and sidecars are loaded.
	StateRetrieved DocState = "retrieved"
	// StateValidated means the integrity artifacts were checked.
	StateValidated DocState = "validated"
	// StateVerified means the content checks ran.
	StateVerified DocState = "verified"
	// StateSunk is terminal: the document reached its sink.
	StateSunk DocState = "sunk"
	// StateFailed is terminal.
	StateFailed DocState = "failed"
)

// DocumentRecord is the per-document accumulation of the report.
type DocumentRecord struct {
	URL      string
	Path     string
	State    DocState
	Outcome  string
	Reason   string
	Findings []csaf.Finding
	Err      string
}

// Report aggregates the per-document outcomes of a walk into a
// human readable summary. All methods are safe for concurrent
// use; the accumulator is the single serialization point of the
// pipeline's observability.
type Report struct {
	mu      sync.Mutex
	docs    map[string]*DocumentRecord
	order   []string
	started time.Time
}

// NewReport creates an empty report.
func NewReport() *Report {
	return &Report{
		docs:    map[string]*DocumentRecord{},
		started: time.Now().UTC(),
	}
}

func (r *Report) record(url string) *DocumentRecord {
	rec := r.docs[url]
	if rec == nil {
		rec = &DocumentRecord{URL: url}
		r.docs[url] = rec
		r.order = append(r.order, url)
	}
	return rec
}

// Discovered records an enumerated reference.
func (r *Report) Discovered(ref *DocumentReference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record(ref.URL)
	rec.Path = ref.RelPath
	if rec.State == "" {
		rec.State = StateDiscovered
	}
}

// Skipped marks a reference as filtered with a reason.
func (r *Report) Skipped(ref *DocumentReference, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record(ref.URL)
	rec.Path = ref.RelPath
	rec.State = StateSkipped
	rec.Reason = reason
}

// Retrieved marks a reference as fully loaded.
func (r *Report) Retrieved(ref *DocumentReference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(ref.URL).State = StateRetrieved
}

// Validated records the validation outcome of a document.
func (r *Report) Validated(doc *ValidatedDocument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record(doc.Ref.URL)
	rec.State = StateValidated
	rec.Outcome = doc.Outcome.Kind.String()
	rec.Reason = doc.Outcome.Reason
}

// Verified records the content findings of a document.
func (r *Report) Verified(doc *VerifiedDocument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record(doc.Ref.URL)
	rec.State = StateVerified
	rec.Findings = doc.Findings
}

// Sunk marks a document as persisted or sent.
func (r *Report) Sunk(ref *DocumentReference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(ref.URL).State = StateSunk
}

// Failed marks a document as terminally failed.
func (r *Report) Failed(ref *DocumentReference, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.record(ref.URL)
	rec.State = StateFailed
	rec.Err = err.Error()
}

// Totals summarizes the report.
type Totals struct {
	Total    int
	Valid    int
	Warnings int
	Errors   int
	Skipped  int
	Failed   int
}

// Totals computes the summary counters.
func (r *Report) Totals() Totals {
	r.mu.Lock()
	defer r.mu.Unlock()
	var t Totals
	for _, url := range r.order {
		rec := r.docs[url]
		t.Total++
		switch rec.State {
		case StateSkipped:
			t.Skipped++
			continue
		case StateFailed:
			t.Failed++
			t.Errors++
			continue
		}
		var worst csaf.Severity
		for _, f := range rec.Findings {
			switch f.Severity {
			case csaf.SeverityError:
				worst = csaf.SeverityError
			case csaf.SeverityWarning:
				if worst != csaf.SeverityError {
					worst = csaf.SeverityWarning
				}
			}
		}
		switch worst {
		case csaf.SeverityError:
			t.Errors++
		case csaf.SeverityWarning:
			t.Warnings++
		default:
			t.Valid++
		}
	}
	return t
}

// CheckHistogram counts the findings per check name.
func (r *Report) CheckHistogram() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	hist := map[string]int{}
	for _, rec := range r.docs {
		for _, f := range rec.Findings {
			hist[f.Check]++
		}
	}
	return hist
}

// Records returns the document records in discovery order.
func (r *Report) Records() []*DocumentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*DocumentRecord, 0, len(r.order))
	for _, url := range r.order {
		out = append(out, r.docs[url])
	}
	return out
}

// WriteText emits the report as plain text. full also lists the
// documents without findings.
func (r *Report) WriteText(w io.Writer, full bool) error {
	t := r.Totals()
	if _, err := fmt.Fprintf(w,
		"total: %d  valid: %d  warnings: %d  errors: %d  skipped: %d\n",
		t.Total, t.Valid, t.Warnings, t.Errors, t.Skipped); err != nil {
		return err
	}

	hist := r.CheckHistogram()
	if len(hist) > 0 {
		checks := make([]string, 0, len(hist))
		for check := range hist {
			checks = append(checks, check)
		}
		sort.Strings(checks)
		fmt.Fprintln(w, "\nfindings per check:")
		for _, check := range checks {
			fmt.Fprintf(w, "  %-28s %d\n", check, hist[check])
		}
	}

	fmt.Fprintln(w)
	for _, rec := range r.Records() {
		if !full && len(rec.Findings) == 0 && rec.Err == "" {
			continue
		}
		name := rec.Path
		if name == "" {
			name = rec.URL
		}
		fmt.Fprintf(w, "%s [%s]", name, rec.State)
		if rec.Outcome != "" {
			fmt.Fprintf(w, " (%s)", rec.Outcome)
		}
		fmt.Fprintln(w)
		if rec.Err != "" {
			fmt.Fprintf(w, "    error: %s\n", rec.Err)
		}
		for _, f := range rec.Findings {
			fmt.Fprintf(w, "    %s/%s: %s\n", f.Severity, f.Check, f.Message)
		}
	}
	return nil
}

var reportTmpl = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Mirror report</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; }
td, th { border: 1px solid #999; padding: 0.3em 0.7em; text-align: left; }
.error { color: #a00; }
.warning { color: #a60; }
.note { color: #555; }
</style>
</head>
<body>
<h1>Mirror report</h1>
<p>generated {{.Generated}}</p>
<table>
<tr><th>total</th><th>valid</th><th>warnings</th><th>errors</th><th>skipped</th></tr>
<tr><td>{{.Totals.Total}}</td><td>{{.Totals.Valid}}</td><td>{{.Totals.Warnings}}</td><td>{{.Totals.Errors}}</td><td>{{.Totals.Skipped}}</td></tr>
</table>
{{if .Histogram}}
<h2>Findings per check</h2>
<table>
<tr><th>check</th><th>count</th></tr>
{{range .Histogram}}<tr><td>{{.Check}}</td><td>{{.Count}}</td></tr>
{{end}}
</table>
{{end}}
<h2>Documents</h2>
<table>
<tr><th>document</th><th>state</th><th>outcome</th><th>findings</th></tr>
{{range .Records}}
<tr>
<td>{{if .Path}}{{.Path}}{{else}}{{.URL}}{{end}}</td>
<td>{{.State}}</td>
<td>{{.Outcome}}{{if .Err}} {{.Err}}{{end}}</td>
<td>
{{range .Findings}}<div class="{{.Severity}}">{{.Check}}: {{.Message}}</div>{{end}}
</td>
</tr>
{{end}}
</table>
</body>
</html>
`))

type histEntry struct {
	Check string
	Count int
}

// WriteHTML emits the report as a standalone HTML page. full
// also lists the documents without findings.
func (r *Report) WriteHTML(w io.Writer, full bool) error {
	hist := r.CheckHistogram()
	checks := make([]string, 0, len(hist))
	for check := range hist {
		checks = append(checks, check)
	}
	sort.Strings(checks)
	entries := make([]histEntry, 0, len(checks))
	for _, check := range checks {
		entries = append(entries, histEntry{Check: check, Count: hist[check]})
	}

	records := r.Records()
	if !full {
		filtered := records[:0]
		for _, rec := range records {
			if len(rec.Findings) > 0 || rec.Err != "" {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	return reportTmpl.Execute(w, map[string]any{
		"Generated": time.Now().UTC().Format(time.RFC3339),
		"Totals":    r.Totals(),
		"Histogram": entries,
		"Records":   records,
	})
}
