// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package walker

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/advmirror/advmirror/csaf"
)

func TestReportAggregation(t *testing.T) {
	r := NewReport()

	clean := &DocumentReference{URL: "https://e/clean.json", RelPath: "clean.json"}
	warn := &DocumentReference{URL: "https://e/warn.json", RelPath: "warn.json"}
	bad := &DocumentReference{URL: "https://e/bad.json", RelPath: "bad.json"}
	skip := &DocumentReference{URL: "https://e/skip.json", RelPath: "skip.json"}

	for _, ref := range []*DocumentReference{clean, warn, bad, skip} {
		r.Discovered(ref)
	}
	r.Skipped(skip, "local copy is current")

	r.Retrieved(clean)
	r.Verified(&VerifiedDocument{ValidatedDocument: ValidatedDocument{
		RetrievedDocument: RetrievedDocument{Ref: *clean},
	}})
	r.Sunk(clean)

	r.Retrieved(warn)
	r.Verified(&VerifiedDocument{
		ValidatedDocument: ValidatedDocument{
			RetrievedDocument: RetrievedDocument{Ref: *warn},
		},
		Findings: []csaf.Finding{
			{Check: "tlp-label", Severity: csaf.SeverityWarning, Message: "no label"},
		},
	})

	r.Failed(bad, errors.New("digest mismatch"))

	totals := r.Totals()
	assert.Equal(t, 4, totals.Total)
	assert.Equal(t, 1, totals.Valid)
	assert.Equal(t, 1, totals.Warnings)
	assert.Equal(t, 1, totals.Errors)
	assert.Equal(t, 1, totals.Skipped)

	hist := r.CheckHistogram()
	assert.Equal(t, 1, hist["tlp-label"])
}

func TestReportWriteText(t *testing.T) {
	r := NewReport()
	ref := &DocumentReference{URL: "https://e/warn.json", RelPath: "warn.json"}
	r.Discovered(ref)
	r.Verified(&VerifiedDocument{
		ValidatedDocument: ValidatedDocument{
			RetrievedDocument: RetrievedDocument{Ref: *ref},
		},
		Findings: []csaf.Finding{
			{Check: "tlp-label", Severity: csaf.SeverityWarning, Message: "no label"},
		},
	})

	var sb strings.Builder
	require.NoError(t, r.WriteText(&sb, false))
	out := sb.String()
	assert.Contains(t, out, "total: 1")
	assert.Contains(t, out, "tlp-label")
	assert.Contains(t, out, "warn.json")
}

func TestReportWriteHTML(t *testing.T) {
	r := NewReport()
	ref := &DocumentReference{URL: "https://e/doc.json", RelPath: "doc.json"}
	r.Discovered(ref)
	r.Failed(ref, errors.New("<script>alert(1)</script>"))

	var sb strings.Builder
	require.NoError(t, r.WriteHTML(&sb, true))
	out := sb.String()
	assert.Contains(t, out, "doc.json")
	// Error messages are escaped.
	assert.NotContains(t, out, "<script>alert(1)</script>")
}
