// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package csaf

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/advmirror/advmirror/util"
)

const goodAdvisory = `{
  "document": {
    "category": "csaf_security_advisory",
    "csaf_version": "2.0",
    "distribution": {"tlp": {"label": "WHITE"}},
    "publisher": {
      "category": "vendor",
      "name": "A Vendor",
      "namespace": "https://vendor.example"
    },
    "title": "Test advisory",
    "tracking": {
      "current_release_date": "2020-06-01T00:00:00Z",
      "id": "avendor-advisory-0004",
      "initial_release_date": "2020-01-01T00:00:00Z",
      "revision_history": [
        {"date": "2020-01-01T00:00:00Z", "number": "1", "summary": "initial"}
      ],
      "status": "final",
      "version": "1"
    }
  },
  "vulnerabilities": [
    {"cve": "CVE-2020-0001", "title": "Something"}
  ]
}`

func parseDoc(t *testing.T, data string) any {
	t.Helper()
	var doc any
	require.NoError(t, json.Unmarshal([]byte(data), &doc))
	return doc
}

func findingsFor(fs []Finding, check string) []Finding {
	var out []Finding
	for _, f := range fs {
		if f.Check == check {
			out = append(out, f)
		}
	}
	return out
}

func TestCheckDocumentClean(t *testing.T) {
	doc := parseDoc(t, goodAdvisory)
	fs := CheckDocument(util.NewPathEval(), doc,
		"avendor-advisory-0004.json",
		[]RuleSet{RuleSetSchema, RuleSetMandatory}, nil)
	for _, f := range fs {
		assert.NotEqual(t, SeverityError, f.Severity,
			"unexpected error finding: %v", f)
	}
}

func TestCheckSchemaViolations(t *testing.T) {
	doc := parseDoc(t, `{"document": {"category": "x"}}`)
	fs := CheckDocument(util.NewPathEval(), doc, "",
		[]RuleSet{RuleSetSchema}, nil)
	require.NotEmpty(t, findingsFor(fs, "schema"))
}

func TestCheckTrackingIDFilename(t *testing.T) {
	doc := parseDoc(t, goodAdvisory)
	fs := CheckDocument(util.NewPathEval(), doc, "wrong-name.json",
		[]RuleSet{RuleSetMandatory}, nil)
	assert.NotEmpty(t, findingsFor(fs, "tracking-id-filename"))
}

func TestCheckReleaseDatesOrdering(t *testing.T) {
	doc := parseDoc(t, `{
	  "document": {
	    "csaf_version": "2.0",
	    "tracking": {
	      "id": "x",
	      "initial_release_date": "2021-01-01T00:00:00Z",
	      "current_release_date": "2020-01-01T00:00:00Z",
	      "revision_history": [{"date": "2020-01-01T00:00:00Z", "number": "1", "summary": "s"}]
	    }
	  }
	}`)
	fs := CheckDocument(util.NewPathEval(), doc, "",
		[]RuleSet{RuleSetMandatory}, nil)
	dateFindings := findingsFor(fs, "release-dates")
	require.NotEmpty(t, dateFindings)
	assert.Equal(t, SeverityError, dateFindings[0].Severity)
}

func TestCheckIgnoreSuppresses(t *testing.T) {
	doc := parseDoc(t, goodAdvisory)
	ignore := func(check string) bool { return check == "tracking-id-filename" }
	fs := CheckDocument(util.NewPathEval(), doc, "wrong-name.json",
		[]RuleSet{RuleSetMandatory}, ignore)
	assert.Empty(t, findingsFor(fs, "tracking-id-filename"))
}

func TestParseRuleSet(t *testing.T) {
	for _, name := range []string{"schema", "mandatory", "optional", "Mandatory"} {
		_, err := ParseRuleSet(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseRuleSet("everything")
	assert.Error(t, err)
}

func TestValidateCSAF(t *testing.T) {
	t.Run("valid document", func(t *testing.T) {
		errors, err := ValidateCSAF(parseDoc(t, goodAdvisory))
		require.NoError(t, err)
		assert.Empty(t, errors)
	})

	t.Run("missing tracking", func(t *testing.T) {
		errors, err := ValidateCSAF(parseDoc(t, `{"document": {
			"category": "csaf_base",
			"csaf_version": "2.0",
			"publisher": {"category": "vendor", "name": "v", "namespace": "https://v.example"},
			"title": "t"
		}}`))
		require.NoError(t, err)
		assert.NotEmpty(t, errors)
	})
}
