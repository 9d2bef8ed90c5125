// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package sbom

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/advmirror/advmirror/csaf"
	"github.com/advmirror/advmirror/util"
)

const cycloneDX = `{
  "bomFormat": "CycloneDX",
  "specVersion": "1.5",
  "serialNumber": "urn:uuid:3e671687-395b-41f5-a30f-a58921a69b79",
  "version": 1,
  "components": [
    {"type": "library", "name": "left-pad", "version": "1.3.0", "bom-ref": "pkg:npm/left-pad@1.3.0"}
  ]
}`

const spdx = `{
  "spdxVersion": "SPDX-2.3",
  "SPDXID": "SPDXRef-DOCUMENT",
  "name": "example",
  "dataLicense": "CC0-1.0",
  "documentNamespace": "https://example.com/spdx/example-1.0",
  "creationInfo": {
    "created": "2024-01-01T00:00:00Z",
    "creators": ["Tool: example-generator"]
  },
  "packages": [
    {"name": "left-pad", "SPDXID": "SPDXRef-Package-left-pad", "downloadLocation": "NOASSERTION"}
  ]
}`

func parse(t *testing.T, data string) any {
	t.Helper()
	var doc any
	require.NoError(t, json.Unmarshal([]byte(data), &doc))
	return doc
}

func TestDetect(t *testing.T) {
	assert.Equal(t, FormatCycloneDX, Detect(parse(t, cycloneDX)))
	assert.Equal(t, FormatSPDX, Detect(parse(t, spdx)))
	assert.Equal(t, FormatUnknown, Detect(parse(t, `{"document": {}}`)))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/vnd.cyclonedx+json", FormatCycloneDX.ContentType())
	assert.Equal(t, "application/spdx+json", FormatSPDX.ContentType())
	assert.Equal(t, "application/json", FormatUnknown.ContentType())
}

func errorFindings(fs []csaf.Finding) []csaf.Finding {
	var out []csaf.Finding
	for _, f := range fs {
		if f.Severity == csaf.SeverityError {
			out = append(out, f)
		}
	}
	return out
}

func TestCheckDocumentCycloneDX(t *testing.T) {
	format, findings := CheckDocument(util.NewPathEval(), parse(t, cycloneDX), nil)
	assert.Equal(t, FormatCycloneDX, format)
	assert.Empty(t, errorFindings(findings))
}

func TestCheckDocumentSPDX(t *testing.T) {
	format, findings := CheckDocument(util.NewPathEval(), parse(t, spdx), nil)
	assert.Equal(t, FormatSPDX, format)
	assert.Empty(t, errorFindings(findings))
}

func TestCheckDocumentEmptyComponentName(t *testing.T) {
	doc := parse(t, `{
	  "bomFormat": "CycloneDX",
	  "specVersion": "1.5",
	  "components": [{"type": "library", "name": ""}]
	}`)
	format, findings := CheckDocument(util.NewPathEval(), doc, nil)
	assert.Equal(t, FormatCycloneDX, format)
	found := false
	for _, f := range findings {
		if f.Check == "component-identifier" {
			found = true
		}
	}
	assert.True(t, found, "expected a component-identifier finding")
}

func TestCheckDocumentUnknownFormat(t *testing.T) {
	_, findings := CheckDocument(util.NewPathEval(), parse(t, `{"x": 1}`), nil)
	assert.NotEmpty(t, errorFindings(findings))
}

func TestCheckDocumentIgnore(t *testing.T) {
	doc := parse(t, `{
	  "bomFormat": "CycloneDX",
	  "specVersion": "1.5",
	  "components": [{"type": "library", "name": ""}]
	}`)
	ignore := func(check string) bool { return check == "component-identifier" }
	_, findings := CheckDocument(util.NewPathEval(), doc, ignore)
	for _, f := range findings {
		assert.NotEqual(t, "component-identifier", f.Check)
	}
}
