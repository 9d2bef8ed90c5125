// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package walker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/advmirror/advmirror/csaf"
	"github.com/advmirror/advmirror/internal/testutil"
	"github.com/advmirror/advmirror/sbom"
)

func validatedFromBody(rel string, body []byte) *ValidatedDocument {
	return &ValidatedDocument{
		RetrievedDocument: RetrievedDocument{
			Ref: DocumentReference{
				URL:     "https://example.com/" + rel,
				RelPath: rel,
			},
			Body: body,
		},
		Outcome: ValidationOutcome{Kind: OutcomeValid},
	}
}

func TestVerifierCSAF(t *testing.T) {
	var out []*VerifiedDocument
	v := &Verifier{
		Kind:     KindCSAF,
		RuleSets: []csaf.RuleSet{csaf.RuleSetSchema, csaf.RuleSetMandatory},
		Next: VerifiedVisitorFunc(
			func(_ context.Context, doc *VerifiedDocument) error {
				out = append(out, doc)
				return nil
			}),
	}

	doc := validatedFromBody("avendor-advisory-0004.json",
		testutil.Advisory("avendor-advisory-0004"))
	require.NoError(t, v.VisitValidated(context.Background(), doc))
	require.Len(t, out, 1)
	for _, f := range out[0].Findings {
		assert.NotEqual(t, csaf.SeverityError, f.Severity,
			"unexpected error finding: %v", f)
	}
}

func TestVerifierRejectsBrokenJSON(t *testing.T) {
	v := &Verifier{Kind: KindCSAF}
	doc := validatedFromBody("broken.json", []byte("{not json"))
	assert.Error(t, v.VisitValidated(context.Background(), doc))
}

func TestVerifierSBOM(t *testing.T) {
	var out []*VerifiedDocument
	v := &Verifier{
		Kind: KindSBOM,
		Next: VerifiedVisitorFunc(
			func(_ context.Context, doc *VerifiedDocument) error {
				out = append(out, doc)
				return nil
			}),
	}

	doc := validatedFromBody("bom.json", []byte(`{
	  "bomFormat": "CycloneDX",
	  "specVersion": "1.5",
	  "components": [{"type": "library", "name": "left-pad"}]
	}`))
	require.NoError(t, v.VisitValidated(context.Background(), doc))
	require.Len(t, out, 1)
	assert.Equal(t, sbom.FormatCycloneDX, out[0].Format)
}

func TestVerifierIgnore(t *testing.T) {
	var out []*VerifiedDocument
	v := &Verifier{
		Kind:     KindCSAF,
		RuleSets: []csaf.RuleSet{csaf.RuleSetMandatory},
		Ignore:   []string{"tracking-id-filename"},
		Next: VerifiedVisitorFunc(
			func(_ context.Context, doc *VerifiedDocument) error {
				out = append(out, doc)
				return nil
			}),
	}

	// The filename does not match the tracking id; the finding
	// is suppressed by the ignore list.
	doc := validatedFromBody("misnamed.json",
		testutil.Advisory("avendor-advisory-0004"))
	require.NoError(t, v.VisitValidated(context.Background(), doc))
	require.Len(t, out, 1)
	for _, f := range out[0].Findings {
		assert.NotEqual(t, "tracking-id-filename", f.Check)
	}
}
