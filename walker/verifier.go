// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package walker

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/advmirror/advmirror/csaf"
	"github.com/advmirror/advmirror/pkg/errs"
	"github.com/advmirror/advmirror/sbom"
	"github.com/advmirror/advmirror/util"
)

// Verifier runs the content level checks on validated documents.
// It never rejects a document for its content: findings are
// attached and the severity policy is left to the consumers.
type Verifier struct {
	// Kind selects the check suite.
	Kind DocumentKind
	// RuleSets selects the CSAF check groups; ignored for SBOM.
	RuleSets []csaf.RuleSet
	// Ignore suppresses findings of the named checks.
	Ignore []string
	// Remote is the optional external validator hosting the
	// full upstream check sets; may be nil.
	Remote csaf.RemoteValidator
	// Next receives the verified documents.
	Next VerifiedVisitor
	// Report observes the findings; may be nil.
	Report *Report
}

func (v *Verifier) ignored() func(string) bool {
	if len(v.Ignore) == 0 {
		return nil
	}
	set := make(map[string]bool, len(v.Ignore))
	for _, name := range v.Ignore {
		set[name] = true
	}
	return func(check string) bool { return set[check] }
}

// VisitValidated implements [ValidatedVisitor]. An unparsable
// body is a per-document failure; everything else only produces
// findings.
func (v *Verifier) VisitValidated(
	ctx context.Context,
	doc *ValidatedDocument,
) error {
	var parsed any
	if err := json.Unmarshal(doc.Body, &parsed); err != nil {
		return errs.ErrInvalidDocument{Message: fmt.Sprintf(
			"document %s is not valid JSON: %v", doc.Ref.URL, err)}
	}

	verified := &VerifiedDocument{
		ValidatedDocument: *doc,
		Doc:               parsed,
	}

	ignore := v.ignored()
	// The path evaluator caches compiled expressions per
	// instance and is not safe for concurrent use, so each
	// visit gets its own.
	expr := util.NewPathEval()

	switch v.Kind {
	case KindSBOM:
		verified.Format, verified.Findings = sbom.CheckDocument(expr, parsed, ignore)
	default:
		filename := path.Base(doc.Ref.URL)
		verified.Findings = csaf.CheckDocument(
			expr, parsed, filename, v.RuleSets, ignore)
		if v.Remote != nil {
			result, err := v.Remote.Validate(parsed)
			if err != nil {
				return fmt.Errorf(
					"calling remote validator on %q failed: %w", doc.Ref.URL, err)
			}
			for _, f := range result.Findings {
				if ignore == nil || !ignore(f.Check) {
					verified.Findings = append(verified.Findings, f)
				}
			}
			if !result.Valid && len(result.Findings) == 0 {
				verified.Findings = append(verified.Findings, csaf.Finding{
					Check:    "remote-validator",
					Severity: csaf.SeverityError,
					Message:  "remote validation failed",
				})
			}
		}
	}

	if v.Report != nil {
		v.Report.Verified(verified)
	}
	if v.Next != nil {
		return v.Next.VisitVerified(ctx, verified)
	}
	return nil
}
