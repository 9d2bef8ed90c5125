// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

package csaf

import (
	"fmt"
	"strings"
	"time"

	"github.com/advmirror/advmirror/util"
)

// Severity grades a finding of a content check.
type Severity string

const (
	// SeverityError is an outright violation.
	SeverityError Severity = "error"
	// SeverityWarning is a questionable but tolerated state.
	SeverityWarning Severity = "warning"
	// SeverityNote is an informational remark.
	SeverityNote Severity = "note"
)

// Finding is one result of a named content check.
type Finding struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// RuleSet names a selectable group of content checks.
type RuleSet string

const (
	// RuleSetSchema only runs the JSON schema validation.
	RuleSetSchema RuleSet = "schema"
	// RuleSetMandatory runs the checks every conforming advisory must pass.
	RuleSetMandatory RuleSet = "mandatory"
	// RuleSetOptional runs the additional quality checks.
	RuleSetOptional RuleSet = "optional"
)

// ParseRuleSet parses a rule set name.
func ParseRuleSet(s string) (RuleSet, error) {
	switch rs := RuleSet(strings.ToLower(s)); rs {
	case RuleSetSchema, RuleSetMandatory, RuleSetOptional:
		return rs, nil
	default:
		return "", fmt.Errorf("unknown rule set %q", s)
	}
}

// namedCheck is one named content check over a parsed document.
type namedCheck struct {
	name string
	run  func(*checkContext) []Finding
}

type checkContext struct {
	expr     *util.PathEval
	doc      any
	filename string
}

func finding(check string, sev Severity, format string, args ...any) Finding {
	return Finding{
		Check:    check,
		Severity: sev,
		Message:  fmt.Sprintf(format, args...),
	}
}

// The mandatory checks.
var mandatoryChecks = []namedCheck{
	{"csaf-version", checkCSAFVersion},
	{"tracking-id-filename", checkTrackingIDFilename},
	{"tlp-label", checkTLPLabel},
	{"release-dates", checkReleaseDates},
	{"revision-history", checkRevisionHistory},
}

// The optional checks. They run natively when no remote validator
// is configured.
var optionalChecks = []namedCheck{
	{"notes-present", checkNotesPresent},
	{"references-present", checkReferencesPresent},
	{"vulnerabilities-listed", checkVulnerabilitiesListed},
}

func checkCSAFVersion(ctx *checkContext) []Finding {
	var version string
	if err := ctx.expr.Extract(
		`$.document.csaf_version`, util.StringMatcher(&version), false, ctx.doc,
	); err != nil {
		return []Finding{finding("csaf-version", SeverityError,
			"document has no csaf_version")}
	}
	if version != "2.0" {
		return []Finding{finding("csaf-version", SeverityError,
			"unsupported csaf_version %q", version)}
	}
	return nil
}

func checkTrackingIDFilename(ctx *checkContext) []Finding {
	if ctx.filename == "" {
		return nil
	}
	if err := util.IDMatchesFilename(ctx.expr, ctx.doc, ctx.filename); err != nil {
		return []Finding{finding("tracking-id-filename", SeverityError, "%v", err)}
	}
	return nil
}

func checkTLPLabel(ctx *checkContext) []Finding {
	var label string
	if err := ctx.expr.Extract(
		`$.document.distribution.tlp.label`, util.StringMatcher(&label), true, ctx.doc,
	); err != nil || label == "" {
		return []Finding{finding("tlp-label", SeverityWarning,
			"document carries no TLP label")}
	}
	return nil
}

func checkReleaseDates(ctx *checkContext) []Finding {
	var initial, current time.Time
	var fs []Finding
	if err := ctx.expr.Extract(
		`$.document.tracking.initial_release_date`,
		util.TimeMatcher(&initial, time.RFC3339), false, ctx.doc,
	); err != nil {
		fs = append(fs, finding("release-dates", SeverityError,
			"missing or invalid initial_release_date"))
	}
	if err := ctx.expr.Extract(
		`$.document.tracking.current_release_date`,
		util.TimeMatcher(&current, time.RFC3339), false, ctx.doc,
	); err != nil {
		fs = append(fs, finding("release-dates", SeverityError,
			"missing or invalid current_release_date"))
	}
	if !initial.IsZero() && !current.IsZero() && current.Before(initial) {
		fs = append(fs, finding("release-dates", SeverityError,
			"current_release_date %s is before initial_release_date %s",
			current.Format(time.RFC3339), initial.Format(time.RFC3339)))
	}
	return fs
}

func checkRevisionHistory(ctx *checkContext) []Finding {
	history, err := ctx.expr.Eval(`$.document.tracking.revision_history`, ctx.doc)
	if err != nil {
		return []Finding{finding("revision-history", SeverityError,
			"document has no revision_history")}
	}
	entries, ok := history.([]any)
	if !ok || len(entries) == 0 {
		return []Finding{finding("revision-history", SeverityError,
			"revision_history is empty")}
	}
	return nil
}

func checkNotesPresent(ctx *checkContext) []Finding {
	if _, err := ctx.expr.Eval(`$.document.notes`, ctx.doc); err != nil {
		return []Finding{finding("notes-present", SeverityNote,
			"document has no notes section")}
	}
	return nil
}

func checkReferencesPresent(ctx *checkContext) []Finding {
	if _, err := ctx.expr.Eval(`$.document.references`, ctx.doc); err != nil {
		return []Finding{finding("references-present", SeverityNote,
			"document has no references")}
	}
	return nil
}

func checkVulnerabilitiesListed(ctx *checkContext) []Finding {
	var category string
	if err := ctx.expr.Extract(
		`$.document.category`, util.StringMatcher(&category), true, ctx.doc,
	); err != nil || !strings.Contains(category, "security_advisory") {
		return nil
	}
	if _, err := ctx.expr.Eval(`$.vulnerabilities`, ctx.doc); err != nil {
		return []Finding{finding("vulnerabilities-listed", SeverityWarning,
			"security advisory lists no vulnerabilities")}
	}
	return nil
}

// CheckDocument runs the selected rule sets on a parsed document.
// ignore suppresses findings of named checks; nil means no
// suppression. The schema set validates against the CSAF 2.0 JSON
// schema, the other sets run the named content checks.
func CheckDocument(
	expr *util.PathEval,
	doc any,
	filename string,
	sets []RuleSet,
	ignore func(check string) bool,
) []Finding {
	if ignore == nil {
		ignore = func(string) bool { return false }
	}
	ctx := &checkContext{expr: expr, doc: doc, filename: filename}

	var findings []Finding
	add := func(fs []Finding) {
		for _, f := range fs {
			if !ignore(f.Check) {
				findings = append(findings, f)
			}
		}
	}

	for _, set := range sets {
		switch set {
		case RuleSetSchema:
			if ignore("schema") {
				continue
			}
			errors, err := ValidateCSAF(doc)
			if err != nil {
				add([]Finding{finding("schema", SeverityError,
					"schema validation failed: %v", err)})
				continue
			}
			for _, e := range errors {
				add([]Finding{finding("schema", SeverityError, "%s", e)})
			}
		case RuleSetMandatory:
			for _, check := range mandatoryChecks {
				if !ignore(check.name) {
					add(check.run(ctx))
				}
			}
		case RuleSetOptional:
			for _, check := range optionalChecks {
				if !ignore(check.name) {
					add(check.run(ctx))
				}
			}
		}
	}
	return findings
}
