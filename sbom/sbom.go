// This file is Free Software under the Apache-2.0 License
// without warranty, see README.md and LICENSES/Apache-2.0.txt for details.
//
// SPDX-License-Identifier: Apache-2.0

// Package sbom implements the SBOM specific parts of the mirror:
// format detection, schema validation and the sanity checks for
// CycloneDX and SPDX documents.
package sbom

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/advmirror/advmirror/csaf"
	"github.com/advmirror/advmirror/util"
)

//go:embed schema/cyclonedx-1.5.json
var cycloneDXSchema []byte

//go:embed schema/spdx-2.3.json
var spdxSchema []byte

// Format is the detected SBOM flavor of a document.
type Format string

const (
	// FormatUnknown is a document which is neither CycloneDX nor SPDX.
	FormatUnknown Format = "unknown"
	// FormatCycloneDX is a CycloneDX JSON document.
	FormatCycloneDX Format = "cyclonedx"
	// FormatSPDX is an SPDX JSON document.
	FormatSPDX Format = "spdx"
)

// ContentType returns the media type used when sending a document
// of this format to an ingestion endpoint.
func (f Format) ContentType() string {
	switch f {
	case FormatCycloneDX:
		return "application/vnd.cyclonedx+json"
	case FormatSPDX:
		return "application/spdx+json"
	default:
		return "application/json"
	}
}

// Detect determines the SBOM flavor of a parsed JSON document.
func Detect(doc any) Format {
	m, ok := doc.(map[string]any)
	if !ok {
		return FormatUnknown
	}
	if bf, ok := m["bomFormat"].(string); ok && bf == "CycloneDX" {
		return FormatCycloneDX
	}
	if _, ok := m["spdxVersion"].(string); ok {
		return FormatSPDX
	}
	return FormatUnknown
}

type compiled struct {
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}

var (
	cycloneDXCompiled compiled
	spdxCompiled      compiled
)

func (c *compiled) get(id string, data []byte) (*jsonschema.Schema, error) {
	c.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if c.err = compiler.AddResource(id, bytes.NewReader(data)); c.err != nil {
			return
		}
		c.schema, c.err = compiler.Compile(id)
	})
	return c.schema, c.err
}

// validateSchema validates doc against the schema of its format.
func validateSchema(format Format, doc any) ([]string, error) {
	var (
		schema *jsonschema.Schema
		err    error
	)
	switch format {
	case FormatCycloneDX:
		schema, err = cycloneDXCompiled.get(
			"http://cyclonedx.org/schema/bom-1.5.schema.json", cycloneDXSchema)
	case FormatSPDX:
		schema, err = spdxCompiled.get(
			"https://raw.githubusercontent.com/spdx/spdx-spec/v2.3/schemas/spdx-schema.json",
			spdxSchema)
	default:
		return []string{"document is neither CycloneDX nor SPDX"}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		valErr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return nil, err
		}
		var msgs []string
		for _, e := range valErr.BasicOutput().Errors {
			if e.Error == "" {
				continue
			}
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Error)
		}
		return msgs, nil
	}
	return nil, nil
}

// sanityCycloneDX checks minimal semantic properties of a
// CycloneDX document beyond what the schema expresses.
func sanityCycloneDX(doc any) []csaf.Finding {
	var fs []csaf.Finding
	m, _ := doc.(map[string]any)
	components, _ := m["components"].([]any)
	for i, c := range components {
		comp, ok := c.(map[string]any)
		if !ok {
			continue
		}
		name, _ := comp["name"].(string)
		if name == "" {
			fs = append(fs, csaf.Finding{
				Check:    "component-identifier",
				Severity: csaf.SeverityError,
				Message:  fmt.Sprintf("component %d has an empty name", i),
			})
		}
		if ref, present := comp["bom-ref"]; present {
			if s, _ := ref.(string); s == "" {
				fs = append(fs, csaf.Finding{
					Check:    "component-identifier",
					Severity: csaf.SeverityError,
					Message:  fmt.Sprintf("component %d has an empty bom-ref", i),
				})
			}
		}
	}
	if _, present := m["serialNumber"]; !present {
		fs = append(fs, csaf.Finding{
			Check:    "serial-number",
			Severity: csaf.SeverityNote,
			Message:  "document has no serialNumber",
		})
	}
	return fs
}

// sanitySPDX checks minimal semantic properties of an SPDX document.
func sanitySPDX(doc any) []csaf.Finding {
	var fs []csaf.Finding
	m, _ := doc.(map[string]any)
	packages, _ := m["packages"].([]any)
	for i, p := range packages {
		pkg, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := pkg["SPDXID"].(string); id == "" {
			fs = append(fs, csaf.Finding{
				Check:    "component-identifier",
				Severity: csaf.SeverityError,
				Message:  fmt.Sprintf("package %d has an empty SPDXID", i),
			})
		}
	}
	if ns, _ := m["documentNamespace"].(string); ns == "" {
		fs = append(fs, csaf.Finding{
			Check:    "document-namespace",
			Severity: csaf.SeverityWarning,
			Message:  "document has no documentNamespace",
		})
	}
	return fs
}

// CheckDocument detects the format of doc, validates it against
// the corresponding schema and runs the sanity checks. ignore
// suppresses findings of named checks.
func CheckDocument(
	_ *util.PathEval,
	doc any,
	ignore func(check string) bool,
) (Format, []csaf.Finding) {
	if ignore == nil {
		ignore = func(string) bool { return false }
	}

	format := Detect(doc)

	var findings []csaf.Finding
	add := func(fs ...csaf.Finding) {
		for _, f := range fs {
			if !ignore(f.Check) {
				findings = append(findings, f)
			}
		}
	}

	if !ignore("schema") {
		msgs, err := validateSchema(format, doc)
		if err != nil {
			add(csaf.Finding{
				Check:    "schema",
				Severity: csaf.SeverityError,
				Message:  fmt.Sprintf("schema validation failed: %v", err),
			})
		}
		for _, msg := range msgs {
			add(csaf.Finding{
				Check:    "schema",
				Severity: csaf.SeverityError,
				Message:  msg,
			})
		}
	}

	switch format {
	case FormatCycloneDX:
		add(sanityCycloneDX(doc)...)
	case FormatSPDX:
		add(sanitySPDX(doc)...)
	}

	return format, findings
}
